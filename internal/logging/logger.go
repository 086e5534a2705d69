// Package logging wraps zerolog behind small keyval helpers so call sites
// stay free of builder chains.
package logging

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu     sync.RWMutex
	logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
)

// Init configures the global logger. When file is non-empty, output is
// rotated with lumberjack and mirrored to stdout.
func Init(file string, maxSizeMB, maxBackups, maxAgeDays int, compress bool, level string) {
	var out io.Writer = os.Stdout
	if file != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   file,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			MaxAge:     maxAgeDays,
			Compress:   compress,
		})
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	mu.Lock()
	logger = zerolog.New(out).With().Timestamp().Logger().Level(lvl)
	mu.Unlock()
}

// SetLogLevel changes the level of the current logger.
func SetLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	mu.Lock()
	logger = logger.Level(lvl)
	mu.Unlock()
}

// SetLoggerForTest swaps the global logger. Tests use this to capture output.
func SetLoggerForTest(l zerolog.Logger) {
	mu.Lock()
	logger = l
	mu.Unlock()
}

func get() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

func emit(ev *zerolog.Event, msg string, keyvals []interface{}) {
	for i := 0; i+1 < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			key = fmt.Sprint(keyvals[i])
		}
		ev = ev.Interface(key, keyvals[i+1])
	}
	ev.Msg(msg)
}

// Debug logs at debug level with alternating key/value pairs.
func Debug(msg string, keyvals ...interface{}) {
	l := get()
	emit(l.Debug(), msg, keyvals)
}

// Info logs at info level with alternating key/value pairs.
func Info(msg string, keyvals ...interface{}) {
	l := get()
	emit(l.Info(), msg, keyvals)
}

// Warn logs at warn level with alternating key/value pairs.
func Warn(msg string, keyvals ...interface{}) {
	l := get()
	emit(l.Warn(), msg, keyvals)
}

// Error logs at error level with alternating key/value pairs.
func Error(msg string, keyvals ...interface{}) {
	l := get()
	emit(l.Error(), msg, keyvals)
}
