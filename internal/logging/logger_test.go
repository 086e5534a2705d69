package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	old := get()
	SetLoggerForTest(zerolog.New(&buf))
	t.Cleanup(func() { SetLoggerForTest(old) })
	return &buf
}

func TestInfoKeyvals(t *testing.T) {
	buf := capture(t)

	Info("job started", "job_id", "Polymath_abc12345", "worker", 3)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "job started", entry["message"])
	assert.Equal(t, "Polymath_abc12345", entry["job_id"])
	assert.Equal(t, float64(3), entry["worker"])
	assert.Equal(t, "info", entry["level"])
}

func TestDanglingKeyIsDropped(t *testing.T) {
	buf := capture(t)

	Warn("odd keyvals", "key_without_value")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "odd keyvals", entry["message"])
	assert.NotContains(t, entry, "key_without_value")
}

func TestNonStringKey(t *testing.T) {
	buf := capture(t)

	Error("bad key", 42, "value")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "value", entry["42"])
}

func TestAllLevelsEmit(t *testing.T) {
	buf := capture(t)

	Debug("d")
	Info("i")
	Warn("w")
	Error("e")

	var levels []string
	dec := json.NewDecoder(buf)
	for dec.More() {
		var entry map[string]interface{}
		require.NoError(t, dec.Decode(&entry))
		levels = append(levels, entry["level"].(string))
	}
	assert.Equal(t, []string{"debug", "info", "warn", "error"}, levels)
}

func TestSetLogLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	old := get()
	SetLoggerForTest(zerolog.New(&buf).Level(zerolog.WarnLevel))
	defer SetLoggerForTest(old)

	Debug("invisible")
	assert.Zero(t, buf.Len())

	Warn("visible")
	assert.NotZero(t, buf.Len())
}
