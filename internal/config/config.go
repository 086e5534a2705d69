// Package config loads and validates the Nendo server configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	v, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns the plain time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Environment names the mode the server runs in.
type Environment string

const (
	EnvTest   Environment = "test"
	EnvLocal  Environment = "local"
	EnvRemote Environment = "remote"
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Name string `yaml:"name"`
	Host string `yaml:"host"`
	Port string `yaml:"port"`
}

// LoggerConfig holds the zerolog/lumberjack settings.
type LoggerConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
	Level      string `yaml:"level"`
}

// PostgresConfig describes a Postgres connection. Host may carry a full DSN.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
}

// RedisConfig describes the Redis connection used for queues and limiters.
type RedisConfig struct {
	Addr        string `yaml:"addr"`
	User        string `yaml:"user"`
	Password    string `yaml:"password"`
	DB          int    `yaml:"db"`
	RateLimitDB int    `yaml:"rate_limit_db"`
}

// AuthConfig holds JWT and registration settings.
type AuthConfig struct {
	Secret            string   `yaml:"secret"`
	TokenExpiry       Duration `yaml:"token_expiry"`
	RequireInviteCode bool     `yaml:"require_invite_code"`
	VerifyURLPublic   string   `yaml:"verify_url_public"`
	PasswordResetURL  string   `yaml:"password_reset_url_public"`
	VerifyTokenExpiry Duration `yaml:"verify_token_expiry"`
	ResetTokenExpiry  Duration `yaml:"reset_token_expiry"`
	DisableVerifyGate bool     `yaml:"disable_verify_gate"`
}

// WorkerConfig controls queue worker pools.
type WorkerConfig struct {
	NumUserCPUWorkers int      `yaml:"num_user_cpu_workers"`
	NumGPUWorkers     int      `yaml:"num_gpu_workers"`
	UseGPU            bool     `yaml:"use_gpu"`
	JobTimeout        Duration `yaml:"job_timeout"`
	ResultTTL         Duration `yaml:"result_ttl"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
}

// DockerConfig controls how action containers are run.
type DockerConfig struct {
	NetworkName      string `yaml:"network_name"`
	HostBasePath     string `yaml:"host_base_path"`
	HostAppsPath     string `yaml:"host_apps_path"`
	LibraryMountPath string `yaml:"library_mount_path"`
	LibraryPlugin    string `yaml:"library_plugin"`
	ModelCacheVolume string `yaml:"model_cache_volume"`
	PostgresHost     string `yaml:"postgres_host"`
	PostgresUser     string `yaml:"postgres_user"`
	PostgresPassword string `yaml:"postgres_password"`
	PostgresDB       string `yaml:"postgres_db"`
	ShmSizeBytes     int64  `yaml:"shm_size_bytes"`
	MemlockUlimit    int64  `yaml:"memlock_ulimit"`
	StackUlimit      int64  `yaml:"stack_ulimit"`
}

// LibraryConfig controls local asset storage.
type LibraryConfig struct {
	Path             string  `yaml:"path"`
	UserStorageSize  int64   `yaml:"user_storage_size"`
	ChunkActions     bool    `yaml:"chunk_actions"`
	MaxTrackDuration float64 `yaml:"max_track_duration"`
	MaxChunkDuration float64 `yaml:"max_chunk_duration"`
}

// RateLimiterConfig mirrors the limiter middleware knobs.
type RateLimiterConfig struct {
	UserLimit         int      `yaml:"user_limit"`
	Interval          Duration `yaml:"interval"`
	EnableUserLimiter bool     `yaml:"enable_user_limiter"`
}

// EmailConfig holds the Mailgun settings.
type EmailConfig struct {
	FromAddress   string `yaml:"from_address"`
	MailgunAPIKey string `yaml:"mailgun_api_key"`
	MailgunDomain string `yaml:"mailgun_domain"`
}

// Config is the root server configuration.
type Config struct {
	Environment Environment       `yaml:"environment"`
	Server      ServerConfig      `yaml:"server"`
	Logger      LoggerConfig      `yaml:"logger"`
	Postgres    PostgresConfig    `yaml:"postgres"`
	Redis       RedisConfig       `yaml:"redis"`
	Auth        AuthConfig        `yaml:"auth"`
	Workers     WorkerConfig      `yaml:"workers"`
	Docker      DockerConfig      `yaml:"docker"`
	Library     LibraryConfig     `yaml:"library"`
	RateLimiter RateLimiterConfig `yaml:"rate_limiter"`
	Email       EmailConfig       `yaml:"email"`
}

var current struct {
	sync.RWMutex
	cfg Config
}

// Defaults returns a config prefilled with the documented default values.
func Defaults() Config {
	var cfg Config
	cfg.Environment = EnvLocal
	cfg.Server.Name = "Nendo server"
	cfg.Server.Host = ""
	cfg.Server.Port = ":8000"
	cfg.Logger.Level = "warn"
	cfg.Logger.MaxSizeMB = 50
	cfg.Logger.MaxBackups = 3
	cfg.Logger.MaxAgeDays = 28
	cfg.Postgres.SSLMode = "disable"
	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.RateLimitDB = 1
	cfg.Auth.TokenExpiry = Duration(12 * time.Hour)
	cfg.Auth.VerifyTokenExpiry = Duration(24 * time.Hour)
	cfg.Auth.ResetTokenExpiry = Duration(time.Hour)
	cfg.Workers.NumUserCPUWorkers = 3
	cfg.Workers.NumGPUWorkers = 1
	cfg.Workers.UseGPU = true
	cfg.Workers.JobTimeout = Duration(72 * time.Hour)
	cfg.Workers.ResultTTL = Duration(48 * time.Hour)
	cfg.Workers.HeartbeatInterval = Duration(15 * time.Second)
	cfg.Docker.NetworkName = "nendo-internal"
	cfg.Docker.LibraryMountPath = "/home/nendo/nendo_library"
	cfg.Docker.LibraryPlugin = "default"
	cfg.Docker.ModelCacheVolume = "hf-models-cache"
	cfg.Docker.ShmSizeBytes = 1 << 30
	cfg.Docker.MemlockUlimit = -1
	cfg.Docker.StackUlimit = 67108864
	cfg.Library.Path = "./nendo_library"
	cfg.Library.UserStorageSize = -1
	cfg.Library.MaxTrackDuration = -1
	cfg.Library.MaxChunkDuration = -1
	cfg.RateLimiter.Interval = Duration(time.Minute)
	return cfg
}

// LoadFrom reads the config file at path. It panics on unreadable files or
// invalid values, so a misconfigured server never comes up half-working.
func LoadFrom(path string) Config {
	cfg := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		panic(fmt.Sprintf("config: cannot read %s: %v", path, err))
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		panic(fmt.Sprintf("config: cannot parse %s: %v", path, err))
	}
	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("config: %v", err))
	}
	Set(cfg)
	return cfg
}

// Load reads the config from CONFIG_PATH, falling back to ./config.yaml.
func Load() Config {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}
	return LoadFrom(path)
}

// applyEnvOverrides lets secrets come from the environment instead of the
// config file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("NENDO_SECRET"); v != "" {
		cfg.Auth.Secret = v
	}
	if v := os.Getenv("POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("MAILGUN_API_KEY"); v != "" {
		cfg.Email.MailgunAPIKey = v
	}
}

// Validate checks value ranges that would otherwise fail at runtime.
func (c Config) Validate() error {
	switch c.Environment {
	case EnvTest, EnvLocal, EnvRemote:
	default:
		return fmt.Errorf("unknown environment %q", c.Environment)
	}
	if c.Auth.Secret == "" {
		return fmt.Errorf("auth.secret must be set")
	}
	if c.Auth.TokenExpiry <= 0 {
		return fmt.Errorf("auth.token_expiry must be positive")
	}
	if c.Postgres.Host == "" {
		return fmt.Errorf("postgres.host must be set")
	}
	if !strings.HasPrefix(c.Postgres.Host, "postgres://") &&
		!strings.HasPrefix(c.Postgres.Host, "postgresql://") {
		if c.Postgres.User == "" || c.Postgres.Database == "" {
			return fmt.Errorf("postgres.user and postgres.database must be set")
		}
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr must be set")
	}
	if c.Workers.NumUserCPUWorkers <= 0 {
		return fmt.Errorf("workers.num_user_cpu_workers must be positive")
	}
	if c.Workers.UseGPU && c.Workers.NumGPUWorkers <= 0 {
		return fmt.Errorf("workers.num_gpu_workers must be positive when use_gpu is on")
	}
	if c.RateLimiter.UserLimit < 0 {
		return fmt.Errorf("rate_limiter.user_limit must not be negative")
	}
	if c.RateLimiter.Interval <= 0 {
		return fmt.Errorf("rate_limiter.interval must be positive")
	}
	return nil
}

// Set replaces the process-wide config.
func Set(cfg Config) {
	current.Lock()
	current.cfg = cfg
	current.Unlock()
}

// Get returns the process-wide config.
func Get() Config {
	current.RLock()
	defer current.RUnlock()
	return current.cfg
}
