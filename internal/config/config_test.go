package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const validConfig = `
environment: local
server:
  port: ":9000"
auth:
  secret: unit-test-secret
  token_expiry: 2h
postgres:
  host: localhost
  user: nendo
  database: nendo
redis:
  addr: localhost:6379
workers:
  num_user_cpu_workers: 2
  use_gpu: false
  job_timeout: 1h
library:
  path: /tmp/nendo
  chunk_actions: true
  max_chunk_duration: 600
`

func TestLoadFrom(t *testing.T) {
	cfg := LoadFrom(writeConfig(t, validConfig))

	assert.Equal(t, EnvLocal, cfg.Environment)
	assert.Equal(t, ":9000", cfg.Server.Port)
	assert.Equal(t, "unit-test-secret", cfg.Auth.Secret)
	assert.Equal(t, 2*time.Hour, cfg.Auth.TokenExpiry.Std())
	assert.Equal(t, 2, cfg.Workers.NumUserCPUWorkers)
	assert.False(t, cfg.Workers.UseGPU)
	assert.Equal(t, time.Hour, cfg.Workers.JobTimeout.Std())
	assert.True(t, cfg.Library.ChunkActions)
	assert.Equal(t, 600.0, cfg.Library.MaxChunkDuration)

	// Untouched sections keep their defaults.
	assert.Equal(t, "nendo-internal", cfg.Docker.NetworkName)
	assert.Equal(t, 48*time.Hour, cfg.Workers.ResultTTL.Std())

	// LoadFrom publishes the config globally.
	assert.Equal(t, cfg, Get())
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("NENDO_SECRET", "from-env")
	t.Setenv("POSTGRES_PASSWORD", "pg-env")

	cfg := LoadFrom(writeConfig(t, validConfig))
	assert.Equal(t, "from-env", cfg.Auth.Secret)
	assert.Equal(t, "pg-env", cfg.Postgres.Password)
}

func TestLoadFromPanicsOnMissingFile(t *testing.T) {
	assert.Panics(t, func() {
		LoadFrom(filepath.Join(t.TempDir(), "nope.yaml"))
	})
}

func TestLoadFromPanicsOnBadDuration(t *testing.T) {
	path := writeConfig(t, `
auth:
  secret: s
  token_expiry: soon
postgres:
  host: localhost
  user: u
  database: d
`)
	assert.Panics(t, func() { LoadFrom(path) })
}

func TestValidate(t *testing.T) {
	base := func() Config {
		cfg := Defaults()
		cfg.Auth.Secret = "s"
		cfg.Postgres.Host = "localhost"
		cfg.Postgres.User = "u"
		cfg.Postgres.Database = "d"
		return cfg
	}

	assert.NoError(t, base().Validate())

	cfg := base()
	cfg.Environment = "staging"
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Auth.Secret = ""
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Postgres.User = ""
	assert.Error(t, cfg.Validate())

	// A full DSN in host needs no user/database fields.
	cfg = base()
	cfg.Postgres.Host = "postgres://u:p@localhost:5432/nendo"
	cfg.Postgres.User = ""
	cfg.Postgres.Database = ""
	assert.NoError(t, cfg.Validate())

	cfg = base()
	cfg.Workers.NumUserCPUWorkers = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Workers.UseGPU = true
	cfg.Workers.NumGPUWorkers = 0
	assert.Error(t, cfg.Validate())
}

func TestDurationUnmarshal(t *testing.T) {
	var d Duration
	require.NoError(t, yaml.Unmarshal([]byte(`90s`), &d))
	assert.Equal(t, 90*time.Second, d.Std())

	assert.Error(t, yaml.Unmarshal([]byte(`soon`), &d))
}
