package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalConfig = `
database:
  host: localhost
  user: dream
  password: ${DREAMPIPE_TEST_DB_PASSWORD}
  dbname: dreams
auth:
  admin_username: admin
  admin_password: secret
  internal_secret: internal
`

func TestParse_AppliesDefaults(t *testing.T) {
	t.Setenv("DREAMPIPE_TEST_DB_PASSWORD", "s3cret")

	cfg, err := Parse([]byte(minimalConfig))

	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Database.Password)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "disable", cfg.Database.SSLMode)
	assert.Equal(t, "/ruya", cfg.App.PublicPathPrefix)
	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
	assert.Equal(t, 10*time.Minute, cfg.Queue.Lease)
	assert.Equal(t, 2, cfg.Workers.Text)
	assert.Equal(t, 1, cfg.Workers.Publish)
	assert.Equal(t, ProviderPlaceholder, cfg.Generator.Provider)
	assert.False(t, cfg.RabbitMQ.Enabled)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t,
		"host=localhost port=5432 user=dream password=s3cret dbname=dreams sslmode=disable",
		cfg.Database.DSN(),
	)
}

func TestParse_MissingRequired(t *testing.T) {
	_, err := Parse([]byte("database:\n  host: localhost\n"))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.user is required")
	assert.Contains(t, err.Error(), "auth.admin_password is required")
	assert.Contains(t, err.Error(), "auth.internal_secret is required")
}

func TestParse_HandlerTimeoutMustFitLease(t *testing.T) {
	data := minimalConfig + `
queue:
  lease: 1m
workers:
  handler_timeout: 2m
generator:
  timeout: 30s
`
	_, err := Parse([]byte(data))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "handler_timeout must be shorter than queue.lease")
}

func TestParse_RejectsNegativeDurations(t *testing.T) {
	data := minimalConfig + `
queue:
  lease: -1m
  poll_interval: -2s
scheduler:
  interval: -1m
`
	_, err := Parse([]byte(data))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue.lease must be positive")
	assert.Contains(t, err.Error(), "queue.poll_interval must be positive")
	assert.Contains(t, err.Error(), "scheduler.interval must be positive")
}

func TestParse_OpenAIRequiresKey(t *testing.T) {
	_, err := Parse([]byte(minimalConfig + "generator:\n  provider: openai\n"))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "generator.api_key is required")
}

func TestParse_UnknownProvider(t *testing.T) {
	_, err := Parse([]byte(minimalConfig + "generator:\n  provider: bard\n"))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported generator provider")
}

func TestLoad_ReadsFile(t *testing.T) {
	t.Setenv("DREAMPIPE_TEST_DB_PASSWORD", "pw")
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalConfig+"log_level: debug\n"), 0o600))

	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))

	assert.Error(t, err)
}
