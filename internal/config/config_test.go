package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 8010, cfg.Server.Port)
	require.Equal(t, "redis://localhost:6379/2", cfg.Redis.URL)
	require.Equal(t, "youtube-extraction", cfg.Redis.QueueName)
	require.Equal(t, 30, cfg.Extraction.TimeoutSeconds)
	require.Equal(t, 4, cfg.Extraction.MaxAttempts)
	require.Equal(t, 30, cfg.RateLimit.PerMinute)
	require.Equal(t, 5, cfg.RateLimit.Burst)
	require.False(t, cfg.RateLimit.FailOpen)
	require.Equal(t, 30, cfg.Cache.RetentionDays)
	require.Equal(t, 10, cfg.Webhook.TimeoutSeconds)
	require.Equal(t, 3, cfg.Webhook.MaxRetries)
	require.Equal(t, 3, cfg.Proxy.MaxFailures)
	require.Equal(t, 60, cfg.Proxy.CooldownSeconds)

	require.Equal(t, 30*time.Second, cfg.ExtractionTimeout())
	require.Equal(t, 30*24*time.Hour, cfg.Retention())
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 9000
redis:
  url: redis://cache:6379/0
rate_limit:
  per_minute: 60
  burst: 10
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9000, cfg.Server.Port)
	require.Equal(t, "redis://cache:6379/0", cfg.Redis.URL)
	require.Equal(t, 60, cfg.RateLimit.PerMinute)
	require.Equal(t, 10, cfg.RateLimit.Burst)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	bad := cfg
	bad.Server.Port = 0
	require.ErrorContains(t, bad.Validate(), "server.port")

	bad = cfg
	bad.Redis.URL = ""
	require.ErrorContains(t, bad.Validate(), "redis.url")

	bad = cfg
	bad.Worker.Concurrency = 0
	require.ErrorContains(t, bad.Validate(), "worker.concurrency")

	bad = cfg
	bad.Auth.Enabled = true
	require.ErrorContains(t, bad.Validate(), "auth.api_key")
}
