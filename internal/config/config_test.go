package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate keeps Load away from the developer's home and environment
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	for _, key := range []string{"POSTGRES_DSN", "REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB", "NATS_URL", "LOG_LEVEL", "LOCAL_DB_PATH", "STERISAFE_STORAGE_DRIVER"} {
		t.Setenv(key, "")
	}
	return home
}

func TestLoadDefaults(t *testing.T) {
	home := isolate(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, filepath.Join(home, ".sterisafe", "sterisafe.db"), cfg.Storage.LocalPath)
	assert.Equal(t, "memory", cfg.Events.Backend)
	assert.Equal(t, 30, cfg.Risk.WindowDays)
	assert.Equal(t, 7*24*time.Hour, cfg.Incidents.ExposureLookback)
	assert.Equal(t, 3, cfg.Retry.Attempts)
	assert.Equal(t, 5*time.Second, cfg.Retry.Timeout)
	assert.Equal(t, 5, cfg.DLQ.MaxRetries)
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
storage:
  driver: sqlite
  local_path: /var/lib/sterisafe/data.db
risk:
  window_days: 14
  severity_weight: 0.5
incidents:
  exposure_lookback: 72h
cache:
  backend: bolt
`), 0644))

	t.Setenv("STERISAFE_RISK_WINDOW_DAYS", "60")
	t.Setenv("STERISAFE_RETRY_ATTEMPTS", "5")
	t.Setenv("REDIS_ADDR", "cache.internal:6379")
	t.Setenv("NATS_URL", "nats://bus.internal:4222")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/sterisafe/data.db", cfg.Storage.LocalPath)
	assert.Equal(t, 60, cfg.Risk.WindowDays, "env outranks the file")
	assert.Equal(t, 0.5, cfg.Risk.SeverityWeight)
	assert.Equal(t, 0.30, cfg.Risk.UnresolvedWeight, "unset keys keep defaults")
	assert.Equal(t, 72*time.Hour, cfg.Incidents.ExposureLookback)
	assert.Equal(t, "bolt", cfg.Cache.Backend)
	assert.Equal(t, 5, cfg.Retry.Attempts)
	assert.Equal(t, "cache.internal:6379", cfg.Cache.RedisAddr)
	assert.Equal(t, "nats://bus.internal:4222", cfg.Events.NATSURL)
}

func TestPostgresDSNSwitchesDriver(t *testing.T) {
	isolate(t)
	t.Setenv("POSTGRES_DSN", "postgres://steri:pw@db:5432/app")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "pgx", cfg.Storage.Driver)
	assert.Equal(t, "postgres://steri:pw@db:5432/app", cfg.Storage.PostgresDSN)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	isolate(t)
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestSaveOmitsSecrets(t *testing.T) {
	isolate(t)
	cfg := Default()
	cfg.Storage.PostgresDSN = "postgres://steri:secret@db/app"
	cfg.Cache.RedisPassword = "hunter2"
	cfg.Risk.WindowDays = 21

	path := filepath.Join(t.TempDir(), "out", "config.yaml")
	require.NoError(t, cfg.Save(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "secret")
	assert.NotContains(t, string(data), "hunter2")
	assert.Contains(t, string(data), "window_days: 21")
}

func TestParseMode(t *testing.T) {
	tests := map[string]DeploymentMode{
		"dev":        ModeDevelopment,
		"Production": ModeProduction,
		" packaged ": ModeProduction,
		"cicd":       ModeCI,
	}
	for in, want := range tests {
		got, ok := ParseMode(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}

	_, ok := ParseMode("staging")
	assert.False(t, ok)
}

func TestResolveModePrefersConfig(t *testing.T) {
	cfg := Default()
	cfg.Mode = "ci"
	assert.Equal(t, ModeCI, cfg.ResolveMode())

	t.Setenv("STERISAFE_MODE", "production")
	cfg.Mode = ""
	assert.Equal(t, ModeProduction, cfg.ResolveMode())
}

func TestModePolicies(t *testing.T) {
	assert.True(t, ModeDevelopment.AllowsDevelopmentDefaults())
	assert.False(t, ModeDevelopment.RequiresSecureCredentials())
	assert.True(t, ModeProduction.RequiresSecureCredentials())
	assert.True(t, ModeProduction.AllowsInteractivePrompts())
	assert.False(t, ModeCI.AllowsInteractivePrompts())
	assert.Equal(t, "environment variables only", ModeCI.ConfigSource())
}

func TestSaveThenLoad(t *testing.T) {
	isolate(t)
	cfg := Default()
	cfg.Cache.Backend = "bolt"
	cfg.Incidents.FetchConcurrency = 8

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "bolt", loaded.Cache.Backend)
	assert.Equal(t, 8, loaded.Incidents.FetchConcurrency)
	assert.Equal(t, cfg.Cache.TTL, loaded.Cache.TTL)
}
