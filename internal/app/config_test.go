package app

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mapLookup(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "liveuser.yaml")
	content := `
log_level: debug
server:
  addr: 127.0.0.1:9000
  admin_token: s3cret
  upgrade_window: 30s
  counter:
    backend: redis
    redis_addr: cache:6379
client:
  server_url: ws://live.test/
  site_id: acme
  enable_total_count: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	assert.Equal(t, "s3cret", cfg.Server.AdminToken)
	assert.Equal(t, 30*time.Second, cfg.Server.UpgradeWindow)
	assert.Equal(t, DefaultUpgradeLimit, cfg.Server.UpgradeLimit)
	assert.Equal(t, BackendRedis, cfg.Server.Counter.Backend)
	assert.Equal(t, "cache:6379", cfg.Server.Counter.RedisAddr)
	assert.Equal(t, "acme", cfg.Client.SiteID)
	assert.True(t, cfg.Client.EnableTotalCount)
	assert.Equal(t, 3000, cfg.Client.ReconnectDelay)
	assert.NoError(t, Validate(cfg))
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	t.Setenv("LIVEUSER_DATA_DIR", t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultAddr, cfg.Server.Addr)
	assert.Equal(t, BackendSQLite, cfg.Server.Counter.Backend)
	assert.Equal(t, "liveuser.db", filepath.Base(cfg.Server.Counter.DBPath))
	assert.NoError(t, Validate(cfg))
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unterminated"), 0o600))
	_, err := Load(path)
	require.Error(t, err)
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	err = ApplyEnv(&cfg, mapLookup(map[string]string{
		"LIVEUSER_ADDR":            ":9999",
		"LIVEUSER_COUNTER":         "NONE",
		"LIVEUSER_UPGRADE_LIMIT":   "5",
		"LIVEUSER_UPGRADE_WINDOW":  "10s",
		"LIVEUSER_TOTALS":          "true",
		"LIVEUSER_SITE_ID":         "beta",
		"LIVEUSER_RECONNECT_DELAY": "750",
	}))
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Addr)
	assert.Equal(t, BackendNone, cfg.Server.Counter.Backend)
	assert.Equal(t, 5, cfg.Server.UpgradeLimit)
	assert.Equal(t, 10*time.Second, cfg.Server.UpgradeWindow)
	assert.True(t, cfg.Client.EnableTotalCount)
	assert.Equal(t, "beta", cfg.Client.SiteID)
	assert.Equal(t, 750, cfg.Client.ReconnectDelay)
}

func TestApplyEnvRejectsBadNumbers(t *testing.T) {
	tests := map[string]string{
		"LIVEUSER_UPGRADE_LIMIT":  "many",
		"LIVEUSER_UPGRADE_WINDOW": "forever",
		"LIVEUSER_TOTALS":         "perhaps",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			var cfg Config
			err := ApplyEnv(&cfg, mapLookup(map[string]string{key: value}))
			require.Error(t, err)
			assert.Contains(t, err.Error(), key)
		})
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg := Config{Server: ServerConfig{Counter: CounterConfig{Backend: BackendNone}}}
		ApplyDefaults(&cfg)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "unknown backend", mutate: func(c *Config) { c.Server.Counter.Backend = "etcd" }, wantErr: true},
		{name: "sqlite without path", mutate: func(c *Config) {
			c.Server.Counter.Backend = BackendSQLite
			c.Server.Counter.DBPath = ""
		}, wantErr: true},
		{name: "disabled limit", mutate: func(c *Config) { c.Server.UpgradeLimit = UpgradeLimitDisabled }},
		{name: "negative limit", mutate: func(c *Config) { c.Server.UpgradeLimit = -2 }, wantErr: true},
		{name: "bad log level", mutate: func(c *Config) { c.LogLevel = "loud" }, wantErr: true},
		{name: "missing addr", mutate: func(c *Config) { c.Server.Addr = "" }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := Validate(cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestUpgradeLimitCanBeDisabled(t *testing.T) {
	t.Setenv("LIVEUSER_DATA_DIR", t.TempDir())
	cfg := Config{}
	require.NoError(t, ApplyEnv(&cfg, mapLookup(map[string]string{"LIVEUSER_UPGRADE_LIMIT": "-1"})))
	ApplyDefaults(&cfg)

	assert.Equal(t, UpgradeLimitDisabled, cfg.Server.UpgradeLimit)
	require.NoError(t, Validate(cfg))

	path := filepath.Join(t.TempDir(), "liveuser.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  upgrade_limit: -1\n"), 0o600))
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, UpgradeLimitDisabled, loaded.Server.UpgradeLimit)
}

func TestUnknownBackendIsSentinel(t *testing.T) {
	cfg := Config{Server: ServerConfig{Addr: ":1", Counter: CounterConfig{Backend: "etcd"}}}
	assert.ErrorIs(t, Validate(cfg), ErrUnknownBackend)
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("LIVEUSER_TEST_DOTENV=from-file\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("LIVEUSER_TEST_DOTENV") })

	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "from-file", os.Getenv("LIVEUSER_TEST_DOTENV"))
	assert.Error(t, LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")))
}

func TestSetupLogger(t *testing.T) {
	previous := slog.Default()
	t.Cleanup(func() { slog.SetDefault(previous) })

	var buf bytes.Buffer
	SetupLogger("warn", &buf)
	slog.Info("hidden")
	slog.Warn("shown", "site", "acme")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "site=acme")
}
