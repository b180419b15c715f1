package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nadmax/ferreq/internal/repository"
	"github.com/nadmax/ferreq/internal/runner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, 5, cfg.Solver.MaxDepth)
	assert.Equal(t, runner.DefaultTimeoutPerSpectrum, cfg.Solver.TimeoutPerSpectrum)
	assert.Equal(t, repository.SQLite, cfg.StoreDialect())
	assert.False(t, cfg.NotificationsEnabled())
	assert.NoError(t, cfg.Validate())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ferreq.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
postgres_dsn: postgres://ferreq@localhost/ferreq
solver:
  executable: /opt/ferre/bin/ferre.x
  args: [-l]
  parent_dir: /scratch/ferreq
  max_depth: 3
  timeout_per_spectrum: 45s
worker:
  poll_interval: 250ms
  concurrency: 4
log:
  level: debug
  development: true
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, repository.Postgres, cfg.StoreDialect())
	assert.Equal(t, "/opt/ferre/bin/ferre.x", cfg.Solver.Executable)
	assert.Equal(t, []string{"-l"}, cfg.Solver.Args)
	assert.Equal(t, 3, cfg.Solver.MaxDepth)
	assert.Equal(t, 45*time.Second, cfg.Solver.TimeoutPerSpectrum)
	assert.Equal(t, runner.DefaultTimeoutFloor, cfg.Solver.TimeoutFloor)
	assert.Equal(t, 250*time.Millisecond, cfg.Worker.PollInterval)
	assert.Equal(t, 4, cfg.Worker.Concurrency)
	assert.True(t, cfg.Log.Development)
	assert.Equal(t, "8080", cfg.Server.Port)
}

func TestLoadEnvironmentWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ferreq.yaml")
	require.NoError(t, os.WriteFile(path, []byte("redis_addr: redis:6379\n"), 0o644))

	t.Setenv("REDIS_ADDR", "cache:6380")
	t.Setenv("FERRE_MAX_DEPTH", "2")
	t.Setenv("FERRE_TIMEOUT_FLOOR", "600")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "cache:6380", cfg.RedisAddr)
	assert.Equal(t, 2, cfg.Solver.MaxDepth)
	assert.Equal(t, 600*time.Second, cfg.Solver.TimeoutFloor)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.applyEnv(env(map[string]string{
		"SQLITE_PATH":                "/tmp/ferreq.db",
		"FERRE_PARENT_DIR":           "/work",
		"FERRE_TIMEOUT_PER_SPECTRUM": "1.5",
		"POLL_INTERVAL":              "2s",
		"RETRY_DELAY":                "30",
		"WORKER_CONCURRENCY":         "3",
		"WORKER_ID":                  "worker-7",
		"PORT":                       "9090",
		"LOG_LEVEL":                  "warn",
		"EMAIL_API_KEY":              "key",
		"FROM_ADDRESS":               "ferreq@example.org",
		"NOTIFY_ADDRESS":             "ops@example.org",
	})))

	assert.Equal(t, "/tmp/ferreq.db", cfg.SQLitePath)
	assert.Equal(t, "/work", cfg.Solver.ParentDir)
	assert.Equal(t, 1500*time.Millisecond, cfg.Solver.TimeoutPerSpectrum)
	assert.Equal(t, 2*time.Second, cfg.Worker.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.Worker.RetryDelay)
	assert.Equal(t, 3, cfg.Worker.Concurrency)
	assert.Equal(t, "worker-7", cfg.Worker.ID)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.True(t, cfg.NotificationsEnabled())

	email := cfg.EmailConfig()
	assert.Equal(t, "ferreq", email.FromName)
	assert.Equal(t, "ops@example.org", email.To)
}

func TestApplyEnvErrors(t *testing.T) {
	tests := map[string]map[string]string{
		"max depth":   {"FERRE_MAX_DEPTH": "deep"},
		"concurrency": {"WORKER_CONCURRENCY": "many"},
		"duration":    {"POLL_INTERVAL": "soon"},
	}
	for name, values := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, Default().applyEnv(env(values)))
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
	}{
		{"negative depth", func(c *Config) { c.Solver.MaxDepth = -1 }},
		{"no parent dir", func(c *Config) { c.Solver.ParentDir = "" }},
		{"negative timeout", func(c *Config) { c.Solver.TimeoutFloor = -time.Second }},
		{"no workers", func(c *Config) { c.Worker.Concurrency = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("solver: ["), 0o644))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestOpenStoreSQLite(t *testing.T) {
	cfg := Default()
	cfg.SQLitePath = filepath.Join(t.TempDir(), "ferreq.db")

	store, err := cfg.OpenStore(context.Background(), nil)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	bundles, err := store.ListBundles(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, bundles)
}
