// Package config loads the settings shared by the ferreq binaries from an optional YAML file and
// then from the environment. Environment variables win.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/nadmax/ferreq/internal/notify"
	"github.com/nadmax/ferreq/internal/repository"
	"github.com/nadmax/ferreq/internal/runner"
	"github.com/nadmax/ferreq/internal/task"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type Config struct {
	RedisAddr   string `yaml:"redis_addr"`
	PostgresDSN string `yaml:"postgres_dsn"`
	SQLitePath  string `yaml:"sqlite_path"`

	Solver SolverConfig `yaml:"solver"`
	Worker WorkerConfig `yaml:"worker"`
	Server ServerConfig `yaml:"server"`
	Log    LogConfig    `yaml:"log"`
	Notify NotifyConfig `yaml:"notify"`
}

type SolverConfig struct {
	Executable         string        `yaml:"executable"`
	Args               []string      `yaml:"args"`
	ParentDir          string        `yaml:"parent_dir"`
	MaxDepth           int           `yaml:"max_depth"`
	TimeoutPerSpectrum time.Duration `yaml:"timeout_per_spectrum"`
	TimeoutFloor       time.Duration `yaml:"timeout_floor"`
	// GridParallelism bounds how many grids of a cross-grid run execute at once.
	GridParallelism    int           `yaml:"grid_parallelism"`
}

type WorkerConfig struct {
	ID           string        `yaml:"id"`
	PollInterval time.Duration `yaml:"poll_interval"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
	Concurrency  int           `yaml:"concurrency"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type NotifyConfig struct {
	APIKey      string `yaml:"api_key"`
	FromName    string `yaml:"from_name"`
	FromAddress string `yaml:"from_address"`
	To          string `yaml:"to"`
}

func Default() *Config {
	return &Config{
		RedisAddr:  "localhost:6379",
		SQLitePath: "ferreq.db",
		Solver: SolverConfig{
			Executable:         "ferre.x",
			ParentDir:          "ferreq-work",
			MaxDepth:           task.MaxRecursionLevel,
			TimeoutPerSpectrum: runner.DefaultTimeoutPerSpectrum,
			TimeoutFloor:       runner.DefaultTimeoutFloor,
			GridParallelism:    2,
		},
		Worker: WorkerConfig{
			PollInterval: time.Second,
			RetryDelay:   10 * time.Second,
			Concurrency:  1,
		},
		Server: ServerConfig{Port: "8080"},
		Log:    LogConfig{Level: "info"},
		Notify: NotifyConfig{FromName: "ferreq"},
	}
}

// Load reads path, when not empty, over the defaults and then applies the environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	values := map[string]*string{
		"REDIS_ADDR":       &c.RedisAddr,
		"POSTGRES_DSN":     &c.PostgresDSN,
		"SQLITE_PATH":      &c.SQLitePath,
		"FERRE_EXECUTABLE": &c.Solver.Executable,
		"FERRE_PARENT_DIR": &c.Solver.ParentDir,
		"WORKER_ID":        &c.Worker.ID,
		"PORT":             &c.Server.Port,
		"LOG_LEVEL":        &c.Log.Level,
		"EMAIL_API_KEY":    &c.Notify.APIKey,
		"FROM_NAME":        &c.Notify.FromName,
		"FROM_ADDRESS":     &c.Notify.FromAddress,
		"NOTIFY_ADDRESS":   &c.Notify.To,
	}
	for key, dst := range values {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"FERRE_MAX_DEPTH":    &c.Solver.MaxDepth,
		"WORKER_CONCURRENCY": &c.Worker.Concurrency,
	}
	for key, dst := range ints {
		v := getenv(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
	}

	durations := map[string]*time.Duration{
		"FERRE_TIMEOUT_PER_SPECTRUM": &c.Solver.TimeoutPerSpectrum,
		"FERRE_TIMEOUT_FLOOR":        &c.Solver.TimeoutFloor,
		"POLL_INTERVAL":              &c.Worker.PollInterval,
		"RETRY_DELAY":                &c.Worker.RetryDelay,
	}
	for key, dst := range durations {
		v := getenv(key)
		if v == "" {
			continue
		}
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
	}
	return nil
}

// parseDuration accepts Go durations ("90s") and plain numbers of seconds ("90").
func parseDuration(v string) (time.Duration, error) {
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	s, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return time.Duration(s * float64(time.Second)), nil
}

func (c *Config) Validate() error {
	if c.Solver.MaxDepth < 0 {
		return fmt.Errorf("solver.max_depth must not be negative, got %d", c.Solver.MaxDepth)
	}
	if c.Solver.ParentDir == "" {
		return errors.New("solver.parent_dir is required")
	}
	if c.Solver.TimeoutPerSpectrum < 0 || c.Solver.TimeoutFloor < 0 {
		return errors.New("solver timeouts must not be negative")
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be at least 1, got %d", c.Worker.Concurrency)
	}
	return nil
}

// StoreDialect selects Postgres when a DSN is configured and SQLite otherwise.
func (c *Config) StoreDialect() repository.Dialect {
	if c.PostgresDSN != "" {
		return repository.Postgres
	}
	return repository.SQLite
}

// OpenStore connects to the configured database and makes sure the schema exists.
func (c *Config) OpenStore(ctx context.Context, logger *zap.Logger) (*repository.SQLStore, error) {
	if c.StoreDialect() == repository.SQLite {
		return repository.NewSQLiteStore(c.SQLitePath, logger)
	}

	s, err := repository.NewPostgresStore(c.PostgresDSN, logger)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// NotificationsEnabled reports whether retry exhaustion e-mails can be sent.
func (c *Config) NotificationsEnabled() bool {
	return c.Notify.APIKey != "" && c.Notify.FromAddress != "" && c.Notify.To != ""
}

func (c *Config) EmailConfig() notify.EmailConfig {
	return notify.EmailConfig{
		APIKey:      c.Notify.APIKey,
		FromName:    c.Notify.FromName,
		FromAddress: c.Notify.FromAddress,
		To:          c.Notify.To,
	}
}
