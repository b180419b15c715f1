// Package repository persists task and bundle bookkeeping. The same SQL store serves PostgreSQL
// for the long-running services and SQLite for local one-shot runs.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/nadmax/ferreq/internal/task"
)

var ErrNotFound = errors.New("not found")

type Store interface {
	SaveTask(ctx context.Context, t *task.Task) error
	GetTask(ctx context.Context, taskID string) (*task.Task, error)
	SaveBundle(ctx context.Context, b *task.Bundle) error
	GetBundle(ctx context.Context, bundleID string) (*task.Bundle, error)
	ListBundles(ctx context.Context, limit int) ([]*task.Bundle, error)
	// RecordOutcome writes a reconciled bundle, the new state of its tasks and the outputs of the
	// tasks that succeeded in one transaction.
	RecordOutcome(ctx context.Context, b *task.Bundle, tasks []*task.Task, outputs []Output) error
	GetOutputs(ctx context.Context, taskID string) ([]Output, error)
	LogExecution(ctx context.Context, e Execution) error
	GetBundleHistory(ctx context.Context, bundleID string) ([]Execution, error)
	GetTaskStats(ctx context.Context, hours int) ([]TaskStats, error)
	Close() error
}

// Output is the data product attached to a succeeded task.
type Output struct {
	TaskID     string    `json:"task_id"`
	BundleID   string    `json:"bundle_id"`
	HeaderPath string    `json:"header_path"`
	Path       string    `json:"path"`
	LogChiSq   float64   `json:"log_chisq_fit"`
	Flags      int64     `json:"flags"`
	CreatedAt  time.Time `json:"created_at"`
}

// Execution is one solver invocation of a bundle.
type Execution struct {
	BundleID   string    `json:"bundle_id"`
	Level      int       `json:"recursion_level"`
	WorkerID   string    `json:"worker_id"`
	Outcome    string    `json:"outcome"`
	ExitCode   int       `json:"exit_code"`
	TimedOut   bool      `json:"timed_out"`
	Rows       int       `json:"rows"`
	DurationMs int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type TaskStats struct {
	Status      string  `json:"status"`
	Count       int     `json:"count"`
	AvgAttempts float64 `json:"avg_attempts"`
	MaxAttempts int     `json:"max_attempts"`
}
