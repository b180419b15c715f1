// Package pipeline runs bundles through the prepare, solve and reconcile cycle and re-bundles the
// tasks that failed until they succeed or the recursion bound is reached.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nadmax/ferreq/internal/grid"
	"github.com/nadmax/ferreq/internal/metrics"
	"github.com/nadmax/ferreq/internal/product"
	"github.com/nadmax/ferreq/internal/reconcile"
	"github.com/nadmax/ferreq/internal/repository"
	"github.com/nadmax/ferreq/internal/runner"
	"github.com/nadmax/ferreq/internal/spectrum"
	"github.com/nadmax/ferreq/internal/task"
	"go.uber.org/zap"
)

type Options struct {
	// ParentDir holds the bundle working directories and the data products.
	ParentDir string
	MaxDepth  int
	WorkerID  string

	// Used when a task does not set its own timeouts.
	TimeoutPerSpectrum time.Duration
	TimeoutFloor       time.Duration

	Executor  runner.Executor
	Store     repository.Store
	Loader    spectrum.Loader
	Grids     *grid.Cache
	Continuum *spectrum.ContinuumRegistry
	Logger    *zap.Logger
}

type Pipeline struct {
	parentDir          string
	workerID           string
	timeoutPerSpectrum time.Duration
	timeoutFloor       time.Duration
	executor           runner.Executor
	store              repository.Store
	loader             spectrum.Loader
	grids              *grid.Cache
	preparer           *spectrum.Preparer
	reconciler         *reconcile.Reconciler
	products           *product.Writer
	retry              RetryCoordinator
	logger             *zap.Logger
}

func New(opts Options) (*Pipeline, error) {
	if opts.Executor == nil {
		return nil, errors.New("pipeline: an executor is required")
	}
	if opts.Store == nil {
		return nil, errors.New("pipeline: a store is required")
	}
	if opts.ParentDir == "" {
		return nil, errors.New("pipeline: a parent directory is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Loader == nil {
		opts.Loader = spectrum.JSONLoader{}
	}
	if opts.Grids == nil {
		opts.Grids = grid.NewCache()
	}
	if opts.WorkerID == "" {
		opts.WorkerID = "local"
	}

	return &Pipeline{
		parentDir:          opts.ParentDir,
		workerID:           opts.WorkerID,
		timeoutPerSpectrum: opts.TimeoutPerSpectrum,
		timeoutFloor:       opts.TimeoutFloor,
		executor:           opts.Executor,
		store:              opts.Store,
		loader:             opts.Loader,
		grids:              opts.Grids,
		preparer:           spectrum.NewPreparer(opts.Continuum, opts.Logger),
		reconciler:         reconcile.New(opts.Logger),
		products:           product.NewWriter(opts.ParentDir),
		retry:              NewRetryCoordinator(opts.MaxDepth),
		logger:             opts.Logger,
	}, nil
}

// Submit stores tasks and a new top-level bundle holding them.
func (p *Pipeline) Submit(ctx context.Context, tasks []*task.Task) (*task.Bundle, error) {
	return Submit(ctx, p.store, tasks)
}

// Submit stores tasks and a new top-level bundle holding them in store. Processes that only
// accept work, such as the HTTP server, use it without building a Pipeline.
func Submit(ctx context.Context, store repository.Store, tasks []*task.Task) (*task.Bundle, error) {
	if len(tasks) == 0 {
		return nil, errors.New("pipeline: a bundle needs at least one task")
	}
	for _, t := range tasks {
		if err := store.SaveTask(ctx, t); err != nil {
			return nil, fmt.Errorf("failed to save task %s: %w", t.ID, err)
		}
	}

	b := task.NewBundle(tasks)
	if err := store.SaveBundle(ctx, b); err != nil {
		return nil, fmt.Errorf("failed to save bundle: %w", err)
	}
	metrics.RecordBundleEnqueued(b.RecursionLevel)
	return b, nil
}

func (p *Pipeline) loadTasks(ctx context.Context, b *task.Bundle) ([]*task.Task, error) {
	tasks := make([]*task.Task, len(b.TaskIDs))
	for i, id := range b.TaskIDs {
		t, err := p.store.GetTask(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to load task %s of bundle %s: %w", id, b.ID, err)
		}
		tasks[i] = t
	}
	return tasks, nil
}

func (p *Pipeline) timeout(rows int, params task.SolverParams) time.Duration {
	per, floor := p.timeoutPerSpectrum, p.timeoutFloor
	if params.TimeoutPerSpectrum > 0 {
		per = seconds(params.TimeoutPerSpectrum)
	}
	if params.TimeoutFloor > 0 {
		floor = seconds(params.TimeoutFloor)
	}
	return runner.Timeout(rows, params.NThreads, per, floor)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// gridName is the short name used for metric labels and products.
func gridName(headerPath string) string {
	d, _ := grid.ParseHeaderPath(headerPath)
	return d.ShortName
}
