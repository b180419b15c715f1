package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/nadmax/ferreq/internal/control"
	"github.com/nadmax/ferreq/internal/grid"
	"github.com/nadmax/ferreq/internal/metrics"
	"github.com/nadmax/ferreq/internal/naming"
	"github.com/nadmax/ferreq/internal/product"
	"github.com/nadmax/ferreq/internal/reconcile"
	"github.com/nadmax/ferreq/internal/repository"
	"github.com/nadmax/ferreq/internal/runner"
	"github.com/nadmax/ferreq/internal/solverio"
	"github.com/nadmax/ferreq/internal/spectrum"
	"github.com/nadmax/ferreq/internal/task"
	"go.uber.org/zap"
)

var errNoOverlap = errors.New("no spectra overlap the model grid")

// Plan is a bundle whose solver inputs have been written to its working directory.
type Plan struct {
	Bundle     *task.Bundle
	Tasks      []*task.Task
	Grid       *grid.Grid
	Resolved   *control.Resolved
	Dir        string
	Rows       int
	// TaskRows counts the submitted rows of each task, by bundle index.
	TaskRows   []int
	Expansions map[reconcile.SpectrumKey]reconcile.Expansion
	// Rejected maps the index of every task that failed before the solver ran to the reason.
	Rejected   map[int]string
}

func (p *Plan) Params() task.SolverParams { return p.Tasks[0].Solver }

// Outcome is a reconciled bundle.
type Outcome struct {
	Bundle   *task.Bundle
	Result   *runner.Result
	State    reconcile.Outcome
	Rows     int
	NThreads int
	GridName string

	Succeeded []*task.Task
	// Failed tasks are eligible for a retry bundle.
	Failed    []*task.Task
	// Rejected tasks failed before the solver ran and are never retried.
	Rejected  []*task.Task
	Products  []*product.Product
}

func (o *Outcome) FailedIDs() []string {
	ids := make([]string, 0, len(o.Failed))
	for _, t := range o.Failed {
		ids = append(ids, t.ID)
	}
	return ids
}

// Cycle runs one bundle through PreExecute, Execute and PostExecute.
func (p *Pipeline) Cycle(ctx context.Context, b *task.Bundle) (*Outcome, error) {
	metrics.RecordBundleWaitTime(b.RecursionLevel, time.Since(b.CreatedAt))

	tasks, err := p.loadTasks(ctx, b)
	if err != nil {
		return nil, err
	}

	plan, err := p.PreExecute(ctx, b, tasks)
	if err != nil {
		if errors.Is(err, control.ErrConfiguration) || errors.Is(err, runner.ErrWorkingDirectory) {
			p.rejectAll(ctx, b, tasks, err)
		}
		return nil, err
	}

	result, err := p.Execute(ctx, plan)
	if err != nil {
		return nil, p.abort(ctx, plan, err)
	}
	return p.PostExecute(ctx, plan, result)
}

// PreExecute validates the bundle configuration, prepares every spectrum of every task and writes
// the solver inputs and control file into a fresh working directory. Problems confined to one
// task reject that task only; configuration shared by the bundle fails the whole bundle.
func (p *Pipeline) PreExecute(ctx context.Context, b *task.Bundle, tasks []*task.Task) (*Plan, error) {
	if len(tasks) == 0 {
		return nil, fmt.Errorf("bundle %s has no tasks", b.ID)
	}
	if err := control.CheckBundled(tasks); err != nil {
		return nil, err
	}

	params := tasks[0].Solver
	g, err := p.grids.Get(params.HeaderPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load grid: %w", control.ErrConfiguration, err)
	}
	resolved, err := control.Build(g, params)
	if err != nil {
		return nil, err
	}

	logger := p.logger.With(zap.String("bundle_id", b.ID), zap.Int("recursion_level", b.RecursionLevel))

	now := time.Now()
	for _, t := range tasks {
		if err := t.Submit(b.ID, now); err != nil {
			return nil, err
		}
	}

	dir, err := runner.WorkingDirectory(p.parentDir, b.ID)
	if err != nil {
		return nil, err
	}
	if err := b.Start(dir, now); err != nil {
		return nil, err
	}

	plan := &Plan{
		Bundle:     b,
		Tasks:      tasks,
		Grid:       g,
		Resolved:   resolved,
		Dir:        dir,
		TaskRows:   make([]int, len(tasks)),
		Expansions: make(map[reconcile.SpectrumKey]reconcile.Expansion),
		Rejected:   make(map[int]string),
	}

	model := g.ModelWavelengths()
	var records []solverio.Record
	for i, t := range tasks {
		taskRecords, err := p.prepareTask(ctx, plan, i, t, model)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, p.abort(ctx, plan, ctxErr)
			}
			plan.Rejected[i] = err.Error()
			logger.Warn("rejecting task before execution", zap.String("task_id", t.ID), zap.Error(err))
			continue
		}
		records = append(records, taskRecords...)
		plan.TaskRows[i] = len(taskRecords)
	}
	plan.Rows = len(records)

	if plan.Rows > 0 {
		if err := solverio.WriteInputs(dir, resolved.Files, records); err != nil {
			return nil, p.abort(ctx, plan, fmt.Errorf("failed to write solver inputs: %w", err))
		}
		if err := resolved.Keywords.WriteFile(filepath.Join(dir, control.FileName)); err != nil {
			return nil, p.abort(ctx, plan, fmt.Errorf("failed to write control file: %w", err))
		}
	}

	if err := p.store.SaveBundle(ctx, b); err != nil {
		logger.Error("failed to save executing bundle", zap.Error(err))
	}

	logger.Info("bundle prepared",
		zap.String("dir", dir),
		zap.Int("tasks", len(tasks)),
		zap.Int("rejected", len(plan.Rejected)),
		zap.Int("rows", plan.Rows))
	return plan, nil
}

func (p *Pipeline) prepareTask(ctx context.Context, plan *Plan, index int, t *task.Task, model [][]float64) ([]solverio.Record, error) {
	cfg, err := p.preparer.Configure(t.Prepare)
	if err != nil {
		return nil, err
	}

	var records []solverio.Record
	for pi, path := range t.DataProducts {
		spectra, err := p.loader.Load(ctx, path)
		if err != nil {
			return nil, err
		}
		for si, s := range spectra {
			if !s.Overlaps(model) {
				p.logger.Warn("spectrum does not overlap the model grid",
					zap.String("task_id", t.ID), zap.String("path", path), zap.Int("spectrum", si))
				continue
			}

			prepared, err := p.preparer.Prepare(s, model, cfg)
			if err != nil {
				return nil, fmt.Errorf("failed to prepare %s: %w", path, err)
			}
			// Every row of the solver inputs must be exactly as wide as the model grid.
			if n := prepared.Mask.Count(); n != plan.Grid.NPix() {
				return nil, fmt.Errorf("%w: %s spectrum %d covers %d of %d model pixels",
					spectrum.ErrShape, path, si, n, plan.Grid.NPix())
			}
			initial, err := spectrum.InitialLabels(plan.Grid, t.InitialLabels, t.Solver.Frozen, s.NVisits())
			if err != nil {
				return nil, err
			}

			object := s.ObjectID
			if object == "" {
				object = naming.NoObject
			}
			for v := 0; v < s.NVisits(); v++ {
				name, err := naming.Encode(naming.Name{
					Task:     index,
					Product:  pi,
					Spectrum: si,
					Visit:    v,
					SNR:      s.VisitSNR(v),
					ObjectID: object,
				})
				if err != nil {
					return nil, err
				}
				records = append(records, solverio.Record{
					Name:      name,
					TaskIndex: index,
					Visit:     v,
					Flux:      prepared.Flux[v],
					Sigma:     prepared.Sigma[v],
					Initial:   initial[v],
				})
			}
			plan.Expansions[reconcile.SpectrumKey{Task: index, Product: pi, Spectrum: si}] = reconcile.Expansion{
				Mask:      prepared.Mask,
				Continuum: prepared.Continuum,
			}
		}
	}
	if len(records) == 0 {
		return nil, errNoOverlap
	}
	return records, nil
}

// Execute runs the solver over the plan. A bundle without rows is not executed.
func (p *Pipeline) Execute(ctx context.Context, plan *Plan) (*runner.Result, error) {
	if plan.Rows == 0 {
		return &runner.Result{}, nil
	}

	timeout := p.timeout(plan.Rows, plan.Params())
	p.logger.Info("executing bundle",
		zap.String("bundle_id", plan.Bundle.ID),
		zap.Int("rows", plan.Rows),
		zap.Duration("timeout", timeout))
	return p.executor.Run(ctx, plan.Dir, timeout)
}

// PostExecute reconciles the solver output, writes the data products of succeeded tasks and
// records the new state of the bundle and its tasks in one transaction.
func (p *Pipeline) PostExecute(ctx context.Context, plan *Plan, result *runner.Result) (*Outcome, error) {
	b := plan.Bundle
	logger := p.logger.With(zap.String("bundle_id", b.ID), zap.Int("recursion_level", b.RecursionLevel))

	out := &Outcome{
		Bundle:   b,
		Result:   result,
		State:    reconcile.OutcomeComplete,
		Rows:     plan.Rows,
		NThreads: plan.Params().NThreads,
		GridName: gridName(plan.Resolved.HeaderPath),
	}

	var assembly *reconcile.Assembly
	if plan.Rows > 0 {
		table, err := p.reconciler.Reconcile(plan.Dir, plan.Resolved)
		if err != nil {
			return nil, p.abort(ctx, plan, err)
		}
		assembly, err = reconcile.Assemble(table, plan.Grid, plan.Resolved, plan.Expansions)
		if err != nil {
			return nil, p.abort(ctx, plan, err)
		}
		out.State = table.Outcome

		missing := 0
		for _, m := range table.MissingLabels {
			if m {
				missing++
			}
		}
		metrics.RecordMissingSpectra(missing)
	}
	if result.Degraded {
		out.State = reconcile.OutcomeDegraded
	}

	now := time.Now()
	labels := plan.Grid.LabelNames()
	var outputs []repository.Output
	for i, t := range plan.Tasks {
		share := apportion(result.Duration, plan.TaskRows[i], plan.Rows)

		if reason, ok := plan.Rejected[i]; ok {
			if err := t.Fail(reason, now); err != nil {
				return nil, err
			}
			out.Rejected = append(out.Rejected, t)
			metrics.RecordTaskFailed(out.GridName, share)
			continue
		}

		tr := assembly.Tasks[i]
		if tr == nil || tr.Failed {
			reason := "no solver rows for task"
			if tr != nil {
				reason = tr.Reason
			}
			if err := t.Fail(reason, now); err != nil {
				return nil, err
			}
			out.Failed = append(out.Failed, t)
			metrics.RecordTaskFailed(out.GridName, share)
			logger.Warn("task failed", zap.String("task_id", t.ID), zap.String("reason", reason))
			continue
		}

		prod := product.FromResult(t.ID, b.ID, plan.Resolved.HeaderPath, out.GridName, labels, tr)
		prod.DataProducts = t.DataProducts
		prod.SolverSeconds = share.Seconds()
		path, err := p.products.Write(prod)
		if err != nil {
			logger.Error("failed to write data product", zap.String("task_id", t.ID), zap.Error(err))
			if err := t.Fail(fmt.Sprintf("failed to write data product: %v", err), now); err != nil {
				return nil, err
			}
			out.Failed = append(out.Failed, t)
			metrics.RecordTaskFailed(out.GridName, share)
			continue
		}

		if err := t.Succeed(now); err != nil {
			return nil, err
		}
		out.Succeeded = append(out.Succeeded, t)
		out.Products = append(out.Products, prod)
		outputs = append(outputs, repository.Output{
			TaskID:     t.ID,
			BundleID:   b.ID,
			HeaderPath: plan.Resolved.HeaderPath,
			Path:       path,
			LogChiSq:   prod.LogChiSq(),
			Flags:      prod.Combined(),
			CreatedAt:  now,
		})
		metrics.RecordTaskSucceeded(out.GridName, share)
	}

	failed := append(append([]*task.Task(nil), out.Failed...), out.Rejected...)
	failedIDs := make([]string, 0, len(failed))
	for _, t := range failed {
		failedIDs = append(failedIDs, t.ID)
	}
	if err := b.Reconcile(failedIDs, now); err != nil {
		return nil, err
	}

	if _, err := p.products.WriteSummary(b.ID, labels, out.Products, failed); err != nil {
		logger.Error("failed to write bundle summary", zap.Error(err))
	}

	metrics.RecordBundleExecuted(b.RecursionLevel, string(out.State), plan.Rows, result.Duration)

	if err := p.store.RecordOutcome(ctx, b, plan.Tasks, outputs); err != nil {
		return nil, fmt.Errorf("failed to record outcome of bundle %s: %w", b.ID, err)
	}
	p.logExecution(ctx, plan, result, string(out.State), "")

	logger.Info("bundle reconciled",
		zap.String("outcome", string(out.State)),
		zap.Int("succeeded", len(out.Succeeded)),
		zap.Int("failed", len(out.Failed)),
		zap.Int("rejected", len(out.Rejected)),
		zap.Duration("duration", result.Duration))
	return out, nil
}

// abort fails every task of a started bundle with cause and returns cause. The outcome is
// recorded even when ctx is already cancelled.
func (p *Pipeline) abort(ctx context.Context, plan *Plan, cause error) error {
	ctx = context.WithoutCancel(ctx)
	b := plan.Bundle
	now := time.Now()
	ids := make([]string, 0, len(plan.Tasks))
	for _, t := range plan.Tasks {
		if t.Status == task.StatusSubmitted {
			_ = t.Fail(cause.Error(), now)
		}
		ids = append(ids, t.ID)
	}
	if err := b.Reconcile(ids, now); err != nil {
		p.logger.Error("failed to close aborted bundle", zap.String("bundle_id", b.ID), zap.Error(err))
	}
	if err := p.store.RecordOutcome(ctx, b, plan.Tasks, nil); err != nil {
		p.logger.Error("failed to record aborted bundle", zap.String("bundle_id", b.ID), zap.Error(err))
	}
	p.logExecution(ctx, plan, nil, "aborted", cause.Error())

	p.logger.Error("bundle aborted", zap.String("bundle_id", b.ID), zap.Error(cause))
	return cause
}

// rejectAll fails the tasks of a bundle whose shared configuration is invalid.
func (p *Pipeline) rejectAll(ctx context.Context, b *task.Bundle, tasks []*task.Task, cause error) {
	now := time.Now()
	for _, t := range tasks {
		if t.Status != task.StatusPending && t.Status != task.StatusSubmitted {
			continue
		}
		_ = t.Fail(cause.Error(), now)
		if err := p.store.SaveTask(ctx, t); err != nil {
			p.logger.Error("failed to save rejected task", zap.String("task_id", t.ID), zap.Error(err))
		}
	}
	p.logger.Warn("bundle configuration rejected", zap.String("bundle_id", b.ID), zap.Error(cause))
}

func (p *Pipeline) logExecution(ctx context.Context, plan *Plan, result *runner.Result, outcome, errMsg string) {
	e := repository.Execution{
		BundleID:  plan.Bundle.ID,
		Level:     plan.Bundle.RecursionLevel,
		WorkerID:  p.workerID,
		Outcome:   outcome,
		Rows:      plan.Rows,
		Error:     errMsg,
		CreatedAt: time.Now(),
	}
	if result != nil {
		e.ExitCode = result.ExitCode
		e.TimedOut = result.TimedOut
		e.DurationMs = result.Duration.Milliseconds()
		if e.Error == "" {
			e.Error = result.Error
		}
	}
	if err := p.store.LogExecution(ctx, e); err != nil {
		p.logger.Error("failed to log execution", zap.String("bundle_id", plan.Bundle.ID), zap.Error(err))
	}
}

// apportion splits d by the share of rows a task submitted.
func apportion(d time.Duration, rows, total int) time.Duration {
	if total == 0 {
		return 0
	}
	return time.Duration(int64(d) * int64(rows) / int64(total))
}
