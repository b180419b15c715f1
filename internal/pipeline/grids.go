package pipeline

import (
	"context"
	"fmt"

	"github.com/nadmax/ferreq/internal/product"
	"github.com/nadmax/ferreq/internal/task"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// GridRun is the set of tasks evaluated against one candidate grid.
type GridRun struct {
	HeaderPath string
	Tasks      []*task.Task
}

type GridReport struct {
	HeaderPath string
	Bundle     *task.Bundle
	Report     *Report
	// Err is set when the grid could not be run, for example because of an invalid configuration.
	Err        error
}

// Products returns the data products of every bundle of the grid run.
func (r GridReport) Products() []*product.Product {
	if r.Report == nil {
		return nil
	}
	var out []*product.Product
	for _, o := range r.Report.Bundles {
		out = append(out, o.Products...)
	}
	return out
}

// RunGrids submits and runs one bundle per candidate grid, at most parallel at a time. A grid that
// fails is reported in its GridReport; only store failures abort the whole call.
func (p *Pipeline) RunGrids(ctx context.Context, runs []GridRun, parallel int) ([]GridReport, error) {
	reports := make([]GridReport, len(runs))

	g, gCtx := errgroup.WithContext(ctx)
	if parallel > 0 {
		g.SetLimit(parallel)
	}
	for i, run := range runs {
		reports[i].HeaderPath = run.HeaderPath
		g.Go(func() error {
			for _, t := range run.Tasks {
				if t.Solver.HeaderPath != run.HeaderPath {
					reports[i].Err = fmt.Errorf("task %s targets %s, not %s", t.ID, t.Solver.HeaderPath, run.HeaderPath)
					return nil
				}
			}

			b, err := p.Submit(gCtx, run.Tasks)
			if err != nil {
				return fmt.Errorf("grid %s: %w", run.HeaderPath, err)
			}
			reports[i].Bundle = b

			report, err := p.Run(gCtx, b)
			reports[i].Report = report
			if err != nil {
				reports[i].Err = err
				p.logger.Warn("grid run failed", zap.String("header_path", run.HeaderPath), zap.Error(err))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return reports, err
	}
	return reports, ctx.Err()
}
