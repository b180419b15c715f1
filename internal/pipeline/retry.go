package pipeline

import (
	"context"
	"fmt"

	"github.com/nadmax/ferreq/internal/metrics"
	"github.com/nadmax/ferreq/internal/task"
	"go.uber.org/zap"
)

// RetryCoordinator decides whether the failed tasks of a reconciled bundle get a child bundle.
type RetryCoordinator struct {
	MaxDepth int
}

func NewRetryCoordinator(maxDepth int) RetryCoordinator {
	if maxDepth <= 0 {
		maxDepth = task.MaxRecursionLevel
	}
	return RetryCoordinator{MaxDepth: maxDepth}
}

// Next returns the child bundle holding exactly failed, one level below b. It returns nil when
// no more tasks failed than the solver has threads or when b is already at MaxDepth.
func (c RetryCoordinator) Next(b *task.Bundle, failed []string, nThreads int) *task.Bundle {
	if len(failed) <= nThreads || b.RecursionLevel >= c.MaxDepth {
		return nil
	}
	return b.Child(failed)
}

// Exhausted reports whether failures of b can no longer be retried because of its depth.
func (c RetryCoordinator) Exhausted(b *task.Bundle) bool {
	return b.RecursionLevel >= c.MaxDepth
}

// RetriesExhausted reports whether out left failed tasks that will not be retried again.
func (p *Pipeline) RetriesExhausted(out *Outcome) bool {
	return len(out.Failed) > 0 && p.retry.Exhausted(out.Bundle)
}

// Schedule stores the retry bundle for the failures of out, if one is due, and returns it.
func (p *Pipeline) Schedule(ctx context.Context, out *Outcome) (*task.Bundle, error) {
	logger := p.logger.With(zap.String("bundle_id", out.Bundle.ID), zap.Int("recursion_level", out.Bundle.RecursionLevel))

	child := p.retry.Next(out.Bundle, out.FailedIDs(), out.NThreads)
	if child == nil {
		if len(out.Failed) == 0 {
			return nil, nil
		}
		if p.retry.Exhausted(out.Bundle) {
			for range out.Failed {
				metrics.RecordTaskExhausted(out.GridName)
			}
			logger.Warn("retries exhausted, tasks remain failed", zap.Strings("task_ids", out.FailedIDs()))
		} else {
			logger.Info("too few failures to retry", zap.Int("failed", len(out.Failed)), zap.Int("threads", out.NThreads))
		}
		return nil, nil
	}

	if err := p.store.SaveBundle(ctx, child); err != nil {
		return nil, fmt.Errorf("failed to save retry bundle: %w", err)
	}
	metrics.RecordBundleEnqueued(child.RecursionLevel)
	for range child.TaskIDs {
		metrics.RecordTaskRetried(out.GridName)
	}

	logger.Info("scheduled retry bundle",
		zap.String("child_id", child.ID),
		zap.Int("tasks", len(child.TaskIDs)))
	return child, nil
}

// Report summarises a bundle and all of its retry bundles.
type Report struct {
	Bundles   []*Outcome
	Succeeded []string
	// Failed lists the tasks still failed when retrying stopped, in submission order.
	Failed    []string
	Exhausted bool
}

// Run executes b and then its retry bundles, one level at a time, until no child is due.
func (p *Pipeline) Run(ctx context.Context, b *task.Bundle) (*Report, error) {
	order := append([]string(nil), b.TaskIDs...)
	status := make(map[string]task.TaskStatus, len(order))
	report := &Report{}

	for b != nil {
		out, err := p.Cycle(ctx, b)
		if err != nil {
			return report, fmt.Errorf("bundle %s at level %d: %w", b.ID, b.RecursionLevel, err)
		}
		report.Bundles = append(report.Bundles, out)

		for _, t := range out.Succeeded {
			status[t.ID] = task.StatusSucceeded
		}
		for _, t := range out.Failed {
			status[t.ID] = task.StatusFailed
		}
		for _, t := range out.Rejected {
			status[t.ID] = task.StatusFailed
		}

		child, err := p.Schedule(ctx, out)
		if err != nil {
			return report, err
		}
		if child == nil && p.RetriesExhausted(out) {
			report.Exhausted = true
		}
		b = child
	}

	for _, id := range order {
		if status[id] == task.StatusSucceeded {
			report.Succeeded = append(report.Succeeded, id)
		} else {
			report.Failed = append(report.Failed, id)
		}
	}
	return report, nil
}
