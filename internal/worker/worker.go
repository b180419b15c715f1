// Package worker provides the background processor that takes (bundle, depth) jobs from the
// queue, runs one bundle cycle per job and queues the retry bundle when one is due.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nadmax/ferreq/internal/control"
	"github.com/nadmax/ferreq/internal/metrics"
	"github.com/nadmax/ferreq/internal/notify"
	"github.com/nadmax/ferreq/internal/pipeline"
	"github.com/nadmax/ferreq/internal/queue"
	"github.com/nadmax/ferreq/internal/reconcile"
	"github.com/nadmax/ferreq/internal/repository"
	"github.com/nadmax/ferreq/internal/runner"
	"github.com/nadmax/ferreq/internal/task"
	"go.uber.org/zap"
)

var errBundleClosed = errors.New("bundle already reconciled")

type Worker struct {
	id           string
	queue        *queue.Queue
	pipeline     *pipeline.Pipeline
	store        repository.Store
	notifier     notify.Notifier
	logger       *zap.Logger
	stop         chan struct{}
	done         chan struct{}
	stopOnce     sync.Once
	pollInterval time.Duration
	retryDelay   time.Duration
}

func NewWorker(id string, q *queue.Queue, p *pipeline.Pipeline, store repository.Store, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:           id,
		queue:        q,
		pipeline:     p,
		store:        store,
		notifier:     notify.Nop{},
		logger:       logger.With(zap.String("worker_id", id)),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		pollInterval: time.Second,
		retryDelay:   10 * time.Second,
	}
}

func (w *Worker) SetPollInterval(d time.Duration) {
	w.pollInterval = d
}

// SetRetryDelay sets the base delay before a job that hit a transient error runs again. The
// n-th retry waits n times this delay.
func (w *Worker) SetRetryDelay(d time.Duration) {
	w.retryDelay = d
}

func (w *Worker) SetNotifier(n notify.Notifier) {
	w.notifier = n
}

// Start processes jobs until ctx is cancelled or Stop is called.
func (w *Worker) Start(ctx context.Context) {
	defer close(w.done)
	w.logger.Info("worker started")

	interval := w.pollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			w.logger.Info("worker stopped")
			return
		case <-ctx.Done():
			w.logger.Info("worker stopped", zap.Error(ctx.Err()))
			return
		default:
		}

		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			w.logger.Warn("failed to dequeue", zap.Error(err))
		}
		if job == nil {
			select {
			case <-w.stop:
			case <-ctx.Done():
			case <-ticker.C:
			}
			continue
		}

		w.processJob(ctx, job)
	}
}

// Stop asks the loop to return after the job in progress and waits for it.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
}

func (w *Worker) processJob(ctx context.Context, job *queue.Job) {
	logger := w.logger.With(
		zap.String("job_id", job.ID),
		zap.String("bundle_id", job.BundleID),
		zap.Int("depth", job.Depth))
	logger.Info("processing bundle", zap.Int("attempt", job.Attempts+1))

	err := w.runJob(ctx, job, logger)
	switch {
	case err == nil:
		if err := w.queue.Ack(ctx, job); err != nil {
			logger.Warn("failed to acknowledge job", zap.Error(err))
		}
	case permanent(err) || !job.CanRetry():
		if err := w.queue.MoveToDeadLetter(ctx, job, err.Error()); err != nil {
			logger.Error("failed to move job to dead letter", zap.Error(err))
		}
		metrics.RecordBundleDeadLettered()
		logger.Error("bundle failed permanently", zap.Error(err))
	default:
		delay := time.Duration(job.Attempts+1) * w.retryDelay
		if err := w.queue.Requeue(ctx, job, err.Error(), delay); err != nil {
			logger.Error("failed to requeue job", zap.Error(err))
		}
		logger.Warn("bundle failed, will retry",
			zap.Error(err),
			zap.Int("attempts", job.Attempts),
			zap.Int("max_attempts", job.MaxAttempts),
			zap.Duration("delay", delay))
	}

	w.updateGauges(ctx)
}

func (w *Worker) runJob(ctx context.Context, job *queue.Job, logger *zap.Logger) error {
	b, err := w.store.GetBundle(ctx, job.BundleID)
	if err != nil {
		return fmt.Errorf("failed to load bundle: %w", err)
	}
	if b.Status == task.BundleReconciled {
		logger.Info("bundle already reconciled, skipping")
		return nil
	}

	out, err := w.pipeline.Cycle(ctx, b)
	if err != nil {
		if b.Status == task.BundleReconciled {
			return fmt.Errorf("%w: %w", errBundleClosed, err)
		}
		return err
	}

	child, err := w.pipeline.Schedule(ctx, out)
	if err != nil {
		return err
	}
	if child != nil {
		next := queue.NewJob(child)
		if err := w.queue.Enqueue(ctx, next); err != nil {
			return fmt.Errorf("failed to enqueue retry bundle: %w", err)
		}
		logger.Info("queued retry bundle", zap.String("child_id", child.ID), zap.Int("child_depth", next.Depth))
		return nil
	}

	if w.pipeline.RetriesExhausted(out) {
		e := notify.Exhaustion{
			BundleID:       out.Bundle.ID,
			RecursionLevel: out.Bundle.RecursionLevel,
			Grid:           out.GridName,
			TaskIDs:        out.FailedIDs(),
			At:             time.Now(),
		}
		if err := w.notifier.RetriesExhausted(ctx, e); err != nil {
			logger.Warn("failed to send exhaustion notification", zap.Error(err))
		}
	}
	return nil
}

// permanent reports whether running the same bundle again cannot succeed.
func permanent(err error) bool {
	return errors.Is(err, control.ErrConfiguration) ||
		errors.Is(err, reconcile.ErrInconsistentOutput) ||
		errors.Is(err, runner.ErrWorkingDirectory) ||
		errors.Is(err, errBundleClosed)
}

func (w *Worker) updateGauges(ctx context.Context) {
	if depth, err := w.queue.Depth(ctx); err == nil {
		metrics.UpdateQueueDepth(int(depth))
	}
	if depth, err := w.queue.DeadLetterDepth(ctx); err == nil {
		metrics.UpdateDeadLetterQueueDepth(int(depth))
	}
}
