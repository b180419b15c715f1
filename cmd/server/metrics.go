package main

import (
	"context"
	"time"

	"github.com/nadmax/ferreq/internal/metrics"
	"github.com/nadmax/ferreq/internal/queue"
	"github.com/nadmax/ferreq/internal/repository"
	"github.com/nadmax/ferreq/internal/task"
	"go.uber.org/zap"
)

const statsWindowHours = 24

func startMetricsCollector(ctx context.Context, q *queue.Queue, store repository.Store, logger *zap.Logger) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		updateQueueMetrics(ctx, q, store, logger)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func updateQueueMetrics(ctx context.Context, q *queue.Queue, store repository.Store, logger *zap.Logger) {
	stats, err := store.GetTaskStats(ctx, statsWindowHours)
	if err != nil {
		logger.Warn("failed to get task stats for metrics", zap.Error(err))
	} else {
		tasksByStatus := make(map[task.TaskStatus]int)
		for _, st := range stats {
			tasksByStatus[task.TaskStatus(st.Status)] += st.Count
		}
		metrics.UpdateTaskGauges(tasksByStatus)
	}

	if depth, err := q.Depth(ctx); err == nil {
		metrics.UpdateQueueDepth(int(depth))
	} else {
		logger.Warn("failed to read queue depth", zap.Error(err))
	}
	if depth, err := q.DeadLetterDepth(ctx); err == nil {
		metrics.UpdateDeadLetterQueueDepth(int(depth))
	}
}
