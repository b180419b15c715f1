// Package dashboard serves the monitoring views: task counts, queue depths and recent bundles.
package dashboard

import (
	"context"
	"net/http"
	"time"

	"github.com/nadmax/ferreq/internal/httputil"
	"github.com/nadmax/ferreq/internal/repository"
	"github.com/nadmax/ferreq/internal/task"
)

const (
	statsWindowHours = 24
	historyLimit     = 100
)

// QueueDepths reports how many jobs wait in the queue and in the dead-letter list.
type QueueDepths interface {
	Depth(ctx context.Context) (int64, error)
	DeadLetterDepth(ctx context.Context) (int64, error)
}

type Dashboard struct {
	store repository.Store
	queue QueueDepths
}

type Stats struct {
	TotalTasks      int            `json:"total_tasks"`
	PendingTasks    int            `json:"pending_tasks"`
	SubmittedTasks  int            `json:"submitted_tasks"`
	SucceededTasks  int            `json:"succeeded_tasks"`
	FailedTasks     int            `json:"failed_tasks"`
	AverageAttempts float64        `json:"average_attempts"`
	MaxAttempts     int            `json:"max_attempts"`
	QueuedBundles   int64          `json:"queued_bundles"`
	DeadLetters     int64          `json:"dead_letters"`
	BundlesByLevel  map[int]int    `json:"bundles_by_level"`
	BundlesByStatus map[string]int `json:"bundles_by_status"`
	AverageWaitTime string         `json:"average_wait_time"`
	LastUpdated     time.Time      `json:"last_updated"`
}

type BundleHistory struct {
	BundleID       string            `json:"bundle_id"`
	ParentID       string            `json:"parent_id,omitempty"`
	RecursionLevel int               `json:"recursion_level"`
	Status         task.BundleStatus `json:"status"`
	Tasks          int               `json:"tasks"`
	FailedTasks    int               `json:"failed_tasks"`
	CreatedAt      time.Time         `json:"created_at"`
	CompletedAt    *time.Time        `json:"completed_at"`
	Duration       string            `json:"duration"`
}

func NewDashboard(store repository.Store, q QueueDepths) *Dashboard {
	return &Dashboard{store: store, queue: q}
}

func (d *Dashboard) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	taskStats, err := d.store.GetTaskStats(ctx, statsWindowHours)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	bundles, err := d.store.ListBundles(ctx, historyLimit)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	stats := Stats{
		BundlesByLevel:  make(map[int]int),
		BundlesByStatus: make(map[string]int),
		LastUpdated:     time.Now(),
	}

	var attempts float64
	for _, st := range taskStats {
		stats.TotalTasks += st.Count
		switch task.TaskStatus(st.Status) {
		case task.StatusPending:
			stats.PendingTasks += st.Count
		case task.StatusSubmitted:
			stats.SubmittedTasks += st.Count
		case task.StatusSucceeded:
			stats.SucceededTasks += st.Count
		case task.StatusFailed:
			stats.FailedTasks += st.Count
		}
		attempts += st.AvgAttempts * float64(st.Count)
		stats.MaxAttempts = max(stats.MaxAttempts, st.MaxAttempts)
	}
	if stats.TotalTasks > 0 {
		stats.AverageAttempts = attempts / float64(stats.TotalTasks)
	}

	var totalWaitTime time.Duration
	waitCount := 0
	for _, b := range bundles {
		stats.BundlesByLevel[b.RecursionLevel]++
		stats.BundlesByStatus[string(b.Status)]++

		if b.StartedAt != nil {
			totalWaitTime += b.StartedAt.Sub(b.CreatedAt)
			waitCount++
		}
	}

	if waitCount > 0 {
		avgWait := totalWaitTime / time.Duration(waitCount)
		stats.AverageWaitTime = avgWait.Round(time.Millisecond).String()
	} else {
		stats.AverageWaitTime = "N/A"
	}

	if d.queue != nil {
		if depth, err := d.queue.Depth(ctx); err == nil {
			stats.QueuedBundles = depth
		}
		if depth, err := d.queue.DeadLetterDepth(ctx); err == nil {
			stats.DeadLetters = depth
		}
	}

	httputil.WriteJSON(w, http.StatusOK, stats)
}

// GetRecentBundles lists the bundles reconciled during the last day, newest first.
func (d *Dashboard) GetRecentBundles(w http.ResponseWriter, r *http.Request) {
	bundles, err := d.store.ListBundles(r.Context(), historyLimit)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	cutoff := time.Now().Add(-statsWindowHours * time.Hour)
	history := []BundleHistory{}

	for _, b := range bundles {
		if b.CompletedAt == nil {
			continue
		}
		if b.CompletedAt.Before(cutoff) {
			continue
		}

		var duration string
		if b.StartedAt != nil {
			duration = b.CompletedAt.Sub(*b.StartedAt).Round(time.Millisecond).String()
		}

		history = append(history, BundleHistory{
			BundleID:       b.ID,
			ParentID:       b.ParentID,
			RecursionLevel: b.RecursionLevel,
			Status:         b.Status,
			Tasks:          len(b.TaskIDs),
			FailedTasks:    len(b.FailedTaskIDs),
			CreatedAt:      b.CreatedAt,
			CompletedAt:    b.CompletedAt,
			Duration:       duration,
		})
	}

	httputil.WriteJSON(w, http.StatusOK, history)
}
