package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/nadmax/ferreq/internal/task"
)

const DefaultMaxAttempts = 3

// Job asks a worker to run one bundle. Depth mirrors the bundle's recursion level so that a
// worker can schedule the retry bundle without reloading the parent.
type Job struct {
	ID          string    `json:"id"`
	BundleID    string    `json:"bundle_id"`
	Depth       int       `json:"depth"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Error       string    `json:"error,omitempty"`
}

func NewJob(b *task.Bundle) *Job {
	now := time.Now()
	return &Job{
		ID:          uuid.New().String(),
		BundleID:    b.ID,
		Depth:       b.RecursionLevel,
		MaxAttempts: DefaultMaxAttempts,
		EnqueuedAt:  now,
		ScheduledAt: now,
	}
}

// CanRetry reports whether the job has attempts left.
func (j *Job) CanRetry() bool {
	return j.Attempts < j.MaxAttempts
}

func (j *Job) ToJSON() (string, error) {
	data, err := json.Marshal(j)
	return string(data), err
}

func JobFromJSON(data string) (*Job, error) {
	var job Job
	err := json.Unmarshal([]byte(data), &job)
	return &job, err
}
