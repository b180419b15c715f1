// Package task defines the task and bundle domain model shared by the pipeline, the queue and
// the persistence layer. It contains solver and preparation parameters, status definitions,
// lifecycle transitions and serialization helpers.
package task

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type (
	TaskStatus   string
	BundleStatus string
	Task         struct {
		ID            string               `json:"id" yaml:"id"`
		BundleID      string               `json:"bundle_id,omitempty" yaml:"-"`
		DataProducts  []string             `json:"data_products" yaml:"data_products"`
		InitialLabels []map[string]float64 `json:"initial_labels,omitempty" yaml:"initial_labels"`
		Solver        SolverParams         `json:"solver" yaml:"solver"`
		Prepare       PrepareParams        `json:"prepare" yaml:"prepare"`
		Status        TaskStatus           `json:"status" yaml:"-"`
		Attempts      int                  `json:"attempts" yaml:"-"`
		CreatedAt     time.Time            `json:"created_at" yaml:"-"`
		SubmittedAt   *time.Time           `json:"submitted_at,omitempty" yaml:"-"`
		CompletedAt   *time.Time           `json:"completed_at,omitempty" yaml:"-"`
		Error         string               `json:"error,omitempty" yaml:"-"`
	}
	Bundle struct {
		ID             string       `json:"id"`
		ParentID       string       `json:"parent_id,omitempty"`
		RecursionLevel int          `json:"recursion_level"`
		TaskIDs        []string     `json:"task_ids"`
		Status         BundleStatus `json:"status"`
		Directory      string       `json:"directory,omitempty"`
		FailedTaskIDs  []string     `json:"failed_task_ids,omitempty"`
		CreatedAt      time.Time    `json:"created_at"`
		StartedAt      *time.Time   `json:"started_at,omitempty"`
		CompletedAt    *time.Time   `json:"completed_at,omitempty"`
	}
)

const (
	StatusPending   TaskStatus = "pending"
	StatusSubmitted TaskStatus = "submitted"
	StatusSucceeded TaskStatus = "succeeded"
	StatusFailed    TaskStatus = "failed"
)

const (
	BundleAssembled  BundleStatus = "assembled"
	BundleExecuting  BundleStatus = "executing"
	BundleReconciled BundleStatus = "reconciled"
)

// MaxRecursionLevel bounds how many times failed tasks are re-bundled.
const MaxRecursionLevel = 5

var taskTransitions = map[TaskStatus][]TaskStatus{
	StatusPending:   {StatusSubmitted, StatusFailed},
	StatusSubmitted: {StatusSucceeded, StatusFailed},
	// a failed task may be submitted again inside a retry bundle
	StatusFailed: {StatusSubmitted},
}

func NewTask(dataProducts []string, initial []map[string]float64, solver SolverParams, prepare PrepareParams) *Task {
	return &Task{
		ID:            uuid.New().String(),
		DataProducts:  dataProducts,
		InitialLabels: initial,
		Solver:        solver,
		Prepare:       prepare,
		Status:        StatusPending,
		CreatedAt:     time.Now(),
	}
}

func (t *Task) transition(to TaskStatus) error {
	for _, next := range taskTransitions[t.Status] {
		if next == to {
			t.Status = to
			return nil
		}
	}
	return fmt.Errorf("task %s: cannot move from %s to %s", t.ID, t.Status, to)
}

func (t *Task) Submit(bundleID string, at time.Time) error {
	if err := t.transition(StatusSubmitted); err != nil {
		return err
	}
	t.BundleID = bundleID
	t.Attempts++
	t.SubmittedAt = &at
	t.CompletedAt = nil
	t.Error = ""
	return nil
}

func (t *Task) Succeed(at time.Time) error {
	if err := t.transition(StatusSucceeded); err != nil {
		return err
	}
	t.CompletedAt = &at
	return nil
}

func (t *Task) Fail(reason string, at time.Time) error {
	if err := t.transition(StatusFailed); err != nil {
		return err
	}
	t.Error = reason
	t.CompletedAt = &at
	return nil
}

func (t *Task) IsTerminal() bool {
	return t.Status == StatusSucceeded || t.Status == StatusFailed
}

func (t *Task) ToJSON() (string, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return "", err
	}

	return string(data), err
}

func TaskFromJSON(data string) (*Task, error) {
	var task Task
	if err := json.Unmarshal([]byte(data), &task); err != nil {
		return nil, err
	}

	return &task, nil
}

// NewBundle groups tasks, in order, into a top-level bundle.
func NewBundle(tasks []*Task) *Bundle {
	b := &Bundle{
		ID:        uuid.New().String(),
		Status:    BundleAssembled,
		CreatedAt: time.Now(),
	}
	for _, t := range tasks {
		b.TaskIDs = append(b.TaskIDs, t.ID)
	}
	return b
}

// Child creates the retry bundle for failedIDs one recursion level below b.
func (b *Bundle) Child(failedIDs []string) *Bundle {
	return &Bundle{
		ID:             uuid.New().String(),
		ParentID:       b.ID,
		RecursionLevel: b.RecursionLevel + 1,
		TaskIDs:        append([]string(nil), failedIDs...),
		Status:         BundleAssembled,
		CreatedAt:      time.Now(),
	}
}

func (b *Bundle) Start(dir string, at time.Time) error {
	if b.Status != BundleAssembled {
		return fmt.Errorf("bundle %s: cannot start from %s", b.ID, b.Status)
	}
	b.Status = BundleExecuting
	b.Directory = dir
	b.StartedAt = &at
	return nil
}

func (b *Bundle) Reconcile(failedIDs []string, at time.Time) error {
	if b.Status != BundleExecuting {
		return fmt.Errorf("bundle %s: cannot reconcile from %s", b.ID, b.Status)
	}
	b.Status = BundleReconciled
	b.FailedTaskIDs = append([]string(nil), failedIDs...)
	b.CompletedAt = &at
	return nil
}

func (b *Bundle) ToJSON() (string, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

func BundleFromJSON(data string) (*Bundle, error) {
	var bundle Bundle
	if err := json.Unmarshal([]byte(data), &bundle); err != nil {
		return nil, err
	}

	return &bundle, nil
}
