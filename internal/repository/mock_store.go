package repository

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/nadmax/ferreq/internal/task"
)

// MockStore is an in-memory Store that records calls and can be told to fail.
type MockStore struct {
	mu                 sync.Mutex
	SaveTaskCalls      []string
	SaveBundleCalls    []string
	RecordOutcomeCalls []RecordOutcomeCall
	Tasks              map[string]*task.Task
	Bundles            map[string]*task.Bundle
	Outputs            []Output
	Executions         []Execution
	TaskStats          []TaskStats
	SaveTaskError      error
	SaveBundleError    error
	RecordOutcomeError error
	LogExecutionError  error
	GetTaskStatsError  error
}

type RecordOutcomeCall struct {
	BundleID string
	TaskIDs  []string
	Outputs  int
}

func NewMockStore() *MockStore {
	return &MockStore{
		Tasks:   make(map[string]*task.Task),
		Bundles: make(map[string]*task.Bundle),
	}
}

func (m *MockStore) SaveTask(ctx context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SaveTaskCalls = append(m.SaveTaskCalls, t.ID)
	if m.SaveTaskError != nil {
		return m.SaveTaskError
	}

	taskCopy := *t
	m.Tasks[t.ID] = &taskCopy
	return nil
}

func (m *MockStore) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, exists := m.Tasks[taskID]
	if !exists {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}

	taskCopy := *t
	return &taskCopy, nil
}

func (m *MockStore) SaveBundle(ctx context.Context, b *task.Bundle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SaveBundleCalls = append(m.SaveBundleCalls, b.ID)
	if m.SaveBundleError != nil {
		return m.SaveBundleError
	}

	bundleCopy := *b
	m.Bundles[b.ID] = &bundleCopy
	return nil
}

func (m *MockStore) GetBundle(ctx context.Context, bundleID string) (*task.Bundle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, exists := m.Bundles[bundleID]
	if !exists {
		return nil, fmt.Errorf("bundle %s: %w", bundleID, ErrNotFound)
	}

	bundleCopy := *b
	return &bundleCopy, nil
}

func (m *MockStore) ListBundles(ctx context.Context, limit int) ([]*task.Bundle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bundles := make([]*task.Bundle, 0, len(m.Bundles))
	for _, b := range m.Bundles {
		bundleCopy := *b
		bundles = append(bundles, &bundleCopy)
	}
	// newest first, like the SQL store
	slices.SortFunc(bundles, func(a, b *task.Bundle) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(bundles) > limit {
		bundles = bundles[:limit]
	}
	return bundles, nil
}

func (m *MockStore) RecordOutcome(ctx context.Context, b *task.Bundle, tasks []*task.Task, outputs []Output) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	call := RecordOutcomeCall{BundleID: b.ID, Outputs: len(outputs)}
	for _, t := range tasks {
		call.TaskIDs = append(call.TaskIDs, t.ID)
	}
	m.RecordOutcomeCalls = append(m.RecordOutcomeCalls, call)

	// nothing is written when the transaction fails
	if m.RecordOutcomeError != nil {
		return m.RecordOutcomeError
	}

	bundleCopy := *b
	m.Bundles[b.ID] = &bundleCopy
	for _, t := range tasks {
		taskCopy := *t
		m.Tasks[t.ID] = &taskCopy
	}
	m.Outputs = append(m.Outputs, outputs...)
	return nil
}

func (m *MockStore) GetOutputs(ctx context.Context, taskID string) ([]Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var outputs []Output
	for _, o := range m.Outputs {
		if o.TaskID == taskID {
			outputs = append(outputs, o)
		}
	}
	return outputs, nil
}

func (m *MockStore) LogExecution(ctx context.Context, e Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Executions = append(m.Executions, e)
	return m.LogExecutionError
}

func (m *MockStore) GetBundleHistory(ctx context.Context, bundleID string) ([]Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var history []Execution
	for _, e := range m.Executions {
		if e.BundleID == bundleID {
			history = append(history, e)
		}
	}
	return history, nil
}

func (m *MockStore) GetTaskStats(ctx context.Context, hours int) ([]TaskStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetTaskStatsError != nil {
		return nil, m.GetTaskStatsError
	}
	return m.TaskStats, nil
}

func (m *MockStore) Close() error {
	return nil
}

func (m *MockStore) GetTaskStatus(taskID string) (task.TaskStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, exists := m.Tasks[taskID]; exists {
		return t.Status, true
	}
	return "", false
}

func (m *MockStore) BundleCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.Bundles)
}

// BundlesAtLevel returns the stored bundles with the given recursion level.
func (m *MockStore) BundlesAtLevel(level int) []*task.Bundle {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*task.Bundle
	for _, b := range m.Bundles {
		if b.RecursionLevel == level {
			bundleCopy := *b
			out = append(out, &bundleCopy)
		}
	}
	return out
}
