package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nadmax/ferreq/internal/dashboard"
	"github.com/nadmax/ferreq/internal/queue"
	"github.com/nadmax/ferreq/internal/repository"
	"github.com/nadmax/ferreq/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bundleBody = `{
	"solver": {"header_path": "/grids/p_apsGKg_180901_lsfa_l33.hdr", "n_threads": 4},
	"tasks": [
		{"data_products": ["/data/2M0001.json"]},
		{"data_products": ["/data/2M0002.json"], "prepare": {"continuum_method": "median"}}
	]
}`

func setupTestAPI(t *testing.T) (*API, *queue.Queue, *repository.MockStore, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	q, err := queue.NewQueue(mr.Addr())
	require.NoError(t, err)

	store := repository.NewMockStore()
	api := NewAPI(store, q, dashboard.NewDashboard(store, q), nil)

	return api, q, store, mr
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func postBundle(t *testing.T, api *API, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/api/bundles", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	api.ServeHTTP(w, req)
	return w
}

func TestNewAPI(t *testing.T) {
	api, q, _, mr := setupTestAPI(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	assert.NotNil(t, api.mux)
	assert.NotNil(t, api.store)
	assert.NotNil(t, api.dash)
}

func TestCreateBundle(t *testing.T) {
	api, q, store, mr := setupTestAPI(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	w := postBundle(t, api, bundleBody)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	resp := decode[CreateBundleResponse](t, w)
	require.NotNil(t, resp.Bundle)
	require.Len(t, resp.Tasks, 2)
	assert.Equal(t, 0, resp.Bundle.RecursionLevel)
	assert.Equal(t, task.BundleAssembled, resp.Bundle.Status)
	assert.Equal(t, []string{resp.Tasks[0].ID, resp.Tasks[1].ID}, resp.Bundle.TaskIDs)
	assert.Equal(t, 4, resp.Tasks[0].Solver.NThreads)
	assert.Equal(t, "median", resp.Tasks[1].Prepare.ContinuumMethod)

	assert.Equal(t, 1, store.BundleCount())
	status, ok := store.GetTaskStatus(resp.Tasks[0].ID)
	require.True(t, ok)
	assert.Equal(t, task.StatusPending, status)

	job, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, resp.JobID, job.ID)
	assert.Equal(t, resp.Bundle.ID, job.BundleID)
	assert.Equal(t, 0, job.Depth)
}

func TestCreateBundle_YAMLBody(t *testing.T) {
	api, q, _, mr := setupTestAPI(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	w := postBundle(t, api, "solver:\n  header_path: /grids/p_apsMg_180901_lsfa_l33.hdr\ntasks:\n  - data_products: [a.json]\n")
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestCreateBundle_BadRequests(t *testing.T) {
	api, q, store, mr := setupTestAPI(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	tests := map[string]string{
		"invalid json":   `{"solver":`,
		"missing header": `{"tasks": [{"data_products": ["a.json"]}]}`,
		"no tasks":       `{"solver": {"header_path": "g.hdr"}}`,
		"no products":    `{"solver": {"header_path": "g.hdr"}, "tasks": [{}]}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			w := postBundle(t, api, body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.NotEmpty(t, decode[map[string]string](t, w)["error"])
		})
	}
	assert.Zero(t, store.BundleCount())
}

func TestCreateBundle_StoreError(t *testing.T) {
	api, q, store, mr := setupTestAPI(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	store.SaveBundleError = errors.New("database is locked")

	w := postBundle(t, api, bundleBody)
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	depth, err := q.Depth(context.Background())
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestCreateBundle_QueueUnavailable(t *testing.T) {
	api, q, _, mr := setupTestAPI(t)
	defer func() { _ = q.Close() }()

	mr.Close()

	w := postBundle(t, api, bundleBody)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestListBundles(t *testing.T) {
	api, q, _, mr := setupTestAPI(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	req := httptest.NewRequest(http.MethodGet, "/api/bundles", nil)
	w := httptest.NewRecorder()
	api.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[[]*task.Bundle](t, w))

	for range 3 {
		require.Equal(t, http.StatusCreated, postBundle(t, api, bundleBody).Code)
	}

	w = httptest.NewRecorder()
	api.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/bundles", nil))
	assert.Len(t, decode[[]*task.Bundle](t, w), 3)

	w = httptest.NewRecorder()
	api.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/bundles?limit=2", nil))
	assert.Len(t, decode[[]*task.Bundle](t, w), 2)

	w = httptest.NewRecorder()
	api.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/bundles?limit=zero", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleBundles_MethodNotAllowed(t *testing.T) {
	api, q, _, mr := setupTestAPI(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	for _, path := range []string{"/api/bundles", "/api/bundles/abc", "/api/tasks/abc", "/api/dead-letters"} {
		w := httptest.NewRecorder()
		api.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, path, nil))
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code, path)
	}
}

func TestGetBundle(t *testing.T) {
	api, q, store, mr := setupTestAPI(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()
	ctx := context.Background()

	created := decode[CreateBundleResponse](t, postBundle(t, api, bundleBody))
	require.NoError(t, store.LogExecution(ctx, repository.Execution{
		BundleID:   created.Bundle.ID,
		Outcome:    "complete",
		Rows:       2,
		DurationMs: 1200,
		CreatedAt:  time.Now(),
	}))

	w := httptest.NewRecorder()
	api.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/bundles/"+created.Bundle.ID, nil))
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[BundleResponse](t, w)
	assert.Equal(t, created.Bundle.ID, resp.Bundle.ID)
	require.Len(t, resp.Executions, 1)
	assert.Equal(t, "complete", resp.Executions[0].Outcome)
}

func TestGetBundle_Errors(t *testing.T) {
	api, q, _, mr := setupTestAPI(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	tests := []struct {
		path     string
		expected int
	}{
		{"/api/bundles/missing", http.StatusNotFound},
		{"/api/bundles/", http.StatusBadRequest},
		{"/api/bundles/a/b", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			api.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.expected, w.Code)
		})
	}
}

func TestGetTask(t *testing.T) {
	api, q, store, mr := setupTestAPI(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()
	ctx := context.Background()

	created := decode[CreateBundleResponse](t, postBundle(t, api, bundleBody))
	tk := created.Tasks[0]

	w := httptest.NewRecorder()
	api.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/tasks/"+tk.ID, nil))
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[TaskResponse](t, w)
	assert.Equal(t, tk.ID, resp.Task.ID)
	assert.Empty(t, resp.Outputs)

	stored, err := store.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	require.NoError(t, stored.Submit(created.Bundle.ID, time.Now()))
	require.NoError(t, stored.Succeed(time.Now()))
	require.NoError(t, store.RecordOutcome(ctx, created.Bundle, []*task.Task{stored}, []repository.Output{{
		TaskID:   tk.ID,
		BundleID: created.Bundle.ID,
		Path:     "/work/products/ab/task.json",
		LogChiSq: -1.2,
	}}))

	w = httptest.NewRecorder()
	api.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/tasks/"+tk.ID, nil))
	resp = decode[TaskResponse](t, w)
	assert.Equal(t, task.StatusSucceeded, resp.Task.Status)
	require.Len(t, resp.Outputs, 1)
	assert.Equal(t, -1.2, resp.Outputs[0].LogChiSq)
}

func TestGetTask_NotFound(t *testing.T) {
	api, q, _, mr := setupTestAPI(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	w := httptest.NewRecorder()
	api.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/tasks/nonexistent", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Task not found", decode[map[string]string](t, w)["error"])

	w = httptest.NewRecorder()
	api.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/tasks/", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeadLetters(t *testing.T) {
	api, q, _, mr := setupTestAPI(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()
	ctx := context.Background()

	job := queue.NewJob(&task.Bundle{ID: "bundle-1", RecursionLevel: 2})
	require.NoError(t, q.Enqueue(ctx, job))
	require.NoError(t, q.MoveToDeadLetter(ctx, job, "invalid solver configuration: every label is frozen"))

	w := httptest.NewRecorder()
	api.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/dead-letters", nil))
	require.Equal(t, http.StatusOK, w.Code)

	jobs := decode[[]queue.Job](t, w)
	require.Len(t, jobs, 1)
	assert.Equal(t, "bundle-1", jobs[0].BundleID)
	assert.Equal(t, 2, jobs[0].Depth)
	assert.Contains(t, jobs[0].Error, "every label is frozen")
}

func TestDashboardRoutes(t *testing.T) {
	api, q, _, mr := setupTestAPI(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	for _, path := range []string{"/api/dashboard/stats", "/api/dashboard/history"} {
		w := httptest.NewRecorder()
		api.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}

func TestHandle(t *testing.T) {
	api, q, _, mr := setupTestAPI(t)
	defer mr.Close()
	defer func() { _ = q.Close() }()

	api.Handle("/metrics", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	w := httptest.NewRecorder()
	api.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusTeapot, w.Code)
}
