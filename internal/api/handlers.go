// Package api exposes bundle submission and bookkeeping state over HTTP.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/nadmax/ferreq/internal/dashboard"
	"github.com/nadmax/ferreq/internal/httputil"
	"github.com/nadmax/ferreq/internal/pipeline"
	"github.com/nadmax/ferreq/internal/queue"
	"github.com/nadmax/ferreq/internal/repository"
	"github.com/nadmax/ferreq/internal/task"
	"go.uber.org/zap"
)

const (
	maxBodyBytes       = 1 << 20
	defaultBundleLimit = 50
)

// JobQueue is the part of the queue the API needs.
type JobQueue interface {
	Enqueue(ctx context.Context, job *queue.Job) error
	DeadLetters(ctx context.Context, limit int) ([]*queue.Job, error)
}

type API struct {
	store  repository.Store
	queue  JobQueue
	dash   *dashboard.Dashboard
	mux    *http.ServeMux
	logger *zap.Logger
}

type CreateBundleResponse struct {
	Bundle *task.Bundle `json:"bundle"`
	Tasks  []*task.Task `json:"tasks"`
	JobID  string       `json:"job_id"`
}

type BundleResponse struct {
	Bundle     *task.Bundle           `json:"bundle"`
	Executions []repository.Execution `json:"executions"`
}

type TaskResponse struct {
	Task    *task.Task          `json:"task"`
	Outputs []repository.Output `json:"outputs"`
}

func NewAPI(store repository.Store, q JobQueue, dash *dashboard.Dashboard, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	api := &API{
		store:  store,
		queue:  q,
		dash:   dash,
		mux:    http.NewServeMux(),
		logger: logger,
	}

	api.setupRoutes()
	return api
}

func (a *API) setupRoutes() {
	a.mux.HandleFunc("/api/bundles", a.handleBundles)
	a.mux.HandleFunc("/api/bundles/", a.handleBundleByID)
	a.mux.HandleFunc("/api/tasks/", a.handleTaskByID)
	a.mux.HandleFunc("/api/dead-letters", a.handleDeadLetters)

	if a.dash != nil {
		a.mux.HandleFunc("/api/dashboard/stats", a.dash.GetStats)
		a.mux.HandleFunc("/api/dashboard/history", a.dash.GetRecentBundles)
	}
}

// Handle registers an extra handler, such as the metrics endpoint.
func (a *API) Handle(pattern string, h http.Handler) {
	a.mux.Handle(pattern, h)
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

func (a *API) handleBundles(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createBundle(w, r)
	case http.MethodGet:
		a.listBundles(w, r)
	default:
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *API) createBundle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		httputil.WriteJSONError(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	defer func() {
		if err := r.Body.Close(); err != nil {
			a.logger.Warn("failed to close request body", zap.Error(err))
		}
	}()

	spec, err := task.ParseBundleSpec(body)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	tasks, err := spec.NewTasks()
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	b, err := pipeline.Submit(ctx, a.store, tasks)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	job := queue.NewJob(b)
	if err := a.queue.Enqueue(ctx, job); err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	a.logger.Info("bundle submitted",
		zap.String("bundle_id", b.ID),
		zap.String("job_id", job.ID),
		zap.Int("tasks", len(tasks)))

	httputil.WriteJSON(w, http.StatusCreated, CreateBundleResponse{Bundle: b, Tasks: tasks, JobID: job.ID})
}

func (a *API) listBundles(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, defaultBundleLimit)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	bundles, err := a.store.ListBundles(r.Context(), limit)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if bundles == nil {
		bundles = []*task.Bundle{}
	}

	httputil.WriteJSON(w, http.StatusOK, bundles)
}

func (a *API) handleBundleByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	bundleID := strings.TrimPrefix(r.URL.Path, "/api/bundles/")
	if bundleID == "" || strings.Contains(bundleID, "/") {
		httputil.WriteJSONError(w, "Bundle ID is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	b, err := a.store.GetBundle(ctx, bundleID)
	if err != nil {
		a.writeLookupError(w, "Bundle", err)
		return
	}

	history, err := a.store.GetBundleHistory(ctx, bundleID)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if history == nil {
		history = []repository.Execution{}
	}

	httputil.WriteJSON(w, http.StatusOK, BundleResponse{Bundle: b, Executions: history})
}

func (a *API) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	taskID := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	if taskID == "" || strings.Contains(taskID, "/") {
		httputil.WriteJSONError(w, "Task ID is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	t, err := a.store.GetTask(ctx, taskID)
	if err != nil {
		a.writeLookupError(w, "Task", err)
		return
	}

	outputs, err := a.store.GetOutputs(ctx, taskID)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if outputs == nil {
		outputs = []repository.Output{}
	}

	httputil.WriteJSON(w, http.StatusOK, TaskResponse{Task: t, Outputs: outputs})
}

func (a *API) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit, err := queryLimit(r, defaultBundleLimit)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	jobs, err := a.queue.DeadLetters(r.Context(), limit)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, jobs)
}

func (a *API) writeLookupError(w http.ResponseWriter, kind string, err error) {
	if errors.Is(err, repository.ErrNotFound) {
		httputil.WriteJSONError(w, kind+" not found", http.StatusNotFound)
		return
	}
	httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
}

func queryLimit(r *http.Request, def int) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	return n, nil
}

var _ JobQueue = (*queue.Queue)(nil)
