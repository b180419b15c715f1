package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type metricRecord struct {
	method   string
	endpoint string
	status   string
	duration time.Duration
}

func captureRequests(t *testing.T) *[]metricRecord {
	t.Helper()

	var records []metricRecord
	original := recordHTTPRequest
	recordHTTPRequest = func(method, endpoint, status string, duration time.Duration) {
		records = append(records, metricRecord{method, endpoint, status, duration})
	}
	t.Cleanup(func() { recordHTTPRequest = original })
	return &records
}

func TestResponseWriter_WriteHeader(t *testing.T) {
	for _, code := range []int{http.StatusOK, http.StatusAccepted, http.StatusNotFound, http.StatusInternalServerError} {
		rec := httptest.NewRecorder()
		rw := &responseWriter{ResponseWriter: rec, statusCode: http.StatusOK}

		rw.WriteHeader(code)

		assert.Equal(t, code, rw.statusCode)
		assert.Equal(t, code, rec.Code)
	}
}

func TestNormalizeEndpoint(t *testing.T) {
	tests := map[string]string{
		"/api/tasks/123":                                    "/api/tasks/:id",
		"/api/tasks/abc-def-456":                            "/api/tasks/:id",
		"/api/tasks/123/outputs":                            "/api/tasks/123/outputs",
		"/api/bundles/5f0c2d7e-1b1a-4c2e-9d61-0b7e8f4f2a10": "/api/bundles/:id",
		"/api/bundles":                                      "/api/bundles",
		"/api/bundles/":                                     "/api/bundles/",
		"/api/dashboard/stats":                              "/api/dashboard/stats",
		"/api/dead-letters":                                 "/api/dead-letters",
		"/metrics":                                          "/metrics",
		"/":                                                 "/",
	}
	for path, expected := range tests {
		assert.Equal(t, expected, normalizeEndpoint(path), path)
	}
}

func TestMetricsMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		path     string
		status   int
		endpoint string
	}{
		{"submit bundle", http.MethodPost, "/api/bundles", http.StatusCreated, "/api/bundles"},
		{"get bundle", http.MethodGet, "/api/bundles/456", http.StatusOK, "/api/bundles/:id"},
		{"missing task", http.MethodGet, "/api/tasks/999", http.StatusNotFound, "/api/tasks/:id"},
		{"method not allowed", http.MethodDelete, "/api/tasks/123", http.StatusMethodNotAllowed, "/api/tasks/:id"},
		{"server error", http.MethodGet, "/api/dead-letters", http.StatusInternalServerError, "/api/dead-letters"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records := captureRequests(t)

			handler := MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("{}"))
			}))
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))

			assert.Equal(t, tt.status, rec.Code)
			require.Len(t, *records, 1)
			m := (*records)[0]
			assert.Equal(t, tt.method, m.method)
			assert.Equal(t, tt.endpoint, m.endpoint)
			assert.Equal(t, strconv.Itoa(tt.status), m.status)
		})
	}
}

func TestMetricsMiddleware_DefaultStatus(t *testing.T) {
	records := captureRequests(t)

	handler := MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/bundles", nil))

	require.Len(t, *records, 1)
	assert.Equal(t, "200", (*records)[0].status)
}

func TestMetricsMiddleware_RecordsDuration(t *testing.T) {
	records := captureRequests(t)
	delay := 50 * time.Millisecond

	handler := MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(delay)
		w.WriteHeader(http.StatusOK)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/bundles", nil))

	require.Len(t, *records, 1)
	assert.GreaterOrEqual(t, (*records)[0].duration, delay)
}
