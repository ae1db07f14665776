package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/campaign-sync/internal/errors"
	"github.com/campaign-sync/internal/models"
)

const testToken = "s3cret"

type fakeQueue struct {
	mu        sync.Mutex
	enqueued  []models.JobParams
	active    map[models.JobType]*models.Job
	jobs      map[string]*models.Job
	processed bool
	length    int64
	err       error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{
		active: map[models.JobType]*models.Job{},
		jobs:   map[string]*models.Job{},
	}
}

func (q *fakeQueue) Enqueue(ctx context.Context, params models.JobParams) (*models.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, q.err
	}
	q.enqueued = append(q.enqueued, params)
	job := models.NewJob(params, time.Now())
	q.jobs[job.ID] = job
	return job, nil
}

func (q *fakeQueue) GetJobStatus(ctx context.Context, id string) (*models.JobStatusView, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return nil, apperrors.ErrJobNotFound
	}
	view := job.StatusView()
	return &view, nil
}

func (q *fakeQueue) HasActive(ctx context.Context, jobType models.JobType) (*models.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active[jobType], nil
}

func (q *fakeQueue) ProcessNext(ctx context.Context) (bool, error) {
	if q.err != nil {
		return false, q.err
	}
	return q.processed, nil
}

func (q *fakeQueue) Length(ctx context.Context) (int64, error) {
	return q.length, nil
}

type fakeHistory struct {
	rows []models.SyncHistory
	err  error
}

func (h *fakeHistory) Recent(ctx context.Context, limit int) ([]models.SyncHistory, error) {
	if h.err != nil {
		return nil, h.err
	}
	if limit < len(h.rows) {
		return h.rows[:limit], nil
	}
	return h.rows, nil
}

func newTestServer(queue JobQueue, history SyncHistory) *Server {
	return NewServer(&ServerConfig{
		Host:         "127.0.0.1",
		Port:         "0",
		Token:        testToken,
		RecentWindow: 5 * time.Minute,
	}, queue, history)
}

func doRequest(s *Server, method, target, body string, authorized bool) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if authorized {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

func TestHealth(t *testing.T) {
	s := newTestServer(newFakeQueue(), &fakeHistory{})

	w := doRequest(s, http.MethodGet, "/health", "", false)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decodeBody(t, w)["status"])
}

func TestSync_RequiresToken(t *testing.T) {
	queue := newFakeQueue()
	s := newTestServer(queue, &fakeHistory{})

	w := doRequest(s, http.MethodPost, "/api/sync", "", false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, false, decodeBody(t, w)["success"])

	req := httptest.NewRequest(http.MethodPost, "/api/sync", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	assert.Empty(t, queue.enqueued)
}

func TestSync_QueryTokenAccepted(t *testing.T) {
	queue := newFakeQueue()
	s := newTestServer(queue, &fakeHistory{})

	w := doRequest(s, http.MethodPost, "/api/sync?token="+testToken, "", false)

	assert.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, queue.enqueued, 1)
}

func TestSync_Accepted(t *testing.T) {
	queue := newFakeQueue()
	s := newTestServer(queue, &fakeHistory{})

	w := doRequest(s, http.MethodPost, "/api/sync", "", true)

	require.Equal(t, http.StatusAccepted, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, true, body["success"])
	jobID, _ := body["jobId"].(string)
	assert.True(t, strings.HasPrefix(jobID, "sync-"))
	assert.Equal(t, "/api/job-status?jobId="+jobID, body["statusEndpoint"])
	require.Len(t, queue.enqueued, 1)
	assert.Equal(t, models.SyncParams{}, queue.enqueued[0])
}

func TestSync_BatchAndFanOutParams(t *testing.T) {
	queue := newFakeQueue()
	s := newTestServer(queue, &fakeHistory{})

	w := doRequest(s, http.MethodPost, "/api/sync", `{"type":"sync-batch","params":{"batchSize":3,"offset":6}}`, true)
	require.Equal(t, http.StatusAccepted, w.Code)

	w = doRequest(s, http.MethodPost, "/api/sync", `{"params":{"fanOut":true}}`, true)
	require.Equal(t, http.StatusAccepted, w.Code)

	require.Len(t, queue.enqueued, 2)
	assert.Equal(t, models.SyncBatchParams{BatchSize: 3, Offset: 6}, queue.enqueued[0])
	assert.Equal(t, models.SyncParams{FanOut: true}, queue.enqueued[1])
}

func TestSync_BadInput(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "malformed json", body: "{not json"},
		{name: "unknown field", body: `{"kind":"sync"}`},
		{name: "url_sync not allowed", body: `{"type":"url_sync","params":{"url":"https://x"}}`},
		{name: "unknown type", body: `{"type":"rebuild"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			queue := newFakeQueue()
			s := newTestServer(queue, &fakeHistory{})

			w := doRequest(s, http.MethodPost, "/api/sync", tt.body, true)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, apperrors.CodeInvalidInput, decodeBody(t, w)["code"])
			assert.Empty(t, queue.enqueued)
		})
	}
}

func TestSync_ConflictWithRecentHistory(t *testing.T) {
	queue := newFakeQueue()
	history := &fakeHistory{rows: []models.SyncHistory{{ID: 42, StartTime: time.Now().Add(-2 * time.Minute)}}}
	s := newTestServer(queue, history)

	w := doRequest(s, http.MethodPost, "/api/sync", "", true)

	require.Equal(t, http.StatusConflict, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "A sync was recently started", body["message"])
	assert.Equal(t, float64(42), body["syncId"])
	assert.Equal(t, apperrors.CodeConflict, body["code"])
	assert.Empty(t, queue.enqueued)
}

func TestSync_OldHistoryDoesNotConflict(t *testing.T) {
	queue := newFakeQueue()
	history := &fakeHistory{rows: []models.SyncHistory{{ID: 7, StartTime: time.Now().Add(-time.Hour)}}}
	s := newTestServer(queue, history)

	w := doRequest(s, http.MethodPost, "/api/sync", "", true)

	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestSync_ConflictWithActiveJob(t *testing.T) {
	queue := newFakeQueue()
	running := models.NewJob(models.SyncParams{}, time.Now())
	running.Status = models.JobProcessing
	queue.active[models.JobTypeSync] = running
	s := newTestServer(queue, &fakeHistory{})

	w := doRequest(s, http.MethodPost, "/api/sync", "", true)

	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, running.ID, decodeBody(t, w)["jobId"])
	assert.Empty(t, queue.enqueued)
}

func TestSync_HistoryFailure(t *testing.T) {
	s := newTestServer(newFakeQueue(), &fakeHistory{err: apperrors.NewDatabaseError("recent", errors.New("down"))})

	w := doRequest(s, http.MethodPost, "/api/sync", "", true)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, false, body["success"])
	assert.NotEmpty(t, body["error"])
}

func TestSync_WrongMethod(t *testing.T) {
	tests := []struct {
		method string
		target string
	}{
		{http.MethodGet, "/api/sync"},
		{http.MethodGet, "/api/worker"},
		{http.MethodPost, "/api/job-status?jobId=x"},
		{http.MethodDelete, "/api/sync-history"},
		{http.MethodPost, "/health"},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.target, func(t *testing.T) {
			queue := newFakeQueue()
			s := newTestServer(queue, &fakeHistory{})

			w := doRequest(s, tt.method, tt.target, "", true)

			assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
			assert.Equal(t, apperrors.CodeMethodNotAllowed, decodeBody(t, w)["code"])
			assert.Empty(t, queue.enqueued)
		})
	}
}

func TestAPI_UnknownRouteIsNotFound(t *testing.T) {
	s := newTestServer(newFakeQueue(), &fakeHistory{})

	w := doRequest(s, http.MethodGet, "/api/nope", "", true)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, apperrors.CodeNotFound, decodeBody(t, w)["code"])
}

func TestWorker(t *testing.T) {
	queue := newFakeQueue()
	queue.processed = true
	queue.length = 3
	s := newTestServer(queue, &fakeHistory{})

	w := doRequest(s, http.MethodPost, "/api/worker", "", true)

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, true, body["processed"])
	assert.Equal(t, float64(3), body["remaining"])
}

func TestWorker_EmptyQueue(t *testing.T) {
	s := newTestServer(newFakeQueue(), &fakeHistory{})

	w := doRequest(s, http.MethodPost, "/api/worker", "", true)

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, false, body["processed"])
	assert.Equal(t, "Queue is empty", body["message"])
}

func TestWorker_QueueError(t *testing.T) {
	queue := newFakeQueue()
	queue.err = apperrors.NewQueueError("dequeue job", errors.New("connection refused"))
	s := newTestServer(queue, &fakeHistory{})

	w := doRequest(s, http.MethodPost, "/api/worker", "", true)

	assert.GreaterOrEqual(t, w.Code, http.StatusInternalServerError)
	assert.Equal(t, false, decodeBody(t, w)["success"])
}

func TestJobStatus(t *testing.T) {
	queue := newFakeQueue()
	job, err := queue.Enqueue(context.Background(), models.SyncParams{})
	require.NoError(t, err)
	s := newTestServer(queue, &fakeHistory{})

	w := doRequest(s, http.MethodGet, "/api/job-status?jobId="+job.ID, "", true)

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	view, ok := body["job"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, job.ID, view["id"])
	assert.Equal(t, "sync", view["type"])
	assert.Equal(t, "pending", view["status"])
}

func TestJobStatus_MissingID(t *testing.T) {
	s := newTestServer(newFakeQueue(), &fakeHistory{})

	w := doRequest(s, http.MethodGet, "/api/job-status", "", true)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestJobStatus_UnknownJob(t *testing.T) {
	s := newTestServer(newFakeQueue(), &fakeHistory{})

	w := doRequest(s, http.MethodGet, "/api/job-status?jobId=sync-1-missing", "", true)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, false, decodeBody(t, w)["success"])
}

func TestSyncHistory(t *testing.T) {
	history := &fakeHistory{rows: []models.SyncHistory{
		{ID: 2, Status: models.SyncSuccess},
		{ID: 1, Status: models.SyncFailure},
	}}
	s := newTestServer(newFakeQueue(), history)

	w := doRequest(s, http.MethodGet, "/api/sync-history?limit=1", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	rows, ok := decodeBody(t, w)["history"].([]interface{})
	require.True(t, ok)
	assert.Len(t, rows, 1)

	w = doRequest(s, http.MethodGet, "/api/sync-history?limit=abc", "", true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUnknownRoute(t *testing.T) {
	s := newTestServer(newFakeQueue(), &fakeHistory{})

	w := doRequest(s, http.MethodGet, "/nope", "", false)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMetricsRoute(t *testing.T) {
	s := newTestServer(newFakeQueue(), &fakeHistory{})
	doRequest(s, http.MethodGet, "/health", "", false)

	w := doRequest(s, http.MethodGet, "/metrics", "", false)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "http_requests_total")
}
