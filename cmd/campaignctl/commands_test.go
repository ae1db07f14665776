package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campaign-sync/internal/adapter"
	apperrors "github.com/campaign-sync/internal/errors"
	"github.com/campaign-sync/internal/models"
	"github.com/campaign-sync/internal/service"
)

type fakeEngine struct {
	syncResults *models.SyncResults
	batchCalls  [][2]int
	dryRun      *service.DryRunResult
	limit       int
}

func (e *fakeEngine) Sync(ctx context.Context) (*models.SyncResults, error) {
	return e.syncResults, nil
}

func (e *fakeEngine) SyncBatch(ctx context.Context, batchSize, offset int) (*service.BatchOutcome, error) {
	e.batchCalls = append(e.batchCalls, [2]int{batchSize, offset})
	return &service.BatchOutcome{Results: models.NewSyncResults(time.Now()), NextOffset: offset + batchSize}, nil
}

func (e *fakeEngine) RepairDistributions(ctx context.Context) (*models.SyncResults, error) {
	return models.NewSyncResults(time.Now()), nil
}

func (e *fakeEngine) Reconcile(ctx context.Context, limit int) (*service.DryRunResult, error) {
	e.limit = limit
	return e.dryRun, nil
}

type fakeQueue struct {
	enqueued []models.JobParams
	drainMax int
}

func (q *fakeQueue) Enqueue(ctx context.Context, params models.JobParams) (*models.Job, error) {
	q.enqueued = append(q.enqueued, params)
	return models.NewJob(params, time.Now()), nil
}

func (q *fakeQueue) GetJobStatus(ctx context.Context, id string) (*models.JobStatusView, error) {
	return nil, apperrors.ErrJobNotFound
}

func (q *fakeQueue) Length(ctx context.Context) (int64, error)        { return 4, nil }
func (q *fakeQueue) DelayedLength(ctx context.Context) (int64, error) { return 1, nil }

func (q *fakeQueue) Drain(ctx context.Context, max int) (int, error) {
	q.drainMax = max
	return 2, nil
}

type fakeHistory struct{ limit int }

func (h *fakeHistory) Recent(ctx context.Context, limit int) ([]models.SyncHistory, error) {
	h.limit = limit
	return []models.SyncHistory{{ID: 1, Status: models.SyncSuccess}}, nil
}

type fakeServices struct {
	urls    []string
	engine  *fakeEngine
	queue   *fakeQueue
	history *fakeHistory
	closed  bool
}

func (s *fakeServices) MapSite(ctx context.Context) ([]string, error) { return s.urls, nil }
func (s *fakeServices) Engine() Engine                                { return s.engine }
func (s *fakeServices) Queue() JobQueue                               { return s.queue }
func (s *fakeServices) History() HistoryReader                        { return s.history }
func (s *fakeServices) Close()                                        { s.closed = true }

func newFakeServices() *fakeServices {
	return &fakeServices{
		engine:  &fakeEngine{syncResults: models.NewSyncResults(time.Now())},
		queue:   &fakeQueue{},
		history: &fakeHistory{},
	}
}

func run(t *testing.T, services *fakeServices, args ...string) (string, error) {
	t.Helper()
	orig := newServices
	newServices = func(ctx context.Context) (Services, error) { return services, nil }
	t.Cleanup(func() { newServices = orig })

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestMapCmd(t *testing.T) {
	services := newFakeServices()
	services.urls = []string{
		"https://www.gofundmeme.io/campaigns/BBB",
		"https://www.gofundmeme.io/campaigns/AAA",
		"https://www.gofundmeme.io/about",
	}

	out, err := run(t, services, "map")
	require.NoError(t, err)

	var got struct {
		URLs      int      `json:"urls"`
		Addresses []string `json:"addresses"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, 3, got.URLs)
	assert.Equal(t, []string{"AAA", "BBB"}, got.Addresses)
	assert.True(t, services.closed)
}

func TestReconcileCmd_DryRun(t *testing.T) {
	services := newFakeServices()
	services.engine.dryRun = &service.DryRunResult{
		Missing: []string{"B", "C"},
		Failures: []adapter.ChunkFailure{{
			URLs: []string{"https://x/campaigns/C"},
			Err:  apperrors.NewExtractionTimeoutError("job-1", time.Minute),
		}},
	}

	out, err := run(t, services, "reconcile", "--limit", "2")
	require.NoError(t, err)
	assert.Equal(t, 2, services.engine.limit)
	assert.Contains(t, out, `"missing"`)
	assert.Contains(t, out, apperrors.CodeExtractionTimeout)
}

func TestSyncBatchCmd(t *testing.T) {
	services := newFakeServices()

	out, err := run(t, services, "sync-batch", "--size", "3", "--offset", "6")
	require.NoError(t, err)
	assert.Equal(t, [][2]int{{3, 6}}, services.engine.batchCalls)
	assert.Contains(t, out, `"next_offset": 9`)
}

func TestEnqueueCmd(t *testing.T) {
	services := newFakeServices()

	_, err := run(t, services, "enqueue", "--fan-out")
	require.NoError(t, err)
	_, err = run(t, services, "enqueue", "--type", "sync-batch", "--batch-size", "2", "--offset", "4")
	require.NoError(t, err)

	require.Len(t, services.queue.enqueued, 2)
	assert.Equal(t, models.SyncParams{FanOut: true}, services.queue.enqueued[0])
	assert.Equal(t, models.SyncBatchParams{BatchSize: 2, Offset: 4}, services.queue.enqueued[1])
}

func TestEnqueueCmd_RejectsURLSync(t *testing.T) {
	services := newFakeServices()

	_, err := run(t, services, "enqueue", "--type", "url_sync")

	require.Error(t, err)
	assert.Empty(t, services.queue.enqueued)
}

func TestStatusCmd_UnknownJob(t *testing.T) {
	_, err := run(t, newFakeServices(), "status", "sync-1-missing")

	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrJobNotFound))
}

func TestQueueLengthCmd(t *testing.T) {
	out, err := run(t, newFakeServices(), "queue-length")
	require.NoError(t, err)

	var got map[string]int64
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, int64(4), got["pending"])
	assert.Equal(t, int64(1), got["delayed"])
}

func TestDrainAndHistoryCmds(t *testing.T) {
	services := newFakeServices()

	out, err := run(t, services, "drain", "--max", "5")
	require.NoError(t, err)
	assert.Equal(t, 5, services.queue.drainMax)
	assert.Contains(t, out, `"processed": 2`)

	_, err = run(t, services, "history", "--limit", "3")
	require.NoError(t, err)
	assert.Equal(t, 3, services.history.limit)
}

func TestFactoryErrorIsReported(t *testing.T) {
	orig := newServices
	newServices = func(ctx context.Context) (Services, error) { return nil, errors.New("no redis") }
	t.Cleanup(func() { newServices = orig })

	root := newRootCmd()
	root.SetArgs([]string{"queue-length"})
	root.SetOut(&bytes.Buffer{})
	err := root.ExecuteContext(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "no redis")
}
