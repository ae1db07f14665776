package storage

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campaign-sync/internal/models"
)

func TestRecord_ReturnsID(t *testing.T) {
	mock := newMockPool(t)
	repo := NewSyncHistoryRepository(mock)

	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	results := models.NewSyncResults(start)
	results.Processed = 2
	results.Added = 1
	results.Skipped = 1
	results.Finish(start.Add(90 * time.Second))
	h := models.HistoryFromResults(results, results.Status())

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO sync_history")).
		WithArgs(
			start, start.Add(90*time.Second), int64(90000), "success",
			2, 1, 0, 0, 0, 1, "[]",
		).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(7)))

	id, err := repo.Record(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecord_DatabaseError(t *testing.T) {
	mock := newMockPool(t)
	repo := NewSyncHistoryRepository(mock)

	args := make([]interface{}, 11)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO sync_history")).
		WithArgs(args...).
		WillReturnError(errors.New("disk full"))

	_, err := repo.Record(context.Background(), models.SyncHistory{Status: models.SyncFailure})
	assert.Error(t, err)
}

func TestLatestStart_NoRows(t *testing.T) {
	mock := newMockPool(t)
	repo := NewSyncHistoryRepository(mock)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT start_time FROM sync_history")).
		WillReturnError(pgx.ErrNoRows)

	got, err := repo.LatestStart(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestHoursSinceLastSuccess(t *testing.T) {
	mock := newMockPool(t)
	repo := NewSyncHistoryRepository(mock)

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE status = 'success'")).
		WillReturnRows(pgxmock.NewRows([]string{"end_time"}).AddRow(now.Add(-3 * time.Hour)))

	hours, err := repo.HoursSinceLastSuccess(context.Background(), now)
	require.NoError(t, err)
	require.NotNil(t, hours)
	assert.InDelta(t, 3.0, *hours, 0.001)
}

func TestHoursSinceLastSuccess_NeverSucceeded(t *testing.T) {
	mock := newMockPool(t)
	repo := NewSyncHistoryRepository(mock)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE status = 'success'")).
		WillReturnError(pgx.ErrNoRows)

	hours, err := repo.HoursSinceLastSuccess(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Nil(t, hours)
}

func TestRecent_DecodesErrorDetails(t *testing.T) {
	mock := newMockPool(t)
	repo := NewSyncHistoryRepository(mock)

	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	details := []byte(`[{"type":"INSERT_ERROR","message":"boom","timestamp":"2025-03-01T12:00:01Z"}]`)
	mock.ExpectQuery(regexp.QuoteMeta("FROM sync_history")).
		WithArgs(5).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "start_time", "end_time", "duration_ms", "status",
			"campaigns_processed", "campaigns_added",
			"distributions_added", "distributions_updated",
			"errors", "skipped", "error_details",
		}).AddRow(
			int64(3), start, start.Add(time.Minute), int64(60000), "partial_success",
			4, 3, 6, 0, 1, 0, details,
		))

	history, err := repo.Recent(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.SyncPartialSuccess, history[0].Status)
	require.Len(t, history[0].ErrorDetails, 1)
	assert.Equal(t, "INSERT_ERROR", history[0].ErrorDetails[0].Type)
}
