package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/campaign-sync/internal/errors"
	"github.com/campaign-sync/internal/models"
)

// SyncHistoryRepository handles sync_history persistence
type SyncHistoryRepository struct {
	db Querier
}

// NewSyncHistoryRepository creates a new sync history repository
func NewSyncHistoryRepository(db Querier) *SyncHistoryRepository {
	return &SyncHistoryRepository{db: db}
}

// Record appends one finished pass and returns its id
func (r *SyncHistoryRepository) Record(ctx context.Context, h models.SyncHistory) (int64, error) {
	details := h.ErrorDetails
	if details == nil {
		details = []models.ErrorDetail{}
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return 0, fmt.Errorf("marshal error details: %w", err)
	}

	query := `
		INSERT INTO sync_history (
			start_time, end_time, duration_ms, status,
			campaigns_processed, campaigns_added,
			distributions_added, distributions_updated,
			errors, skipped, error_details
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::jsonb)
		RETURNING id
	`

	var id int64
	err = r.db.QueryRow(ctx, query,
		h.StartTime,
		h.EndTime,
		h.DurationMS,
		string(h.Status),
		h.CampaignsProcessed,
		h.CampaignsAdded,
		h.DistributionsAdded,
		h.DistributionsUpdated,
		h.Errors,
		h.Skipped,
		string(detailsJSON),
	).Scan(&id)
	if err != nil {
		return 0, apperrors.NewDatabaseError("record sync history", err)
	}
	return id, nil
}

// LatestStart returns the start time of the most recent pass, or nil when none exists
func (r *SyncHistoryRepository) LatestStart(ctx context.Context) (*time.Time, error) {
	query := `SELECT start_time FROM sync_history ORDER BY start_time DESC LIMIT 1`
	return r.queryTime(ctx, query, "latest sync start")
}

// LastSuccessAt returns the end time of the most recent successful pass, or nil
func (r *SyncHistoryRepository) LastSuccessAt(ctx context.Context) (*time.Time, error) {
	query := `
		SELECT end_time FROM sync_history
		WHERE status = 'success'
		ORDER BY end_time DESC
		LIMIT 1
	`
	return r.queryTime(ctx, query, "last successful sync")
}

// HoursSinceLastSuccess returns nil when no pass has ever succeeded
func (r *SyncHistoryRepository) HoursSinceLastSuccess(ctx context.Context, now time.Time) (*float64, error) {
	last, err := r.LastSuccessAt(ctx)
	if err != nil || last == nil {
		return nil, err
	}
	hours := now.Sub(*last).Hours()
	return &hours, nil
}

func (r *SyncHistoryRepository) queryTime(ctx context.Context, query, op string) (*time.Time, error) {
	var t time.Time
	err := r.db.QueryRow(ctx, query).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError(op, err)
	}
	return &t, nil
}

// Recent returns the latest passes, newest first
func (r *SyncHistoryRepository) Recent(ctx context.Context, limit int) ([]models.SyncHistory, error) {
	if limit <= 0 {
		limit = 10
	}
	query := `
		SELECT id, start_time, end_time, duration_ms, status,
			   campaigns_processed, campaigns_added,
			   distributions_added, distributions_updated,
			   errors, skipped, error_details
		FROM sync_history
		ORDER BY start_time DESC
		LIMIT $1
	`

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, apperrors.NewDatabaseError("recent sync history", err)
	}
	defer rows.Close()

	history := []models.SyncHistory{}
	for rows.Next() {
		var (
			h       models.SyncHistory
			status  string
			details []byte
		)
		if err := rows.Scan(
			&h.ID,
			&h.StartTime,
			&h.EndTime,
			&h.DurationMS,
			&status,
			&h.CampaignsProcessed,
			&h.CampaignsAdded,
			&h.DistributionsAdded,
			&h.DistributionsUpdated,
			&h.Errors,
			&h.Skipped,
			&details,
		); err != nil {
			return nil, apperrors.NewDatabaseError("scan sync history", err)
		}
		h.Status = models.SyncStatus(status)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &h.ErrorDetails); err != nil {
				return nil, fmt.Errorf("decode error details for sync %d: %w", h.ID, err)
			}
		}
		history = append(history, h)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("iterate sync history", err)
	}
	return history, nil
}
