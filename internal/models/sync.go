package models

import (
	"time"
)

// SyncStatus is the terminal status of a sync pass
type SyncStatus string

const (
	SyncSuccess        SyncStatus = "success"
	SyncPartialSuccess SyncStatus = "partial_success"
	SyncFailure        SyncStatus = "failure"
)

// ErrorDetail is one entry of error_details
type ErrorDetail struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// SyncResults accumulates counters during one pass. Counters only grow.
type SyncResults struct {
	Processed            int           `json:"processed"`
	Added                int           `json:"added"`
	Errors               int           `json:"errors"`
	Skipped              int           `json:"skipped"`
	DistributionsAdded   int           `json:"distributions_added"`
	DistributionsUpdated int           `json:"distributions_updated"`
	StartTime            time.Time     `json:"start_time"`
	EndTime              time.Time     `json:"end_time"`
	DurationMS           int64         `json:"duration_ms"`
	Total                int           `json:"total"`
	ErrorDetails         []ErrorDetail `json:"error_details"`
}

// NewSyncResults starts an empty accumulator
func NewSyncResults(start time.Time) *SyncResults {
	return &SyncResults{StartTime: start, ErrorDetails: []ErrorDetail{}}
}

// AddError counts an error and records its detail
func (r *SyncResults) AddError(errType, message string, at time.Time) {
	r.Errors++
	r.AddDetail(errType, message, at)
}

// AddDetail records a detail without touching the error counter
func (r *SyncResults) AddDetail(errType, message string, at time.Time) {
	r.ErrorDetails = append(r.ErrorDetails, ErrorDetail{Type: errType, Message: message, Timestamp: at})
}

// Merge folds another pass (or child job) into r
func (r *SyncResults) Merge(other *SyncResults) {
	if other == nil {
		return
	}
	r.Processed += other.Processed
	r.Added += other.Added
	r.Errors += other.Errors
	r.Skipped += other.Skipped
	r.DistributionsAdded += other.DistributionsAdded
	r.DistributionsUpdated += other.DistributionsUpdated
	r.ErrorDetails = append(r.ErrorDetails, other.ErrorDetails...)
}

// Finish stamps end time and duration
func (r *SyncResults) Finish(end time.Time) {
	r.EndTime = end
	r.DurationMS = end.Sub(r.StartTime).Milliseconds()
}

// Status derives the pass status from the counters
func (r *SyncResults) Status() SyncStatus {
	return DeriveStatus(r.Errors, r.Processed)
}

// DeriveStatus: no errors is success, errors with progress is partial, otherwise failure
func DeriveStatus(errors, processed int) SyncStatus {
	switch {
	case errors == 0:
		return SyncSuccess
	case processed > 0:
		return SyncPartialSuccess
	default:
		return SyncFailure
	}
}

// SyncHistory is one sync_history row
type SyncHistory struct {
	ID                   int64         `json:"id" db:"id"`
	StartTime            time.Time     `json:"start_time" db:"start_time"`
	EndTime              time.Time     `json:"end_time" db:"end_time"`
	DurationMS           int64         `json:"duration_ms" db:"duration_ms"`
	Status               SyncStatus    `json:"status" db:"status"`
	CampaignsProcessed   int           `json:"campaigns_processed" db:"campaigns_processed"`
	CampaignsAdded       int           `json:"campaigns_added" db:"campaigns_added"`
	DistributionsAdded   int           `json:"distributions_added" db:"distributions_added"`
	DistributionsUpdated int           `json:"distributions_updated" db:"distributions_updated"`
	Errors               int           `json:"errors" db:"errors"`
	Skipped              int           `json:"skipped" db:"skipped"`
	ErrorDetails         []ErrorDetail `json:"error_details" db:"error_details"`
}

// HistoryFromResults builds the row recorded at pass end
func HistoryFromResults(r *SyncResults, status SyncStatus) SyncHistory {
	details := r.ErrorDetails
	if details == nil {
		details = []ErrorDetail{}
	}
	return SyncHistory{
		StartTime:            r.StartTime,
		EndTime:              r.EndTime,
		DurationMS:           r.DurationMS,
		Status:               status,
		CampaignsProcessed:   r.Processed,
		CampaignsAdded:       r.Added,
		DistributionsAdded:   r.DistributionsAdded,
		DistributionsUpdated: r.DistributionsUpdated,
		Errors:               r.Errors,
		Skipped:              r.Skipped,
		ErrorDetails:         details,
	}
}
