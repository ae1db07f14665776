package api

import (
	"net/http"
	"strconv"

	apperrors "github.com/campaign-sync/internal/errors"
	"github.com/campaign-sync/internal/logging"
	"github.com/campaign-sync/internal/models"
)

// SyncRequest is the optional body of POST /api/sync
type SyncRequest struct {
	Type   string                 `json:"type,omitempty"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// SyncAccepted is returned once the job is queued
type SyncAccepted struct {
	Success        bool   `json:"success"`
	Message        string `json:"message"`
	JobID          string `json:"jobId"`
	StatusEndpoint string `json:"statusEndpoint"`
}

// SyncConflict is returned while another pass is recent or still queued
type SyncConflict struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Code    string `json:"code"`
	SyncID  int64  `json:"syncId,omitempty"`
	JobID   string `json:"jobId,omitempty"`
}

// handleSync queues a pass and returns immediately
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)

	var req SyncRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	jobType := models.JobTypeSync
	if req.Type != "" {
		jobType = models.JobType(req.Type)
	}
	if jobType != models.JobTypeSync && jobType != models.JobTypeSyncBatch {
		respondError(w, r, apperrors.NewInvalidParameterError("type", "must be sync or sync-batch"))
		return
	}
	params, err := models.ParseJobParams(jobType, req.Params)
	if err != nil {
		respondError(w, r, apperrors.NewInvalidParameterError("params", err.Error()))
		return
	}

	if conflict, err := s.conflictingSync(r); err != nil {
		respondError(w, r, err)
		return
	} else if conflict != nil {
		logger.WithFields(map[string]interface{}{
			"syncId": conflict.SyncID,
			"jobId":  conflict.JobID,
		}).Info("Sync request rejected, another sync is in progress")
		respondJSON(w, http.StatusConflict, conflict)
		return
	}

	job, err := s.queue.Enqueue(ctx, params)
	if err != nil {
		respondError(w, r, err)
		return
	}

	respondJSON(w, http.StatusAccepted, SyncAccepted{
		Success:        true,
		Message:        "Sync job queued",
		JobID:          job.ID,
		StatusEndpoint: "/api/job-status?jobId=" + job.ID,
	})
}

// conflictingSync returns a conflict body when a pass started within the recent
// window or a sync job is still pending or processing
func (s *Server) conflictingSync(r *http.Request) (*SyncConflict, error) {
	ctx := r.Context()

	if s.history != nil && s.config.RecentWindow > 0 {
		recent, err := s.history.Recent(ctx, 1)
		if err != nil {
			return nil, err
		}
		if len(recent) > 0 && s.now().Sub(recent[0].StartTime) < s.config.RecentWindow {
			return &SyncConflict{
				Success: false,
				Message: "A sync was recently started",
				Code:    apperrors.CodeConflict,
				SyncID:  recent[0].ID,
			}, nil
		}
	}

	for _, jobType := range []models.JobType{models.JobTypeSync, models.JobTypeSyncBatch} {
		active, err := s.queue.HasActive(ctx, jobType)
		if err != nil {
			return nil, err
		}
		if active != nil {
			return &SyncConflict{
				Success: false,
				Message: "A sync job is already " + string(active.Status),
				Code:    apperrors.CodeConflict,
				JobID:   active.ID,
			}, nil
		}
	}
	return nil, nil
}

// handleWorker advances the queue by exactly one job
func (s *Server) handleWorker(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	processed, err := s.queue.ProcessNext(ctx)
	if err != nil {
		respondError(w, r, err)
		return
	}
	remaining, err := s.queue.Length(ctx)
	if err != nil {
		respondError(w, r, err)
		return
	}

	message := "Worker processed next job"
	if !processed {
		message = "Queue is empty"
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"message":   message,
		"processed": processed,
		"remaining": remaining,
	})
}

// handleJobStatus returns the public view of one job
func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("jobId")
	if jobID == "" {
		respondError(w, r, apperrors.NewInvalidParameterError("jobId", "is required"))
		return
	}

	view, err := s.queue.GetJobStatus(r.Context(), jobID)
	if err != nil {
		respondError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"job":     view,
	})
}

// handleSyncHistory lists the latest passes, newest first
func (s *Server) handleSyncHistory(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 100 {
			respondError(w, r, apperrors.NewInvalidParameterError("limit", "must be between 1 and 100"))
			return
		}
		limit = n
	}
	if s.history == nil {
		respondError(w, r, apperrors.NewServiceUnavailableError("sync history"))
		return
	}

	history, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		respondError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"history": history,
	})
}
