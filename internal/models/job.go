package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobType selects which engine entry point a job runs
type JobType string

const (
	JobTypeSync      JobType = "sync"
	JobTypeSyncBatch JobType = "sync-batch"
	JobTypeURLSync   JobType = "url_sync"
)

// JobStatus is the queue-level lifecycle of a job
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether no further processing will happen
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// JobParams is the tagged payload of a job; the concrete type always matches Job.Type
type JobParams interface {
	JobType() JobType
}

// SyncParams runs a full pass, or fans out one url_sync child per missing URL
type SyncParams struct {
	FanOut bool `json:"fanOut,omitempty"`
}

func (SyncParams) JobType() JobType { return JobTypeSync }

// SyncBatchParams runs one slice of the missing set
type SyncBatchParams struct {
	BatchSize int `json:"batchSize"`
	Offset    int `json:"offset"`
}

func (SyncBatchParams) JobType() JobType { return JobTypeSyncBatch }

// URLSyncParams extracts and persists a single campaign page for a fan-out parent
type URLSyncParams struct {
	URL      string `json:"url"`
	ParentID string `json:"parentId,omitempty"`
}

func (URLSyncParams) JobType() JobType { return JobTypeURLSync }

// Job is the record stored under job:<id>
type Job struct {
	ID        string       `json:"id"`
	Type      JobType      `json:"type"`
	Params    JobParams    `json:"params"`
	Status    JobStatus    `json:"status"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
	Attempts  int          `json:"attempts"`
	Error     string       `json:"error,omitempty"`
	Results   *SyncResults `json:"results,omitempty"`
	// Version increments on every write; writers compare it before committing
	Version int64 `json:"version"`

	// fan-out parents only
	URLsTotal        int      `json:"urls_total,omitempty"`
	URLsProcessed    int      `json:"urls_processed,omitempty"`
	AwaitingChildren bool     `json:"awaitingChildren,omitempty"`
	ChildIDs         []string `json:"childIds,omitempty"`
}

// NewJobID returns an id shaped type-timestampMillis-random
func NewJobID(jobType JobType, now time.Time) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("%s-%d-%s", jobType, now.UnixMilli(), random)
}

// NewJob builds a pending job for params
func NewJob(params JobParams, now time.Time) *Job {
	return &Job{
		ID:        NewJobID(params.JobType(), now),
		Type:      params.JobType(),
		Params:    params,
		Status:    JobPending,
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
	}
}

type jobAlias Job

type jobWire struct {
	*jobAlias
	Params json.RawMessage `json:"params"`
}

// MarshalJSON encodes params as a plain object next to the type tag
func (j Job) MarshalJSON() ([]byte, error) {
	raw := json.RawMessage("{}")
	if j.Params != nil {
		if j.Params.JobType() != j.Type {
			return nil, fmt.Errorf("job %s: params for %s on %s job", j.ID, j.Params.JobType(), j.Type)
		}
		b, err := json.Marshal(j.Params)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	alias := jobAlias(j)
	return json.Marshal(jobWire{jobAlias: &alias, Params: raw})
}

// UnmarshalJSON decodes params according to the type tag
func (j *Job) UnmarshalJSON(data []byte) error {
	wire := jobWire{jobAlias: (*jobAlias)(j)}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	params, err := decodeParams(j.Type, wire.Params)
	if err != nil {
		return fmt.Errorf("job %s: %w", j.ID, err)
	}
	j.Params = params
	return nil
}

func decodeParams(jobType JobType, raw json.RawMessage) (JobParams, error) {
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	switch jobType {
	case JobTypeSync:
		var p SyncParams
		err := json.Unmarshal(raw, &p)
		return p, err
	case JobTypeSyncBatch:
		var p SyncBatchParams
		err := json.Unmarshal(raw, &p)
		return p, err
	case JobTypeURLSync:
		var p URLSyncParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		if p.URL == "" {
			return nil, fmt.Errorf("url_sync job without url")
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown job type %q", jobType)
	}
}

// ParseJobParams builds typed params from a loose map, used by the HTTP and CLI boundaries
func ParseJobParams(jobType JobType, raw map[string]interface{}) (JobParams, error) {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	return decodeParams(jobType, b)
}

// JobStatusView is the public shape returned by status lookups
type JobStatusView struct {
	ID            string    `json:"id"`
	Type          JobType   `json:"type"`
	Status        JobStatus `json:"status"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
	Error         string    `json:"error,omitempty"`
	URLsTotal     int       `json:"urls_total,omitempty"`
	URLsProcessed int       `json:"urls_processed,omitempty"`
}

// StatusView projects the job for callers
func (j *Job) StatusView() JobStatusView {
	return JobStatusView{
		ID:            j.ID,
		Type:          j.Type,
		Status:        j.Status,
		CreatedAt:     j.CreatedAt,
		UpdatedAt:     j.UpdatedAt,
		Error:         j.Error,
		URLsTotal:     j.URLsTotal,
		URLsProcessed: j.URLsProcessed,
	}
}
