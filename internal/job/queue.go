// Package job implements the durable Redis job queue that drives sync passes.
package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/campaign-sync/internal/config"
	apperrors "github.com/campaign-sync/internal/errors"
	"github.com/campaign-sync/internal/logging"
	"github.com/campaign-sync/internal/metrics"
	"github.com/campaign-sync/internal/models"
	"github.com/campaign-sync/internal/retry"
	"github.com/campaign-sync/internal/service"
)

// Engine is the part of the sync engine the queue dispatches to
type Engine interface {
	Sync(ctx context.Context) (*models.SyncResults, error)
	SyncBatch(ctx context.Context, batchSize, offset int) (*service.BatchOutcome, error)
	SyncURL(ctx context.Context, url string) (*models.SyncResults, error)
	MissingURLs(ctx context.Context) ([]string, error)
	Finalize(ctx context.Context, results *models.SyncResults) models.SyncStatus
	NotifyFailure(ctx context.Context, results *models.SyncResults)
}

// Options configures a Queue
type Options struct {
	KeyPrefix         string
	MaxAttempts       int
	ProcessingTimeout time.Duration
	JobTTL            time.Duration
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	// ChildrenTimeout bounds how long a fan-out parent waits without child progress
	ChildrenTimeout time.Duration
}

// OptionsFromConfig maps the queue config section
func OptionsFromConfig(cfg config.QueueConfig) Options {
	return Options{
		KeyPrefix:         cfg.KeyPrefix,
		MaxAttempts:       cfg.MaxAttempts,
		ProcessingTimeout: cfg.ProcessingTimeout,
		JobTTL:            cfg.JobTTL,
		RetryBaseDelay:    cfg.RetryBaseDelay,
		RetryMaxDelay:     cfg.RetryMaxDelay,
		ChildrenTimeout:   cfg.ChildrenTimeout,
	}
}

// Queue stores jobs as JSON records with a TTL and orders them with a Redis list.
//
// Keys, under the configured prefix:
//
//	job:<id>     the job record
//	job_queue    FIFO of pending ids (LPUSH, RPOP)
//	job_delayed  sorted set of ids waiting out a retry delay, scored by due time
//	jobs         ids of every non-terminal job, scanned for stuck work
type Queue struct {
	client redis.UniversalClient
	engine Engine
	opts   Options
	policy retry.Policy
	now    func() time.Time
}

// NewQueue creates a queue. engine may be nil for enqueue-only callers.
func NewQueue(client redis.UniversalClient, engine Engine, opts Options) *Queue {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "gfm"
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.ProcessingTimeout <= 0 {
		opts.ProcessingTimeout = 5 * time.Minute
	}
	if opts.JobTTL <= 0 {
		opts.JobTTL = 7 * 24 * time.Hour
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 30 * time.Second
	}
	if opts.RetryMaxDelay <= 0 {
		opts.RetryMaxDelay = 10 * time.Minute
	}
	if opts.ChildrenTimeout <= 0 {
		opts.ChildrenTimeout = 6 * opts.ProcessingTimeout
	}
	return &Queue{
		client: client,
		engine: engine,
		opts:   opts,
		policy: retry.ExponentialPolicy(opts.MaxAttempts, opts.RetryBaseDelay, opts.RetryMaxDelay),
		now:    time.Now,
	}
}

func (q *Queue) jobKey(id string) string { return q.opts.KeyPrefix + ":job:" + id }
func (q *Queue) listKey() string         { return q.opts.KeyPrefix + ":job_queue" }
func (q *Queue) delayedKey() string      { return q.opts.KeyPrefix + ":job_delayed" }
func (q *Queue) indexKey() string        { return q.opts.KeyPrefix + ":jobs" }

// Enqueue stores a pending job and pushes it onto the queue. It does not wait for processing.
func (q *Queue) Enqueue(ctx context.Context, params models.JobParams) (*models.Job, error) {
	job := models.NewJob(params, q.now())
	data, err := json.Marshal(job)
	if err != nil {
		return nil, apperrors.NewQueueError("encode job", err)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, q.jobKey(job.ID), data, q.opts.JobTTL)
		pipe.SAdd(ctx, q.indexKey(), job.ID)
		pipe.LPush(ctx, q.listKey(), job.ID)
		return nil
	})
	if err != nil {
		return nil, apperrors.NewQueueError("enqueue job", err)
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"jobId":   job.ID,
		"jobType": string(job.Type),
	}).Info("Job enqueued")
	metrics.ObserveJob(string(job.Type), "enqueued")
	return job, nil
}

// GetJob returns the stored job, or apperrors.ErrJobNotFound when it is unknown or expired
func (q *Queue) GetJob(ctx context.Context, id string) (*models.Job, error) {
	data, err := q.client.Get(ctx, q.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, apperrors.ErrJobNotFound
	}
	if err != nil {
		return nil, apperrors.NewQueueError("get job", err)
	}
	return decodeJob(id, data)
}

// GetJobStatus returns the public status view of a job
func (q *Queue) GetJobStatus(ctx context.Context, id string) (*models.JobStatusView, error) {
	job, err := q.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	view := job.StatusView()
	return &view, nil
}

// Length returns the number of ids waiting in the FIFO list
func (q *Queue) Length(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.listKey()).Result()
	if err != nil {
		return 0, apperrors.NewQueueError("queue length", err)
	}
	metrics.SetQueueLength(n)
	return n, nil
}

// DelayedLength returns the number of jobs waiting out a retry delay
func (q *Queue) DelayedLength(ctx context.Context) (int64, error) {
	n, err := q.client.ZCard(ctx, q.delayedKey()).Result()
	if err != nil {
		return 0, apperrors.NewQueueError("delayed length", err)
	}
	return n, nil
}

// HasActive returns a pending or processing job of the given type, or nil
func (q *Queue) HasActive(ctx context.Context, jobType models.JobType) (*models.Job, error) {
	ids, err := q.client.SMembers(ctx, q.indexKey()).Result()
	if err != nil {
		return nil, apperrors.NewQueueError("list jobs", err)
	}
	for _, id := range ids {
		job, err := q.GetJob(ctx, id)
		if err != nil {
			continue
		}
		if job.Type == jobType && !job.Status.Terminal() {
			return job, nil
		}
	}
	return nil, nil
}

func decodeJob(id string, data []byte) (*models.Job, error) {
	var job models.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, apperrors.NewQueueError("decode job "+id, err)
	}
	return &job, nil
}

// errSkip aborts an update without writing
var errSkip = errors.New("skip update")

const maxCASRetries = 10

// update applies mutate to the stored job under WATCH/MULTI. extra, when set,
// queues further commands in the same transaction. A concurrent writer makes
// the transaction fail and the whole read-modify-write is retried.
func (q *Queue) update(ctx context.Context, id string, mutate func(*models.Job) error, extra func(redis.Pipeliner, *models.Job)) (*models.Job, error) {
	key := q.jobKey(id)
	var updated *models.Job

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return apperrors.ErrJobNotFound
		}
		if err != nil {
			return err
		}
		job, err := decodeJob(id, data)
		if err != nil {
			return err
		}
		if err := mutate(job); err != nil {
			return err
		}
		job.Version++
		job.UpdatedAt = q.now().UTC()

		encoded, err := json.Marshal(job)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, q.opts.JobTTL)
			if extra != nil {
				extra(pipe, job)
			}
			return nil
		})
		if err == nil {
			updated = job
		}
		return err
	}

	for i := 0; i < maxCASRetries; i++ {
		err := q.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return updated, err
	}
	return nil, apperrors.NewQueueError("update job "+id, fmt.Errorf("too many concurrent writers"))
}

// ProcessNext recovers stuck jobs, promotes due retries, then claims and runs the
// oldest pending job. It returns false when the queue was empty. Job failures are
// handled here; the returned error only reports queue storage problems.
func (q *Queue) ProcessNext(ctx context.Context) (bool, error) {
	if q.engine == nil {
		return false, apperrors.NewQueueError("process job", fmt.Errorf("queue has no engine"))
	}
	if err := q.recoverStuck(ctx); err != nil {
		logging.FromContext(ctx).WithError(err).Warn("Stuck job scan failed")
	}
	if err := q.promoteDelayed(ctx); err != nil {
		logging.FromContext(ctx).WithError(err).Warn("Delayed job promotion failed")
	}

	id, err := q.client.RPop(ctx, q.listKey()).Result()
	if errors.Is(err, redis.Nil) {
		_, _ = q.Length(ctx)
		return false, nil
	}
	if err != nil {
		return false, apperrors.NewQueueError("dequeue job", err)
	}
	defer func() { _, _ = q.Length(ctx) }()

	logger := logging.FromContext(ctx).WithField("jobId", id)
	job, err := q.claim(ctx, id)
	switch {
	case errors.Is(err, errSkip):
		logger.Info("Job already claimed or finished, skipping")
		return true, nil
	case errors.Is(err, apperrors.ErrJobNotFound), apperrors.HasCode(err, apperrors.CodeQueueError):
		// expired or unreadable record: drop it, never crash the loop
		logger.WithError(err).Warn("Dropping unreadable job")
		q.client.SRem(ctx, q.indexKey(), id)
		q.client.Del(ctx, q.jobKey(id))
		metrics.ObserveJob("unknown", "dropped")
		return true, nil
	case err != nil:
		return true, apperrors.NewQueueError("claim job", err)
	}

	q.run(ctx, job)
	return true, nil
}

// Drain processes jobs until the queue is empty or max jobs ran (no limit when max <= 0)
func (q *Queue) Drain(ctx context.Context, max int) (int, error) {
	count := 0
	for max <= 0 || count < max {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		ok, err := q.ProcessNext(ctx)
		if err != nil {
			return count, err
		}
		if !ok {
			return count, nil
		}
		count++
	}
	return count, nil
}

// claim moves a pending job to processing and counts the attempt
func (q *Queue) claim(ctx context.Context, id string) (*models.Job, error) {
	return q.update(ctx, id, func(job *models.Job) error {
		if job.Status != models.JobPending {
			return errSkip
		}
		job.Status = models.JobProcessing
		job.Attempts++
		return nil
	}, nil)
}

func (q *Queue) run(ctx context.Context, job *models.Job) {
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"jobId":   job.ID,
		"jobType": string(job.Type),
		"attempt": job.Attempts,
	})
	ctx = logging.WithLogger(ctx, logger)
	logger.Info("Processing job")

	switch p := job.Params.(type) {
	case models.SyncParams:
		if p.FanOut {
			q.fanOut(ctx, job)
			return
		}
		results, err := q.engine.Sync(ctx)
		q.settle(ctx, job, results, err)

	case models.SyncBatchParams:
		out, err := q.engine.SyncBatch(ctx, p.BatchSize, p.Offset)
		var results *models.SyncResults
		if out != nil {
			results = out.Results
		}
		if q.settle(ctx, job, results, err) && out != nil && !out.Done {
			next := models.SyncBatchParams{BatchSize: p.BatchSize, Offset: out.NextOffset}
			if _, err := q.Enqueue(ctx, next); err != nil {
				logger.WithError(err).Error("Failed to schedule next batch")
			}
		}

	case models.URLSyncParams:
		results, err := q.engine.SyncURL(ctx, p.URL)
		q.settle(ctx, job, results, err)

	default:
		q.settle(ctx, job, nil, apperrors.NewQueueError("dispatch", fmt.Errorf("unsupported job type %q", job.Type)))
	}
}

// settle stores the outcome of a run and reports whether the job completed
func (q *Queue) settle(ctx context.Context, job *models.Job, results *models.SyncResults, runErr error) bool {
	if runErr != nil {
		q.fail(ctx, job, results, runErr.Error())
		return false
	}

	done, err := q.update(ctx, job.ID, func(j *models.Job) error {
		j.Status = models.JobCompleted
		j.Results = results
		j.Error = ""
		return nil
	}, func(pipe redis.Pipeliner, j *models.Job) {
		pipe.SRem(ctx, q.indexKey(), j.ID)
	})
	if err != nil {
		logging.FromContext(ctx).WithError(err).Error("Failed to mark job completed")
		return false
	}
	metrics.ObserveJob(string(job.Type), "completed")
	logging.FromContext(ctx).Info("Job completed")

	q.reportToParent(ctx, done)
	return true
}

// fail re-schedules the job after a backoff delay while attempts remain,
// otherwise marks it failed for good
func (q *Queue) fail(ctx context.Context, job *models.Job, results *models.SyncResults, reason string) {
	logger := logging.FromContext(ctx)

	var (
		retrying bool
		delay    time.Duration
	)
	updated, err := q.update(ctx, job.ID, func(j *models.Job) error {
		retrying = j.Attempts < q.opts.MaxAttempts
		j.Error = reason
		j.Results = results
		if retrying {
			delay = q.policy.DelayForAttempt(j.Attempts)
			j.Status = models.JobPending
		} else {
			j.Status = models.JobFailed
		}
		return nil
	}, func(pipe redis.Pipeliner, j *models.Job) {
		if retrying {
			due := q.now().Add(delay)
			pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(due.UnixMilli()), Member: j.ID})
		} else {
			pipe.SRem(ctx, q.indexKey(), j.ID)
		}
	})
	if err != nil {
		logger.WithError(err).Error("Failed to record job failure")
		return
	}

	if retrying {
		metrics.ObserveJob(string(updated.Type), "retried")
		logger.WithFields(map[string]interface{}{
			"delay": delay.String(),
			"error": reason,
		}).Warn("Job failed, retry scheduled")
		return
	}
	metrics.ObserveJob(string(updated.Type), "failed")
	logger.WithField("error", reason).Error("Job failed permanently")
	q.afterTerminalFailure(ctx, updated)
}

// promoteDelayed moves retries whose delay has elapsed back onto the FIFO list
func (q *Queue) promoteDelayed(ctx context.Context) error {
	ids, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(q.now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return err
	}
	for _, id := range ids {
		// only the caller that removes the member pushes it
		removed, err := q.client.ZRem(ctx, q.delayedKey(), id).Result()
		if err != nil {
			return err
		}
		if removed == 1 {
			if err := q.client.LPush(ctx, q.listKey(), id).Err(); err != nil {
				return err
			}
		}
	}
	return nil
}

// recoverStuck re-queues or fails jobs left in processing past the timeout
func (q *Queue) recoverStuck(ctx context.Context) error {
	ids, err := q.client.SMembers(ctx, q.indexKey()).Result()
	if err != nil {
		return err
	}
	logger := logging.FromContext(ctx)
	cutoff := q.now().Add(-q.opts.ProcessingTimeout)

	for _, id := range ids {
		job, err := q.GetJob(ctx, id)
		if errors.Is(err, apperrors.ErrJobNotFound) {
			q.client.SRem(ctx, q.indexKey(), id)
			continue
		}
		if err != nil {
			logger.WithError(err).WithField("jobId", id).Warn("Skipping unreadable job during stuck scan")
			continue
		}
		if job.Status.Terminal() {
			q.client.SRem(ctx, q.indexKey(), id)
			continue
		}
		if job.Status == models.JobProcessing && job.AwaitingChildren {
			q.checkParent(ctx, job)
			continue
		}
		if !isStuck(job, cutoff) {
			continue
		}

		var requeue bool
		reason := fmt.Sprintf("job stuck in processing for more than %s", q.opts.ProcessingTimeout)
		updated, err := q.update(ctx, id, func(j *models.Job) error {
			if !isStuck(j, cutoff) {
				return errSkip
			}
			requeue = j.Attempts < q.opts.MaxAttempts
			j.Error = reason
			if requeue {
				j.Status = models.JobPending
			} else {
				j.Status = models.JobFailed
			}
			return nil
		}, func(pipe redis.Pipeliner, j *models.Job) {
			if requeue {
				pipe.LPush(ctx, q.listKey(), j.ID)
			} else {
				pipe.SRem(ctx, q.indexKey(), j.ID)
			}
		})
		if errors.Is(err, errSkip) {
			continue
		}
		if err != nil {
			logger.WithError(err).WithField("jobId", id).Error("Failed to recover stuck job")
			continue
		}

		stuckLog := logger.WithFields(map[string]interface{}{
			"jobId":    id,
			"jobType":  string(updated.Type),
			"attempts": updated.Attempts,
		})
		if requeue {
			metrics.ObserveStuckJob("requeued")
			stuckLog.Warn("Re-queued stuck job")
			continue
		}
		metrics.ObserveStuckJob("failed")
		metrics.ObserveJob(string(updated.Type), "failed")
		stuckLog.Error("Stuck job failed permanently")
		q.afterTerminalFailure(ctx, updated)
	}
	return nil
}

// isStuck: fan-out parents legitimately sit in processing while children run
func isStuck(job *models.Job, cutoff time.Time) bool {
	return job.Status == models.JobProcessing && !job.AwaitingChildren && job.UpdatedAt.Before(cutoff)
}
