// Package worker runs the polling loop that drains the job queue.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/campaign-sync/internal/logging"
)

// JobProcessor drains queued jobs. *job.Queue satisfies it.
type JobProcessor interface {
	Drain(ctx context.Context, max int) (int, error)
}

// QueueWorker polls the job queue on a fixed interval
type QueueWorker struct {
	queue        JobProcessor
	pollInterval time.Duration
	maxPerPoll   int

	mu           sync.RWMutex
	running      bool
	stopCh       chan struct{}
	doneCh       chan struct{}
	lastPollTime time.Time
	jobsRun      int64
	lastErr      error
}

// QueueWorkerConfig holds configuration for a queue worker
type QueueWorkerConfig struct {
	Queue        JobProcessor
	PollInterval time.Duration
	// MaxJobsPerPoll bounds one drain cycle; 0 drains until the queue is empty
	MaxJobsPerPoll int
}

// QueueWorkerStatus is a snapshot for health output
type QueueWorkerStatus struct {
	Running      bool      `json:"running"`
	LastPollTime time.Time `json:"lastPollTime"`
	JobsRun      int64     `json:"jobsRun"`
	LastError    string    `json:"lastError,omitempty"`
	PollInterval string    `json:"pollInterval"`
}

// NewQueueWorker creates a new queue worker
func NewQueueWorker(cfg QueueWorkerConfig) (*QueueWorker, error) {
	if cfg.Queue == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}

	// Default poll interval: 15 seconds
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 15 * time.Second
	}

	return &QueueWorker{
		queue:        cfg.Queue,
		pollInterval: pollInterval,
		maxPerPoll:   cfg.MaxJobsPerPoll,
	}, nil
}

// Start runs one drain immediately, then one per poll interval, until Stop or ctx is done
func (w *QueueWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("queue worker is already running")
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.mu.Unlock()

	logging.FromContext(ctx).WithField("pollInterval", w.pollInterval.String()).Info("Starting queue worker")

	go w.pollLoop(ctx)
	return nil
}

// Stop signals the loop and waits for the in-flight drain to finish
func (w *QueueWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return fmt.Errorf("queue worker is not running")
	}
	stopCh, doneCh := w.stopCh, w.doneCh
	w.mu.Unlock()

	close(stopCh)

	select {
	case <-doneCh:
		logging.FromContext(ctx).Info("Queue worker stopped gracefully")
	case <-ctx.Done():
		return ctx.Err()
	}

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
	return nil
}

// IsRunning reports whether the loop is active
func (w *QueueWorker) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

// GetStatus returns the current worker status
func (w *QueueWorker) GetStatus() *QueueWorkerStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()

	status := &QueueWorkerStatus{
		Running:      w.running,
		LastPollTime: w.lastPollTime,
		JobsRun:      w.jobsRun,
		PollInterval: w.pollInterval.String(),
	}
	if w.lastErr != nil {
		status.LastError = w.lastErr.Error()
	}
	return status
}

func (w *QueueWorker) pollLoop(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

// poll drains the queue once. Errors are logged; the loop keeps going.
func (w *QueueWorker) poll(ctx context.Context) {
	n, err := w.queue.Drain(ctx, w.maxPerPoll)

	w.mu.Lock()
	w.lastPollTime = time.Now()
	w.jobsRun += int64(n)
	w.lastErr = err
	w.mu.Unlock()

	logger := logging.FromContext(ctx)
	if err != nil && ctx.Err() == nil {
		logger.WithError(err).Error("Queue drain failed")
		return
	}
	if n > 0 {
		logger.WithField("jobs", n).Info("Queue drained")
	}
}
