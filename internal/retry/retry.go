// Package retry holds the retry policy shared by extraction-chunk retries and
// job-level re-enqueue delays.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/campaign-sync/internal/logging"
)

// Policy configures retry behavior
type Policy struct {
	MaxAttempts  int           // Total attempts including the first call
	InitialDelay time.Duration // Delay before the second attempt
	MaxDelay     time.Duration // Cap on any single delay
	Multiplier   float64       // 1 gives a fixed delay
	Jitter       float64       // Randomization factor passed to backoff
	Retryable    func(error) bool
}

// FixedPolicy retries with the same delay between every attempt
func FixedPolicy(maxAttempts int, delay time.Duration) Policy {
	return Policy{
		MaxAttempts:  maxAttempts,
		InitialDelay: delay,
		MaxDelay:     delay,
		Multiplier:   1,
	}
}

// ExponentialPolicy doubles the delay each attempt up to maxDelay
func ExponentialPolicy(maxAttempts int, initial, maxDelay time.Duration) Policy {
	return Policy{
		MaxAttempts:  maxAttempts,
		InitialDelay: initial,
		MaxDelay:     maxDelay,
		Multiplier:   2,
	}
}

// WithRetryable returns a copy of the policy using pred to classify errors
func (p Policy) WithRetryable(pred func(error) bool) Policy {
	p.Retryable = pred
	return p
}

// DelayForAttempt returns the un-jittered delay after the given failed attempt (1-based)
func (p Policy) DelayForAttempt(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(p.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = p.Multiplier
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0 // bounded by attempts only

	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// RetryResult contains information about the retry operation
type RetryResult struct {
	Attempts      int           `json:"attempts"`
	Success       bool          `json:"success"`
	TotalDuration time.Duration `json:"totalDuration"`
	LastError     error         `json:"lastError,omitempty"`
}

// RetryFunc is a function that can be retried
type RetryFunc func(ctx context.Context, attempt int) error

// WithPolicy executes fn until it succeeds, the policy is exhausted, the error is
// not retryable, or ctx is done.
func WithPolicy(ctx context.Context, p Policy, fn RetryFunc) *RetryResult {
	logger := logging.FromContext(ctx)
	startTime := time.Now()
	result := &RetryResult{}

	operation := func() error {
		result.Attempts++
		err := fn(ctx, result.Attempts)
		if err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, next time.Duration) {
		logger.WithFields(map[string]interface{}{
			"attempt":     result.Attempts,
			"maxAttempts": p.MaxAttempts,
			"delay":       next.String(),
			"error":       err.Error(),
		}).Warn("Operation failed, retrying")
	}

	err := backoff.RetryNotify(operation, p.backOff(ctx), notify)
	result.TotalDuration = time.Since(startTime)
	if err != nil {
		result.LastError = err
		logger.WithFields(map[string]interface{}{
			"attempts":      result.Attempts,
			"totalDuration": result.TotalDuration.String(),
			"error":         err.Error(),
		}).Error("Operation failed after retries")
		return result
	}

	result.Success = true
	if result.Attempts > 1 {
		logger.WithFields(map[string]interface{}{
			"attempts":      result.Attempts,
			"totalDuration": result.TotalDuration.String(),
		}).Info("Operation succeeded after retry")
	}
	return result
}

// Run is WithPolicy returning a plain error
func Run(ctx context.Context, p Policy, fn RetryFunc) error {
	result := WithPolicy(ctx, p, fn)
	if !result.Success {
		return fmt.Errorf("operation failed after %d attempts: %w", result.Attempts, result.LastError)
	}
	return nil
}
