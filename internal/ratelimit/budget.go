// Package ratelimit coordinates the extraction API request budget across processes through Redis.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/campaign-sync/internal/errors"
	"github.com/campaign-sync/internal/logging"
)

// Default budget configuration values.
const (
	DefaultWindowSize = time.Minute
	DefaultMaxWait    = 2 * time.Minute
)

// Priority selects the pool a request draws from.
type Priority int

const (
	// PriorityHigh is for control calls (site map, status polls) and uses the reserved pool.
	PriorityHigh Priority = iota
	// PriorityLow is for extraction submissions and uses the shared pool.
	PriorityLow
)

// String returns a string representation of the priority level.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Budget is a fixed-window request budget shared by every process using the same
// Redis and key prefix. A reserved pool keeps polls moving while bulk extraction
// is saturating the shared pool.
type Budget struct {
	redis          redis.Cmdable
	prefix         string
	totalBudget    int
	reservedBudget int
	sharedBudget   int
	windowSize     time.Duration
	maxWait        time.Duration
	now            func() time.Time
	sleep          func(ctx context.Context, d time.Duration) error
}

// BudgetConfig holds configuration for the budget.
type BudgetConfig struct {
	Redis redis.Cmdable
	// KeyPrefix namespaces the counters, e.g. "gfm"
	KeyPrefix string
	// TotalBudget is the number of request units per window. Required.
	TotalBudget int
	// ReservedBudget is held back for PriorityHigh. Default: a fifth of the total.
	ReservedBudget int
	// WindowSize defaults to one minute.
	WindowSize time.Duration
	// MaxWait bounds Wait before it gives up with a rate limit error.
	MaxWait time.Duration
}

// Usage is a snapshot of the current window.
type Usage struct {
	TotalUsed      int       `json:"totalUsed"`
	ReservedUsed   int       `json:"reservedUsed"`
	SharedUsed     int       `json:"sharedUsed"`
	TotalBudget    int       `json:"totalBudget"`
	ReservedBudget int       `json:"reservedBudget"`
	SharedBudget   int       `json:"sharedBudget"`
	WindowStart    time.Time `json:"windowStart"`
}

// Validate checks if the configuration is valid.
func (c *BudgetConfig) Validate() error {
	if c.Redis == nil {
		return errors.New("redis client is required")
	}
	if c.TotalBudget <= 0 {
		return errors.New("total budget must be positive")
	}
	if c.ReservedBudget < 0 {
		return errors.New("reserved budget cannot be negative")
	}
	if c.ReservedBudget > c.TotalBudget {
		return fmt.Errorf("reserved budget (%d) cannot exceed total budget (%d)", c.ReservedBudget, c.TotalBudget)
	}
	return nil
}

// NewBudget creates a budget with the given configuration.
func NewBudget(cfg *BudgetConfig) (*Budget, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	reserved := cfg.ReservedBudget
	if reserved == 0 {
		reserved = cfg.TotalBudget / 5
	}
	windowSize := cfg.WindowSize
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	maxWait := cfg.MaxWait
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "gfm"
	}

	return &Budget{
		redis:          cfg.Redis,
		prefix:         prefix + ":budget:",
		totalBudget:    cfg.TotalBudget,
		reservedBudget: reserved,
		sharedBudget:   cfg.TotalBudget - reserved,
		windowSize:     windowSize,
		maxWait:        maxWait,
		now:            time.Now,
		sleep:          sleepCtx,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// windowStart aligns now to the window boundary
func (b *Budget) windowStart() time.Time {
	return b.now().Truncate(b.windowSize)
}

func (b *Budget) keys(window time.Time) (totalKey, reservedKey, sharedKey string) {
	ts := strconv.FormatInt(window.UnixMilli(), 10)
	return b.prefix + "total:" + ts, b.prefix + "reserved:" + ts, b.prefix + "shared:" + ts
}

// check-and-increment both counters atomically
var consumeScript = redis.NewScript(`
	local totalKey = KEYS[1]
	local poolKey = KEYS[2]
	local cost = tonumber(ARGV[1])
	local totalBudget = tonumber(ARGV[2])
	local poolBudget = tonumber(ARGV[3])
	local ttl = tonumber(ARGV[4])

	local totalUsed = tonumber(redis.call('GET', totalKey) or '0')
	local poolUsed = tonumber(redis.call('GET', poolKey) or '0')

	if totalUsed + cost > totalBudget then
		return {0, totalUsed, poolUsed}
	end
	if poolUsed + cost > poolBudget then
		return {0, totalUsed, poolUsed}
	end

	redis.call('INCRBY', totalKey, cost)
	redis.call('EXPIRE', totalKey, ttl)
	redis.call('INCRBY', poolKey, cost)
	redis.call('EXPIRE', poolKey, ttl)

	return {1, totalUsed + cost, poolUsed + cost}
`)

// TryConsume takes cost units from the pool for priority. When denied it returns
// the time left until the next window.
func (b *Budget) TryConsume(ctx context.Context, cost int, priority Priority) (bool, time.Duration, error) {
	if cost <= 0 {
		return true, 0, nil
	}

	window := b.windowStart()
	totalKey, reservedKey, sharedKey := b.keys(window)

	poolKey, poolBudget := sharedKey, b.sharedBudget
	if priority == PriorityHigh {
		poolKey, poolBudget = reservedKey, b.reservedBudget
	}
	// a request larger than its pool could never pass; let it draw on the whole window
	if cost > poolBudget {
		poolBudget = b.totalBudget
	}

	ttlSeconds := int((2 * b.windowSize).Seconds())
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}

	result, err := consumeScript.Run(ctx, b.redis, []string{totalKey, poolKey},
		cost, b.totalBudget, poolBudget, ttlSeconds).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("consume budget: %w", err)
	}
	if result[0] != 1 {
		return false, b.untilNextWindow(window), nil
	}
	return true, 0, nil
}

func (b *Budget) untilNextWindow(window time.Time) time.Duration {
	wait := window.Add(b.windowSize).Sub(b.now())
	if wait < 0 {
		wait = 0
	}
	return wait + time.Millisecond
}

// Wait blocks until cost units are granted. A Redis failure lets the request
// through; the local limiter and the upstream 429 handling still apply.
func (b *Budget) Wait(ctx context.Context, cost int, priority Priority) error {
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"cost":     cost,
		"priority": priority.String(),
	})

	deadline := b.now().Add(b.maxWait)
	for {
		ok, wait, err := b.TryConsume(ctx, cost, priority)
		if err != nil {
			logger.WithError(err).Warn("Request budget unavailable, proceeding without it")
			return nil
		}
		if ok {
			return nil
		}
		if b.now().Add(wait).After(deadline) {
			return apperrors.NewProviderRateLimitError("firecrawl")
		}
		logger.WithField("waitMs", wait.Milliseconds()).Debug("Request budget exhausted, waiting for next window")
		if err := b.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Usage returns the counters of the current window.
func (b *Budget) Usage(ctx context.Context) (*Usage, error) {
	window := b.windowStart()
	totalKey, reservedKey, sharedKey := b.keys(window)

	pipe := b.redis.Pipeline()
	totalCmd := pipe.Get(ctx, totalKey)
	reservedCmd := pipe.Get(ctx, reservedKey)
	sharedCmd := pipe.Get(ctx, sharedKey)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read budget usage: %w", err)
	}

	return &Usage{
		TotalUsed:      parseIntOrZero(totalCmd),
		ReservedUsed:   parseIntOrZero(reservedCmd),
		SharedUsed:     parseIntOrZero(sharedCmd),
		TotalBudget:    b.totalBudget,
		ReservedBudget: b.reservedBudget,
		SharedBudget:   b.sharedBudget,
		WindowStart:    window,
	}, nil
}

// parseIntOrZero treats a missing key as zero.
func parseIntOrZero(cmd *redis.StringCmd) int {
	val, err := cmd.Int()
	if err != nil {
		return 0
	}
	return val
}
