package budget

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// counterTTL keeps yesterday's counter around for inspection before expiry.
const counterTTL = 48 * time.Hour

// CostCounter is the shared read-modify-write counter behind the daily
// breaker. Implemented by Redis in production and by a memory counter in
// tests.
type CostCounter interface {
	// AddIfUnder atomically adds cost to key when current+cost <= cap.
	// Returns the decision and the counter value after the call.
	AddIfUnder(ctx context.Context, key string, cost, cap float64, ttl time.Duration) (bool, float64, error)
	// Current returns the counter value for key.
	Current(ctx context.Context, key string) (float64, error)
}

// DailyBreaker is the process-wide daily cost circuit. When open, all
// extraction jobs short-circuit to the consolidator default without
// invoking the vision capability.
type DailyBreaker struct {
	counter  CostCounter
	capUSD   float64
	logger   *slog.Logger
	nowFn    func() time.Time
}

// NewDailyBreaker creates a breaker over the given counter.
func NewDailyBreaker(counter CostCounter, capUSD float64, logger *slog.Logger) *DailyBreaker {
	return &DailyBreaker{
		counter: counter,
		capUSD:  capUSD,
		logger:  logger,
		nowFn:   time.Now,
	}
}

func (b *DailyBreaker) key() string {
	return "mahnwerk:daily_cost:" + b.nowFn().UTC().Format("2006-01-02")
}

// IsOpen reports whether the daily cap is already reached.
func (b *DailyBreaker) IsOpen(ctx context.Context) bool {
	current, err := b.counter.Current(ctx, b.key())
	if err != nil {
		// Counter unreachable: stay closed rather than stalling the whole
		// pipeline on a metrics dependency.
		b.logger.Warn("budget: daily counter unreachable", "error", err)
		return false
	}
	return current >= b.capUSD
}

// CheckAndRecord atomically adds estCost when the day's total stays under
// the cap. A denial leaves the counter untouched.
func (b *DailyBreaker) CheckAndRecord(ctx context.Context, estCost float64) bool {
	ok, current, err := b.counter.AddIfUnder(ctx, b.key(), estCost, b.capUSD, counterTTL)
	if err != nil {
		b.logger.Warn("budget: daily counter unreachable", "error", err)
		return true
	}
	if !ok {
		b.logger.Warn("budget: daily cost cap reached",
			"current_usd", current, "cap_usd", b.capUSD)
	}
	return ok
}

// addIfUnderScript implements the atomic check-and-add. KEYS[1] is the day
// counter, ARGV = {cost, cap, ttl_seconds}.
var addIfUnderScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local cost = tonumber(ARGV[1])
local cap = tonumber(ARGV[2])
if current + cost > cap then
  return {0, tostring(current)}
end
local updated = redis.call('INCRBYFLOAT', KEYS[1], cost)
redis.call('EXPIRE', KEYS[1], ARGV[3])
return {1, updated}
`)

// RedisCounter is the production CostCounter over a shared Redis.
type RedisCounter struct {
	rdb *redis.Client
}

// NewRedisCounter connects a counter to the given Redis URL.
func NewRedisCounter(url string) (*RedisCounter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("budget: parse redis url: %w", err)
	}
	return &RedisCounter{rdb: redis.NewClient(opts)}, nil
}

// Close releases the underlying connection pool.
func (c *RedisCounter) Close() error {
	return c.rdb.Close()
}

func (c *RedisCounter) AddIfUnder(ctx context.Context, key string, cost, capUSD float64, ttl time.Duration) (bool, float64, error) {
	res, err := addIfUnderScript.Run(ctx, c.rdb, []string{key},
		cost, capUSD, int(ttl.Seconds())).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("budget: add if under: %w", err)
	}
	allowed := res[0].(int64) == 1
	var current float64
	if s, ok := res[1].(string); ok {
		fmt.Sscanf(s, "%f", &current)
	}
	return allowed, current, nil
}

func (c *RedisCounter) Current(ctx context.Context, key string) (float64, error) {
	v, err := c.rdb.Get(ctx, key).Float64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("budget: read counter: %w", err)
	}
	return v, nil
}

// MemoryCounter is an in-process CostCounter for tests and development.
type MemoryCounter struct {
	mu     sync.Mutex
	counts map[string]float64
}

// NewMemoryCounter creates an empty counter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{counts: make(map[string]float64)}
}

func (c *MemoryCounter) AddIfUnder(_ context.Context, key string, cost, capUSD float64, _ time.Duration) (bool, float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	current := c.counts[key]
	if current+cost > capUSD {
		return false, current, nil
	}
	c.counts[key] = current + cost
	return true, c.counts[key], nil
}

func (c *MemoryCounter) Current(_ context.Context, key string) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[key], nil
}

// Set seeds the counter, for tests.
func (c *MemoryCounter) Set(key string, v float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[key] = v
}
