package alert

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// MemoryWindow keeps timestamps per key in memory. Entries older than the
// retention horizon are pruned on every write.
type MemoryWindow struct {
	retention time.Duration

	mu      sync.Mutex
	entries map[string][]time.Time
}

// NewMemoryWindow constructs a MemoryWindow retaining events for the supplied
// duration.
func NewMemoryWindow(retention time.Duration) *MemoryWindow {
	return &MemoryWindow{
		retention: retention,
		entries:   make(map[string][]time.Time),
	}
}

// Add implements Window.
func (w *MemoryWindow) Add(_ context.Context, key string, ts time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	horizon := ts.Add(-w.retention)
	kept := w.entries[key][:0]
	for _, e := range w.entries[key] {
		if e.After(horizon) {
			kept = append(kept, e)
		}
	}
	w.entries[key] = append(kept, ts)
	return nil
}

// Count implements Window.
func (w *MemoryWindow) Count(_ context.Context, key string, since time.Time) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	count := 0
	for _, e := range w.entries[key] {
		if e.After(since) {
			count++
		}
	}
	return count, nil
}

// MemoryCooldown implements Cooldown in memory.
type MemoryCooldown struct {
	now func() time.Time

	mu    sync.Mutex
	until map[string]time.Time
}

// NewMemoryCooldown constructs a MemoryCooldown using the supplied clock.
func NewMemoryCooldown(now func() time.Time) *MemoryCooldown {
	if now == nil {
		now = time.Now
	}
	return &MemoryCooldown{now: now, until: make(map[string]time.Time)}
}

// TryAcquire implements Cooldown.
func (c *MemoryCooldown) TryAcquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if deadline, ok := c.until[key]; ok && now.Before(deadline) {
		return false, nil
	}
	c.until[key] = now.Add(ttl)
	return true, nil
}

// RedisWindow stores failure timestamps in a sorted set per key so every
// worker contributes to the same window.
type RedisWindow struct {
	client    *redis.Client
	retention time.Duration
}

// NewRedisWindow constructs a RedisWindow.
func NewRedisWindow(client *redis.Client, retention time.Duration) *RedisWindow {
	return &RedisWindow{client: client, retention: retention}
}

// Add implements Window: ZADD the timestamp and prune members older than the
// retention horizon.
func (w *RedisWindow) Add(ctx context.Context, key string, ts time.Time) error {
	score := float64(ts.UnixNano())
	// unique member so events landing on the same nanosecond still count
	member := strconv.FormatInt(ts.UnixNano(), 10) + ":" + uuid.NewString()

	pipe := w.client.TxPipeline()
	pipe.ZAdd(ctx, key, &redis.Z{Score: score, Member: member})
	horizon := ts.Add(-w.retention)
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(horizon.UnixNano(), 10))
	pipe.Expire(ctx, key, w.retention*2)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("alert redis window: add %s: %w", key, err)
	}
	return nil
}

// Count implements Window.
func (w *RedisWindow) Count(ctx context.Context, key string, since time.Time) (int, error) {
	n, err := w.client.ZCount(ctx, key, "("+strconv.FormatInt(since.UnixNano(), 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("alert redis window: count %s: %w", key, err)
	}
	return int(n), nil
}

// RedisCooldown implements Cooldown with SET NX EX, which is atomic across
// workers.
type RedisCooldown struct {
	client *redis.Client
}

// NewRedisCooldown constructs a RedisCooldown.
func NewRedisCooldown(client *redis.Client) *RedisCooldown {
	return &RedisCooldown{client: client}
}

// TryAcquire implements Cooldown.
func (c *RedisCooldown) TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	won, err := c.client.SetNX(ctx, "cooldown:"+key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("alert redis cooldown: %s: %w", key, err)
	}
	return won, nil
}
