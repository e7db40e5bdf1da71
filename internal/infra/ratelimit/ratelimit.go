// Package ratelimit implements fixed-window request limits keyed by caller
// credential. Exceeding a window is rejected immediately; nothing queues.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fastprodman/loyaltyledger/internal/config"
	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	RetryAfter time.Duration // until the current window closes; set when rejected
}

type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// New builds the backend named in cfg. client is required for "redis".
func New(cfg config.RateLimitConfig, client *redis.Client) (Limiter, error) {
	if cfg.PerWindow <= 0 || cfg.Window <= 0 {
		return nil, fmt.Errorf("rate limit needs a positive limit and window, got %d per %s", cfg.PerWindow, cfg.Window)
	}

	switch strings.ToLower(cfg.Backend) {
	case "memory", "":
		return NewMemory(cfg.PerWindow, cfg.Window), nil
	case "redis":
		if client == nil {
			return nil, errors.New("redis rate limit backend without a client")
		}

		return NewRedis(client, cfg.PerWindow, cfg.Window), nil
	default:
		return nil, fmt.Errorf("unknown rate limit backend %q", cfg.Backend)
	}
}

func decide(count, limit int64, windowStart time.Time, window time.Duration, now time.Time) Decision {
	d := Decision{Allowed: count <= limit, Limit: limit, Remaining: max(limit-count, 0)}
	if !d.Allowed {
		d.RetryAfter = windowStart.Add(window).Sub(now)
	}

	return d
}

type window struct {
	start time.Time
	count int64
}

// Memory keeps counters in process. Suitable for a single instance.
type Memory struct {
	limit  int64
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]window
}

func NewMemory(limit int64, win time.Duration) *Memory {
	return &Memory{
		limit:   limit,
		window:  win,
		now:     time.Now,
		windows: make(map[string]window),
	}
}

func (m *Memory) Allow(_ context.Context, key string) (Decision, error) {
	now := m.now()
	start := now.Truncate(m.window)

	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.windows[key]
	if !w.start.Equal(start) {
		if len(m.windows) > 4096 {
			m.prune(start)
		}

		w = window{start: start}
	}

	w.count++
	m.windows[key] = w

	return decide(w.count, m.limit, start, m.window, now), nil
}

func (m *Memory) prune(current time.Time) {
	for k, w := range m.windows {
		if w.start.Before(current) {
			delete(m.windows, k)
		}
	}
}

// Redis shares counters across replicas with INCR + EXPIRE on a key per
// (caller, window).
type Redis struct {
	client *redis.Client
	limit  int64
	window time.Duration
	prefix string
	now    func() time.Time
}

func NewRedis(client *redis.Client, limit int64, win time.Duration) *Redis {
	return &Redis{
		client: client,
		limit:  limit,
		window: win,
		prefix: "ratelimit:",
		now:    time.Now,
	}
}

func (r *Redis) Allow(ctx context.Context, key string) (Decision, error) {
	now := r.now()
	start := now.Truncate(r.window)
	k := fmt.Sprintf("%s%s:%d", r.prefix, key, start.Unix())

	var incr *redis.IntCmd

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, k)
		pipe.Expire(ctx, k, r.window+time.Second)

		return nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit counter: %w", err)
	}

	return decide(incr.Val(), r.limit, start, r.window, now), nil
}
