package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"ops-orchestrator/internal/config"
)

// Limiter decides whether a request keyed by key may proceed. When it may
// not, wait is how long until it could.
type Limiter interface {
	Take(ctx context.Context, key string) (allowed bool, wait time.Duration, err error)
}

// Local is an in-process limiter keeping one x/time/rate bucket per key.
// Idle keys are dropped after ttl.
type Local struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	ttl     time.Duration
	buckets map[string]*localBucket
	now     func() time.Time
}

type localBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func NewLocal(capacity int, refillPerSecond float64, ttl time.Duration) *Local {
	if capacity <= 0 {
		capacity = 1
	}
	return &Local{
		limit:   rate.Limit(refillPerSecond),
		burst:   capacity,
		ttl:     ttl,
		buckets: make(map[string]*localBucket),
		now:     time.Now,
	}
}

func (l *Local) Take(_ context.Context, key string) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &localBucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	if l.ttl > 0 && len(l.buckets) > 1024 {
		for k, v := range l.buckets {
			if now.Sub(v.lastSeen) > l.ttl {
				delete(l.buckets, k)
			}
		}
	}
	if b.lim.AllowN(now, 1) {
		return true, 0, nil
	}
	if l.limit <= 0 {
		return false, -1, nil
	}
	missing := 1 - b.lim.TokensAt(now)
	return false, time.Duration(missing / float64(l.limit) * float64(time.Second)), nil
}

// New picks the Redis bucket when a client is available, the local one otherwise.
func New(cfg config.Config, client *redis.Client) Limiter {
	if client != nil {
		return NewTokenBucket(client, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	}
	return NewLocal(cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
}
