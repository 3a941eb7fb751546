package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Local is an in-process per-key limiter for deployments without Redis.
// Budgets are not shared between replicas.
type Local struct {
	mu       sync.Mutex
	limiters map[string]*localEntry
	r        rate.Limit
	burst    int
	evictTTL time.Duration
	lastGC   time.Time
}

type localEntry struct {
	l        *rate.Limiter
	lastSeen time.Time
}

// NewLocal returns a limiter allowing burst requests and refillPerSecond
// afterwards. Keys idle longer than evictTTL are forgotten.
func NewLocal(burst int, refillPerSecond float64, evictTTL time.Duration) *Local {
	return &Local{
		limiters: make(map[string]*localEntry),
		r:        rate.Limit(refillPerSecond),
		burst:    burst,
		evictTTL: evictTTL,
		lastGC:   time.Now(),
	}
}

func (rl *Local) Allow(_ context.Context, key string) (Decision, error) {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.evictLocked(now)

	e, ok := rl.limiters[key]
	if !ok {
		e = &localEntry{l: rate.NewLimiter(rl.r, rl.burst)}
		rl.limiters[key] = e
	}
	e.lastSeen = now

	if e.l.AllowN(now, 1) {
		return Decision{Allowed: true, Remaining: int(e.l.TokensAt(now))}, nil
	}
	tokens := e.l.TokensAt(now)
	return Decision{RetryAfter: retryAfter(tokens, float64(rl.r))}, nil
}

func (rl *Local) evictLocked(now time.Time) {
	if rl.evictTTL <= 0 || now.Sub(rl.lastGC) < rl.evictTTL/2 {
		return
	}
	rl.lastGC = now
	cutoff := now.Add(-rl.evictTTL)
	for key, e := range rl.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(rl.limiters, key)
		}
	}
}
