// Package ratelimit implements a fixed-window request counter persisted in
// the shared store, so limits survive restarts and apply across workers.
package ratelimit

import (
	"context"
	"time"
)

// BucketStore is the atomic upsert the limiter relies on. Implementations
// must perform insert/reset/increment as one operation: a read-then-write
// sequence under-counts concurrent requests from the same key.
type BucketStore interface {
	ConsumeBucket(ctx context.Context, scope, key string, windowStart, now time.Time) (int64, error)
}

// Result describes one limiter decision.
type Result struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	Count      int64
	ResetAt    time.Time
	RetryAfter int // seconds, >= 1 when rejected
}

// Limiter gates public endpoints against a persisted bucket table.
type Limiter struct {
	store BucketStore
}

// New builds a Limiter.
func New(store BucketStore) *Limiter {
	return &Limiter{store: store}
}

// Consume counts one request against (scope, key) and reports whether it
// fits within limit for the current window.
func (l *Limiter) Consume(ctx context.Context, scope, key string, limit int64, window time.Duration, now time.Time) (Result, error) {
	if window <= 0 {
		window = time.Minute
	}
	nowMs := now.UnixMilli()
	windowMs := window.Milliseconds()
	startMs := nowMs - nowMs%windowMs
	windowStart := time.UnixMilli(startMs).UTC()

	count, err := l.store.ConsumeBucket(ctx, scope, key, windowStart, now.UTC())
	if err != nil {
		return Result{}, err
	}

	res := Result{
		Allowed: count <= limit,
		Limit:   limit,
		Count:   count,
		ResetAt: windowStart.Add(window),
	}
	if remaining := limit - count; remaining > 0 {
		res.Remaining = remaining
	}
	if !res.Allowed {
		secs := (res.ResetAt.UnixMilli() - nowMs + 999) / 1000
		if secs < 1 {
			secs = 1
		}
		res.RetryAfter = int(secs)
	}
	return res, nil
}
