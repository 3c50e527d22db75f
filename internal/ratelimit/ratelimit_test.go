package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// memBuckets mirrors the store-side atomic upsert: reset when the caller's
// window is newer, increment otherwise.
type memBuckets struct {
	mu      sync.Mutex
	windows map[string]time.Time
	counts  map[string]int64
	err     error
}

func newMemBuckets() *memBuckets {
	return &memBuckets{windows: make(map[string]time.Time), counts: make(map[string]int64)}
}

func (m *memBuckets) ConsumeBucket(ctx context.Context, scope, key string, windowStart, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	k := scope + "\x00" + key
	if stored, ok := m.windows[k]; !ok || stored.Before(windowStart) {
		m.windows[k] = windowStart
		m.counts[k] = 1
		return 1, nil
	}
	m.counts[k]++
	return m.counts[k], nil
}

func TestConsumeWithinLimit(t *testing.T) {
	lim := New(newMemBuckets())
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)

	for i := int64(1); i <= 5; i++ {
		res, err := lim.Consume(ctx, "activate", "203.0.113.9", 5, time.Minute, now)
		if err != nil {
			t.Fatalf("consume %d: %v", i, err)
		}
		if !res.Allowed {
			t.Fatalf("request %d rejected within limit", i)
		}
		if res.Count != i {
			t.Fatalf("count: want %d, got %d", i, res.Count)
		}
		if want := 5 - i; res.Remaining != want {
			t.Fatalf("remaining: want %d, got %d", want, res.Remaining)
		}
	}

	res, err := lim.Consume(ctx, "activate", "203.0.113.9", 5, time.Minute, now)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if res.Allowed {
		t.Fatal("sixth request must be rejected")
	}
	if res.Remaining != 0 {
		t.Fatalf("remaining: want 0, got %d", res.Remaining)
	}
	if res.RetryAfter < 1 {
		t.Fatalf("retry_after must be >= 1, got %d", res.RetryAfter)
	}
	if want := time.Date(2026, 3, 1, 12, 1, 0, 0, time.UTC); !res.ResetAt.Equal(want) {
		t.Fatalf("reset_at: want %s, got %s", want, res.ResetAt)
	}
}

func TestConsumeResetsOnWindowBoundary(t *testing.T) {
	lim := New(newMemBuckets())
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 59, 0, time.UTC)

	for i := 0; i < 5; i++ {
		if _, err := lim.Consume(ctx, "status", "key", 5, time.Minute, now); err != nil {
			t.Fatalf("consume: %v", err)
		}
	}
	res, _ := lim.Consume(ctx, "status", "key", 5, time.Minute, now)
	if res.Allowed {
		t.Fatal("over-limit request allowed")
	}

	// One second later a new window opens and the count restarts.
	later := now.Add(1 * time.Second)
	res, err := lim.Consume(ctx, "status", "key", 5, time.Minute, later)
	if err != nil {
		t.Fatalf("consume after boundary: %v", err)
	}
	if !res.Allowed || res.Count != 1 {
		t.Fatalf("window did not reset: allowed=%v count=%d", res.Allowed, res.Count)
	}
}

func TestConsumeIsolatesScopesAndKeys(t *testing.T) {
	lim := New(newMemBuckets())
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if _, err := lim.Consume(ctx, "activate", "ip-a", 3, time.Minute, now); err != nil {
			t.Fatalf("consume: %v", err)
		}
	}
	if res, _ := lim.Consume(ctx, "activate", "ip-a", 3, time.Minute, now); res.Allowed {
		t.Fatal("ip-a should be exhausted")
	}
	if res, _ := lim.Consume(ctx, "activate", "ip-b", 3, time.Minute, now); !res.Allowed {
		t.Fatal("ip-b must have its own bucket")
	}
	if res, _ := lim.Consume(ctx, "refresh", "ip-a", 3, time.Minute, now); !res.Allowed {
		t.Fatal("scopes must not share buckets")
	}
}

func TestConsumePropagatesStoreError(t *testing.T) {
	store := newMemBuckets()
	store.err = errors.New("connection refused")
	lim := New(store)

	_, err := lim.Consume(context.Background(), "activate", "ip", 5, time.Minute, time.Now())
	if err == nil {
		t.Fatal("want store error")
	}
}

func TestConsumeDefaultsWindow(t *testing.T) {
	lim := New(newMemBuckets())
	res, err := lim.Consume(context.Background(), "activate", "ip", 5, 0, time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC))
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if want := time.Date(2026, 3, 1, 12, 1, 0, 0, time.UTC); !res.ResetAt.Equal(want) {
		t.Fatalf("zero window must default to one minute, reset_at %s", res.ResetAt)
	}
}
