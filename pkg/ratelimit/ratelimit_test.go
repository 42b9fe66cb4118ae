package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func withFrozenClock(t *testing.T, at time.Time) func(time.Time) {
	t.Helper()
	orig := nowUTC
	current := at
	nowUTC = func() time.Time { return current }
	t.Cleanup(func() { nowUTC = orig })
	return func(next time.Time) { current = next }
}

func TestMemoryStoreFixedWindow(t *testing.T) {
	start := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	advance := withFrozenClock(t, start)
	ctx := context.Background()
	store := NewMemoryStore()
	limiter := NewLimiter(store, 3, 30*time.Minute)

	for i := 0; i < 3; i++ {
		d := limiter.Allow(ctx, "user-1")
		if !d.Allowed {
			t.Fatalf("request %d unexpectedly limited", i+1)
		}
		if want := int64(2 - i); d.Remaining != want {
			t.Fatalf("request %d remaining = %d, want %d", i+1, d.Remaining, want)
		}
	}

	d := limiter.Allow(ctx, "user-1")
	if d.Allowed {
		t.Fatal("request over the limit was allowed")
	}
	if d.Remaining != 0 {
		t.Fatalf("remaining = %d, want 0", d.Remaining)
	}
	if got := d.RetryAfter(start); got != 30*time.Minute {
		t.Fatalf("retry after = %v", got)
	}

	// Other keys are independent.
	if d := limiter.Allow(ctx, "user-2"); !d.Allowed {
		t.Fatal("unrelated key was limited")
	}

	// Window expiry resets the counter.
	advance(start.Add(31 * time.Minute))
	if d := limiter.Allow(ctx, "user-1"); !d.Allowed {
		t.Fatal("request after window reset was limited")
	}
}

type failingStore struct{}

func (failingStore) Incr(context.Context, string, time.Duration) (int64, time.Time, error) {
	return 0, time.Time{}, errors.New("backend down")
}

func TestLimiterFailsOpen(t *testing.T) {
	limiter := NewLimiter(failingStore{}, 1, time.Minute)
	for i := 0; i < 5; i++ {
		if d := limiter.Allow(context.Background(), "user-1"); !d.Allowed {
			t.Fatal("backend failure should not reject requests")
		}
	}
}

func TestLimiterConcurrentExcess(t *testing.T) {
	withFrozenClock(t, time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC))
	const limit = 50
	limiter := NewLimiter(NewMemoryStore(), limit, time.Minute)

	results := make(chan bool, limit+1)
	for i := 0; i < limit+1; i++ {
		go func() {
			results <- limiter.Allow(context.Background(), "user-1").Allowed
		}()
	}
	allowed := 0
	for i := 0; i < limit+1; i++ {
		if <-results {
			allowed++
		}
	}
	if allowed != limit {
		t.Fatalf("allowed = %d, want exactly %d", allowed, limit)
	}
}
