// Package ratelimit implements fixed-window request limiting with
// interchangeable counter backends.
package ratelimit

import (
	"context"
	"time"
)

// Store counts hits per key within a fixed window. Incr returns the count
// including the current hit and the instant the window resets.
type Store interface {
	Incr(ctx context.Context, key string, window time.Duration) (count int64, resetAt time.Time, err error)
}

type Decision struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	ResetAt   time.Time
}

func (d Decision) RetryAfter(now time.Time) time.Duration {
	if d.ResetAt.IsZero() {
		return 0
	}
	wait := d.ResetAt.Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}

type Limiter struct {
	store  Store
	limit  int64
	window time.Duration
}

func NewLimiter(store Store, limit int, window time.Duration) *Limiter {
	return &Limiter{store: store, limit: int64(limit), window: window}
}

// Allow registers one hit for key and decides whether it stays under the
// limit. Backend failures fail open so a degraded counter store never takes
// the proxy down with it.
func (l *Limiter) Allow(ctx context.Context, key string) Decision {
	if l == nil || l.store == nil || l.limit <= 0 {
		return Decision{Allowed: true, Limit: l.limitOrZero()}
	}
	count, resetAt, err := l.store.Incr(ctx, key, l.window)
	if err != nil {
		return Decision{Allowed: true, Limit: l.limit, Remaining: l.limit}
	}
	remaining := l.limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= l.limit,
		Limit:     l.limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

func (l *Limiter) limitOrZero() int64 {
	if l == nil {
		return 0
	}
	return l.limit
}
