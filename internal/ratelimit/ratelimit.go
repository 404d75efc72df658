// Package ratelimit implements fixed-window admission control keyed by
// client identity. It is abuse mitigation only and never decides
// correctness.
package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of one Check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetIn   time.Duration
}

// RetryAfterSeconds rounds ResetIn up to whole seconds, never below 1.
func (d Decision) RetryAfterSeconds() int {
	s := int((d.ResetIn + time.Second - 1) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}

// Limiter admits or rejects one request for key.
type Limiter interface {
	Check(ctx context.Context, key string) (Decision, error)
}

// Store counts hits per key inside a window that starts on the first hit.
type Store interface {
	// Incr increments the counter for key, starting a new window of the
	// given length when none is active, and returns the post-increment
	// count and the instant the window resets.
	Incr(ctx context.Context, key string, window time.Duration, now time.Time) (int, time.Time, error)
}

// FixedWindow allows Limit hits per Window per key.
type FixedWindow struct {
	Store  Store
	Limit  int
	Window time.Duration
	// Prefix namespaces keys so several limiters can share a store.
	Prefix string
	Now    func() time.Time
}

func (f FixedWindow) Check(ctx context.Context, key string) (Decision, error) {
	now := time.Now()
	if f.Now != nil {
		now = f.Now()
	}
	count, resetAt, err := f.Store.Incr(ctx, f.Prefix+key, f.Window, now)
	if err != nil {
		return Decision{}, err
	}
	d := Decision{
		Allowed:   count <= f.Limit,
		Limit:     f.Limit,
		Remaining: f.Limit - count,
		ResetIn:   resetAt.Sub(now),
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if d.ResetIn < 0 {
		d.ResetIn = 0
	}
	return d, nil
}
