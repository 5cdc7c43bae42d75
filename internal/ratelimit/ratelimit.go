// Package ratelimit implements fixed-window point counters used for
// connection admission and authentication throttling.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"
)

// GlobalKey is the key used for limits that apply to all clients together
const GlobalKey = "global"

// Store counts points per key within a fixed window
type Store interface {
	// Incr adds one point to key and returns the points consumed in the
	// current window and the time left until that window resets. A new
	// window starts on the first point after the previous one elapsed.
	Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
	Close() error
}

// LimitedError is returned when a window's budget is exhausted
type LimitedError struct {
	Limiter    string
	Key        string
	RetryAfter time.Duration
}

func (e *LimitedError) Error() string {
	return fmt.Sprintf("%s limit exceeded for %s, retry in %s", e.Limiter, e.Key, e.RetryAfter)
}

// Seconds returns RetryAfter rounded up to whole seconds, at least 1
func (e *LimitedError) Seconds() int {
	s := int(math.Ceil(e.RetryAfter.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

// Limiter allows Limit points per Window for each key
type Limiter struct {
	name   string
	store  Store
	limit  int64
	window time.Duration
}

// New creates a limiter named name (used in errors and store keys)
func New(name string, store Store, limit int, window time.Duration) *Limiter {
	return &Limiter{
		name:   name,
		store:  store,
		limit:  int64(limit),
		window: window,
	}
}

// Name returns the limiter name
func (l *Limiter) Name() string {
	return l.name
}

// Consume takes one point from key's window. It returns a *LimitedError when
// the budget is exhausted; any other error comes from the store.
func (l *Limiter) Consume(ctx context.Context, key string) error {
	count, ttl, err := l.store.Incr(ctx, l.name+":"+key, l.window)
	if err != nil {
		return fmt.Errorf("%s limiter: %w", l.name, err)
	}
	if count > l.limit {
		return &LimitedError{Limiter: l.name, Key: key, RetryAfter: ttl}
	}
	return nil
}
