// Package ratelimit throttles API calls per caller.
//
// Keys have the form "<class>:<id>", where class is the caller's quota tier.
// A Limiter may give each class its own Rule, so paid users get more
// headroom than free ones; the dev tier is never keyed at all. Rate limiting
// protects the HTTP surface only. Daily task and token budgets live in the
// quota package.
package ratelimit

import (
	"context"
	"strings"
	"time"
)

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow reports whether the request may proceed. An error means the
	// limiter itself is broken; the middleware then lets the request through.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases background resources.
	Close() error
}

// RetryAfterer is implemented by limiters that can say when a denied key
// will next be allowed. The middleware uses it for the Retry-After header.
type RetryAfterer interface {
	RetryAfter(key string) time.Duration
}

// Rule is a sustained request rate and a burst allowance.
type Rule struct {
	RPS   float64
	Burst int
}

// Key builds a limiter key for one caller of a class.
func Key(class, id string) string { return class + ":" + id }

// ClassOf returns the class part of a key built by Key, or "" if there is none.
func ClassOf(key string) string {
	class, _, ok := strings.Cut(key, ":")
	if !ok {
		return ""
	}
	return class
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
