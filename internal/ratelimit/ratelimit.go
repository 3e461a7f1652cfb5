// Package ratelimit guards the ingress endpoints against delivery floods.
// Creditor mail systems and webhook providers retry aggressively on any
// non-2xx answer; a per-source token bucket keeps a misbehaving sender from
// starving the queue for everyone else.
package ratelimit

import "context"

// Limiter decides whether a request identified by key should proceed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed. The key is opaque;
	// ingress uses the client address. An error signals a limiter
	// malfunction and callers fail open rather than dropping deliveries.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

func (NoopLimiter) Close() error { return nil }
