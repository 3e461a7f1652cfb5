// Package breaker wraps the external dependencies (LLM capability,
// secondary store and primary store) in circuit breakers with a shared
// state-change listener. An open breaker sheds load instead of piling
// timeouts onto a struggling dependency.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/mahnwerk/mahnwerk/internal/secondary"
	"github.com/mahnwerk/mahnwerk/internal/storage"
)

// Breaker names, also used in alert subjects.
const (
	NameLLM       = "llm"
	NameSecondary = "secondary_store"
	NameStorage   = "primary_store"
)

const (
	defaultFailMax      = 5
	defaultResetTimeout = 60 * time.Second
	halfOpenProbes      = 1
)

// ErrOpen reports whether err is the breaker refusing the call.
func ErrOpen(err error) bool {
	return err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests
}

// StateListener receives breaker transitions. *notify.Mailer satisfies it
// via NotifyBreakerStateChange.
type StateListener interface {
	NotifyBreakerStateChange(ctx context.Context, name, from, to string)
}

// Set holds the dependency breakers.
type Set struct {
	LLM       *gobreaker.CircuitBreaker
	Secondary *gobreaker.CircuitBreaker
	Storage   *gobreaker.CircuitBreaker
}

// NewSet builds the breakers with a shared listener. listener may be nil;
// non-positive failMax or resetTimeout fall back to the defaults.
func NewSet(failMax int, resetTimeout time.Duration, logger *slog.Logger, listener StateListener) *Set {
	if failMax <= 0 {
		failMax = defaultFailMax
	}
	if resetTimeout <= 0 {
		resetTimeout = defaultResetTimeout
	}
	trip := uint32(failMax)
	build := func(name string) *gobreaker.CircuitBreaker {
		isSuccessful := func(err error) bool { return err == nil }
		switch name {
		case NameSecondary:
			// A missing client document is an answer, not an outage.
			isSuccessful = func(err error) bool {
				return err == nil || errors.Is(err, secondary.ErrNotFound)
			}
		case NameStorage:
			// Sentinel results (empty queue, lost races, terminal rows)
			// are answers, not outages.
			isSuccessful = func(err error) bool {
				return err == nil ||
					errors.Is(err, storage.ErrNotFound) ||
					errors.Is(err, storage.ErrTerminal) ||
					errors.Is(err, storage.ErrAlreadyClaimed)
			}
		}
		return gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:         name,
			MaxRequests:  halfOpenProbes,
			Timeout:      resetTimeout,
			IsSuccessful: isSuccessful,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= trip
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state change",
					"breaker", name, "from", from.String(), "to", to.String())
				if listener != nil {
					ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
					defer cancel()
					listener.NotifyBreakerStateChange(ctx, name, from.String(), to.String())
				}
			},
		})
	}
	return &Set{
		LLM:       build(NameLLM),
		Secondary: build(NameSecondary),
		Storage:   build(NameStorage),
	}
}

// Do runs fn through the breaker with a typed result.
func Do[T any](cb *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	v, err := cb.Execute(func() (any, error) { return fn() })
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}
