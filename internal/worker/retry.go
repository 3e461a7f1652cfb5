package worker

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mahnwerk/mahnwerk/internal/llm"
	"github.com/mahnwerk/mahnwerk/internal/storage"
)

// FailureKind classifies a pipeline error for the retry policy.
type FailureKind int

const (
	// FailureTransient is retried with backoff until the budget runs out.
	FailureTransient FailureKind = iota
	// FailurePermanent is never retried; the operator is notified.
	FailurePermanent
)

// Retry backoff bounds per the processing contract.
const (
	backoffBase = 15 * time.Second
	backoffMax  = 5 * time.Minute
)

// permanentMarker prefixes last_error for permanent failures so the
// re-enqueue loop can tell them apart from transient ones.
const permanentMarker = "permanent: "

var permanentFragments = []string{
	"invalid argument",
	"malformed",
	"unsupported",
	"payload unreadable",
}

var transientFragments = []string{
	"connection",
	"timeout",
	"timed out",
	"unreachable",
	"temporarily",
	"rate limit",
	"too many requests",
	"unavailable",
}

// Classify buckets an error. Known-bad input is permanent; infrastructure
// trouble is transient; anything unrecognized is treated as transient so a
// real outage never burns a message permanently.
func Classify(err error) FailureKind {
	if errors.Is(err, llm.ErrRateLimited) || storage.IsRetriable(err) ||
		errors.Is(err, context.DeadlineExceeded) {
		return FailureTransient
	}
	msg := strings.ToLower(err.Error())
	for _, frag := range transientFragments {
		if strings.Contains(msg, frag) {
			return FailureTransient
		}
	}
	for _, frag := range permanentFragments {
		if strings.Contains(msg, frag) {
			return FailurePermanent
		}
	}
	return FailureTransient
}

// Backoff returns the wait before retry number n (0-based): 15s doubling,
// capped at 5 minutes.
func Backoff(n int) time.Duration {
	d := backoffBase
	for i := 0; i < n; i++ {
		d *= 2
		if d >= backoffMax {
			return backoffMax
		}
	}
	return d
}
