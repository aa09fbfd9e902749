package provider

import (
	"context"
	"crypto/rand"
	"math/big"
	"strings"
	"time"
)

// Retry policy constants from spec.md §4.2 item 4: transient 429/rate-limit/
// resource_exhausted errors retry up to 8 times with exponential backoff,
// base 1.25s, cap 20s, ±500ms jitter. Aborts are never retried.
//
// Grounded directly on the teacher's internal/agent/retry.go
// (isRetryableError / retryDelay / sleepWithContext), generalized from the
// teacher's HTTP-status-code matching to the provider-agnostic error
// classes spec.md names.
const (
	MaxRetries  = 8
	baseDelay   = 1250 * time.Millisecond
	maxDelay    = 20 * time.Second
	jitterRange = 500 * time.Millisecond
)

// IsRetryableError reports whether err matches one of spec.md's transient
// classes: 429, "too many requests", "rate limit", "resource_exhausted".
// Aborts are excluded explicitly so a cancelled round is never retried.
func IsRetryableError(err error) bool {
	if err == nil || IsAbort(err) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"429", "too many requests", "rate limit", "rate_limit", "resource_exhausted",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// RetryDelay computes the exponential backoff with jitter for a given
// zero-based attempt number.
func RetryDelay(attempt int) time.Duration {
	delay := baseDelay
	for range attempt {
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
			break
		}
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay + jitter()
}

func jitter() time.Duration {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(jitterRange*2)))
	if err != nil {
		return 0
	}
	return time.Duration(n.Int64()) - jitterRange
}

// SleepWithContext sleeps for d but returns an *AbortError early if ctx is
// cancelled, so callers can treat it exactly like any other abort signal.
func SleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return &AbortError{Cause: ctx.Err()}
	case <-t.C:
		return nil
	}
}
