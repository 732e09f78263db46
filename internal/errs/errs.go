// Package errs defines the error taxonomy for the ingestion pipeline and
// the classification logic the orchestrator uses to decide retries.
//
// Only ValidationError and PartialFetchError cross the orchestrator
// boundary as terminal failures; network faults and rate-limit signals are
// absorbed by retry and backoff, and cache faults always degrade to a miss.
package errs

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Kind classifies an error for retry decisions.
type Kind string

const (
	// KindNetwork marks transient transport failures. Retryable.
	KindNetwork Kind = "network"
	// KindRateLimit marks an explicit throttle signal from the server.
	// Retryable after limiter adjustment and any server-specified delay.
	KindRateLimit Kind = "rate_limit"
	// KindValidation marks a dataset that failed hard checks. Not retried.
	KindValidation Kind = "validation"
	// KindCache marks a cache fault. Never propagated; degrades to miss.
	KindCache Kind = "cache"
	// KindPartial marks a fetch where some batches permanently failed.
	KindPartial Kind = "partial_fetch"
	// KindPermanent marks client-side request errors (malformed request,
	// unknown symbol). Not retried.
	KindPermanent Kind = "permanent"
	// KindUnknown marks unclassified errors. Retried with caution.
	KindUnknown Kind = "unknown"
)

// NetworkError wraps a transient transport failure.
type NetworkError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *NetworkError) Unwrap() error { return e.Err }

// RateLimitSignal reports an explicit server throttle response. RetryAfter
// is zero when the server did not specify a delay.
type RateLimitSignal struct {
	StatusCode int
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *RateLimitSignal) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (status %d, retry after %s)", e.StatusCode, e.RetryAfter)
	}
	return fmt.Sprintf("rate limited (status %d)", e.StatusCode)
}

// CacheError wraps a cache-tier fault. Callers log it and treat the lookup
// as a miss.
type CacheError struct {
	Op  string
	Key string
	Err error
}

// Error implements the error interface.
func (e *CacheError) Error() string {
	return fmt.Sprintf("cache %s failed for key %s: %v", e.Op, e.Key, e.Err)
}

// Unwrap returns the underlying error.
func (e *CacheError) Unwrap() error { return e.Err }

// Classify determines the Kind of an arbitrary error.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var rls *RateLimitSignal
	if errors.As(err, &rls) {
		return KindRateLimit
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return KindNetwork
	}
	var ce *CacheError
	if errors.As(err, &ce) {
		return KindCache
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"):
		return KindRateLimit
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline exceeded"),
		strings.Contains(msg, "no route to host"),
		strings.Contains(msg, "eof"):
		return KindNetwork
	case strings.Contains(msg, "client error"), strings.Contains(msg, "invalid request"):
		return KindPermanent
	case strings.Contains(msg, "validation"):
		return KindValidation
	default:
		return KindUnknown
	}
}

// IsRetryable reports whether an error of the given kind should be retried.
func IsRetryable(kind Kind) bool {
	switch kind {
	case KindNetwork, KindRateLimit, KindUnknown:
		return true
	default:
		return false
	}
}
