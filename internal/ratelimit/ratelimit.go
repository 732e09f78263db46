// Package ratelimit implements adaptive admission control for the exchange
// API: a token bucket sized from the configured request budget, plus a
// counting gate that bounds simultaneously in-flight requests independently
// of token availability.
//
// The effective capacity adapts to observed server behavior. Three or more
// throttle signals inside the trailing window shrink capacity by a fixed
// factor (never below half of nominal); sustained clean traffic grows it
// back toward nominal. Capacity changes take effect between admissions and
// never invalidate already-consumed tokens.
package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/VirtuonBeta/Virtuos-Market/internal/config"
	"github.com/VirtuonBeta/Virtuos-Market/internal/metrics"
)

// ErrAdmitRetry is returned when the wait for a token would exceed the
// configured cap. Admission never fails outright; the caller retries.
var ErrAdmitRetry = errors.New("ratelimit: token wait exceeded cap, retry admission")

// Limiter is the single owner of rate-limit state. Concurrent Admit callers
// serialize only around token accounting, not around the network call.
type Limiter struct {
	cfg      config.RateLimitConfig
	logger   *slog.Logger
	sink     metrics.EventSink
	inflight *semaphore.Weighted

	mu             sync.Mutex
	bucket         *rate.Limiter
	nominal        int
	current        int
	throttleEvents []time.Time
	lastAdjustment time.Time
}

// Snapshot is a read-only view of limiter state for observability.
type Snapshot struct {
	NominalCapacity   int     `json:"nominal_capacity"`
	EffectiveCapacity int     `json:"effective_capacity"`
	AvailableTokens   float64 `json:"available_tokens"`
	RecentThrottles   int     `json:"recent_throttles"`
}

// New creates a limiter from configuration. Nominal capacity is
// max_requests_per_window scaled by the safety margin; tokens refill
// continuously at capacity/window.
func New(cfg config.RateLimitConfig, logger *slog.Logger, sink metrics.EventSink) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = metrics.NopSink{}
	}

	nominal := int(float64(cfg.MaxRequestsPerWindow) * cfg.SafetyMargin)
	if nominal < 1 {
		nominal = 1
	}

	l := &Limiter{
		cfg:      cfg,
		logger:   logger,
		sink:     sink,
		inflight: semaphore.NewWeighted(cfg.MaxConcurrent),
		nominal:  nominal,
		current:  nominal,
	}
	l.bucket = rate.NewLimiter(l.refillRate(nominal), nominal)

	logger.Info("rate limiter initialized",
		"nominal_capacity", nominal,
		"window", cfg.Window.Duration,
		"max_concurrent", cfg.MaxConcurrent)

	return l
}

func (l *Limiter) refillRate(capacity int) rate.Limit {
	return rate.Limit(float64(capacity) / l.cfg.Window.Duration.Seconds())
}

// Admit blocks until a token and an in-flight slot are available, then
// consumes one token and returns the time spent waiting. If the token wait
// would exceed the configured cap, the reservation is cancelled and
// ErrAdmitRetry is returned so the caller can retry. The in-flight slot is
// held until Release is called.
func (l *Limiter) Admit(ctx context.Context) (time.Duration, error) {
	if err := l.inflight.Acquire(ctx, 1); err != nil {
		return 0, err
	}

	l.mu.Lock()
	now := time.Now()
	reservation := l.bucket.ReserveN(now, 1)
	l.mu.Unlock()

	if !reservation.OK() {
		l.inflight.Release(1)
		return 0, ErrAdmitRetry
	}

	delay := reservation.DelayFrom(now)
	if delay > l.cfg.MaxAdmitWait.Duration {
		reservation.CancelAt(now)
		l.inflight.Release(1)
		return 0, ErrAdmitRetry
	}

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			reservation.Cancel()
			l.inflight.Release(1)
			return 0, ctx.Err()
		}
	}

	return delay, nil
}

// Release returns the in-flight slot acquired by Admit. Callers must invoke
// it exactly once per successful admission, after the network call
// completes.
func (l *Limiter) Release() {
	l.inflight.Release(1)
}

// ReportThrottled records an explicit throttle signal from the server.
// Once the trailing window holds the configured number of events the
// effective capacity shrinks by the shrink factor, floored at half of
// nominal.
func (l *Limiter) ReportThrottled() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.throttleEvents = append(l.throttleEvents, now)
	l.pruneThrottleEvents(now)

	if len(l.throttleEvents) < l.cfg.ThrottleThreshold {
		return
	}

	floor := l.nominal / 2
	shrunk := int(float64(l.current) * l.cfg.ShrinkFactor)
	if shrunk < floor {
		shrunk = floor
	}
	if shrunk >= l.current {
		return
	}

	old := l.current
	l.applyCapacity(shrunk)

	l.logger.Warn("rate limit capacity shrunk",
		"old_capacity", old,
		"new_capacity", l.current,
		"recent_throttles", len(l.throttleEvents))
	l.sink.Record(metrics.EventRateLimitAdjust, map[string]any{
		"direction": "shrink",
		"capacity":  l.current,
	})
}

// ReportSuccess records a cleanly accepted request. When the trailing
// window holds no throttle events and capacity is below nominal, capacity
// grows by the grow factor toward nominal. Shrink always wins a contested
// evaluation period because it is applied eagerly on the throttle report.
func (l *Limiter) ReportSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.pruneThrottleEvents(now)

	if len(l.throttleEvents) > 0 || l.current >= l.nominal {
		return
	}

	grown := int(float64(l.current) * l.cfg.GrowFactor)
	if grown <= l.current {
		grown = l.current + 1
	}
	if grown > l.nominal {
		grown = l.nominal
	}

	old := l.current
	l.applyCapacity(grown)

	l.logger.Info("rate limit capacity recovered",
		"old_capacity", old,
		"new_capacity", l.current)
	l.sink.Record(metrics.EventRateLimitAdjust, map[string]any{
		"direction": "grow",
		"capacity":  l.current,
	})
}

// applyCapacity updates the bucket's refill rate and burst. Callers hold
// the mutex; already-consumed tokens are unaffected.
func (l *Limiter) applyCapacity(capacity int) {
	l.current = capacity
	l.lastAdjustment = time.Now()
	l.bucket.SetLimit(l.refillRate(capacity))
	l.bucket.SetBurst(capacity)
}

func (l *Limiter) pruneThrottleEvents(now time.Time) {
	cutoff := now.Add(-l.cfg.ThrottleWindow.Duration)
	kept := l.throttleEvents[:0]
	for _, t := range l.throttleEvents {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.throttleEvents = kept
}

// GetSnapshot returns the current limiter state.
func (l *Limiter) GetSnapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	tokens := l.bucket.Tokens()
	if tokens < 0 {
		tokens = 0
	}
	if tokens > float64(l.current) {
		tokens = float64(l.current)
	}

	return Snapshot{
		NominalCapacity:   l.nominal,
		EffectiveCapacity: l.current,
		AvailableTokens:   tokens,
		RecentThrottles:   len(l.throttleEvents),
	}
}
