// Package metrics implements the observability collaborator for the
// ingestion pipeline. Components emit discrete events through the EventSink
// interface; the in-process Collector aggregates them into counters and a
// point-in-time Snapshot that alert rules evaluate against. Recording never
// blocks and sink failures are never fatal to callers.
package metrics

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Event names emitted by the core pipeline.
const (
	EventRequestIssued    = "request_issued"
	EventRequestSucceeded = "request_succeeded"
	EventRequestFailed    = "request_failed"
	EventCacheHit         = "cache_hit"
	EventCacheMiss        = "cache_miss"
	EventValidation       = "validation_result"
	EventRateLimitAdjust  = "rate_limit_adjustment"
	EventThrottled        = "request_throttled"
)

// EventSink receives discrete observability events. Implementations must
// return quickly; callers do not wait on delivery.
type EventSink interface {
	Record(event string, fields map[string]any)
}

// NopSink discards all events.
type NopSink struct{}

// Record implements EventSink.
func (NopSink) Record(string, map[string]any) {}

// Snapshot is a point-in-time view of collector state. Alert rules are
// evaluated against snapshots, never against live counters.
type Snapshot struct {
	Timestamp         time.Time     `json:"timestamp"`
	Uptime            time.Duration `json:"uptime"`
	RequestsIssued    int64         `json:"requests_issued"`
	RequestsSucceeded int64         `json:"requests_succeeded"`
	RequestsFailed    int64         `json:"requests_failed"`
	RequestsThrottled int64         `json:"requests_throttled"`
	CacheHits         int64         `json:"cache_hits"`
	CacheMisses       int64         `json:"cache_misses"`
	ValidationRuns    int64         `json:"validation_runs"`
	ValidationFailed  int64         `json:"validation_failed"`
	LimitAdjustments  int64         `json:"limit_adjustments"`
	AvgLatency        time.Duration `json:"avg_latency"`
}

// ErrorRate returns failed requests as a fraction of issued requests.
func (s *Snapshot) ErrorRate() float64 {
	if s.RequestsIssued == 0 {
		return 0
	}
	return float64(s.RequestsFailed) / float64(s.RequestsIssued)
}

// CacheHitRate returns cache hits as a fraction of all lookups.
func (s *Snapshot) CacheHitRate() float64 {
	total := s.CacheHits + s.CacheMisses
	if total == 0 {
		return 0
	}
	return float64(s.CacheHits) / float64(total)
}

// Severity ranks alert rules.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// RuleKind tags the predicate an alert rule evaluates. Rules are data, not
// closures, so they can be configured, listed, and tested uniformly.
type RuleKind string

const (
	// RuleErrorRateAbove fires when Snapshot.ErrorRate() exceeds Threshold.
	RuleErrorRateAbove RuleKind = "error_rate_above"
	// RuleCacheHitRateBelow fires when Snapshot.CacheHitRate() is under
	// Threshold with at least MinSamples lookups observed.
	RuleCacheHitRateBelow RuleKind = "cache_hit_rate_below"
	// RuleThrottleCountAbove fires when throttled requests exceed Threshold.
	RuleThrottleCountAbove RuleKind = "throttle_count_above"
	// RuleValidationFailures fires when failed validations exceed Threshold.
	RuleValidationFailures RuleKind = "validation_failures_above"
)

// AlertRule is a declarative threshold predicate over a Snapshot.
type AlertRule struct {
	Name       string   `json:"name"`
	Kind       RuleKind `json:"kind"`
	Threshold  float64  `json:"threshold"`
	MinSamples int64    `json:"min_samples"`
	Severity   Severity `json:"severity"`
}

// Evaluate reports whether the rule fires for the given snapshot.
func (r *AlertRule) Evaluate(s *Snapshot) bool {
	switch r.Kind {
	case RuleErrorRateAbove:
		return s.RequestsIssued >= r.MinSamples && s.ErrorRate() > r.Threshold
	case RuleCacheHitRateBelow:
		return s.CacheHits+s.CacheMisses >= r.MinSamples && s.CacheHitRate() < r.Threshold
	case RuleThrottleCountAbove:
		return float64(s.RequestsThrottled) > r.Threshold
	case RuleValidationFailures:
		return float64(s.ValidationFailed) > r.Threshold
	default:
		return false
	}
}

// Alert is one firing of a rule.
type Alert struct {
	Rule      string    `json:"rule"`
	Severity  Severity  `json:"severity"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	FiredAt   time.Time `json:"fired_at"`
}

// Collector aggregates pipeline events into counters and evaluates alert
// rules over snapshots. All counters use atomics; Record never blocks.
type Collector struct {
	logger    *slog.Logger
	startTime time.Time

	requestsIssued    atomic.Int64
	requestsSucceeded atomic.Int64
	requestsFailed    atomic.Int64
	requestsThrottled atomic.Int64
	cacheHits         atomic.Int64
	cacheMisses       atomic.Int64
	validationRuns    atomic.Int64
	validationFailed  atomic.Int64
	limitAdjustments  atomic.Int64
	latencyTotalNs    atomic.Int64
	latencySamples    atomic.Int64

	mu    sync.RWMutex
	rules []AlertRule
}

// NewCollector creates a collector with the given alert rules.
func NewCollector(logger *slog.Logger, rules []AlertRule) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		logger:    logger,
		startTime: time.Now(),
		rules:     rules,
	}
}

// Record implements EventSink.
func (c *Collector) Record(event string, fields map[string]any) {
	switch event {
	case EventRequestIssued:
		c.requestsIssued.Add(1)
	case EventRequestSucceeded:
		c.requestsSucceeded.Add(1)
		if d, ok := fields["latency"].(time.Duration); ok {
			c.latencyTotalNs.Add(d.Nanoseconds())
			c.latencySamples.Add(1)
		}
	case EventRequestFailed:
		c.requestsFailed.Add(1)
	case EventThrottled:
		c.requestsThrottled.Add(1)
	case EventCacheHit:
		c.cacheHits.Add(1)
	case EventCacheMiss:
		c.cacheMisses.Add(1)
	case EventValidation:
		c.validationRuns.Add(1)
		if valid, ok := fields["valid"].(bool); ok && !valid {
			c.validationFailed.Add(1)
		}
	case EventRateLimitAdjust:
		c.limitAdjustments.Add(1)
	}
}

// Snapshot returns the current aggregated state.
func (c *Collector) Snapshot() *Snapshot {
	s := &Snapshot{
		Timestamp:         time.Now(),
		Uptime:            time.Since(c.startTime),
		RequestsIssued:    c.requestsIssued.Load(),
		RequestsSucceeded: c.requestsSucceeded.Load(),
		RequestsFailed:    c.requestsFailed.Load(),
		RequestsThrottled: c.requestsThrottled.Load(),
		CacheHits:         c.cacheHits.Load(),
		CacheMisses:       c.cacheMisses.Load(),
		ValidationRuns:    c.validationRuns.Load(),
		ValidationFailed:  c.validationFailed.Load(),
		LimitAdjustments:  c.limitAdjustments.Load(),
	}
	if samples := c.latencySamples.Load(); samples > 0 {
		s.AvgLatency = time.Duration(c.latencyTotalNs.Load() / samples)
	}
	return s
}

// EvaluateAlerts evaluates all rules against a fresh snapshot and returns
// the alerts that fired.
func (c *Collector) EvaluateAlerts() []Alert {
	snap := c.Snapshot()

	c.mu.RLock()
	rules := c.rules
	c.mu.RUnlock()

	var fired []Alert
	for _, rule := range rules {
		if !rule.Evaluate(snap) {
			continue
		}
		alert := Alert{
			Rule:      rule.Name,
			Severity:  rule.Severity,
			Threshold: rule.Threshold,
			FiredAt:   snap.Timestamp,
		}
		switch rule.Kind {
		case RuleErrorRateAbove:
			alert.Value = snap.ErrorRate()
		case RuleCacheHitRateBelow:
			alert.Value = snap.CacheHitRate()
		case RuleThrottleCountAbove:
			alert.Value = float64(snap.RequestsThrottled)
		case RuleValidationFailures:
			alert.Value = float64(snap.ValidationFailed)
		}
		fired = append(fired, alert)
		c.logger.Warn("alert fired",
			"rule", rule.Name,
			"severity", rule.Severity,
			"value", alert.Value,
			"threshold", rule.Threshold)
	}
	return fired
}

// SetRules replaces the alert rule set.
func (c *Collector) SetRules(rules []AlertRule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules = rules
}

// DefaultRules returns the standard alert rules for the pipeline.
func DefaultRules() []AlertRule {
	return []AlertRule{
		{Name: "high_error_rate", Kind: RuleErrorRateAbove, Threshold: 0.25, MinSamples: 20, Severity: SeverityError},
		{Name: "low_cache_hit_rate", Kind: RuleCacheHitRateBelow, Threshold: 0.1, MinSamples: 50, Severity: SeverityWarning},
		{Name: "sustained_throttling", Kind: RuleThrottleCountAbove, Threshold: 10, Severity: SeverityWarning},
		{Name: "validation_failures", Kind: RuleValidationFailures, Threshold: 5, Severity: SeverityError},
	}
}
