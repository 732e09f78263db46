package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorCountsEvents(t *testing.T) {
	c := NewCollector(nil, nil)

	c.Record(EventRequestIssued, nil)
	c.Record(EventRequestIssued, nil)
	c.Record(EventRequestSucceeded, map[string]any{"latency": 100 * time.Millisecond})
	c.Record(EventRequestFailed, nil)
	c.Record(EventThrottled, nil)
	c.Record(EventCacheHit, nil)
	c.Record(EventCacheMiss, nil)
	c.Record(EventCacheMiss, nil)
	c.Record(EventValidation, map[string]any{"valid": true})
	c.Record(EventValidation, map[string]any{"valid": false})
	c.Record(EventRateLimitAdjust, map[string]any{"direction": "shrink"})

	snap := c.Snapshot()
	assert.Equal(t, int64(2), snap.RequestsIssued)
	assert.Equal(t, int64(1), snap.RequestsSucceeded)
	assert.Equal(t, int64(1), snap.RequestsFailed)
	assert.Equal(t, int64(1), snap.RequestsThrottled)
	assert.Equal(t, int64(1), snap.CacheHits)
	assert.Equal(t, int64(2), snap.CacheMisses)
	assert.Equal(t, int64(2), snap.ValidationRuns)
	assert.Equal(t, int64(1), snap.ValidationFailed)
	assert.Equal(t, int64(1), snap.LimitAdjustments)
	assert.Equal(t, 100*time.Millisecond, snap.AvgLatency)
}

func TestCollectorUnknownEventIsIgnored(t *testing.T) {
	c := NewCollector(nil, nil)
	c.Record("something_else", nil)

	snap := c.Snapshot()
	assert.Equal(t, int64(0), snap.RequestsIssued)
}

func TestSnapshotRates(t *testing.T) {
	s := &Snapshot{RequestsIssued: 10, RequestsFailed: 3, CacheHits: 6, CacheMisses: 2}

	assert.InDelta(t, 0.3, s.ErrorRate(), 1e-9)
	assert.InDelta(t, 0.75, s.CacheHitRate(), 1e-9)

	empty := &Snapshot{}
	assert.Zero(t, empty.ErrorRate())
	assert.Zero(t, empty.CacheHitRate())
}

func TestAlertRuleEvaluation(t *testing.T) {
	tests := []struct {
		name string
		rule AlertRule
		snap Snapshot
		want bool
	}{
		{
			name: "error rate fires over threshold",
			rule: AlertRule{Kind: RuleErrorRateAbove, Threshold: 0.25, MinSamples: 10},
			snap: Snapshot{RequestsIssued: 20, RequestsFailed: 10},
			want: true,
		},
		{
			name: "error rate needs minimum samples",
			rule: AlertRule{Kind: RuleErrorRateAbove, Threshold: 0.25, MinSamples: 10},
			snap: Snapshot{RequestsIssued: 4, RequestsFailed: 4},
			want: false,
		},
		{
			name: "cache hit rate fires when low",
			rule: AlertRule{Kind: RuleCacheHitRateBelow, Threshold: 0.5, MinSamples: 10},
			snap: Snapshot{CacheHits: 1, CacheMisses: 19},
			want: true,
		},
		{
			name: "throttle count fires over threshold",
			rule: AlertRule{Kind: RuleThrottleCountAbove, Threshold: 5},
			snap: Snapshot{RequestsThrottled: 6},
			want: true,
		},
		{
			name: "validation failures fire over threshold",
			rule: AlertRule{Kind: RuleValidationFailures, Threshold: 2},
			snap: Snapshot{ValidationFailed: 3},
			want: true,
		},
		{
			name: "unknown kind never fires",
			rule: AlertRule{Kind: RuleKind("bogus"), Threshold: 0},
			snap: Snapshot{RequestsIssued: 100, RequestsFailed: 100},
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.rule.Evaluate(&tt.snap))
		})
	}
}

func TestEvaluateAlertsReturnsFiringRules(t *testing.T) {
	c := NewCollector(nil, []AlertRule{
		{Name: "high_error_rate", Kind: RuleErrorRateAbove, Threshold: 0.25, MinSamples: 2, Severity: SeverityError},
		{Name: "sustained_throttling", Kind: RuleThrottleCountAbove, Threshold: 100, Severity: SeverityWarning},
	})

	for i := 0; i < 4; i++ {
		c.Record(EventRequestIssued, nil)
		c.Record(EventRequestFailed, nil)
	}

	alerts := c.EvaluateAlerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, "high_error_rate", alerts[0].Rule)
	assert.Equal(t, SeverityError, alerts[0].Severity)
	assert.InDelta(t, 1.0, alerts[0].Value, 1e-9)
}

func TestSetRulesReplacesRuleSet(t *testing.T) {
	c := NewCollector(nil, DefaultRules())
	c.SetRules(nil)

	c.Record(EventRequestIssued, nil)
	c.Record(EventRequestFailed, nil)
	assert.Empty(t, c.EvaluateAlerts())
}

func TestDefaultRulesCoverEachKind(t *testing.T) {
	kinds := make(map[RuleKind]bool)
	for _, rule := range DefaultRules() {
		kinds[rule.Kind] = true
	}
	assert.True(t, kinds[RuleErrorRateAbove])
	assert.True(t, kinds[RuleCacheHitRateBelow])
	assert.True(t, kinds[RuleThrottleCountAbove])
	assert.True(t, kinds[RuleValidationFailures])
}
