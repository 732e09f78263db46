package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VirtuonBeta/Virtuos-Market/internal/config"
	"github.com/VirtuonBeta/Virtuos-Market/internal/metrics"
)

// recordingSink captures emitted events for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []recordedEvent
}

type recordedEvent struct {
	name   string
	fields map[string]any
}

func (s *recordingSink) Record(event string, fields map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, recordedEvent{name: event, fields: fields})
}

func (s *recordingSink) byName(name string) []recordedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []recordedEvent
	for _, e := range s.events {
		if e.name == name {
			out = append(out, e)
		}
	}
	return out
}

func testRateConfig() config.RateLimitConfig {
	return config.RateLimitConfig{
		MaxRequestsPerWindow: 100,
		Window:               config.D(time.Minute),
		SafetyMargin:         1.0,
		MaxConcurrent:        5,
		MaxAdmitWait:         config.D(100 * time.Millisecond),
		ShrinkFactor:         0.9,
		GrowFactor:           1.05,
		ThrottleWindow:       config.D(5 * time.Minute),
		ThrottleThreshold:    3,
	}
}

func TestNewAppliesSafetyMargin(t *testing.T) {
	cfg := testRateConfig()
	cfg.MaxRequestsPerWindow = 1200
	cfg.SafetyMargin = 0.95

	l := New(cfg, nil, nil)

	snap := l.GetSnapshot()
	assert.Equal(t, 1140, snap.NominalCapacity)
	assert.Equal(t, 1140, snap.EffectiveCapacity)
}

func TestAdmitConsumesToken(t *testing.T) {
	l := New(testRateConfig(), nil, nil)

	before := l.GetSnapshot().AvailableTokens

	waited, err := l.Admit(context.Background())
	require.NoError(t, err)
	defer l.Release()

	assert.Equal(t, time.Duration(0), waited)
	after := l.GetSnapshot().AvailableTokens
	assert.Less(t, after, before)
	assert.GreaterOrEqual(t, after, 0.0)
}

func TestAdmitReturnsRetryWhenWaitExceedsCap(t *testing.T) {
	cfg := testRateConfig()
	cfg.MaxRequestsPerWindow = 1
	cfg.Window = config.D(time.Hour)
	cfg.MaxAdmitWait = config.D(10 * time.Millisecond)

	l := New(cfg, nil, nil)

	// Drain the single token.
	_, err := l.Admit(context.Background())
	require.NoError(t, err)
	l.Release()

	// The next token is nearly an hour away, far beyond the wait cap.
	_, err = l.Admit(context.Background())
	require.ErrorIs(t, err, ErrAdmitRetry)

	// The cancelled reservation must not leak a token debt.
	snap := l.GetSnapshot()
	assert.GreaterOrEqual(t, snap.AvailableTokens, 0.0)
}

func TestThrottleReportsBelowThresholdDoNotShrink(t *testing.T) {
	l := New(testRateConfig(), nil, nil)

	l.ReportThrottled()
	l.ReportThrottled()

	snap := l.GetSnapshot()
	assert.Equal(t, snap.NominalCapacity, snap.EffectiveCapacity)
	assert.Equal(t, 2, snap.RecentThrottles)
}

func TestShrinkAtThreshold(t *testing.T) {
	sink := &recordingSink{}
	l := New(testRateConfig(), nil, sink)

	l.ReportThrottled()
	l.ReportThrottled()
	l.ReportThrottled()

	snap := l.GetSnapshot()
	assert.Equal(t, 90, snap.EffectiveCapacity)

	adjustments := sink.byName(metrics.EventRateLimitAdjust)
	require.Len(t, adjustments, 1)
	assert.Equal(t, "shrink", adjustments[0].fields["direction"])
}

func TestShrinkFloorsAtHalfNominal(t *testing.T) {
	l := New(testRateConfig(), nil, nil)

	for i := 0; i < 50; i++ {
		l.ReportThrottled()
	}

	snap := l.GetSnapshot()
	assert.Equal(t, 50, snap.EffectiveCapacity)
}

func TestGrowBlockedWhileThrottlesRecent(t *testing.T) {
	l := New(testRateConfig(), nil, nil)

	l.ReportThrottled()
	l.ReportThrottled()
	l.ReportThrottled()
	require.Equal(t, 90, l.GetSnapshot().EffectiveCapacity)

	l.ReportSuccess()

	assert.Equal(t, 90, l.GetSnapshot().EffectiveCapacity)
}

func TestGrowAfterCleanWindow(t *testing.T) {
	cfg := testRateConfig()
	cfg.ThrottleWindow = config.D(20 * time.Millisecond)

	l := New(cfg, nil, nil)

	l.ReportThrottled()
	l.ReportThrottled()
	l.ReportThrottled()
	require.Equal(t, 90, l.GetSnapshot().EffectiveCapacity)

	// Let the throttle events age out of the trailing window.
	time.Sleep(30 * time.Millisecond)

	l.ReportSuccess()
	snap := l.GetSnapshot()
	assert.Greater(t, snap.EffectiveCapacity, 90)
	assert.LessOrEqual(t, snap.EffectiveCapacity, snap.NominalCapacity)
}

func TestGrowNeverExceedsNominal(t *testing.T) {
	cfg := testRateConfig()
	cfg.ThrottleWindow = config.D(10 * time.Millisecond)

	l := New(cfg, nil, nil)

	l.ReportThrottled()
	l.ReportThrottled()
	l.ReportThrottled()
	time.Sleep(20 * time.Millisecond)

	for i := 0; i < 100; i++ {
		l.ReportSuccess()
	}

	snap := l.GetSnapshot()
	assert.Equal(t, snap.NominalCapacity, snap.EffectiveCapacity)
}

func TestConcurrencyGateBoundsInflight(t *testing.T) {
	cfg := testRateConfig()
	cfg.MaxConcurrent = 2

	l := New(cfg, nil, nil)

	_, err := l.Admit(context.Background())
	require.NoError(t, err)
	_, err = l.Admit(context.Background())
	require.NoError(t, err)

	// Both slots held: a third admission must block until one releases.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Admit(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	l.Release()
	_, err = l.Admit(context.Background())
	require.NoError(t, err)

	l.Release()
	l.Release()
}

func TestAdmitHonorsContextCancellation(t *testing.T) {
	cfg := testRateConfig()
	cfg.MaxRequestsPerWindow = 60
	cfg.MaxAdmitWait = config.D(10 * time.Second)

	l := New(cfg, nil, nil)

	// Exhaust the burst so the next admission has to wait for refill.
	for i := 0; i < 60; i++ {
		_, err := l.Admit(context.Background())
		require.NoError(t, err)
		l.Release()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := l.Admit(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConcurrentAdmitTokensStayNonNegative(t *testing.T) {
	cfg := testRateConfig()
	cfg.MaxConcurrent = 10

	l := New(cfg, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Admit(context.Background()); err == nil {
				l.Release()
			}
		}()
	}
	wg.Wait()

	snap := l.GetSnapshot()
	assert.GreaterOrEqual(t, snap.AvailableTokens, 0.0)
	assert.LessOrEqual(t, snap.AvailableTokens, float64(snap.EffectiveCapacity))
}
