package fetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/VirtuonBeta/Virtuos-Market/internal/cache"
	"github.com/VirtuonBeta/Virtuos-Market/internal/config"
	"github.com/VirtuonBeta/Virtuos-Market/internal/errs"
	"github.com/VirtuonBeta/Virtuos-Market/internal/exchange"
	"github.com/VirtuonBeta/Virtuos-Market/internal/models"
	"github.com/VirtuonBeta/Virtuos-Market/internal/ratelimit"
	"github.com/VirtuonBeta/Virtuos-Market/internal/validator"
)

// stubClient scripts transport behavior and counts calls.
type stubClient struct {
	mu          sync.Mutex
	candleCalls int
	tradeCalls  int
	candleFn    func(req exchange.CandleRequest) ([]models.Candle, error)
	tradeFn     func(req exchange.TradeRequest) ([]models.Trade, error)
}

func (s *stubClient) FetchCandles(_ context.Context, req exchange.CandleRequest) ([]models.Candle, error) {
	s.mu.Lock()
	s.candleCalls++
	s.mu.Unlock()
	return s.candleFn(req)
}

func (s *stubClient) FetchTrades(_ context.Context, req exchange.TradeRequest) ([]models.Trade, error) {
	s.mu.Lock()
	s.tradeCalls++
	s.mu.Unlock()
	return s.tradeFn(req)
}

func (s *stubClient) calls() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.candleCalls, s.tradeCalls
}

// genCandles produces valid hourly candles covering [start, end).
func genCandles(symbol string, start, end time.Time) []models.Candle {
	var out []models.Candle
	for cursor := start; cursor.Before(end); cursor = cursor.Add(time.Hour) {
		out = append(out, models.Candle{
			Symbol:     symbol,
			Interval:   "1h",
			OpenTime:   cursor,
			CloseTime:  cursor.Add(time.Hour),
			Open:       "100",
			High:       "110",
			Low:        "95",
			Close:      "105",
			Volume:     "1000",
			TradeCount: 10,
		})
	}
	return out
}

func testFetchConfig() config.FetchConfig {
	return config.FetchConfig{
		BatchLimit:   2,
		WorkerCount:  2,
		MaxAttempts:  3,
		InitialDelay: config.D(10 * time.Millisecond),
		MaxDelay:     config.D(50 * time.Millisecond),
	}
}

func testLimiter() *ratelimit.Limiter {
	return ratelimit.New(config.RateLimitConfig{
		MaxRequestsPerWindow: 10000,
		Window:               config.D(time.Minute),
		SafetyMargin:         1.0,
		MaxConcurrent:        8,
		MaxAdmitWait:         config.D(time.Second),
		ShrinkFactor:         0.9,
		GrowFactor:           1.05,
		ThrottleWindow:       config.D(5 * time.Minute),
		ThrottleThreshold:    3,
	}, nil, nil)
}

func newTestOrchestrator(t *testing.T, client exchange.Client, gate RateGate) *Orchestrator {
	t.Helper()
	store, err := cache.New(config.CacheConfig{
		Dir:            t.TempDir(),
		MemoryCapacity: 10,
		TTL:            config.D(time.Hour),
		SchemaVersion:  1,
	}, nil, nil)
	require.NoError(t, err)

	checker := validator.New(config.ValidatorConfig{
		VolatilityThreshold:  0.5,
		GapToleranceMultiple: 1.5,
	}, nil, nil)

	if gate == nil {
		gate = testLimiter()
	}
	return New(testFetchConfig(), time.Hour, client, gate, store, checker, nil, nil)
}

func candleRequest(start time.Time, hours int) Request {
	return Request{
		Symbol:   "BTCUSDT",
		Kind:     models.KindCandles,
		Interval: "1h",
		Start:    start,
		End:      start.Add(time.Duration(hours) * time.Hour),
	}
}

func TestFetchRangeHappyPath(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	client := &stubClient{
		candleFn: func(req exchange.CandleRequest) ([]models.Candle, error) {
			return genCandles(req.Symbol, req.Start, req.End), nil
		},
	}
	o := newTestOrchestrator(t, client, nil)

	result, err := o.FetchRange(context.Background(), candleRequest(start, 4))
	require.NoError(t, err)

	assert.False(t, result.FromCache)
	assert.True(t, result.Report.Valid)
	require.Len(t, result.Dataset.Candles, 4)

	// Batch limit 2 over 4 hourly bars means two batches.
	candleCalls, _ := client.calls()
	assert.Equal(t, 2, candleCalls)
}

func TestFetchRangeIdempotentViaCache(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	client := &stubClient{
		candleFn: func(req exchange.CandleRequest) ([]models.Candle, error) {
			return genCandles(req.Symbol, req.Start, req.End), nil
		},
	}
	o := newTestOrchestrator(t, client, nil)
	req := candleRequest(start, 4)

	first, err := o.FetchRange(context.Background(), req)
	require.NoError(t, err)
	callsAfterFirst, _ := client.calls()

	second, err := o.FetchRange(context.Background(), req)
	require.NoError(t, err)
	callsAfterSecond, _ := client.calls()

	assert.True(t, second.FromCache)
	assert.Equal(t, callsAfterFirst, callsAfterSecond, "second call must issue zero network requests")
	assert.Equal(t, len(first.Dataset.Candles), len(second.Dataset.Candles))
}

func TestFetchRangeMergesOutOfOrderBatches(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	// The first sub-range answers slower than the second, so batches
	// complete out of order.
	client := &stubClient{
		candleFn: func(req exchange.CandleRequest) ([]models.Candle, error) {
			if req.Start.Equal(start) {
				time.Sleep(30 * time.Millisecond)
			}
			return genCandles(req.Symbol, req.Start, req.End), nil
		},
	}
	o := newTestOrchestrator(t, client, nil)

	result, err := o.FetchRange(context.Background(), candleRequest(start, 4))
	require.NoError(t, err)

	candles := result.Dataset.Candles
	require.Len(t, candles, 4)
	seen := make(map[int64]bool)
	for i := 1; i < len(candles); i++ {
		assert.True(t, candles[i-1].OpenTime.Before(candles[i].OpenTime),
			"candles must be in strict ascending time order")
	}
	for _, c := range candles {
		assert.False(t, seen[c.OpenTime.UnixMilli()], "no duplicate open times")
		seen[c.OpenTime.UnixMilli()] = true
	}
}

// mockGate verifies limiter interactions with the retry loop.
type mockGate struct {
	mock.Mock
}

func (m *mockGate) Admit(ctx context.Context) (time.Duration, error) {
	args := m.Called(ctx)
	return args.Get(0).(time.Duration), args.Error(1)
}

func (m *mockGate) Release()         { m.Called() }
func (m *mockGate) ReportThrottled() { m.Called() }
func (m *mockGate) ReportSuccess()   { m.Called() }

func TestThrottledBatchRetriesAndReportsOnce(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	var mu sync.Mutex
	attempts := 0
	client := &stubClient{
		candleFn: func(req exchange.CandleRequest) ([]models.Candle, error) {
			mu.Lock()
			attempts++
			n := attempts
			mu.Unlock()
			if n <= 2 {
				return nil, &errs.RateLimitSignal{StatusCode: 429}
			}
			return genCandles(req.Symbol, req.Start, req.End), nil
		},
	}

	gate := &mockGate{}
	gate.On("Admit", mock.Anything).Return(time.Duration(0), nil)
	gate.On("Release").Return()
	gate.On("ReportThrottled").Return()
	gate.On("ReportSuccess").Return()

	o := newTestOrchestrator(t, client, gate)

	began := time.Now()
	result, err := o.FetchRange(context.Background(), candleRequest(start, 2))
	elapsed := time.Since(began)

	require.NoError(t, err)
	require.Len(t, result.Dataset.Candles, 2)
	assert.Equal(t, 3, attempts)

	// Two 429s in one batch sequence adjust the limiter once, and the two
	// backoff delays are reflected in total elapsed time.
	gate.AssertNumberOfCalls(t, "ReportThrottled", 1)
	assert.GreaterOrEqual(t, elapsed, 15*time.Millisecond)
}

func TestRetryAfterDelayIsHonored(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	var mu sync.Mutex
	attempts := 0
	client := &stubClient{
		candleFn: func(req exchange.CandleRequest) ([]models.Candle, error) {
			mu.Lock()
			attempts++
			n := attempts
			mu.Unlock()
			if n == 1 {
				return nil, &errs.RateLimitSignal{StatusCode: 429, RetryAfter: 40 * time.Millisecond}
			}
			return genCandles(req.Symbol, req.Start, req.End), nil
		},
	}
	o := newTestOrchestrator(t, client, nil)

	began := time.Now()
	_, err := o.FetchRange(context.Background(), candleRequest(start, 2))

	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(began), 40*time.Millisecond)
}

func TestPermanentBatchFailureYieldsPartialFetchError(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	// The second sub-range always fails with a non-retryable client error;
	// its sibling batch must still complete.
	badStart := start.Add(2 * time.Hour)
	client := &stubClient{
		candleFn: func(req exchange.CandleRequest) ([]models.Candle, error) {
			if req.Start.Equal(badStart) {
				return nil, fmt.Errorf("client error 400: invalid symbol")
			}
			return genCandles(req.Symbol, req.Start, req.End), nil
		},
	}
	o := newTestOrchestrator(t, client, nil)

	result, err := o.FetchRange(context.Background(), candleRequest(start, 4))
	require.Error(t, err)
	assert.Nil(t, result)

	var partial *PartialFetchError
	require.True(t, errors.As(err, &partial))
	require.Len(t, partial.Failed, 1)
	require.Len(t, partial.Succeeded, 1)
	assert.Equal(t, badStart, partial.Failed[0].Start)
	assert.Len(t, partial.Partial.Candles, 2)

	// A non-retryable failure must not be retried.
	candleCalls, _ := client.calls()
	assert.Equal(t, 2, candleCalls)
}

func TestNetworkErrorsAreRetriedToSuccess(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	var mu sync.Mutex
	attempts := 0
	client := &stubClient{
		candleFn: func(req exchange.CandleRequest) ([]models.Candle, error) {
			mu.Lock()
			attempts++
			n := attempts
			mu.Unlock()
			if n == 1 {
				return nil, &errs.NetworkError{Op: "klines", Err: fmt.Errorf("connection reset")}
			}
			return genCandles(req.Symbol, req.Start, req.End), nil
		},
	}
	o := newTestOrchestrator(t, client, nil)

	result, err := o.FetchRange(context.Background(), candleRequest(start, 2))
	require.NoError(t, err)
	assert.Len(t, result.Dataset.Candles, 2)
	assert.Equal(t, 2, attempts)
}

func TestInvalidDatasetYieldsValidationError(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	client := &stubClient{
		candleFn: func(req exchange.CandleRequest) ([]models.Candle, error) {
			candles := genCandles(req.Symbol, req.Start, req.End)
			candles[0].High = "10"
			candles[0].Low = "500"
			return candles, nil
		},
	}
	o := newTestOrchestrator(t, client, nil)

	_, err := o.FetchRange(context.Background(), candleRequest(start, 2))
	require.Error(t, err)

	var vErr *ValidationError
	require.True(t, errors.As(err, &vErr))
	assert.False(t, vErr.Report.Valid)
	assert.Positive(t, vErr.Report.Metrics[validator.MetricInvalidHighLow])

	// Failed validation must not populate the cache.
	second, err := o.FetchRange(context.Background(), candleRequest(start, 2))
	require.Error(t, err)
	assert.Nil(t, second)
}

func TestCancellationStopsDispatch(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	ctx, cancel := context.WithCancel(context.Background())
	client := &stubClient{
		candleFn: func(req exchange.CandleRequest) ([]models.Candle, error) {
			cancel()
			time.Sleep(10 * time.Millisecond)
			return genCandles(req.Symbol, req.Start, req.End), nil
		},
	}
	o := newTestOrchestrator(t, client, nil)

	_, err := o.FetchRange(ctx, candleRequest(start, 8))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFetchTradesPaginatesWithCursor(t *testing.T) {
	bucketStart := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	// Two full pages followed by a short page, all inside one bucket. Page
	// size equals the batch limit (2), so pagination continues until the
	// short page.
	client := &stubClient{
		tradeFn: func(req exchange.TradeRequest) ([]models.Trade, error) {
			makeTrade := func(id int64) models.Trade {
				return models.Trade{
					ID:        id,
					Symbol:    req.Symbol,
					Price:     "100",
					Quantity:  "1",
					Timestamp: bucketStart.Add(time.Duration(id) * time.Second),
				}
			}
			switch {
			case req.FromID == 0:
				return []models.Trade{makeTrade(1), makeTrade(2)}, nil
			case req.FromID == 3:
				return []models.Trade{makeTrade(3), makeTrade(4)}, nil
			case req.FromID == 5:
				return []models.Trade{makeTrade(5)}, nil
			default:
				return nil, fmt.Errorf("unexpected fromId %d", req.FromID)
			}
		},
	}
	o := newTestOrchestrator(t, client, nil)

	result, err := o.FetchRange(context.Background(), Request{
		Symbol:   "BTCUSDT",
		Kind:     models.KindTrades,
		Interval: "1h",
		Start:    bucketStart,
		End:      bucketStart.Add(time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, result.Dataset.Trades, 5)

	_, tradeCalls := client.calls()
	assert.Equal(t, 3, tradeCalls)
	for i, trade := range result.Dataset.Trades {
		assert.Equal(t, int64(i+1), trade.ID)
	}
}

func TestFetchTradesServesSecondCallFromBucketCache(t *testing.T) {
	bucketStart := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	client := &stubClient{
		tradeFn: func(req exchange.TradeRequest) ([]models.Trade, error) {
			return []models.Trade{{
				ID:        1,
				Symbol:    req.Symbol,
				Price:     "100",
				Quantity:  "1",
				Timestamp: bucketStart.Add(time.Second),
			}}, nil
		},
	}
	o := newTestOrchestrator(t, client, nil)
	req := Request{
		Symbol:   "BTCUSDT",
		Kind:     models.KindTrades,
		Interval: "1h",
		Start:    bucketStart,
		End:      bucketStart.Add(time.Hour),
	}

	_, err := o.FetchRange(context.Background(), req)
	require.NoError(t, err)
	_, callsAfterFirst := client.calls()

	second, err := o.FetchRange(context.Background(), req)
	require.NoError(t, err)
	_, callsAfterSecond := client.calls()

	assert.True(t, second.FromCache)
	assert.Equal(t, callsAfterFirst, callsAfterSecond)
}

func TestFetchTradesAggregatesToBars(t *testing.T) {
	bucketStart := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	client := &stubClient{
		tradeFn: func(req exchange.TradeRequest) ([]models.Trade, error) {
			return []models.Trade{
				{ID: 1, Symbol: req.Symbol, Price: "100", Quantity: "1", Timestamp: bucketStart.Add(time.Minute), IsBuyerMaker: true},
				{ID: 2, Symbol: req.Symbol, Price: "110", Quantity: "2", Timestamp: bucketStart.Add(30 * time.Minute)},
			}, nil
		},
	}
	o := newTestOrchestrator(t, client, nil)

	result, err := o.FetchRange(context.Background(), Request{
		Symbol:   "BTCUSDT",
		Kind:     models.KindTrades,
		Interval: "1h",
		Start:    bucketStart,
		End:      bucketStart.Add(time.Hour),
		Bars:     true,
	})
	require.NoError(t, err)
	require.Len(t, result.Bars, 1)

	bar := result.Bars[0]
	assert.Equal(t, "100", bar.Open)
	assert.Equal(t, "110", bar.Close)
	assert.Equal(t, "3", bar.Volume)
	assert.Equal(t, "1", bar.BidVolume)
	assert.Equal(t, "2", bar.AskVolume)
}

func TestRequestValidation(t *testing.T) {
	o := newTestOrchestrator(t, &stubClient{}, nil)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		req  Request
	}{
		{"missing symbol", Request{Kind: models.KindCandles, Interval: "1h", Start: start, End: start.Add(time.Hour)}},
		{"bad interval", Request{Symbol: "BTCUSDT", Kind: models.KindCandles, Interval: "9h", Start: start, End: start.Add(time.Hour)}},
		{"inverted range", Request{Symbol: "BTCUSDT", Kind: models.KindCandles, Interval: "1h", Start: start.Add(time.Hour), End: start}},
		{"bars on candles", Request{Symbol: "BTCUSDT", Kind: models.KindCandles, Interval: "1h", Start: start, End: start.Add(time.Hour), Bars: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := o.FetchRange(context.Background(), tt.req)
			assert.Error(t, err)
		})
	}
}

func TestSplitCandleRange(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	batches := splitCandleRange(start, start.Add(5*time.Hour), time.Hour, 2)

	require.Len(t, batches, 3)
	assert.Equal(t, start, batches[0].Start)
	for i := 1; i < len(batches); i++ {
		assert.Equal(t, batches[i-1].End, batches[i].Start, "batches must be contiguous")
	}
	assert.Equal(t, start.Add(5*time.Hour), batches[2].End)
}

func TestSplitTradeBucketsAlignsToBoundary(t *testing.T) {
	start := time.Date(2024, 1, 1, 12, 30, 0, 0, time.UTC)

	buckets := splitTradeBuckets(start, start.Add(time.Hour), time.Hour)

	require.Len(t, buckets, 2)
	assert.Equal(t, time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC), buckets[0].Start)
	assert.Equal(t, time.Date(2024, 1, 1, 13, 0, 0, 0, time.UTC), buckets[1].Start)
}

func TestMergeTradesDeduplicatesByID(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a := []models.Trade{
		{ID: 2, Price: "101", Quantity: "1", Timestamp: ts.Add(time.Second)},
		{ID: 1, Price: "100", Quantity: "1", Timestamp: ts},
	}
	b := []models.Trade{
		{ID: 2, Price: "101", Quantity: "1", Timestamp: ts.Add(time.Second)},
		{ID: 3, Price: "102", Quantity: "1", Timestamp: ts.Add(2 * time.Second)},
	}

	merged := mergeTrades([][]models.Trade{a, b})

	require.Len(t, merged, 3)
	for i, trade := range merged {
		assert.Equal(t, int64(i+1), trade.ID)
	}
}
