// Package fetch implements the batch fetch orchestrator: it answers range
// requests from cache when possible, otherwise splits the range into
// bounded batches, dispatches them under a worker limit coordinated with
// the rate limiter, retries transient failures with exponential backoff,
// merges and deduplicates the results, validates them, and caches fully
// validated datasets.
//
// A call either returns a complete, validated dataset or fails with enough
// structure (failed sub-ranges, validation report) to drive a targeted
// retry. Partial data is never returned silently.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/VirtuonBeta/Virtuos-Market/internal/aggregate"
	"github.com/VirtuonBeta/Virtuos-Market/internal/cache"
	"github.com/VirtuonBeta/Virtuos-Market/internal/config"
	"github.com/VirtuonBeta/Virtuos-Market/internal/errs"
	"github.com/VirtuonBeta/Virtuos-Market/internal/exchange"
	"github.com/VirtuonBeta/Virtuos-Market/internal/metrics"
	"github.com/VirtuonBeta/Virtuos-Market/internal/models"
	"github.com/VirtuonBeta/Virtuos-Market/internal/ratelimit"
	"github.com/VirtuonBeta/Virtuos-Market/internal/validator"
)

// RateGate is the admission-control surface the orchestrator coordinates
// with. *ratelimit.Limiter implements it.
type RateGate interface {
	Admit(ctx context.Context) (time.Duration, error)
	Release()
	ReportThrottled()
	ReportSuccess()
}

// Request describes one range fetch.
type Request struct {
	Symbol   string
	Kind     models.DataKind
	Interval string
	Start    time.Time
	End      time.Time

	// Bars requests trade-to-bar aggregation on a trade fetch.
	Bars bool
}

// Validate checks the request parameters.
func (r *Request) Validate() error {
	if r.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if models.ParseInterval(r.Interval) == 0 {
		return fmt.Errorf("unrecognized interval %q", r.Interval)
	}
	if !r.End.After(r.Start) {
		return fmt.Errorf("end %s must be after start %s", r.End, r.Start)
	}
	if r.Bars && r.Kind != models.KindTrades {
		return fmt.Errorf("bar aggregation requires a trade fetch")
	}
	return nil
}

// Result is a completed fetch.
type Result struct {
	Dataset   *models.Dataset
	Report    *validator.Report
	Bars      []models.Candle
	FromCache bool
}

// Orchestrator coordinates the limiter, transport, cache, and validator.
type Orchestrator struct {
	cfg     config.FetchConfig
	ttl     time.Duration
	client  exchange.Client
	limiter RateGate
	store   *cache.Store
	checker *validator.Validator
	logger  *slog.Logger
	sink    metrics.EventSink
}

// New creates an orchestrator. The TTL applies to every cache entry it
// writes.
func New(
	cfg config.FetchConfig,
	ttl time.Duration,
	client exchange.Client,
	limiter RateGate,
	store *cache.Store,
	checker *validator.Validator,
	logger *slog.Logger,
	sink metrics.EventSink,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = metrics.NopSink{}
	}
	return &Orchestrator{
		cfg:     cfg,
		ttl:     ttl,
		client:  client,
		limiter: limiter,
		store:   store,
		checker: checker,
		logger:  logger,
		sink:    sink,
	}
}

// FetchRange fetches a time-ordered dataset for [Start, End). Cache hits
// return immediately with no network calls. Cancelling the context stops
// new batch dispatch and unwinds in-flight work; nothing is cached unless
// the full range was fetched and validated.
func (o *Orchestrator) FetchRange(ctx context.Context, req Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid fetch request: %w", err)
	}
	req.Start = req.Start.UTC()
	req.End = req.End.UTC()

	// Every call gets a correlation id so batch-level log lines can be
	// traced back to their originating fetch.
	scoped := *o
	scoped.logger = o.logger.With("fetch_id", uuid.NewString())

	if req.Kind == models.KindTrades {
		return scoped.fetchTrades(ctx, req)
	}
	return scoped.fetchCandles(ctx, req)
}

func (o *Orchestrator) fetchCandles(ctx context.Context, req Request) (*Result, error) {
	key := cache.NewCandleKey(req.Symbol, req.Interval, req.Start, req.End)
	if ds := o.store.Get(key); ds != nil {
		o.logger.Debug("range served from cache", "key", key.String())
		return &Result{Dataset: ds, FromCache: true}, nil
	}

	width := models.ParseInterval(req.Interval)
	batches := splitCandleRange(req.Start, req.End, width, o.cfg.BatchLimit)
	o.logger.Info("fetching candle range",
		"symbol", req.Symbol,
		"interval", req.Interval,
		"start", req.Start,
		"end", req.End,
		"batches", len(batches))

	results := make([][]models.Candle, len(batches))
	failed := make([]bool, len(batches))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.WorkerCount)
	for i, batch := range batches {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			candles, err := o.requestCandleBatch(gctx, req, batch)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				o.logger.Error("batch permanently failed",
					"range", batch.String(), "error", err)
				failed[i] = true
				return nil
			}
			results[i] = candles
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	ds := &models.Dataset{Kind: models.KindCandles, Candles: mergeCandles(results)}

	if err := partialError(batches, failed, ds); err != nil {
		return nil, err
	}

	report := o.checker.Check(ds)
	if !report.Valid {
		return nil, &ValidationError{Report: report}
	}

	o.store.Put(key, ds, o.ttl)
	return &Result{Dataset: ds, Report: report}, nil
}

func (o *Orchestrator) fetchTrades(ctx context.Context, req Request) (*Result, error) {
	width := models.ParseInterval(req.Interval)
	buckets := splitTradeBuckets(req.Start, req.End, width)

	results := make([][]models.Trade, len(buckets))
	cached := make([]bool, len(buckets))
	failed := make([]bool, len(buckets))

	for i, bucket := range buckets {
		key := cache.NewTradeBucketKey(req.Symbol, req.Interval, bucket.Start, width)
		if ds := o.store.Get(key); ds != nil {
			results[i] = ds.Trades
			cached[i] = true
		}
	}

	o.logger.Info("fetching trade range",
		"symbol", req.Symbol,
		"buckets", len(buckets),
		"cached", countTrue(cached))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.WorkerCount)
	for i, bucket := range buckets {
		if cached[i] {
			continue
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			trades, err := o.fetchTradeBucket(gctx, req.Symbol, bucket)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				o.logger.Error("trade bucket permanently failed",
					"range", bucket.String(), "error", err)
				failed[i] = true
				return nil
			}
			results[i] = trades
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	ds := &models.Dataset{Kind: models.KindTrades, Trades: mergeTrades(results)}

	if err := partialError(buckets, failed, ds); err != nil {
		return nil, err
	}

	report := o.checker.Check(ds)
	if !report.Valid {
		return nil, &ValidationError{Report: report}
	}

	// Freshly fetched buckets are cached only now, after the whole range
	// validated.
	for i, bucket := range buckets {
		if cached[i] {
			continue
		}
		key := cache.NewTradeBucketKey(req.Symbol, req.Interval, bucket.Start, width)
		o.store.Put(key, &models.Dataset{Kind: models.KindTrades, Trades: results[i]}, o.ttl)
	}

	result := &Result{Dataset: ds, Report: report, FromCache: countTrue(cached) == len(buckets)}
	if req.Bars {
		bars, err := aggregate.ToBars(ds.Trades, req.Interval)
		if err != nil {
			return nil, fmt.Errorf("bar aggregation failed: %w", err)
		}
		result.Bars = bars
	}
	return result, nil
}

// fetchTradeBucket pulls all trades of one bucket. The first page is
// requested by time range; subsequent pages use cursor pagination with ids
// strictly after the last-seen id, until a page comes back short or runs
// past the bucket end.
func (o *Orchestrator) fetchTradeBucket(ctx context.Context, symbol string, bucket Range) ([]models.Trade, error) {
	var all []models.Trade
	var fromID int64

	for {
		treq := exchange.TradeRequest{Symbol: symbol, Limit: o.cfg.BatchLimit}
		if fromID > 0 {
			treq.FromID = fromID
		} else {
			treq.Start = bucket.Start
			treq.End = bucket.End
		}

		page, err := o.requestTradePage(ctx, treq)
		if err != nil {
			return nil, err
		}

		overrun := false
		for _, trade := range page {
			if !trade.Timestamp.Before(bucket.End) {
				overrun = true
				break
			}
			if trade.Timestamp.Before(bucket.Start) {
				continue
			}
			all = append(all, trade)
		}

		if overrun || len(page) < o.cfg.BatchLimit {
			return all, nil
		}
		fromID = page[len(page)-1].ID + 1
	}
}

func (o *Orchestrator) requestCandleBatch(ctx context.Context, req Request, batch Range) ([]models.Candle, error) {
	var candles []models.Candle
	err := o.withRetry(ctx, func(callCtx context.Context) error {
		var callErr error
		candles, callErr = o.client.FetchCandles(callCtx, exchange.CandleRequest{
			Symbol:   req.Symbol,
			Interval: req.Interval,
			Start:    batch.Start,
			End:      batch.End,
			Limit:    o.cfg.BatchLimit,
		})
		return callErr
	})
	return candles, err
}

func (o *Orchestrator) requestTradePage(ctx context.Context, treq exchange.TradeRequest) ([]models.Trade, error) {
	var trades []models.Trade
	err := o.withRetry(ctx, func(callCtx context.Context) error {
		var callErr error
		trades, callErr = o.client.FetchTrades(callCtx, treq)
		return callErr
	})
	return trades, err
}

// withRetry runs one network call under admission control with exponential
// backoff: base delay doubling per attempt, capped, up to the configured
// attempt ceiling. Throttle signals adjust the limiter once per call
// sequence and honor any server-specified delay before the next attempt.
func (o *Orchestrator) withRetry(ctx context.Context, call func(context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = o.cfg.InitialDelay.Duration
	bo.MaxInterval = o.cfg.MaxDelay.Duration
	bo.Multiplier = 2.0
	bo.MaxElapsedTime = 0

	policy := backoff.WithMaxRetries(backoff.WithContext(bo, ctx), uint64(o.cfg.MaxAttempts-1))

	throttleReported := false
	return backoff.Retry(func() error {
		return o.attempt(ctx, &throttleReported, call)
	}, policy)
}

// attempt performs one admitted network call and classifies the outcome
// for the retry policy.
func (o *Orchestrator) attempt(ctx context.Context, throttleReported *bool, call func(context.Context) error) error {
	for {
		_, err := o.limiter.Admit(ctx)
		if err == nil {
			break
		}
		if errors.Is(err, ratelimit.ErrAdmitRetry) {
			continue
		}
		return backoff.Permanent(err)
	}

	o.sink.Record(metrics.EventRequestIssued, nil)
	start := time.Now()
	err := call(ctx)
	o.limiter.Release()

	if err == nil {
		o.limiter.ReportSuccess()
		o.sink.Record(metrics.EventRequestSucceeded, map[string]any{"latency": time.Since(start)})
		return nil
	}

	o.sink.Record(metrics.EventRequestFailed, map[string]any{"error": err.Error()})

	kind := errs.Classify(err)
	if kind == errs.KindRateLimit {
		if !*throttleReported {
			o.limiter.ReportThrottled()
			*throttleReported = true
		}
		o.sink.Record(metrics.EventThrottled, nil)

		var signal *errs.RateLimitSignal
		if errors.As(err, &signal) && signal.RetryAfter > 0 {
			timer := time.NewTimer(signal.RetryAfter)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				return backoff.Permanent(ctx.Err())
			}
		}
		return err
	}

	if !errs.IsRetryable(kind) {
		return backoff.Permanent(err)
	}
	return err
}

// partialError builds a PartialFetchError when any sub-range failed.
func partialError(ranges []Range, failed []bool, partial *models.Dataset) error {
	var failedRanges, succeededRanges []Range
	for i, r := range ranges {
		if failed[i] {
			failedRanges = append(failedRanges, r)
		} else {
			succeededRanges = append(succeededRanges, r)
		}
	}
	if len(failedRanges) == 0 {
		return nil
	}
	return &PartialFetchError{
		Succeeded: succeededRanges,
		Failed:    failedRanges,
		Partial:   partial,
	}
}

func countTrue(flags []bool) int {
	n := 0
	for _, f := range flags {
		if f {
			n++
		}
	}
	return n
}
