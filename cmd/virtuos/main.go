// Market data ingestion CLI.
//
// Usage:
//
//	virtuos fetch --symbol BTCUSDT --interval 1h --start 2024-01-01 --end 2024-01-31
//	virtuos trades --symbol BTCUSDT --interval 1h --start 2024-01-01T12:00:00Z --end 2024-01-01T18:00:00Z --bars
//	virtuos sweep
//	virtuos stats
//
// For detailed help on any command, use: virtuos <command> --help
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/VirtuonBeta/Virtuos-Market/internal/cache"
	"github.com/VirtuonBeta/Virtuos-Market/internal/config"
	"github.com/VirtuonBeta/Virtuos-Market/internal/exchange"
	"github.com/VirtuonBeta/Virtuos-Market/internal/fetch"
	"github.com/VirtuonBeta/Virtuos-Market/internal/logger"
	"github.com/VirtuonBeta/Virtuos-Market/internal/metrics"
	"github.com/VirtuonBeta/Virtuos-Market/internal/models"
	"github.com/VirtuonBeta/Virtuos-Market/internal/ratelimit"
	"github.com/VirtuonBeta/Virtuos-Market/internal/storage"
	"github.com/VirtuonBeta/Virtuos-Market/internal/validator"
)

const version = "1.0.0"

const (
	exitSuccess     = 0
	exitUsageError  = 1
	exitConfigError = 2
	exitDataError   = 4
	exitInterrupt   = 130
)

// app holds the wired pipeline.
type app struct {
	cfg          *config.AppConfig
	logs         *logger.Manager
	collector    *metrics.Collector
	store        *cache.Store
	orchestrator *fetch.Orchestrator
	archive      *storage.Archive
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitUsageError)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "version":
		fmt.Printf("virtuos %s\n", version)
		os.Exit(exitSuccess)
	case "help", "-h", "--help":
		printUsage()
		os.Exit(exitSuccess)
	}

	a, err := newApp(os.Getenv("VIRTUOS_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(exitConfigError)
	}
	defer a.close()

	switch command {
	case "fetch":
		err = a.runFetch(ctx, args, models.KindCandles)
	case "trades":
		err = a.runFetch(ctx, args, models.KindTrades)
	case "sweep":
		err = a.runSweep(args)
	case "stats":
		err = a.runStats()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", command)
		printUsage()
		os.Exit(exitUsageError)
	}

	switch {
	case err == nil:
		os.Exit(exitSuccess)
	case errors.Is(err, context.Canceled):
		fmt.Fprintln(os.Stderr, "interrupted")
		os.Exit(exitInterrupt)
	default:
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitDataError)
	}
}

func newApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logs, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, err
	}

	var sink metrics.EventSink = metrics.NopSink{}
	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(logs.Component("metrics"), metrics.DefaultRules())
		sink = collector
	}

	store, err := cache.New(cfg.Cache, logs.Component("cache"), sink)
	if err != nil {
		return nil, err
	}

	limiter := ratelimit.New(cfg.RateLimit, logs.Component("ratelimit"), sink)
	client := exchange.NewBinanceClient(cfg.Exchange, logs.Component("exchange"))
	checker := validator.New(cfg.Validator, logs.Component("validator"), sink)

	orchestrator := fetch.New(
		cfg.Fetch,
		cfg.Cache.TTL.Duration,
		client,
		limiter,
		store,
		checker,
		logs.Component("fetch"),
		sink,
	)

	a := &app{
		cfg:          cfg,
		logs:         logs,
		collector:    collector,
		store:        store,
		orchestrator: orchestrator,
	}

	if cfg.Archive.Enabled {
		archive, err := storage.NewArchive(cfg.Archive, logs.Component("archive"))
		if err != nil {
			return nil, err
		}
		if err := archive.Initialize(context.Background()); err != nil {
			archive.Close()
			return nil, err
		}
		a.archive = archive
	}

	return a, nil
}

func (a *app) close() {
	if a.archive != nil {
		a.archive.Close()
	}
	a.logs.Close()
}

func (a *app) runFetch(ctx context.Context, args []string, kind models.DataKind) error {
	fs := flag.NewFlagSet(string(kind), flag.ExitOnError)
	symbol := fs.String("symbol", "", "trading symbol, e.g. BTCUSDT (required)")
	interval := fs.String("interval", "1h", "bar interval, e.g. 1m, 1h, 1d")
	startStr := fs.String("start", "", "range start, RFC3339 or YYYY-MM-DD (required)")
	endStr := fs.String("end", "", "range end, RFC3339 or YYYY-MM-DD (required)")
	bars := fs.Bool("bars", false, "aggregate trades into bars (trades only)")
	output := fs.String("output", "table", "output format: table, json")
	archiveBars := fs.Bool("archive", false, "append fetched bars to the archive")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *symbol == "" || *startStr == "" || *endStr == "" {
		fs.Usage()
		return fmt.Errorf("--symbol, --start and --end are required")
	}

	start, err := parseTime(*startStr)
	if err != nil {
		return fmt.Errorf("invalid --start: %w", err)
	}
	end, err := parseTime(*endStr)
	if err != nil {
		return fmt.Errorf("invalid --end: %w", err)
	}

	result, err := a.orchestrator.FetchRange(ctx, fetch.Request{
		Symbol:   *symbol,
		Kind:     kind,
		Interval: *interval,
		Start:    start,
		End:      end,
		Bars:     *bars,
	})
	if err != nil {
		var partial *fetch.PartialFetchError
		if errors.As(err, &partial) {
			fmt.Fprintf(os.Stderr, "incomplete fetch: %d sub-ranges failed\n", len(partial.Failed))
			for _, r := range partial.Failed {
				fmt.Fprintf(os.Stderr, "  failed: %s\n", r)
			}
		}
		var invalid *fetch.ValidationError
		if errors.As(err, &invalid) {
			for _, msg := range invalid.Report.Errors {
				fmt.Fprintf(os.Stderr, "  validation: %s\n", msg)
			}
		}
		return err
	}

	if result.Report != nil {
		for _, warning := range result.Report.Warnings {
			fmt.Fprintf(os.Stderr, "warning: %s\n", warning)
		}
	}

	candles := result.Dataset.Candles
	if kind == models.KindTrades && *bars {
		candles = result.Bars
	}

	if *archiveBars && a.archive != nil && len(candles) > 0 {
		if err := a.archive.StoreBars(ctx, candles); err != nil {
			return fmt.Errorf("archive write failed: %w", err)
		}
	}

	if kind == models.KindTrades && !*bars {
		return outputTrades(result.Dataset.Trades, *output)
	}
	return outputCandles(candles, *output)
}

func (a *app) runSweep(args []string) error {
	fs := flag.NewFlagSet("sweep", flag.ExitOnError)
	clear := fs.Bool("all", false, "remove every cache entry, not just expired ones")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *clear {
		a.store.Clear()
		fmt.Println("cache cleared")
		return nil
	}

	removed := a.store.SweepExpired()
	fmt.Printf("removed %d expired entries, %d remain\n", removed, a.store.Len())
	return nil
}

func (a *app) runStats() error {
	if a.collector == nil {
		return fmt.Errorf("metrics are disabled in configuration")
	}

	snap := a.collector.Snapshot()
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(snap); err != nil {
		return err
	}

	for _, alert := range a.collector.EvaluateAlerts() {
		fmt.Fprintf(os.Stderr, "alert [%s] %s: %.3f (threshold %.3f)\n",
			alert.Severity, alert.Rule, alert.Value, alert.Threshold)
	}
	return nil
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q, use RFC3339 or YYYY-MM-DD", s)
}

func outputCandles(candles []models.Candle, format string) error {
	if format == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(candles)
	}

	fmt.Printf("%-25s %12s %12s %12s %12s %14s %8s\n",
		"OPEN TIME", "OPEN", "HIGH", "LOW", "CLOSE", "VOLUME", "TRADES")
	for i := range candles {
		c := &candles[i]
		fmt.Printf("%-25s %12s %12s %12s %12s %14s %8d\n",
			c.OpenTime.Format(time.RFC3339), c.Open, c.High, c.Low, c.Close, c.Volume, c.TradeCount)
	}
	fmt.Printf("%d bars\n", len(candles))
	return nil
}

func outputTrades(trades []models.Trade, format string) error {
	if format == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(trades)
	}

	fmt.Printf("%-12s %-25s %12s %12s %6s\n", "ID", "TIMESTAMP", "PRICE", "QTY", "SIDE")
	for i := range trades {
		t := &trades[i]
		side := "ask"
		if t.IsBuyerMaker {
			side = "bid"
		}
		fmt.Printf("%-12d %-25s %12s %12s %6s\n",
			t.ID, t.Timestamp.Format(time.RFC3339), t.Price, t.Quantity, side)
	}
	fmt.Printf("%d trades\n", len(trades))
	return nil
}

func printUsage() {
	fmt.Println(`virtuos - market data ingestion pipeline

Usage:
  virtuos <command> [flags]

Commands:
  fetch    fetch OHLC candles for a time range
  trades   fetch aggregate trades (optionally aggregated to bars with --bars)
  sweep    remove expired cache entries (--all clears everything)
  stats    print the metrics snapshot and any firing alerts
  version  print the version

Configuration is read from the JSON file named by VIRTUOS_CONFIG, with
environment overrides. Run "virtuos <command> --help" for command flags.`)
}
