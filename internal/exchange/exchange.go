// Package exchange provides the HTTP transport collaborator for fetching
// market data. Clients perform exactly one network request per call and
// report failures through the pipeline's error taxonomy; retry, backoff,
// and rate-limit accounting belong to the fetch orchestrator.
package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/VirtuonBeta/Virtuos-Market/internal/models"
)

// Client is the transport interface the orchestrator fetches through.
type Client interface {
	// FetchCandles returns candles for [Start, End) in ascending open-time
	// order, at most Limit records.
	FetchCandles(ctx context.Context, req CandleRequest) ([]models.Candle, error)

	// FetchTrades returns aggregate trades in ascending id order, at most
	// Limit records. When FromID is positive the time range is ignored and
	// records strictly after FromID are returned (cursor pagination).
	FetchTrades(ctx context.Context, req TradeRequest) ([]models.Trade, error)
}

// CandleRequest describes one bounded candle batch.
type CandleRequest struct {
	Symbol   string
	Interval string
	Start    time.Time
	End      time.Time
	Limit    int
}

// Validate checks the request parameters.
func (r *CandleRequest) Validate() error {
	if r.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if models.ParseInterval(r.Interval) == 0 {
		return fmt.Errorf("unrecognized interval %q", r.Interval)
	}
	if !r.End.After(r.Start) {
		return fmt.Errorf("end %s must be after start %s", r.End, r.Start)
	}
	if r.Limit <= 0 {
		return fmt.Errorf("limit must be positive")
	}
	return nil
}

// TradeRequest describes one bounded trade batch, either time-ranged or
// cursor-based.
type TradeRequest struct {
	Symbol string
	Start  time.Time
	End    time.Time
	FromID int64
	Limit  int
}

// Validate checks the request parameters.
func (r *TradeRequest) Validate() error {
	if r.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if r.Limit <= 0 {
		return fmt.Errorf("limit must be positive")
	}
	if r.FromID <= 0 && !r.End.After(r.Start) {
		return fmt.Errorf("either a positive from_id or a valid time range is required")
	}
	return nil
}
