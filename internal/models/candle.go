// Package models provides the core data structures for market data ingestion:
// OHLC candles, raw trades, and the validation rules that apply to individual
// records. Price and volume fields are decimal strings to avoid float drift;
// use the Get*Decimal helpers for arithmetic.
package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Candle represents OHLC price and volume data for a symbol over a fixed
// interval. OpenTime identifies the bar; bars for a symbol+interval are
// unique by OpenTime.
type Candle struct {
	Symbol     string    `json:"symbol"`
	Interval   string    `json:"interval"`
	OpenTime   time.Time `json:"open_time"`
	CloseTime  time.Time `json:"close_time"`
	Open       string    `json:"open"`
	High       string    `json:"high"`
	Low        string    `json:"low"`
	Close      string    `json:"close"`
	Volume     string    `json:"volume"`
	BidVolume  string    `json:"bid_volume,omitempty"`
	AskVolume  string    `json:"ask_volume,omitempty"`
	TradeCount int64     `json:"trade_count"`
}

// FieldError reports a validation failure for a specific field of a record.
type FieldError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *FieldError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}

// Validate checks the candle for structural validity: parseable decimal
// fields, positive prices, non-negative volume, OHLC ordering
// (low <= min(open, close) <= max(open, close) <= high) and a coherent
// time span.
func (c *Candle) Validate() error {
	if c.Symbol == "" {
		return &FieldError{Field: "symbol", Message: "symbol cannot be empty"}
	}
	if c.Interval == "" {
		return &FieldError{Field: "interval", Message: "interval cannot be empty"}
	}
	if c.OpenTime.IsZero() {
		return &FieldError{Field: "open_time", Message: "open time cannot be zero"}
	}
	if !c.CloseTime.After(c.OpenTime) {
		return &FieldError{Field: "close_time", Message: "close time must be after open time"}
	}

	open, err := decimal.NewFromString(c.Open)
	if err != nil {
		return &FieldError{Field: "open", Message: fmt.Sprintf("invalid open price: %v", err)}
	}
	high, err := decimal.NewFromString(c.High)
	if err != nil {
		return &FieldError{Field: "high", Message: fmt.Sprintf("invalid high price: %v", err)}
	}
	low, err := decimal.NewFromString(c.Low)
	if err != nil {
		return &FieldError{Field: "low", Message: fmt.Sprintf("invalid low price: %v", err)}
	}
	close, err := decimal.NewFromString(c.Close)
	if err != nil {
		return &FieldError{Field: "close", Message: fmt.Sprintf("invalid close price: %v", err)}
	}
	volume, err := decimal.NewFromString(c.Volume)
	if err != nil {
		return &FieldError{Field: "volume", Message: fmt.Sprintf("invalid volume: %v", err)}
	}

	zero := decimal.Zero
	if open.LessThanOrEqual(zero) {
		return &FieldError{Field: "open", Message: "open price must be greater than 0"}
	}
	if high.LessThanOrEqual(zero) {
		return &FieldError{Field: "high", Message: "high price must be greater than 0"}
	}
	if low.LessThanOrEqual(zero) {
		return &FieldError{Field: "low", Message: "low price must be greater than 0"}
	}
	if close.LessThanOrEqual(zero) {
		return &FieldError{Field: "close", Message: "close price must be greater than 0"}
	}
	if volume.LessThan(zero) {
		return &FieldError{Field: "volume", Message: "volume must be greater than or equal to 0"}
	}

	if high.LessThan(decimal.Max(open, close)) {
		return &FieldError{
			Field:   "high",
			Message: fmt.Sprintf("high price (%s) must be >= max(open, close) (%s)", high, decimal.Max(open, close)),
		}
	}
	if low.GreaterThan(decimal.Min(open, close)) {
		return &FieldError{
			Field:   "low",
			Message: fmt.Sprintf("low price (%s) must be <= min(open, close) (%s)", low, decimal.Min(open, close)),
		}
	}

	return nil
}

// GetOpenDecimal returns the open price as a decimal.Decimal.
func (c *Candle) GetOpenDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(c.Open)
}

// GetHighDecimal returns the high price as a decimal.Decimal.
func (c *Candle) GetHighDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(c.High)
}

// GetLowDecimal returns the low price as a decimal.Decimal.
func (c *Candle) GetLowDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(c.Low)
}

// GetCloseDecimal returns the close price as a decimal.Decimal.
func (c *Candle) GetCloseDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(c.Close)
}

// GetVolumeDecimal returns the volume as a decimal.Decimal.
func (c *Candle) GetVolumeDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(c.Volume)
}

// String implements fmt.Stringer.
func (c *Candle) String() string {
	return fmt.Sprintf("Candle{Symbol: %s, Interval: %s, OpenTime: %s, O: %s, H: %s, L: %s, C: %s, V: %s}",
		c.Symbol, c.Interval, c.OpenTime.Format(time.RFC3339), c.Open, c.High, c.Low, c.Close, c.Volume)
}

// ParseInterval converts an exchange interval string to a time.Duration.
// Returns zero for unrecognized intervals.
func ParseInterval(interval string) time.Duration {
	switch interval {
	case "1m":
		return time.Minute
	case "3m":
		return 3 * time.Minute
	case "5m":
		return 5 * time.Minute
	case "15m":
		return 15 * time.Minute
	case "30m":
		return 30 * time.Minute
	case "1h":
		return time.Hour
	case "2h":
		return 2 * time.Hour
	case "4h":
		return 4 * time.Hour
	case "6h":
		return 6 * time.Hour
	case "8h":
		return 8 * time.Hour
	case "12h":
		return 12 * time.Hour
	case "1d":
		return 24 * time.Hour
	case "3d":
		return 72 * time.Hour
	case "1w":
		return 7 * 24 * time.Hour
	default:
		return 0
	}
}
