package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Trade represents a single aggregate trade. IDs are monotonic per symbol;
// within a fetched batch they are strictly increasing (gaps allowed,
// duplicates not).
type Trade struct {
	ID           int64     `json:"id"`
	Symbol       string    `json:"symbol"`
	Price        string    `json:"price"`
	Quantity     string    `json:"quantity"`
	Timestamp    time.Time `json:"timestamp"`
	IsBuyerMaker bool      `json:"is_buyer_maker"`
}

// Validate checks the trade for structural validity: positive price and
// quantity and a non-zero timestamp.
func (t *Trade) Validate() error {
	if t.Symbol == "" {
		return &FieldError{Field: "symbol", Message: "symbol cannot be empty"}
	}
	if t.Timestamp.IsZero() {
		return &FieldError{Field: "timestamp", Message: "timestamp cannot be zero"}
	}

	price, err := decimal.NewFromString(t.Price)
	if err != nil {
		return &FieldError{Field: "price", Message: fmt.Sprintf("invalid price: %v", err)}
	}
	quantity, err := decimal.NewFromString(t.Quantity)
	if err != nil {
		return &FieldError{Field: "quantity", Message: fmt.Sprintf("invalid quantity: %v", err)}
	}

	if price.LessThanOrEqual(decimal.Zero) {
		return &FieldError{Field: "price", Message: "price must be greater than 0"}
	}
	if quantity.LessThanOrEqual(decimal.Zero) {
		return &FieldError{Field: "quantity", Message: "quantity must be greater than 0"}
	}

	return nil
}

// GetPriceDecimal returns the trade price as a decimal.Decimal.
func (t *Trade) GetPriceDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(t.Price)
}

// GetQuantityDecimal returns the trade quantity as a decimal.Decimal.
func (t *Trade) GetQuantityDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(t.Quantity)
}

// String implements fmt.Stringer.
func (t *Trade) String() string {
	return fmt.Sprintf("Trade{ID: %d, Symbol: %s, Price: %s, Qty: %s, Time: %s, BuyerMaker: %t}",
		t.ID, t.Symbol, t.Price, t.Quantity, t.Timestamp.Format(time.RFC3339), t.IsBuyerMaker)
}

// DataKind distinguishes the two dataset shapes the pipeline handles.
type DataKind string

const (
	// KindCandles marks a dataset of OHLC bars.
	KindCandles DataKind = "candles"
	// KindTrades marks a dataset of raw aggregate trades.
	KindTrades DataKind = "trades"
)

// Dataset is a fetched, time-ordered set of candles or trades. Exactly one
// of Candles/Trades is populated, according to Kind.
type Dataset struct {
	Kind    DataKind `json:"kind"`
	Candles []Candle `json:"candles,omitempty"`
	Trades  []Trade  `json:"trades,omitempty"`
}

// Len returns the number of records in the dataset.
func (d *Dataset) Len() int {
	if d.Kind == KindTrades {
		return len(d.Trades)
	}
	return len(d.Candles)
}
