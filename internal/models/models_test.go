package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validCandle() Candle {
	open := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return Candle{
		Symbol:     "BTCUSDT",
		Interval:   "1h",
		OpenTime:   open,
		CloseTime:  open.Add(time.Hour),
		Open:       "100.5",
		High:       "110.25",
		Low:        "95.75",
		Close:      "105.0",
		Volume:     "1234.5",
		TradeCount: 42,
	}
}

func TestCandleValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Candle)
		wantField string
	}{
		{"valid", func(c *Candle) {}, ""},
		{"empty symbol", func(c *Candle) { c.Symbol = "" }, "symbol"},
		{"empty interval", func(c *Candle) { c.Interval = "" }, "interval"},
		{"zero open time", func(c *Candle) { c.OpenTime = time.Time{} }, "open_time"},
		{"close before open", func(c *Candle) { c.CloseTime = c.OpenTime.Add(-time.Hour) }, "close_time"},
		{"unparseable open", func(c *Candle) { c.Open = "abc" }, "open"},
		{"zero price", func(c *Candle) { c.Open = "0" }, "open"},
		{"negative volume", func(c *Candle) { c.Volume = "-1" }, "volume"},
		{"high below close", func(c *Candle) { c.High = "101" }, "high"},
		{"low above open", func(c *Candle) { c.Low = "102" }, "low"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validCandle()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantField == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			var fieldErr *FieldError
			require.ErrorAs(t, err, &fieldErr)
			assert.Equal(t, tt.wantField, fieldErr.Field)
		})
	}
}

func TestCandleDecimalAccessors(t *testing.T) {
	c := validCandle()

	open, err := c.GetOpenDecimal()
	require.NoError(t, err)
	assert.Equal(t, "100.5", open.String())

	c.High = "nope"
	_, err = c.GetHighDecimal()
	assert.Error(t, err)
}

func TestTradeValidate(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	valid := Trade{ID: 1, Symbol: "BTCUSDT", Price: "100", Quantity: "0.5", Timestamp: ts}
	assert.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Trade)
	}{
		{"empty symbol", func(tr *Trade) { tr.Symbol = "" }},
		{"zero timestamp", func(tr *Trade) { tr.Timestamp = time.Time{} }},
		{"zero price", func(tr *Trade) { tr.Price = "0" }},
		{"negative quantity", func(tr *Trade) { tr.Quantity = "-1" }},
		{"unparseable price", func(tr *Trade) { tr.Price = "x" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := valid
			tt.mutate(&tr)
			assert.Error(t, tr.Validate())
		})
	}
}

func TestParseInterval(t *testing.T) {
	assert.Equal(t, time.Minute, ParseInterval("1m"))
	assert.Equal(t, time.Hour, ParseInterval("1h"))
	assert.Equal(t, 24*time.Hour, ParseInterval("1d"))
	assert.Equal(t, 7*24*time.Hour, ParseInterval("1w"))
	assert.Equal(t, time.Duration(0), ParseInterval("7m"))
	assert.Equal(t, time.Duration(0), ParseInterval(""))
}

func TestDatasetLen(t *testing.T) {
	candles := &Dataset{Kind: KindCandles, Candles: []Candle{validCandle()}}
	assert.Equal(t, 1, candles.Len())

	trades := &Dataset{Kind: KindTrades, Trades: []Trade{{}, {}}}
	assert.Equal(t, 2, trades.Len())

	empty := &Dataset{Kind: KindCandles}
	assert.Equal(t, 0, empty.Len())
}
