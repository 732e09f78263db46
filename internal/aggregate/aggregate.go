// Package aggregate builds OHLC bars from raw aggregate trades. Trades are
// assigned to half-open buckets [t, t+width) by truncating their timestamps
// to the bucket boundary; buckets with no trades are omitted entirely, so
// gap-filling stays a downstream concern.
package aggregate

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/VirtuonBeta/Virtuos-Market/internal/models"
)

// ToBars aggregates trades into bars of the given interval. Input is
// expected to be sorted by timestamp already; if it is not, it is sorted
// defensively (by timestamp, ties broken by id) so output is deterministic
// regardless of arrival order. Within a bucket, open is the price of the
// first trade, close the last, high/low the extremes, volume the quantity
// sum, and bid/ask volume the quantity split by the buyer-maker flag.
func ToBars(trades []models.Trade, interval string) ([]models.Candle, error) {
	if len(trades) == 0 {
		return nil, nil
	}

	width := models.ParseInterval(interval)
	if width <= 0 {
		return nil, fmt.Errorf("unrecognized interval %q", interval)
	}

	ordered := trades
	if !sorted(trades) {
		ordered = make([]models.Trade, len(trades))
		copy(ordered, trades)
		sort.Slice(ordered, func(i, j int) bool {
			if !ordered[i].Timestamp.Equal(ordered[j].Timestamp) {
				return ordered[i].Timestamp.Before(ordered[j].Timestamp)
			}
			return ordered[i].ID < ordered[j].ID
		})
	}

	var bars []models.Candle
	var current *barBuilder

	for i := range ordered {
		t := &ordered[i]

		price, err := t.GetPriceDecimal()
		if err != nil {
			return nil, fmt.Errorf("trade %d has invalid price %q: %w", t.ID, t.Price, err)
		}
		quantity, err := t.GetQuantityDecimal()
		if err != nil {
			return nil, fmt.Errorf("trade %d has invalid quantity %q: %w", t.ID, t.Quantity, err)
		}

		bucket := t.Timestamp.UTC().Truncate(width)
		if current == nil || !current.open.Equal(bucket) {
			if current != nil {
				bars = append(bars, current.build())
			}
			current = newBarBuilder(t.Symbol, interval, bucket, width)
		}
		current.add(price, quantity, t.IsBuyerMaker)
	}
	bars = append(bars, current.build())

	return bars, nil
}

func sorted(trades []models.Trade) bool {
	for i := 1; i < len(trades); i++ {
		prev, cur := &trades[i-1], &trades[i]
		if cur.Timestamp.Before(prev.Timestamp) {
			return false
		}
		if cur.Timestamp.Equal(prev.Timestamp) && cur.ID < prev.ID {
			return false
		}
	}
	return true
}

// barBuilder accumulates one bucket's trades.
type barBuilder struct {
	symbol   string
	interval string
	open     time.Time
	width    time.Duration

	first     decimal.Decimal
	last      decimal.Decimal
	high      decimal.Decimal
	low       decimal.Decimal
	volume    decimal.Decimal
	bidVolume decimal.Decimal
	askVolume decimal.Decimal
	count     int64
}

func newBarBuilder(symbol, interval string, open time.Time, width time.Duration) *barBuilder {
	return &barBuilder{
		symbol:   symbol,
		interval: interval,
		open:     open,
		width:    width,
	}
}

func (b *barBuilder) add(price, quantity decimal.Decimal, isBuyerMaker bool) {
	if b.count == 0 {
		b.first = price
		b.high = price
		b.low = price
	} else {
		if price.GreaterThan(b.high) {
			b.high = price
		}
		if price.LessThan(b.low) {
			b.low = price
		}
	}
	b.last = price
	b.volume = b.volume.Add(quantity)
	if isBuyerMaker {
		b.bidVolume = b.bidVolume.Add(quantity)
	} else {
		b.askVolume = b.askVolume.Add(quantity)
	}
	b.count++
}

func (b *barBuilder) build() models.Candle {
	return models.Candle{
		Symbol:     b.symbol,
		Interval:   b.interval,
		OpenTime:   b.open,
		CloseTime:  b.open.Add(b.width),
		Open:       b.first.String(),
		High:       b.high.String(),
		Low:        b.low.String(),
		Close:      b.last.String(),
		Volume:     b.volume.String(),
		BidVolume:  b.bidVolume.String(),
		AskVolume:  b.askVolume.String(),
		TradeCount: b.count,
	}
}
