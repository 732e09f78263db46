package cache

import (
	"fmt"
	"strings"
	"time"

	"github.com/VirtuonBeta/Virtuos-Market/internal/models"
)

// timeLayout is the filename-safe UTC format used in cache keys.
const timeLayout = "20060102T150405Z"

// Key identifies one cache entry. Identical requests always derive the same
// key; trade entries are keyed per single time bucket rather than per
// arbitrary range, because trades are fetched and cached candle by candle.
type Key struct {
	Symbol   string
	Kind     models.DataKind
	Interval string
	Start    time.Time
	End      time.Time
}

// NewCandleKey derives the key for a candle range request.
func NewCandleKey(symbol, interval string, start, end time.Time) Key {
	return Key{
		Symbol:   strings.ToUpper(symbol),
		Kind:     models.KindCandles,
		Interval: interval,
		Start:    start.UTC().Truncate(time.Second),
		End:      end.UTC().Truncate(time.Second),
	}
}

// NewTradeBucketKey derives the key for the trades of one time bucket.
// The bucket is identified by its open time and width.
func NewTradeBucketKey(symbol, interval string, bucketOpen time.Time, width time.Duration) Key {
	open := bucketOpen.UTC().Truncate(time.Second)
	return Key{
		Symbol:   strings.ToUpper(symbol),
		Kind:     models.KindTrades,
		Interval: interval,
		Start:    open,
		End:      open.Add(width),
	}
}

// String returns the deterministic, filename-safe form of the key.
func (k Key) String() string {
	return fmt.Sprintf("%s_%s_%s_%s_%s",
		k.Symbol,
		k.Kind,
		k.Interval,
		k.Start.Format(timeLayout),
		k.End.Format(timeLayout))
}
