package fetch

import (
	"sort"
	"time"

	"github.com/VirtuonBeta/Virtuos-Market/internal/models"
)

// splitCandleRange splits [start, end) into contiguous batches of at most
// limit bars each, covering the full range exactly once with no gaps or
// overlaps.
func splitCandleRange(start, end time.Time, width time.Duration, limit int) []Range {
	span := width * time.Duration(limit)

	var batches []Range
	for cursor := start; cursor.Before(end); cursor = cursor.Add(span) {
		batchEnd := cursor.Add(span)
		if batchEnd.After(end) {
			batchEnd = end
		}
		batches = append(batches, Range{Start: cursor, End: batchEnd})
	}
	return batches
}

// splitTradeBuckets returns the bucket-aligned sub-ranges covering
// [start, end). The first bucket opens at start truncated to the bucket
// boundary, so every trade in the range falls into exactly one bucket.
func splitTradeBuckets(start, end time.Time, width time.Duration) []Range {
	var buckets []Range
	for cursor := start.Truncate(width); cursor.Before(end); cursor = cursor.Add(width) {
		buckets = append(buckets, Range{Start: cursor, End: cursor.Add(width)})
	}
	return buckets
}

// mergeCandles flattens batch results into chronological order and removes
// duplicate open times, keeping the first occurrence.
func mergeCandles(batches [][]models.Candle) []models.Candle {
	var total int
	for _, b := range batches {
		total += len(b)
	}
	merged := make([]models.Candle, 0, total)
	for _, b := range batches {
		merged = append(merged, b...)
	}

	sort.Slice(merged, func(i, j int) bool {
		return merged[i].OpenTime.Before(merged[j].OpenTime)
	})

	deduped := merged[:0]
	for i := range merged {
		if len(deduped) > 0 && merged[i].OpenTime.Equal(deduped[len(deduped)-1].OpenTime) {
			continue
		}
		deduped = append(deduped, merged[i])
	}
	return deduped
}

// mergeTrades flattens batch results, sorts by timestamp with id as the
// tiebreaker, and removes duplicate ids.
func mergeTrades(batches [][]models.Trade) []models.Trade {
	var total int
	for _, b := range batches {
		total += len(b)
	}
	merged := make([]models.Trade, 0, total)
	for _, b := range batches {
		merged = append(merged, b...)
	}

	sort.Slice(merged, func(i, j int) bool {
		if !merged[i].Timestamp.Equal(merged[j].Timestamp) {
			return merged[i].Timestamp.Before(merged[j].Timestamp)
		}
		return merged[i].ID < merged[j].ID
	})

	seen := make(map[int64]bool, len(merged))
	deduped := merged[:0]
	for i := range merged {
		if seen[merged[i].ID] {
			continue
		}
		seen[merged[i].ID] = true
		deduped = append(deduped, merged[i])
	}
	return deduped
}
