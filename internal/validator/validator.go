// Package validator implements dataset quality checks for fetched candles
// and trades. Check is a pure function over its input: it never mutates the
// dataset, and repairs live in the explicitly invoked FixCommonIssues pass
// so validation results always reflect the true input.
//
// Hard schema violations (inverted high/low, negative prices, duplicate
// keys) are errors and make the dataset invalid. Market anomalies that can
// be legitimate (high volatility, time gaps, trade id gaps) are warnings or
// informational metrics and never block a result.
package validator

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/VirtuonBeta/Virtuos-Market/internal/config"
	"github.com/VirtuonBeta/Virtuos-Market/internal/metrics"
	"github.com/VirtuonBeta/Virtuos-Market/internal/models"
)

// Metric keys populated by Check.
const (
	MetricMissingFields  = "missing_fields"
	MetricInvalidHighLow = "invalid_high_low"
	MetricNegativeValues = "negative_values"
	MetricDuplicateKeys  = "duplicate_keys"
	MetricHighVolatility = "high_volatility"
	MetricTimeGaps       = "time_gaps"
	MetricIDGaps         = "id_gaps"
)

// Score deduction weights. The score is an observability signal only; the
// Valid flag is authoritative.
const (
	errorDeduction    = 0.1
	warningDeduction  = 0.02
	maxErrorDeduction = 0.6
	maxWarnDeduction  = 0.2
)

// Report is the outcome of one validation run.
type Report struct {
	Valid    bool           `json:"valid"`
	Errors   []string       `json:"errors,omitempty"`
	Warnings []string       `json:"warnings,omitempty"`
	Metrics  map[string]int `json:"metrics"`
	Score    float64        `json:"score"`
}

// Validator checks datasets against configured thresholds.
type Validator struct {
	cfg    config.ValidatorConfig
	logger *slog.Logger
	sink   metrics.EventSink
}

// New creates a validator.
func New(cfg config.ValidatorConfig, logger *slog.Logger, sink metrics.EventSink) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = metrics.NopSink{}
	}
	return &Validator{cfg: cfg, logger: logger, sink: sink}
}

// Check validates the dataset and returns a report. The dataset is never
// modified.
func (v *Validator) Check(ds *models.Dataset) *Report {
	report := &Report{
		Valid:   true,
		Metrics: make(map[string]int),
	}

	switch ds.Kind {
	case models.KindTrades:
		v.checkTrades(ds.Trades, report)
	default:
		v.checkCandles(ds.Candles, report)
	}

	report.Score = computeScore(len(report.Errors), len(report.Warnings))
	report.Valid = len(report.Errors) == 0

	v.sink.Record(metrics.EventValidation, map[string]any{
		"valid":    report.Valid,
		"kind":     string(ds.Kind),
		"errors":   len(report.Errors),
		"warnings": len(report.Warnings),
		"score":    report.Score,
	})
	if !report.Valid {
		v.logger.Warn("dataset failed validation",
			"kind", ds.Kind,
			"records", ds.Len(),
			"errors", len(report.Errors),
			"warnings", len(report.Warnings))
	}

	return report
}

func (v *Validator) checkCandles(candles []models.Candle, report *Report) {
	seen := make(map[int64]bool, len(candles))
	var prevOpen time.Time
	var expected time.Duration

	for i := range candles {
		c := &candles[i]

		if c.Symbol == "" || c.OpenTime.IsZero() || c.CloseTime.IsZero() {
			addError(report, MetricMissingFields,
				fmt.Sprintf("candle %d: missing required fields", i))
			continue
		}
		if expected == 0 {
			expected = models.ParseInterval(c.Interval)
		}

		open, errOpen := c.GetOpenDecimal()
		high, errHigh := c.GetHighDecimal()
		low, errLow := c.GetLowDecimal()
		closePrice, errClose := c.GetCloseDecimal()
		volume, errVolume := c.GetVolumeDecimal()
		if errOpen != nil || errHigh != nil || errLow != nil || errClose != nil || errVolume != nil {
			addError(report, MetricMissingFields,
				fmt.Sprintf("candle %d (%s): unparseable numeric field", i, c.OpenTime.Format(time.RFC3339)))
			continue
		}

		ts := c.OpenTime.UnixMilli()
		if seen[ts] {
			addError(report, MetricDuplicateKeys,
				fmt.Sprintf("candle %d: duplicate open time %s", i, c.OpenTime.Format(time.RFC3339)))
		}
		seen[ts] = true

		if open.IsNegative() || high.IsNegative() || low.IsNegative() || closePrice.IsNegative() || volume.IsNegative() {
			addError(report, MetricNegativeValues,
				fmt.Sprintf("candle %d (%s): negative price or volume", i, c.OpenTime.Format(time.RFC3339)))
		}

		if high.LessThan(low) {
			addError(report, MetricInvalidHighLow,
				fmt.Sprintf("candle %d (%s): high %s below low %s", i, c.OpenTime.Format(time.RFC3339), c.High, c.Low))
		}

		if open.IsPositive() {
			volatility, _ := closePrice.Sub(open).Abs().Div(open).Float64()
			if volatility > v.cfg.VolatilityThreshold {
				addWarning(report, MetricHighVolatility,
					fmt.Sprintf("candle %d (%s): volatility %.4f exceeds threshold %.4f",
						i, c.OpenTime.Format(time.RFC3339), volatility, v.cfg.VolatilityThreshold))
			}
		}

		if !prevOpen.IsZero() && expected > 0 {
			gap := c.OpenTime.Sub(prevOpen)
			tolerance := time.Duration(float64(expected) * v.cfg.GapToleranceMultiple)
			if gap > tolerance {
				addWarning(report, MetricTimeGaps,
					fmt.Sprintf("time gap of %s before candle %d (%s), expected interval %s",
						gap, i, c.OpenTime.Format(time.RFC3339), expected))
			}
		}
		prevOpen = c.OpenTime
	}
}

func (v *Validator) checkTrades(trades []models.Trade, report *Report) {
	var prevID int64 = -1

	for i := range trades {
		t := &trades[i]

		if t.Symbol == "" || t.Timestamp.IsZero() {
			addError(report, MetricMissingFields,
				fmt.Sprintf("trade %d: missing required fields", i))
			continue
		}

		price, errPrice := t.GetPriceDecimal()
		quantity, errQty := t.GetQuantityDecimal()
		if errPrice != nil || errQty != nil {
			addError(report, MetricMissingFields,
				fmt.Sprintf("trade %d (id %d): unparseable numeric field", i, t.ID))
			continue
		}

		if price.LessThanOrEqual(decimal.Zero) || quantity.LessThanOrEqual(decimal.Zero) {
			addError(report, MetricNegativeValues,
				fmt.Sprintf("trade %d (id %d): non-positive price or quantity", i, t.ID))
		}

		// Aggregate trade ids can legitimately skip; gaps are a metric only.
		if prevID >= 0 && t.ID > prevID+1 {
			report.Metrics[MetricIDGaps]++
		}
		prevID = t.ID
	}
}

// FixCommonIssues repairs mechanical data faults in place: inverted
// high/low pairs are swapped and negative numeric fields are replaced with
// their absolute values. It returns the number of repairs applied. Check
// never calls this implicitly.
func (v *Validator) FixCommonIssues(ds *models.Dataset) int {
	fixed := 0

	switch ds.Kind {
	case models.KindTrades:
		for i := range ds.Trades {
			t := &ds.Trades[i]
			if repaired, changed := absField(t.Price); changed {
				t.Price = repaired
				fixed++
			}
			if repaired, changed := absField(t.Quantity); changed {
				t.Quantity = repaired
				fixed++
			}
		}
	default:
		for i := range ds.Candles {
			c := &ds.Candles[i]
			for _, field := range []*string{&c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.BidVolume, &c.AskVolume} {
				if repaired, changed := absField(*field); changed {
					*field = repaired
					fixed++
				}
			}
			high, errHigh := c.GetHighDecimal()
			low, errLow := c.GetLowDecimal()
			if errHigh == nil && errLow == nil && high.LessThan(low) {
				c.High, c.Low = c.Low, c.High
				fixed++
			}
		}
	}

	if fixed > 0 {
		v.logger.Info("repaired dataset issues", "kind", ds.Kind, "repairs", fixed)
	}
	return fixed
}

// absField returns the absolute value of a decimal string field and whether
// it changed. Unparseable fields are left untouched.
func absField(value string) (string, bool) {
	d, err := decimal.NewFromString(value)
	if err != nil || !d.IsNegative() {
		return value, false
	}
	return d.Abs().String(), true
}

func addError(report *Report, metric, msg string) {
	report.Errors = append(report.Errors, msg)
	report.Metrics[metric]++
}

func addWarning(report *Report, metric, msg string) {
	report.Warnings = append(report.Warnings, msg)
	report.Metrics[metric]++
}

// computeScore starts at 1.0 and deducts per error and warning, with each
// class capped, floored at 0.
func computeScore(errors, warnings int) float64 {
	errDeduct := float64(errors) * errorDeduction
	if errDeduct > maxErrorDeduction {
		errDeduct = maxErrorDeduction
	}
	warnDeduct := float64(warnings) * warningDeduction
	if warnDeduct > maxWarnDeduction {
		warnDeduct = maxWarnDeduction
	}
	score := 1.0 - errDeduct - warnDeduct
	if score < 0 {
		score = 0
	}
	return score
}
