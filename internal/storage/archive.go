// Package storage provides the optional DuckDB bar archive. Validated,
// fully fetched bars can be appended here for analytical queries that
// outlive the cache's TTL. The archive sits behind the orchestrator as a
// write-through sink and is never consulted on the fetch path.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/marcboeker/go-duckdb/v2"
	"github.com/shopspring/decimal"

	"github.com/VirtuonBeta/Virtuos-Market/internal/config"
	"github.com/VirtuonBeta/Virtuos-Market/internal/models"
)

// Archive stores bars in a DuckDB database. DuckDB works best with a
// single writer, so the connection pool is pinned to one connection.
type Archive struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
	mu     sync.Mutex
}

// NewArchive opens (or creates) the archive database. Use ":memory:" for
// an ephemeral archive.
func NewArchive(cfg config.ArchiveConfig, logger *slog.Logger) (*Archive, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("duckdb", cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive database %s: %w", cfg.DatabasePath, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return &Archive{
		db:     db,
		path:   cfg.DatabasePath,
		logger: logger,
	}, nil
}

// Initialize creates the schema if it does not exist.
func (a *Archive) Initialize(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	schema := `
		CREATE TABLE IF NOT EXISTS bars (
			symbol      VARCHAR NOT NULL,
			interval    VARCHAR NOT NULL,
			open_time   TIMESTAMP NOT NULL,
			close_time  TIMESTAMP NOT NULL,
			open        DOUBLE NOT NULL,
			high        DOUBLE NOT NULL,
			low         DOUBLE NOT NULL,
			close       DOUBLE NOT NULL,
			volume      DOUBLE NOT NULL,
			bid_volume  DOUBLE,
			ask_volume  DOUBLE,
			trade_count BIGINT NOT NULL,
			stored_at   TIMESTAMP NOT NULL
		)`
	if _, err := a.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create bars table: %w", err)
	}

	index := `CREATE UNIQUE INDEX IF NOT EXISTS idx_bars_key ON bars (symbol, interval, open_time)`
	if _, err := a.db.ExecContext(ctx, index); err != nil {
		return fmt.Errorf("failed to create bars index: %w", err)
	}

	a.logger.Info("bar archive initialized", "path", a.path)
	return nil
}

// StoreBars appends bars through the DuckDB appender. Bars whose keys are
// already archived are removed first so re-fetching a range stays
// idempotent.
func (a *Archive) StoreBars(ctx context.Context, bars []models.Candle) error {
	if len(bars) == 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	start := time.Now()

	if err := a.deleteExisting(ctx, bars); err != nil {
		return err
	}

	conn, err := a.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get archive connection: %w", err)
	}
	defer conn.Close()

	var driverConn *duckdb.Conn
	err = conn.Raw(func(dc any) error {
		var ok bool
		driverConn, ok = dc.(*duckdb.Conn)
		if !ok {
			return fmt.Errorf("underlying connection is not a DuckDB connection")
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to access DuckDB connection: %w", err)
	}

	appender, err := duckdb.NewAppenderFromConn(driverConn, "", "bars")
	if err != nil {
		return fmt.Errorf("failed to create appender: %w", err)
	}
	defer appender.Close()

	storedAt := time.Now().UTC()
	for i := range bars {
		if err := appendBar(appender, &bars[i], storedAt); err != nil {
			return fmt.Errorf("failed to append bar %s/%s@%s: %w",
				bars[i].Symbol, bars[i].Interval, bars[i].OpenTime.Format(time.RFC3339), err)
		}
	}
	if err := appender.Flush(); err != nil {
		return fmt.Errorf("failed to flush appender: %w", err)
	}

	a.logger.Debug("archived bars",
		"count", len(bars),
		"duration", time.Since(start))
	return nil
}

func (a *Archive) deleteExisting(ctx context.Context, bars []models.Candle) error {
	stmt, err := a.db.PrepareContext(ctx,
		`DELETE FROM bars WHERE symbol = ? AND interval = ? AND open_time = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare delete: %w", err)
	}
	defer stmt.Close()

	for i := range bars {
		if _, err := stmt.ExecContext(ctx, bars[i].Symbol, bars[i].Interval, bars[i].OpenTime); err != nil {
			return fmt.Errorf("failed to delete existing bar: %w", err)
		}
	}
	return nil
}

func appendBar(appender *duckdb.Appender, bar *models.Candle, storedAt time.Time) error {
	fields := make([]float64, 0, 7)
	for _, raw := range []string{bar.Open, bar.High, bar.Low, bar.Close, bar.Volume} {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("invalid numeric field %q: %w", raw, err)
		}
		f, _ := d.Float64()
		fields = append(fields, f)
	}
	bid, ask := optionalFloat(bar.BidVolume), optionalFloat(bar.AskVolume)

	return appender.AppendRow(
		bar.Symbol,
		bar.Interval,
		bar.OpenTime.UTC(),
		bar.CloseTime.UTC(),
		fields[0],
		fields[1],
		fields[2],
		fields[3],
		fields[4],
		bid,
		ask,
		bar.TradeCount,
		storedAt,
	)
}

func optionalFloat(raw string) any {
	if raw == "" {
		return nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return nil
	}
	f, _ := d.Float64()
	return f
}

// Latest returns the most recent archived bar for a symbol and interval,
// or nil when none exists.
func (a *Archive) Latest(ctx context.Context, symbol, interval string) (*models.Candle, error) {
	row := a.db.QueryRowContext(ctx, `
		SELECT symbol, interval, open_time, close_time, open, high, low, close, volume, trade_count
		FROM bars
		WHERE symbol = ? AND interval = ?
		ORDER BY open_time DESC
		LIMIT 1`, symbol, interval)

	var bar models.Candle
	var open, high, low, closePrice, volume float64
	err := row.Scan(&bar.Symbol, &bar.Interval, &bar.OpenTime, &bar.CloseTime,
		&open, &high, &low, &closePrice, &volume, &bar.TradeCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest bar: %w", err)
	}

	bar.Open = decimal.NewFromFloat(open).String()
	bar.High = decimal.NewFromFloat(high).String()
	bar.Low = decimal.NewFromFloat(low).String()
	bar.Close = decimal.NewFromFloat(closePrice).String()
	bar.Volume = decimal.NewFromFloat(volume).String()
	bar.OpenTime = bar.OpenTime.UTC()
	bar.CloseTime = bar.CloseTime.UTC()
	return &bar, nil
}

// Count returns the number of archived bars for a symbol and interval.
func (a *Archive) Count(ctx context.Context, symbol, interval string) (int64, error) {
	row := a.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM bars WHERE symbol = ? AND interval = ?`, symbol, interval)

	var count int64
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count bars: %w", err)
	}
	return count, nil
}

// Close releases the database handle.
func (a *Archive) Close() error {
	if a.db == nil {
		return nil
	}
	err := a.db.Close()
	a.db = nil
	return err
}
