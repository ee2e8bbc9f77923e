// Package upstream reads the time-series store: closed candles, the 5m
// futures metrics stream and the LISTEN/NOTIFY wake channels. All reads
// are session-read-only; the engine never writes upstream.
package upstream

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/icefree/tradecat/internal/market"
	"github.com/icefree/tradecat/internal/period"
)

// CandleRow mirrors one candles_{period} row. The column order of
// bulkColumns is shared with the catch-up export path.
type CandleRow struct {
	Symbol              string    `db:"symbol"`
	BucketTS            time.Time `db:"bucket_ts"`
	Open                float64   `db:"open"`
	High                float64   `db:"high"`
	Low                 float64   `db:"low"`
	Close               float64   `db:"close"`
	Volume              float64   `db:"volume"`
	QuoteVolume         float64   `db:"quote_volume"`
	TradeCount          int64     `db:"trade_count"`
	TakerBuyVolume      float64   `db:"taker_buy_volume"`
	TakerBuyQuoteVolume float64   `db:"taker_buy_quote_volume"`
	IsClosed            bool      `db:"is_closed"`
}

// Bar converts the row to the engine's value type.
func (r CandleRow) Bar() market.Bar {
	return market.Bar{
		Symbol:              r.Symbol,
		Datetime:            r.BucketTS.UTC(),
		Open:                r.Open,
		High:                r.High,
		Low:                 r.Low,
		Close:               r.Close,
		Volume:              r.Volume,
		QuoteVolume:         r.QuoteVolume,
		TradeCount:          r.TradeCount,
		TakerBuyVolume:      r.TakerBuyVolume,
		TakerBuyQuoteVolume: r.TakerBuyQuoteVolume,
		IsClosed:            r.IsClosed,
	}
}

// MetricsRow mirrors one binance_futures_metrics_{period} row. Higher
// tiers are materialised views keyed by bucket; queries alias that back
// to create_time so one row type serves both.
type MetricsRow struct {
	Symbol                  string    `db:"symbol"`
	CreateTime              time.Time `db:"create_time"`
	SumOpenInterest         float64   `db:"sum_open_interest"`
	SumOpenInterestValue    float64   `db:"sum_open_interest_value"`
	CountToptraderRatio     float64   `db:"count_toptrader_long_short_ratio"`
	SumToptraderRatio       float64   `db:"sum_toptrader_long_short_ratio"`
	CountLongShortRatio     float64   `db:"count_long_short_ratio"`
	SumTakerLongShortVolume float64   `db:"sum_taker_long_short_vol_ratio"`
	IsClosed                bool      `db:"is_closed"`
}

// Metrics converts the row to the engine's value type.
func (r MetricsRow) Metrics() market.Metrics {
	return market.Metrics{
		Symbol:                       r.Symbol,
		Datetime:                     r.CreateTime.UTC(),
		OpenInterest:                 r.SumOpenInterest,
		OpenInterestValue:            r.SumOpenInterestValue,
		CountToptraderLongShortRatio: r.CountToptraderRatio,
		ToptraderLongShortRatio:      r.SumToptraderRatio,
		LongShortRatio:               r.CountLongShortRatio,
		TakerLongShortVolRatio:       r.SumTakerLongShortVolume,
		IsClosed:                     r.IsClosed,
	}
}

const (
	candleColumns = "symbol, bucket_ts, open, high, low, close, volume, quote_volume, trade_count, taker_buy_volume, taker_buy_quote_volume, is_closed"

	metricsColumns = "symbol, create_time, sum_open_interest, sum_open_interest_value, count_toptrader_long_short_ratio, sum_toptrader_long_short_ratio, count_long_short_ratio, sum_taker_long_short_vol_ratio, is_closed"

	// Materialised views carry no is_closed column; loaded rows are
	// always treated as closed.
	metricsViewColumns = "symbol, bucket AS create_time, sum_open_interest, sum_open_interest_value, count_toptrader_long_short_ratio, sum_toptrader_long_short_ratio, count_long_short_ratio, sum_taker_long_short_vol_ratio, true AS is_closed"
)

func candleTable(p period.Period) string {
	return "candles_" + p.String()
}

func metricsTable(p period.Period) string {
	return "binance_futures_metrics_" + p.String()
}

// Reader owns the read pool against the upstream store.
type Reader struct {
	db       *sqlx.DB
	exchange string
}

// NewReader opens the pool and verifies connectivity. A failure here is
// fatal to the service.
func NewReader(ctx context.Context, dsn, exchange string) (*Reader, error) {
	db, err := sqlx.Open("postgres", readOnlyDSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("open upstream: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("upstream unreachable: %w", err)
	}
	return &Reader{db: db, exchange: exchange}, nil
}

// NewReaderWithDB wires a pre-built pool, used by tests.
func NewReaderWithDB(db *sqlx.DB, exchange string) *Reader {
	return &Reader{db: db, exchange: exchange}
}

// Close releases the pool.
func (r *Reader) Close() error { return r.db.Close() }

// Conn checks a dedicated connection out of the pool; catch-up workers
// hold one each so bulk reads never starve the event path.
func (r *Reader) Conn(ctx context.Context) (*sqlx.Conn, error) {
	return r.db.Connx(ctx)
}

// readOnlyDSN appends a session default making every transaction
// read-only, for both URL and key=value connection strings.
func readOnlyDSN(dsn string) string {
	const opt = "-c default_transaction_read_only=on"
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		return dsn + sep + "options=" + url.QueryEscape(opt)
	}
	if strings.Contains(dsn, "options=") {
		return dsn
	}
	return dsn + " options='" + opt + "'"
}

// WindowBars loads the latest closed bars per symbol for one period,
// bounded by a time-range lower bound rather than a row count so the
// planner can use the bucket_ts index.
func (r *Reader) WindowBars(ctx context.Context, p period.Period, symbols []string, lookback int, now time.Time) (map[string][]market.Bar, error) {
	lower := p.Floor(now).Add(-time.Duration(lookback) * p.Duration())
	q := fmt.Sprintf(
		"SELECT %s FROM %s WHERE exchange = $1 AND symbol = ANY($2) AND is_closed AND bucket_ts >= $3 ORDER BY bucket_ts",
		candleColumns, candleTable(p))

	var rows []CandleRow
	if err := sqlx.SelectContext(ctx, r.db, &rows, q, r.exchange, pq.Array(symbols), lower); err != nil {
		return nil, fmt.Errorf("window load %s: %w", p, err)
	}
	out := make(map[string][]market.Bar)
	for _, row := range rows {
		out[row.Symbol] = append(out[row.Symbol], row.Bar())
	}
	return out, nil
}

// WeekBars loads every closed base bar since the current-week start.
func (r *Reader) WeekBars(ctx context.Context, base period.Period, symbols []string, now time.Time) (map[string][]market.Bar, error) {
	q := fmt.Sprintf(
		"SELECT %s FROM %s WHERE exchange = $1 AND symbol = ANY($2) AND is_closed AND bucket_ts >= $3 ORDER BY bucket_ts",
		candleColumns, candleTable(base))

	var rows []CandleRow
	if err := sqlx.SelectContext(ctx, r.db, &rows, q, r.exchange, pq.Array(symbols), period.WeekStart(now)); err != nil {
		return nil, fmt.Errorf("week load: %w", err)
	}
	out := make(map[string][]market.Bar)
	for _, row := range rows {
		out[row.Symbol] = append(out[row.Symbol], row.Bar())
	}
	return out, nil
}

// CatchupSince streams every closed base bar after lastSeen in
// ascending (bucket_ts, symbol) order, invoking fn per row. The rows
// are iterated off the wire, not buffered.
func (r *Reader) CatchupSince(ctx context.Context, base period.Period, lastSeen time.Time, fn func(CandleRow) error) error {
	q := fmt.Sprintf(
		"SELECT %s FROM %s WHERE exchange = $1 AND is_closed AND bucket_ts > $2 ORDER BY bucket_ts, symbol",
		candleColumns, candleTable(base))

	rows, err := r.db.QueryxContext(ctx, q, r.exchange, lastSeen)
	if err != nil {
		return fmt.Errorf("catchup query: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var row CandleRow
		if err := rows.StructScan(&row); err != nil {
			return fmt.Errorf("catchup scan: %w", err)
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	return rows.Err()
}

// PollSince pulls the next batch of closed base bars after lastSeen,
// capped at limit, for the poll fallback path.
func (r *Reader) PollSince(ctx context.Context, base period.Period, lastSeen time.Time, limit int) ([]CandleRow, error) {
	q := fmt.Sprintf(
		"SELECT %s FROM %s WHERE exchange = $1 AND is_closed AND bucket_ts > $2 ORDER BY bucket_ts, symbol LIMIT $3",
		candleColumns, candleTable(base))

	var rows []CandleRow
	if err := sqlx.SelectContext(ctx, r.db, &rows, q, r.exchange, lastSeen, limit); err != nil {
		return nil, fmt.Errorf("poll: %w", err)
	}
	return rows, nil
}

// FetchBar loads one closed base bar by (symbol, bucket_ts); ok is
// false when the row is not there yet.
func (r *Reader) FetchBar(ctx context.Context, base period.Period, symbol string, bucketTS time.Time) (market.Bar, bool, error) {
	q := fmt.Sprintf(
		"SELECT %s FROM %s WHERE exchange = $1 AND symbol = $2 AND bucket_ts = $3 AND is_closed",
		candleColumns, candleTable(base))

	var row CandleRow
	err := sqlx.GetContext(ctx, r.db, &row, q, r.exchange, symbol, bucketTS)
	if errors.Is(err, sql.ErrNoRows) {
		return market.Bar{}, false, nil
	}
	if err != nil {
		return market.Bar{}, false, fmt.Errorf("fetch bar %s@%s: %w", symbol, bucketTS, err)
	}
	return row.Bar(), true, nil
}

// BulkRange is the catch-up shard read: closed base bars in
// (from, to], for one symbol batch, ordered (bucket_ts, symbol). q is
// the worker's dedicated connection; nil falls back to the pool.
func (r *Reader) BulkRange(ctx context.Context, q sqlx.QueryerContext, base period.Period, symbols []string, from, to time.Time) ([]CandleRow, error) {
	if q == nil {
		q = r.db
	}
	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE exchange = $1 AND is_closed AND bucket_ts > $2 AND bucket_ts <= $3 AND symbol = ANY($4) ORDER BY bucket_ts, symbol",
		candleColumns, candleTable(base))

	var rows []CandleRow
	if err := sqlx.SelectContext(ctx, q, &rows, query, r.exchange, from, to, pq.Array(symbols)); err != nil {
		return nil, fmt.Errorf("bulk range (%s, %s]: %w", from, to, err)
	}
	return rows, nil
}

// MaxBucketTS returns the newest base bucket upstream, used to seed
// last_seen when polling from cold.
func (r *Reader) MaxBucketTS(ctx context.Context, base period.Period) (time.Time, bool, error) {
	q := fmt.Sprintf("SELECT max(bucket_ts) FROM %s WHERE exchange = $1", candleTable(base))

	var ts sql.NullTime
	if err := sqlx.GetContext(ctx, r.db, &ts, q, r.exchange); err != nil {
		return time.Time{}, false, fmt.Errorf("max bucket_ts: %w", err)
	}
	if !ts.Valid {
		return time.Time{}, false, nil
	}
	return ts.Time.UTC(), true, nil
}

// Symbols enumerates the symbol universe: everything with base bars
// since the given time.
func (r *Reader) Symbols(ctx context.Context, base period.Period, since time.Time) ([]string, error) {
	q := fmt.Sprintf(
		"SELECT DISTINCT symbol FROM %s WHERE exchange = $1 AND bucket_ts >= $2 ORDER BY symbol",
		candleTable(base))

	var out []string
	if err := sqlx.SelectContext(ctx, r.db, &out, q, r.exchange, since); err != nil {
		return nil, fmt.Errorf("symbols: %w", err)
	}
	return out, nil
}

// MetricsWindow loads the metrics window for one period. The 5m base
// table is keyed by create_time and carries is_closed; higher tiers
// are materialised views keyed by bucket and load as closed.
func (r *Reader) MetricsWindow(ctx context.Context, p period.Period, symbols []string, lookback int, now time.Time) (map[string][]market.Metrics, error) {
	lower := p.Floor(now).Add(-time.Duration(lookback) * p.Duration())

	var q string
	if p == period.Min5 {
		q = fmt.Sprintf(
			"SELECT %s FROM %s WHERE exchange = $1 AND symbol = ANY($2) AND create_time >= $3 ORDER BY create_time",
			metricsColumns, metricsTable(p))
	} else {
		q = fmt.Sprintf(
			"SELECT %s FROM %s WHERE exchange = $1 AND symbol = ANY($2) AND bucket >= $3 ORDER BY bucket",
			metricsViewColumns, metricsTable(p))
	}

	var rows []MetricsRow
	if err := sqlx.SelectContext(ctx, r.db, &rows, q, r.exchange, pq.Array(symbols), lower); err != nil {
		return nil, fmt.Errorf("metrics window %s: %w", p, err)
	}
	out := make(map[string][]market.Metrics)
	for _, row := range rows {
		out[row.Symbol] = append(out[row.Symbol], row.Metrics())
	}
	return out, nil
}

// FetchMetrics loads one 5m metrics row by (symbol, create_time).
func (r *Reader) FetchMetrics(ctx context.Context, symbol string, createTime time.Time) (market.Metrics, bool, error) {
	q := fmt.Sprintf(
		"SELECT %s FROM %s WHERE exchange = $1 AND symbol = $2 AND create_time = $3",
		metricsColumns, metricsTable(period.Min5))

	var row MetricsRow
	err := sqlx.GetContext(ctx, r.db, &row, q, r.exchange, symbol, createTime)
	if errors.Is(err, sql.ErrNoRows) {
		return market.Metrics{}, false, nil
	}
	if err != nil {
		return market.Metrics{}, false, fmt.Errorf("fetch metrics %s@%s: %w", symbol, createTime, err)
	}
	return row.Metrics(), true, nil
}

// PollMetricsSince pulls the next batch of 5m metrics rows after
// lastSeen, for the poll fallback path.
func (r *Reader) PollMetricsSince(ctx context.Context, lastSeen time.Time, limit int) ([]MetricsRow, error) {
	q := fmt.Sprintf(
		"SELECT %s FROM %s WHERE exchange = $1 AND create_time > $2 ORDER BY create_time, symbol LIMIT $3",
		metricsColumns, metricsTable(period.Min5))

	var rows []MetricsRow
	if err := sqlx.SelectContext(ctx, r.db, &rows, q, r.exchange, lastSeen, limit); err != nil {
		return nil, fmt.Errorf("poll metrics: %w", err)
	}
	return rows, nil
}
