package upstream

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/icefree/tradecat/internal/period"
)

var candleCols = []string{
	"symbol", "bucket_ts", "open", "high", "low", "close",
	"volume", "quote_volume", "trade_count", "taker_buy_volume",
	"taker_buy_quote_volume", "is_closed",
}

var metricsCols = []string{
	"symbol", "create_time", "sum_open_interest", "sum_open_interest_value",
	"count_toptrader_long_short_ratio", "sum_toptrader_long_short_ratio",
	"count_long_short_ratio", "sum_taker_long_short_vol_ratio", "is_closed",
}

func newMockReader(t *testing.T) (*Reader, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewReaderWithDB(sqlx.NewDb(db, "postgres"), "binance"), mock
}

func TestWindowBarsGroupsBySymbol(t *testing.T) {
	r, mock := newMockReader(t)
	now := time.Date(2025, 1, 8, 12, 3, 0, 0, time.UTC)
	lower := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC) // floor(1h) - 168h

	mock.ExpectQuery(regexp.QuoteMeta("FROM candles_1h WHERE exchange = $1 AND symbol = ANY($2) AND is_closed AND bucket_ts >= $3")).
		WithArgs("binance", pq.Array([]string{"BTCUSDT", "ETHUSDT"}), lower).
		WillReturnRows(sqlmock.NewRows(candleCols).
			AddRow("BTCUSDT", time.Date(2025, 1, 8, 10, 0, 0, 0, time.UTC), 1.0, 2.0, 0.5, 1.5, 10.0, 100.0, int64(5), 4.0, 40.0, true).
			AddRow("ETHUSDT", time.Date(2025, 1, 8, 10, 0, 0, 0, time.UTC), 3.0, 4.0, 2.5, 3.5, 20.0, 200.0, int64(7), 9.0, 90.0, true).
			AddRow("BTCUSDT", time.Date(2025, 1, 8, 11, 0, 0, 0, time.UTC), 1.5, 2.5, 1.0, 2.0, 11.0, 110.0, int64(6), 5.0, 50.0, true))

	out, err := r.WindowBars(context.Background(), period.Hour1, []string{"BTCUSDT", "ETHUSDT"}, 168, now)
	require.NoError(t, err)
	require.Len(t, out["BTCUSDT"], 2)
	require.Len(t, out["ETHUSDT"], 1)
	assert.True(t, out["BTCUSDT"][0].IsClosed)
	assert.Equal(t, 2.0, out["BTCUSDT"][1].Close)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchBarNotFound(t *testing.T) {
	r, mock := newMockReader(t)
	at := time.Date(2025, 1, 6, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("FROM candles_1m WHERE exchange = $1 AND symbol = $2 AND bucket_ts = $3 AND is_closed")).
		WithArgs("binance", "BTCUSDT", at).
		WillReturnRows(sqlmock.NewRows(candleCols))

	_, ok, err := r.FetchBar(context.Background(), period.Min1, "BTCUSDT", at)
	require.NoError(t, err, "a row not yet visible is not an error")
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPollSincePassesLimit(t *testing.T) {
	r, mock := newMockReader(t)
	seen := time.Date(2025, 1, 6, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY bucket_ts, symbol LIMIT $3")).
		WithArgs("binance", seen, 5000).
		WillReturnRows(sqlmock.NewRows(candleCols).
			AddRow("BTCUSDT", seen.Add(time.Minute), 1.0, 1.0, 1.0, 1.0, 1.0, 1.0, int64(1), 0.5, 0.5, true))

	rows, err := r.PollSince(context.Background(), period.Min1, seen, 5000)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "BTCUSDT", rows[0].Symbol)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkRangeOrderedShard(t *testing.T) {
	r, mock := newMockReader(t)
	from := time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)
	to := from.Add(6 * time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta("bucket_ts > $2 AND bucket_ts <= $3 AND symbol = ANY($4) ORDER BY bucket_ts, symbol")).
		WithArgs("binance", from, to, pq.Array([]string{"BTCUSDT"})).
		WillReturnRows(sqlmock.NewRows(candleCols).
			AddRow("BTCUSDT", from.Add(time.Minute), 1.0, 1.0, 1.0, 1.0, 1.0, 1.0, int64(1), 0.5, 0.5, true))

	rows, err := r.BulkRange(context.Background(), r.db, period.Min1, []string{"BTCUSDT"}, from, to)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMetricsWindowHigherTierLoadsClosed(t *testing.T) {
	r, mock := newMockReader(t)
	now := time.Date(2025, 1, 8, 12, 0, 0, 0, time.UTC)

	// Higher tiers read the materialised view keyed by bucket.
	mock.ExpectQuery(regexp.QuoteMeta("bucket AS create_time")).
		WithArgs("binance", pq.Array([]string{"BTCUSDT"}), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(metricsCols).
			AddRow("BTCUSDT", now.Add(-time.Hour), 1000.0, 5.0e7, 1.2, 1.3, 0.9, 1.1, true))

	out, err := r.MetricsWindow(context.Background(), period.Hour1, []string{"BTCUSDT"}, 168, now)
	require.NoError(t, err)
	require.Len(t, out["BTCUSDT"], 1)
	assert.True(t, out["BTCUSDT"][0].IsClosed)
	assert.Equal(t, 1000.0, out["BTCUSDT"][0].OpenInterest)
	assert.Equal(t, 0.9, out["BTCUSDT"][0].LongShortRatio, "count_long_short_ratio maps to the ratio field")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMaxBucketTSEmptyTable(t *testing.T) {
	r, mock := newMockReader(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT max(bucket_ts) FROM candles_1m")).
		WithArgs("binance").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))

	_, ok, err := r.MaxBucketTS(context.Background(), period.Min1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReadOnlyDSN(t *testing.T) {
	assert.Contains(t, readOnlyDSN("postgres://u:p@host/db?sslmode=disable"),
		"&options=-c+default_transaction_read_only%3Don")
	assert.Contains(t, readOnlyDSN("postgres://u:p@host/db"),
		"?options=-c+default_transaction_read_only%3Don")
	assert.Equal(t,
		"host=localhost dbname=md options='-c default_transaction_read_only=on'",
		readOnlyDSN("host=localhost dbname=md"))
}

func TestParseNotification(t *testing.T) {
	n, err := parseNotification("candle_1m_update",
		`{"symbol":"BTCUSDT","bucket_ts":1736157600,"is_closed":true}`)
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", n.Symbol)
	assert.True(t, n.IsClosed)
	assert.Equal(t, time.Unix(1736157600, 0).UTC(), n.TS)

	n, err = parseNotification("metrics_5m_update",
		`{"symbol":"ETHUSDT","create_time":"2025-01-06T10:00:00Z","is_closed":true}`)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 6, 10, 0, 0, 0, time.UTC), n.TS)

	_, err = parseNotification("candle_1m_update", `not json`)
	assert.Error(t, err)

	_, err = parseNotification("candle_1m_update", `{"bucket_ts":1736157600}`)
	assert.Error(t, err, "missing symbol is malformed")

	_, err = parseNotification("candle_1m_update", `{"symbol":"BTCUSDT"}`)
	assert.Error(t, err, "missing timestamp is malformed")
}
