package engine

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/icefree/tradecat/internal/config"
	"github.com/icefree/tradecat/internal/market"
	"github.com/icefree/tradecat/internal/period"
	"github.com/icefree/tradecat/internal/snapshot"
)

var monday = time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := config.Default()
	cfg.UpstreamURL = "postgres://test"
	e := New(cfg, nil, nil)
	e.symbols = []string{"BTCUSDT"}
	return e
}

func baseBar(at time.Time, o, h, l, c, v float64) market.Bar {
	return market.Bar{
		Symbol: "BTCUSDT", Datetime: at,
		Open: o, High: h, Low: l, Close: c,
		Volume: v, QuoteVolume: v * c, TradeCount: 1,
		TakerBuyVolume: v / 2, TakerBuyQuoteVolume: v * c / 2,
		IsClosed: true,
	}
}

func TestSingleBarSeedsEveryPeriod(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	e.ApplyBaseBar(ctx, baseBar(monday, 100, 101, 99, 100.5, 10))

	base := e.Bars(period.Min1, "BTCUSDT")
	require.Len(t, base, 1)
	assert.True(t, base[0].IsClosed)

	for _, p := range e.derived {
		st := e.unclosed[p]["BTCUSDT"]
		require.NotNil(t, st, "forming bucket for %s", p)
		assert.Equal(t, p.Floor(monday), st.PeriodStart, "%s", p)
		assert.Equal(t, 100.0, st.Open, "%s", p)
		assert.Equal(t, 101.0, st.High, "%s", p)
		assert.Equal(t, 99.0, st.Low, "%s", p)
		assert.Equal(t, 100.5, st.Close, "%s", p)
		assert.Equal(t, 10.0, st.Volume, "%s", p)

		ub, ok := e.cache.Unclosed(p, "BTCUSDT")
		require.True(t, ok, "%s", p)
		assert.False(t, ub.IsClosed)
		assert.Equal(t, monday, ub.Datetime, "flush carries the last base ts")
	}
}

func TestBucketCloseAndReopen(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	e.ApplyBaseBar(ctx, baseBar(monday, 100, 101, 99, 100.5, 10))
	e.ApplyBaseBar(ctx, baseBar(monday.Add(5*time.Minute), 105, 106, 104, 105.5, 20))

	// The 00:00 5m bucket closed with the first bar's values.
	bars5 := e.Bars(period.Min5, "BTCUSDT")
	require.Len(t, bars5, 2)
	closed := bars5[0]
	assert.True(t, closed.IsClosed)
	assert.Equal(t, monday, closed.Datetime)
	assert.Equal(t, 100.0, closed.Open)
	assert.Equal(t, 101.0, closed.High)
	assert.Equal(t, 99.0, closed.Low)
	assert.Equal(t, 100.5, closed.Close)
	assert.Equal(t, 10.0, closed.Volume)

	// A new 5m bucket opened with the second bar's values.
	st5 := e.unclosed[period.Min5]["BTCUSDT"]
	require.NotNil(t, st5)
	assert.Equal(t, monday.Add(5*time.Minute), st5.PeriodStart)
	assert.Equal(t, 105.0, st5.Open)
	assert.Equal(t, 20.0, st5.Volume)

	// Wider periods accumulated both bars.
	for _, p := range []period.Period{period.Min15, period.Hour1, period.Day1, period.Week1} {
		st := e.unclosed[p]["BTCUSDT"]
		require.NotNil(t, st, "%s", p)
		assert.Equal(t, 100.0, st.Open, "%s", p)
		assert.Equal(t, 106.0, st.High, "%s", p)
		assert.Equal(t, 99.0, st.Low, "%s", p)
		assert.Equal(t, 105.5, st.Close, "%s", p)
		assert.Equal(t, 30.0, st.Volume, "%s", p)
	}

	assert.Equal(t, monday.Add(5*time.Minute), e.LastSeen())
}

func TestLateBarDoesNotRetroAdjust(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	e.ApplyBaseBar(ctx, baseBar(monday, 100, 101, 99, 100.5, 10))
	e.ApplyBaseBar(ctx, baseBar(monday.Add(5*time.Minute), 105, 106, 104, 105.5, 20))
	// Late row with a lower low than anything seen.
	e.ApplyBaseBar(ctx, baseBar(monday.Add(2*time.Minute), 100, 100, 90, 95, 5))

	base := e.Bars(period.Min1, "BTCUSDT")
	require.Len(t, base, 3, "base cache picks the late row up")

	st15 := e.unclosed[period.Min15]["BTCUSDT"]
	require.NotNil(t, st15)
	assert.Equal(t, 99.0, st15.Low, "forming buckets are not retro-adjusted")
	assert.Equal(t, 30.0, st15.Volume)

	assert.Equal(t, monday.Add(5*time.Minute), e.LastSeen(), "late rows do not move last_seen")
}

func TestDuplicateBucketFirstWins(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	e.ApplyBaseBar(ctx, baseBar(monday, 100, 101, 99, 100.5, 10))
	before := e.unclosed[period.Hour1]["BTCUSDT"].Volume

	// Same bucket again, different values.
	e.ApplyBaseBar(ctx, baseBar(monday, 200, 201, 199, 200.5, 50))

	base := e.Bars(period.Min1, "BTCUSDT")
	require.Len(t, base, 1)
	assert.Equal(t, 100.0, base[0].Open, "first row kept")
	assert.Equal(t, before, e.unclosed[period.Hour1]["BTCUSDT"].Volume,
		"derivation applied exactly once")
}

func TestDerivationIdempotentOnSameBar(t *testing.T) {
	e1 := testEngine(t)
	e2 := testEngine(t)
	ctx := context.Background()

	bars := []market.Bar{
		baseBar(monday, 100, 101, 99, 100.5, 10),
		baseBar(monday.Add(time.Minute), 100.5, 102, 100, 101, 8),
	}
	for _, b := range bars {
		e1.ApplyBaseBar(ctx, b)
		e2.ApplyBaseBar(ctx, b)
		e2.ApplyBaseBar(ctx, b) // duplicate delivery
	}

	for _, p := range e1.cfg.AllPeriods() {
		assert.Equal(t, e1.Bars(p, "BTCUSDT"), e2.Bars(p, "BTCUSDT"), "%s", p)
	}
}

func TestExactBoundaryClosesBucket(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	// Fill 00:00..00:04, then the bar exactly at 00:05 must close the
	// bucket and open the next with its own open.
	for i := 0; i < 5; i++ {
		e.ApplyBaseBar(ctx, baseBar(monday.Add(time.Duration(i)*time.Minute), 100, 101, 99, 100, 1))
	}
	e.ApplyBaseBar(ctx, baseBar(monday.Add(5*time.Minute), 55, 56, 54, 55, 2))

	bars5 := e.Bars(period.Min5, "BTCUSDT")
	require.Len(t, bars5, 2)
	assert.True(t, bars5[0].IsClosed)
	assert.Equal(t, 5.0, bars5[0].Volume, "five base bars aggregated")

	st := e.unclosed[period.Min5]["BTCUSDT"]
	assert.Equal(t, 55.0, st.Open, "new bucket opens with the boundary row's open")
}

func TestMetricsLastWriterWinsAcrossPeriods(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	for i, oi := range []float64{1000, 1010, 1020} {
		e.ApplyMetrics(ctx, market.Metrics{
			Symbol:       "BTCUSDT",
			Datetime:     monday.Add(time.Duration(i) * 5 * time.Minute),
			OpenInterest: oi,
		})
	}

	st := e.metricsState[period.Min15]["BTCUSDT"]
	require.NotNil(t, st)
	assert.Equal(t, 1020.0, st.OpenInterest, "latest sample, not a sum")

	latest, ok := e.LatestMetrics(period.Min15, "BTCUSDT")
	require.True(t, ok)
	assert.False(t, latest.IsClosed)
	assert.Equal(t, 1020.0, latest.OpenInterest)

	base := e.MetricsRows(period.Min5, "BTCUSDT")
	require.Len(t, base, 3, "base samples are kept individually")
}

func TestMetricsBucketClose(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	e.ApplyMetrics(ctx, market.Metrics{Symbol: "BTCUSDT", Datetime: monday.Add(10 * time.Minute), OpenInterest: 1020})
	e.ApplyMetrics(ctx, market.Metrics{Symbol: "BTCUSDT", Datetime: monday.Add(15 * time.Minute), OpenInterest: 1030})

	rows := e.MetricsRows(period.Min15, "BTCUSDT")
	require.Len(t, rows, 2)
	assert.True(t, rows[0].IsClosed)
	assert.Equal(t, 1020.0, rows[0].OpenInterest)
	assert.Equal(t, monday, rows[0].Datetime, "closed bucket keyed by its start")
	assert.False(t, rows[1].IsClosed)
	assert.Equal(t, 1030.0, rows[1].OpenInterest)
}

func TestRestoreCoverageGate(t *testing.T) {
	wednesday := time.Date(2025, 1, 8, 12, 0, 0, 0, time.UTC)

	short := &snapshot.Dump{Bars: map[period.Period]map[string][]market.Bar{
		period.Min1: {"BTCUSDT": make([]market.Bar, 120)},
	}}
	assert.False(t, restoreCovers(short, period.Min1, wednesday),
		"120 bars cannot cover a Wednesday")

	needed := period.MinutesSinceWeekStart(wednesday)
	full := &snapshot.Dump{Bars: map[period.Period]map[string][]market.Bar{
		period.Min1: {"BTCUSDT": make([]market.Bar, needed)},
	}}
	assert.True(t, restoreCovers(full, period.Min1, wednesday))

	empty := &snapshot.Dump{Bars: map[period.Period]map[string][]market.Bar{}}
	assert.False(t, restoreCovers(empty, period.Min1, wednesday))
}

func TestUnclosedInvariantUnderStream(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	for i := 0; i < 120; i++ {
		e.ApplyBaseBar(ctx, baseBar(monday.Add(time.Duration(i)*time.Minute), 100, 101, 99, 100, 1))
	}

	for _, p := range e.derived {
		count := 0
		for _, b := range e.Bars(p, "BTCUSDT") {
			if !b.IsClosed {
				count++
			}
		}
		assert.LessOrEqual(t, count, 1, "at most one forming bar per pair at %s", p)
	}
}

func TestFullWarmupPublishesFormingBatch(t *testing.T) {
	db, mock := redismock.NewClientMock()
	store := snapshot.NewStoreWithClients(db, db)

	// Five base bars inside the current (still open) 5m bucket.
	now := monday.Add(124 * time.Minute)
	rows := syntheticRows(monday.Add(120*time.Minute), 5, []string{"BTCUSDT"})

	cfg := config.Default()
	cfg.UpstreamURL = "postgres://test"
	e := New(cfg, &fakeUpstream{rows: rows}, store)
	e.symbols = []string{"BTCUSDT"}
	e.weekStart = period.WeekStart(now)
	e.now = func() time.Time { return now }

	for _, p := range e.derived {
		mock.Regexp().ExpectPublish(snapshot.BarChannel("BTCUSDT", p),
			`\{"symbol":"BTCUSDT","period":"`+p.String()+`".*"is_closed":false,"ts":\d+\}`).SetVal(1)
	}

	require.NoError(t, e.fullWarmup(context.Background(), now))
	assert.NoError(t, mock.ExpectationsWereMet(),
		"subscribers get the rebuilt forming buckets before the first live event")
}

func TestMetricsPeriodsMatchSupportedSet(t *testing.T) {
	require.Len(t, metricsLookbacks, len(period.MetricsAll))
	for _, p := range period.MetricsAll {
		assert.Contains(t, metricsLookbacks, p)
	}

	e := testEngine(t)
	assert.Equal(t, []period.Period{period.Min15, period.Hour1, period.Hour4, period.Day1, period.Week1},
		e.metricsPeriods, "every supported metrics period except the 5m base stream")
}
