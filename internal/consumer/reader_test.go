package consumer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/icefree/tradecat/internal/market"
	"github.com/icefree/tradecat/internal/snapshot"
)

func bar(at time.Time, close float64, closed bool) market.Bar {
	b := market.Bar{
		Symbol: "BTCUSDT", Datetime: at,
		Open: close, High: close, Low: close, Close: close,
		IsClosed: closed,
	}
	if !closed {
		b.PeriodStart = at.Truncate(5 * time.Minute)
	}
	return b
}

func TestDecodeHashSortsByWriterKey(t *testing.T) {
	start := time.Date(2025, 1, 6, 10, 0, 0, 0, time.UTC)

	raw := make(map[string]string)
	put := func(field string, b market.Bar) {
		enc, err := snapshot.EncodeBar(b)
		require.NoError(t, err)
		raw[field] = string(enc)
	}
	put("1", bar(start.Add(5*time.Minute), 2, true))
	put("2", bar(start, 1, true))
	// Forming bar whose datetime (10:13) is newer than its bucket key.
	put("3", bar(start.Add(13*time.Minute), 3, false))

	bars, err := decodeHash("BTCUSDT", raw)
	require.NoError(t, err)
	require.Len(t, bars, 3)
	assert.Equal(t, 1.0, bars[0].Close)
	assert.Equal(t, 2.0, bars[1].Close)
	assert.False(t, bars[2].IsClosed, "forming bar sorts at its bucket start")
}

func TestTailWindow(t *testing.T) {
	start := time.Date(2025, 1, 6, 10, 0, 0, 0, time.UTC)
	bars := []market.Bar{
		bar(start, 1, true),
		bar(start.Add(5*time.Minute), 2, true),
		bar(start.Add(10*time.Minute), 3, false),
	}

	got := tailWindow(bars, 2, false)
	require.Len(t, got, 2)
	assert.Equal(t, 2.0, got[0].Close, "newest entries kept")

	closedOnly := tailWindow(bars, 10, true)
	require.Len(t, closedOnly, 2)
	for _, b := range closedOnly {
		assert.True(t, b.IsClosed)
	}

	all := tailWindow(bars, 0, false)
	assert.Len(t, all, 3, "zero limit means everything")
}

func TestFallbackThrottle(t *testing.T) {
	r := newReader(nil, nil)

	// The burst drains, then the limiter holds.
	allowed := 0
	for i := 0; i < 20; i++ {
		if r.limiter.Allow() {
			allowed++
		}
	}
	assert.Equal(t, 5, allowed, "burst caps cold-start fallbacks")
}
