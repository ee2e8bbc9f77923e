package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUnclosedFold(t *testing.T) {
	ps := time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)

	s := NewUnclosed(ps, Bar{
		Open: 100, High: 101, Low: 99, Close: 100.5,
		Volume: 10, QuoteVolume: 1000, TradeCount: 5,
		TakerBuyVolume: 6, TakerBuyQuoteVolume: 600,
	})
	s.Fold(Bar{
		Open: 105, High: 106, Low: 104, Close: 105.5,
		Volume: 20, QuoteVolume: 2100, TradeCount: 7,
		TakerBuyVolume: 8, TakerBuyQuoteVolume: 840,
	})

	assert.Equal(t, 100.0, s.Open, "open stays first")
	assert.Equal(t, 106.0, s.High)
	assert.Equal(t, 99.0, s.Low)
	assert.Equal(t, 105.5, s.Close)
	assert.Equal(t, 30.0, s.Volume)
	assert.Equal(t, 3100.0, s.QuoteVolume)
	assert.Equal(t, int64(12), s.TradeCount)
	assert.Equal(t, 14.0, s.TakerBuyVolume)
	assert.Equal(t, 1440.0, s.TakerBuyQuoteVolume)

	b := s.Bar("BTCUSDT", ps.Add(time.Minute), false)
	assert.False(t, b.IsClosed)
	assert.Equal(t, ps, b.PeriodStart)
	assert.Equal(t, ps.Add(time.Minute), b.Datetime)
	assert.LessOrEqual(t, b.TakerBuyVolume, b.Volume)
	assert.NoError(t, b.Validate())
}

func TestBarValidate(t *testing.T) {
	ok := Bar{Open: 10, High: 11, Low: 9, Close: 10.5, Volume: 2, TakerBuyVolume: 1}
	assert.NoError(t, ok.Validate())

	bad := ok
	bad.Low = 10.6 // above both open and close
	assert.Error(t, bad.Validate())

	bad = ok
	bad.TakerBuyVolume = 3
	assert.Error(t, bad.Validate())
}

func TestMetricsStateLastWriterWins(t *testing.T) {
	ps := time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)

	s := NewMetricsState(ps, Metrics{Datetime: ps, OpenInterest: 1000, LongShortRatio: 1.2})
	s.Overwrite(Metrics{Datetime: ps.Add(5 * time.Minute), OpenInterest: 1010, LongShortRatio: 1.3})
	s.Overwrite(Metrics{Datetime: ps.Add(10 * time.Minute), OpenInterest: 1020, LongShortRatio: 1.1})

	assert.Equal(t, 1020.0, s.OpenInterest, "no accumulation, latest sample wins")
	assert.Equal(t, 1.1, s.LongShortRatio)
	assert.Equal(t, ps.Add(10*time.Minute), s.LastUpdate)
}
