// Package market holds the value types flowing through the fusion
// engine: closed and in-progress OHLCV bars plus the futures-sentiment
// metrics snapshots, together with the roll-up folds that derive higher
// periods from the base stream.
package market

import (
	"fmt"
	"time"
)

// Bar is one OHLCV candle. Closed bars coming from upstream have
// Datetime equal to the bucket start; in-progress bars flushed by the
// engine carry the latest base timestamp in Datetime and the bucket
// start in PeriodStart.
type Bar struct {
	Symbol              string
	Datetime            time.Time
	Open                float64
	High                float64
	Low                 float64
	Close               float64
	Volume              float64
	QuoteVolume         float64
	TradeCount          int64
	TakerBuyVolume      float64
	TakerBuyQuoteVolume float64
	IsClosed            bool
	PeriodStart         time.Time // zero for closed base rows
}

// Validate checks the OHLC ordering and taker-volume invariants. The
// engine logs violations coming from upstream but still stores the row;
// it does not police upstream semantics.
func (b Bar) Validate() error {
	lo, hi := b.Open, b.Close
	if lo > hi {
		lo, hi = hi, lo
	}
	if b.Low > lo || b.High < hi {
		return fmt.Errorf("ohlc out of order: o=%g h=%g l=%g c=%g", b.Open, b.High, b.Low, b.Close)
	}
	if b.TakerBuyVolume < 0 || b.Volume < b.TakerBuyVolume {
		return fmt.Errorf("taker buy volume %g exceeds volume %g", b.TakerBuyVolume, b.Volume)
	}
	if b.TakerBuyQuoteVolume < 0 || b.QuoteVolume < b.TakerBuyQuoteVolume {
		return fmt.Errorf("taker buy quote volume %g exceeds quote volume %g", b.TakerBuyQuoteVolume, b.QuoteVolume)
	}
	return nil
}

// UnclosedState accumulates the currently forming bucket of one
// (symbol, period). Exactly one exists per pair at any time; it is owned
// by the engine task and never shared.
type UnclosedState struct {
	PeriodStart         time.Time
	Open                float64
	High                float64
	Low                 float64
	Close               float64
	Volume              float64
	QuoteVolume         float64
	TradeCount          int64
	TakerBuyVolume      float64
	TakerBuyQuoteVolume float64
}

// NewUnclosed opens a fresh bucket seeded from the first base bar.
func NewUnclosed(periodStart time.Time, b Bar) *UnclosedState {
	return &UnclosedState{
		PeriodStart:         periodStart,
		Open:                b.Open,
		High:                b.High,
		Low:                 b.Low,
		Close:               b.Close,
		Volume:              b.Volume,
		QuoteVolume:         b.QuoteVolume,
		TradeCount:          b.TradeCount,
		TakerBuyVolume:      b.TakerBuyVolume,
		TakerBuyQuoteVolume: b.TakerBuyQuoteVolume,
	}
}

// Fold merges one more base bar into the bucket: high=max, low=min,
// close=last, the five accumulators add.
func (s *UnclosedState) Fold(b Bar) {
	if b.High > s.High {
		s.High = b.High
	}
	if b.Low < s.Low {
		s.Low = b.Low
	}
	s.Close = b.Close
	s.Volume += b.Volume
	s.QuoteVolume += b.QuoteVolume
	s.TradeCount += b.TradeCount
	s.TakerBuyVolume += b.TakerBuyVolume
	s.TakerBuyQuoteVolume += b.TakerBuyQuoteVolume
}

// Bar materialises the state. For a closed bucket datetime is the bucket
// start; for a flush of the in-progress bucket it is the latest base
// timestamp seen for the symbol.
func (s *UnclosedState) Bar(symbol string, datetime time.Time, closed bool) Bar {
	return Bar{
		Symbol:              symbol,
		Datetime:            datetime,
		Open:                s.Open,
		High:                s.High,
		Low:                 s.Low,
		Close:               s.Close,
		Volume:              s.Volume,
		QuoteVolume:         s.QuoteVolume,
		TradeCount:          s.TradeCount,
		TakerBuyVolume:      s.TakerBuyVolume,
		TakerBuyQuoteVolume: s.TakerBuyQuoteVolume,
		IsClosed:            closed,
		PeriodStart:         s.PeriodStart,
	}
}
