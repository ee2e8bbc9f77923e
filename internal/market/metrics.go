package market

import "time"

// Metrics is one futures-sentiment snapshot at a 5m boundary. Unlike
// bars these are snapshot-typed: rolling up to a higher period keeps the
// latest base sample, never a sum.
type Metrics struct {
	Symbol                       string
	Datetime                     time.Time
	OpenInterest                 float64
	OpenInterestValue            float64
	CountToptraderLongShortRatio float64
	ToptraderLongShortRatio      float64
	LongShortRatio               float64
	TakerLongShortVolRatio       float64
	IsClosed                     bool
	PeriodStart                  time.Time
}

// MetricsState is the currently forming metrics bucket for one
// (symbol, period). Last writer wins on every field.
type MetricsState struct {
	PeriodStart                  time.Time
	LastUpdate                   time.Time
	OpenInterest                 float64
	OpenInterestValue            float64
	CountToptraderLongShortRatio float64
	ToptraderLongShortRatio      float64
	LongShortRatio               float64
	TakerLongShortVolRatio       float64
}

// NewMetricsState opens a bucket from the first base sample.
func NewMetricsState(periodStart time.Time, m Metrics) *MetricsState {
	s := &MetricsState{PeriodStart: periodStart}
	s.Overwrite(m)
	return s
}

// Overwrite replaces all six numeric fields with the latest base sample.
func (s *MetricsState) Overwrite(m Metrics) {
	s.LastUpdate = m.Datetime
	s.OpenInterest = m.OpenInterest
	s.OpenInterestValue = m.OpenInterestValue
	s.CountToptraderLongShortRatio = m.CountToptraderLongShortRatio
	s.ToptraderLongShortRatio = m.ToptraderLongShortRatio
	s.LongShortRatio = m.LongShortRatio
	s.TakerLongShortVolRatio = m.TakerLongShortVolRatio
}

// Metrics materialises the state as a snapshot record.
func (s *MetricsState) Metrics(symbol string, datetime time.Time, closed bool) Metrics {
	return Metrics{
		Symbol:                       symbol,
		Datetime:                     datetime,
		OpenInterest:                 s.OpenInterest,
		OpenInterestValue:            s.OpenInterestValue,
		CountToptraderLongShortRatio: s.CountToptraderLongShortRatio,
		ToptraderLongShortRatio:      s.ToptraderLongShortRatio,
		LongShortRatio:               s.LongShortRatio,
		TakerLongShortVolRatio:       s.TakerLongShortVolRatio,
		IsClosed:                     closed,
		PeriodStart:                  s.PeriodStart,
	}
}
