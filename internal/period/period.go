// Package period defines the candle periods supported by the fusion
// engine and the UTC bucket arithmetic shared by every component.
package period

import (
	"fmt"
	"time"
)

// Period identifies a candle interval. The string form matches the
// upstream table suffixes (candles_1m, candles_5m, ...).
type Period string

const (
	Min1  Period = "1m"
	Min5  Period = "5m"
	Min15 Period = "15m"
	Hour1 Period = "1h"
	Hour4 Period = "4h"
	Day1  Period = "1d"
	Week1 Period = "1w"
)

// All lists every supported period, smallest first.
var All = []Period{Min1, Min5, Min15, Hour1, Hour4, Day1, Week1}

// MetricsAll lists the periods the futures-sentiment pipeline runs on.
// The metrics base stream is 5m; there is no 1m metrics table upstream.
var MetricsAll = []Period{Min5, Min15, Hour1, Hour4, Day1, Week1}

var durations = map[Period]time.Duration{
	Min1:  time.Minute,
	Min5:  5 * time.Minute,
	Min15: 15 * time.Minute,
	Hour1: time.Hour,
	Hour4: 4 * time.Hour,
	Day1:  24 * time.Hour,
	Week1: 7 * 24 * time.Hour,
}

// Parse validates a period string.
func Parse(s string) (Period, error) {
	p := Period(s)
	if _, ok := durations[p]; !ok {
		return "", fmt.Errorf("unknown period %q", s)
	}
	return p, nil
}

// Valid reports whether p is one of the supported periods.
func (p Period) Valid() bool {
	_, ok := durations[p]
	return ok
}

func (p Period) String() string { return string(p) }

// Duration returns the fixed UTC duration of one bucket.
func (p Period) Duration() time.Duration { return durations[p] }

// Seconds returns the bucket length in whole seconds.
func (p Period) Seconds() int64 { return int64(durations[p] / time.Second) }

// Floor truncates ts to the start of its bucket. All buckets are aligned
// to UTC; the weekly bucket starts Monday 00:00 UTC.
func (p Period) Floor(ts time.Time) time.Time {
	ts = ts.UTC()
	if p == Week1 {
		return WeekStart(ts)
	}
	return ts.Truncate(durations[p])
}

// IsClosed reports whether the bucket starting at bucketTS has fully
// elapsed: now >= bucketTS + duration.
func (p Period) IsClosed(bucketTS, now time.Time) bool {
	return !now.Before(bucketTS.Add(durations[p]))
}

// WeekStart returns Monday 00:00 UTC of the week containing ts. A
// timestamp exactly on the boundary belongs to the new week.
func WeekStart(ts time.Time) time.Time {
	ts = ts.UTC()
	day := ts.Truncate(24 * time.Hour)
	offset := (int(day.Weekday()) + 6) % 7 // Monday=0 ... Sunday=6
	return day.AddDate(0, 0, -offset)
}

// MinutesSinceWeekStart returns the number of whole minutes elapsed in
// the current trading week, plus one for the minute in progress. This is
// the base-period coverage a warm restore must reach.
func MinutesSinceWeekStart(now time.Time) int {
	now = now.UTC()
	return int(now.Sub(WeekStart(now))/time.Minute) + 1
}
