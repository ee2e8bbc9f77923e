package period

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t.UTC()
}

func TestFloor(t *testing.T) {
	at := ts("2025-01-08T14:37:42Z") // a Wednesday

	cases := []struct {
		p    Period
		want string
	}{
		{Min1, "2025-01-08T14:37:00Z"},
		{Min5, "2025-01-08T14:35:00Z"},
		{Min15, "2025-01-08T14:30:00Z"},
		{Hour1, "2025-01-08T14:00:00Z"},
		{Hour4, "2025-01-08T12:00:00Z"},
		{Day1, "2025-01-08T00:00:00Z"},
		{Week1, "2025-01-06T00:00:00Z"}, // Monday
	}
	for _, c := range cases {
		assert.Equal(t, ts(c.want), c.p.Floor(at), "floor %s", c.p)
	}
}

func TestWeekStartBoundary(t *testing.T) {
	monday := ts("2025-01-06T00:00:00Z")

	// A bar exactly at Monday 00:00 UTC belongs to the new week.
	assert.Equal(t, monday, WeekStart(monday))
	assert.Equal(t, monday, Week1.Floor(monday))

	// One second earlier is still the previous week.
	assert.Equal(t, ts("2024-12-30T00:00:00Z"), WeekStart(monday.Add(-time.Second)))

	// Sunday night maps to the Monday that opened the week.
	assert.Equal(t, monday, WeekStart(ts("2025-01-12T23:59:59Z")))
}

func TestIsClosed(t *testing.T) {
	bucket := ts("2025-01-06T00:00:00Z")

	assert.False(t, Min5.IsClosed(bucket, bucket.Add(4*time.Minute+59*time.Second)))
	// Exactly at bucket+duration the bucket is closed.
	assert.True(t, Min5.IsClosed(bucket, bucket.Add(5*time.Minute)))
	assert.True(t, Min5.IsClosed(bucket, bucket.Add(6*time.Minute)))

	assert.False(t, Week1.IsClosed(bucket, ts("2025-01-12T23:59:59Z")))
	assert.True(t, Week1.IsClosed(bucket, ts("2025-01-13T00:00:00Z")))
}

func TestParse(t *testing.T) {
	p, err := Parse("4h")
	require.NoError(t, err)
	assert.Equal(t, Hour4, p)
	assert.Equal(t, int64(14400), p.Seconds())

	_, err = Parse("2h")
	assert.Error(t, err)
}

func TestMinutesSinceWeekStart(t *testing.T) {
	// Monday 00:00 counts the minute in progress.
	assert.Equal(t, 1, MinutesSinceWeekStart(ts("2025-01-06T00:00:30Z")))
	assert.Equal(t, 61, MinutesSinceWeekStart(ts("2025-01-06T01:00:00Z")))
}
