package report

import (
	"fmt"
	"time"
)

// =============================================================================
// REPORT TIMEZONE - Fixed UTC offset for calendar alignment
// =============================================================================
//
// Bucket boundaries follow a business-local calendar, not UTC. The offset
// is a static configuration value, deliberately not an IANA zone: persisted
// bucket semantics must stay reproducible from the stored offset alone, so
// there is no daylight-saving logic here.

// Timezone is the fixed report offset, in minutes east of UTC (US Pacific
// standard time is -480), plus a human-readable label for display.
type Timezone struct {
	OffsetMinutes int
	Label         string
}

// UTC is the zero-offset default.
var UTC = Timezone{OffsetMinutes: 0, Label: "UTC"}

func (tz Timezone) offset() time.Duration {
	return time.Duration(tz.OffsetMinutes) * time.Minute
}

// ResolveRange turns two calendar-date strings (YYYY-MM-DD, interpreted as
// local dates in the report timezone) into a half-open UTC window. The "to"
// date is inclusive: the exclusive upper bound is local midnight of the
// following day.
func (tz Timezone) ResolveRange(from, to string) (Range, error) {
	f, err := time.Parse("2006-01-02", from)
	if err != nil {
		return Range{}, fmt.Errorf("invalid from date %q (want YYYY-MM-DD)", from)
	}
	t, err := time.Parse("2006-01-02", to)
	if err != nil {
		return Range{}, fmt.Errorf("invalid to date %q (want YYYY-MM-DD)", to)
	}
	return Range{
		From: f.Add(-tz.offset()),
		To:   t.AddDate(0, 0, 1).Add(-tz.offset()),
	}, nil
}

// TruncateToBucket aligns t to the start of its calendar bucket: shift into
// local time, truncate to the day/week/month, shift back to UTC. Weeks
// start on Monday.
func (tz Timezone) TruncateToBucket(t time.Time, unit BucketUnit) time.Time {
	local := t.UTC().Add(tz.offset())

	var start time.Time
	switch unit {
	case BucketWeek:
		day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
		start = day.AddDate(0, 0, -((int(day.Weekday()) + 6) % 7))
	case BucketMonth:
		start = time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, time.UTC)
	default: // BucketDay
		start = time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
	}

	return start.Add(-tz.offset())
}

// FormatBucket renders a bucket instant as its local calendar date.
func (tz Timezone) FormatBucket(bucket time.Time) string {
	return bucket.UTC().Add(tz.offset()).Format("2006-01-02")
}
