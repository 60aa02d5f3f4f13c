// Package reset computes the post-reset state of entitlements whose interval elapsed.
package reset

import (
	"time"

	"github.com/smallbiznis/entitlements/internal/entitlement/domain"
)

func fixedDuration(interval domain.Interval) (time.Duration, bool) {
	switch interval {
	case domain.IntervalMinute:
		return time.Minute, true
	case domain.IntervalHour:
		return time.Hour, true
	case domain.IntervalDay:
		return 24 * time.Hour, true
	case domain.IntervalWeek:
		return 7 * 24 * time.Hour, true
	default:
		return 0, false
	}
}

func months(interval domain.Interval) (int, bool) {
	switch interval {
	case domain.IntervalMonth:
		return 1, true
	case domain.IntervalQuarter:
		return 3, true
	case domain.IntervalSemiAnnual:
		return 6, true
	case domain.IntervalYear:
		return 12, true
	default:
		return 0, false
	}
}

// AddInterval moves t forward by n intervals. It returns false for lifetime or unknown intervals.
// Calendar intervals keep t's day of month, clamped to the last day of shorter months.
func AddInterval(t time.Time, interval domain.Interval, n int) (time.Time, bool) {
	if d, ok := fixedDuration(interval); ok {
		return t.Add(time.Duration(n) * d), true
	}
	if m, ok := months(interval); ok {
		return addMonths(t, m*n), true
	}
	return time.Time{}, false
}

func addMonths(t time.Time, n int) time.Time {
	year, month, day := t.Date()
	first := time.Date(year, month+time.Month(n), 1, 0, 0, 0, 0, t.Location())
	if last := first.AddDate(0, 1, -1).Day(); day > last {
		day = last
	}
	hh, mm, ss := t.Clock()
	return time.Date(first.Year(), first.Month(), day, hh, mm, ss, t.Nanosecond(), t.Location())
}

// Advance returns the first boundary strictly after now and the last boundary at or before it,
// counting whole intervals from anchorMs so month lengths never drift the schedule.
func Advance(anchorMs int64, interval domain.Interval, count int, nowMs int64) (next int64, last int64, ok bool) {
	if count <= 0 {
		count = 1
	}
	anchor := time.UnixMilli(anchorMs).UTC()
	if anchorMs > nowMs {
		return anchorMs, anchorMs, true
	}

	if d, fixed := fixedDuration(interval); fixed {
		step := (d * time.Duration(count)).Milliseconds()
		k := (nowMs-anchorMs)/step + 1
		return anchorMs + k*step, anchorMs + (k-1)*step, true
	}
	if _, monthly := months(interval); !monthly {
		return 0, 0, false
	}

	last = anchorMs
	for k := 1; ; k++ {
		candidate, _ := AddInterval(anchor, interval, k*count)
		ms := candidate.UnixMilli()
		if ms > nowMs {
			return ms, last, true
		}
		last = ms
	}
}
