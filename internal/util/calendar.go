package util

import (
	"fmt"
	"time"

	"klinecache/internal/domain"
)

// Interval-boundary arithmetic. All instants are handled in UTC at
// microsecond resolution; every supported interval divides one day, so
// epoch alignment and UTC-midnight alignment coincide.

// Floor returns the largest iv-aligned instant <= t. Sub-interval fragments
// are truncated, never rounded.
func Floor(t time.Time, iv domain.Interval) time.Time {
	step := iv.Duration().Microseconds()
	us := t.UnixMicro()
	r := us % step
	if r < 0 {
		r += step
	}
	return time.UnixMicro(us - r).UTC()
}

// Ceil returns the smallest iv-aligned instant >= t.
func Ceil(t time.Time, iv domain.Interval) time.Time {
	f := Floor(t, iv)
	if f.Equal(t) {
		return f
	}
	return f.Add(iv.Duration())
}

// BarCloseTime returns open + iv - 1µs.
func BarCloseTime(open time.Time, iv domain.Interval) time.Time {
	return open.Add(iv.Duration() - time.Microsecond)
}

// IsBarComplete reports whether the bar opening at open has closed by now.
func IsBarComplete(open time.Time, iv domain.Interval, now time.Time) bool {
	return now.After(BarCloseTime(open, iv))
}

// AlignWindow quantizes a caller window to the half-open [Floor(start),
// Floor(end)) and trims any trailing bar that is still open at now. An end
// after now, or a start after the aligned end, is domain.ErrInvalidRange.
// A window that aligns to zero width is returned empty without error.
func AlignWindow(start, end time.Time, iv domain.Interval, now time.Time) (domain.Window, error) {
	if !iv.Valid() {
		return domain.Window{}, fmt.Errorf("%w: unsupported interval %q", domain.ErrInvalidRange, iv)
	}
	if end.After(now) {
		return domain.Window{}, fmt.Errorf("%w: end %s is in the future", domain.ErrInvalidRange, end.UTC().Format(time.RFC3339Nano))
	}
	if start.After(end) {
		return domain.Window{}, fmt.Errorf("%w: start %s after end %s", domain.ErrInvalidRange,
			start.UTC().Format(time.RFC3339Nano), end.UTC().Format(time.RFC3339Nano))
	}

	s := Floor(start, iv)
	e := Floor(end, iv)
	for e.After(s) && !IsBarComplete(e.Add(-iv.Duration()), iv, now) {
		e = e.Add(-iv.Duration())
	}
	if s.After(e) {
		return domain.Window{}, fmt.Errorf("%w: aligned start %s after aligned end %s", domain.ErrInvalidRange,
			s.Format(time.RFC3339Nano), e.Format(time.RFC3339Nano))
	}
	return domain.Window{Start: s, End: e}, nil
}

// DayStart returns UTC midnight of the day containing t.
func DayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// DaysSpanned returns the UTC midnights of every day intersecting w.
func DaysSpanned(w domain.Window) []time.Time {
	if w.Empty() {
		return nil
	}
	var days []time.Time
	for d := DayStart(w.Start); d.Before(w.End); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

// DayWindow returns the part of w that falls inside the day starting at day.
func DayWindow(w domain.Window, day time.Time) domain.Window {
	out := domain.Window{Start: day, End: day.AddDate(0, 0, 1)}
	if w.Start.After(out.Start) {
		out.Start = w.Start
	}
	if w.End.Before(out.End) {
		out.End = w.End
	}
	return out
}
