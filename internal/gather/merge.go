package gather

import (
	"sort"
	"time"

	"klinecache/internal/domain"
)

// Merge combines bar sets given in priority order into one sorted series.
// When several sets hold a bar with the same open time, the bar from the
// earliest set wins.
func Merge(key domain.Key, sets ...[]domain.Bar) domain.Series {
	n := 0
	for _, s := range sets {
		n += len(s)
	}
	all := make([]domain.Bar, 0, n)
	for _, s := range sets {
		all = append(all, s...)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].OpenTime.Before(all[j].OpenTime) })

	out := all[:0]
	for _, b := range all {
		if len(out) > 0 && b.OpenTime.Equal(out[len(out)-1].OpenTime) {
			continue
		}
		out = append(out, b)
	}
	return domain.Series{Key: key, Bars: out}
}

// dropOpen removes bars that have not closed by now.
func dropOpen(s domain.Series, now time.Time) domain.Series {
	iv := s.Key.Interval
	out := s.Bars[:0]
	for _, b := range s.Bars {
		if now.After(b.CloseTime(iv)) {
			out = append(out, b)
		}
	}
	s.Bars = out
	return s
}

// Interpolate fills every missing slot of w that follows an existing bar
// with a flat bar at the previous close and zero volume, tagged
// SourceInterpolated. Slots before the first bar stay empty.
func Interpolate(s domain.Series, w domain.Window) domain.Series {
	step := s.Key.Interval.Duration()
	if step == 0 || len(s.Bars) == 0 {
		return s
	}
	out := make([]domain.Bar, 0, len(s.Bars))
	i := 0
	for i < len(s.Bars) && s.Bars[i].OpenTime.Before(w.Start) {
		i++
	}
	var (
		last float64
		seen bool
	)
	for t := w.Start; t.Before(w.End); t = t.Add(step) {
		if i < len(s.Bars) && s.Bars[i].OpenTime.Equal(t) {
			out = append(out, s.Bars[i])
			last, seen = s.Bars[i].Close, true
			i++
			continue
		}
		if !seen {
			continue
		}
		out = append(out, domain.Bar{OpenTime: t, Open: last, High: last, Low: last, Close: last, Source: domain.SourceInterpolated})
	}
	s.Bars = out
	return s
}

// stripSource clears provenance tags other than SourceInterpolated.
func stripSource(s domain.Series) domain.Series {
	for i := range s.Bars {
		if s.Bars[i].Source != domain.SourceInterpolated {
			s.Bars[i].Source = ""
		}
	}
	return s
}
