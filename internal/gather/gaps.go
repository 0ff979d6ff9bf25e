package gather

import (
	"time"

	"klinecache/internal/domain"
	"klinecache/internal/util"
)

// Analyze returns the parts of w not satisfied by the cache, as minimal
// half-open gaps coalesced across day boundaries.
//
// cached holds the day series that loaded successfully, keyed by UTC
// midnight. A loaded day whose entry is complete satisfies its whole
// sub-range. Any other day is checked bar by bar, so a partial day still
// satisfies a request that falls inside what it holds.
func Analyze(w domain.Window, iv domain.Interval, cached map[time.Time]domain.Series, entries []domain.CacheEntry) []domain.Gap {
	complete := make(map[time.Time]bool, len(entries))
	for _, e := range entries {
		if e.Complete() && !e.NeedsRevalidation {
			complete[util.DayStart(e.Date)] = true
		}
	}

	var gaps []domain.Gap
	for _, day := range util.DaysSpanned(w) {
		s, loaded := cached[day]
		if loaded && complete[day] {
			continue
		}
		gaps = appendGaps(gaps, MissingRanges(util.DayWindow(w, day), iv, s.OpenTimes())...)
	}
	return gaps
}

// MissingRanges returns the iv-aligned slots of w with no bar in openTimes,
// coalesced into half-open ranges. w must be aligned to iv.
func MissingRanges(w domain.Window, iv domain.Interval, openTimes []time.Time) []domain.Gap {
	step := iv.Duration()
	if step == 0 || w.Empty() {
		return nil
	}
	have := make(map[int64]struct{}, len(openTimes))
	for _, t := range openTimes {
		have[t.UnixMicro()] = struct{}{}
	}

	var gaps []domain.Gap
	for t := w.Start; t.Before(w.End); t = t.Add(step) {
		if _, ok := have[t.UnixMicro()]; ok {
			continue
		}
		gaps = appendGaps(gaps, domain.Gap{Start: t, End: t.Add(step)})
	}
	return gaps
}

// appendGaps appends gaps, extending the last one when they touch.
func appendGaps(dst []domain.Gap, gaps ...domain.Gap) []domain.Gap {
	for _, g := range gaps {
		if n := len(dst); n > 0 && dst[n-1].End.Equal(g.Start) {
			dst[n-1].End = g.End
			continue
		}
		dst = append(dst, g)
	}
	return dst
}
