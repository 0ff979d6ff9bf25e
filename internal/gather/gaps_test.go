package gather

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klinecache/internal/domain"
)

func slots(from time.Time, n int, step time.Duration) []time.Time {
	out := make([]time.Time, n)
	for i := range out {
		out[i] = from.Add(time.Duration(i) * step)
	}
	return out
}

func TestMissingRangesCoalesces(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	w := domain.Window{Start: start, End: start.Add(10 * time.Minute)}

	have := append(slots(start, 3, time.Minute), slots(start.Add(6*time.Minute), 2, time.Minute)...)
	gaps := MissingRanges(w, domain.Interval1m, have)

	require.Len(t, gaps, 2)
	assert.Equal(t, start.Add(3*time.Minute), gaps[0].Start)
	assert.Equal(t, start.Add(6*time.Minute), gaps[0].End)
	assert.Equal(t, 3, gaps[0].Bars(domain.Interval1m))
	assert.Equal(t, start.Add(8*time.Minute), gaps[1].Start)
	assert.Equal(t, w.End, gaps[1].End)
}

func TestMissingRangesFull(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	w := domain.Window{Start: start, End: start.Add(time.Hour)}
	assert.Empty(t, MissingRanges(w, domain.Interval1m, slots(start, 60, time.Minute)))
	assert.Empty(t, MissingRanges(domain.Window{Start: start, End: start}, domain.Interval1m, nil))
}

func TestAnalyzeAcrossYearBoundary(t *testing.T) {
	w := domain.Window{
		Start: time.Date(2023, 12, 31, 22, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC),
	}
	gaps := Analyze(w, domain.Interval1h, nil, nil)
	require.Len(t, gaps, 1, "empty cache must yield one gap coalesced over midnight")
	assert.Equal(t, w.Start, gaps[0].Start)
	assert.Equal(t, w.End, gaps[0].End)
}

func TestAnalyzeSecondDayOnly(t *testing.T) {
	key := domain.Key{Symbol: "BTCUSDT", Interval: domain.Interval1h, Market: domain.MarketSpot}
	day1 := time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC)
	day2 := day1.AddDate(0, 0, 1)
	w := domain.Window{Start: day1.Add(12 * time.Hour), End: day2.Add(12 * time.Hour)}

	cached := map[time.Time]domain.Series{
		day1: {Key: key, Bars: synthBars(key, domain.Window{Start: day1, End: day2})},
	}
	entries := []domain.CacheEntry{{Key: key, Date: day1, RecordCount: 24}}

	gaps := Analyze(w, key.Interval, cached, entries)
	require.Len(t, gaps, 1)
	assert.Equal(t, day2, gaps[0].Start)
	assert.Equal(t, w.End, gaps[0].End)
}

func TestAnalyzeFlaggedEntryIsCheckedPerBar(t *testing.T) {
	key := domain.Key{Symbol: "BTCUSDT", Interval: domain.Interval1h, Market: domain.MarketSpot}
	day := time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC)
	w := domain.Window{Start: day, End: day.AddDate(0, 0, 1)}

	// The entry claims completeness but is flagged and did not load.
	entries := []domain.CacheEntry{{Key: key, Date: day, RecordCount: 24, NeedsRevalidation: true}}
	gaps := Analyze(w, key.Interval, nil, entries)
	require.Len(t, gaps, 1)
	assert.Equal(t, 24, gaps[0].Bars(key.Interval))
}

func TestAnalyzePartialDaySatisfiesInnerRequest(t *testing.T) {
	key := domain.Key{Symbol: "ETHUSDT", Interval: domain.Interval1h, Market: domain.MarketSpot}
	day := time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC)
	held := domain.Window{Start: day.Add(15 * time.Hour), End: day.AddDate(0, 0, 1)}
	cached := map[time.Time]domain.Series{day: {Key: key, Bars: synthBars(key, held)}}
	entries := []domain.CacheEntry{{Key: key, Date: day, RecordCount: 9}}

	w := domain.Window{Start: day.Add(16 * time.Hour), End: day.Add(17 * time.Hour)}
	assert.Empty(t, Analyze(w, key.Interval, cached, entries))

	w = domain.Window{Start: day.Add(13 * time.Hour), End: day.Add(17 * time.Hour)}
	gaps := Analyze(w, key.Interval, cached, entries)
	require.Len(t, gaps, 1)
	assert.Equal(t, 2, gaps[0].Bars(key.Interval))
}
