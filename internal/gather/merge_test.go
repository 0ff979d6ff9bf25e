package gather

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klinecache/internal/domain"
)

func TestMergePriority(t *testing.T) {
	key := domain.Key{Symbol: "BTCUSDT", Interval: domain.Interval1m, Market: domain.MarketSpot}
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bar := func(min int, close float64, src domain.Source) domain.Bar {
		return domain.Bar{OpenTime: t0.Add(time.Duration(min) * time.Minute), Open: close, High: close, Low: close, Close: close, Source: src}
	}

	cache := []domain.Bar{bar(1, 1, domain.SourceCache)}
	bulk := []domain.Bar{bar(2, 2, domain.SourceBulk), bar(1, 99, domain.SourceBulk)}
	live := []domain.Bar{bar(0, 0, domain.SourceLive), bar(2, 98, domain.SourceLive)}

	s := Merge(key, cache, bulk, live)
	require.Len(t, s.Bars, 3)
	require.NoError(t, s.Validate())
	assert.Equal(t, domain.SourceLive, s.Bars[0].Source)
	assert.Equal(t, domain.SourceCache, s.Bars[1].Source)
	assert.Equal(t, 1.0, s.Bars[1].Close)
	assert.Equal(t, domain.SourceBulk, s.Bars[2].Source)
	assert.Equal(t, 2.0, s.Bars[2].Close)
}

func TestDropOpen(t *testing.T) {
	key := domain.Key{Symbol: "BTCUSDT", Interval: domain.Interval1h, Market: domain.MarketSpot}
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := domain.Series{Key: key, Bars: []domain.Bar{{OpenTime: t0}, {OpenTime: t0.Add(time.Hour)}}}

	got := dropOpen(s, t0.Add(90*time.Minute))
	require.Len(t, got.Bars, 1)
	assert.Equal(t, t0, got.Bars[0].OpenTime)
}

func TestInterpolate(t *testing.T) {
	key := domain.Key{Symbol: "BTCUSDT", Interval: domain.Interval1m, Market: domain.MarketSpot}
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	w := domain.Window{Start: t0, End: t0.Add(5 * time.Minute)}
	s := domain.Series{Key: key, Bars: []domain.Bar{
		{OpenTime: t0.Add(time.Minute), Open: 10, High: 12, Low: 9, Close: 11, Volume: 5},
		{OpenTime: t0.Add(3 * time.Minute), Open: 11, High: 11, Low: 10, Close: 10, Volume: 2},
	}}

	got := Interpolate(s, w)
	require.Len(t, got.Bars, 4, "leading slot stays empty, trailing and inner slots are filled")
	require.NoError(t, got.Validate())

	filled := got.Bars[1]
	assert.Equal(t, t0.Add(2*time.Minute), filled.OpenTime)
	assert.Equal(t, domain.SourceInterpolated, filled.Source)
	assert.Equal(t, 11.0, filled.Open)
	assert.Equal(t, 11.0, filled.Close)
	assert.Zero(t, filled.Volume)

	last := got.Bars[3]
	assert.Equal(t, t0.Add(4*time.Minute), last.OpenTime)
	assert.Equal(t, 10.0, last.Close)
}

func TestStripSourceKeepsInterpolated(t *testing.T) {
	s := domain.Series{Bars: []domain.Bar{{Source: domain.SourceLive}, {Source: domain.SourceInterpolated}}}
	s = stripSource(s)
	assert.Equal(t, domain.Source(""), s.Bars[0].Source)
	assert.Equal(t, domain.SourceInterpolated, s.Bars[1].Source)
}
