package gather

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klinecache/internal/domain"
	"klinecache/internal/source/bulk"
	"klinecache/internal/store"
)

// synthBars returns one deterministic bar per slot of w.
func synthBars(key domain.Key, w domain.Window) []domain.Bar {
	step := key.Interval.Duration()
	var bars []domain.Bar
	for t := w.Start; t.Before(w.End); t = t.Add(step) {
		p := 100 + float64(t.Unix()%1000)
		bars = append(bars, domain.Bar{
			OpenTime: t, Open: p, High: p + 2, Low: p - 1, Close: p + 1,
			Volume: 3, QuoteVolume: 3 * p, TradeCount: 7,
		})
	}
	return bars
}

type fakeLive struct {
	mu    sync.Mutex
	calls []domain.Window
	holes map[time.Time]bool
	// empty makes every window come back without bars.
	empty bool
	err   error
}

func (f *fakeLive) Fetch(_ context.Context, key domain.Key, w domain.Window) (domain.Series, error) {
	f.mu.Lock()
	f.calls = append(f.calls, w)
	f.mu.Unlock()

	var bars []domain.Bar
	for _, b := range synthBars(key, w) {
		if f.empty || f.holes[b.OpenTime] {
			continue
		}
		b.Source = domain.SourceLive
		bars = append(bars, b)
	}
	if f.err != nil && len(bars) > 0 {
		bars = bars[:len(bars)/2]
	}
	return domain.Series{Key: key, Bars: bars}, f.err
}

func (f *fakeLive) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeBulk struct {
	available bool
	errs      map[time.Time]error
	calls     atomic.Int32
}

func (f *fakeBulk) IsLikelyAvailable(_ domain.MarketType, _, _ time.Time) bool { return f.available }

func (f *fakeBulk) FetchDay(_ context.Context, key domain.Key, date time.Time, _ bulk.DayOptions) (domain.Series, error) {
	f.calls.Add(1)
	if err := f.errs[date]; err != nil {
		return domain.Series{}, err
	}
	bars := synthBars(key, domain.Window{Start: date, End: date.AddDate(0, 0, 1)})
	for i := range bars {
		bars[i].Source = domain.SourceBulk
	}
	return domain.Series{Key: key, Bars: bars}, nil
}

func newTestCache(t *testing.T) *store.CacheStore {
	t.Helper()
	dir := t.TempDir()
	idx, err := store.NewSQLiteIndex(filepath.Join(dir, "index.db"))
	require.NoError(t, err)
	cs := store.NewCacheStore(store.NewParquetStore(filepath.Join(dir, "data")), idx, store.Options{})
	t.Cleanup(func() { cs.Close() })
	return cs
}

var hourKey = domain.Key{Symbol: "BTCUSDT", Interval: domain.Interval1h, Market: domain.MarketSpot}

func assertContiguous(t *testing.T, s domain.Series, w domain.Window) {
	t.Helper()
	step := s.Key.Interval.Duration()
	want := int(w.End.Sub(w.Start) / step)
	require.Len(t, s.Bars, want)
	for i, b := range s.Bars {
		require.Equal(t, w.Start.Add(time.Duration(i)*step), b.OpenTime, "bar %d", i)
	}
}

func TestGetSecondBarsAligned(t *testing.T) {
	key := domain.Key{Symbol: "BTCUSDT", Interval: domain.Interval1s, Market: domain.MarketSpot}
	live := &fakeLive{}
	o := NewOrchestrator(newTestCache(t), &fakeBulk{}, live, nil)

	s, gaps, err := o.Get(context.Background(), Request{
		Key:     key,
		Start:   time.Date(2023, 1, 15, 0, 0, 0, 500_000_000, time.UTC),
		End:     time.Date(2023, 1, 15, 0, 0, 10, 500_000_000, time.UTC),
		Options: Options{Now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
	})
	require.NoError(t, err)
	assert.Empty(t, gaps)
	require.Len(t, s.Bars, 10)
	assert.Equal(t, time.Date(2023, 1, 15, 0, 0, 0, 0, time.UTC), s.Bars[0].OpenTime)
	assert.Equal(t, time.Date(2023, 1, 15, 0, 0, 9, 0, time.UTC), s.Bars[9].OpenTime)
	assert.Equal(t, domain.Source(""), s.Bars[0].Source, "provenance stripped by default")
	assert.Equal(t, 1, live.count())
}

func TestGetChecksumMismatchFallsBackToLive(t *testing.T) {
	day := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	b := &fakeBulk{available: true, errs: map[time.Time]error{
		day: fmt.Errorf("verifying archive: %w", domain.ErrChecksumMismatch),
	}}
	live := &fakeLive{}
	o := NewOrchestrator(newTestCache(t), b, live, nil)

	w := domain.Window{Start: day, End: day.AddDate(0, 0, 1)}
	s, gaps, err := o.Get(context.Background(), Request{
		Key: hourKey, Start: w.Start, End: w.End,
		Options: Options{Provenance: true, Now: day.AddDate(0, 0, 10)},
	})
	require.NoError(t, err)
	assert.Empty(t, gaps)
	assertContiguous(t, s, w)
	for _, bar := range s.Bars {
		assert.Equal(t, domain.SourceLive, bar.Source)
	}
	assert.Equal(t, int32(1), b.calls.Load())
	assert.Equal(t, 1, live.count())
}

func TestGetNoLiveFallbackLeavesGap(t *testing.T) {
	day := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	b := &fakeBulk{available: true, errs: map[time.Time]error{day: domain.ErrNotFound}}
	live := &fakeLive{}
	o := NewOrchestrator(newTestCache(t), b, live, nil)

	s, gaps, err := o.Get(context.Background(), Request{
		Key: hourKey, Start: day, End: day.Add(6 * time.Hour),
		Options: Options{NoLiveFallback: true, Now: day.AddDate(0, 0, 10)},
	})
	require.NoError(t, err)
	assert.Empty(t, s.Bars)
	require.Len(t, gaps, 1)
	assert.Equal(t, 6, gaps[0].Bars(hourKey.Interval))
	assert.Zero(t, live.count())
}

func TestGetSecondDayGap(t *testing.T) {
	cache := newTestCache(t)
	day1 := time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC)
	day2 := day1.AddDate(0, 0, 1)
	full := synthBars(hourKey, domain.Window{Start: day1, End: day2})
	require.NoError(t, cache.Put(context.Background(), hourKey, day1, domain.Series{Key: hourKey, Bars: full}))

	live := &fakeLive{}
	o := NewOrchestrator(cache, nil, live, nil)
	w := domain.Window{Start: day1.Add(12 * time.Hour), End: day2.Add(12 * time.Hour)}

	s, gaps, err := o.Get(context.Background(), Request{
		Key: hourKey, Start: w.Start, End: w.End,
		Options: Options{Provenance: true, Now: day2.AddDate(0, 0, 1)},
	})
	require.NoError(t, err)
	assert.Empty(t, gaps)
	assertContiguous(t, s, w)

	require.Equal(t, 1, live.count())
	assert.Equal(t, domain.Window{Start: day2, End: w.End}, live.calls[0])
	assert.Equal(t, domain.SourceCache, s.Bars[11].Source)
	assert.Equal(t, day2, s.Bars[12].OpenTime)
	assert.Equal(t, domain.SourceLive, s.Bars[12].Source)
}

func TestGetIsIdempotent(t *testing.T) {
	cache := newTestCache(t)
	b := &fakeBulk{available: true}
	live := &fakeLive{}
	o := NewOrchestrator(cache, b, live, nil)

	start := time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC)
	req := Request{
		Key: hourKey, Start: start, End: start.Add(48 * time.Hour),
		Options: Options{Now: start.AddDate(0, 1, 0)},
	}
	first, _, err := o.Get(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int32(3), b.calls.Load())

	second, gaps, err := o.Get(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, gaps)
	assert.Equal(t, first.Bars, second.Bars)
	assert.Equal(t, int32(3), b.calls.Load(), "second request must not touch the network")
	assert.Zero(t, live.count())
}

func TestGetIsIdempotentWithUpstreamHoles(t *testing.T) {
	day := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	live := &fakeLive{holes: map[time.Time]bool{day.Add(3 * time.Hour): true}}
	o := NewOrchestrator(newTestCache(t), nil, live, nil)

	req := Request{
		Key: hourKey, Start: day, End: day.AddDate(0, 0, 1),
		Options: Options{Now: day.AddDate(0, 0, 2)},
	}
	_, gaps, err := o.Get(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	assert.Equal(t, 1, live.count())

	s, gaps, err := o.Get(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, gaps, 1, "upstream hole is reported again")
	assert.Len(t, s.Bars, 23)
	assert.Equal(t, 1, live.count(), "a day fetched whole is not refetched")
}

func TestGetClosedDayWithoutBarsIsCached(t *testing.T) {
	day := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	live := &fakeLive{empty: true}
	o := NewOrchestrator(newTestCache(t), &fakeBulk{}, live, nil)

	req := Request{
		Key: hourKey, Start: day, End: day.AddDate(0, 0, 1),
		Options: Options{Now: day.AddDate(0, 0, 2)},
	}
	for i := 0; i < 3; i++ {
		s, gaps, err := o.Get(context.Background(), req)
		require.NoError(t, err)
		assert.Empty(t, s.Bars)
		require.Len(t, gaps, 1, "request %d", i)
		assert.Equal(t, day, gaps[0].Start)
		assert.Equal(t, day.AddDate(0, 0, 1), gaps[0].End)
	}
	assert.Equal(t, 1, live.count(), "an empty closed day is fetched once")
}

func TestGetPartialTodayIsReused(t *testing.T) {
	day := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	now := day.Add(15*time.Hour + 30*time.Minute)
	live := &fakeLive{}
	o := NewOrchestrator(newTestCache(t), &fakeBulk{}, live, nil)

	req := Request{Key: hourKey, Start: day.Add(10 * time.Hour), End: now, Options: Options{Now: now}}
	s, _, err := o.Get(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, s.Bars, 5)

	_, gaps, err := o.Get(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, gaps)
	assert.Equal(t, 1, live.count())
}

func TestGetPartialDaySufficient(t *testing.T) {
	cache := newTestCache(t)
	day := time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC)
	held := synthBars(hourKey, domain.Window{Start: day.Add(15 * time.Hour), End: day.AddDate(0, 0, 1)})
	require.NoError(t, cache.Upsert(context.Background(), hourKey, day, domain.Series{Key: hourKey, Bars: held}))

	b := &fakeBulk{available: true}
	live := &fakeLive{}
	o := NewOrchestrator(cache, b, live, nil)

	s, gaps, err := o.Get(context.Background(), Request{
		Key: hourKey, Start: day.Add(16 * time.Hour), End: day.Add(17 * time.Hour),
		Options: Options{Now: day.AddDate(0, 1, 0)},
	})
	require.NoError(t, err)
	assert.Empty(t, gaps)
	require.Len(t, s.Bars, 1)
	assert.Zero(t, b.calls.Load())
	assert.Zero(t, live.count())
}

func TestGetStrict(t *testing.T) {
	day := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	hole := day.Add(2 * time.Hour)
	live := &fakeLive{holes: map[time.Time]bool{hole: true}}
	o := NewOrchestrator(newTestCache(t), nil, live, nil)

	s, gaps, err := o.Get(context.Background(), Request{
		Key: hourKey, Start: day, End: day.Add(4 * time.Hour),
		Options: Options{Strict: true, Now: day.AddDate(0, 0, 1)},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDataUnavailable)

	var du *domain.DataUnavailableError
	require.True(t, errors.As(err, &du))
	require.Len(t, du.Gaps, 1)
	assert.Equal(t, hole, du.Gaps[0].Start)
	assert.Equal(t, gaps, du.Gaps)
	assert.Len(t, s.Bars, 3, "partial series is still returned")
}

func TestGetLiveFailureIsIsolated(t *testing.T) {
	day := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	live := &fakeLive{err: fmt.Errorf("page 2: %w", domain.ErrNetwork)}
	o := NewOrchestrator(newTestCache(t), nil, live, nil)

	s, gaps, err := o.Get(context.Background(), Request{
		Key: hourKey, Start: day, End: day.Add(10 * time.Hour),
		Options: Options{Now: day.AddDate(0, 0, 1)},
	})
	require.NoError(t, err)
	assert.Len(t, s.Bars, 5)
	require.Len(t, gaps, 1)
	assert.Equal(t, day.Add(5*time.Hour), gaps[0].Start)
}

func TestGetInterpolate(t *testing.T) {
	day := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	live := &fakeLive{holes: map[time.Time]bool{day.Add(time.Hour): true}}
	o := NewOrchestrator(newTestCache(t), nil, live, nil)

	s, gaps, err := o.Get(context.Background(), Request{
		Key: hourKey, Start: day, End: day.Add(3 * time.Hour),
		Options: Options{Interpolate: true, Now: day.AddDate(0, 0, 1)},
	})
	require.NoError(t, err)
	require.Len(t, gaps, 1, "interpolated slots are still reported as gaps")
	require.Len(t, s.Bars, 3)
	assert.Equal(t, domain.SourceInterpolated, s.Bars[1].Source)
	assert.Equal(t, s.Bars[0].Close, s.Bars[1].Open)
}

func TestGetRejectsBadRequests(t *testing.T) {
	o := NewOrchestrator(newTestCache(t), nil, &fakeLive{}, nil)
	now := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)

	_, _, err := o.Get(context.Background(), Request{Key: hourKey, Start: now.Add(-time.Hour), End: now.Add(time.Hour), Options: Options{Now: now}})
	assert.ErrorIs(t, err, domain.ErrInvalidRange)

	bad := domain.Key{Symbol: "BTCUSD", Interval: domain.Interval1d, Market: domain.MarketAlpacaCrypto}
	_, _, err = o.Get(context.Background(), Request{Key: bad, Start: now.AddDate(0, 0, -3), End: now, Options: Options{Now: now}})
	assert.ErrorIs(t, err, domain.ErrUnsupported)

	s, gaps, err := o.Get(context.Background(), Request{Key: hourKey, Start: now.Add(-30 * time.Minute), End: now.Add(-20 * time.Minute), Options: Options{Now: now}})
	require.NoError(t, err)
	assert.Empty(t, s.Bars)
	assert.Empty(t, gaps)
}
