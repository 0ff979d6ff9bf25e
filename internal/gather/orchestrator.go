package gather

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"klinecache/internal/domain"
	"klinecache/internal/source/bulk"
	"klinecache/internal/util"
)

// Cache is the subset of store.CacheStore the orchestrator uses.
type Cache interface {
	Get(ctx context.Context, key domain.Key, day time.Time) (domain.Series, error)
	Put(ctx context.Context, key domain.Key, day time.Time, s domain.Series) error
	Upsert(ctx context.Context, key domain.Key, day time.Time, s domain.Series) error
	Entries(ctx context.Context, key domain.Key, from, to time.Time) ([]domain.CacheEntry, error)
}

// BulkSource serves whole days from a delayed archive.
type BulkSource interface {
	IsLikelyAvailable(market domain.MarketType, date, now time.Time) bool
	FetchDay(ctx context.Context, key domain.Key, date time.Time, opts bulk.DayOptions) (domain.Series, error)
}

// LiveSource serves arbitrary windows from a paginated API.
type LiveSource interface {
	Fetch(ctx context.Context, key domain.Key, w domain.Window) (domain.Series, error)
}

// Options adjusts one request.
type Options struct {
	// Strict turns unresolved gaps into a *domain.DataUnavailableError.
	Strict bool
	// Provenance keeps the CACHE/BULK/LIVE tag on every bar.
	Provenance bool
	// NoLiveFallback disables retrying failed bulk days against the live
	// source.
	NoLiveFallback bool
	// ProceedOnChecksumFailure keeps archives that fail verification.
	ProceedOnChecksumFailure bool
	// Interpolate forward-fills missing bars after the first present one.
	Interpolate bool
	// Now overrides the clock for this request.
	Now time.Time
}

// Request asks for the bars of Key with open time in [Start, End).
type Request struct {
	Key        domain.Key
	Start, End time.Time
	Options
}

// Orchestrator answers requests from the cache first, fills gaps from the
// bulk and live sources, persists what it fetched and returns one
// validated series.
type Orchestrator struct {
	cache Cache
	bulk  BulkSource
	live  LiveSource
	now   func() time.Time
	log   *slog.Logger
}

// NewOrchestrator wires the cache and sources. bulk may be nil.
func NewOrchestrator(cache Cache, bulkSrc BulkSource, liveSrc LiveSource, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cache: cache,
		bulk:  bulkSrc,
		live:  liveSrc,
		now:   time.Now,
		log:   logger.With("component", "orchestrator"),
	}
}

// bulkTask fetches one archived day.
type bulkTask struct {
	day   time.Time
	parts []domain.Window // the gap pieces inside day, for live fallback
}

// plan splits gaps by UTC day and routes each piece: days whose archive
// should be published go to bulk, the rest to live with touching pieces
// coalesced.
func (o *Orchestrator) plan(key domain.Key, gaps []domain.Gap, now time.Time) ([]bulkTask, []domain.Window) {
	var (
		bulkTasks []bulkTask
		liveSegs  []domain.Window
		byDay     = make(map[time.Time]int)
	)
	for _, g := range gaps {
		gw := domain.Window{Start: g.Start, End: g.End}
		for _, day := range util.DaysSpanned(gw) {
			piece := util.DayWindow(gw, day)
			if o.bulk != nil && o.bulk.IsLikelyAvailable(key.Market, day, now) {
				i, ok := byDay[day]
				if !ok {
					i = len(bulkTasks)
					byDay[day] = i
					bulkTasks = append(bulkTasks, bulkTask{day: day})
				}
				bulkTasks[i].parts = append(bulkTasks[i].parts, piece)
				continue
			}
			if n := len(liveSegs); n > 0 && liveSegs[n-1].End.Equal(piece.Start) {
				liveSegs[n-1].End = piece.End
				continue
			}
			liveSegs = append(liveSegs, piece)
		}
	}
	return bulkTasks, liveSegs
}

// fetched collects source results from concurrent tasks.
type fetched struct {
	mu   sync.Mutex
	bulk []domain.Bar
	live []domain.Bar
	errs []error
}

func (f *fetched) add(src domain.Source, bars []domain.Bar, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if src == domain.SourceBulk {
		f.bulk = append(f.bulk, bars...)
	} else {
		f.live = append(f.live, bars...)
	}
	if err != nil {
		f.errs = append(f.errs, err)
	}
}

// Get returns the bars of req.Key in the aligned request window together
// with the sub-ranges that could not be resolved. Failed fetches are
// isolated: they only leave gaps. In strict mode remaining gaps are
// returned as a *domain.DataUnavailableError alongside the partial series.
func (o *Orchestrator) Get(ctx context.Context, req Request) (domain.Series, []domain.Gap, error) {
	key := req.Key
	if err := key.Validate(); err != nil {
		return domain.Series{}, nil, err
	}
	now := req.Now
	if now.IsZero() {
		now = o.now()
	}
	now = now.UTC()

	w, err := util.AlignWindow(req.Start, req.End, key.Interval, now)
	if err != nil {
		return domain.Series{}, nil, err
	}
	if w.Empty() {
		return domain.Series{Key: key}, nil, nil
	}
	log := o.log.With("key", key.String(), "start", w.Start, "end", w.End)

	// 1. Cache.
	days := util.DaysSpanned(w)
	entries, err := o.cache.Entries(ctx, key, days[0], days[len(days)-1])
	if err != nil {
		log.Warn("reading cache index", "error", err)
		entries = nil
	}
	cached := make(map[time.Time]domain.Series, len(entries))
	var cachedBars []domain.Bar
	for _, e := range entries {
		day := util.DayStart(e.Date)
		s, err := o.cache.Get(ctx, key, day)
		if err != nil {
			if ctx.Err() != nil {
				return domain.Series{}, nil, ctx.Err()
			}
			log.Debug("cache day unusable", "date", day.Format("2006-01-02"), "error", err)
			continue
		}
		cached[day] = s
		cachedBars = append(cachedBars, s.Bars...)
	}

	// 2. Gaps and routing.
	gaps := Analyze(w, key.Interval, cached, entries)
	bulkTasks, liveSegs := o.plan(key, gaps, now)
	if len(gaps) > 0 {
		log.Info("filling gaps", "gaps", len(gaps), "bulk_days", len(bulkTasks), "live_segments", len(liveSegs))
	}

	// 3. Dispatch. The group is not derived from ctx so one failed task
	// does not cancel its siblings.
	var (
		res fetched
		g   errgroup.Group
	)
	for _, t := range bulkTasks {
		g.Go(func() error {
			o.runBulk(ctx, key, t, req.Options, now, &res, log)
			return nil
		})
	}
	for _, seg := range liveSegs {
		g.Go(func() error {
			bars, err := o.runLive(ctx, key, seg, now, log)
			res.add(domain.SourceLive, bars, err)
			return nil
		})
	}
	g.Wait()
	if err := ctx.Err(); err != nil {
		return domain.Series{}, nil, err
	}
	for _, err := range res.errs {
		log.Warn("fetch failed", "error", err)
	}

	// 4. Merge, validate, slice.
	merged := Merge(key, cachedBars, res.bulk, res.live)
	merged = dropOpen(merged, now)
	merged = merged.Slice(w.Start, w.End)
	if err := merged.Validate(); err != nil {
		return domain.Series{}, nil, fmt.Errorf("merged series: %w", err)
	}
	unresolved := MissingRanges(w, key.Interval, merged.OpenTimes())

	if !req.Provenance {
		merged = stripSource(merged)
	}
	if req.Interpolate && len(unresolved) > 0 {
		merged = Interpolate(merged, w)
	}
	if len(unresolved) > 0 {
		log.Info("unresolved gaps", "gaps", len(unresolved), "first", unresolved[0].String())
		if req.Strict {
			return merged, unresolved, &domain.DataUnavailableError{Key: key, Gaps: unresolved}
		}
	}
	return merged, unresolved, nil
}

// runBulk fetches one archived day, persists it and falls back to live for
// the day's gap pieces when the archive is unusable.
func (o *Orchestrator) runBulk(ctx context.Context, key domain.Key, t bulkTask, opts Options, now time.Time, res *fetched, log *slog.Logger) {
	s, err := o.bulk.FetchDay(ctx, key, t.day, bulk.DayOptions{ProceedOnChecksumFailure: opts.ProceedOnChecksumFailure})
	if err == nil {
		if perr := o.cache.Put(ctx, key, t.day, s); perr != nil {
			log.Error("caching bulk day", "date", t.day.Format("2006-01-02"), "error", perr)
		}
		res.add(domain.SourceBulk, s.Bars, nil)
		return
	}

	if opts.NoLiveFallback || !fallsBackToLive(err) {
		res.add(domain.SourceBulk, nil, fmt.Errorf("bulk %s: %w", t.day.Format("2006-01-02"), err))
		return
	}
	log.Info("bulk unusable, falling back to live", "date", t.day.Format("2006-01-02"), "error", err)
	for _, part := range t.parts {
		bars, lerr := o.runLive(ctx, key, part, now, log)
		res.add(domain.SourceLive, bars, lerr)
	}
}

// runLive fetches seg from the live source and persists the result per day.
// A closed day fetched in full is stored final; anything else is merged
// into the cached day.
func (o *Orchestrator) runLive(ctx context.Context, key domain.Key, seg domain.Window, now time.Time, log *slog.Logger) ([]domain.Bar, error) {
	if o.live == nil {
		return nil, fmt.Errorf("live %s..%s: %w: no live source", seg.Start.Format(time.RFC3339), seg.End.Format(time.RFC3339), domain.ErrUnsupported)
	}
	s, err := o.live.Fetch(ctx, key, seg)
	if err != nil {
		err = fmt.Errorf("live %s..%s: %w", seg.Start.Format(time.RFC3339), seg.End.Format(time.RFC3339), err)
	}

	byDay := make(map[time.Time][]domain.Bar)
	for _, b := range s.Bars {
		d := util.DayStart(b.OpenTime)
		byDay[d] = append(byDay[d], b)
	}
	// Days are walked from the segment so a closed day with no bars is
	// still recorded.
	for _, day := range util.DaysSpanned(seg) {
		bars := byDay[day]
		next := day.AddDate(0, 0, 1)
		fullDay := err == nil && !seg.Start.After(day) && !seg.End.Before(next) && !now.Before(next)
		if !fullDay && len(bars) == 0 {
			continue
		}
		part := domain.Series{Key: key, Bars: bars}
		var perr error
		if fullDay {
			perr = o.cache.Put(ctx, key, day, part)
		} else {
			perr = o.cache.Upsert(ctx, key, day, part)
		}
		if perr != nil {
			log.Error("caching live bars", "date", day.Format("2006-01-02"), "error", perr)
		}
	}
	return s.Bars, err
}

// fallsBackToLive reports whether a bulk failure means the archive itself
// is unusable, as opposed to a transport failure.
func fallsBackToLive(err error) bool {
	return errors.Is(err, domain.ErrChecksumMismatch) ||
		errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrParse)
}
