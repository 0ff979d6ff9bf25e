// Package live fetches klines from paginated REST sources.
package live

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"klinecache/internal/domain"
	"klinecache/internal/source"
)

// PageRequest asks for at most Limit bars of Key with open time in
// [Start, End).
type PageRequest struct {
	Key   domain.Key
	Start time.Time
	End   time.Time
	Limit int
}

// PageFetcher returns one page of bars. Bars need not be sorted; bars
// outside the requested range are ignored by the caller.
type PageFetcher interface {
	FetchPage(ctx context.Context, req PageRequest) ([]domain.Bar, error)
}

// Fetcher walks a window forward page by page.
type Fetcher struct {
	pages   map[domain.MarketType]PageFetcher
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	log     *slog.Logger
}

// New creates a Fetcher. pages maps each market to its page source; sem and
// limiter may be nil.
func New(pages map[domain.MarketType]PageFetcher, sem *semaphore.Weighted, limiter *rate.Limiter, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{pages: pages, sem: sem, limiter: limiter, log: logger.With("component", "live")}
}

// Fetch returns every bar of key with open time in w, tagged SourceLive.
// Pagination continues from the last returned open time plus one interval
// and stops at the window end, on a short page, or on a page that makes no
// progress. When a page fails, the bars gathered so far are returned along
// with the error.
func (f *Fetcher) Fetch(ctx context.Context, key domain.Key, w domain.Window) (domain.Series, error) {
	if err := key.Validate(); err != nil {
		return domain.Series{}, err
	}
	pf, ok := f.pages[key.Market]
	if !ok {
		return domain.Series{}, fmt.Errorf("%w: no live source for market %s", domain.ErrUnsupported, key.Market)
	}
	out := domain.Series{Key: key}
	if w.Empty() {
		return out, nil
	}

	step := key.Interval.Duration()
	limit := key.Market.Info().PageLimit
	anchor := w.Start
	pages := 0
	for anchor.Before(w.End) {
		page, err := f.fetchPage(ctx, pf, PageRequest{Key: key, Start: anchor, End: w.End, Limit: limit})
		pages++
		if err != nil {
			finish(&out)
			return out, fmt.Errorf("live page %d for %s from %s: %w", pages, key, anchor.Format(time.RFC3339), err)
		}

		kept := 0
		var last time.Time
		for _, b := range page {
			if b.OpenTime.Before(anchor) || !b.OpenTime.Before(w.End) {
				continue
			}
			if err := source.CheckAligned(b, key.Interval); err != nil {
				f.log.Warn("dropping misaligned bar", "key", key.String(), "error", err)
				continue
			}
			b.Source = domain.SourceLive
			out.Bars = append(out.Bars, b)
			if b.OpenTime.After(last) {
				last = b.OpenTime
			}
			kept++
		}
		if kept == 0 {
			break
		}
		anchor = last.Add(step)
		if len(page) < limit {
			break
		}
	}

	finish(&out)
	f.log.Debug("fetched window", "key", key.String(), "start", w.Start, "end", w.End, "pages", pages, "bars", len(out.Bars))
	return out, nil
}

func (f *Fetcher) fetchPage(ctx context.Context, pf PageFetcher, req PageRequest) ([]domain.Bar, error) {
	if f.sem != nil {
		if err := f.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer f.sem.Release(1)
	}
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	return pf.FetchPage(ctx, req)
}

// finish sorts bars by open time and drops duplicates, keeping the first.
func finish(s *domain.Series) {
	sort.SliceStable(s.Bars, func(i, j int) bool { return s.Bars[i].OpenTime.Before(s.Bars[j].OpenTime) })
	out := s.Bars[:0]
	for _, b := range s.Bars {
		if len(out) > 0 && b.OpenTime.Equal(out[len(out)-1].OpenTime) {
			continue
		}
		out = append(out, b)
	}
	s.Bars = out
}
