// Package bulk fetches daily kline archives from a Binance-Vision style
// bulk source.
package bulk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"klinecache/internal/domain"
	"klinecache/internal/download"
	"klinecache/internal/util"
)

// DefaultBaseURL is the public archive root.
const DefaultBaseURL = "https://data.binance.vision/data"

// DefaultConsolidationDelay is how long after a day ends its archive is
// assumed to be published.
const DefaultConsolidationDelay = 48 * time.Hour

// Downloader is the subset of download.Downloader the fetcher needs.
type Downloader interface {
	Download(ctx context.Context, url, dest string) error
}

// Verifier checks an archive against its checksum file.
type Verifier interface {
	Verify(ctx context.Context, rec domain.ChecksumFailure, archivePath, checksumPath string) error
}

var _ Downloader = (*download.Downloader)(nil)
var _ Verifier = (*download.Verifier)(nil)

// Options configures a Fetcher.
type Options struct {
	BaseURL            string
	ConsolidationDelay time.Duration
	Chart              domain.ChartType
	// WorkDir is the parent of per-call scratch directories; empty means the
	// system temp dir.
	WorkDir string
	Logger  *slog.Logger
}

// DayOptions adjusts a single FetchDay call.
type DayOptions struct {
	// ProceedOnChecksumFailure keeps an archive that failed verification.
	// The failure is still recorded, with action "proceeded".
	ProceedOnChecksumFailure bool
}

// Fetcher downloads, verifies and decodes one day archive at a time.
type Fetcher struct {
	dl       Downloader
	verifier Verifier
	sem      *semaphore.Weighted
	opts     Options
	log      *slog.Logger
}

// New creates a Fetcher. sem bounds concurrent transfers across every
// source sharing it; nil means unbounded.
func New(dl Downloader, verifier Verifier, sem *semaphore.Weighted, opts Options) *Fetcher {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.ConsolidationDelay == 0 {
		opts.ConsolidationDelay = DefaultConsolidationDelay
	}
	if opts.Chart == "" {
		opts.Chart = domain.ChartKlines
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Fetcher{dl: dl, verifier: verifier, sem: sem, opts: opts, log: log.With("component", "bulk")}
}

// IsLikelyAvailable reports whether the archive for date should already be
// published at now. Any day before today qualifies; today qualifies only
// once the consolidation delay has elapsed since midnight, which never
// happens for a delay of a day or more. An archive that is not out yet
// answers 404 and the orchestrator falls back to live. Markets without
// archives are never available.
func (f *Fetcher) IsLikelyAvailable(market domain.MarketType, date, now time.Time) bool {
	if !market.Info().HasBulk() {
		return false
	}
	day, today := util.DayStart(date), util.DayStart(now)
	switch {
	case day.Before(today):
		return true
	case day.Equal(today):
		return now.Sub(day) > f.opts.ConsolidationDelay
	default:
		return false
	}
}

// ArchiveURL returns the archive URL for key on date. The checksum lives at
// the same URL with ".CHECKSUM" appended.
//
//	{base}/{market}/daily/{chart}/{SYMBOL}/{interval}/{SYMBOL}-{interval}-{YYYY-MM-DD}.zip
func (f *Fetcher) ArchiveURL(key domain.Key, date time.Time) string {
	sym := strings.ToUpper(key.Symbol)
	name := fmt.Sprintf("%s-%s-%s.zip", sym, key.Interval, date.UTC().Format("2006-01-02"))
	return f.opts.BaseURL + "/" + path.Join(key.Market.Info().BulkPath, "daily", string(f.opts.Chart), sym, string(key.Interval), name)
}

// FetchDay returns the bars of key for the UTC day containing date, tagged
// SourceBulk. The archive and its checksum are downloaded concurrently into
// a scratch directory that is removed before returning.
func (f *Fetcher) FetchDay(ctx context.Context, key domain.Key, date time.Time, opts DayOptions) (domain.Series, error) {
	if !key.Market.Info().HasBulk() {
		return domain.Series{}, fmt.Errorf("%w: market %s has no bulk archive", domain.ErrUnsupported, key.Market)
	}
	if !f.opts.Chart.DailyArchive() {
		return domain.Series{}, fmt.Errorf("%w: chart type %s has no daily archive", domain.ErrUnsupported, f.opts.Chart)
	}
	if !key.Interval.Valid() {
		return domain.Series{}, fmt.Errorf("%w: interval %q", domain.ErrUnsupported, key.Interval)
	}
	day := util.DayStart(date)

	if f.opts.WorkDir != "" {
		if err := os.MkdirAll(f.opts.WorkDir, 0o755); err != nil {
			return domain.Series{}, err
		}
	}
	work, err := os.MkdirTemp(f.opts.WorkDir, "bulk-*")
	if err != nil {
		return domain.Series{}, err
	}
	defer os.RemoveAll(work)

	url := f.ArchiveURL(key, day)
	archive := filepath.Join(work, path.Base(url))
	checksum := archive + ".CHECKSUM"

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return f.download(gctx, url, archive) })
	g.Go(func() error { return f.download(gctx, url+".CHECKSUM", checksum) })
	if err := g.Wait(); err != nil {
		return domain.Series{}, err
	}

	rec := domain.ChecksumFailure{Key: key, Date: day, URL: url, Action: domain.ChecksumDiscarded}
	if opts.ProceedOnChecksumFailure {
		rec.Action = domain.ChecksumProceeded
	}
	if err := f.verifier.Verify(ctx, rec, archive, checksum); err != nil {
		if !errors.Is(err, domain.ErrChecksumMismatch) || !opts.ProceedOnChecksumFailure {
			return domain.Series{}, err
		}
		f.log.Warn("using archive despite checksum mismatch", "key", key.String(), "date", day.Format("2006-01-02"))
	}

	bars, err := readArchive(archive, key.Interval, day)
	if err != nil {
		return domain.Series{}, fmt.Errorf("%s: %w", path.Base(url), err)
	}
	f.log.Debug("fetched day", "key", key.String(), "date", day.Format("2006-01-02"), "bars", len(bars))
	return domain.Series{Key: key, Bars: bars}, nil
}

func (f *Fetcher) download(ctx context.Context, url, dest string) error {
	if f.sem != nil {
		if err := f.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		defer f.sem.Release(1)
	}
	return f.dl.Download(ctx, url, dest)
}
