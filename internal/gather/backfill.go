package gather

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"klinecache/internal/domain"
)

var _ Gatherer = (*BackfillGatherer)(nil)

// SeriesGetter is the orchestrator entry point used by the backfill job.
type SeriesGetter interface {
	Get(ctx context.Context, req Request) (domain.Series, []domain.Gap, error)
}

// SymbolLister lists the symbols already cached for a market.
type SymbolLister interface {
	ListSymbols(ctx context.Context, market domain.MarketType) ([]string, error)
}

// BackfillConfig parameterizes a BackfillGatherer.
type BackfillConfig struct {
	Market    domain.MarketType
	Symbols   []string // empty means every symbol already in the cache
	Intervals []domain.Interval
	Start     time.Time
	// StableAfter is how long after a chunk ends before it is treated as
	// immutable and recorded as completed.
	StableAfter time.Duration
	MaxWorkers  int
	// ProgressDir holds the completed-chunk file.
	ProgressDir string
	// ResetProgress forgets completed chunks so every month is checked again.
	ResetProgress bool
	Options       Options
}

// backfillJob is one (symbol, interval, month) chunk.
type backfillJob struct {
	key    domain.Key
	window domain.Window
}

func (j backfillJob) id() string {
	return fmt.Sprintf("%s/%s", j.key, j.window.Start.Format("2006-01"))
}

// BackfillGatherer warms the cache month by month for a set of symbols and
// intervals. It is resumable: completed months are remembered on disk and
// every other chunk is answered from cache where possible.
type BackfillGatherer struct {
	getter  SeriesGetter
	symbols SymbolLister
	cfg     BackfillConfig
	now     func() time.Time
	log     *slog.Logger
}

// NewBackfillGatherer creates a BackfillGatherer. symbols may be nil when
// cfg.Symbols is set.
func NewBackfillGatherer(getter SeriesGetter, symbols SymbolLister, cfg BackfillConfig, logger *slog.Logger) *BackfillGatherer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 1
	}
	return &BackfillGatherer{
		getter:  getter,
		symbols: symbols,
		cfg:     cfg,
		now:     time.Now,
		log:     logger.With("gatherer", "backfill", "market", string(cfg.Market)),
	}
}

// Name returns the gatherer identifier.
func (g *BackfillGatherer) Name() string { return "backfill" }

// Run fetches every pending chunk through the orchestrator. Chunk failures
// are logged and leave the chunk pending for the next run.
func (g *BackfillGatherer) Run(ctx context.Context) error {
	now := g.now().UTC()
	if g.cfg.Options.Now.IsZero() {
		g.cfg.Options.Now = now
	}

	// 1. Resolve symbols.
	symbols := g.cfg.Symbols
	if len(symbols) == 0 {
		if g.symbols == nil {
			return fmt.Errorf("no symbols configured")
		}
		var err error
		symbols, err = g.symbols.ListSymbols(ctx, g.cfg.Market)
		if err != nil {
			return fmt.Errorf("listing cached symbols: %w", err)
		}
	}

	// 2. Progress tracker.
	tracker, err := newProgressTracker(g.cfg.ProgressDir)
	if err != nil {
		return fmt.Errorf("creating progress tracker: %w", err)
	}
	defer tracker.Close()
	if g.cfg.ResetProgress {
		if err := tracker.Reset(); err != nil {
			return fmt.Errorf("resetting progress: %w", err)
		}
		g.log.Info("progress reset", "dir", g.cfg.ProgressDir)
	}

	// 3. Build the job list, skipping completed chunks.
	var (
		jobs    []backfillJob
		skipped int
	)
	for _, sym := range symbols {
		for _, iv := range g.cfg.Intervals {
			key := domain.Key{Symbol: sym, Interval: iv, Market: g.cfg.Market}
			if err := key.Validate(); err != nil {
				g.log.Warn("skipping key", "key", key.String(), "err", err)
				continue
			}
			for _, w := range monthChunks(g.cfg.Start, now) {
				j := backfillJob{key: key, window: w}
				if tracker.IsCompleted(j.id()) {
					skipped++
					continue
				}
				jobs = append(jobs, j)
			}
		}
	}

	g.log.Info("starting backfill",
		"symbols", len(symbols),
		"intervals", len(g.cfg.Intervals),
		"jobs", len(jobs),
		"skipped", skipped,
	)
	if len(jobs) == 0 {
		return nil
	}

	// 4. Feed jobs to workers.
	jobCh := make(chan int, len(jobs))
	for i := range jobs {
		jobCh <- i
	}
	close(jobCh)

	var (
		wg        sync.WaitGroup
		totalBars atomic.Int64
		totalGaps atomic.Int64
		failed    atomic.Int64
		runStart  = time.Now()
	)

	workers := min(g.cfg.MaxWorkers, len(jobs))
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobCh {
				if ctx.Err() != nil {
					return
				}

				j := jobs[idx]
				s, gaps, err := g.getter.Get(ctx, Request{
					Key:     j.key,
					Start:   j.window.Start,
					End:     j.window.End,
					Options: g.cfg.Options,
				})
				if err != nil {
					if ctx.Err() == nil {
						failed.Add(1)
						g.log.Error("chunk failed",
							"job", fmt.Sprintf("%d/%d", idx+1, len(jobs)),
							"chunk", j.id(),
							"err", err,
						)
					}
					continue
				}

				totalBars.Add(int64(s.Len()))
				totalGaps.Add(int64(len(gaps)))

				if len(gaps) == 0 && now.Sub(j.window.End) > g.cfg.StableAfter {
					if err := tracker.MarkCompleted(j.id()); err != nil {
						g.log.Error("marking chunk completed failed", "chunk", j.id(), "err", err)
					}
				}

				g.log.Info("chunk done",
					"job", fmt.Sprintf("%d/%d", idx+1, len(jobs)),
					"chunk", j.id(),
					"bars", s.Len(),
					"gaps", len(gaps),
					"elapsed", time.Since(runStart).Round(time.Second),
				)
			}
		}()
	}

	wg.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}

	g.log.Info("complete",
		"bars", totalBars.Load(),
		"gaps", totalGaps.Load(),
		"failed", failed.Load(),
		"elapsed", time.Since(runStart).Round(time.Second),
	)
	if n := failed.Load(); n > 0 {
		return fmt.Errorf("%d of %d chunks failed", n, len(jobs))
	}
	return nil
}

// monthChunks splits [start, end) into UTC calendar-month windows.
func monthChunks(start, end time.Time) []domain.Window {
	start = start.UTC()
	end = end.UTC()
	var out []domain.Window
	for m := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, time.UTC); m.Before(end); m = m.AddDate(0, 1, 0) {
		w := domain.Window{Start: m, End: m.AddDate(0, 1, 0)}
		if w.Start.Before(start) {
			w.Start = start
		}
		if w.End.After(end) {
			w.End = end
		}
		if !w.Empty() {
			out = append(out, w)
		}
	}
	return out
}
