package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"klinecache/internal/app"
	"klinecache/internal/config"
	"klinecache/internal/domain"
	"klinecache/internal/gather"
)

func main() {
	reset := flag.Bool("reset", false, "forget completed months and check every chunk again")
	flag.Parse()

	_ = godotenv.Load()

	cfgPath := "config/klinecache.yaml"
	if p := os.Getenv("KLINECACHE_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.LoadOptional(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	market, err := domain.ParseMarketType(cfg.Backfill.Market)
	if err != nil {
		log.Fatalf("backfill market: %v", err)
	}
	var intervals []domain.Interval
	for _, s := range cfg.Backfill.Intervals {
		iv, err := domain.ParseInterval(s)
		if err != nil {
			log.Fatalf("backfill interval: %v", err)
		}
		intervals = append(intervals, iv)
	}
	if len(intervals) == 0 {
		intervals = []domain.Interval{domain.Interval1h}
	}
	start := time.Now().UTC().AddDate(0, -1, 0)
	if cfg.Backfill.StartDate != "" {
		if start, err = time.Parse("2006-01-02", cfg.Backfill.StartDate); err != nil {
			log.Fatalf("parsing start date %q: %v", cfg.Backfill.StartDate, err)
		}
	}

	a, err := app.New(cfg)
	if err != nil {
		log.Fatalf("failed to start: %v", err)
	}
	defer a.Close()

	gatherer := gather.NewBackfillGatherer(a.Orchestrator, a.Cache, gather.BackfillConfig{
		Market:        market,
		Symbols:       cfg.Backfill.Symbols,
		Intervals:     intervals,
		Start:         start,
		StableAfter:   cfg.Bulk.ConsolidationDelay,
		MaxWorkers:    cfg.Backfill.MaxWorkers,
		ProgressDir:   filepath.Join(cfg.Storage.DataDir, market.DirName()),
		ResetProgress: *reset,
		Options:       a.DefaultOptions(),
	}, a.Log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("starting kline-backfill", "market", market, "symbols", len(cfg.Backfill.Symbols), "start", start.Format("2006-01-02"))
	if err := gatherer.Run(ctx); err != nil {
		slog.Error("backfill error", "err", err)
		a.Close()
		os.Exit(1)
	}
}
