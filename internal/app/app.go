// Package app wires the cache, sources and orchestrator from a Config.
package app

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sync/semaphore"

	"klinecache/internal/config"
	"klinecache/internal/domain"
	"klinecache/internal/download"
	"klinecache/internal/gather"
	"klinecache/internal/source/bulk"
	"klinecache/internal/source/live"
	"klinecache/internal/store"
	"klinecache/internal/util"
)

// App owns every long-lived component. Build it once, use it, Close it.
type App struct {
	Config       *config.Config
	Log          *slog.Logger
	Index        *store.SQLiteIndex
	Cache        *store.CacheStore
	Downloader   *download.Downloader
	Bulk         *bulk.Fetcher
	Live         *live.Fetcher
	Orchestrator *gather.Orchestrator

	logCloser io.Closer
}

// New builds an App from cfg. On error everything opened so far is closed.
func New(cfg *config.Config) (*App, error) {
	logger, logCloser := util.NewLoggerWithOptions(util.LogOptions{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	util.SetDefault(logger)
	a := &App{Config: cfg, Log: logger, logCloser: logCloser}

	if err := a.build(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build() error {
	cfg := a.Config

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.IndexPath), 0o755); err != nil {
		return fmt.Errorf("creating index dir: %w", err)
	}
	idx, err := store.NewSQLiteIndex(cfg.Storage.IndexPath)
	if err != nil {
		return fmt.Errorf("opening cache index: %w", err)
	}
	a.Index = idx
	a.Cache = store.NewCacheStore(store.NewParquetStore(cfg.Storage.DataDir), idx, store.Options{
		MinFileSize: cfg.Storage.MinFileSize,
		MaxAge:      cfg.Storage.MaxAge,
		Logger:      a.Log,
	})

	policy := util.RetryPolicy{
		MaxAttempts: cfg.Download.MaxAttempts,
		NewBackOff:  util.ExponentialBackOff(cfg.Download.BaseDelay, cfg.Download.MaxDelay),
		Retryable:   util.IsTransient,
	}
	a.Downloader = download.New(download.Options{
		Client:         download.NewHTTPClient(cfg.Live.RequestTimeout),
		Policy:         &policy,
		StallWindow:    cfg.Download.StallWindow,
		MinBytesPerSec: cfg.Download.MinBytesPerSec,
		AttemptTimeout: cfg.Download.AttemptTimeout,
		Logger:         a.Log,
	})

	// One semaphore bounds every transfer, bulk and live alike.
	sem := semaphore.NewWeighted(int64(cfg.Download.MaxConcurrent))

	a.Bulk = bulk.New(a.Downloader, download.NewVerifier(idx, a.Log), sem, bulk.Options{
		BaseURL:            cfg.Bulk.BaseURL,
		ConsolidationDelay: cfg.Bulk.ConsolidationDelay,
		WorkDir:            filepath.Join(cfg.Storage.DataDir, ".tmp"),
		Logger:             a.Log,
	})

	endpoints := make(map[domain.MarketType]string, len(cfg.Live.Endpoints))
	for name, url := range cfg.Live.Endpoints {
		m, err := domain.ParseMarketType(name)
		if err != nil {
			return fmt.Errorf("live endpoint %q: %w", name, err)
		}
		endpoints[m] = url
	}
	rest := live.NewRESTPageFetcher(a.Downloader, endpoints)
	pages := map[domain.MarketType]live.PageFetcher{
		domain.MarketSpot:      rest,
		domain.MarketFuturesUM: rest,
		domain.MarketFuturesCM: rest,
	}
	if cfg.Alpaca.APIKey != "" && cfg.Alpaca.APISecret != "" {
		pages[domain.MarketAlpacaCrypto] = live.NewAlpacaPageFetcher(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.DataURL)
	}
	a.Live = live.New(pages, sem, util.NewRateLimiter(cfg.Live.RateLimitPerMin), a.Log)

	a.Orchestrator = gather.NewOrchestrator(a.Cache, a.Bulk, a.Live, a.Log)
	return nil
}

// DefaultOptions returns the per-request options implied by the config.
func (a *App) DefaultOptions() gather.Options {
	return gather.Options{ProceedOnChecksumFailure: a.Config.Bulk.ProceedOnChecksumFailure}
}

// Close releases the cache index and the log file.
func (a *App) Close() error {
	var errs []error
	if a.Cache != nil {
		errs = append(errs, a.Cache.Close())
	} else if a.Index != nil {
		errs = append(errs, a.Index.Close())
	}
	if a.logCloser != nil {
		errs = append(errs, a.logCloser.Close())
	}
	return errors.Join(errs...)
}
