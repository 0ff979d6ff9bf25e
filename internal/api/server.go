// Package api provides the HTTP query API over the kline cache: bars for a
// window, cached symbols, index rows and the checksum failure log.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"klinecache/internal/domain"
	"klinecache/internal/gather"
)

// KlineGetter answers one window request.
type KlineGetter interface {
	Get(ctx context.Context, req gather.Request) (domain.Series, []domain.Gap, error)
}

// Catalog exposes the cache index.
type Catalog interface {
	ListSymbols(ctx context.Context, market domain.MarketType) ([]string, error)
	Entries(ctx context.Context, key domain.Key, from, to time.Time) ([]domain.CacheEntry, error)
}

// FailureLog exposes recorded checksum failures.
type FailureLog interface {
	ChecksumFailures(ctx context.Context, limit int) ([]domain.ChecksumFailure, error)
}

// Server is the HTTP query API.
type Server struct {
	klines   KlineGetter
	catalog  Catalog
	failures FailureLog
	defaults gather.Options
	log      *slog.Logger
}

// NewServer creates a Server. defaults seeds every request's options before
// query parameters are applied.
func NewServer(klines KlineGetter, catalog Catalog, failures FailureLog, defaults gather.Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		klines:   klines,
		catalog:  catalog,
		failures: failures,
		defaults: defaults,
		log:      logger.With("component", "api"),
	}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/v1/klines", s.handleKlines)
	mux.HandleFunc("GET /api/v1/symbols", s.handleSymbols)
	mux.HandleFunc("GET /api/v1/entries", s.handleEntries)
	mux.HandleFunc("GET /api/v1/checksum-failures", s.handleChecksumFailures)
}

// Handler returns an http.Handler with CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(mux)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully within shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
