// Package store defines the storage interfaces behind the kline cache and
// their Parquet and SQLite implementations.
package store

import (
	"context"
	"time"

	"klinecache/internal/domain"
)

// FileInfo describes a data file after it has been written.
type FileInfo struct {
	Path     string
	Size     int64
	Checksum string
	Records  int
}

// DayFileStore persists one file of bars per (key, UTC day).
type DayFileStore interface {
	// WriteDay atomically replaces the file for key and day with bars.
	WriteDay(ctx context.Context, key domain.Key, day time.Time, bars []domain.Bar) (FileInfo, error)

	// ReadDay decodes the data file at path.
	ReadDay(ctx context.Context, path string) ([]domain.Bar, error)

	// Path returns where the file for key and day lives.
	Path(key domain.Key, day time.Time) string
}

// EntryIndex stores cache metadata, one row per (key, day).
type EntryIndex interface {
	// Lookup returns the entry for key and day, or domain.ErrCacheMiss.
	Lookup(ctx context.Context, key domain.Key, day time.Time) (domain.CacheEntry, error)

	// PutEntry inserts or replaces an entry.
	PutEntry(ctx context.Context, e domain.CacheEntry) error

	// MarkRevalidation flags the entry so the next read treats it as a miss.
	// Only a row whose checksum still equals checksum is flagged; the result
	// reports whether one was.
	MarkRevalidation(ctx context.Context, key domain.Key, day time.Time, checksum string) (bool, error)

	// Entries returns the rows for key with day in [from, to], ordered by day.
	Entries(ctx context.Context, key domain.Key, from, to time.Time) ([]domain.CacheEntry, error)

	// ListSymbols returns the distinct symbols cached for a market.
	ListSymbols(ctx context.Context, market domain.MarketType) ([]string, error)
}

// FailureLog durably records checksum verification failures.
type FailureLog interface {
	// RecordChecksumFailure appends one failure record.
	RecordChecksumFailure(ctx context.Context, f domain.ChecksumFailure) error

	// ChecksumFailures returns the most recent records, newest first.
	ChecksumFailures(ctx context.Context, limit int) ([]domain.ChecksumFailure, error)
}
