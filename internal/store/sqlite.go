package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"klinecache/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ EntryIndex = (*SQLiteIndex)(nil)
var _ FailureLog = (*SQLiteIndex)(nil)

const dateLayout = "2006-01-02"

// migrations are applied in order; PRAGMA user_version records how many
// have run.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS cache_entries (
		market             TEXT    NOT NULL,
		symbol             TEXT    NOT NULL,
		interval           TEXT    NOT NULL,
		date               TEXT    NOT NULL,
		path               TEXT    NOT NULL,
		record_count       INTEGER NOT NULL,
		byte_size          INTEGER NOT NULL,
		checksum           TEXT    NOT NULL,
		last_updated       INTEGER NOT NULL,
		needs_revalidation INTEGER NOT NULL DEFAULT 0,
		final              INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (market, symbol, interval, date)
	)`,
	`CREATE TABLE IF NOT EXISTS checksum_failures (
		id          TEXT    PRIMARY KEY,
		market      TEXT    NOT NULL,
		symbol      TEXT    NOT NULL,
		interval    TEXT    NOT NULL,
		date        TEXT    NOT NULL,
		url         TEXT    NOT NULL,
		expected    TEXT    NOT NULL,
		actual      TEXT    NOT NULL,
		action      TEXT    NOT NULL,
		recorded_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_checksum_failures_recorded ON checksum_failures (recorded_at)`,
}

// SQLiteIndex implements EntryIndex and FailureLog backed by a SQLite
// database.
type SQLiteIndex struct {
	db *sql.DB
}

// NewSQLiteIndex opens (or creates) a SQLite database at dbPath, applies
// pending migrations and returns a ready-to-use SQLiteIndex.
func NewSQLiteIndex(dbPath string) (*SQLiteIndex, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// A single connection serializes writers and keeps the pragmas below
	// in effect for every statement.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteIndex{db: db}, nil
}

func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	for i := version; i < len(migrations); i++ {
		if _, err := db.Exec(migrations[i]); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteIndex) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// EntryIndex implementation
// ---------------------------------------------------------------------------

const entryColumns = `market, symbol, interval, date, path, record_count, byte_size, checksum, last_updated, needs_revalidation, final`

// Lookup retrieves the entry for key and day.
func (s *SQLiteIndex) Lookup(ctx context.Context, key domain.Key, day time.Time) (domain.CacheEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM cache_entries
		 WHERE market = ? AND symbol = ? AND interval = ? AND date = ?`,
		string(key.Market), normSymbol(key.Symbol), string(key.Interval), day.UTC().Format(dateLayout))

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CacheEntry{}, fmt.Errorf("%w: %s %s", domain.ErrCacheMiss, key, day.UTC().Format(dateLayout))
	}
	return e, err
}

// PutEntry inserts or replaces the row for e's key and date.
func (s *SQLiteIndex) PutEntry(ctx context.Context, e domain.CacheEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO cache_entries (`+entryColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(e.Key.Market), normSymbol(e.Key.Symbol), string(e.Key.Interval),
		e.Date.UTC().Format(dateLayout), e.Path, e.RecordCount, e.ByteSize, e.Checksum,
		e.LastUpdated.UnixMicro(), boolToInt(e.NeedsRevalidation), boolToInt(e.Final))
	return err
}

// MarkRevalidation sets needs_revalidation on the row if it still carries
// checksum. A row rewritten since it was read is left alone.
func (s *SQLiteIndex) MarkRevalidation(ctx context.Context, key domain.Key, day time.Time, checksum string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE cache_entries SET needs_revalidation = 1
		 WHERE market = ? AND symbol = ? AND interval = ? AND date = ? AND checksum = ?`,
		string(key.Market), normSymbol(key.Symbol), string(key.Interval), day.UTC().Format(dateLayout), checksum)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Entries returns the rows for key between from and to inclusive.
func (s *SQLiteIndex) Entries(ctx context.Context, key domain.Key, from, to time.Time) ([]domain.CacheEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM cache_entries
		 WHERE market = ? AND symbol = ? AND interval = ? AND date >= ? AND date <= ?
		 ORDER BY date`,
		string(key.Market), normSymbol(key.Symbol), string(key.Interval),
		from.UTC().Format(dateLayout), to.UTC().Format(dateLayout))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.CacheEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListSymbols returns the distinct symbols with cache rows for market.
func (s *SQLiteIndex) ListSymbols(ctx context.Context, market domain.MarketType) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT symbol FROM cache_entries WHERE market = ? ORDER BY symbol`, string(market))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, err
		}
		symbols = append(symbols, sym)
	}
	return symbols, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(r scanner) (domain.CacheEntry, error) {
	var (
		market, symbol, interval, date string
		lastUpdated                    int64
		revalidate, final              int
		e                              domain.CacheEntry
	)
	if err := r.Scan(&market, &symbol, &interval, &date, &e.Path, &e.RecordCount,
		&e.ByteSize, &e.Checksum, &lastUpdated, &revalidate, &final); err != nil {
		return domain.CacheEntry{}, err
	}
	d, err := time.Parse(dateLayout, date)
	if err != nil {
		return domain.CacheEntry{}, fmt.Errorf("cache entry date %q: %w", date, err)
	}
	e.Key = domain.Key{Symbol: symbol, Interval: domain.Interval(interval), Market: domain.MarketType(market)}
	e.Date = d
	e.LastUpdated = time.UnixMicro(lastUpdated).UTC()
	e.NeedsRevalidation = revalidate != 0
	e.Final = final != 0
	return e, nil
}

// ---------------------------------------------------------------------------
// FailureLog implementation
// ---------------------------------------------------------------------------

// RecordChecksumFailure appends f to the checksum_failures table.
func (s *SQLiteIndex) RecordChecksumFailure(ctx context.Context, f domain.ChecksumFailure) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checksum_failures
		 (id, market, symbol, interval, date, url, expected, actual, action, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, string(f.Key.Market), normSymbol(f.Key.Symbol), string(f.Key.Interval),
		f.Date.UTC().Format(dateLayout), f.URL, f.Expected, f.Actual, string(f.Action),
		f.RecordedAt.UnixMicro())
	return err
}

// ChecksumFailures returns up to limit records, newest first.
func (s *SQLiteIndex) ChecksumFailures(ctx context.Context, limit int) ([]domain.ChecksumFailure, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, market, symbol, interval, date, url, expected, actual, action, recorded_at
		 FROM checksum_failures ORDER BY recorded_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ChecksumFailure
	for rows.Next() {
		var (
			f                              domain.ChecksumFailure
			market, symbol, interval, date string
			action                         string
			recordedAt                     int64
		)
		if err := rows.Scan(&f.ID, &market, &symbol, &interval, &date, &f.URL,
			&f.Expected, &f.Actual, &action, &recordedAt); err != nil {
			return nil, err
		}
		f.Key = domain.Key{Symbol: symbol, Interval: domain.Interval(interval), Market: domain.MarketType(market)}
		f.Date, _ = time.Parse(dateLayout, date)
		f.Action = domain.ChecksumAction(action)
		f.RecordedAt = time.UnixMicro(recordedAt).UTC()
		out = append(out, f)
	}
	return out, rows.Err()
}

func normSymbol(s string) string { return strings.ToUpper(strings.TrimSpace(s)) }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
