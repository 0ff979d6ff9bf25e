package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"klinecache/internal/domain"
	"klinecache/internal/util"
)

// Options tunes the integrity checks applied on read.
type Options struct {
	// MinFileSize is the smallest data file accepted as valid.
	MinFileSize int64
	// MaxAge expires incomplete days whose entry is older than this. Zero
	// disables expiry. Complete days never expire.
	MaxAge time.Duration
	// Now overrides the clock; nil means time.Now.
	Now    func() time.Time
	Logger *slog.Logger
}

// CacheStore combines a DayFileStore with an EntryIndex. Reads verify the
// data file against its index row; writes to one key are serialized.
type CacheStore struct {
	files DayFileStore
	index EntryIndex
	opts  Options
	log   *slog.Logger

	mu    sync.Mutex
	locks map[domain.Key]*sync.Mutex
}

// NewCacheStore creates a CacheStore over the given file store and index.
func NewCacheStore(files DayFileStore, index EntryIndex, opts Options) *CacheStore {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &CacheStore{
		files: files,
		index: index,
		opts:  opts,
		log:   log.With("component", "cache"),
		locks: make(map[domain.Key]*sync.Mutex),
	}
}

// keyLock returns the writer mutex for key, creating it on first use.
func (c *CacheStore) keyLock(key domain.Key) *sync.Mutex {
	k := key
	k.Symbol = normSymbol(k.Symbol)

	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[k]
	if !ok {
		l = &sync.Mutex{}
		c.locks[k] = l
	}
	return l
}

// Get returns the cached bars for key on the UTC day containing day. Any
// integrity failure flags the entry for revalidation and is reported as a
// miss wrapping domain.ErrCacheCorrupt.
//
// Get takes no lock. When the day is rewritten between the index lookup and
// the file read, the entry is not flagged and the read is retried once
// against the new entry.
func (c *CacheStore) Get(ctx context.Context, key domain.Key, day time.Time) (domain.Series, error) {
	day = util.DayStart(day)
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		entry, err := c.index.Lookup(ctx, key, day)
		if err != nil {
			return domain.Series{}, err
		}
		if entry.NeedsRevalidation {
			return domain.Series{}, fmt.Errorf("%w: %s %s flagged for revalidation", domain.ErrCacheMiss, key, day.Format(dateLayout))
		}

		bars, err := c.readVerified(ctx, entry)
		if err == nil {
			for i := range bars {
				bars[i].Source = domain.SourceCache
			}
			return domain.Series{Key: key, Bars: bars}, nil
		}
		if ctx.Err() != nil {
			return domain.Series{}, ctx.Err()
		}
		lastErr = err

		flagged, merr := c.index.MarkRevalidation(ctx, key, day, entry.Checksum)
		if merr != nil {
			c.log.Error("marking entry for revalidation", "key", key.String(), "error", merr)
			break
		}
		if flagged {
			c.log.Warn("cache entry rejected",
				"key", key.String(), "date", day.Format(dateLayout), "error", err)
			break
		}
		c.log.Debug("cache entry replaced during read", "key", key.String(), "date", day.Format(dateLayout))
	}
	return domain.Series{}, fmt.Errorf("%w: %w", domain.ErrCacheMiss, lastErr)
}

func (c *CacheStore) readVerified(ctx context.Context, e domain.CacheEntry) ([]domain.Bar, error) {
	fi, err := os.Stat(e.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrCacheCorrupt, err)
	}
	// A final day may legitimately hold no bars; its file is only a footer.
	if !e.Final && fi.Size() < c.opts.MinFileSize {
		return nil, fmt.Errorf("%w: %s is %d bytes, below minimum %d", domain.ErrCacheCorrupt, e.Path, fi.Size(), c.opts.MinFileSize)
	}
	if c.opts.MaxAge > 0 && !e.Complete() && c.opts.Now().Sub(e.LastUpdated) > c.opts.MaxAge {
		return nil, fmt.Errorf("%w: partial day last updated %s", domain.ErrCacheCorrupt, e.LastUpdated.Format(time.RFC3339))
	}

	sum, err := util.FileSHA256(e.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrCacheCorrupt, err)
	}
	if !strings.EqualFold(sum, e.Checksum) {
		return nil, fmt.Errorf("%w: %s checksum %s, index has %s", domain.ErrCacheCorrupt, e.Path, sum, e.Checksum)
	}

	bars, err := c.files.ReadDay(ctx, e.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrCacheCorrupt, err)
	}
	if len(bars) != e.RecordCount {
		return nil, fmt.Errorf("%w: %s has %d rows, index has %d", domain.ErrCacheCorrupt, e.Path, len(bars), e.RecordCount)
	}
	return bars, nil
}

// Put replaces the cached day with the bars of s and marks it final: s is
// taken to be everything the upstream has for that day. Bars outside the
// day are rejected. An empty series records a day with no trading.
func (c *CacheStore) Put(ctx context.Context, key domain.Key, day time.Time, s domain.Series) error {
	l := c.keyLock(key)
	l.Lock()
	defer l.Unlock()

	return c.putLocked(ctx, key, util.DayStart(day), mergeBars(nil, s.Bars), true)
}

// Upsert merges the bars of s into the cached day, incoming bars winning on
// open-time collisions, and writes the result with Put semantics.
func (c *CacheStore) Upsert(ctx context.Context, key domain.Key, day time.Time, s domain.Series) error {
	l := c.keyLock(key)
	l.Lock()
	defer l.Unlock()

	day = util.DayStart(day)
	var (
		existing []domain.Bar
		final    bool
	)
	if entry, err := c.index.Lookup(ctx, key, day); err == nil && !entry.NeedsRevalidation {
		bars, err := c.readVerified(ctx, entry)
		switch {
		case err == nil:
			existing = bars
			final = entry.Final
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			c.log.Warn("discarding unreadable day before upsert", "key", key.String(), "date", day.Format(dateLayout), "error", err)
		}
	} else if err != nil && !errors.Is(err, domain.ErrCacheMiss) {
		return err
	}

	return c.putLocked(ctx, key, day, mergeBars(existing, s.Bars), final)
}

func (c *CacheStore) putLocked(ctx context.Context, key domain.Key, day time.Time, bars []domain.Bar, final bool) error {
	if len(bars) == 0 && !final {
		return nil
	}
	next := day.AddDate(0, 0, 1)
	for _, b := range bars {
		if b.OpenTime.Before(day) || !b.OpenTime.Before(next) {
			return fmt.Errorf("put %s %s: bar %s outside the day", key, day.Format(dateLayout), b.OpenTime.Format(time.RFC3339Nano))
		}
	}

	fi, err := c.files.WriteDay(ctx, key, day, bars)
	if err != nil {
		return err
	}

	key.Symbol = normSymbol(key.Symbol)
	err = c.index.PutEntry(ctx, domain.CacheEntry{
		Key:         key,
		Date:        day,
		Path:        fi.Path,
		RecordCount: fi.Records,
		ByteSize:    fi.Size,
		Checksum:    fi.Checksum,
		LastUpdated: c.opts.Now().UTC(),
		Final:       final,
	})
	if err != nil {
		return fmt.Errorf("indexing %s %s: %w", key, day.Format(dateLayout), err)
	}

	c.log.Debug("cached day", "key", key.String(), "date", day.Format(dateLayout), "records", fi.Records, "bytes", fi.Size)
	return nil
}

// Entries returns the index rows for key with day in [from, to] without
// opening any data file.
func (c *CacheStore) Entries(ctx context.Context, key domain.Key, from, to time.Time) ([]domain.CacheEntry, error) {
	return c.index.Entries(ctx, key, util.DayStart(from), util.DayStart(to))
}

// ListSymbols returns the symbols cached for market, sorted.
func (c *CacheStore) ListSymbols(ctx context.Context, market domain.MarketType) ([]string, error) {
	symbols, err := c.index.ListSymbols(ctx, market)
	if err != nil {
		return nil, err
	}
	sort.Strings(symbols)
	return symbols, nil
}

// Close releases the index if it holds resources.
func (c *CacheStore) Close() error {
	if cl, ok := c.index.(interface{ Close() error }); ok {
		return cl.Close()
	}
	return nil
}
