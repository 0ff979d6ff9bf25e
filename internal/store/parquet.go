package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"klinecache/internal/domain"
)

// Compile-time interface check.
var _ DayFileStore = (*ParquetStore)(nil)

// ParquetStore implements DayFileStore using one Parquet file per day.
type ParquetStore struct {
	DataDir string
}

// NewParquetStore creates a new ParquetStore rooted at the given data directory.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir}
}

// ---------------------------------------------------------------------------
// Parquet record type (on-disk schema)
// ---------------------------------------------------------------------------

// BarRecord is the Parquet schema for kline data.
type BarRecord struct {
	OpenTime            int64   `parquet:"open_time,timestamp(microsecond)"` // Unix µs
	Open                float64 `parquet:"open"`
	High                float64 `parquet:"high"`
	Low                 float64 `parquet:"low"`
	Close               float64 `parquet:"close"`
	Volume              float64 `parquet:"volume"`
	QuoteVolume         float64 `parquet:"quote_volume"`
	TradeCount          int64   `parquet:"trade_count"`
	TakerBuyVolume      float64 `parquet:"taker_buy_volume"`
	TakerBuyQuoteVolume float64 `parquet:"taker_buy_quote_volume"`
}

func toRecord(b domain.Bar) BarRecord {
	return BarRecord{
		OpenTime:            b.OpenTime.UnixMicro(),
		Open:                b.Open,
		High:                b.High,
		Low:                 b.Low,
		Close:               b.Close,
		Volume:              b.Volume,
		QuoteVolume:         b.QuoteVolume,
		TradeCount:          b.TradeCount,
		TakerBuyVolume:      b.TakerBuyVolume,
		TakerBuyQuoteVolume: b.TakerBuyQuoteVolume,
	}
}

func fromRecord(r BarRecord) domain.Bar {
	return domain.Bar{
		OpenTime:            time.UnixMicro(r.OpenTime).UTC(),
		Open:                r.Open,
		High:                r.High,
		Low:                 r.Low,
		Close:               r.Close,
		Volume:              r.Volume,
		QuoteVolume:         r.QuoteVolume,
		TradeCount:          r.TradeCount,
		TakerBuyVolume:      r.TakerBuyVolume,
		TakerBuyQuoteVolume: r.TakerBuyQuoteVolume,
	}
}

// ---------------------------------------------------------------------------
// DayFileStore implementation
// ---------------------------------------------------------------------------

// WriteDay writes bars to a temporary file next to the destination, syncs
// it and renames it into place, so readers never observe a partial file.
// Bars are sorted by open time before writing.
func (s *ParquetStore) WriteDay(ctx context.Context, key domain.Key, day time.Time, bars []domain.Bar) (FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return FileInfo{}, err
	}

	records := make([]BarRecord, len(bars))
	for i, b := range bars {
		records[i] = toRecord(b)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].OpenTime < records[j].OpenTime
	})

	path := s.Path(key, day)
	size, sum, err := writeParquetAtomic(path, records)
	if err != nil {
		return FileInfo{}, fmt.Errorf("writing %s %s: %w", key, day.Format("2006-01-02"), err)
	}
	return FileInfo{Path: path, Size: size, Checksum: sum, Records: len(records)}, nil
}

// ReadDay reads every bar from the Parquet file at path.
func (s *ParquetStore) ReadDay(ctx context.Context, path string) ([]domain.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	records, err := parquet.ReadFile[BarRecord](path)
	if err != nil {
		return nil, err
	}
	bars := make([]domain.Bar, len(records))
	for i, r := range records {
		bars[i] = fromRecord(r)
	}
	return bars, nil
}

// ---------------------------------------------------------------------------
// Path helpers
// ---------------------------------------------------------------------------

// Path returns the filesystem path for a day file.
// Layout: <DataDir>/<market>/<SYMBOL>/<interval>/<YYYY-MM-DD>.parquet
func (s *ParquetStore) Path(key domain.Key, day time.Time) string {
	date := day.UTC().Format("2006-01-02")
	return filepath.Join(s.DataDir, key.Market.DirName(), symbolDir(key.Symbol), string(key.Interval), date+".parquet")
}

// symbolDir upper-cases a symbol and replaces path separators so pairs such
// as "BTC/USD" stay one directory level.
func symbolDir(symbol string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", "..", "_")
	return r.Replace(strings.ToUpper(strings.TrimSpace(symbol)))
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

// writeParquetAtomic writes records to path via a synced temp file and
// returns the final size and SHA-256 of the file.
func writeParquetAtomic(path string, records []BarRecord) (int64, string, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, "", err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return 0, "", err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	h := sha256.New()
	cw := &countingWriter{w: io.MultiWriter(tmp, h)}
	w := parquet.NewGenericWriter[BarRecord](cw)
	if len(records) > 0 {
		if _, err := w.Write(records); err != nil {
			return 0, "", err
		}
	}
	if err := w.Close(); err != nil {
		return 0, "", err
	}
	if err := tmp.Sync(); err != nil {
		return 0, "", err
	}
	if err := tmp.Close(); err != nil {
		return 0, "", err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return 0, "", err
	}
	committed = true
	return cw.n, hex.EncodeToString(h.Sum(nil)), nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// mergeBars de-duplicates bars by open time, preferring incoming bars over
// existing ones, and returns them sorted by open time.
func mergeBars(existing, incoming []domain.Bar) []domain.Bar {
	seen := make(map[int64]domain.Bar, len(existing)+len(incoming))
	for _, b := range existing {
		seen[b.OpenTime.UnixMicro()] = b
	}
	for _, b := range incoming {
		seen[b.OpenTime.UnixMicro()] = b
	}

	merged := make([]domain.Bar, 0, len(seen))
	for _, b := range seen {
		merged = append(merged, b)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].OpenTime.Before(merged[j].OpenTime)
	})
	return merged
}
