package bulk

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"

	"klinecache/internal/domain"
	"klinecache/internal/source"
)

// readArchive opens a day archive and decodes its single CSV member.
func readArchive(archivePath string, iv domain.Interval, day time.Time) ([]domain.Bar, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("%w: opening archive: %w", domain.ErrParse, err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		if f.FileInfo().IsDir() || !strings.HasSuffix(strings.ToLower(f.Name), ".csv") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: opening %s: %w", domain.ErrParse, f.Name, err)
		}
		defer rc.Close()
		return parseCSV(rc, iv, day)
	}
	return nil, fmt.Errorf("%w: archive has no CSV member", domain.ErrParse)
}

// parseCSV decodes kline rows, skipping an optional header line. The
// timestamp unit is detected once from the first data row and applied to
// the whole file. Only bars inside [day, day+1d) are kept; every kept bar
// must be interval-aligned and pass Bar.Validate.
func parseCSV(r io.Reader, iv domain.Interval, day time.Time) ([]domain.Bar, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	next := day.AddDate(0, 0, 1)
	var (
		bars    []domain.Bar
		unit    source.TimeUnit
		haveRow bool
		line    int
	)
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %w", domain.ErrParse, line, err)
		}
		if len(rec) == 0 || (len(rec) == 1 && strings.TrimSpace(rec[0]) == "") {
			continue
		}
		first := strings.TrimSpace(rec[0])
		if !haveRow {
			if line == 1 && isHeader(first) {
				continue
			}
			if unit, err = source.DetectUnit(first); err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			haveRow = true
		}

		b, err := source.ParseRow(rec, unit)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if b.OpenTime.Before(day) || !b.OpenTime.Before(next) {
			continue
		}
		if err := source.CheckAligned(b, iv); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if err := b.Validate(); err != nil {
			return nil, fmt.Errorf("%w: line %d: %w", domain.ErrParse, line, err)
		}
		b.Source = domain.SourceBulk
		bars = append(bars, b)
	}

	sort.SliceStable(bars, func(i, j int) bool { return bars[i].OpenTime.Before(bars[j].OpenTime) })
	out := bars[:0]
	for _, b := range bars {
		if len(out) > 0 && b.OpenTime.Equal(out[len(out)-1].OpenTime) {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

// isHeader reports whether the first field of the first line is a column
// name rather than a timestamp.
func isHeader(field string) bool {
	for _, r := range field {
		if r < '0' || r > '9' {
			return true
		}
	}
	return false
}
