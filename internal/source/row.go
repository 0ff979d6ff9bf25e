// Package source holds the row decoding shared by the bulk and live kline
// sources.
package source

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"klinecache/internal/domain"
)

// TimeUnit is the resolution of the timestamps in a kline row.
type TimeUnit int

const (
	Millis TimeUnit = iota
	Micros
)

func (u TimeUnit) String() string {
	if u == Micros {
		return "us"
	}
	return "ms"
}

// MinFields is the number of leading columns a kline row must carry: open
// time, OHLC, volume, close time, quote volume, trade count and the two
// taker-buy volumes. A trailing "ignore" column is tolerated.
const MinFields = 11

// DetectUnit infers the timestamp unit from the digit count of an open
// time: 13 digits are milliseconds, 16 are microseconds.
func DetectUnit(openTime string) (TimeUnit, error) {
	for _, r := range openTime {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("%w: open time %q is not an integer", domain.ErrParse, openTime)
		}
	}
	switch len(openTime) {
	case 13:
		return Millis, nil
	case 16:
		return Micros, nil
	}
	return 0, fmt.Errorf("%w: open time %q has %d digits, want 13 or 16", domain.ErrParse, openTime, len(openTime))
}

// ParseRow decodes one kline row. Decimal columns are parsed exactly and
// then converted to float64.
func ParseRow(fields []string, unit TimeUnit) (domain.Bar, error) {
	if len(fields) < MinFields {
		return domain.Bar{}, fmt.Errorf("%w: row has %d fields, want at least %d", domain.ErrParse, len(fields), MinFields)
	}

	ts, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return domain.Bar{}, fmt.Errorf("%w: open time %q: %w", domain.ErrParse, fields[0], err)
	}
	var open time.Time
	if unit == Micros {
		open = time.UnixMicro(ts).UTC()
	} else {
		open = time.UnixMilli(ts).UTC()
	}

	var nums [8]float64
	for i, col := range []int{1, 2, 3, 4, 5, 7, 9, 10} {
		d, err := decimal.NewFromString(fields[col])
		if err != nil {
			return domain.Bar{}, fmt.Errorf("%w: column %d %q: %w", domain.ErrParse, col, fields[col], err)
		}
		nums[i] = d.InexactFloat64()
	}

	count, err := strconv.ParseInt(fields[8], 10, 64)
	if err != nil {
		return domain.Bar{}, fmt.Errorf("%w: trade count %q: %w", domain.ErrParse, fields[8], err)
	}

	return domain.Bar{
		OpenTime:            open,
		Open:                nums[0],
		High:                nums[1],
		Low:                 nums[2],
		Close:               nums[3],
		Volume:              nums[4],
		QuoteVolume:         nums[5],
		TradeCount:          count,
		TakerBuyVolume:      nums[6],
		TakerBuyQuoteVolume: nums[7],
	}, nil
}

// JSONRowFields flattens a JSON kline row of mixed numbers and strings into
// the string fields ParseRow expects.
func JSONRowFields(row []json.RawMessage) ([]string, error) {
	out := make([]string, len(row))
	for i, raw := range row {
		if len(raw) > 0 && raw[0] == '"' {
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				return nil, fmt.Errorf("%w: field %d: %w", domain.ErrParse, i, err)
			}
			out[i] = s
			continue
		}
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, fmt.Errorf("%w: field %d: %w", domain.ErrParse, i, err)
		}
		out[i] = n.String()
	}
	return out, nil
}

// CheckAligned reports a parse error when b does not open on an iv boundary.
func CheckAligned(b domain.Bar, iv domain.Interval) error {
	step := iv.Duration().Microseconds()
	if step == 0 || b.OpenTime.UnixMicro()%step != 0 {
		return fmt.Errorf("%w: bar %s not aligned to %s", domain.ErrParse, b.OpenTime.Format(time.RFC3339Nano), iv)
	}
	return nil
}
