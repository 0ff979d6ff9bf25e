// Package domain defines the core value types shared across klinecache:
// market and interval taxonomies, bars, series, windows, gaps and cache
// entries.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Market taxonomy
// ---------------------------------------------------------------------------

// MarketType identifies an upstream market.
type MarketType string

const (
	MarketSpot         MarketType = "spot"
	MarketFuturesUM    MarketType = "futures/um"
	MarketFuturesCM    MarketType = "futures/cm"
	MarketAlpacaCrypto MarketType = "alpaca-crypto"
)

// MarketInfo is the static capability row for a MarketType.
type MarketInfo struct {
	// BulkPath is the path fragment under the bulk archive base URL. Empty
	// when the market has no daily archive.
	BulkPath string
	// LiveEndpoint is the default REST endpoint for paginated klines.
	LiveEndpoint string
	// PageLimit is the hard per-call row cap of the live source.
	PageLimit int
	// Intervals lists the intervals the live source serves for this market.
	Intervals map[Interval]bool
}

// HasBulk reports whether the market publishes daily archives.
func (m MarketInfo) HasBulk() bool { return m.BulkPath != "" }

var allIntervals = []Interval{
	Interval1s, Interval1m, Interval3m, Interval5m, Interval15m, Interval30m,
	Interval1h, Interval2h, Interval4h, Interval6h, Interval8h, Interval12h,
	Interval1d,
}

func intervalSet(exclude ...Interval) map[Interval]bool {
	out := make(map[Interval]bool, len(allIntervals))
	for _, iv := range allIntervals {
		out[iv] = true
	}
	for _, iv := range exclude {
		delete(out, iv)
	}
	return out
}

var markets = map[MarketType]MarketInfo{
	MarketSpot: {
		BulkPath:     "spot",
		LiveEndpoint: "https://api.binance.com/api/v3/klines",
		PageLimit:    1000,
		Intervals:    intervalSet(),
	},
	MarketFuturesUM: {
		BulkPath:     "futures/um",
		LiveEndpoint: "https://fapi.binance.com/fapi/v1/klines",
		PageLimit:    1500,
		Intervals:    intervalSet(Interval1s),
	},
	MarketFuturesCM: {
		BulkPath:     "futures/cm",
		LiveEndpoint: "https://dapi.binance.com/dapi/v1/klines",
		PageLimit:    1500,
		Intervals:    intervalSet(Interval1s),
	},
	// Alpaca daily bars are stamped at US/Eastern midnight, so 1d does not
	// align with UTC days and is excluded.
	MarketAlpacaCrypto: {
		PageLimit: 10000,
		Intervals: intervalSet(Interval1s, Interval3m, Interval1d),
	},
}

// ParseMarketType converts a string such as "spot" or "um" to a MarketType.
func ParseMarketType(s string) (MarketType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "spot":
		return MarketSpot, nil
	case "um", "futures/um", "futures_um":
		return MarketFuturesUM, nil
	case "cm", "futures/cm", "futures_cm":
		return MarketFuturesCM, nil
	case "alpaca-crypto", "alpaca":
		return MarketAlpacaCrypto, nil
	}
	return "", fmt.Errorf("unknown market type %q", s)
}

// Info returns the capability row for m.
func (m MarketType) Info() MarketInfo { return markets[m] }

// Valid reports whether m is a known market type.
func (m MarketType) Valid() bool {
	_, ok := markets[m]
	return ok
}

// Supports reports whether the live source serves iv for m.
func (m MarketType) Supports(iv Interval) bool { return markets[m].Intervals[iv] }

// DirName returns a filesystem-safe name for the market.
func (m MarketType) DirName() string { return strings.ReplaceAll(string(m), "/", "-") }

// ---------------------------------------------------------------------------
// Interval taxonomy
// ---------------------------------------------------------------------------

// Interval is a bar interval such as "1m" or "1h".
type Interval string

const (
	Interval1s  Interval = "1s"
	Interval1m  Interval = "1m"
	Interval3m  Interval = "3m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval30m Interval = "30m"
	Interval1h  Interval = "1h"
	Interval2h  Interval = "2h"
	Interval4h  Interval = "4h"
	Interval6h  Interval = "6h"
	Interval8h  Interval = "8h"
	Interval12h Interval = "12h"
	Interval1d  Interval = "1d"
)

var intervalDurations = map[Interval]time.Duration{
	Interval1s:  time.Second,
	Interval1m:  time.Minute,
	Interval3m:  3 * time.Minute,
	Interval5m:  5 * time.Minute,
	Interval15m: 15 * time.Minute,
	Interval30m: 30 * time.Minute,
	Interval1h:  time.Hour,
	Interval2h:  2 * time.Hour,
	Interval4h:  4 * time.Hour,
	Interval6h:  6 * time.Hour,
	Interval8h:  8 * time.Hour,
	Interval12h: 12 * time.Hour,
	Interval1d:  24 * time.Hour,
}

// ParseInterval validates s against the supported interval table.
func ParseInterval(s string) (Interval, error) {
	iv := Interval(strings.TrimSpace(s))
	if _, ok := intervalDurations[iv]; !ok {
		return "", fmt.Errorf("unsupported interval %q", s)
	}
	return iv, nil
}

// Duration returns the length of one bar. It is zero for unknown intervals.
func (iv Interval) Duration() time.Duration { return intervalDurations[iv] }

// Valid reports whether iv is a supported interval.
func (iv Interval) Valid() bool { return iv.Duration() > 0 }

// BarsPerDay returns how many bars of iv fit in one UTC day.
func (iv Interval) BarsPerDay() int {
	d := iv.Duration()
	if d == 0 {
		return 0
	}
	return int(24 * time.Hour / d)
}

// ---------------------------------------------------------------------------
// Chart types
// ---------------------------------------------------------------------------

// ChartType selects the kind of archive published by the bulk source.
type ChartType string

const (
	ChartKlines      ChartType = "klines"
	ChartFundingRate ChartType = "fundingRate"
)

// DailyArchive reports whether the bulk source publishes this chart type
// as one file per day. Funding rates are published monthly.
func (c ChartType) DailyArchive() bool { return c == ChartKlines }

// ---------------------------------------------------------------------------
// Provenance
// ---------------------------------------------------------------------------

// Source tags which producer supplied a bar.
type Source string

const (
	SourceCache        Source = "CACHE"
	SourceBulk         Source = "BULK"
	SourceLive         Source = "LIVE"
	SourceInterpolated Source = "INTERPOLATED"
)

// ---------------------------------------------------------------------------
// Bars and series
// ---------------------------------------------------------------------------

// Bar is one OHLCV record. OpenTime is UTC and interval-aligned.
type Bar struct {
	OpenTime            time.Time
	Open                float64
	High                float64
	Low                 float64
	Close               float64
	Volume              float64
	QuoteVolume         float64
	TradeCount          int64
	TakerBuyVolume      float64
	TakerBuyQuoteVolume float64
	Source              Source
}

// CloseTime returns the inclusive end instant of the bar for interval iv.
func (b Bar) CloseTime(iv Interval) time.Time {
	return b.OpenTime.Add(iv.Duration() - time.Microsecond)
}

// Validate checks the OHLC and volume invariants.
func (b Bar) Validate() error {
	switch {
	case b.High < b.Open || b.High < b.Close || b.High < b.Low:
		return fmt.Errorf("bar %s: high %v below open/close/low", b.OpenTime.Format(time.RFC3339Nano), b.High)
	case b.Low > b.Open || b.Low > b.Close:
		return fmt.Errorf("bar %s: low %v above open/close", b.OpenTime.Format(time.RFC3339Nano), b.Low)
	case b.Volume < 0:
		return fmt.Errorf("bar %s: negative volume %v", b.OpenTime.Format(time.RFC3339Nano), b.Volume)
	case b.TradeCount < 0:
		return fmt.Errorf("bar %s: negative trade count %d", b.OpenTime.Format(time.RFC3339Nano), b.TradeCount)
	}
	return nil
}

// Key identifies a series.
type Key struct {
	Symbol   string
	Interval Interval
	Market   MarketType
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Market, strings.ToUpper(k.Symbol), k.Interval)
}

// Validate checks that the key names a known market and interval and that
// the market serves the interval.
func (k Key) Validate() error {
	if strings.TrimSpace(k.Symbol) == "" {
		return fmt.Errorf("empty symbol")
	}
	if !k.Market.Valid() {
		return fmt.Errorf("unknown market %q", k.Market)
	}
	if !k.Interval.Valid() {
		return fmt.Errorf("unsupported interval %q", k.Interval)
	}
	if !k.Market.Supports(k.Interval) {
		return fmt.Errorf("%w: interval %s on market %s", ErrUnsupported, k.Interval, k.Market)
	}
	return nil
}

// Series is an ordered run of bars for one key.
type Series struct {
	Key  Key
	Bars []Bar
}

// Len returns the number of bars.
func (s Series) Len() int { return len(s.Bars) }

// OpenTimes returns the open time of every bar, in order.
func (s Series) OpenTimes() []time.Time {
	out := make([]time.Time, len(s.Bars))
	for i, b := range s.Bars {
		out[i] = b.OpenTime
	}
	return out
}

// Slice returns the bars with open time in [start, end). The series must be
// sorted.
func (s Series) Slice(start, end time.Time) Series {
	out := Series{Key: s.Key}
	for _, b := range s.Bars {
		if b.OpenTime.Before(start) || !b.OpenTime.Before(end) {
			continue
		}
		out.Bars = append(out.Bars, b)
	}
	return out
}

// Validate checks ordering, uniqueness and alignment. Missing bars are not
// an error here; they are reported as gaps by the caller.
func (s Series) Validate() error {
	step := s.Key.Interval.Duration()
	if step == 0 {
		return fmt.Errorf("series %s: unsupported interval", s.Key)
	}
	for i, b := range s.Bars {
		if b.OpenTime.UnixMicro()%step.Microseconds() != 0 {
			return fmt.Errorf("series %s: bar %s not aligned to %s", s.Key, b.OpenTime.Format(time.RFC3339Nano), s.Key.Interval)
		}
		if i > 0 && !b.OpenTime.After(s.Bars[i-1].OpenTime) {
			return fmt.Errorf("series %s: open time %s not strictly increasing", s.Key, b.OpenTime.Format(time.RFC3339Nano))
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Windows, gaps and cache entries
// ---------------------------------------------------------------------------

// Window is a half-open time range [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Empty reports whether the window contains no instants.
func (w Window) Empty() bool { return !w.Start.Before(w.End) }

// Gap is a half-open sub-range [Start, End) of a request not satisfied by
// the data at hand.
type Gap struct {
	Start time.Time
	End   time.Time
}

// Bars returns how many bars of iv the gap spans.
func (g Gap) Bars(iv Interval) int {
	d := iv.Duration()
	if d == 0 || !g.Start.Before(g.End) {
		return 0
	}
	return int(g.End.Sub(g.Start) / d)
}

func (g Gap) String() string {
	return fmt.Sprintf("[%s, %s)", g.Start.UTC().Format(time.RFC3339Nano), g.End.UTC().Format(time.RFC3339Nano))
}

// CacheEntry is the metadata row describing one cached day file.
type CacheEntry struct {
	Key               Key
	Date              time.Time
	Path              string
	RecordCount       int
	ByteSize          int64
	Checksum          string
	LastUpdated       time.Time
	NeedsRevalidation bool
	// Final marks a day written from an authoritative full-day source. Such
	// a day may hold fewer than BarsPerDay bars when the upstream itself has
	// holes, and is still never refetched.
	Final bool
}

// Complete reports whether the entry covers its whole day.
func (e CacheEntry) Complete() bool {
	return e.Final || e.RecordCount >= e.Key.Interval.BarsPerDay()
}

// ChecksumAction records what was done with an archive that failed
// verification.
type ChecksumAction string

const (
	ChecksumDiscarded ChecksumAction = "discarded"
	ChecksumProceeded ChecksumAction = "proceeded"
)

// ChecksumFailure is one durable record of a failed archive verification.
type ChecksumFailure struct {
	ID         string
	Key        Key
	Date       time.Time
	URL        string
	Expected   string
	Actual     string
	Action     ChecksumAction
	RecordedAt time.Time
}
