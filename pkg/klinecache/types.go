package klinecache

import "time"

// Kline is one bar as served by the query API.
type Kline struct {
	OpenTime            time.Time `json:"open_time"`
	Open                float64   `json:"open"`
	High                float64   `json:"high"`
	Low                 float64   `json:"low"`
	Close               float64   `json:"close"`
	Volume              float64   `json:"volume"`
	CloseTime           time.Time `json:"close_time"`
	QuoteVolume         float64   `json:"quote_volume"`
	TradeCount          int64     `json:"count"`
	TakerBuyVolume      float64   `json:"taker_buy_volume"`
	TakerBuyQuoteVolume float64   `json:"taker_buy_quote_volume"`
	Source              string    `json:"source,omitempty"`
}

// Gap is a half-open range [Start, End) with no data.
type Gap struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Bars  int       `json:"bars"`
}

// KlinesResponse is the body of GET /api/v1/klines.
type KlinesResponse struct {
	Symbol   string  `json:"symbol"`
	Interval string  `json:"interval"`
	Market   string  `json:"market"`
	Klines   []Kline `json:"klines"`
	Gaps     []Gap   `json:"gaps,omitempty"`
}

// ErrorResponse is the body of every non-2xx answer. Gaps is set when a
// strict request could not be satisfied.
type ErrorResponse struct {
	Error string `json:"error"`
	Gaps  []Gap  `json:"gaps,omitempty"`
}

// Entry describes one cached day.
type Entry struct {
	Date              string    `json:"date"`
	Records           int       `json:"records"`
	Bytes             int64     `json:"bytes"`
	Complete          bool      `json:"complete"`
	NeedsRevalidation bool      `json:"needs_revalidation"`
	LastUpdated       time.Time `json:"last_updated"`
}

// ChecksumFailure is one recorded archive verification failure.
type ChecksumFailure struct {
	ID         string    `json:"id"`
	Key        string    `json:"key"`
	Date       string    `json:"date"`
	URL        string    `json:"url"`
	Expected   string    `json:"expected"`
	Actual     string    `json:"actual"`
	Action     string    `json:"action"`
	RecordedAt time.Time `json:"recorded_at"`
}
