// Package klinecache is a Go client for the kline-server query API.
package klinecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client provides a Go SDK for interacting with the kline-server API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new kline-server API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

// KlinesQuery selects a series and window. Market defaults to spot on the
// server.
type KlinesQuery struct {
	Symbol         string
	Interval       string
	Market         string
	Start, End     time.Time
	Strict         bool
	Provenance     bool
	Interpolate    bool
	NoLiveFallback bool
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Message    string
	Gaps       []Gap
}

func (e *APIError) Error() string {
	return fmt.Sprintf("kline-server: %d %s", e.StatusCode, e.Message)
}

// GetKlines retrieves bars for q.
func (c *Client) GetKlines(ctx context.Context, q KlinesQuery) (*KlinesResponse, error) {
	v := url.Values{}
	v.Set("symbol", q.Symbol)
	v.Set("interval", q.Interval)
	if q.Market != "" {
		v.Set("market", q.Market)
	}
	v.Set("start", q.Start.UTC().Format(time.RFC3339Nano))
	if !q.End.IsZero() {
		v.Set("end", q.End.UTC().Format(time.RFC3339Nano))
	}
	for name, on := range map[string]bool{
		"strict":           q.Strict,
		"provenance":       q.Provenance,
		"interpolate":      q.Interpolate,
		"no_live_fallback": q.NoLiveFallback,
	} {
		if on {
			v.Set(name, "true")
		}
	}

	var out KlinesResponse
	if err := c.get(ctx, "/api/v1/klines?"+v.Encode(), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetSymbols lists the symbols cached for market.
func (c *Client) GetSymbols(ctx context.Context, market string) ([]string, error) {
	var out []string
	err := c.get(ctx, "/api/v1/symbols?market="+url.QueryEscape(market), &out)
	return out, err
}

// GetChecksumFailures returns the most recent recorded failures.
func (c *Client) GetChecksumFailures(ctx context.Context, limit int) ([]ChecksumFailure, error) {
	var out []ChecksumFailure
	err := c.get(ctx, "/api/v1/checksum-failures?limit="+strconv.Itoa(limit), &out)
	return out, err
}

func (c *Client) get(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var er ErrorResponse
		if json.Unmarshal(body, &er) == nil && er.Error != "" {
			apiErr.Message, apiErr.Gaps = er.Error, er.Gaps
		} else {
			apiErr.Message = strings.TrimSpace(string(body))
		}
		return apiErr
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}

// IsDataUnavailable reports whether err is a strict request that left gaps.
func IsDataUnavailable(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound && len(apiErr.Gaps) > 0
}
