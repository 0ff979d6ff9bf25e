package live

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"klinecache/internal/domain"
	"klinecache/internal/download"
	"klinecache/internal/source"
)

// Getter fetches a small response body under a retry policy.
type Getter interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

var _ Getter = (*download.Downloader)(nil)

// RESTPageFetcher reads Binance-style kline pages: a JSON array of rows,
// each row twelve mixed number/string values with millisecond timestamps.
type RESTPageFetcher struct {
	get       Getter
	endpoints map[domain.MarketType]string
}

// NewRESTPageFetcher creates a page fetcher. endpoints overrides the
// market defaults from domain.MarketInfo.
func NewRESTPageFetcher(get Getter, endpoints map[domain.MarketType]string) *RESTPageFetcher {
	return &RESTPageFetcher{get: get, endpoints: endpoints}
}

func (r *RESTPageFetcher) endpoint(m domain.MarketType) string {
	if ep, ok := r.endpoints[m]; ok && ep != "" {
		return ep
	}
	return m.Info().LiveEndpoint
}

// PageURL builds the request URL. The upstream end bound is inclusive, so
// one millisecond is taken off the half-open end.
func (r *RESTPageFetcher) PageURL(req PageRequest) (string, error) {
	ep := r.endpoint(req.Key.Market)
	if ep == "" {
		return "", fmt.Errorf("%w: no REST endpoint for market %s", domain.ErrUnsupported, req.Key.Market)
	}
	q := url.Values{}
	q.Set("symbol", normSymbol(req.Key.Symbol))
	q.Set("interval", string(req.Key.Interval))
	q.Set("startTime", strconv.FormatInt(req.Start.UnixMilli(), 10))
	q.Set("endTime", strconv.FormatInt(req.End.UnixMilli()-1, 10))
	q.Set("limit", strconv.Itoa(req.Limit))
	return ep + "?" + q.Encode(), nil
}

// FetchPage implements PageFetcher. 400 and 404 map to domain.ErrNotFound,
// since the upstream answers an unknown symbol with 400.
func (r *RESTPageFetcher) FetchPage(ctx context.Context, req PageRequest) ([]domain.Bar, error) {
	u, err := r.PageURL(req)
	if err != nil {
		return nil, err
	}
	body, err := r.get.Fetch(ctx, u)
	if err != nil {
		if download.StatusCode(err) == http.StatusBadRequest {
			return nil, fmt.Errorf("%w: %w", domain.ErrNotFound, err)
		}
		return nil, err
	}

	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("%w: decoding page: %w", domain.ErrParse, err)
	}
	bars := make([]domain.Bar, 0, len(rows))
	for i, row := range rows {
		fields, err := source.JSONRowFields(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		b, err := source.ParseRow(fields, source.Millis)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		bars = append(bars, b)
	}
	return bars, nil
}
