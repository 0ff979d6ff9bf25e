package live

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"klinecache/internal/domain"
)

// AlpacaPageFetcher serves the alpaca-crypto market from the Alpaca
// market-data API.
type AlpacaPageFetcher struct {
	client *marketdata.Client
}

// NewAlpacaPageFetcher creates a page fetcher with the given Alpaca
// credentials. dataURL may be empty to use the SDK default.
func NewAlpacaPageFetcher(apiKey, apiSecret, dataURL string) *AlpacaPageFetcher {
	opts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		opts.BaseURL = dataURL
	}
	return &AlpacaPageFetcher{client: marketdata.NewClient(opts)}
}

// alpacaTimeFrame maps an interval to an Alpaca time frame.
func alpacaTimeFrame(iv domain.Interval) (marketdata.TimeFrame, error) {
	d := iv.Duration()
	switch {
	case d >= time.Hour && d < 24*time.Hour:
		return marketdata.NewTimeFrame(int(d/time.Hour), marketdata.Hour), nil
	case d >= time.Minute && d < time.Hour:
		return marketdata.NewTimeFrame(int(d/time.Minute), marketdata.Min), nil
	}
	return marketdata.TimeFrame{}, fmt.Errorf("%w: interval %s on alpaca", domain.ErrUnsupported, iv)
}

// FetchPage implements PageFetcher. The SDK follows Alpaca's own page
// tokens internally; TotalLimit caps the rows returned to req.Limit.
func (a *AlpacaPageFetcher) FetchPage(ctx context.Context, req PageRequest) ([]domain.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tf, err := alpacaTimeFrame(req.Key.Interval)
	if err != nil {
		return nil, err
	}

	// Alpaca's end bound is inclusive.
	bars, err := a.client.GetCryptoBars(normSymbol(req.Key.Symbol), marketdata.GetCryptoBarsRequest{
		TimeFrame:  tf,
		Start:      req.Start,
		End:        req.End.Add(-time.Microsecond),
		TotalLimit: req.Limit,
	})
	if err != nil {
		if strings.Contains(err.Error(), "404") {
			return nil, fmt.Errorf("%w: GetCryptoBars: %w", domain.ErrNotFound, err)
		}
		return nil, fmt.Errorf("%w: GetCryptoBars: %w", domain.ErrNetwork, err)
	}

	out := make([]domain.Bar, 0, len(bars))
	for _, cb := range bars {
		out = append(out, domain.Bar{
			OpenTime:    cb.Timestamp.UTC(),
			Open:        cb.Open,
			High:        cb.High,
			Low:         cb.Low,
			Close:       cb.Close,
			Volume:      cb.Volume,
			QuoteVolume: cb.VWAP * cb.Volume,
			TradeCount:  int64(cb.TradeCount),
		})
	}
	return out, nil
}

func normSymbol(s string) string { return strings.ToUpper(strings.TrimSpace(s)) }
