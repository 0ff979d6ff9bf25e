package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"klinecache/internal/domain"
	"klinecache/internal/gather"
	"klinecache/pkg/klinecache"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// handleKlines serves GET /api/v1/klines?symbol=&interval=&market=&start=&end=
// with optional strict, provenance, interpolate and no_live_fallback flags.
func (s *Server) handleKlines(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key, err := parseKey(q.Get("symbol"), q.Get("interval"), q.Get("market"))
	if err != nil {
		writeError(w, http.StatusBadRequest, klinecache.ErrorResponse{Error: err.Error()})
		return
	}
	start, err := parseTime(q.Get("start"))
	if err != nil {
		writeError(w, http.StatusBadRequest, klinecache.ErrorResponse{Error: "start: " + err.Error()})
		return
	}
	end := time.Now().UTC()
	if v := q.Get("end"); v != "" {
		if end, err = parseTime(v); err != nil {
			writeError(w, http.StatusBadRequest, klinecache.ErrorResponse{Error: "end: " + err.Error()})
			return
		}
	}

	opts := s.defaults
	opts.Strict = queryBool(q.Get("strict"), opts.Strict)
	opts.Provenance = queryBool(q.Get("provenance"), opts.Provenance)
	opts.Interpolate = queryBool(q.Get("interpolate"), opts.Interpolate)
	opts.NoLiveFallback = queryBool(q.Get("no_live_fallback"), opts.NoLiveFallback)

	series, gaps, err := s.klines.Get(r.Context(), gather.Request{Key: key, Start: start, End: end, Options: opts})
	if err != nil {
		var du *domain.DataUnavailableError
		switch {
		case errors.As(err, &du):
			writeError(w, http.StatusNotFound, klinecache.ErrorResponse{Error: err.Error(), Gaps: toGaps(du.Gaps, key.Interval)})
		case errors.Is(err, domain.ErrInvalidRange), errors.Is(err, domain.ErrUnsupported):
			writeError(w, http.StatusBadRequest, klinecache.ErrorResponse{Error: err.Error()})
		case r.Context().Err() != nil:
			// Client went away.
		default:
			s.log.Error("klines request failed", "key", key.String(), "error", err)
			writeError(w, http.StatusInternalServerError, klinecache.ErrorResponse{Error: err.Error()})
		}
		return
	}

	resp := klinecache.KlinesResponse{
		Symbol:   key.Symbol,
		Interval: string(key.Interval),
		Market:   string(key.Market),
		Klines:   make([]klinecache.Kline, 0, series.Len()),
		Gaps:     toGaps(gaps, key.Interval),
	}
	for _, b := range series.Bars {
		resp.Klines = append(resp.Klines, klinecache.Kline{
			OpenTime:            b.OpenTime,
			Open:                b.Open,
			High:                b.High,
			Low:                 b.Low,
			Close:               b.Close,
			Volume:              b.Volume,
			CloseTime:           b.CloseTime(key.Interval),
			QuoteVolume:         b.QuoteVolume,
			TradeCount:          b.TradeCount,
			TakerBuyVolume:      b.TakerBuyVolume,
			TakerBuyQuoteVolume: b.TakerBuyQuoteVolume,
			Source:              string(b.Source),
		})
	}
	writeJSON(w, resp)
}

// handleSymbols serves GET /api/v1/symbols?market=.
func (s *Server) handleSymbols(w http.ResponseWriter, r *http.Request) {
	market, err := parseMarket(r.URL.Query().Get("market"))
	if err != nil {
		writeError(w, http.StatusBadRequest, klinecache.ErrorResponse{Error: err.Error()})
		return
	}
	symbols, err := s.catalog.ListSymbols(r.Context(), market)
	if err != nil {
		writeError(w, http.StatusInternalServerError, klinecache.ErrorResponse{Error: err.Error()})
		return
	}
	if symbols == nil {
		symbols = []string{}
	}
	writeJSON(w, symbols)
}

// handleEntries serves GET /api/v1/entries?symbol=&interval=&market=&from=&to=.
func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key, err := parseKey(q.Get("symbol"), q.Get("interval"), q.Get("market"))
	if err != nil {
		writeError(w, http.StatusBadRequest, klinecache.ErrorResponse{Error: err.Error()})
		return
	}
	from, to := time.Unix(0, 0).UTC(), time.Now().UTC()
	if v := q.Get("from"); v != "" {
		if from, err = parseTime(v); err != nil {
			writeError(w, http.StatusBadRequest, klinecache.ErrorResponse{Error: "from: " + err.Error()})
			return
		}
	}
	if v := q.Get("to"); v != "" {
		if to, err = parseTime(v); err != nil {
			writeError(w, http.StatusBadRequest, klinecache.ErrorResponse{Error: "to: " + err.Error()})
			return
		}
	}

	entries, err := s.catalog.Entries(r.Context(), key, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, klinecache.ErrorResponse{Error: err.Error()})
		return
	}
	out := make([]klinecache.Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, klinecache.Entry{
			Date:              e.Date.Format("2006-01-02"),
			Records:           e.RecordCount,
			Bytes:             e.ByteSize,
			Complete:          e.Complete(),
			NeedsRevalidation: e.NeedsRevalidation,
			LastUpdated:       e.LastUpdated,
		})
	}
	writeJSON(w, out)
}

// handleChecksumFailures serves GET /api/v1/checksum-failures?limit=.
func (s *Server) handleChecksumFailures(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, klinecache.ErrorResponse{Error: fmt.Sprintf("invalid limit %q", v)})
			return
		}
		limit = n
	}
	failures, err := s.failures.ChecksumFailures(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, klinecache.ErrorResponse{Error: err.Error()})
		return
	}
	out := make([]klinecache.ChecksumFailure, 0, len(failures))
	for _, f := range failures {
		out = append(out, klinecache.ChecksumFailure{
			ID:         f.ID,
			Key:        f.Key.String(),
			Date:       f.Date.Format("2006-01-02"),
			URL:        f.URL,
			Expected:   f.Expected,
			Actual:     f.Actual,
			Action:     string(f.Action),
			RecordedAt: f.RecordedAt,
		})
	}
	writeJSON(w, out)
}

func parseMarket(s string) (domain.MarketType, error) {
	if s == "" {
		return domain.MarketSpot, nil
	}
	return domain.ParseMarketType(s)
}

func parseKey(symbol, interval, market string) (domain.Key, error) {
	m, err := parseMarket(market)
	if err != nil {
		return domain.Key{}, err
	}
	iv, err := domain.ParseInterval(interval)
	if err != nil {
		return domain.Key{}, err
	}
	k := domain.Key{Symbol: symbol, Interval: iv, Market: m}
	return k, k.Validate()
}

// parseTime accepts RFC 3339, a bare date or epoch milliseconds.
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("unrecognized time %q", s)
	}
	return time.UnixMilli(ms).UTC(), nil
}

func queryBool(v string, def bool) bool {
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func toGaps(gaps []domain.Gap, iv domain.Interval) []klinecache.Gap {
	if len(gaps) == 0 {
		return nil
	}
	out := make([]klinecache.Gap, len(gaps))
	for i, g := range gaps {
		out[i] = klinecache.Gap{Start: g.Start, End: g.End, Bars: g.Bars(iv)}
	}
	return out
}
