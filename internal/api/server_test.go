package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"klinecache/internal/domain"
	"klinecache/internal/gather"
	"klinecache/pkg/klinecache"
)

type fakeGetter struct {
	last gather.Request
	gaps []domain.Gap
	err  error
}

func (f *fakeGetter) Get(_ context.Context, req gather.Request) (domain.Series, []domain.Gap, error) {
	f.last = req
	s := domain.Series{Key: req.Key}
	step := req.Key.Interval.Duration()
	for t := req.Start; t.Before(req.End); t = t.Add(step) {
		s.Bars = append(s.Bars, domain.Bar{OpenTime: t, Open: 1, High: 2, Low: 1, Close: 2, Volume: 1, Source: domain.SourceLive})
	}
	return s, f.gaps, f.err
}

type fakeCatalog struct{}

func (fakeCatalog) ListSymbols(context.Context, domain.MarketType) ([]string, error) {
	return []string{"BTCUSDT", "ETHUSDT"}, nil
}

func (fakeCatalog) Entries(_ context.Context, key domain.Key, from, _ time.Time) ([]domain.CacheEntry, error) {
	return []domain.CacheEntry{{Key: key, Date: from, RecordCount: 24, Final: true}}, nil
}

func (fakeCatalog) ChecksumFailures(context.Context, int) ([]domain.ChecksumFailure, error) {
	return []domain.ChecksumFailure{{ID: "f1", Action: domain.ChecksumDiscarded}}, nil
}

func newTestServer(g *fakeGetter) http.Handler {
	return NewServer(g, fakeCatalog{}, fakeCatalog{}, gather.Options{}, nil).Handler()
}

func TestHandleKlines(t *testing.T) {
	g := &fakeGetter{}
	h := newTestServer(g)

	req := httptest.NewRequest("GET", "/api/v1/klines?symbol=btcusdt&interval=1h&start=2024-01-01&end=2024-01-01T03:00:00Z&provenance=true", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp klinecache.KlinesResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Klines) != 3 {
		t.Fatalf("got %d klines, want 3", len(resp.Klines))
	}
	if resp.Market != "spot" || resp.Interval != "1h" {
		t.Errorf("key echoed as %s %s", resp.Market, resp.Interval)
	}
	if resp.Klines[0].Source != "LIVE" {
		t.Errorf("source = %q", resp.Klines[0].Source)
	}
	wantClose := time.Date(2024, 1, 1, 0, 59, 59, 999_999_000, time.UTC)
	if !resp.Klines[0].CloseTime.Equal(wantClose) {
		t.Errorf("close_time = %v, want %v", resp.Klines[0].CloseTime, wantClose)
	}
	if !g.last.Provenance || g.last.Strict {
		t.Errorf("options not parsed: %+v", g.last.Options)
	}
}

func TestHandleKlinesStrict(t *testing.T) {
	gap := domain.Gap{Start: time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC), End: time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC)}
	key := domain.Key{Symbol: "BTCUSDT", Interval: domain.Interval1h, Market: domain.MarketSpot}
	g := &fakeGetter{gaps: []domain.Gap{gap}, err: &domain.DataUnavailableError{Key: key, Gaps: []domain.Gap{gap}}}
	h := newTestServer(g)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/klines?symbol=BTCUSDT&interval=1h&start=2024-01-01&end=2024-01-02&strict=1", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	var er klinecache.ErrorResponse
	json.Unmarshal(rec.Body.Bytes(), &er)
	if len(er.Gaps) != 1 || er.Gaps[0].Bars != 1 {
		t.Errorf("gaps = %+v", er.Gaps)
	}
}

func TestHandleKlinesBadRequest(t *testing.T) {
	h := newTestServer(&fakeGetter{})
	for _, url := range []string{
		"/api/v1/klines?symbol=BTCUSDT&interval=7m&start=2024-01-01",
		"/api/v1/klines?symbol=BTCUSDT&interval=1h&market=options&start=2024-01-01",
		"/api/v1/klines?symbol=BTCUSDT&interval=1h&start=yesterday",
		"/api/v1/klines?symbol=BTCUSD&interval=1d&market=alpaca&start=2024-01-01",
	} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", url, nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", url, rec.Code)
		}
	}
}

func TestHandleCatalog(t *testing.T) {
	h := newTestServer(&fakeGetter{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/symbols?market=um", nil))
	var symbols []string
	json.Unmarshal(rec.Body.Bytes(), &symbols)
	if len(symbols) != 2 {
		t.Errorf("symbols = %v", symbols)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/entries?symbol=BTCUSDT&interval=1h&from=2024-01-01&to=2024-01-02", nil))
	var entries []klinecache.Entry
	json.Unmarshal(rec.Body.Bytes(), &entries)
	if len(entries) != 1 || !entries[0].Complete || entries[0].Date != "2024-01-01" {
		t.Errorf("entries = %+v", entries)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/checksum-failures?limit=0", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("limit=0 status = %d, want 400", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/checksum-failures", nil))
	var failures []klinecache.ChecksumFailure
	json.Unmarshal(rec.Body.Bytes(), &failures)
	if len(failures) != 1 || failures[0].Action != "discarded" {
		t.Errorf("failures = %+v", failures)
	}
}

func TestParseTime(t *testing.T) {
	want := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, in := range []string{"2024-01-01", "2024-01-01T00:00:00Z", "2024-01-01T08:00:00+08:00", "1704067200000"} {
		got, err := parseTime(in)
		if err != nil || !got.Equal(want) {
			t.Errorf("parseTime(%q) = %v, %v", in, got, err)
		}
	}
}
