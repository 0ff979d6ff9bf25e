package download

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"klinecache/internal/domain"
)

// baseTransportConfig returns the shared HTTP transport configuration used
// by archive downloads and live page requests.
func baseTransportConfig() *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ResponseHeaderTimeout: 60 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   16,
	}
}

// NewHTTPClient creates an HTTP client with the shared transport. Per-request
// deadlines come from contexts, so timeout only bounds a whole exchange as a
// last resort.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: baseTransportConfig(),
		Timeout:   timeout,
	}
}

// StatusError is a non-success HTTP status that does not map to one of the
// domain sentinels.
type StatusError struct {
	URL  string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("GET %s: status %d", e.URL, e.Code)
	}
	return fmt.Sprintf("GET %s: status %d: %s", e.URL, e.Code, e.Body)
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

// classifyResponse maps a response status to the error taxonomy. It returns
// nil for 2xx. The body is not consumed on success.
func classifyResponse(url string, resp *http.Response) error {
	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, url)
	// 418 is the exchange's escalation of 429 once an IP is banned.
	case code == http.StatusTooManyRequests || code == http.StatusTeapot:
		return &domain.RateLimitError{RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())}
	case code >= 500:
		return fmt.Errorf("%w: %s: status %d", domain.ErrNetwork, url, code)
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{URL: url, Code: code, Body: strings.TrimSpace(string(body))}
}

// ParseRetryAfter parses a Retry-After header given either as seconds or as
// an HTTP date. It returns 0 when the header is absent or unparseable.
func ParseRetryAfter(header string, now time.Time) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
