package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNetwork is a retryable transport failure.
	ErrNetwork = errors.New("network error")
	// ErrNotFound means the upstream has no such object (unpublished date or
	// bad symbol). It is never retried.
	ErrNotFound = errors.New("not found")
	// ErrRateLimited means the upstream asked us to slow down.
	ErrRateLimited = errors.New("rate limited")
	// ErrStalled means a transfer fell below the minimum throughput.
	ErrStalled = errors.New("download stalled")
	// ErrChecksumMismatch means a downloaded archive failed verification.
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrParse means a record or file could not be decoded.
	ErrParse = errors.New("parse error")
	// ErrCacheCorrupt means a cache file failed its integrity checks.
	ErrCacheCorrupt = errors.New("cache corrupt")
	// ErrCacheMiss means no usable cache entry exists.
	ErrCacheMiss = errors.New("cache miss")
	// ErrInvalidRange means a misordered or future-dated window.
	ErrInvalidRange = errors.New("invalid range")
	// ErrDataUnavailable is returned in strict mode when gaps remain.
	ErrDataUnavailable = errors.New("data unavailable")
	// ErrUnsupported means the market does not serve the interval.
	ErrUnsupported = errors.New("unsupported")
)

// RateLimitError carries the server's requested wait.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// DataUnavailableError lists the sub-ranges that could not be resolved.
type DataUnavailableError struct {
	Key  Key
	Gaps []Gap
}

func (e *DataUnavailableError) Error() string {
	parts := make([]string, len(e.Gaps))
	for i, g := range e.Gaps {
		parts[i] = g.String()
	}
	return fmt.Sprintf("%s: %d unresolved gap(s): %s", e.Key, len(e.Gaps), strings.Join(parts, ", "))
}

func (e *DataUnavailableError) Unwrap() error { return ErrDataUnavailable }
