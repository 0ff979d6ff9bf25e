// Package download fetches remote files with retries, stall detection and
// atomic placement, and verifies archives against published checksums.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"klinecache/internal/domain"
	"klinecache/internal/util"
)

// maxFetchBytes bounds in-memory responses read by Fetch.
const maxFetchBytes = 64 << 20

// Options configures a Downloader. Zero values take the defaults noted on
// each field.
type Options struct {
	// Client defaults to NewHTTPClient(0).
	Client *http.Client
	// Policy defaults to util.DefaultRetryPolicy().
	Policy *util.RetryPolicy
	// StallWindow defaults to 5s.
	StallWindow time.Duration
	// MinBytesPerSec defaults to 1024.
	MinBytesPerSec int64
	// AttemptTimeout bounds one attempt; zero means no per-attempt limit.
	AttemptTimeout time.Duration
	UserAgent      string
	Logger         *slog.Logger
}

// Downloader performs HTTP GETs under a RetryPolicy.
type Downloader struct {
	client         *http.Client
	policy         util.RetryPolicy
	stallWindow    time.Duration
	minBytesPerSec int64
	attemptTimeout time.Duration
	userAgent      string
	log            *slog.Logger
}

// New creates a Downloader from opts.
func New(opts Options) *Downloader {
	d := &Downloader{
		client:         opts.Client,
		stallWindow:    opts.StallWindow,
		minBytesPerSec: opts.MinBytesPerSec,
		attemptTimeout: opts.AttemptTimeout,
		userAgent:      opts.UserAgent,
		log:            opts.Logger,
	}
	if d.client == nil {
		d.client = NewHTTPClient(0)
	}
	if opts.Policy != nil {
		d.policy = *opts.Policy
	} else {
		d.policy = util.DefaultRetryPolicy()
	}
	if d.stallWindow == 0 {
		d.stallWindow = 5 * time.Second
	}
	if d.minBytesPerSec == 0 {
		d.minBytesPerSec = 1024
	}
	if d.userAgent == "" {
		d.userAgent = "klinecache/1.0"
	}
	if d.log == nil {
		d.log = slog.Default()
	}
	d.log = d.log.With("component", "download")

	onRetry := d.policy.OnRetry
	d.policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		d.log.Warn("retrying", "attempt", attempt, "wait", wait, "error", err)
		if onRetry != nil {
			onRetry(attempt, err, wait)
		}
	}
	return d
}

// Download fetches url into dest. The body is written to a temporary file
// in dest's directory and renamed over dest only after a complete, synced
// transfer; on every failure the temporary file is removed and dest is left
// untouched.
func (d *Downloader) Download(ctx context.Context, url, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	reqID := uuid.NewString()
	start := time.Now()

	err := d.policy.Do(ctx, func(ctx context.Context) error {
		return d.attempt(ctx, url, reqID, func(body io.Reader) error {
			return writeAtomic(dest, body)
		})
	})
	if err != nil {
		d.log.Debug("download failed", "url", url, "request_id", reqID, "error", err)
		return err
	}
	d.log.Debug("downloaded", "url", url, "request_id", reqID, "elapsed", time.Since(start))
	return nil
}

// Fetch returns the body of url, read fully into memory, under the same
// retry policy and error classification as Download.
func (d *Downloader) Fetch(ctx context.Context, url string) ([]byte, error) {
	var data []byte
	err := d.policy.Do(ctx, func(ctx context.Context) error {
		return d.attempt(ctx, url, uuid.NewString(), func(body io.Reader) error {
			b, err := io.ReadAll(io.LimitReader(body, maxFetchBytes))
			if err != nil {
				return err
			}
			data = b
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// attempt performs one GET and hands the stall-watched body to consume.
func (d *Downloader) attempt(ctx context.Context, url, reqID string, consume func(io.Reader) error) error {
	if d.attemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.attemptTimeout)
		defer cancel()
	}
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("building request for %s: %w", url, err)
	}
	req.Header.Set("User-Agent", d.userAgent)
	req.Header.Set("X-Request-Id", reqID)

	resp, err := d.client.Do(req)
	if err != nil {
		return d.transportError(ctx, url, err)
	}
	defer resp.Body.Close()

	if err := classifyResponse(url, resp); err != nil {
		return err
	}

	cr := &countingReader{r: resp.Body}
	go watchStall(ctx, cancel, cr, d.stallWindow, d.minBytesPerSec)

	if err := consume(cr); err != nil {
		return d.transportError(ctx, url, err)
	}
	return nil
}

// transportError prefers the stall cause over the generic cancellation
// error and tags everything else as a network failure. Parent cancellation
// is returned unchanged.
func (d *Downloader) transportError(ctx context.Context, url string, err error) error {
	if cause := context.Cause(ctx); cause != nil && errors.Is(cause, domain.ErrStalled) {
		return fmt.Errorf("%s: %w", url, cause)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", domain.ErrNetwork, url, err)
}

// writeAtomic copies r to a temp file beside dest, syncs it and renames it
// into place.
func writeAtomic(dest string, r io.Reader) error {
	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return err
	}
	committed = true
	return nil
}
