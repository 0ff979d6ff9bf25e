package download

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"klinecache/internal/domain"
)

// countingReader counts bytes read through it.
type countingReader struct {
	r io.Reader
	n atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}

// watchStall cancels the attempt with domain.ErrStalled when fewer than
// minBytesPerSec*window bytes arrive during any window. It returns when ctx
// is done.
func watchStall(ctx context.Context, cancel context.CancelCauseFunc, cr *countingReader, window time.Duration, minBytesPerSec int64) {
	if window <= 0 || minBytesPerSec <= 0 {
		return
	}
	threshold := int64(float64(minBytesPerSec) * window.Seconds())

	ticker := time.NewTicker(window)
	defer ticker.Stop()

	var last int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			total := cr.n.Load()
			if got := total - last; got < threshold {
				cancel(fmt.Errorf("%w: %d bytes in %s, want at least %d", domain.ErrStalled, got, window, threshold))
				return
			}
			last = total
		}
	}
}
