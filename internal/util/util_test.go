package util

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"klinecache/internal/domain"
)

func TestRetryPolicy(t *testing.T) {
	attempts := 0
	targetAttempts := 3

	p := RetryPolicy{MaxAttempts: 5, NewBackOff: ExponentialBackOff(0, 0)}
	err := p.Do(context.Background(), func(context.Context) error {
		attempts++
		if attempts < targetAttempts {
			return domain.ErrNetwork
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Do returned unexpected error: %v", err)
	}
	if attempts != targetAttempts {
		t.Errorf("Do called fn %d times, want %d", attempts, targetAttempts)
	}
}

func TestRetryPolicyAllFail(t *testing.T) {
	attempts := 0
	maxAttempts := 3

	p := RetryPolicy{MaxAttempts: maxAttempts, NewBackOff: ExponentialBackOff(0, 0)}
	err := p.Do(context.Background(), func(context.Context) error {
		attempts++
		return domain.ErrStalled
	})

	if !errors.Is(err, domain.ErrStalled) {
		t.Fatalf("Do error = %v, want wrapped ErrStalled", err)
	}
	if attempts != maxAttempts {
		t.Errorf("Do called fn %d times, want %d", attempts, maxAttempts)
	}
}

func TestRetryPolicyTerminal(t *testing.T) {
	attempts := 0
	p := RetryPolicy{MaxAttempts: 5, NewBackOff: ExponentialBackOff(0, 0)}
	err := p.Do(context.Background(), func(context.Context) error {
		attempts++
		return domain.ErrNotFound
	})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Do error = %v, want ErrNotFound", err)
	}
	if attempts != 1 {
		t.Errorf("NotFound retried: %d attempts", attempts)
	}
}

func TestRetryPolicyRetryAfter(t *testing.T) {
	var waits []time.Duration
	p := RetryPolicy{
		MaxAttempts: 3,
		NewBackOff:  ExponentialBackOff(time.Hour, time.Hour),
		OnRetry: func(_ int, _ error, wait time.Duration) {
			waits = append(waits, wait)
		},
	}
	attempts := 0
	err := p.Do(context.Background(), func(context.Context) error {
		attempts++
		if attempts == 1 {
			return &domain.RateLimitError{RetryAfter: time.Millisecond}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if len(waits) != 1 || waits[0] != time.Millisecond {
		t.Errorf("waits = %v, want [1ms] (Retry-After overrides backoff)", waits)
	}
}

func TestExponentialBackOffCap(t *testing.T) {
	b := ExponentialBackOff(4*time.Second, 60*time.Second)()
	want := []time.Duration{4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second, 60 * time.Second, 60 * time.Second}
	for i, w := range want {
		if got := b.NextBackOff(); got != w {
			t.Errorf("step %d: got %v, want %v", i, got, w)
		}
	}
}

func TestRateLimiterNew(t *testing.T) {
	rl := NewRateLimiter(60)
	if rl == nil {
		t.Fatal("NewRateLimiter returned nil")
	}
	if err := rl.Wait(context.Background()); err != nil {
		t.Fatalf("first Wait should not block: %v", err)
	}
	if NewRateLimiter(0).Limit() <= 0 {
		t.Error("non-positive rate should disable limiting")
	}
}

func TestFloorCeilProperties(t *testing.T) {
	intervals := []domain.Interval{domain.Interval1s, domain.Interval1m, domain.Interval15m, domain.Interval4h, domain.Interval1d}
	instants := []time.Time{
		time.Date(2023, 1, 15, 0, 0, 0, 500_000_000, time.UTC),
		time.Date(2023, 12, 31, 23, 59, 59, 999_999_000, time.UTC),
		time.Date(2024, 2, 29, 13, 7, 0, 0, time.UTC),
		time.Date(1969, 12, 31, 23, 0, 30, 0, time.UTC),
	}
	for _, iv := range intervals {
		d := iv.Duration()
		for _, ts := range instants {
			f := Floor(ts, iv)
			if f.After(ts) || !ts.Before(f.Add(d)) {
				t.Errorf("Floor(%v, %s) = %v violates floor <= t < floor+I", ts, iv, f)
			}
			c := Ceil(ts, iv)
			if c.Before(ts) || !c.Add(-d).Before(ts) {
				t.Errorf("Ceil(%v, %s) = %v violates ceil >= t > ceil-I", ts, iv, c)
			}
		}
	}

	aligned := time.Date(2024, 1, 1, 4, 0, 0, 0, time.UTC)
	if !Ceil(aligned, domain.Interval4h).Equal(aligned) {
		t.Error("Ceil of an aligned instant must equal Floor")
	}
}

func TestAlignWindow(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	// Scenario: 1s bars, sub-second fragments truncated on both ends.
	w, err := AlignWindow(
		time.Date(2023, 1, 15, 0, 0, 0, 500_000_000, time.UTC),
		time.Date(2023, 1, 15, 0, 0, 10, 500_000_000, time.UTC),
		domain.Interval1s, now)
	if err != nil {
		t.Fatalf("AlignWindow: %v", err)
	}
	if !w.Start.Equal(time.Date(2023, 1, 15, 0, 0, 0, 0, time.UTC)) ||
		!w.End.Equal(time.Date(2023, 1, 15, 0, 0, 10, 0, time.UTC)) {
		t.Errorf("AlignWindow = %v..%v", w.Start, w.End)
	}

	// Future end is rejected.
	if _, err := AlignWindow(now.Add(-time.Hour), now.Add(time.Minute), domain.Interval1m, now); !errors.Is(err, domain.ErrInvalidRange) {
		t.Errorf("future end error = %v, want ErrInvalidRange", err)
	}

	// Misordered window is rejected.
	if _, err := AlignWindow(now.Add(-time.Minute), now.Add(-time.Hour), domain.Interval1m, now); !errors.Is(err, domain.ErrInvalidRange) {
		t.Errorf("misordered error = %v, want ErrInvalidRange", err)
	}

	// Zero-width after alignment is empty, not an error.
	w, err = AlignWindow(now.Add(-50*time.Second), now.Add(-40*time.Second), domain.Interval1h, now)
	if err != nil || !w.Empty() {
		t.Errorf("zero-width window = %v, %v; want empty, nil", w, err)
	}
}

func TestAlignWindowNeverReturnsOpenBar(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC)
	for _, iv := range []domain.Interval{domain.Interval1m, domain.Interval1h, domain.Interval4h, domain.Interval1d} {
		w, err := AlignWindow(now.Add(-72*time.Hour), now, iv, now)
		if err != nil {
			t.Fatalf("%s: %v", iv, err)
		}
		if w.Empty() {
			continue
		}
		last := w.End.Add(-iv.Duration())
		if now.Before(BarCloseTime(last, iv)) {
			t.Errorf("%s: last bar %v still open at %v", iv, last, now)
		}
	}
}

func TestDaysSpanned(t *testing.T) {
	w := domain.Window{
		Start: time.Date(2023, 12, 31, 22, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC),
	}
	days := DaysSpanned(w)
	if len(days) != 2 {
		t.Fatalf("DaysSpanned = %v, want 2 days across the year boundary", days)
	}
	dw := DayWindow(w, days[1])
	if !dw.Start.Equal(days[1]) || !dw.End.Equal(w.End) {
		t.Errorf("DayWindow = %v", dw)
	}

	// A window ending exactly at midnight does not span the next day.
	w.End = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if n := len(DaysSpanned(w)); n != 1 {
		t.Errorf("DaysSpanned with midnight end = %d days, want 1", n)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{" WARN ", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewLoggerWithOptionsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "klinecache.log")
	logger, closer := NewLoggerWithOptions(LogOptions{Level: "warn", Format: "text", File: path, MaxSizeMB: 1})

	logger.Info("dropped")
	logger.Warn("kept", "key", "spot/BTCUSDT/1h")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	out := string(data)
	if strings.Contains(out, "dropped") {
		t.Error("info record written at warn level")
	}
	if !strings.Contains(out, "msg=kept") || !strings.Contains(out, "key=spot/BTCUSDT/1h") {
		t.Errorf("log file = %q", out)
	}
}

func TestFileSHA256(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	if err := os.WriteFile(path, []byte("abc"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := FileSHA256(path)
	if err != nil {
		t.Fatal(err)
	}
	if want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"; got != want {
		t.Errorf("FileSHA256 = %s, want %s", got, want)
	}
}
