// Package util provides shared helpers for logging, retries, rate limiting,
// and interval-boundary arithmetic.
package util

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogOptions configures NewLoggerWithOptions.
type LogOptions struct {
	Level  string // debug | info | warn | error
	Format string // json | text
	// File, when set, receives a copy of every record through a rotating
	// writer.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// ParseLevel converts a level name to slog.Level. Unknown names map to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLoggerWithOptions creates a logger writing to stdout and, optionally,
// a rotating log file. The returned closer releases the file; it is a no-op
// when no file is configured.
func NewLoggerWithOptions(opts LogOptions) (*slog.Logger, io.Closer) {
	var (
		w      io.Writer = os.Stdout
		closer io.Closer = nopCloser{}
	)
	if opts.File != "" {
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}
		w = io.MultiWriter(os.Stdout, lj)
		closer = lj
	}

	ho := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}
	var handler slog.Handler
	if strings.EqualFold(opts.Format, "text") {
		handler = slog.NewTextHandler(w, ho)
	} else {
		handler = slog.NewJSONHandler(w, ho)
	}
	return slog.New(handler), closer
}

// SetDefault configures the provided logger as the default slog logger.
func SetDefault(logger *slog.Logger) {
	slog.SetDefault(logger)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
