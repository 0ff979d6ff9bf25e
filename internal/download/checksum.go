package download

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"klinecache/internal/domain"
	"klinecache/internal/util"
)

// FailureRecorder receives checksum failure records.
type FailureRecorder interface {
	RecordChecksumFailure(ctx context.Context, f domain.ChecksumFailure) error
}

// FileSHA256 returns the lowercase hex SHA-256 of the file at path.
func FileSHA256(path string) (string, error) {
	return util.FileSHA256(path)
}

// ParseChecksumFile parses a companion checksum file of the form
// "<hex digest> [filename]". Only the first line is considered.
func ParseChecksumFile(data []byte) (sum, filename string, err error) {
	line, _, _ := strings.Cut(string(data), "\n")
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", "", fmt.Errorf("%w: empty checksum file", domain.ErrParse)
	}
	sum = strings.ToLower(fields[0])
	if len(sum) != 64 {
		return "", "", fmt.Errorf("%w: checksum %q is not a SHA-256 digest", domain.ErrParse, fields[0])
	}
	if _, err := hex.DecodeString(sum); err != nil {
		return "", "", fmt.Errorf("%w: checksum %q: %w", domain.ErrParse, fields[0], err)
	}
	if len(fields) > 1 {
		// sha256sum marks binary mode with a leading '*'.
		filename = strings.TrimPrefix(fields[1], "*")
	}
	return sum, filename, nil
}

// Verifier checks archives against their companion checksum files and
// records every mismatch.
type Verifier struct {
	log    FailureRecorder
	now    func() time.Time
	logger *slog.Logger
}

// NewVerifier creates a Verifier writing failures to rec. rec may be nil, in
// which case failures are only logged.
func NewVerifier(rec FailureRecorder, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{log: rec, now: time.Now, logger: logger.With("component", "checksum")}
}

// Verify compares the SHA-256 of archivePath with the digest in
// checksumPath. On mismatch it records rec, completed with the digests, a
// fresh ID and the current time, and returns an error wrapping
// domain.ErrChecksumMismatch. rec.Action tells the log what the caller will
// do with the archive.
func (v *Verifier) Verify(ctx context.Context, rec domain.ChecksumFailure, archivePath, checksumPath string) error {
	data, err := os.ReadFile(checksumPath)
	if err != nil {
		return err
	}
	expected, _, err := ParseChecksumFile(data)
	if err != nil {
		return err
	}
	actual, err := FileSHA256(archivePath)
	if err != nil {
		return err
	}
	if actual == expected {
		return nil
	}

	rec.ID = uuid.NewString()
	rec.Expected = expected
	rec.Actual = actual
	rec.RecordedAt = v.now().UTC()
	if rec.Action == "" {
		rec.Action = domain.ChecksumDiscarded
	}

	v.logger.Warn("checksum mismatch",
		"key", rec.Key.String(), "date", rec.Date.Format("2006-01-02"), "url", rec.URL,
		"expected", expected, "actual", actual, "action", string(rec.Action), "failure_id", rec.ID)
	if v.log != nil {
		if err := v.log.RecordChecksumFailure(ctx, rec); err != nil {
			v.logger.Error("recording checksum failure", "failure_id", rec.ID, "error", err)
		}
	}

	return fmt.Errorf("%w: %s: expected %s, got %s", domain.ErrChecksumMismatch, archivePath, expected, actual)
}
