package gather

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const progressFile = ".backfill-completed"

// progressTracker records backfill chunks that are fully cached and will
// not change upstream any more, so restarts can skip them without opening
// the index.
type progressTracker struct {
	mu        sync.Mutex
	completed map[string]struct{}
	writer    *bufio.Writer
	file      *os.File
	dir       string
}

// newProgressTracker creates a tracker rooted at dir and loads any existing
// completed entries.
func newProgressTracker(dir string) (*progressTracker, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating progress dir: %w", err)
	}

	pt := &progressTracker{
		completed: make(map[string]struct{}),
		dir:       dir,
	}

	path := filepath.Join(dir, progressFile)
	data, err := os.ReadFile(path)
	if err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			if id := strings.TrimSpace(line); id != "" {
				pt.completed[id] = struct{}{}
			}
		}
	}

	if err := pt.open(); err != nil {
		return nil, err
	}
	return pt, nil
}

func (p *progressTracker) open() error {
	f, err := os.OpenFile(filepath.Join(p.dir, progressFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening %s: %w", progressFile, err)
	}
	p.file = f
	p.writer = bufio.NewWriter(f)
	return nil
}

// IsCompleted reports whether the chunk id was marked completed.
func (p *progressTracker) IsCompleted(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.completed[id]
	return ok
}

// MarkCompleted appends id and flushes.
func (p *progressTracker) MarkCompleted(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.completed[id]; ok {
		return nil
	}
	p.completed[id] = struct{}{}
	if _, err := p.writer.WriteString(id + "\n"); err != nil {
		return fmt.Errorf("writing to %s: %w", progressFile, err)
	}
	return p.writer.Flush()
}

// Reset forgets every completed chunk.
func (p *progressTracker) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.file != nil {
		p.file.Close()
	}
	p.completed = make(map[string]struct{})
	os.Remove(filepath.Join(p.dir, progressFile))
	return p.open()
}

// Close flushes and closes the progress file.
func (p *progressTracker) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writer != nil {
		p.writer.Flush()
	}
	if p.file != nil {
		return p.file.Close()
	}
	return nil
}
