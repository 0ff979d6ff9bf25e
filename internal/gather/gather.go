// Package gather resolves kline requests against the cache and the bulk and
// live sources, and runs cache-warming jobs on top of that.
package gather

import "context"

// Gatherer is the interface for long-running data gathering jobs.
type Gatherer interface {
	// Name returns the gatherer identifier.
	Name() string
	// Run gathers until done or until ctx is cancelled.
	Run(ctx context.Context) error
}
