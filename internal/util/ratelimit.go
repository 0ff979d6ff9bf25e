package util

import (
	"golang.org/x/time/rate"
)

// NewRateLimiter creates a token-bucket limiter that allows perMinute
// operations per minute with a burst of one. A non-positive perMinute
// disables limiting.
func NewRateLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), 1)
}
