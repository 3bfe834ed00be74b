package collyfetcher

import (
	"errors"
	"math"
	"time"

	"github.com/JakeFAU/realtime-911/internal/incident"
)

// RetryPolicy retries transient fetch failures with capped exponential backoff.
type RetryPolicy struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// NewRetryPolicy builds a policy; zero values fall back to 3 retries, 1s base, 60s cap.
func NewRetryPolicy(maxRetries int, baseDelay, maxDelay time.Duration) *RetryPolicy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	if maxDelay <= 0 {
		maxDelay = 60 * time.Second
	}
	return &RetryPolicy{maxRetries: maxRetries, baseDelay: baseDelay, maxDelay: maxDelay}
}

// ShouldRetry decides whether attempt (zero-based) may be followed by another.
func (p *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.maxRetries {
		return false
	}
	var fetchErr *incident.FetchError
	if !errors.As(err, &fetchErr) {
		return false
	}
	return fetchErr.Retryable()
}

// Backoff returns min(base*2^attempt, max).
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.maxDelay) {
		return p.maxDelay
	}
	return time.Duration(delay)
}
