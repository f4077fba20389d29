package agent

import (
	"log/slog"
	"sync"
)

// Breaker is the per-agent circuit breaker. Consecutive fatal turn failures
// increment the counter; a successful turn decrements it (never resets it).
// Once tripped it stays tripped until process restart.
type Breaker struct {
	threshold int
	logger    *slog.Logger

	mu       sync.Mutex
	failures int
	tripped  bool
}

// NewBreaker creates a breaker that trips at threshold consecutive failures.
func NewBreaker(threshold int) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	return &Breaker{
		threshold: threshold,
		logger:    slog.Default().With("component", "breaker"),
	}
}

// Failure records a fatal turn failure and reports whether this one tripped
// the breaker.
func (b *Breaker) Failure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tripped {
		return false
	}
	b.failures++
	if b.failures >= b.threshold {
		b.tripped = true
		b.logger.Error("circuit breaker tripped", "failures", b.failures)
		return true
	}
	return false
}

// Success decrements the failure counter. A success after four failures
// leaves the counter at three.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures > 0 {
		b.failures--
	}
}

// Tripped reports whether the breaker has tripped.
func (b *Breaker) Tripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tripped
}

// Failures returns the current consecutive-failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
