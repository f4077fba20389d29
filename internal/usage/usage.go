// Package usage provides token usage accounting and the sliding-window cost
// monitor that can pause the engine.
package usage

import (
	"fmt"
	"sync"
	"time"
)

// Usage represents token usage for a single model call.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

// Total returns the total token count.
func (u Usage) Total() int64 {
	return u.PromptTokens + u.CompletionTokens
}

// Add accumulates another usage record into this one.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
}

// Tracker keeps per-model usage totals for the status report.
type Tracker struct {
	mu     sync.RWMutex
	totals map[string]*Usage // keyed by "provider:model"
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{totals: make(map[string]*Usage)}
}

// Record adds a usage record for a provider/model pair.
func (t *Tracker) Record(provider, model string, u Usage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := provider + ":" + model
	if t.totals[key] == nil {
		t.totals[key] = &Usage{}
	}
	t.totals[key].Add(u)
}

// Summary returns a copy of all per-model totals.
func (t *Tracker) Summary() map[string]Usage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Usage, len(t.totals))
	for k, v := range t.totals {
		out[k] = *v
	}
	return out
}

// FormatTokenCount formats a token count for display.
func FormatTokenCount(count int64) string {
	if count <= 0 {
		return "0"
	}
	if count >= 1_000_000 {
		return fmt.Sprintf("%.1fm", float64(count)/1_000_000)
	}
	if count >= 1_000 {
		return fmt.Sprintf("%.1fk", float64(count)/1_000)
	}
	return fmt.Sprintf("%d", count)
}

// nowFunc lets tests inject a clock.
type nowFunc func() time.Time
