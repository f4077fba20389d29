package usage

import (
	"log/slog"
	"sync"
	"time"

	"github.com/strandlabs/strand/internal/config"
)

// PauseReason classifies why the monitor paused the engine.
type PauseReason string

const (
	PauseHardCap PauseReason = "hard_cap"
	PauseSpike   PauseReason = "spike"
)

// PauseState describes the paused flag.
type PauseState struct {
	Paused bool
	Reason PauseReason
	Since  time.Time
}

// Monitor is a sliding-window counter over token usage: 60 one-minute
// buckets, spike detection against the baseline rate, and a hard hourly cap.
// The in-flight operation completes normally when a pause trips; the pause
// takes effect on the next dispatch.
type Monitor struct {
	cfg    config.CostConfig
	logger *slog.Logger
	now    nowFunc

	mu          sync.Mutex
	buckets     [60]int64
	minuteIndex int
	minuteStamp time.Time // start of the minute buckets[minuteIndex] covers
	pause       PauseState
}

// MonitorOption configures the monitor.
type MonitorOption func(*Monitor)

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) MonitorOption {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMonitor creates a cost monitor.
func NewMonitor(cfg config.CostConfig, opts ...MonitorOption) *Monitor {
	if cfg.ShortWindowMins <= 0 {
		cfg.ShortWindowMins = 2
	}
	if cfg.SpikeMultiplier <= 0 {
		cfg.SpikeMultiplier = 3
	}
	m := &Monitor{
		cfg:    cfg,
		logger: slog.Default().With("component", "costmonitor"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.minuteStamp = m.now().Truncate(time.Minute)
	return m
}

// RecordUsage adds prompt+completion tokens to the current minute's bucket,
// rotating (and zeroing skipped) buckets when the wall clock rolled over.
func (m *Monitor) RecordUsage(promptTokens, completionTokens int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rotate()
	m.buckets[m.minuteIndex] += promptTokens + completionTokens
}

// CheckPause evaluates the window and flips the paused flag when the hard
// hourly cap is reached or the short-window rate spikes above baseline.
// Returns the resulting state.
func (m *Monitor) CheckPause() PauseState {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rotate()

	if m.pause.Paused {
		return m.pause
	}

	var hourTotal int64
	for _, b := range m.buckets {
		hourTotal += b
	}

	if m.cfg.HardCapPerHour > 0 && hourTotal >= m.cfg.HardCapPerHour {
		m.setPause(PauseHardCap)
		return m.pause
	}

	var shortRate int64
	for i := 0; i < m.cfg.ShortWindowMins; i++ {
		shortRate += m.buckets[(m.minuteIndex-i+60)%60]
	}

	// Baseline: mean tokens per minute across the remaining non-zero
	// buckets. An empty baseline never triggers a spike pause.
	var baselineTotal int64
	baselineBuckets := 0
	for i := m.cfg.ShortWindowMins; i < 60; i++ {
		b := m.buckets[(m.minuteIndex-i+60)%60]
		if b > 0 {
			baselineTotal += b
			baselineBuckets++
		}
	}
	if baselineBuckets == 0 || baselineTotal < m.cfg.MinBaselineTokens {
		return m.pause
	}
	baselineRate := float64(baselineTotal) / float64(baselineBuckets)

	if float64(shortRate) > baselineRate*m.cfg.SpikeMultiplier {
		m.setPause(PauseSpike)
	}
	return m.pause
}

func (m *Monitor) setPause(reason PauseReason) {
	m.pause = PauseState{Paused: true, Reason: reason, Since: m.now()}
	m.logger.Warn("cost monitor paused", "reason", string(reason))
}

// Paused returns the current pause state without re-evaluating.
func (m *Monitor) Paused() PauseState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pause
}

// Resume clears the paused flag; resetWindow additionally zeroes all buckets.
func (m *Monitor) Resume(resetWindow bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pause = PauseState{}
	if resetWindow {
		for i := range m.buckets {
			m.buckets[i] = 0
		}
	}
}

// HourTotal returns the sum of all buckets.
func (m *Monitor) HourTotal() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rotate()
	var total int64
	for _, b := range m.buckets {
		total += b
	}
	return total
}

// rotate advances the bucket index to the current minute, zeroing every
// skipped bucket. Callers hold the mutex.
func (m *Monitor) rotate() {
	current := m.now().Truncate(time.Minute)
	elapsed := int(current.Sub(m.minuteStamp) / time.Minute)
	if elapsed <= 0 {
		return
	}
	if elapsed > 60 {
		elapsed = 60
	}
	for i := 0; i < elapsed; i++ {
		m.minuteIndex = (m.minuteIndex + 1) % 60
		m.buckets[m.minuteIndex] = 0
	}
	m.minuteStamp = current
}
