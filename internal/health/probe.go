// Package health probes critical external collaborators and emits exactly one
// notification per down/up transition, with the transition state persisted to
// disk.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Probe is one endpoint to check. Method defaults to HEAD.
type Probe struct {
	Name   string
	URL    string
	Method string
}

// probeState is the persisted per-probe transition state.
type probeState struct {
	Down         bool       `json:"down"`
	Since        *time.Time `json:"since,omitempty"`
	LastNotified *time.Time `json:"last_notified,omitempty"`
}

// Notifier delivers one notification message.
type Notifier func(ctx context.Context, text string) error

// Monitor runs probes and tracks transitions.
type Monitor struct {
	probes    []Probe
	statePath string
	timeout   time.Duration
	client    *http.Client
	notify    Notifier
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.Mutex
	state map[string]*probeState
}

// Option configures the monitor.
type Option func(*Monitor)

// WithHTTPClient overrides the probe HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(m *Monitor) {
		if client != nil {
			m.client = client
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMonitor creates a health monitor persisting transition state at
// statePath.
func NewMonitor(probes []Probe, statePath string, timeout time.Duration, notify Notifier, opts ...Option) *Monitor {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	m := &Monitor{
		probes:    probes,
		statePath: statePath,
		timeout:   timeout,
		client:    &http.Client{},
		notify:    notify,
		logger:    slog.Default().With("component", "health"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.state = m.loadState()
	return m
}

// Sweep probes every endpoint. A probe entering the down state emits one
// "down" notification; recovery emits one matching "up" notification. The
// state file guarantees exactly one notification per transition across
// restarts.
func (m *Monitor) Sweep(ctx context.Context) {
	for _, probe := range m.probes {
		up := m.check(ctx, probe)
		m.transition(ctx, probe, up)
	}
}

func (m *Monitor) check(ctx context.Context, probe Probe) bool {
	method := probe.Method
	if method == "" {
		method = http.MethodHead
	}
	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(pctx, method, probe.URL, nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}

func (m *Monitor) transition(ctx context.Context, probe Probe, up bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state[probe.Name]
	if st == nil {
		st = &probeState{}
		m.state[probe.Name] = st
	}

	now := m.now().UTC()
	switch {
	case !up && !st.Down:
		st.Down = true
		st.Since = &now
		st.LastNotified = &now
		m.sendNotification(ctx, fmt.Sprintf("%s is unreachable since %s.", probe.Name, now.Format(time.RFC3339)))
	case up && st.Down:
		st.Down = false
		st.Since = nil
		st.LastNotified = &now
		m.sendNotification(ctx, fmt.Sprintf("%s has recovered.", probe.Name))
	default:
		return
	}
	if err := m.saveState(); err != nil {
		m.logger.Warn("health state not persisted", "error", err)
	}
}

func (m *Monitor) sendNotification(ctx context.Context, text string) {
	if m.notify == nil {
		return
	}
	if err := m.notify(ctx, text); err != nil {
		m.logger.Warn("health notification failed", "error", err)
	}
}

func (m *Monitor) loadState() map[string]*probeState {
	state := make(map[string]*probeState)
	data, err := os.ReadFile(m.statePath)
	if err != nil {
		return state
	}
	if err := json.Unmarshal(data, &state); err != nil {
		m.logger.Warn("discarding corrupt health state", "error", err)
		return make(map[string]*probeState)
	}
	return state
}

func (m *Monitor) saveState() error {
	data, err := json.MarshalIndent(m.state, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.statePath), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(m.statePath), ".health-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), m.statePath)
}
