package models

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"
)

// Playbook is a named keyword-triggered block of instructions plus a declared
// required-tools list, injected into the system prompt when a user message
// matches one of its keywords. Name is unique per owning agent.
type Playbook struct {
	ID            string   `json:"id,omitempty" yaml:"id,omitempty"`
	AgentID       string   `json:"agent_id,omitempty" yaml:"agent_id,omitempty"`
	Name          string   `json:"name" yaml:"name"`
	Description   string   `json:"description,omitempty" yaml:"description,omitempty"`
	Keywords      []string `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	Priority      int      `json:"priority,omitempty" yaml:"priority,omitempty"`
	Instructions  string   `json:"instructions" yaml:"instructions"`
	RequiredTools []string `json:"required_tools,omitempty" yaml:"required_tools,omitempty"`
	MaxSteps      int      `json:"max_steps,omitempty" yaml:"max_steps,omitempty"`
	NotifyOnDone  bool     `json:"notify_on_done,omitempty" yaml:"notify_on_done,omitempty"`
	Seeded        bool     `json:"seeded,omitempty" yaml:"seeded,omitempty"`
}

// ContentHash returns a stable hash of the seedable content. Seeding updates
// a playbook in place only when this hash changes.
func (p Playbook) ContentHash() string {
	keywords := append([]string(nil), p.Keywords...)
	sort.Strings(keywords)
	tools := append([]string(nil), p.RequiredTools...)
	sort.Strings(tools)
	h := sha256.New()
	for _, part := range []string{
		p.Description,
		p.Instructions,
		strings.Join(keywords, "\x00"),
		strings.Join(tools, "\x00"),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	h.Write([]byte{byte(p.MaxSteps), byte(p.MaxSteps >> 8)})
	return hex.EncodeToString(h.Sum(nil))
}

// Matches reports whether any keyword appears in the message as a
// case-insensitive substring.
func (p Playbook) Matches(message string) bool {
	lower := strings.ToLower(message)
	for _, kw := range p.Keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// TriggerType identifies how a skill fires.
type TriggerType string

const (
	TriggerCron     TriggerType = "cron"
	TriggerInterval TriggerType = "interval"
	TriggerAt       TriggerType = "at"
	TriggerIn       TriggerType = "in"
	TriggerKeyword  TriggerType = "keyword"
)

// RunStatus is the outcome of a skill's last execution.
type RunStatus string

const (
	RunNever   RunStatus = "never_run"
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// TriggerConfig carries trigger parameters. Exactly one scheduling field is
// meaningful per trigger type.
type TriggerConfig struct {
	// Schedule is a 5-field cron expression (minute hour dom month dow).
	Schedule string `json:"schedule,omitempty"`
	// IntervalMinutes fires the skill every N minutes since last run.
	IntervalMinutes int `json:"interval_minutes,omitempty"`
	// At fires once at an absolute moment.
	At *time.Time `json:"at,omitempty"`
	// InMinutes fires once N minutes after the skill was stored.
	InMinutes int `json:"in_minutes,omitempty"`
	// Timezone overrides the agent timezone for cron evaluation.
	Timezone string `json:"timezone,omitempty"`
}

// PlanStep is one entry of a deterministic execution plan: a fixed tool call
// that runs without any model involvement.
type PlanStep struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args,omitempty"`
}

// Skill is a playbook augmented with a scheduling trigger and execution
// bookkeeping. Skills are stored by the memory collaborator; the scheduler
// treats them as read-mostly with targeted writes after each run.
type Skill struct {
	Playbook

	Trigger       TriggerType   `json:"trigger"`
	TriggerConfig TriggerConfig `json:"trigger_config"`
	Enabled       bool          `json:"enabled"`

	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	LastRunStatus  RunStatus  `json:"last_run_status,omitempty"`
	LastRunSummary string     `json:"last_run_summary,omitempty"`

	// Plan, when present, is executed directly without invoking the model.
	Plan []PlanStep `json:"plan,omitempty"`

	RunCount  int        `json:"run_count,omitempty"`
	MaxRuns   int        `json:"max_runs,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at,omitempty"`
}

// OneShot reports whether the skill fires at most once.
func (s *Skill) OneShot() bool {
	return s.Trigger == TriggerAt || s.Trigger == TriggerIn ||
		s.TriggerConfig.At != nil || s.TriggerConfig.InMinutes > 0
}

// Expired reports whether the skill has passed its expiration or run budget.
func (s *Skill) Expired(now time.Time) bool {
	if s.ExpiresAt != nil && now.After(*s.ExpiresAt) {
		return true
	}
	return s.MaxRuns > 0 && s.RunCount >= s.MaxRuns
}
