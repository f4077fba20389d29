// Package skills schedules and dispatches proactive skills: a once-per-minute
// tick that evaluates cron, interval, and one-shot triggers and runs due
// skills through the conversation engine.
package skills

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/strandlabs/strand/internal/agent"
	"github.com/strandlabs/strand/internal/config"
	"github.com/strandlabs/strand/internal/health"
	"github.com/strandlabs/strand/internal/memory"
	"github.com/strandlabs/strand/internal/observability"
	"github.com/strandlabs/strand/pkg/models"
)

// cronParser accepts standard 5-field expressions (minute hour dom month dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Runner dispatches one skill into the engine's proactive-task variant.
// Satisfied by *agent.Engine.
type Runner interface {
	RunSkill(ctx context.Context, skill *models.Skill) (*agent.TurnResult, error)
}

// Lister fetches the current tool catalog. Satisfied by
// *orchestrator.Client.
type Lister interface {
	ListTools(ctx context.Context) ([]models.ToolDescriptor, error)
}

// Notifier delivers a user-facing notification.
type Notifier func(ctx context.Context, text string) error

// TickResult reports one scheduler tick.
type TickResult struct {
	Checked  int
	Executed int
	Halted   bool
}

// Scheduler evaluates skills once per minute. It is a singleton: ticks never
// overlap, and each skill's bookkeeping write happens before the next tick
// observes that skill.
type Scheduler struct {
	cfg      config.SchedulerConfig
	timezone string
	mem      *memory.Client
	runner   Runner
	catalog  Lister
	health   *health.Monitor
	gates    []Gate
	notify   Notifier
	metrics  *observability.Metrics
	logger   *slog.Logger
	now      func() time.Time

	halted         atomic.Bool
	tickMu         sync.Mutex
	pausedNotified atomic.Bool
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithGates installs pre-flight gates.
func WithGates(gates ...Gate) Option {
	return func(s *Scheduler) { s.gates = append(s.gates, gates...) }
}

// WithHealthMonitor installs the per-tick collaborator health sweep.
func WithHealthMonitor(m *health.Monitor) Option {
	return func(s *Scheduler) { s.health = m }
}

// WithMetrics installs scheduler metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// NewScheduler creates a scheduler.
func NewScheduler(cfg config.SchedulerConfig, timezone string, mem *memory.Client, runner Runner, catalog Lister, notify Notifier, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:      cfg,
		timezone: timezone,
		mem:      mem,
		runner:   runner,
		catalog:  catalog,
		notify:   notify,
		logger:   slog.Default().With("component", "scheduler"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Halt stops dispatching; ticks return immediately until Resume.
func (s *Scheduler) Halt() { s.halted.Store(true) }

// Resume re-enables dispatching.
func (s *Scheduler) Resume() { s.halted.Store(false) }

// Halted reports the halt flag.
func (s *Scheduler) Halted() bool { return s.halted.Load() }

// Run ticks once per interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	interval := s.cfg.TickInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one evaluation pass: halt check, auto-enable sweep, health probe
// sweep, due evaluation, execution. One failing skill never aborts the tick.
func (s *Scheduler) Tick(ctx context.Context) TickResult {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	if s.Halted() {
		if s.metrics != nil {
			s.metrics.SchedulerTicks.WithLabelValues("halted").Inc()
		}
		return TickResult{Halted: true}
	}
	if s.metrics != nil {
		s.metrics.SchedulerTicks.WithLabelValues("ok").Inc()
	}

	s.autoEnableSweep(ctx)
	if s.health != nil {
		s.health.Sweep(ctx)
	}

	enabled := true
	skills, err := s.mem.ListSkills(ctx, memory.SkillFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("skill listing failed", "error", err)
		return TickResult{}
	}

	now := s.now()
	loc := s.location()
	result := TickResult{}
	for _, skill := range skills {
		if skill.Trigger == models.TriggerKeyword {
			continue // playbooks never fire on the clock
		}
		result.Checked++

		if skill.Expired(now) {
			s.disable(ctx, skill, "expired")
			continue
		}
		due, why := s.isDue(skill, now, loc)
		if !due {
			continue
		}
		if s.inCooldown(skill, now) {
			s.logger.Info("skill in failure cooldown", "skill", skill.Name)
			continue
		}
		if skip, reason := s.gated(ctx, skill); skip {
			s.logger.Info("skill gated", "skill", skill.Name, "reason", reason)
			continue
		}

		s.logger.Info("dispatching skill", "skill", skill.Name, "trigger", why)
		s.execute(ctx, skill, now)
		result.Executed++
	}
	return result
}

// autoEnableSweep enables disabled non-keyword skills whose required tools
// are all present in the catalog. Skills with no required tools stay disabled
// until the user enables them.
func (s *Scheduler) autoEnableSweep(ctx context.Context) {
	disabled := false
	skills, err := s.mem.ListSkills(ctx, memory.SkillFilter{Enabled: &disabled})
	if err != nil {
		s.logger.Warn("auto-enable listing failed", "error", err)
		return
	}

	var present map[string]bool
	for _, skill := range skills {
		if skill.Trigger == models.TriggerKeyword || len(skill.RequiredTools) == 0 {
			continue
		}
		if present == nil {
			tools, err := s.catalog.ListTools(ctx)
			if err != nil {
				s.logger.Warn("auto-enable catalog fetch failed", "error", err)
				return
			}
			present = make(map[string]bool, len(tools))
			for _, tool := range tools {
				present[tool.Name] = true
			}
		}
		all := true
		for _, name := range skill.RequiredTools {
			if !present[name] {
				all = false
				break
			}
		}
		if all {
			skill.Enabled = true
			if err := s.mem.UpdateSkill(ctx, skill); err != nil {
				s.logger.Warn("auto-enable failed", "skill", skill.Name, "error", err)
			} else {
				s.logger.Info("skill auto-enabled", "skill", skill.Name)
			}
		}
	}
}

// isDue evaluates a skill's trigger at now. Cron skills are due when the next
// fire time after the start of the previous minute lands in the current
// minute; the double-fire guard skips a skill already run this minute.
func (s *Scheduler) isDue(skill *models.Skill, now time.Time, loc *time.Location) (bool, string) {
	if expr := skill.TriggerConfig.Schedule; expr != "" {
		cronLoc := loc
		if skill.TriggerConfig.Timezone != "" {
			if override, err := time.LoadLocation(skill.TriggerConfig.Timezone); err == nil {
				cronLoc = override
			}
		}
		sched, err := cronParser.Parse(expr)
		if err != nil {
			s.logger.Warn("invalid cron expression", "skill", skill.Name, "schedule", expr, "error", err)
			return false, ""
		}
		cronMinute := now.In(cronLoc).Truncate(time.Minute)
		next := sched.Next(cronMinute.Add(-time.Minute))
		if next.Before(cronMinute) || !next.Before(cronMinute.Add(time.Minute)) {
			return false, ""
		}
		if skill.LastRunAt != nil && !skill.LastRunAt.In(cronLoc).Truncate(time.Minute).Before(cronMinute) {
			return false, "" // already ran this minute
		}
		return true, "cron " + expr
	}

	if target, ok := oneShotTarget(skill); ok {
		if target.After(now) {
			return false, ""
		}
		return true, "one-shot " + target.Format(time.RFC3339)
	}

	interval := skill.TriggerConfig.IntervalMinutes
	if interval <= 0 {
		interval = s.cfg.DefaultIntervalMinutes
	}
	if interval <= 0 {
		interval = 1440
	}
	if skill.LastRunAt == nil || now.Sub(*skill.LastRunAt) >= time.Duration(interval)*time.Minute {
		return true, fmt.Sprintf("interval %dm", interval)
	}
	return false, ""
}

// oneShotTarget resolves the absolute fire time of an at/in trigger.
func oneShotTarget(skill *models.Skill) (time.Time, bool) {
	if skill.TriggerConfig.At != nil {
		return *skill.TriggerConfig.At, true
	}
	if skill.TriggerConfig.InMinutes > 0 {
		return skill.CreatedAt.Add(time.Duration(skill.TriggerConfig.InMinutes) * time.Minute), true
	}
	return time.Time{}, false
}

func (s *Scheduler) inCooldown(skill *models.Skill, now time.Time) bool {
	cooldown := s.cfg.FailureCooldown
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	return skill.LastRunStatus == models.RunError &&
		skill.LastRunAt != nil &&
		now.Sub(*skill.LastRunAt) < cooldown
}

func (s *Scheduler) gated(ctx context.Context, skill *models.Skill) (bool, string) {
	for _, gate := range s.gates {
		if !gate.Applies(skill) {
			continue
		}
		allow, reason, err := gate.Allow(ctx, skill)
		if err != nil {
			s.logger.Warn("gate check failed, allowing", "skill", skill.Name, "error", err)
			continue
		}
		if !allow {
			return true, reason
		}
	}
	return false, ""
}

// execute dispatches one due skill and writes its bookkeeping. A failed
// one-shot stays enabled for exactly one post-cooldown retry; after its
// second attempt it is disabled regardless of outcome.
func (s *Scheduler) execute(ctx context.Context, skill *models.Skill, now time.Time) {
	result, err := s.runner.RunSkill(ctx, skill)

	runAt := now
	skill.LastRunAt = &runAt
	skill.RunCount++

	if err != nil {
		skill.LastRunStatus = models.RunError
		skill.LastRunSummary = err.Error()
		if skill.OneShot() && skill.RunCount >= 2 {
			skill.Enabled = false
		}
		s.recordExecution(skill.Name, "error")
		s.sendNotification(ctx, fmt.Sprintf(
			"Skill %q failed (%s): %v. It will not retry for %s.",
			skill.Name, triggerDescription(skill), err, s.cfg.FailureCooldown))
	} else {
		skill.LastRunStatus = models.RunSuccess
		skill.LastRunSummary = truncate(result.Text, 500)
		if skill.OneShot() {
			skill.Enabled = false
		}
		s.recordExecution(skill.Name, "success")
		if result.Paused {
			s.propagatePause(ctx)
		}
	}

	if skill.MaxRuns > 0 && skill.RunCount >= skill.MaxRuns {
		skill.Enabled = false
	}

	if updateErr := s.mem.UpdateSkill(ctx, skill); updateErr != nil {
		s.logger.Error("skill bookkeeping write failed", "skill", skill.Name, "error", updateErr)
	}
}

// propagatePause notifies once when the engine reports a cost pause.
func (s *Scheduler) propagatePause(ctx context.Context) {
	if s.pausedNotified.Swap(true) {
		return
	}
	s.sendNotification(ctx, "Assistant paused: token usage exceeded the configured budget. It will resume automatically.")
}

// ClearPauseNotice re-arms the one-shot pause notification after a resume.
func (s *Scheduler) ClearPauseNotice() { s.pausedNotified.Store(false) }

func (s *Scheduler) disable(ctx context.Context, skill *models.Skill, reason string) {
	skill.Enabled = false
	if err := s.mem.UpdateSkill(ctx, skill); err != nil {
		s.logger.Warn("skill disable failed", "skill", skill.Name, "error", err)
		return
	}
	s.logger.Info("skill disabled", "skill", skill.Name, "reason", reason)
}

func (s *Scheduler) recordExecution(name, status string) {
	if s.metrics != nil {
		s.metrics.SkillExecutions.WithLabelValues(name, status).Inc()
	}
}

func (s *Scheduler) sendNotification(ctx context.Context, text string) {
	if s.notify == nil {
		return
	}
	if err := s.notify(ctx, text); err != nil {
		s.logger.Warn("notification failed", "error", err)
	}
}

func (s *Scheduler) location() *time.Location {
	loc, err := time.LoadLocation(s.timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func triggerDescription(skill *models.Skill) string {
	switch {
	case skill.TriggerConfig.Schedule != "":
		return "cron " + skill.TriggerConfig.Schedule
	case skill.TriggerConfig.At != nil:
		return "at " + skill.TriggerConfig.At.Format(time.RFC3339)
	case skill.TriggerConfig.InMinutes > 0:
		return fmt.Sprintf("in %dm", skill.TriggerConfig.InMinutes)
	default:
		return fmt.Sprintf("every %dm", skill.TriggerConfig.IntervalMinutes)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
