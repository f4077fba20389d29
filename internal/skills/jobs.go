package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/strandlabs/strand/internal/memory"
)

// Backfill extracts facts from unprocessed historical conversations in
// batches, sleeping between batches and re-checking the halt flag. Triggered
// on demand, not by the tick.
func (s *Scheduler) Backfill(ctx context.Context) (int, error) {
	batch := s.cfg.BackfillBatch
	if batch <= 0 {
		batch = 10
	}
	sleep := s.cfg.BackfillSleep
	if sleep <= 0 {
		sleep = 3 * time.Second
	}

	total := 0
	for {
		if s.Halted() {
			s.logger.Info("backfill stopped by halt flag", "processed", total)
			return total, nil
		}
		res, err := s.mem.BackfillExtractFacts(ctx, batch)
		if err != nil {
			return total, fmt.Errorf("backfill batch: %w", err)
		}
		total += res.Processed
		if res.Done || res.Processed == 0 {
			s.logger.Info("backfill complete", "processed", total)
			return total, nil
		}
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// Synthesize runs the weekly fact consolidation and notifies the summary.
func (s *Scheduler) Synthesize(ctx context.Context) error {
	res, err := s.mem.SynthesizeFacts(ctx)
	if err != nil {
		return fmt.Errorf("fact synthesis: %w", err)
	}
	s.logger.Info("facts synthesized", "merged", res.Merged, "deleted", res.Deleted, "updated", res.Updated)
	s.sendNotification(ctx, fmt.Sprintf(
		"Weekly memory maintenance: %d facts merged, %d stale facts removed, %d updated.",
		res.Merged, res.Deleted, res.Updated))
	return nil
}

// healthReportFile is the persisted diagnostics snapshot the next run diffs
// against.
type healthReportFile struct {
	At     time.Time `json:"at"`
	Issues []string  `json:"issues"`
}

// HealthReport runs the diagnostic checks, diffs against the previous stored
// report, and alerts on newly introduced or newly resolved issues.
func (s *Scheduler) HealthReport(ctx context.Context, reportPath string) error {
	issues := s.diagnose(ctx)

	previous := loadHealthReport(reportPath)
	introduced := diffIssues(issues, previous.Issues)
	resolved := diffIssues(previous.Issues, issues)

	if len(introduced) > 0 {
		s.sendNotification(ctx, "New issues detected:\n- "+strings.Join(introduced, "\n- "))
	}
	if len(resolved) > 0 {
		s.sendNotification(ctx, "Resolved since last report:\n- "+strings.Join(resolved, "\n- "))
	}

	report := healthReportFile{At: s.now().UTC(), Issues: issues}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(reportPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(reportPath, data, 0o644)
}

// diagnose checks the critical collaborators and returns one line per issue.
func (s *Scheduler) diagnose(ctx context.Context) []string {
	var issues []string
	if _, err := s.catalog.ListTools(ctx); err != nil {
		issues = append(issues, fmt.Sprintf("orchestrator: catalog fetch failed: %v", err))
	}
	if _, err := s.mem.ListFacts(ctx, 1); err != nil {
		issues = append(issues, fmt.Sprintf("memory: fact listing failed: %v", err))
	}
	enabled := true
	if _, err := s.mem.ListSkills(ctx, memory.SkillFilter{Enabled: &enabled}); err != nil {
		issues = append(issues, fmt.Sprintf("memory: skill listing failed: %v", err))
	}
	sort.Strings(issues)
	return issues
}

func loadHealthReport(path string) healthReportFile {
	var report healthReportFile
	data, err := os.ReadFile(path)
	if err != nil {
		return report
	}
	_ = json.Unmarshal(data, &report)
	return report
}

// diffIssues returns entries of a not present in b.
func diffIssues(a, b []string) []string {
	seen := make(map[string]bool, len(b))
	for _, issue := range b {
		seen[issue] = true
	}
	var out []string
	for _, issue := range a {
		if !seen[issue] {
			out = append(out, issue)
		}
	}
	return out
}

// RunJobs drives the slow periodic jobs: fact synthesis on its cron schedule
// and the recurring health report. Blocks until ctx is done.
func (s *Scheduler) RunJobs(ctx context.Context, reportPath string) {
	reportEvery := s.cfg.HealthReportEvery
	if reportEvery <= 0 {
		reportEvery = 6 * time.Hour
	}
	reportTicker := time.NewTicker(reportEvery)
	defer reportTicker.Stop()
	minuteTicker := time.NewTicker(time.Minute)
	defer minuteTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-reportTicker.C:
			if s.Halted() {
				continue
			}
			if err := s.HealthReport(ctx, reportPath); err != nil {
				s.logger.Warn("health report failed", "error", err)
			}
		case <-minuteTicker.C:
			if s.Halted() || s.cfg.SynthesisCron == "" {
				continue
			}
			if s.cronDueNow(s.cfg.SynthesisCron) {
				if err := s.Synthesize(ctx); err != nil {
					s.logger.Warn("synthesis failed", "error", err)
				}
			}
		}
	}
}

// cronDueNow reports whether expr fires in the current minute.
func (s *Scheduler) cronDueNow(expr string) bool {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		s.logger.Warn("invalid job cron expression", "schedule", expr, "error", err)
		return false
	}
	minute := s.now().In(s.location()).Truncate(time.Minute)
	next := sched.Next(minute.Add(-time.Minute))
	return !next.Before(minute) && next.Before(minute.Add(time.Minute))
}
