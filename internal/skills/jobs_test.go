package skills

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/strandlabs/strand/internal/config"
	"github.com/strandlabs/strand/internal/memory"
)

// jobsCaller scripts the memory tools the periodic jobs touch.
type jobsCaller struct {
	backfill     []memory.BackfillResult
	backfillErr  error
	listFactsErr error
	calls        map[string]int
}

func (c *jobsCaller) CallTool(ctx context.Context, name string, args json.RawMessage) (string, error) {
	if c.calls == nil {
		c.calls = make(map[string]int)
	}
	c.calls[name]++
	switch name {
	case "backfill_extract_facts":
		if c.backfillErr != nil {
			return "", c.backfillErr
		}
		if len(c.backfill) == 0 {
			return `{"processed":0,"done":true}`, nil
		}
		res := c.backfill[0]
		c.backfill = c.backfill[1:]
		data, err := json.Marshal(res)
		return string(data), err
	case "synthesize_facts":
		return `{"merged":2,"deleted":1,"updated":3}`, nil
	case "list_facts":
		if c.listFactsErr != nil {
			return "", c.listFactsErr
		}
		return `{"facts":[]}`, nil
	case "list_skills":
		return `{"skills":[]}`, nil
	default:
		return "", nil
	}
}

func newJobsScheduler(caller *jobsCaller, notify Notifier, opts ...Option) *Scheduler {
	cfg := config.SchedulerConfig{
		TickInterval:    time.Minute,
		FailureCooldown: 5 * time.Minute,
		BackfillBatch:   10,
		BackfillSleep:   time.Millisecond,
	}
	client := memory.NewClient(caller, "agent-1", memory.DefaultNames())
	return NewScheduler(cfg, "UTC", client, &fakeRunner{}, &fakeCatalog{}, notify, opts...)
}

func TestBackfillRunsBatchesUntilDone(t *testing.T) {
	caller := &jobsCaller{backfill: []memory.BackfillResult{
		{Processed: 10, Remaining: 3, Done: false},
		{Processed: 3, Remaining: 0, Done: true},
	}}
	s := newJobsScheduler(caller, nil)

	total, err := s.Backfill(context.Background())
	if err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	if total != 13 {
		t.Errorf("processed %d conversations, want 13", total)
	}
	if caller.calls["backfill_extract_facts"] != 2 {
		t.Errorf("ran %d batches, want 2", caller.calls["backfill_extract_facts"])
	}
}

func TestBackfillStopsOnEmptyBatch(t *testing.T) {
	caller := &jobsCaller{backfill: []memory.BackfillResult{{Processed: 0, Done: false}}}
	s := newJobsScheduler(caller, nil)
	total, err := s.Backfill(context.Background())
	if err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	if total != 0 || caller.calls["backfill_extract_facts"] != 1 {
		t.Errorf("total = %d, calls = %d", total, caller.calls["backfill_extract_facts"])
	}
}

func TestBackfillHonorsHalt(t *testing.T) {
	caller := &jobsCaller{backfill: []memory.BackfillResult{{Processed: 5, Done: false}}}
	s := newJobsScheduler(caller, nil)
	s.Halt()
	total, err := s.Backfill(context.Background())
	if err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	if total != 0 || caller.calls["backfill_extract_facts"] != 0 {
		t.Errorf("halted backfill still ran: total=%d calls=%d", total, caller.calls["backfill_extract_facts"])
	}
}

func TestBackfillPropagatesBatchError(t *testing.T) {
	caller := &jobsCaller{backfillErr: errors.New("memory unavailable")}
	s := newJobsScheduler(caller, nil)
	if _, err := s.Backfill(context.Background()); err == nil {
		t.Error("batch error swallowed")
	}
}

func TestSynthesizeNotifiesSummary(t *testing.T) {
	var notes []string
	notify := func(ctx context.Context, text string) error {
		notes = append(notes, text)
		return nil
	}
	s := newJobsScheduler(&jobsCaller{}, notify)
	if err := s.Synthesize(context.Background()); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(notes) != 1 {
		t.Fatalf("got %d notifications", len(notes))
	}
	if !strings.Contains(notes[0], "2 facts merged") || !strings.Contains(notes[0], "1 stale") {
		t.Errorf("summary = %q", notes[0])
	}
}

func TestHealthReportDiffsIssues(t *testing.T) {
	reportPath := filepath.Join(t.TempDir(), "health-report.json")
	var notes []string
	notify := func(ctx context.Context, text string) error {
		notes = append(notes, text)
		return nil
	}

	// First run: fact listing broken, one issue introduced.
	caller := &jobsCaller{listFactsErr: errors.New("boom")}
	s := newJobsScheduler(caller, notify, WithNow(func() time.Time {
		return time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)
	}))
	if err := s.HealthReport(context.Background(), reportPath); err != nil {
		t.Fatalf("HealthReport: %v", err)
	}
	if len(notes) != 1 || !strings.Contains(notes[0], "New issues") {
		t.Fatalf("introduced issue not reported: %v", notes)
	}
	if _, err := os.Stat(reportPath); err != nil {
		t.Fatalf("report not persisted: %v", err)
	}

	// Same issue again: no repeat alert.
	notes = nil
	if err := s.HealthReport(context.Background(), reportPath); err != nil {
		t.Fatalf("HealthReport: %v", err)
	}
	if len(notes) != 0 {
		t.Errorf("unchanged issue re-reported: %v", notes)
	}

	// Issue fixed: resolved alert.
	caller.listFactsErr = nil
	if err := s.HealthReport(context.Background(), reportPath); err != nil {
		t.Fatalf("HealthReport: %v", err)
	}
	if len(notes) != 1 || !strings.Contains(notes[0], "Resolved") {
		t.Errorf("resolution not reported: %v", notes)
	}
}

func TestCronDueNow(t *testing.T) {
	s := newJobsScheduler(&jobsCaller{}, nil, WithNow(func() time.Time {
		return time.Date(2026, 3, 1, 4, 0, 30, 0, time.UTC) // Sunday 04:00
	}))
	if !s.cronDueNow("0 4 * * 0") {
		t.Error("weekly synthesis not due at Sunday 04:00")
	}
	if s.cronDueNow("0 5 * * 0") {
		t.Error("due outside the scheduled minute")
	}
	if s.cronDueNow("not a cron expression") {
		t.Error("invalid expression reported as due")
	}
}

func TestDiffIssues(t *testing.T) {
	got := diffIssues([]string{"a", "b", "c"}, []string{"b"})
	if len(got) != 2 || got[0] != "a" || got[1] != "c" {
		t.Errorf("diffIssues = %v", got)
	}
	if got := diffIssues(nil, []string{"a"}); len(got) != 0 {
		t.Errorf("diffIssues(nil, ...) = %v", got)
	}
}
