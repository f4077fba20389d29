package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/strandlabs/strand/internal/memory"
	"github.com/strandlabs/strand/pkg/models"
)

// Gate is a pre-flight check that can skip a due skill before dispatch.
type Gate interface {
	// Applies reports whether this gate covers the skill.
	Applies(skill *models.Skill) bool
	// Allow reports whether the skill may run; when false, reason explains
	// the skip.
	Allow(ctx context.Context, skill *models.Skill) (bool, string, error)
}

// MeetingPrepGate skips meeting-preparation skills when the calendar has no
// upcoming events today. It covers skills whose name mentions meetings and
// whose required tools include a calendar tool.
type MeetingPrepGate struct {
	caller memory.Caller
	now    func() time.Time
}

// NewMeetingPrepGate creates the gate. caller executes orchestrator tools.
func NewMeetingPrepGate(caller memory.Caller) *MeetingPrepGate {
	return &MeetingPrepGate{caller: caller, now: time.Now}
}

// Applies matches meeting-related skills that depend on a calendar tool.
func (g *MeetingPrepGate) Applies(skill *models.Skill) bool {
	name := strings.ToLower(skill.Name)
	if !strings.Contains(name, "meeting") {
		return false
	}
	return g.calendarTool(skill) != ""
}

// Allow queries today's remaining events; no events means skip.
func (g *MeetingPrepGate) Allow(ctx context.Context, skill *models.Skill) (bool, string, error) {
	tool := g.calendarTool(skill)
	now := g.now()
	endOfDay := time.Date(now.Year(), now.Month(), now.Day(), 23, 59, 59, 0, now.Location())

	args, err := json.Marshal(map[string]any{
		"time_min": now.Format(time.RFC3339),
		"time_max": endOfDay.Format(time.RFC3339),
	})
	if err != nil {
		return true, "", err
	}
	content, err := g.caller.CallTool(ctx, tool, args)
	if err != nil {
		return true, "", fmt.Errorf("calendar gate: %w", err)
	}

	var out struct {
		Events []json.RawMessage `json:"events"`
	}
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return true, "", nil // unexpected shape, let the skill decide
	}
	if len(out.Events) == 0 {
		return false, "no upcoming events today", nil
	}
	return true, "", nil
}

func (g *MeetingPrepGate) calendarTool(skill *models.Skill) string {
	for _, name := range skill.RequiredTools {
		if strings.HasPrefix(name, "calendar_") || strings.HasPrefix(name, "gcal_") {
			return name
		}
	}
	return ""
}
