package models

import (
	"testing"
	"time"
)

func TestPlaybookMatches(t *testing.T) {
	pb := Playbook{
		Name:     "morning-briefing",
		Keywords: []string{"briefing", "Morning Update", " "},
	}

	tests := []struct {
		message string
		want    bool
	}{
		{"give me my briefing", true},
		{"MORNING UPDATE please", true},
		{"what's the weather", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := pb.Matches(tt.message); got != tt.want {
			t.Errorf("Matches(%q) = %v, want %v", tt.message, got, tt.want)
		}
	}
}

func TestPlaybookContentHash(t *testing.T) {
	pb := Playbook{
		Name:          "inbox-triage",
		Instructions:  "Triage the inbox.",
		Keywords:      []string{"inbox", "triage"},
		RequiredTools: []string{"gmail_list_unread", "gmail_archive"},
	}

	// Keyword and tool order must not affect the hash.
	reordered := pb
	reordered.Keywords = []string{"triage", "inbox"}
	reordered.RequiredTools = []string{"gmail_archive", "gmail_list_unread"}
	if pb.ContentHash() != reordered.ContentHash() {
		t.Error("hash changed under keyword/tool reordering")
	}

	// ID and Seeded are bookkeeping, not content.
	annotated := pb
	annotated.ID = "pb-123"
	annotated.Seeded = true
	if pb.ContentHash() != annotated.ContentHash() {
		t.Error("hash changed when only ID/Seeded changed")
	}

	changed := pb
	changed.Instructions = "Triage the inbox, archive newsletters."
	if pb.ContentHash() == changed.ContentHash() {
		t.Error("hash unchanged after instructions edit")
	}
}

func TestSkillOneShot(t *testing.T) {
	at := time.Now()
	tests := []struct {
		name  string
		skill Skill
		want  bool
	}{
		{"cron", Skill{Trigger: TriggerCron, TriggerConfig: TriggerConfig{Schedule: "0 9 * * *"}}, false},
		{"interval", Skill{Trigger: TriggerInterval, TriggerConfig: TriggerConfig{IntervalMinutes: 60}}, false},
		{"at", Skill{Trigger: TriggerAt, TriggerConfig: TriggerConfig{At: &at}}, true},
		{"in", Skill{Trigger: TriggerIn, TriggerConfig: TriggerConfig{InMinutes: 30}}, true},
	}
	for _, tt := range tests {
		if got := tt.skill.OneShot(); got != tt.want {
			t.Errorf("%s: OneShot() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestSkillExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	tests := []struct {
		name  string
		skill Skill
		want  bool
	}{
		{"no bounds", Skill{}, false},
		{"past expiry", Skill{ExpiresAt: &past}, true},
		{"future expiry", Skill{ExpiresAt: &future}, false},
		{"run budget exhausted", Skill{MaxRuns: 3, RunCount: 3}, true},
		{"run budget remaining", Skill{MaxRuns: 3, RunCount: 2}, false},
	}
	for _, tt := range tests {
		if got := tt.skill.Expired(now); got != tt.want {
			t.Errorf("%s: Expired() = %v, want %v", tt.name, got, tt.want)
		}
	}
}
