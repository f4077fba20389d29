package selector

import (
	"context"
	"testing"

	"github.com/strandlabs/strand/internal/config"
	"github.com/strandlabs/strand/pkg/models"
)

func testConfig() config.SelectorConfig {
	return config.SelectorConfig{
		MinTools:            5,
		TopK:                15,
		MaxTools:            25,
		SimilarityThreshold: 0.3,
		StickyLookback:      3,
		StickyMax:           8,
	}
}

func catalogOf(names ...string) []models.ToolDescriptor {
	out := make([]models.ToolDescriptor, len(names))
	for i, name := range names {
		out[i] = models.ToolDescriptor{Name: name, Description: name}
	}
	return out
}

func contains(tools []string, name string) bool {
	for _, t := range tools {
		if t == name {
			return true
		}
	}
	return false
}

func TestSelectEmptyCatalog(t *testing.T) {
	s := New(testConfig(), nil)
	res := s.Select(context.Background(), Input{Message: "hello"})
	if len(res.Tools) != 0 {
		t.Fatalf("expected empty selection, got %v", res.Tools)
	}
}

func TestSelectCoreToolsAlwaysPresent(t *testing.T) {
	s := New(testConfig(), nil)
	catalog := catalogOf("send_message", "store_fact", "search_memories", "weather_today", "gmail_send")

	res := s.Select(context.Background(), Input{Message: "anything at all", Catalog: catalog})
	for _, core := range []string{"send_message", "store_fact", "search_memories"} {
		if !contains(res.Tools, core) {
			t.Errorf("core tool %s missing from selection %v", core, res.Tools)
		}
	}
	// Core tools absent from the catalog must not be invented.
	if contains(res.Tools, "get_status") {
		t.Error("selected get_status which is not in the catalog")
	}
}

func TestSelectKeywordFallback(t *testing.T) {
	s := New(testConfig(), nil)
	catalog := catalogOf("send_message", "gmail_list_unread", "gmail_send", "weather_today", "calendar_list_events")

	res := s.Select(context.Background(), Input{Message: "check my email inbox", Catalog: catalog})
	if !contains(res.Tools, "gmail_list_unread") || !contains(res.Tools, "gmail_send") {
		t.Errorf("fallback missed gmail tools: %v", res.Tools)
	}
	if contains(res.Tools, "weather_today") {
		t.Errorf("fallback selected unrelated weather tool: %v", res.Tools)
	}
	if res.TopScore != 0 {
		t.Errorf("TopScore = %v after fallback, want 0", res.TopScore)
	}
}

func TestSelectPlaybookToolsProtected(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTools = 6
	s := New(cfg, nil)

	names := []string{"send_message", "store_fact", "search_memories", "get_status", "spawn_subagent",
		"gmail_list_unread", "gmail_send", "calendar_list_events"}
	res := s.Select(context.Background(), Input{
		Message:       "check my email",
		Catalog:       catalogOf(names...),
		PlaybookTools: []string{"calendar_list_events"},
	})

	if len(res.Tools) > cfg.MaxTools {
		t.Fatalf("selection size %d exceeds cap %d", len(res.Tools), cfg.MaxTools)
	}
	if !contains(res.Tools, "calendar_list_events") {
		t.Errorf("playbook-required tool dropped by cap: %v", res.Tools)
	}
	for _, core := range CoreTools {
		if !contains(res.Tools, core) {
			t.Errorf("core tool %s dropped by cap: %v", core, res.Tools)
		}
	}
}

func TestSelectStickyExpandsSiblings(t *testing.T) {
	s := New(testConfig(), nil)
	catalog := catalogOf("send_message", "gmail_list_unread", "gmail_send", "gmail_archive", "weather_today")

	res := s.Select(context.Background(), Input{
		Message:     "thanks",
		Catalog:     catalog,
		RecentTools: [][]string{{"gmail_send"}},
	})
	for _, want := range []string{"gmail_send", "gmail_list_unread", "gmail_archive"} {
		if !contains(res.Tools, want) {
			t.Errorf("sticky sibling %s missing: %v", want, res.Tools)
		}
	}
}

func TestSelectStickyCap(t *testing.T) {
	recent := [][]string{{"a_1", "a_2"}, {"b_1"}, {"c_1"}, {"d_1"}}
	catalog := []string{"a_1", "a_2", "a_3", "b_1", "b_2", "c_1", "d_1", "d_2"}

	out := stickyTools(recent, catalog, 3, 4)
	if len(out) > 4 {
		t.Fatalf("sticky list %v exceeds max 4", out)
	}
	// Lookback 3 skips the oldest turn entirely.
	if contains(out, "a_1") || contains(out, "a_2") {
		t.Errorf("sticky included tools beyond lookback: %v", out)
	}
}

func TestSelectDeterministic(t *testing.T) {
	s := New(testConfig(), nil)
	in := Input{
		Message:     "email and calendar for the meeting",
		Catalog:     catalogOf("send_message", "gmail_send", "gmail_list_unread", "calendar_list_events", "gcal_create"),
		RecentTools: [][]string{{"gmail_send"}},
	}
	first := s.Select(context.Background(), in)
	for i := 0; i < 5; i++ {
		again := s.Select(context.Background(), in)
		if len(again.Tools) != len(first.Tools) {
			t.Fatalf("selection size varies: %v vs %v", first.Tools, again.Tools)
		}
		for j := range first.Tools {
			if first.Tools[j] != again.Tools[j] {
				t.Fatalf("selection order varies: %v vs %v", first.Tools, again.Tools)
			}
		}
	}
}

func TestFallbackTools(t *testing.T) {
	catalog := []string{"gmail_send", "weather_today", "calendar_list_events", "note_create"}

	tests := []struct {
		message string
		want    []string
	}{
		{"will it rain tomorrow", []string{"weather_today"}},
		{"schedule a meeting and email Bob", []string{"calendar_list_events", "gmail_send"}},
		{"hello there", nil},
	}
	for _, tt := range tests {
		got := FallbackTools(tt.message, catalog)
		if len(got) != len(tt.want) {
			t.Errorf("FallbackTools(%q) = %v, want %v", tt.message, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("FallbackTools(%q) = %v, want %v", tt.message, got, tt.want)
				break
			}
		}
	}
}

func TestApplyCapDropsLowestScored(t *testing.T) {
	order := []string{"core", "high", "mid", "low"}
	protected := map[string]bool{"core": true}
	scores := map[string]float64{"high": 0.9, "mid": 0.5, "low": 0.1}

	out := applyCap(order, protected, scores, 2)
	if len(out) != 2 {
		t.Fatalf("got %v, want 2 entries", out)
	}
	if out[0] != "core" || out[1] != "high" {
		t.Errorf("got %v, want [core high]", out)
	}
}

func TestSelectSourcesAttribution(t *testing.T) {
	s := New(testConfig(), nil)
	catalog := catalogOf("send_message", "store_fact", "gmail_list_unread", "gmail_send", "calendar_list_events", "weather_today")

	res := s.Select(context.Background(), Input{
		Message:       "check my email inbox",
		Catalog:       catalog,
		PlaybookTools: []string{"calendar_list_events"},
		RecentTools:   [][]string{{"weather_today"}},
	})

	if got := res.Sources["core"]; got != 2 {
		t.Errorf("core sources = %d, want 2", got)
	}
	if got := res.Sources["fallback"]; got != 2 {
		t.Errorf("fallback sources = %d, want the two gmail tools", got)
	}
	if got := res.Sources["playbook"]; got != 1 {
		t.Errorf("playbook sources = %d, want 1", got)
	}
	if got := res.Sources["sticky"]; got != 1 {
		t.Errorf("sticky sources = %d, want 1", got)
	}

	total := 0
	for _, n := range res.Sources {
		total += n
	}
	if total != len(res.Tools) {
		t.Errorf("source counts sum to %d, selection has %d tools", total, len(res.Tools))
	}

	// A tool picked by an earlier stage keeps its original attribution even
	// when a later stage protects it.
	res = s.Select(context.Background(), Input{
		Message:       "check my email inbox",
		Catalog:       catalog,
		PlaybookTools: []string{"gmail_send"},
	})
	if got := res.Sources["fallback"]; got != 2 {
		t.Errorf("fallback sources = %d, want 2 (playbook must not re-attribute)", got)
	}
	if got := res.Sources["playbook"]; got != 0 {
		t.Errorf("playbook sources = %d, want 0", got)
	}
}
