package memory

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/strandlabs/strand/pkg/models"
)

// fakeCaller records tool calls and plays back canned responses per tool name.
type fakeCaller struct {
	calls     []string
	args      map[string]json.RawMessage
	responses map[string]string
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{
		args:      make(map[string]json.RawMessage),
		responses: make(map[string]string),
	}
}

func (f *fakeCaller) CallTool(ctx context.Context, name string, args json.RawMessage) (string, error) {
	f.calls = append(f.calls, name)
	f.args[name] = args
	return f.responses[name], nil
}

func (f *fakeCaller) decodeArgs(t *testing.T, tool string) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(f.args[tool], &out); err != nil {
		t.Fatalf("decode %s args: %v", tool, err)
	}
	return out
}

func TestStoreFactScopesAgent(t *testing.T) {
	caller := newFakeCaller()
	c := NewClient(caller, "agent-7", DefaultNames())

	if err := c.StoreFact(context.Background(), models.Fact{Content: "prefers tea"}); err != nil {
		t.Fatalf("StoreFact: %v", err)
	}
	args := caller.decodeArgs(t, "store_fact")
	if args["agent_id"] != "agent-7" {
		t.Errorf("agent_id = %v, want agent-7", args["agent_id"])
	}
	if args["content"] != "prefers tea" {
		t.Errorf("content = %v", args["content"])
	}
}

func TestSearchMemories(t *testing.T) {
	caller := newFakeCaller()
	caller.responses["search_memories"] = `{"facts":[{"content":"lives in Warsaw"},{"content":"prefers tea"}]}`
	c := NewClient(caller, "agent-7", DefaultNames())

	facts, err := c.SearchMemories(context.Background(), "where do I live", 5)
	if err != nil {
		t.Fatalf("SearchMemories: %v", err)
	}
	if len(facts) != 2 || facts[0].Content != "lives in Warsaw" {
		t.Errorf("facts = %+v", facts)
	}
	args := caller.decodeArgs(t, "search_memories")
	if args["query"] != "where do I live" || args["limit"] != float64(5) {
		t.Errorf("args = %v", args)
	}
}

func TestListSkillsFilter(t *testing.T) {
	caller := newFakeCaller()
	caller.responses["list_skills"] = `{"skills":[{"name":"briefing","trigger":"cron","enabled":true}]}`
	c := NewClient(caller, "agent-7", DefaultNames())

	enabled := true
	skills, err := c.ListSkills(context.Background(), SkillFilter{Enabled: &enabled, Trigger: models.TriggerCron})
	if err != nil {
		t.Fatalf("ListSkills: %v", err)
	}
	if len(skills) != 1 || skills[0].Name != "briefing" {
		t.Errorf("skills = %+v", skills)
	}
	args := caller.decodeArgs(t, "list_skills")
	if args["enabled"] != true || args["trigger"] != "cron" {
		t.Errorf("filter args = %v", args)
	}
}

func TestListSkillsNoFilterOmitsFields(t *testing.T) {
	caller := newFakeCaller()
	caller.responses["list_skills"] = `{"skills":[]}`
	c := NewClient(caller, "agent-7", DefaultNames())

	if _, err := c.ListSkills(context.Background(), SkillFilter{}); err != nil {
		t.Fatalf("ListSkills: %v", err)
	}
	args := caller.decodeArgs(t, "list_skills")
	if _, ok := args["enabled"]; ok {
		t.Error("enabled sent without a filter")
	}
	if _, ok := args["trigger"]; ok {
		t.Error("trigger sent without a filter")
	}
}

func TestPlaybooksAreKeywordSkills(t *testing.T) {
	caller := newFakeCaller()
	caller.responses["list_skills"] = `{"skills":[{"name":"remember-this","trigger":"keyword","keywords":["remember"],"instructions":"Store it."}]}`
	c := NewClient(caller, "agent-7", DefaultNames())

	playbooks, err := c.ListPlaybooks(context.Background())
	if err != nil {
		t.Fatalf("ListPlaybooks: %v", err)
	}
	if len(playbooks) != 1 || playbooks[0].Name != "remember-this" {
		t.Fatalf("playbooks = %+v", playbooks)
	}
	args := caller.decodeArgs(t, "list_skills")
	if args["trigger"] != "keyword" {
		t.Errorf("trigger filter = %v, want keyword", args["trigger"])
	}

	// Storing a playbook writes an enabled keyword-trigger skill.
	if err := c.StorePlaybook(context.Background(), playbooks[0]); err != nil {
		t.Fatalf("StorePlaybook: %v", err)
	}
	stored := caller.decodeArgs(t, "store_skill")
	if stored["trigger"] != "keyword" || stored["enabled"] != true {
		t.Errorf("stored skill = %v", stored)
	}
}

func TestBackfillExtractFacts(t *testing.T) {
	caller := newFakeCaller()
	caller.responses["backfill_extract_facts"] = `{"processed":10,"remaining":3,"done":false}`
	c := NewClient(caller, "agent-7", DefaultNames())

	res, err := c.BackfillExtractFacts(context.Background(), 10)
	if err != nil {
		t.Fatalf("BackfillExtractFacts: %v", err)
	}
	if res.Processed != 10 || res.Remaining != 3 || res.Done {
		t.Errorf("result = %+v", res)
	}
	args := caller.decodeArgs(t, "backfill_extract_facts")
	if args["batch_size"] != float64(10) {
		t.Errorf("batch_size = %v", args["batch_size"])
	}
}

func TestSynthesizeFacts(t *testing.T) {
	caller := newFakeCaller()
	caller.responses["synthesize_facts"] = `{"merged":4,"deleted":2,"updated":1}`
	c := NewClient(caller, "agent-7", DefaultNames())

	res, err := c.SynthesizeFacts(context.Background())
	if err != nil {
		t.Fatalf("SynthesizeFacts: %v", err)
	}
	if res.Merged != 4 || res.Deleted != 2 || res.Updated != 1 {
		t.Errorf("result = %+v", res)
	}
}
