// Package memory wraps the memory collaborator. All access goes through
// orchestrator tools; tool references are resolved by name at call time, so
// no ownership cycle exists between memory, skills, and tools.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/strandlabs/strand/pkg/models"
)

// Tool names exposed by the orchestrator for the memory collaborator. The
// semantic contract is fixed; the names are an orchestrator detail and can be
// overridden via Names.
type Names struct {
	StoreFact           string
	ListFacts           string
	SearchMemories      string
	GetProfile          string
	ListSkills          string
	StoreSkill          string
	UpdateSkill         string
	DeleteSkill         string
	StoreConversation   string
	SearchConversations string
	BackfillFacts       string
	SynthesizeFacts     string
}

// DefaultNames returns the standard memory tool names.
func DefaultNames() Names {
	return Names{
		StoreFact:           "store_fact",
		ListFacts:           "list_facts",
		SearchMemories:      "search_memories",
		GetProfile:          "get_profile",
		ListSkills:          "list_skills",
		StoreSkill:          "store_skill",
		UpdateSkill:         "update_skill",
		DeleteSkill:         "delete_skill",
		StoreConversation:   "store_conversation",
		SearchConversations: "search_conversations",
		BackfillFacts:       "backfill_extract_facts",
		SynthesizeFacts:     "synthesize_facts",
	}
}

// Caller executes one orchestrator tool. Satisfied by *orchestrator.Client.
type Caller interface {
	CallTool(ctx context.Context, name string, args json.RawMessage) (string, error)
}

// Client is the typed facade over the memory tools.
type Client struct {
	caller  Caller
	names   Names
	agentID string
	logger  *slog.Logger
}

// NewClient creates a memory client scoped to one agent.
func NewClient(caller Caller, agentID string, names Names) *Client {
	return &Client{
		caller:  caller,
		names:   names,
		agentID: agentID,
		logger:  slog.Default().With("component", "memory"),
	}
}

func (c *Client) call(ctx context.Context, tool string, args any, out any) error {
	payload, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode %s args: %w", tool, err)
	}
	content, err := c.caller.CallTool(ctx, tool, payload)
	if err != nil {
		return err
	}
	if out == nil || content == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(content), out); err != nil {
		return fmt.Errorf("decode %s response: %w", tool, err)
	}
	return nil
}

// StoreFact persists one fact.
func (c *Client) StoreFact(ctx context.Context, fact models.Fact) error {
	fact.AgentID = c.agentID
	return c.call(ctx, c.names.StoreFact, fact, nil)
}

// ListFacts returns the agent's known facts.
func (c *Client) ListFacts(ctx context.Context, limit int) ([]models.Fact, error) {
	var out struct {
		Facts []models.Fact `json:"facts"`
	}
	args := map[string]any{"agent_id": c.agentID, "limit": limit}
	if err := c.call(ctx, c.names.ListFacts, args, &out); err != nil {
		return nil, err
	}
	return out.Facts, nil
}

// SearchMemories returns the facts most relevant to the query text.
func (c *Client) SearchMemories(ctx context.Context, query string, limit int) ([]models.Fact, error) {
	var out struct {
		Facts []models.Fact `json:"facts"`
	}
	args := map[string]any{"agent_id": c.agentID, "query": query, "limit": limit}
	if err := c.call(ctx, c.names.SearchMemories, args, &out); err != nil {
		return nil, err
	}
	return out.Facts, nil
}

// GetProfile fetches the agent persona.
func (c *Client) GetProfile(ctx context.Context) (models.Profile, error) {
	var out models.Profile
	args := map[string]any{"agent_id": c.agentID}
	if err := c.call(ctx, c.names.GetProfile, args, &out); err != nil {
		return models.Profile{}, err
	}
	return out, nil
}

// SkillFilter narrows ListSkills results.
type SkillFilter struct {
	Enabled *bool
	Trigger models.TriggerType
}

// ListSkills lists the agent's skills, optionally filtered.
func (c *Client) ListSkills(ctx context.Context, filter SkillFilter) ([]*models.Skill, error) {
	args := map[string]any{"agent_id": c.agentID}
	if filter.Enabled != nil {
		args["enabled"] = *filter.Enabled
	}
	if filter.Trigger != "" {
		args["trigger"] = string(filter.Trigger)
	}
	var out struct {
		Skills []*models.Skill `json:"skills"`
	}
	if err := c.call(ctx, c.names.ListSkills, args, &out); err != nil {
		return nil, err
	}
	return out.Skills, nil
}

// StoreSkill creates a skill.
func (c *Client) StoreSkill(ctx context.Context, skill *models.Skill) error {
	skill.AgentID = c.agentID
	return c.call(ctx, c.names.StoreSkill, skill, nil)
}

// UpdateSkill writes a skill in place. Used by the scheduler for targeted
// last_run_* bookkeeping after each execution.
func (c *Client) UpdateSkill(ctx context.Context, skill *models.Skill) error {
	skill.AgentID = c.agentID
	return c.call(ctx, c.names.UpdateSkill, skill, nil)
}

// DeleteSkill removes a skill by name.
func (c *Client) DeleteSkill(ctx context.Context, name string) error {
	args := map[string]any{"agent_id": c.agentID, "name": name}
	return c.call(ctx, c.names.DeleteSkill, args, nil)
}

// ListPlaybooks lists stored playbooks (keyword-trigger skills double as
// playbooks on the memory side).
func (c *Client) ListPlaybooks(ctx context.Context) ([]models.Playbook, error) {
	skills, err := c.ListSkills(ctx, SkillFilter{Trigger: models.TriggerKeyword})
	if err != nil {
		return nil, err
	}
	playbooks := make([]models.Playbook, 0, len(skills))
	for _, s := range skills {
		playbooks = append(playbooks, s.Playbook)
	}
	return playbooks, nil
}

// StorePlaybook creates a keyword-trigger skill backing a playbook.
func (c *Client) StorePlaybook(ctx context.Context, pb models.Playbook) error {
	return c.StoreSkill(ctx, &models.Skill{
		Playbook: pb,
		Trigger:  models.TriggerKeyword,
		Enabled:  true,
	})
}

// UpdatePlaybook rewrites a seeded playbook in place.
func (c *Client) UpdatePlaybook(ctx context.Context, pb models.Playbook) error {
	return c.UpdateSkill(ctx, &models.Skill{
		Playbook: pb,
		Trigger:  models.TriggerKeyword,
		Enabled:  true,
	})
}

// StoreConversation records a finished conversation for later backfill.
func (c *Client) StoreConversation(ctx context.Context, conversationID string, transcript string) error {
	args := map[string]any{
		"agent_id":        c.agentID,
		"conversation_id": conversationID,
		"transcript":      transcript,
		"stored_at":       time.Now().UTC().Format(time.RFC3339),
	}
	return c.call(ctx, c.names.StoreConversation, args, nil)
}

// BackfillResult reports one batch of historical fact extraction.
type BackfillResult struct {
	Processed int  `json:"processed"`
	Remaining int  `json:"remaining"`
	Done      bool `json:"done"`
}

// BackfillExtractFacts processes one batch of unprocessed conversations.
func (c *Client) BackfillExtractFacts(ctx context.Context, batchSize int) (BackfillResult, error) {
	var out BackfillResult
	args := map[string]any{"agent_id": c.agentID, "batch_size": batchSize}
	if err := c.call(ctx, c.names.BackfillFacts, args, &out); err != nil {
		return BackfillResult{}, err
	}
	return out, nil
}

// SynthesisResult reports a weekly fact consolidation run.
type SynthesisResult struct {
	Merged  int `json:"merged"`
	Deleted int `json:"deleted"`
	Updated int `json:"updated"`
}

// SynthesizeFacts consolidates the fact store: merges duplicates, deletes
// stale entries, updates the rest.
func (c *Client) SynthesizeFacts(ctx context.Context) (SynthesisResult, error) {
	var out SynthesisResult
	args := map[string]any{"agent_id": c.agentID}
	if err := c.call(ctx, c.names.SynthesizeFacts, args, &out); err != nil {
		return SynthesisResult{}, err
	}
	return out, nil
}
