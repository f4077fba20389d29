package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is the unified message format stored in sessions and sent to the
// model. Tool-call and tool-result messages are structurally paired: a
// RoleTool message always directly follows the RoleAssistant message whose
// ToolCalls it satisfies.
type Message struct {
	ID          string       `json:"id,omitempty"`
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
	// Summary marks a compaction sentinel: the message supersedes all
	// messages it summarized.
	Summary   bool      `json:"summary,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// ToolCall represents the model's request to execute a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult represents the output of a tool execution.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name,omitempty"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// ToolDescriptor is the engine's read-only copy of a tool exposed by the
// orchestrator. Name is the stable identifier; Parameters is a JSON schema.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// CanonicalText returns the text a tool is embedded under.
func (t ToolDescriptor) CanonicalText() string {
	return t.Name + ": " + t.Description
}

// Fact is a durable piece of knowledge extracted from conversations and
// stored by the memory collaborator.
type Fact struct {
	ID         string    `json:"id,omitempty"`
	AgentID    string    `json:"agent_id,omitempty"`
	Content    string    `json:"content"`
	Category   string    `json:"category,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	CreatedAt  time.Time `json:"created_at,omitempty"`
}

// Profile describes the agent persona injected into every system prompt.
type Profile struct {
	AgentID  string `json:"agent_id"`
	Persona  string `json:"persona"`
	Timezone string `json:"timezone,omitempty"`
}
