package provider

import (
	"testing"

	anthropic "github.com/anthropics/anthropic-sdk-go"

	"github.com/strandlabs/strand/internal/config"
	"github.com/strandlabs/strand/pkg/models"
)

func TestConvertAnthropicMessages(t *testing.T) {
	messages := []models.Message{
		{Role: models.RoleSystem, Content: "carried separately"},
		{Role: models.RoleUser, Content: "send the email"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			{ID: "c1", Name: "gmail_send", Input: []byte(`{"to":"bob"}`)},
		}},
		{Role: models.RoleTool, ToolResults: []models.ToolResult{
			{ToolCallID: "c1", Content: "sent"},
		}},
		{Role: models.RoleAssistant, Content: "Done."},
	}

	out := convertAnthropicMessages(messages)
	// System dropped; tool results fold into a user-role message.
	if len(out) != 4 {
		t.Fatalf("got %d messages, want 4", len(out))
	}
	if out[0].Role != anthropic.MessageParamRoleUser {
		t.Errorf("first role = %v", out[0].Role)
	}
	if out[1].Role != anthropic.MessageParamRoleAssistant {
		t.Errorf("tool-call role = %v", out[1].Role)
	}
	if out[2].Role != anthropic.MessageParamRoleUser {
		t.Errorf("tool-result role = %v, want user", out[2].Role)
	}
	if out[3].Role != anthropic.MessageParamRoleAssistant {
		t.Errorf("final role = %v", out[3].Role)
	}
}

func TestConvertAnthropicMessagesSkipsEmpty(t *testing.T) {
	out := convertAnthropicMessages([]models.Message{
		{Role: models.RoleAssistant, Content: ""},
		{Role: models.RoleUser, Content: "hi"},
	})
	if len(out) != 1 {
		t.Fatalf("got %d messages, want 1 (empty assistant dropped)", len(out))
	}
}

func TestConvertAnthropicTools(t *testing.T) {
	tools := []models.ToolDescriptor{
		{Name: "gmail_send", Description: "send email", Parameters: []byte(`{"type":"object","properties":{"to":{"type":"string"}},"required":["to"]}`)},
		{Name: "no_schema", Description: "schemaless"},
	}
	out, err := convertAnthropicTools(tools)
	if err != nil {
		t.Fatalf("convertAnthropicTools: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("got %d tools", len(out))
	}
	if out[0].OfTool == nil || out[0].OfTool.Name != "gmail_send" {
		t.Fatalf("tool = %+v", out[0])
	}
	if got := out[0].OfTool.Description.Value; got != "send email" {
		t.Errorf("description = %q", got)
	}

	if _, err := convertAnthropicTools([]models.ToolDescriptor{
		{Name: "broken", Parameters: []byte(`{"type":`)},
	}); err == nil {
		t.Error("malformed schema accepted")
	}
}

func TestAnthropicRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"rate limited", &anthropic.Error{StatusCode: 429}, true},
		{"overloaded", &anthropic.Error{StatusCode: 529}, true},
		{"bad request", &anthropic.Error{StatusCode: 400}, false},
		{"transport", assertErr("connection reset"), true},
	}
	for _, tt := range tests {
		if got := anthropicRetryable(tt.err); got != tt.want {
			t.Errorf("%s: anthropicRetryable = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestProviderFactory(t *testing.T) {
	tests := []struct {
		provider string
		wantName string
		wantErr  bool
	}{
		{"openai", "openai", false},
		{"", "openai", false},
		{"anthropic", "anthropic", false},
		{"watson", "", true},
	}
	for _, tt := range tests {
		llm, err := New(config.Config{Provider: tt.provider, APIKey: "test"})
		if tt.wantErr {
			if err == nil {
				t.Errorf("New(%q): expected error", tt.provider)
			}
			continue
		}
		if err != nil {
			t.Fatalf("New(%q): %v", tt.provider, err)
		}
		if llm.Name() != tt.wantName {
			t.Errorf("New(%q).Name() = %s, want %s", tt.provider, llm.Name(), tt.wantName)
		}
	}
}
