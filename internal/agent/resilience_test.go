package agent

import (
	"strings"
	"testing"

	"github.com/strandlabs/strand/pkg/models"
)

func TestClaimsAction(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"I've sent the email to Bob.", true},
		{"I have scheduled the meeting for 3pm.", true},
		{"Your event has been created.", true},
		{"Event details: Standup at 9am", true},
		{"Your reminder is set for tomorrow.", true},
		{"The invite was successfully sent.", true},
		{"I can send that email if you'd like.", false},
		{"Here's what I found in your inbox.", false},
		{"Would you like me to schedule it?", false},
	}
	for _, tt := range tests {
		if got := claimsAction(tt.text); got != tt.want {
			t.Errorf("claimsAction(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestLooksLikeRefusal(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"I can't send emails.", true},
		{"I cannot access your calendar.", true},
		{"I'm unable to do that.", true},
		{"I don't have access to your files.", true},
		{"As an AI, I cannot browse the web.", true},
		{"Sure, sending it now.", false},
		{"Here is your briefing.", false},
	}
	for _, tt := range tests {
		if got := looksLikeRefusal(tt.text); got != tt.want {
			t.Errorf("looksLikeRefusal(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestParseLeakedCall(t *testing.T) {
	tools := []string{"gmail_send", "calendar_create_event"}

	t.Run("bare call", func(t *testing.T) {
		call, ok := parseLeakedCall(`gmail_send({"to": "bob@example.com", "subject": "hi"})`, tools)
		if !ok {
			t.Fatal("leak not detected")
		}
		if call.Name != "gmail_send" {
			t.Errorf("Name = %s", call.Name)
		}
		if call.Preamble != "" {
			t.Errorf("Preamble = %q, want empty", call.Preamble)
		}
	})

	t.Run("with preamble", func(t *testing.T) {
		call, ok := parseLeakedCall(`Let me send that for you. gmail_send({"to": "bob"})`, tools)
		if !ok {
			t.Fatal("leak not detected")
		}
		if call.Preamble != "Let me send that for you." {
			t.Errorf("Preamble = %q", call.Preamble)
		}
	})

	t.Run("nested braces in strings", func(t *testing.T) {
		call, ok := parseLeakedCall(`calendar_create_event({"title": "review {draft}", "body": "a \"quoted\" note"})`, tools)
		if !ok {
			t.Fatal("leak with nested braces not detected")
		}
		if !strings.Contains(string(call.Args), "review {draft}") {
			t.Errorf("Args = %s", call.Args)
		}
	})

	t.Run("unknown tool ignored", func(t *testing.T) {
		if _, ok := parseLeakedCall(`delete_everything({"force": true})`, tools); ok {
			t.Error("detected a leak for an unknown tool")
		}
	})

	t.Run("word boundary", func(t *testing.T) {
		if _, ok := parseLeakedCall(`my_gmail_send({"to": "bob"})`, tools); ok {
			t.Error("matched a tool name inside a longer identifier")
		}
	})

	t.Run("unbalanced json ignored", func(t *testing.T) {
		if _, ok := parseLeakedCall(`gmail_send({"to": "bob"`, tools); ok {
			t.Error("detected a leak with unbalanced braces")
		}
	})

	t.Run("prose mention without parens", func(t *testing.T) {
		if _, ok := parseLeakedCall(`You could use gmail_send for that.`, tools); ok {
			t.Error("detected a leak in a plain mention")
		}
	})
}

func TestValidateToolArgs(t *testing.T) {
	tool := models.ToolDescriptor{
		Name: "gmail_send",
		Parameters: []byte(`{
			"type": "object",
			"required": ["to"],
			"properties": {
				"to": {"type": "string"},
				"subject": {"type": "string"}
			}
		}`),
	}

	if err := validateToolArgs(tool, []byte(`{"to": "bob@example.com"}`)); err != nil {
		t.Errorf("valid args rejected: %v", err)
	}
	if err := validateToolArgs(tool, []byte(`{"subject": "hi"}`)); err == nil {
		t.Error("missing required field accepted")
	}
	if err := validateToolArgs(tool, []byte(`{"to": 42}`)); err == nil {
		t.Error("wrong field type accepted")
	}
	if err := validateToolArgs(tool, []byte(`not json`)); err == nil {
		t.Error("non-JSON args accepted")
	}

	// No schema accepts anything.
	if err := validateToolArgs(models.ToolDescriptor{Name: "free"}, []byte(`{"x":1}`)); err != nil {
		t.Errorf("schemaless tool rejected args: %v", err)
	}

	// A broken schema never blocks the call.
	broken := models.ToolDescriptor{Name: "broken", Parameters: []byte(`{"type": 17`)}
	if err := validateToolArgs(broken, []byte(`{"x":1}`)); err != nil {
		t.Errorf("malformed schema blocked the call: %v", err)
	}
}

func TestTruncateForSummary(t *testing.T) {
	long := strings.Repeat("a", 3000)
	if got := truncateForSummary(long, 2000); len(got) != 2000 {
		t.Errorf("len = %d, want 2000", len(got))
	}
	if got := truncateForSummary("short", 2000); got != "short" {
		t.Errorf("got %q", got)
	}
	// Zero limit falls back to the default.
	if got := truncateForSummary(long, 0); len(got) != 2000 {
		t.Errorf("default limit len = %d, want 2000", len(got))
	}
}
