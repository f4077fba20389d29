// Package provider abstracts the chat-completion model behind a single
// synchronous interface with tool calling and usage reporting.
package provider

import (
	"context"
	"fmt"

	"github.com/strandlabs/strand/internal/config"
	"github.com/strandlabs/strand/internal/usage"
	"github.com/strandlabs/strand/pkg/models"
)

// ToolChoice constrains how the model may use the supplied tools.
type ToolChoice string

const (
	// ToolChoiceAuto lets the model decide.
	ToolChoiceAuto ToolChoice = "auto"
	// ToolChoiceRequired forces at least one tool call.
	ToolChoiceRequired ToolChoice = "required"
	// ToolChoiceNone forbids tool calls.
	ToolChoiceNone ToolChoice = "none"
)

// Request is one model invocation.
type Request struct {
	Model    string
	System   string
	Messages []models.Message
	Tools    []models.ToolDescriptor
	// ToolChoice defaults to auto when empty.
	ToolChoice ToolChoice
	// ForcedTool names a single tool the model must call. Implies required.
	ForcedTool  string
	MaxTokens   int
	Temperature float32
}

// Response is the model's reply: text, zero or more tool calls, and usage.
type Response struct {
	Text       string
	ToolCalls  []models.ToolCall
	StopReason string
	Usage      usage.Usage
}

// LLM is a synchronous chat-completion provider. Implementations are safe for
// concurrent use.
type LLM interface {
	Name() string
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// New builds the provider named by cfg.Provider.
func New(cfg config.Config) (LLM, error) {
	switch cfg.Provider {
	case "", "openai":
		return NewOpenAI(cfg.APIKey, cfg.BaseURL), nil
	case "anthropic":
		return NewAnthropic(cfg.APIKey, cfg.BaseURL), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}
