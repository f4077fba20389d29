package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/strandlabs/strand/internal/retry"
	"github.com/strandlabs/strand/internal/usage"
	"github.com/strandlabs/strand/pkg/models"
)

// Anthropic implements LLM on the Claude Messages API.
type Anthropic struct {
	client anthropic.Client
	retry  retry.Config
}

// defaultAnthropicMaxTokens applies when the request does not set MaxTokens;
// the Messages API requires a positive cap.
const defaultAnthropicMaxTokens = 4096

// NewAnthropic creates an Anthropic provider.
func NewAnthropic(apiKey, baseURL string) *Anthropic {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Anthropic{
		client: anthropic.NewClient(opts...),
		retry:  retry.DefaultConfig(),
	}
}

// Name returns "anthropic".
func (p *Anthropic) Name() string { return "anthropic" }

// Complete performs one non-streaming Messages.New call, retrying transient
// failures.
func (p *Anthropic) Complete(ctx context.Context, req *Request) (*Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  convertAnthropicMessages(req.Messages),
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(float64(req.Temperature))
	}
	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
		switch {
		case req.ForcedTool != "":
			params.ToolChoice = anthropic.ToolChoiceParamOfTool(req.ForcedTool)
		case req.ToolChoice == ToolChoiceRequired:
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}
		case req.ToolChoice == ToolChoiceNone:
			none := anthropic.NewToolChoiceNoneParam()
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfNone: &none}
		}
	}

	msg, err := retry.DoWithValue(ctx, p.retry, func() (*anthropic.Message, error) {
		msg, err := p.client.Messages.New(ctx, params)
		if err != nil && !anthropicRetryable(err) {
			return msg, retry.Permanent(err)
		}
		return msg, err
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic completion: %w", err)
	}

	out := &Response{
		StopReason: string(msg.StopReason),
		Usage: usage.Usage{
			PromptTokens:     msg.Usage.InputTokens,
			CompletionTokens: msg.Usage.OutputTokens,
		},
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			out.Text += block.Text
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, models.ToolCall{
				ID:    block.ID,
				Name:  block.Name,
				Input: block.Input,
			})
		}
	}
	return out, nil
}

// convertAnthropicMessages maps the unified format to Claude message params.
// System messages are carried in params.System; tool-result messages fold into
// user messages, as the API requires.
func convertAnthropicMessages(messages []models.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		var blocks []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
		}
		for _, tr := range msg.ToolResults {
			blocks = append(blocks, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
		}
		for _, tc := range msg.ToolCalls {
			blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, tc.Input, tc.Name))
		}
		if len(blocks) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out
}

// convertAnthropicTools maps tool descriptors to Claude tool params.
func convertAnthropicTools(tools []models.ToolDescriptor) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if len(tool.Parameters) > 0 {
			if err := json.Unmarshal(tool.Parameters, &schema); err != nil {
				return nil, fmt.Errorf("tool %s schema: %w", tool.Name, err)
			}
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool != nil {
			param.OfTool.Description = anthropic.String(tool.Description)
		}
		out = append(out, param)
	}
	return out, nil
}

// anthropicRetryable reports whether the error is a rate limit or server
// error.
func anthropicRetryable(err error) bool {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return true
}
