// Package orchestrator is the HTTP client for the tool host. The engine only
// knows this contract: a tool catalog and a call endpoint; transports behind
// the orchestrator are invisible to it.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/strandlabs/strand/internal/retry"
	"github.com/strandlabs/strand/internal/trace"
	"github.com/strandlabs/strand/pkg/models"
)

// Client talks to the orchestrator over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	retryCfg   retry.Config
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger overrides the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRetryConfig overrides the transient-error retry policy.
func WithRetryConfig(cfg retry.Config) Option {
	return func(c *Client) { c.retryCfg = cfg }
}

// NewClient creates an orchestrator client for the given base URL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     slog.Default().With("component", "orchestrator"),
		retryCfg:   retry.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CallError is a non-transient failure reported by the tool host, such as a
// validation or permission error. It is surfaced into the model context
// rather than retried.
type CallError struct {
	Tool    string
	Message string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("tool %s: %s", e.Tool, e.Message)
}

type listToolsResponse struct {
	Tools []models.ToolDescriptor `json:"tools"`
}

type callToolRequest struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type callToolResponse struct {
	Success bool            `json:"success"`
	Content json.RawMessage `json:"content,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// ListTools fetches the current tool catalog.
func (c *Client) ListTools(ctx context.Context) ([]models.ToolDescriptor, error) {
	return retry.DoWithValue(ctx, c.retryCfg, func() ([]models.ToolDescriptor, error) {
		var out listToolsResponse
		if err := c.doJSON(ctx, http.MethodGet, "/v1/tools", nil, &out); err != nil {
			return nil, err
		}
		return out.Tools, nil
	})
}

// CallTool executes a tool and returns its unwrapped text content. The trace
// id from the context is forwarded in the X-Trace-Id header.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (string, error) {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	body := callToolRequest{Name: name, Args: args}

	return retry.DoWithValue(ctx, c.retryCfg, func() (string, error) {
		var out callToolResponse
		if err := c.doJSON(ctx, http.MethodPost, "/v1/tools/call", body, &out); err != nil {
			return "", err
		}
		if !out.Success {
			// Tool-host validation and permission errors are final; the
			// model gets the error text and may self-correct.
			return "", retry.Permanent(&CallError{Tool: name, Message: out.Error})
		}
		return UnwrapContent(out.Content), nil
	})
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var reader io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return retry.Permanent(fmt.Errorf("encode request: %w", err))
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if id := trace.ID(ctx); id != "" {
		req.Header.Set(trace.Header, id)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("orchestrator request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("orchestrator %s: status %d", path, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return retry.Permanent(fmt.Errorf("orchestrator %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(data))))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
