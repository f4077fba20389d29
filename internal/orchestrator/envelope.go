package orchestrator

import (
	"encoding/json"
	"strings"
)

// UnwrapContent extracts the useful text from a tool-call content envelope.
// The orchestrator wraps tool payloads one level deep: the content is JSON
// whose payload lives under "response.data" or "response"; anything else is
// returned as-is.
func UnwrapContent(content json.RawMessage) string {
	raw := strings.TrimSpace(string(content))
	if raw == "" {
		return ""
	}

	// Content may itself be a JSON string holding JSON.
	var asString string
	if err := json.Unmarshal(content, &asString); err == nil {
		raw = asString
	}

	var envelope struct {
		Response json.RawMessage `json:"response"`
	}
	if err := json.Unmarshal([]byte(raw), &envelope); err != nil || len(envelope.Response) == 0 {
		return raw
	}

	var data struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(envelope.Response, &data); err == nil && len(data.Data) > 0 {
		return flatten(data.Data)
	}
	return flatten(envelope.Response)
}

func flatten(raw json.RawMessage) string {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString
	}
	return strings.TrimSpace(string(raw))
}
