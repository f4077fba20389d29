package agent

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/strandlabs/strand/pkg/models"
)

// neutralFailureText is the user-visible reply when no recovery branch
// produced a meaningful answer. Raw errors and tool JSON never reach the user.
const neutralFailureText = "I wasn't able to complete this action. Please try again."

// actionClaimPatterns is the closed list of phrasings that claim an action was
// performed. Text matching one of these with zero tool calls marks a
// hallucinated action.
var actionClaimPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bI('ve| have) (sent|created|scheduled|added|updated|deleted|set|booked)\b`),
	regexp.MustCompile(`(?i)\bhas been (sent|created|scheduled|added|updated|deleted|set|booked)\b`),
	regexp.MustCompile(`(?i)\bI (sent|created|scheduled|deleted|booked) (the|your|an?)\b`),
	regexp.MustCompile(`(?i)^Event details:`),
	regexp.MustCompile(`(?i)\byour (reminder|event|task|email) is (set|ready|scheduled)\b`),
	regexp.MustCompile(`(?i)\bsuccessfully (sent|created|scheduled|added|updated|deleted)\b`),
}

// refusalPatterns marks replies where the model declined despite tools being
// available for the request.
var refusalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bI( can't| cannot| am unable to|'m unable to)\b`),
	regexp.MustCompile(`(?i)\bI don't have (the ability|access|a way) to\b`),
	regexp.MustCompile(`(?i)\bI do not have (the ability|access|a way) to\b`),
	regexp.MustCompile(`(?i)\bas an AI\b`),
}

// claimsAction reports whether text matches an action-claim pattern.
func claimsAction(text string) bool {
	for _, p := range actionClaimPatterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// looksLikeRefusal reports whether text matches a refusal pattern.
func looksLikeRefusal(text string) bool {
	for _, p := range refusalPatterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// leakedCall is a tool call the model emitted as prose instead of a
// structured call.
type leakedCall struct {
	Name     string
	Args     json.RawMessage
	Preamble string
}

// parseLeakedCall scans text for "tool_name({...})" where tool_name is one of
// the known tools. The parser is deterministic and restricted to the current
// tool name set; the argument object must be balanced JSON.
func parseLeakedCall(text string, toolNames []string) (leakedCall, bool) {
	for _, name := range toolNames {
		idx := 0
		for {
			pos := strings.Index(text[idx:], name)
			if pos < 0 {
				break
			}
			pos += idx
			idx = pos + len(name)

			// Require a word boundary before the name.
			if pos > 0 && isIdentChar(text[pos-1]) {
				continue
			}
			rest := strings.TrimLeft(text[pos+len(name):], " \t")
			if !strings.HasPrefix(rest, "(") {
				continue
			}
			args, ok := scanJSONObject(strings.TrimLeft(rest[1:], " \t\n"))
			if !ok {
				continue
			}
			if !json.Valid([]byte(args)) {
				continue
			}
			return leakedCall{
				Name:     name,
				Args:     json.RawMessage(args),
				Preamble: strings.TrimSpace(text[:pos]),
			}, true
		}
	}
	return leakedCall{}, false
}

// scanJSONObject returns the leading balanced {...} of s. Strings and escapes
// are honored so braces inside values do not confuse the scan.
func scanJSONObject(s string) (string, bool) {
	if !strings.HasPrefix(s, "{") {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return s[:i+1], true
				}
			}
		}
	}
	return "", false
}

func isIdentChar(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// validateToolArgs checks tool-call arguments against the tool's parameter
// schema. A tool without a schema accepts anything; a malformed schema is
// treated as absent rather than blocking the call.
func validateToolArgs(tool models.ToolDescriptor, args json.RawMessage) error {
	if len(tool.Parameters) == 0 {
		return nil
	}
	schema, err := jsonschema.CompileString(tool.Name+".json", string(tool.Parameters))
	if err != nil {
		return nil
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return fmt.Errorf("tool %s: arguments are not valid JSON: %w", tool.Name, err)
	}
	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("tool %s: %w", tool.Name, err)
	}
	return nil
}

// truncateForSummary bounds one tool result payload for the silent-completion
// summarization prompt.
func truncateForSummary(content string, limit int) string {
	if limit <= 0 {
		limit = 2000
	}
	if len(content) <= limit {
		return content
	}
	return content[:limit]
}
