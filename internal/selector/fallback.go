package selector

import (
	"regexp"
	"sort"
)

// fallbackGroup maps message phrases to a tool-name pattern. Used when the
// embedding index is unavailable; the mapping is closed over the tool name
// families the orchestrator exposes.
type fallbackGroup struct {
	message *regexp.Regexp
	tools   *regexp.Regexp
}

var fallbackGroups = []fallbackGroup{
	{
		message: regexp.MustCompile(`(?i)\b(email|e-mail|mail|inbox|gmail|unread)\b`),
		tools:   regexp.MustCompile(`^(gmail|mail|email)_`),
	},
	{
		message: regexp.MustCompile(`(?i)\b(calendar|meeting|event|appointment|schedule|invite)\b`),
		tools:   regexp.MustCompile(`^(calendar|gcal|meeting)_`),
	},
	{
		message: regexp.MustCompile(`(?i)\b(search|look up|google|find out|research)\b`),
		tools:   regexp.MustCompile(`^(web_search|search_web|browse|fetch)`),
	},
	{
		message: regexp.MustCompile(`(?i)\b(weather|forecast|temperature|rain)\b`),
		tools:   regexp.MustCompile(`^weather`),
	},
	{
		message: regexp.MustCompile(`(?i)\b(remind|reminder|todo|to-do|task)\b`),
		tools:   regexp.MustCompile(`^(reminder|task|todo)_`),
	},
	{
		message: regexp.MustCompile(`(?i)\b(file|document|doc|spreadsheet|drive)\b`),
		tools:   regexp.MustCompile(`^(file|drive|docs|sheet)_`),
	},
	{
		message: regexp.MustCompile(`(?i)\b(news|headline|article)\b`),
		tools:   regexp.MustCompile(`^news`),
	},
	{
		message: regexp.MustCompile(`(?i)\b(note|notes|journal|write down)\b`),
		tools:   regexp.MustCompile(`^(note|notes)_`),
	},
	{
		message: regexp.MustCompile(`(?i)\b(remember|memory|recall|what did)\b`),
		tools:   regexp.MustCompile(`^(search_memories|store_fact|list_facts)`),
	},
	{
		message: regexp.MustCompile(`(?i)\b(skill|automation|recurring|every day|daily|weekly)\b`),
		tools:   regexp.MustCompile(`^(store_skill|update_skill|delete_skill|list_skills)`),
	},
}

// FallbackTools returns catalog tools whose name pattern matches any phrase
// group triggered by the message. Output is sorted for determinism.
func FallbackTools(message string, catalog []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, group := range fallbackGroups {
		if !group.message.MatchString(message) {
			continue
		}
		for _, name := range catalog {
			if !seen[name] && group.tools.MatchString(name) {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	sort.Strings(out)
	return out
}
