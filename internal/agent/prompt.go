package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/strandlabs/strand/pkg/models"
)

// promptInput carries everything the system prompt is assembled from.
type promptInput struct {
	Profile        models.Profile
	Now            time.Time
	Location       *time.Location
	ConversationID string
	Summary        string
	Playbooks      []models.Playbook
	Skills         []*models.Skill
	Facts          []models.Fact
}

// buildSystemPrompt assembles the system prompt. Section order is fixed:
// persona, current date/time, conversation id, compaction summary, matched
// playbook instructions, available skills (descriptions only), relevant facts.
func buildSystemPrompt(in promptInput) string {
	var b strings.Builder

	persona := in.Profile.Persona
	if persona == "" {
		persona = "You are a helpful personal assistant."
	}
	b.WriteString(persona)
	b.WriteString("\n\n")

	now := in.Now
	if in.Location != nil {
		now = now.In(in.Location)
	}
	fmt.Fprintf(&b, "Current date and time: %s (%s)\n", now.Format("Monday, January 2, 2006 at 15:04"), now.Location())
	fmt.Fprintf(&b, "Conversation: %s\n", in.ConversationID)

	if in.Summary != "" {
		b.WriteString("\nSummary of earlier conversation:\n")
		b.WriteString(in.Summary)
		b.WriteString("\n")
	}

	if len(in.Playbooks) > 0 {
		b.WriteString("\nInstructions for this request:\n")
		for _, pb := range in.Playbooks {
			fmt.Fprintf(&b, "## %s\n%s\n", pb.Name, strings.TrimSpace(pb.Instructions))
		}
	}

	if len(in.Skills) > 0 {
		b.WriteString("\nScheduled skills you manage (do not execute these now):\n")
		for _, skill := range in.Skills {
			desc := skill.Description
			if desc == "" {
				desc = skill.Instructions
				if len(desc) > 120 {
					desc = desc[:120] + "..."
				}
			}
			fmt.Fprintf(&b, "- %s: %s\n", skill.Name, desc)
		}
	}

	if len(in.Facts) > 0 {
		b.WriteString("\nWhat you know about the user:\n")
		for _, fact := range in.Facts {
			fmt.Fprintf(&b, "- %s\n", fact.Content)
		}
	}

	return strings.TrimSpace(b.String())
}

// historyScorer scores candidate texts against a query; higher is more
// relevant. Backed by the embedding provider.
type historyScorer func(ctx context.Context, query string, candidates []string) ([]float64, error)

// exchange is one user-initiated run of messages.
type exchange struct {
	userText string
	messages []models.Message
}

// historyWindow selects the message history sent to the model: the last
// verbatimTail exchanges verbatim, older exchanges ranked by similarity of
// their user text to the current message, capped at maxMsgs messages total.
// Selection happens at exchange granularity so tool-call/result pairs are
// never split.
func historyWindow(ctx context.Context, messages []models.Message, current string, maxMsgs, verbatimTail int, scorer historyScorer) []models.Message {
	if maxMsgs <= 0 {
		maxMsgs = 20
	}
	if verbatimTail <= 0 {
		verbatimTail = 3
	}

	exchanges := splitExchanges(messages)
	if len(exchanges) == 0 {
		return nil
	}

	tailStart := len(exchanges) - verbatimTail
	if tailStart < 0 {
		tailStart = 0
	}

	budget := maxMsgs
	var tail []models.Message
	for _, ex := range exchanges[tailStart:] {
		tail = append(tail, ex.messages...)
	}
	if len(tail) >= budget {
		// The verbatim tail alone fills the window; trim oldest exchanges.
		return trimExchanges(exchanges[tailStart:], budget)
	}
	budget -= len(tail)

	older := exchanges[:tailStart]
	if len(older) == 0 {
		return tail
	}

	picked := rankOlderExchanges(ctx, older, current, budget, scorer)

	out := make([]models.Message, 0, maxMsgs)
	for i, ex := range older {
		if picked[i] {
			out = append(out, ex.messages...)
		}
	}
	return append(out, tail...)
}

// rankOlderExchanges marks the older exchanges that fit the remaining budget,
// highest similarity first. Without a scorer (or on scoring failure) recency
// wins.
func rankOlderExchanges(ctx context.Context, older []exchange, current string, budget int, scorer historyScorer) map[int]bool {
	type ranked struct {
		index int
		score float64
	}
	order := make([]ranked, len(older))
	for i := range older {
		// Recency as the default and the tiebreak.
		order[i] = ranked{index: i, score: float64(i) / float64(len(older))}
	}

	if scorer != nil && current != "" {
		texts := make([]string, len(older))
		for i, ex := range older {
			texts[i] = ex.userText
		}
		if scores, err := scorer(ctx, current, texts); err == nil && len(scores) == len(older) {
			for i := range order {
				order[i].score = scores[i]
			}
		}
	}

	sort.SliceStable(order, func(i, j int) bool {
		if order[i].score != order[j].score {
			return order[i].score > order[j].score
		}
		return order[i].index > order[j].index
	})

	picked := make(map[int]bool)
	for _, r := range order {
		n := len(older[r.index].messages)
		if n > budget {
			continue
		}
		picked[r.index] = true
		budget -= n
		if budget == 0 {
			break
		}
	}
	return picked
}

// splitExchanges groups messages into user-initiated exchanges. Leading
// non-user messages (for example a summary sentinel) attach to the first
// exchange.
func splitExchanges(messages []models.Message) []exchange {
	var out []exchange
	for _, msg := range messages {
		if msg.Role == models.RoleUser && !msg.Summary {
			out = append(out, exchange{userText: msg.Content})
		}
		if len(out) == 0 {
			out = append(out, exchange{})
		}
		out[len(out)-1].messages = append(out[len(out)-1].messages, msg)
	}
	return out
}

// trimExchanges keeps the newest whole exchanges that fit the budget.
func trimExchanges(exchanges []exchange, budget int) []models.Message {
	total := 0
	start := len(exchanges)
	for i := len(exchanges) - 1; i >= 0; i-- {
		if total+len(exchanges[i].messages) > budget {
			break
		}
		total += len(exchanges[i].messages)
		start = i
	}
	var out []models.Message
	for _, ex := range exchanges[start:] {
		out = append(out, ex.messages...)
	}
	return out
}
