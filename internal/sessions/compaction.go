package sessions

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/strandlabs/strand/pkg/models"
)

// Summarizer produces a dense natural-language summary of older messages.
// Backed by a cheap summarization model.
type Summarizer interface {
	Summarize(ctx context.Context, messages []models.Message) (string, error)
}

// SummarizerFunc adapts a function to a Summarizer.
type SummarizerFunc func(ctx context.Context, messages []models.Message) (string, error)

// Summarize calls the function.
func (f SummarizerFunc) Summarize(ctx context.Context, messages []models.Message) (string, error) {
	return f(ctx, messages)
}

// Compactor replaces the older portion of a session's message log with a
// summary sentinel once the log exceeds a size threshold.
type Compactor struct {
	store          *Store
	summarizer     Summarizer
	thresholdChars int
	keepExchanges  int
}

// NewCompactor creates a compactor. thresholdChars is the total-text-length
// trigger; keepExchanges is the number of trailing exchanges kept verbatim.
func NewCompactor(store *Store, summarizer Summarizer, thresholdChars, keepExchanges int) *Compactor {
	if thresholdChars <= 0 {
		thresholdChars = 20000
	}
	if keepExchanges <= 0 {
		keepExchanges = 3
	}
	return &Compactor{
		store:          store,
		summarizer:     summarizer,
		thresholdChars: thresholdChars,
		keepExchanges:  keepExchanges,
	}
}

// ShouldCompact reports whether the session's log exceeds the threshold.
func (c *Compactor) ShouldCompact(session *Session) bool {
	return session.TotalTextLen() > c.thresholdChars
}

// Compact summarizes all messages before the last keepExchanges exchanges,
// rewrites the session in memory, and appends the compaction record.
// Compacting a session below the threshold is a no-op. Tool-call/tool-result
// pairs are never split: the cut always falls on a user-message boundary.
func (c *Compactor) Compact(ctx context.Context, session *Session) error {
	if !c.ShouldCompact(session) {
		return nil
	}

	cut := c.cutIndex(session.Messages)
	if cut <= 0 {
		return nil
	}
	head := session.Messages[:cut]
	tail := append([]models.Message(nil), session.Messages[cut:]...)

	// Fold the previous summary in so nothing is lost across rounds.
	toSummarize := head
	if session.Summary != "" {
		toSummarize = append([]models.Message{{
			Role:    models.RoleSystem,
			Content: "Summary of earlier conversation: " + session.Summary,
			Summary: true,
		}}, head...)
	}

	summary, err := c.summarizer.Summarize(ctx, toSummarize)
	if err != nil {
		return fmt.Errorf("summarize session %s: %w", session.ID, err)
	}
	summary = strings.TrimSpace(summary)

	if err := c.store.SaveCompaction(session.ID, summary, tail); err != nil {
		return err
	}
	session.Summary = summary
	session.Messages = tail
	return nil
}

// cutIndex returns the index of the first retained message: the start of the
// last keepExchanges user-initiated exchanges. User-message boundaries can
// never separate an assistant tool call from its result.
func (c *Compactor) cutIndex(messages []models.Message) int {
	exchanges := 0
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == models.RoleUser {
			exchanges++
			if exchanges >= c.keepExchanges {
				return i
			}
		}
	}
	return 0
}

// SummaryMessage renders the sentinel message injected at the head of a
// compacted log when building prompts.
func SummaryMessage(summary string, at time.Time) models.Message {
	return models.Message{
		Role:      models.RoleSystem,
		Content:   "Summary of earlier conversation: " + summary,
		Summary:   true,
		CreatedAt: at,
	}
}
