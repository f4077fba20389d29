package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/strandlabs/strand/internal/config"
	"github.com/strandlabs/strand/internal/memory"
	"github.com/strandlabs/strand/internal/provider"
	"github.com/strandlabs/strand/internal/sessions"
	"github.com/strandlabs/strand/internal/usage"
	"github.com/strandlabs/strand/pkg/models"
)

// IdleExtractor extracts durable facts from a conversation after it goes
// quiet. Each active conversation has one idle timer, reset on every turn;
// extraction never blocks a turn.
type IdleExtractor struct {
	cfg     config.FactsConfig
	model   string
	llm     provider.LLM
	store   *sessions.Store
	memory  *memory.Client
	monitor *usage.Monitor
	tracker *usage.Tracker
	logger  *slog.Logger

	// idleDelay override for tests; zero uses cfg.IdleDelay.
	idleDelay time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
	wg     sync.WaitGroup
}

// NewIdleExtractor creates the extractor. model is the cheap summarization
// model identifier.
func NewIdleExtractor(cfg config.FactsConfig, model string, llm provider.LLM, store *sessions.Store, mem *memory.Client, monitor *usage.Monitor, tracker *usage.Tracker) *IdleExtractor {
	return &IdleExtractor{
		cfg:     cfg,
		model:   model,
		llm:     llm,
		store:   store,
		memory:  mem,
		monitor: monitor,
		tracker: tracker,
		logger:  slog.Default().With("component", "facts"),
		timers:  make(map[string]*time.Timer),
	}
}

// Schedule arms (or re-arms) the idle timer for a conversation.
func (x *IdleExtractor) Schedule(conversationID string) {
	delay := x.idleDelay
	if delay <= 0 {
		delay = x.cfg.IdleDelay
	}
	if delay <= 0 {
		delay = 5 * time.Minute
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if timer, ok := x.timers[conversationID]; ok {
		timer.Stop()
	}
	x.timers[conversationID] = time.AfterFunc(delay, func() {
		x.wg.Add(1)
		defer x.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := x.Extract(ctx, conversationID); err != nil {
			x.logger.Warn("idle fact extraction failed", "conversation", conversationID, "error", err)
		}
	})
}

// Stop cancels all timers and waits for in-flight extractions.
func (x *IdleExtractor) Stop() {
	x.mu.Lock()
	for id, timer := range x.timers {
		timer.Stop()
		delete(x.timers, id)
	}
	x.mu.Unlock()
	x.wg.Wait()
}

// extractedFact is the model's output shape.
type extractedFact struct {
	Content    string  `json:"content"`
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

// Extract runs one extraction pass: flatten the recent exchanges, dedupe
// against known facts inside the prompt, filter by confidence, store the
// rest, and mark the session so a second idle fire is a no-op.
func (x *IdleExtractor) Extract(ctx context.Context, conversationID string) error {
	session, err := x.store.Load(conversationID)
	if err != nil {
		return err
	}
	if len(session.Messages) == 0 {
		return nil
	}
	if !session.LastExtraction.IsZero() && !session.LastActivity.After(session.LastExtraction) {
		return nil
	}

	transcript := flattenExchanges(session.Messages, x.maxTurns())
	if transcript == "" {
		return nil
	}

	known, err := x.memory.ListFacts(ctx, 100)
	if err != nil {
		x.logger.Warn("known-fact fetch failed", "error", err)
	}

	facts, err := x.extractFacts(ctx, transcript, known)
	if err != nil {
		return err
	}

	threshold := x.cfg.ConfidenceThreshold
	if threshold <= 0 {
		threshold = 0.7
	}
	stored := 0
	for _, fact := range facts {
		if fact.Confidence < threshold || strings.TrimSpace(fact.Content) == "" {
			continue
		}
		if err := x.memory.StoreFact(ctx, models.Fact{
			Content:    fact.Content,
			Category:   fact.Category,
			Confidence: fact.Confidence,
		}); err != nil {
			x.logger.Warn("fact not stored", "error", err)
			continue
		}
		stored++
	}

	if err := x.store.MarkExtraction(conversationID); err != nil {
		return err
	}
	if stored > 0 {
		x.logger.Info("facts extracted", "conversation", conversationID, "stored", stored)
	}
	return nil
}

func (x *IdleExtractor) maxTurns() int {
	if x.cfg.MaxTurns <= 0 {
		return 10
	}
	return x.cfg.MaxTurns
}

// extractFacts asks the cheap model for new facts as a JSON array.
func (x *IdleExtractor) extractFacts(ctx context.Context, transcript string, known []models.Fact) ([]extractedFact, error) {
	var prompt strings.Builder
	prompt.WriteString("Extract durable facts about the user from this conversation. ")
	prompt.WriteString("Return a JSON array of {\"content\",\"category\",\"confidence\"} objects; confidence in [0,1]. ")
	prompt.WriteString("Facts must be self-contained (resolve pronouns and relative dates). ")
	prompt.WriteString("Do not repeat facts already known.\n")
	if len(known) > 0 {
		prompt.WriteString("\nAlready known:\n")
		for _, fact := range known {
			fmt.Fprintf(&prompt, "- %s\n", fact.Content)
		}
	}
	fmt.Fprintf(&prompt, "\nConversation:\n%s", transcript)

	resp, err := x.llm.Complete(ctx, &provider.Request{
		Model:  x.model,
		System: "You extract user facts from conversations. Output only a JSON array.",
		Messages: []models.Message{
			{Role: models.RoleUser, Content: prompt.String()},
		},
	})
	if err != nil {
		return nil, err
	}
	x.monitor.RecordUsage(resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	x.monitor.CheckPause()
	x.tracker.Record(x.llm.Name(), x.model, resp.Usage)

	var facts []extractedFact
	if err := json.Unmarshal([]byte(extractJSONArray(resp.Text)), &facts); err != nil {
		return nil, fmt.Errorf("decode extracted facts: %w", err)
	}
	return facts, nil
}

// flattenExchanges renders the last maxTurns exchanges as paired user and
// assistant text lines, skipping tool plumbing.
func flattenExchanges(messages []models.Message, maxTurns int) string {
	exchanges := splitExchanges(messages)
	if len(exchanges) > maxTurns {
		exchanges = exchanges[len(exchanges)-maxTurns:]
	}
	var b strings.Builder
	for _, ex := range exchanges {
		for _, msg := range ex.messages {
			if msg.Content == "" || msg.Summary {
				continue
			}
			switch msg.Role {
			case models.RoleUser:
				fmt.Fprintf(&b, "User: %s\n", msg.Content)
			case models.RoleAssistant:
				if len(msg.ToolCalls) == 0 {
					fmt.Fprintf(&b, "Assistant: %s\n", msg.Content)
				}
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// extractJSONArray returns the first top-level [...] in text, tolerating
// models that wrap the array in prose or code fences.
func extractJSONArray(text string) string {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end <= start {
		return "[]"
	}
	return text[start : end+1]
}
