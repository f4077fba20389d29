// Package agent runs conversation turns end to end: context assembly, tool
// selection, the model step loop, the resilience protocol, and persistence.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/strandlabs/strand/internal/config"
	"github.com/strandlabs/strand/internal/embeddings"
	"github.com/strandlabs/strand/internal/memory"
	"github.com/strandlabs/strand/internal/observability"
	"github.com/strandlabs/strand/internal/orchestrator"
	"github.com/strandlabs/strand/internal/playbooks"
	"github.com/strandlabs/strand/internal/provider"
	"github.com/strandlabs/strand/internal/selector"
	"github.com/strandlabs/strand/internal/sessions"
	"github.com/strandlabs/strand/internal/trace"
	"github.com/strandlabs/strand/internal/usage"
	"github.com/strandlabs/strand/pkg/models"
)

// Gating errors returned before any model work starts.
var (
	// ErrPaused means the cost monitor paused the engine.
	ErrPaused = errors.New("engine paused by cost monitor")
	// ErrBreakerTripped means the circuit breaker is open until restart.
	ErrBreakerTripped = errors.New("circuit breaker tripped")
)

// TurnResult is the outcome of one turn.
type TurnResult struct {
	Text      string
	ToolsUsed []string
	Steps     int
	// Paused is set when the cost monitor tripped during the turn; the turn
	// itself completed normally.
	Paused bool
}

// ToolCaller executes one orchestrator tool. Satisfied by
// *orchestrator.Client.
type ToolCaller interface {
	ListTools(ctx context.Context) ([]models.ToolDescriptor, error)
	CallTool(ctx context.Context, name string, args json.RawMessage) (string, error)
}

// Deps wires the engine's collaborators.
type Deps struct {
	Config    config.Config
	LLM       provider.LLM
	Tools     ToolCaller
	Memory    *memory.Client
	Store     *sessions.Store
	Selector  *selector.Selector
	Index     *embeddings.Index
	Embedder  embeddings.Provider
	Registry  *playbooks.Registry
	Monitor   *usage.Monitor
	Tracker   *usage.Tracker
	Breaker   *Breaker
	Metrics   *observability.Metrics
	Tracer    *observability.Tracer
	Extractor *IdleExtractor
}

// Engine is the conversation engine: single-threaded per conversation,
// concurrent across conversations.
type Engine struct {
	cfg       config.Config
	llm       provider.LLM
	tools     ToolCaller
	memory    *memory.Client
	store     *sessions.Store
	compactor *sessions.Compactor
	sel       *selector.Selector
	index     *embeddings.Index
	embedder  embeddings.Provider
	registry  *playbooks.Registry
	monitor   *usage.Monitor
	tracker   *usage.Tracker
	breaker   *Breaker
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	extractor *IdleExtractor
	logger    *slog.Logger
	now       func() time.Time

	// Minimum inter-call interval gate.
	callMu   sync.Mutex
	nextCall time.Time

	// Catalog snapshot; single writer via refreshCatalog.
	catalogMu sync.RWMutex
	catalog   []models.ToolDescriptor
	catalogAt time.Time

	// One in-flight turn per conversation.
	convMu    sync.Mutex
	convLocks map[string]*sync.Mutex
}

// Option configures the engine.
type Option func(*Engine)

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New creates the engine.
func New(deps Deps, opts ...Option) *Engine {
	e := &Engine{
		cfg:       deps.Config,
		llm:       deps.LLM,
		tools:     deps.Tools,
		memory:    deps.Memory,
		store:     deps.Store,
		sel:       deps.Selector,
		index:     deps.Index,
		embedder:  deps.Embedder,
		registry:  deps.Registry,
		monitor:   deps.Monitor,
		tracker:   deps.Tracker,
		breaker:   deps.Breaker,
		metrics:   deps.Metrics,
		tracer:    deps.Tracer,
		extractor: deps.Extractor,
		logger:    slog.Default().With("component", "engine"),
		now:       time.Now,
		convLocks: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.compactor = sessions.NewCompactor(
		deps.Store,
		sessions.SummarizerFunc(e.summarizeMessages),
		deps.Config.Sessions.CompactThresholdChars,
		deps.Config.Sessions.KeepLastExchanges,
	)
	return e
}

// step is one captured unit of the model loop: the tool calls issued, their
// results, and any interstitial text. Retry branches resume from this list.
type step struct {
	ToolCalls   []models.ToolCall
	ToolResults []models.ToolResult
	Text        string
}

// loopState is the working state of one generation attempt. messages is the
// full working sequence including tool exchanges appended during the loop.
type loopState struct {
	messages  []models.Message
	steps     []step
	toolsUsed []string
	text      string
	stepCount int
}

func (st *loopState) clone() *loopState {
	return &loopState{
		messages:  append([]models.Message(nil), st.messages...),
		steps:     append([]step(nil), st.steps...),
		toolsUsed: append([]string(nil), st.toolsUsed...),
		text:      st.text,
		stepCount: st.stepCount,
	}
}

// toolCallError marks a recoverable tool-call failure: malformed arguments,
// unknown tool name, or schema validation failure.
type toolCallError struct {
	reason string
}

func (e *toolCallError) Error() string { return e.reason }

// HandleMessage runs one user turn. Turns in the same conversation are
// strictly serialized.
func (e *Engine) HandleMessage(ctx context.Context, conversationID, text string) (*TurnResult, error) {
	if e.breaker.Tripped() {
		return nil, ErrBreakerTripped
	}
	if e.monitor.Paused().Paused {
		return nil, ErrPaused
	}

	ctx, traceID := trace.Ensure(ctx)
	if e.tracer != nil {
		tctx, span := e.tracer.StartTurn(ctx, conversationID)
		ctx = tctx
		defer span.End()
	}
	logger := e.logger.With("conversation", conversationID, "trace_id", traceID)

	lock := e.convLock(conversationID)
	lock.Lock()
	defer lock.Unlock()

	if err := e.refreshCatalog(ctx); err != nil {
		logger.Warn("catalog refresh failed", "error", err)
	}
	catalog := e.catalogSnapshot()

	session, err := e.store.Load(conversationID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	matched, err := e.registry.Match(ctx, text)
	if err != nil {
		logger.Warn("playbook match failed", "error", err)
	}
	var playbookTools []string
	for _, pb := range matched {
		playbookTools = append(playbookTools, pb.RequiredTools...)
	}

	sel := e.sel.Select(ctx, selector.Input{
		Message:       text,
		Catalog:       catalog,
		RecentTools:   session.RecentTools,
		PlaybookTools: playbookTools,
	})
	if e.metrics != nil {
		for source, n := range sel.Sources {
			e.metrics.SelectorDecisions.WithLabelValues(source).Add(float64(n))
		}
	}

	temperature := e.cfg.Temperature
	if sel.TopScore > 0.6 && temperature > 0.3 {
		temperature = 0.3
	}

	system := buildSystemPrompt(e.promptInput(ctx, conversationID, text, session.Summary, matched))

	state := &loopState{
		messages: append(
			historyWindow(ctx, session.Messages, text,
				e.cfg.Engine.HistoryMaxMsgs, e.cfg.Engine.VerbatimTail, e.historyScorer()),
			models.Message{Role: models.RoleUser, Content: text, CreatedAt: e.now()},
		),
	}

	state, genErr := e.generate(ctx, system, state, e.descriptorsFor(sel.Tools), temperature, len(matched) > 0)
	if genErr != nil {
		if tripped := e.breaker.Failure(); tripped && e.metrics != nil {
			e.metrics.BreakerTrips.Inc()
		}
		logger.Error("turn failed", "error", genErr)
		return nil, genErr
	}
	e.breaker.Success()

	e.persistTurn(ctx, logger, session, text, state)

	return &TurnResult{
		Text:      state.text,
		ToolsUsed: state.toolsUsed,
		Steps:     state.stepCount,
		Paused:    e.monitor.Paused().Paused,
	}, nil
}

// RunSkill runs the proactive-task variant: the skill's instructions stand in
// for the user message, required tools bypass the selector's score path, and
// a fact summarizing the execution is stored afterwards. Skills with a
// deterministic plan run without any model involvement.
func (e *Engine) RunSkill(ctx context.Context, skill *models.Skill) (*TurnResult, error) {
	if e.breaker.Tripped() {
		return nil, ErrBreakerTripped
	}
	if e.monitor.Paused().Paused {
		return nil, ErrPaused
	}
	ctx, _ = trace.Ensure(ctx)

	if err := e.refreshCatalog(ctx); err != nil {
		e.logger.Warn("catalog refresh failed", "error", err, "skill", skill.Name)
	}

	var result *TurnResult
	var err error
	if len(skill.Plan) > 0 {
		result, err = e.runPlan(ctx, skill)
	} else {
		result, err = e.runSkillPrompt(ctx, skill)
	}
	if err != nil {
		return nil, err
	}

	summary := fmt.Sprintf("Skill %q ran: %s", skill.Name, result.Text)
	if len(summary) > 500 {
		summary = summary[:500]
	}
	if storeErr := e.memory.StoreFact(ctx, models.Fact{
		Content:  summary,
		Category: "skill_execution",
	}); storeErr != nil {
		e.logger.Warn("skill summary fact not stored", "skill", skill.Name, "error", storeErr)
	}
	result.Paused = e.monitor.Paused().Paused
	return result, nil
}

func (e *Engine) runSkillPrompt(ctx context.Context, skill *models.Skill) (*TurnResult, error) {
	catalog := e.catalogSnapshot()
	present := make(map[string]bool, len(catalog))
	for _, tool := range catalog {
		present[tool.Name] = true
	}
	var names []string
	seen := make(map[string]bool)
	for _, name := range append(append([]string{}, selector.CoreTools...), skill.RequiredTools...) {
		if present[name] && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}

	system := buildSystemPrompt(promptInput{
		Profile:        e.profile(ctx),
		Now:            e.now(),
		Location:       e.location(),
		ConversationID: "skill:" + skill.Name,
	})

	state := &loopState{
		messages: []models.Message{{Role: models.RoleUser, Content: skill.Instructions, CreatedAt: e.now()}},
	}
	maxSteps := skill.MaxSteps
	if maxSteps <= 0 {
		maxSteps = e.cfg.Engine.MaxSteps
	}
	if err := e.runLoop(ctx, system, state, e.descriptorsFor(names), provider.ToolChoiceAuto, "", maxSteps, e.cfg.Temperature); err != nil {
		if tripped := e.breaker.Failure(); tripped && e.metrics != nil {
			e.metrics.BreakerTrips.Inc()
		}
		return nil, err
	}
	e.breaker.Success()
	return &TurnResult{Text: state.text, ToolsUsed: state.toolsUsed, Steps: state.stepCount}, nil
}

// runPlan executes a deterministic plan: fixed tool calls, no model.
func (e *Engine) runPlan(ctx context.Context, skill *models.Skill) (*TurnResult, error) {
	var toolsUsed []string
	var lines []string
	for _, planStep := range skill.Plan {
		args, err := json.Marshal(planStep.Args)
		if err != nil {
			return nil, fmt.Errorf("plan step %s: encode args: %w", planStep.Tool, err)
		}
		content, err := e.callTool(ctx, planStep.Tool, args)
		if err != nil {
			return nil, fmt.Errorf("plan step %s: %w", planStep.Tool, err)
		}
		toolsUsed = append(toolsUsed, planStep.Tool)
		lines = append(lines, fmt.Sprintf("%s: %s", planStep.Tool, truncateForSummary(content, 500)))
	}
	return &TurnResult{
		Text:      strings.Join(lines, "\n"),
		ToolsUsed: toolsUsed,
		Steps:     len(skill.Plan),
	}, nil
}

// generate runs the primary model loop and the resilience protocol.
// hasPlaybooks feeds the refusal heuristic.
func (e *Engine) generate(ctx context.Context, system string, state *loopState, tools []models.ToolDescriptor, temperature float32, hasPlaybooks bool) (*loopState, error) {
	primary := state.clone()
	err := e.runLoop(ctx, system, primary, tools, provider.ToolChoiceAuto, "", e.cfg.Engine.MaxSteps, temperature)
	if err == nil {
		return e.reviewOutput(ctx, system, primary, tools, temperature, hasPlaybooks)
	}

	var tce *toolCallError
	if !errors.As(err, &tce) {
		// Transient exhaustion or deadline: try to salvage captured steps
		// before declaring the turn fatal.
		if salvaged, ok := e.salvageSteps(ctx, primary); ok {
			return salvaged, nil
		}
		return nil, err
	}
	e.recovered("tool_error")

	// Retry 1: same tool set, slightly higher temperature, a clarifying
	// assistant turn echoing the error. Resumes from the captured state.
	retry := primary.clone()
	retry.messages = append(retry.messages, models.Message{
		Role:    models.RoleAssistant,
		Content: fmt.Sprintf("My previous tool call failed: %s. Let me correct it.", tce.reason),
	})
	retryTemp := temperature + 0.2
	if retryTemp > 1.0 {
		retryTemp = 1.0
	}
	if err := e.runLoop(ctx, system, retry, tools, provider.ToolChoiceAuto, "", e.cfg.Engine.MaxSteps, retryTemp); err == nil {
		return e.reviewOutput(ctx, system, retry, tools, retryTemp, hasPlaybooks)
	}

	// Retry 2: rephrase the user's message with the last assistant text as
	// context, when such a turn exists.
	if lastText := lastAssistantText(primary.messages); lastText != "" {
		rephrased := primary.clone()
		userText := lastUserText(rephrased.messages)
		rephrased.messages = append(rephrased.messages, models.Message{
			Role: models.RoleUser,
			Content: fmt.Sprintf("You previously said: %q. My request again, in other words: %s",
				truncateForSummary(lastText, 500), userText),
		})
		if err := e.runLoop(ctx, system, rephrased, tools, provider.ToolChoiceAuto, "", e.cfg.Engine.MaxSteps, retryTemp); err == nil {
			return e.reviewOutput(ctx, system, rephrased, tools, retryTemp, hasPlaybooks)
		}
	}

	if salvaged, ok := e.salvageSteps(ctx, primary); ok {
		return salvaged, nil
	}
	return nil, fmt.Errorf("tool-call recovery exhausted: %s", tce.reason)
}

// reviewOutput inspects a structurally successful generation for suspect
// output: leaked tool calls, hallucinated action claims, refusals, and silent
// completions.
func (e *Engine) reviewOutput(ctx context.Context, system string, state *loopState, tools []models.ToolDescriptor, temperature float32, hasPlaybooks bool) (*loopState, error) {
	if len(state.toolsUsed) == 0 && state.text != "" {
		toolNames := make([]string, len(tools))
		for i, tool := range tools {
			toolNames[i] = tool.Name
		}

		if leak, ok := parseLeakedCall(state.text, toolNames); ok {
			return e.recoverLeak(ctx, state, leak)
		}
		if claimsAction(state.text) {
			return e.recoverHallucination(ctx, system, state, tools)
		}
		if looksLikeRefusal(state.text) && (hasPlaybooks || len(tools) > len(selector.CoreTools)) {
			return e.recoverRefusal(ctx, system, state, tools, temperature)
		}
		return state, nil
	}

	if state.text == "" {
		if salvaged, ok := e.salvageSteps(ctx, state); ok {
			return salvaged, nil
		}
		state.text = neutralFailureText
		return state, nil
	}
	return state, nil
}

// recoverLeak executes a tool call the model emitted as prose. The preamble
// text is used when present; otherwise the result is summarized.
func (e *Engine) recoverLeak(ctx context.Context, state *loopState, leak leakedCall) (*loopState, error) {
	e.recovered("leak")
	content, err := e.callTool(ctx, leak.Name, leak.Args)
	if err != nil {
		var callErr *orchestrator.CallError
		if errors.As(err, &callErr) {
			content = callErr.Message
		} else {
			return nil, fmt.Errorf("leaked call %s: %w", leak.Name, err)
		}
	}
	state.toolsUsed = append(state.toolsUsed, leak.Name)
	state.stepCount++
	state.steps = append(state.steps, step{
		ToolCalls:   []models.ToolCall{{ID: "leak-1", Name: leak.Name, Input: leak.Args}},
		ToolResults: []models.ToolResult{{ToolCallID: "leak-1", Name: leak.Name, Content: content}},
	})

	if leak.Preamble != "" {
		state.text = leak.Preamble
		return state, nil
	}
	summary, err := e.summarizeToolResults(ctx, []models.ToolResult{{Name: leak.Name, Content: content}})
	if err != nil {
		state.text = truncateForSummary(content, 2000)
		return state, nil
	}
	state.text = summary
	return state, nil
}

// recoverHallucination retries once with tool-choice=required and a lowered
// temperature; if the retry still calls no tool, the response is replaced
// with a neutral disclaimer.
func (e *Engine) recoverHallucination(ctx context.Context, system string, state *loopState, tools []models.ToolDescriptor) (*loopState, error) {
	e.recovered("hallucination")
	retry := state.clone()
	retry.text = ""
	if err := e.runLoop(ctx, system, retry, tools, provider.ToolChoiceRequired, "", e.cfg.Engine.MaxSteps, 0.2); err == nil && len(retry.toolsUsed) > 0 {
		return retry, nil
	}
	state.text = neutralFailureText
	return state, nil
}

// recoverRefusal forces one tool step, then composes the reply from the tool
// result with tool-choice back to auto.
func (e *Engine) recoverRefusal(ctx context.Context, system string, state *loopState, tools []models.ToolDescriptor, temperature float32) (*loopState, error) {
	e.recovered("refusal")
	retry := state.clone()
	retry.text = ""
	if err := e.runLoop(ctx, system, retry, tools, provider.ToolChoiceRequired, "", 1, temperature); err != nil || len(retry.toolsUsed) == 0 {
		return state, nil
	}
	if err := e.runLoop(ctx, system, retry, tools, provider.ToolChoiceAuto, "", 1, temperature); err != nil {
		if salvaged, ok := e.salvageSteps(ctx, retry); ok {
			return salvaged, nil
		}
	}
	if retry.text == "" {
		if salvaged, ok := e.salvageSteps(ctx, retry); ok {
			return salvaged, nil
		}
		retry.text = neutralFailureText
	}
	return retry, nil
}

// salvageSteps recovers a user-facing message from captured steps: the first
// non-empty interstitial text, else a model summary of the truncated tool
// results, else the raw truncated results.
func (e *Engine) salvageSteps(ctx context.Context, state *loopState) (*loopState, bool) {
	if len(state.steps) == 0 {
		return nil, false
	}
	e.recovered("silent")

	for _, s := range state.steps {
		if s.Text != "" {
			state.text = s.Text
			return state, true
		}
	}

	var results []models.ToolResult
	for _, s := range state.steps {
		results = append(results, s.ToolResults...)
	}
	if len(results) == 0 {
		return nil, false
	}
	if summary, err := e.summarizeToolResults(ctx, results); err == nil && summary != "" {
		state.text = summary
		return state, true
	}

	var lines []string
	for _, r := range results {
		lines = append(lines, fmt.Sprintf("%s: %s", r.Name, truncateForSummary(r.Content, 2000)))
	}
	state.text = strings.Join(lines, "\n")
	return state, true
}

// runLoop drives the model's tool-execution loop: call the model, execute any
// structured tool calls, feed results back, repeat up to maxSteps. Each
// completed step is captured into state so failures can be salvaged. A forced
// tool choice applies only to the first step.
func (e *Engine) runLoop(ctx context.Context, system string, state *loopState, tools []models.ToolDescriptor, choice provider.ToolChoice, forced string, maxSteps int, temperature float32) error {
	if maxSteps <= 0 {
		maxSteps = e.cfg.Engine.MaxSteps
	}
	byName := make(map[string]models.ToolDescriptor, len(tools))
	for _, tool := range tools {
		byName[tool.Name] = tool
	}

	for i := 0; i < maxSteps; i++ {
		resp, err := e.complete(ctx, &provider.Request{
			Model:       e.cfg.Model,
			System:      system,
			Messages:    state.messages,
			Tools:       tools,
			ToolChoice:  choice,
			ForcedTool:  forced,
			Temperature: temperature,
		})
		if err != nil {
			return err
		}
		choice, forced = provider.ToolChoiceAuto, ""

		if len(resp.ToolCalls) == 0 {
			state.text = resp.Text
			state.stepCount++
			state.steps = append(state.steps, step{Text: resp.Text})
			state.messages = append(state.messages, models.Message{
				Role:      models.RoleAssistant,
				Content:   resp.Text,
				CreatedAt: e.now(),
			})
			return nil
		}

		results := make([]models.ToolResult, 0, len(resp.ToolCalls))
		for _, call := range resp.ToolCalls {
			tool, known := byName[call.Name]
			if !known {
				return &toolCallError{reason: fmt.Sprintf("unknown tool %q", call.Name)}
			}
			if err := validateToolArgs(tool, call.Input); err != nil {
				return &toolCallError{reason: err.Error()}
			}

			content, err := e.callTool(ctx, call.Name, call.Input)
			result := models.ToolResult{ToolCallID: call.ID, Name: call.Name, Content: content}
			if err != nil {
				var callErr *orchestrator.CallError
				if errors.As(err, &callErr) {
					// Tool-host validation and permission errors go back into
					// the context so the model can self-correct.
					result.Content = callErr.Message
					result.IsError = true
				} else {
					return fmt.Errorf("tool %s: %w", call.Name, err)
				}
			}
			results = append(results, result)
			state.toolsUsed = append(state.toolsUsed, call.Name)
		}

		state.stepCount++
		state.steps = append(state.steps, step{ToolCalls: resp.ToolCalls, ToolResults: results, Text: resp.Text})
		state.messages = append(state.messages,
			models.Message{Role: models.RoleAssistant, Content: resp.Text, ToolCalls: resp.ToolCalls, CreatedAt: e.now()},
			models.Message{Role: models.RoleTool, ToolResults: results, CreatedAt: e.now()},
		)
	}

	// Step budget exhausted with tools still being called; let the review
	// path salvage whatever ran.
	state.text = ""
	return nil
}

// complete performs one model call with the inter-call gate, the per-attempt
// deadline, usage recording, and the pause check.
func (e *Engine) complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	if err := e.throttle(ctx); err != nil {
		return nil, err
	}

	callCtx := ctx
	if e.cfg.Engine.CallDeadline > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.cfg.Engine.CallDeadline)
		defer cancel()
	}

	start := e.now()
	resp, err := e.llm.Complete(callCtx, req)
	if e.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		e.metrics.ModelRequestCounter.WithLabelValues(e.llm.Name(), req.Model, status).Inc()
		e.metrics.ModelRequestDuration.WithLabelValues(e.llm.Name(), req.Model).Observe(e.now().Sub(start).Seconds())
	}
	if err != nil {
		return nil, err
	}

	e.monitor.RecordUsage(resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	e.tracker.Record(e.llm.Name(), req.Model, resp.Usage)
	if e.metrics != nil {
		e.metrics.ModelTokensUsed.WithLabelValues(e.llm.Name(), req.Model, "prompt").Add(float64(resp.Usage.PromptTokens))
		e.metrics.ModelTokensUsed.WithLabelValues(e.llm.Name(), req.Model, "completion").Add(float64(resp.Usage.CompletionTokens))
	}
	if state := e.monitor.CheckPause(); state.Paused && e.metrics != nil {
		e.metrics.CostPauses.WithLabelValues(string(state.Reason)).Inc()
	}
	return resp, nil
}

// throttle enforces the minimum inter-call interval across all conversations.
func (e *Engine) throttle(ctx context.Context) error {
	if e.cfg.Engine.MinCallInterval <= 0 {
		return nil
	}
	e.callMu.Lock()
	now := e.now()
	wait := e.nextCall.Sub(now)
	if wait < 0 {
		wait = 0
	}
	e.nextCall = now.Add(wait + e.cfg.Engine.MinCallInterval)
	e.callMu.Unlock()

	if wait == 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}

// callTool executes one orchestrator tool with metrics and the registry
// invalidation hook for skill-modifying tools.
func (e *Engine) callTool(ctx context.Context, name string, args json.RawMessage) (string, error) {
	if e.tracer != nil {
		tctx, span := e.tracer.StartToolCall(ctx, name)
		ctx = tctx
		defer span.End()
	}
	start := e.now()
	content, err := e.tools.CallTool(ctx, name, args)
	if e.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		e.metrics.ToolExecutionCounter.WithLabelValues(name, status).Inc()
		e.metrics.ToolExecutionDuration.WithLabelValues(name).Observe(e.now().Sub(start).Seconds())
	}
	if err == nil && playbooks.SkillModifyingTools[name] {
		e.registry.Invalidate()
	}
	return content, err
}

// refreshCatalog refetches the tool catalog when the snapshot is older than
// the TTL; on change it re-initializes the embedding index (the cache makes
// the re-embed near-free).
func (e *Engine) refreshCatalog(ctx context.Context) error {
	e.catalogMu.Lock()
	defer e.catalogMu.Unlock()

	if e.catalog != nil && e.now().Sub(e.catalogAt) < e.cfg.Engine.CatalogTTL {
		return nil
	}

	// A failed refetch keeps serving the stale snapshot.
	tools, err := e.tools.ListTools(ctx)
	if err != nil {
		return err
	}

	if catalogChanged(e.catalog, tools) && e.index != nil {
		if err := e.index.Initialize(ctx, tools); err != nil {
			e.logger.Warn("embedding index rebuild failed", "error", err)
		}
	}
	e.catalog = tools
	e.catalogAt = e.now()
	return nil
}

func catalogChanged(old, new []models.ToolDescriptor) bool {
	if len(old) != len(new) {
		return true
	}
	prev := make(map[string]string, len(old))
	for _, tool := range old {
		prev[tool.Name] = tool.Description
	}
	for _, tool := range new {
		if desc, ok := prev[tool.Name]; !ok || desc != tool.Description {
			return true
		}
	}
	return false
}

func (e *Engine) catalogSnapshot() []models.ToolDescriptor {
	e.catalogMu.RLock()
	defer e.catalogMu.RUnlock()
	return e.catalog
}

func (e *Engine) descriptorsFor(names []string) []models.ToolDescriptor {
	catalog := e.catalogSnapshot()
	byName := make(map[string]models.ToolDescriptor, len(catalog))
	for _, tool := range catalog {
		byName[tool.Name] = tool
	}
	out := make([]models.ToolDescriptor, 0, len(names))
	for _, name := range names {
		if tool, ok := byName[name]; ok {
			out = append(out, tool)
		}
	}
	return out
}

// promptInput gathers the per-turn prompt context. Collaborator failures are
// tolerated; a missing profile or fact list degrades the prompt, not the
// turn.
func (e *Engine) promptInput(ctx context.Context, conversationID, message, summary string, matched []models.Playbook) promptInput {
	in := promptInput{
		Profile:        e.profile(ctx),
		Now:            e.now(),
		Location:       e.location(),
		ConversationID: conversationID,
		Summary:        summary,
		Playbooks:      matched,
		Facts:          e.relevantFacts(ctx, message),
	}

	enabled := true
	if skills, err := e.memory.ListSkills(ctx, memory.SkillFilter{Enabled: &enabled}); err == nil {
		for _, skill := range skills {
			if skill.Trigger != models.TriggerKeyword {
				in.Skills = append(in.Skills, skill)
			}
		}
	}

	return in
}

// relevantFacts fetches the stored facts most relevant to the message.
func (e *Engine) relevantFacts(ctx context.Context, message string) []models.Fact {
	facts, err := e.memory.SearchMemories(ctx, message, e.cfg.Engine.RelevantFacts)
	if err != nil {
		e.logger.Warn("fact search failed", "error", err)
		return nil
	}
	return facts
}

func (e *Engine) profile(ctx context.Context) models.Profile {
	profile, err := e.memory.GetProfile(ctx)
	if err != nil {
		e.logger.Warn("profile fetch failed", "error", err)
		return models.Profile{AgentID: e.cfg.AgentID}
	}
	return profile
}

func (e *Engine) location() *time.Location {
	loc, err := time.LoadLocation(e.cfg.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// historyScorer embeds the query and older user turns and returns cosine
// similarities. Nil when no embedder is configured.
func (e *Engine) historyScorer() historyScorer {
	if e.embedder == nil {
		return nil
	}
	return func(ctx context.Context, query string, candidates []string) ([]float64, error) {
		vectors, err := e.embedder.EmbedBatch(ctx, append([]string{query}, candidates...))
		if err != nil {
			return nil, err
		}
		if len(vectors) != len(candidates)+1 {
			return nil, fmt.Errorf("embedding batch: got %d vectors, want %d", len(vectors), len(candidates)+1)
		}
		scores := make([]float64, len(candidates))
		for i := range candidates {
			scores[i] = embeddings.Cosine(vectors[0], vectors[i+1])
		}
		return scores, nil
	}
}

// persistTurn appends the turn, runs compaction when due, and schedules idle
// fact extraction.
func (e *Engine) persistTurn(ctx context.Context, logger *slog.Logger, session *sessions.Session, userText string, state *loopState) {
	turn := sessions.Turn{
		At:            e.now().UTC(),
		UserText:      userText,
		AssistantText: state.text,
		ToolsUsed:     nonCoreTools(state.toolsUsed),
	}
	if len(state.toolsUsed) > 0 {
		// Structured sequence so later turns can recover tool-call pairs.
		turn.Messages = turnMessages(userText, state, turn.At)
	}
	if err := e.store.SaveTurn(session.ID, turn); err != nil {
		logger.Error("turn not persisted", "error", err)
		return
	}

	session.Messages = append(session.Messages, turn.AsMessages()...)
	if e.compactor.ShouldCompact(session) {
		if err := e.compactor.Compact(ctx, session); err != nil {
			logger.Warn("compaction failed", "error", err)
		}
	}

	if e.extractor != nil {
		e.extractor.Schedule(session.ID)
	}
}

// turnMessages rebuilds the structured message sequence of one turn from the
// captured steps.
func turnMessages(userText string, state *loopState, at time.Time) []models.Message {
	out := []models.Message{{Role: models.RoleUser, Content: userText, CreatedAt: at}}
	for _, s := range state.steps {
		if len(s.ToolCalls) > 0 {
			out = append(out,
				models.Message{Role: models.RoleAssistant, Content: s.Text, ToolCalls: s.ToolCalls, CreatedAt: at},
				models.Message{Role: models.RoleTool, ToolResults: s.ToolResults, CreatedAt: at},
			)
		}
	}
	return append(out, models.Message{Role: models.RoleAssistant, Content: state.text, CreatedAt: at})
}

// nonCoreTools filters the core tools out of a used-tools list; sticky
// selection only tracks the rest.
func nonCoreTools(names []string) []string {
	core := make(map[string]bool, len(selector.CoreTools))
	for _, name := range selector.CoreTools {
		core[name] = true
	}
	var out []string
	seen := make(map[string]bool)
	for _, name := range names {
		if !core[name] && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

func (e *Engine) convLock(id string) *sync.Mutex {
	e.convMu.Lock()
	defer e.convMu.Unlock()
	if e.convLocks[id] == nil {
		e.convLocks[id] = &sync.Mutex{}
	}
	return e.convLocks[id]
}

func (e *Engine) recovered(kind string) {
	if e.metrics != nil {
		e.metrics.RecoveryCounter.WithLabelValues(kind).Inc()
	}
	e.logger.Info("resilience recovery", "kind", kind)
}

// summarizeMessages backs session compaction with the cheap summary model.
func (e *Engine) summarizeMessages(ctx context.Context, msgs []models.Message) (string, error) {
	var b strings.Builder
	for _, msg := range msgs {
		if msg.Content == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", msg.Role, msg.Content)
	}
	resp, err := e.complete(ctx, &provider.Request{
		Model:  e.cfg.SummaryModel,
		System: "Summarize the conversation below into a dense paragraph. Keep names, dates, decisions, and open tasks. Output only the summary.",
		Messages: []models.Message{
			{Role: models.RoleUser, Content: b.String()},
		},
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// summarizeToolResults turns truncated tool output into a user-facing message
// via a minimal prompt on the cheap model.
func (e *Engine) summarizeToolResults(ctx context.Context, results []models.ToolResult) (string, error) {
	var b strings.Builder
	for _, r := range results {
		fmt.Fprintf(&b, "%s: %s\n", r.Name, truncateForSummary(r.Content, 2000))
	}
	resp, err := e.complete(ctx, &provider.Request{
		Model:  e.cfg.SummaryModel,
		System: "The following tool results answer the user's request. Write a short, direct reply based only on them.",
		Messages: []models.Message{
			{Role: models.RoleUser, Content: b.String()},
		},
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text), nil
}

// lastAssistantText returns the newest non-empty assistant text.
func lastAssistantText(msgs []models.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleAssistant && msgs[i].Content != "" {
			return msgs[i].Content
		}
	}
	return ""
}

// lastUserText returns the newest user message content.
func lastUserText(msgs []models.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}
