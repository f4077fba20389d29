// Package selector picks a bounded tool subset for each turn. Selection is
// deterministic for identical inputs and never emits a name absent from the
// current catalog.
package selector

import (
	"context"
	"log/slog"
	"sort"

	"github.com/strandlabs/strand/internal/config"
	"github.com/strandlabs/strand/internal/embeddings"
	"github.com/strandlabs/strand/pkg/models"
)

// CoreTools are always selected when present in the catalog. They survive the
// overall cap unconditionally.
var CoreTools = []string{
	"send_message",
	"store_fact",
	"search_memories",
	"get_status",
	"spawn_subagent",
}

// Selector implements the selection protocol: core tools, embedding-scored
// candidates (keyword fallback when the index is unavailable), matched
// playbook requirements, sticky tools from recent turns, then the overall
// cap.
type Selector struct {
	cfg    config.SelectorConfig
	index  *embeddings.Index
	logger *slog.Logger
}

// New creates a selector. The index may be nil; selection then always uses
// the keyword fallback.
func New(cfg config.SelectorConfig, index *embeddings.Index) *Selector {
	return &Selector{
		cfg:    cfg,
		index:  index,
		logger: slog.Default().With("component", "selector"),
	}
}

// Input carries the per-turn selection inputs.
type Input struct {
	Message string
	Catalog []models.ToolDescriptor
	// RecentTools holds the non-core tools of the last turns, newest last.
	RecentTools [][]string
	// PlaybookTools are required tools of matched playbooks.
	PlaybookTools []string
}

// Result is the selected subset plus the scores that produced it.
type Result struct {
	Tools []string
	// Scores holds embedding similarities when scoring ran; empty after the
	// keyword fallback.
	Scores map[string]float64
	// TopScore is the best embedding similarity, 0 when scoring did not run.
	TopScore float64
	// Sources counts surviving tools by how they entered the selection
	// (core, scored, fallback, playbook, sticky). A tool is attributed to
	// the first stage that picked it.
	Sources map[string]int
}

// Select runs the selection protocol. An empty catalog yields an empty
// result.
func (s *Selector) Select(ctx context.Context, in Input) Result {
	if len(in.Catalog) == 0 {
		return Result{}
	}

	inCatalog := make(map[string]bool, len(in.Catalog))
	names := make([]string, 0, len(in.Catalog))
	for _, tool := range in.Catalog {
		inCatalog[tool.Name] = true
		names = append(names, tool.Name)
	}
	sort.Strings(names)

	picked := make(map[string]bool)
	protected := make(map[string]bool) // core, playbook, sticky: survive the cap
	origin := make(map[string]string)
	var order []string

	add := func(name, source string, protect bool) {
		if !inCatalog[name] {
			return
		}
		if protect {
			protected[name] = true
		}
		if picked[name] {
			return
		}
		picked[name] = true
		origin[name] = source
		order = append(order, name)
	}

	// 1. Core tools.
	for _, name := range CoreTools {
		add(name, "core", true)
	}

	// 2./3. Scored selection, or the keyword fallback when the index is
	// unavailable.
	var scores map[string]float64
	var topScore float64
	if s.index != nil && s.index.Initialized() {
		var err error
		scores, err = s.index.ScoreMessage(ctx, in.Message, names)
		if err != nil {
			s.logger.Warn("embedding scoring failed, using keyword fallback", "error", err)
			scores = nil
		}
	}
	if scores != nil {
		ranked := rankByScore(names, scores)
		if len(ranked) > 0 {
			topScore = scores[ranked[0]]
		}
		for i, name := range ranked {
			if len(order) >= s.cfg.TopK && !picked[name] {
				break
			}
			if i < s.cfg.MinTools || scores[name] >= s.cfg.SimilarityThreshold {
				add(name, "scored", false)
			}
		}
	} else {
		for _, name := range FallbackTools(in.Message, names) {
			add(name, "fallback", false)
		}
	}

	// 4. Playbook-required tools bypass cap trimming.
	for _, name := range in.PlaybookTools {
		add(name, "playbook", true)
	}

	// 5. Sticky tools from recent turns, expanded to sibling groups.
	for _, name := range stickyTools(in.RecentTools, names, s.cfg.StickyLookback, s.cfg.StickyMax) {
		add(name, "sticky", true)
	}

	// 6. Overall cap: drop lowest-scoring unprotected tools first.
	if max := s.cfg.MaxTools; max > 0 && len(order) > max {
		order = applyCap(order, protected, scores, max)
	}

	sources := make(map[string]int, len(order))
	for _, name := range order {
		sources[origin[name]]++
	}
	return Result{Tools: order, Scores: scores, TopScore: topScore, Sources: sources}
}

// rankByScore sorts names by score descending, name ascending on ties.
func rankByScore(names []string, scores map[string]float64) []string {
	ranked := append([]string(nil), names...)
	sort.SliceStable(ranked, func(i, j int) bool {
		si, sj := scores[ranked[i]], scores[ranked[j]]
		if si != sj {
			return si > sj
		}
		return ranked[i] < ranked[j]
	})
	return ranked
}

// stickyTools collects tools used in the last lookback turns, expands each to
// its sibling group (same name prefix), and caps the result.
func stickyTools(recent [][]string, catalog []string, lookback, max int) []string {
	if lookback <= 0 || len(recent) == 0 {
		return nil
	}
	start := len(recent) - lookback
	if start < 0 {
		start = 0
	}

	seen := make(map[string]bool)
	var out []string
	appendName := func(name string) {
		if max > 0 && len(out) >= max {
			return
		}
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}

	for _, turn := range recent[start:] {
		for _, used := range turn {
			appendName(used)
			prefix := groupPrefix(used)
			if prefix == "" {
				continue
			}
			for _, name := range catalog {
				if groupPrefix(name) == prefix {
					appendName(name)
				}
			}
		}
	}
	return out
}

// groupPrefix returns the tool-group prefix: the name up to the first
// underscore. Tools without one form their own group.
func groupPrefix(name string) string {
	for i := 0; i < len(name); i++ {
		if name[i] == '_' {
			return name[:i]
		}
	}
	return ""
}

// applyCap trims the selection to max entries, dropping the lowest-scoring
// unprotected tools first. Order of survivors is preserved.
func applyCap(order []string, protected map[string]bool, scores map[string]float64, max int) []string {
	var droppable []string
	for _, name := range order {
		if !protected[name] {
			droppable = append(droppable, name)
		}
	}
	// Lowest score first; ties drop in selection order.
	sort.SliceStable(droppable, func(i, j int) bool {
		return scores[droppable[i]] < scores[droppable[j]]
	})

	toDrop := len(order) - max
	dropped := make(map[string]bool, toDrop)
	for _, name := range droppable {
		if toDrop <= 0 {
			break
		}
		dropped[name] = true
		toDrop--
	}

	out := order[:0]
	for _, name := range order {
		if !dropped[name] {
			out = append(out, name)
		}
	}
	return out
}
