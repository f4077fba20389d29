// Package sessions provides the durable per-conversation log: one append-only
// JSONL file per conversation, with rolling compaction summaries and
// age-based cleanup.
package sessions

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/strandlabs/strand/pkg/models"
)

// Record kinds written to the stream.
const (
	recordTurn       = "turn"
	recordCompaction = "compaction"
	recordExtraction = "extraction"
)

// Turn is one conversation turn. Tool-using turns carry the full structured
// message sequence so later turns can recover tool-call ids and results;
// tool-less turns persist as a flat text pair.
type Turn struct {
	At               time.Time        `json:"at"`
	UserText         string           `json:"user_text"`
	AssistantText    string           `json:"assistant_text"`
	ToolsUsed        []string         `json:"tools_used,omitempty"`
	PromptTokens     int              `json:"prompt_tokens,omitempty"`
	CompletionTokens int              `json:"completion_tokens,omitempty"`
	Messages         []models.Message `json:"messages,omitempty"`
}

// record is one JSONL line.
type record struct {
	Kind string `json:"kind"`
	At   time.Time `json:"at"`

	Turn *Turn `json:"turn,omitempty"`

	// Compaction fields: the summary supersedes everything before it; Tail
	// is the retained message suffix.
	Summary string           `json:"summary,omitempty"`
	Tail    []models.Message `json:"tail,omitempty"`
}

// Session is the reconstructed state of one conversation.
type Session struct {
	ID       string
	Messages []models.Message
	// Summary is the latest compaction summary, empty when none.
	Summary string
	// RecentTools holds non-core tools per turn for the last lookback turns,
	// newest last.
	RecentTools [][]string
	// LastActivity is the timestamp of the newest record.
	LastActivity time.Time
	// LastExtraction is when idle fact extraction last ran.
	LastExtraction time.Time
}

// TotalTextLen returns the total character length of all message content,
// the measure used by the compaction threshold.
func (s *Session) TotalTextLen() int {
	total := len(s.Summary)
	for _, msg := range s.Messages {
		total += len(msg.Content)
		for _, result := range msg.ToolResults {
			total += len(result.Content)
		}
	}
	return total
}

// Store persists sessions under dir, one file per conversation. Writes to the
// same conversation are serialized; the engine additionally guarantees a
// single in-flight turn per conversation.
type Store struct {
	dir      string
	lookback int
	logger   *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a store rooted at dir. lookback bounds the reconstructed
// recent-tools list.
func NewStore(dir string, lookback int) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	if lookback <= 0 {
		lookback = 3
	}
	return &Store{
		dir:      dir,
		lookback: lookback,
		logger:   slog.Default().With("component", "sessions"),
		locks:    make(map[string]*sync.Mutex),
	}, nil
}

var unsafePathChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

func (st *Store) path(id string) string {
	return filepath.Join(st.dir, unsafePathChars.ReplaceAllString(id, "_")+".jsonl")
}

func (st *Store) lock(id string) *sync.Mutex {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.locks[id] == nil {
		st.locks[id] = &sync.Mutex{}
	}
	return st.locks[id]
}

// Load reconstructs a session from its record stream. A missing file yields
// an empty session.
func (st *Store) Load(id string) (*Session, error) {
	lock := st.lock(id)
	lock.Lock()
	defer lock.Unlock()
	return st.loadLocked(id)
}

func (st *Store) loadLocked(id string) (*Session, error) {
	session := &Session{ID: id}

	file, err := os.Open(st.path(id))
	if os.IsNotExist(err) {
		return session, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open session %s: %w", id, err)
	}
	defer file.Close()

	var recentTools [][]string

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			st.logger.Warn("skipping corrupt session record", "session", id, "error", err)
			continue
		}
		if rec.At.After(session.LastActivity) {
			session.LastActivity = rec.At
		}
		switch rec.Kind {
		case recordTurn:
			if rec.Turn == nil {
				continue
			}
			session.Messages = append(session.Messages, rec.Turn.AsMessages()...)
			recentTools = append(recentTools, rec.Turn.ToolsUsed)
		case recordCompaction:
			// The summary supersedes everything reconstructed so far.
			session.Summary = rec.Summary
			session.Messages = append([]models.Message(nil), rec.Tail...)
		case recordExtraction:
			session.LastExtraction = rec.At
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read session %s: %w", id, err)
	}

	if len(recentTools) > st.lookback {
		recentTools = recentTools[len(recentTools)-st.lookback:]
	}
	session.RecentTools = recentTools
	return session, nil
}

// SaveTurn appends one turn to the stream.
func (st *Store) SaveTurn(id string, turn Turn) error {
	if turn.At.IsZero() {
		turn.At = time.Now().UTC()
	}
	return st.append(id, record{Kind: recordTurn, At: turn.At, Turn: &turn})
}

// SaveCompaction appends a compaction record: the summary plus the retained
// message tail.
func (st *Store) SaveCompaction(id, summary string, tail []models.Message) error {
	return st.append(id, record{
		Kind:    recordCompaction,
		At:      time.Now().UTC(),
		Summary: summary,
		Tail:    tail,
	})
}

// MarkExtraction records that idle fact extraction ran, so a second idle fire
// is a no-op.
func (st *Store) MarkExtraction(id string) error {
	return st.append(id, record{Kind: recordExtraction, At: time.Now().UTC()})
}

func (st *Store) append(id string, rec record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode session record: %w", err)
	}

	lock := st.lock(id)
	lock.Lock()
	defer lock.Unlock()

	file, err := os.OpenFile(st.path(id), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open session %s: %w", id, err)
	}
	defer file.Close()

	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append session %s: %w", id, err)
	}
	return file.Sync()
}

// Cleanup deletes session files not touched for longer than maxAgeDays.
// Returns the number of files removed.
func (st *Store) Cleanup(maxAgeDays int) (int, error) {
	if maxAgeDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-time.Duration(maxAgeDays) * 24 * time.Hour)

	entries, err := os.ReadDir(st.dir)
	if err != nil {
		return 0, fmt.Errorf("read sessions dir: %w", err)
	}
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".jsonl" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(st.dir, entry.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// AsMessages expands a turn into its message sequence. Structured turns
// return the recorded sequence verbatim; flat turns synthesize the text pair.
func (t *Turn) AsMessages() []models.Message {
	if len(t.Messages) > 0 {
		return t.Messages
	}
	return []models.Message{
		{Role: models.RoleUser, Content: t.UserText, CreatedAt: t.At},
		{Role: models.RoleAssistant, Content: t.AssistantText, CreatedAt: t.At},
	}
}
