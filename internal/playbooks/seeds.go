package playbooks

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/strandlabs/strand/pkg/models"
)

// DefaultSeeds are the built-in playbooks every agent starts with.
func DefaultSeeds() []models.Playbook {
	return []models.Playbook{
		{
			Name:        "morning-briefing",
			Description: "Compose a morning overview from calendar, weather, and unread mail.",
			Keywords:    []string{"morning briefing", "daily briefing", "what's my day", "whats my day"},
			Priority:    10,
			Instructions: "Gather today's calendar events, the local weather, and unread email " +
				"subjects, then present them as one short briefing. Lead with anything " +
				"time-sensitive. Do not read full email bodies unless asked.",
			RequiredTools: []string{"calendar_list_events", "weather_current", "gmail_list_unread"},
			MaxSteps:      6,
		},
		{
			Name:        "meeting-prep",
			Description: "Brief the user before a meeting using calendar details and stored facts.",
			Keywords:    []string{"meeting prep", "prepare for my meeting", "prep for"},
			Priority:    10,
			Instructions: "Find the next (or named) meeting on the calendar, pull attendees and " +
				"agenda, and search memories for relevant context about the attendees or " +
				"topic. Summarize what the user needs to know in a few bullets.",
			RequiredTools: []string{"calendar_list_events", "search_memories"},
			MaxSteps:      6,
		},
		{
			Name:        "remember-this",
			Description: "Store durable facts when the user asks to remember something.",
			Keywords:    []string{"remember that", "don't forget", "dont forget", "make a note"},
			Priority:    5,
			Instructions: "Extract the durable fact from the message and store it with store_fact. " +
				"Keep the fact self-contained: resolve pronouns and relative dates before " +
				"storing. Confirm briefly what was stored.",
			RequiredTools: []string{"store_fact"},
			MaxSteps:      3,
		},
		{
			Name:        "inbox-triage",
			Description: "Summarize and prioritize unread email.",
			Keywords:    []string{"triage my inbox", "check my email", "check my inbox", "unread email"},
			Priority:    5,
			Instructions: "List unread messages, group them by urgency, and present sender plus " +
				"one-line gist per message. Flag anything that looks like it needs a reply " +
				"today. Never archive or delete without explicit confirmation.",
			RequiredTools: []string{"gmail_list_unread"},
			MaxSteps:      5,
		},
	}
}

// seedFile is the YAML shape of one overlay file: a list of playbooks.
type seedFile struct {
	Playbooks []models.Playbook `yaml:"playbooks"`
}

// LoadSeedDir reads every .yaml/.yml file under dir and returns the playbooks
// they define. Overlay entries with a name already present replace the earlier
// definition, so user files can override built-ins.
func LoadSeedDir(dir string, base []models.Playbook) ([]models.Playbook, error) {
	merged := append([]models.Playbook(nil), base...)
	index := make(map[string]int, len(merged))
	for i, pb := range merged {
		index[pb.Name] = i
	}

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return merged, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read seed dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read seed file %s: %w", entry.Name(), err)
		}
		var file seedFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parse seed file %s: %w", entry.Name(), err)
		}
		for _, pb := range file.Playbooks {
			if pb.Name == "" || pb.Instructions == "" {
				return nil, fmt.Errorf("seed file %s: playbook needs name and instructions", entry.Name())
			}
			if i, ok := index[pb.Name]; ok {
				merged[i] = pb
			} else {
				index[pb.Name] = len(merged)
				merged = append(merged, pb)
			}
		}
	}
	return merged, nil
}

// WatchSeedDir re-seeds the registry whenever a YAML file under dir changes.
// It blocks until ctx is done; callers run it in a goroutine. A missing dir is
// reported once and the watcher exits.
func WatchSeedDir(ctx context.Context, dir string, registry *Registry, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default().With("component", "playbooks")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create seed watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch seed dir %s: %w", dir, err)
	}
	logger.Info("watching playbook seed dir", "dir", dir)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			ext := strings.ToLower(filepath.Ext(event.Name))
			if ext != ".yaml" && ext != ".yml" {
				continue
			}
			seeds, err := LoadSeedDir(dir, DefaultSeeds())
			if err != nil {
				logger.Error("seed reload failed", "error", err)
				continue
			}
			if err := registry.Seed(ctx, seeds); err != nil {
				logger.Error("seed reload failed", "error", err)
				continue
			}
			logger.Info("playbook seeds reloaded", "trigger", filepath.Base(event.Name))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("seed watcher error", "error", err)
		}
	}
}
