// Package playbooks manages keyword-triggered guidance blocks: seeding from
// built-in defaults, message matching, and a short-TTL cache over the memory
// collaborator.
package playbooks

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/strandlabs/strand/pkg/models"
)

// Store is the persistence surface the registry needs. Satisfied by
// *memory.Client.
type Store interface {
	ListPlaybooks(ctx context.Context) ([]models.Playbook, error)
	StorePlaybook(ctx context.Context, pb models.Playbook) error
	UpdatePlaybook(ctx context.Context, pb models.Playbook) error
}

// SkillModifyingTools are the tool names whose execution invalidates the
// cache mid-TTL.
var SkillModifyingTools = map[string]bool{
	"store_skill":  true,
	"update_skill": true,
	"delete_skill": true,
}

// Registry caches playbooks and answers match queries.
type Registry struct {
	store  Store
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	cache     []models.Playbook
	refreshed time.Time
}

// Option configures the registry.
type Option func(*Registry)

// WithTTL overrides the cache TTL.
func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistry creates a registry over the given store.
func NewRegistry(store Store, opts ...Option) *Registry {
	r := &Registry{
		store:  store,
		ttl:    30 * time.Second,
		logger: slog.Default().With("component", "playbooks"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Seed reconciles stored playbooks with the given defaults: absent defaults
// are created; present ones are updated in place when their content hash
// changed. User-created playbooks are never touched.
func (r *Registry) Seed(ctx context.Context, defaults []models.Playbook) error {
	existing, err := r.store.ListPlaybooks(ctx)
	if err != nil {
		return fmt.Errorf("list playbooks: %w", err)
	}
	byName := make(map[string]models.Playbook, len(existing))
	for _, pb := range existing {
		byName[pb.Name] = pb
	}

	created, updated := 0, 0
	for _, seed := range defaults {
		seed.Seeded = true
		current, ok := byName[seed.Name]
		if !ok {
			if err := r.store.StorePlaybook(ctx, seed); err != nil {
				return fmt.Errorf("seed playbook %s: %w", seed.Name, err)
			}
			created++
			continue
		}
		if current.ContentHash() != seed.ContentHash() {
			seed.ID = current.ID
			if err := r.store.UpdatePlaybook(ctx, seed); err != nil {
				return fmt.Errorf("reseed playbook %s: %w", seed.Name, err)
			}
			updated++
		}
	}

	if created > 0 || updated > 0 {
		r.logger.Info("playbooks seeded", "created", created, "updated", updated)
		r.Invalidate()
	}
	return nil
}

// Match returns the playbooks whose keywords match the message, ordered by
// priority descending (stable; name ascending on ties).
func (r *Registry) Match(ctx context.Context, message string) ([]models.Playbook, error) {
	all, err := r.cached(ctx)
	if err != nil {
		return nil, err
	}
	var matched []models.Playbook
	for _, pb := range all {
		if pb.Matches(message) {
			matched = append(matched, pb)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority > matched[j].Priority
		}
		return matched[i].Name < matched[j].Name
	})
	return matched, nil
}

// All returns the cached playbook list, refreshing on TTL expiry.
func (r *Registry) All(ctx context.Context) ([]models.Playbook, error) {
	return r.cached(ctx)
}

// Invalidate drops the cache. Called after any skill-modifying tool runs.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	r.refreshed = time.Time{}
	r.mu.Unlock()
}

// cached returns the cache, refreshing it atomically (whole-list replace)
// when stale. A refresh failure with a warm cache serves the stale copy.
func (r *Registry) cached(ctx context.Context) ([]models.Playbook, error) {
	r.mu.Lock()
	fresh := r.now().Sub(r.refreshed) < r.ttl
	cache := r.cache
	r.mu.Unlock()
	if fresh {
		return cache, nil
	}

	all, err := r.store.ListPlaybooks(ctx)
	if err != nil {
		if cache != nil {
			r.logger.Warn("playbook refresh failed, serving stale cache", "error", err)
			return cache, nil
		}
		return nil, err
	}

	r.mu.Lock()
	r.cache = all
	r.refreshed = r.now()
	r.mu.Unlock()
	return all, nil
}
