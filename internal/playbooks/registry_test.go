package playbooks

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/strandlabs/strand/pkg/models"
)

// fakeStore is an in-memory playbook store tracking write counts.
type fakeStore struct {
	playbooks map[string]models.Playbook
	listErr   error
	listCalls int
	stores    int
	updates   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{playbooks: make(map[string]models.Playbook)}
}

func (f *fakeStore) ListPlaybooks(ctx context.Context) ([]models.Playbook, error) {
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]models.Playbook, 0, len(f.playbooks))
	for _, pb := range f.playbooks {
		out = append(out, pb)
	}
	return out, nil
}

func (f *fakeStore) StorePlaybook(ctx context.Context, pb models.Playbook) error {
	f.stores++
	pb.ID = fmt.Sprintf("pb-%d", f.stores)
	f.playbooks[pb.Name] = pb
	return nil
}

func (f *fakeStore) UpdatePlaybook(ctx context.Context, pb models.Playbook) error {
	f.updates++
	f.playbooks[pb.Name] = pb
	return nil
}

func TestSeedCreatesAndIsIdempotent(t *testing.T) {
	store := newFakeStore()
	r := NewRegistry(store)
	defaults := DefaultSeeds()

	if err := r.Seed(context.Background(), defaults); err != nil {
		t.Fatalf("first Seed: %v", err)
	}
	if store.stores != len(defaults) {
		t.Fatalf("stores = %d, want %d", store.stores, len(defaults))
	}
	for _, pb := range store.playbooks {
		if !pb.Seeded {
			t.Errorf("playbook %s not marked seeded", pb.Name)
		}
	}

	// Re-seeding identical content writes nothing.
	if err := r.Seed(context.Background(), defaults); err != nil {
		t.Fatalf("second Seed: %v", err)
	}
	if store.stores != len(defaults) || store.updates != 0 {
		t.Errorf("idempotent reseed wrote: stores=%d updates=%d", store.stores, store.updates)
	}
}

func TestSeedUpdatesChangedContentInPlace(t *testing.T) {
	store := newFakeStore()
	r := NewRegistry(store)
	defaults := DefaultSeeds()
	if err := r.Seed(context.Background(), defaults); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	originalID := store.playbooks[defaults[0].Name].ID

	changed := append([]models.Playbook(nil), defaults...)
	changed[0].Instructions = changed[0].Instructions + "\nAlso check the weather."
	if err := r.Seed(context.Background(), changed); err != nil {
		t.Fatalf("reseed: %v", err)
	}
	if store.updates != 1 {
		t.Fatalf("updates = %d, want 1", store.updates)
	}
	if got := store.playbooks[changed[0].Name].ID; got != originalID {
		t.Errorf("update replaced ID %s with %s", originalID, got)
	}
}

func TestSeedNeverTouchesUserPlaybooks(t *testing.T) {
	store := newFakeStore()
	store.playbooks["my-own"] = models.Playbook{
		ID: "user-1", Name: "my-own", Instructions: "user authored", Keywords: []string{"own"},
	}
	r := NewRegistry(store)
	if err := r.Seed(context.Background(), DefaultSeeds()); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	got := store.playbooks["my-own"]
	if got.Instructions != "user authored" || got.Seeded {
		t.Errorf("user playbook modified: %+v", got)
	}
}

func TestMatchOrdersByPriorityThenName(t *testing.T) {
	store := newFakeStore()
	store.playbooks["b-low"] = models.Playbook{Name: "b-low", Priority: 5, Keywords: []string{"report"}}
	store.playbooks["a-low"] = models.Playbook{Name: "a-low", Priority: 5, Keywords: []string{"report"}}
	store.playbooks["high"] = models.Playbook{Name: "high", Priority: 10, Keywords: []string{"report"}}
	store.playbooks["unrelated"] = models.Playbook{Name: "unrelated", Priority: 99, Keywords: []string{"golf"}}

	r := NewRegistry(store)
	matched, err := r.Match(context.Background(), "send me the report")
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	want := []string{"high", "a-low", "b-low"}
	if len(matched) != len(want) {
		t.Fatalf("matched %d playbooks, want %d", len(matched), len(want))
	}
	for i, name := range want {
		if matched[i].Name != name {
			t.Errorf("matched[%d] = %s, want %s", i, matched[i].Name, name)
		}
	}
}

func TestCacheRefreshesOnTTLExpiry(t *testing.T) {
	store := newFakeStore()
	store.playbooks["pb"] = models.Playbook{Name: "pb", Keywords: []string{"pb"}}

	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := NewRegistry(store, WithTTL(30*time.Second), WithNow(func() time.Time { return clock }))

	if _, err := r.All(context.Background()); err != nil {
		t.Fatalf("All: %v", err)
	}
	if _, err := r.All(context.Background()); err != nil {
		t.Fatalf("All: %v", err)
	}
	if store.listCalls != 1 {
		t.Fatalf("listCalls = %d inside TTL, want 1", store.listCalls)
	}

	clock = clock.Add(time.Minute)
	if _, err := r.All(context.Background()); err != nil {
		t.Fatalf("All: %v", err)
	}
	if store.listCalls != 2 {
		t.Errorf("listCalls = %d after TTL expiry, want 2", store.listCalls)
	}
}

func TestCacheInvalidateForcesRefresh(t *testing.T) {
	store := newFakeStore()
	r := NewRegistry(store)
	if _, err := r.All(context.Background()); err != nil {
		t.Fatalf("All: %v", err)
	}
	r.Invalidate()
	if _, err := r.All(context.Background()); err != nil {
		t.Fatalf("All: %v", err)
	}
	if store.listCalls != 2 {
		t.Errorf("listCalls = %d after Invalidate, want 2", store.listCalls)
	}
}

func TestCacheServesStaleOnRefreshFailure(t *testing.T) {
	store := newFakeStore()
	store.playbooks["pb"] = models.Playbook{Name: "pb"}
	r := NewRegistry(store)

	first, err := r.All(context.Background())
	if err != nil {
		t.Fatalf("All: %v", err)
	}

	store.listErr = errors.New("memory unreachable")
	r.Invalidate()
	stale, err := r.All(context.Background())
	if err != nil {
		t.Fatalf("All should serve the stale cache, got %v", err)
	}
	if len(stale) != len(first) {
		t.Errorf("stale cache = %v, want %v", stale, first)
	}
}

func TestSkillModifyingTools(t *testing.T) {
	for _, name := range []string{"store_skill", "update_skill", "delete_skill"} {
		if !SkillModifyingTools[name] {
			t.Errorf("%s not marked skill-modifying", name)
		}
	}
	if SkillModifyingTools["gmail_send"] {
		t.Error("gmail_send marked skill-modifying")
	}
}
