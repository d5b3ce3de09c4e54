package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/subcog/subcog/internal/kind"
	"github.com/subcog/subcog/internal/models"
)

func newTestStore(t *testing.T) *BadgerPersistenceStore {
	t.Helper()
	s, err := NewBadgerPersistenceStore(filepath.Join(t.TempDir(), "badger"))
	if err != nil {
		t.Fatalf("NewBadgerPersistenceStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreRetrieveRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	m := &models.Memory{
		ID:        "m1",
		Namespace: models.NamespaceDecisions,
		Domain:    "project:demo",
		Content:   "Use PostgreSQL for primary storage",
		Tags:      []string{"storage"},
		Status:    models.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.Store(ctx, m); err != nil {
		t.Fatalf("Store: %v", err)
	}
	got, err := s.Retrieve(ctx, "m1")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if got.Content != m.Content || got.Namespace != m.Namespace || got.Status != m.Status {
		t.Fatalf("retrieved memory differs from stored: %+v vs %+v", got, m)
	}
}

func TestRetrieveMissingIsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Retrieve(context.Background(), "nope")
	if kind.Of(err) != kind.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestSoftDeleteTombstones(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	m := &models.Memory{ID: "m2", Namespace: models.NamespacePatterns, Domain: "user", Status: models.StatusActive, CreatedAt: now, UpdatedAt: now}
	if err := s.Store(ctx, m); err != nil {
		t.Fatalf("Store: %v", err)
	}
	ok, err := s.Delete(ctx, "m2", false)
	if err != nil || !ok {
		t.Fatalf("Delete: ok=%v err=%v", ok, err)
	}
	got, err := s.Retrieve(ctx, "m2")
	if err != nil {
		t.Fatalf("Retrieve after soft delete: %v", err)
	}
	if got.Status != models.StatusTombstoned || got.TombstonedAt == nil {
		t.Fatalf("expected tombstoned status with timestamp, got %+v", got)
	}
}

func TestHardDeleteIsIrreversible(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	m := &models.Memory{ID: "m3", Namespace: models.NamespaceLearnings, Domain: "user", Status: models.StatusActive, CreatedAt: now, UpdatedAt: now}
	if err := s.Store(ctx, m); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, err := s.Delete(ctx, "m3", true); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Retrieve(ctx, "m3"); kind.Of(err) != kind.NotFound {
		t.Fatalf("expected NotFound after hard delete, got %v", err)
	}
}

func TestListFiltersByNamespaceAndStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	active := &models.Memory{ID: "a", Namespace: models.NamespaceDecisions, Domain: "user", Status: models.StatusActive, CreatedAt: now, UpdatedAt: now}
	other := &models.Memory{ID: "b", Namespace: models.NamespacePatterns, Domain: "user", Status: models.StatusActive, CreatedAt: now, UpdatedAt: now}
	if err := s.Store(ctx, active); err != nil {
		t.Fatal(err)
	}
	if err := s.Store(ctx, other); err != nil {
		t.Fatal(err)
	}
	got, err := s.List(ctx, models.Filter{Namespace: models.NamespaceDecisions})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("expected only memory a, got %+v", got)
	}
}

func TestTemplateListingPrefersHighestVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for v := 1; v <= 3; v++ {
		tpl := &models.PromptTemplate{Name: "review", Domain: "user", Version: v, Content: "v"}
		if err := s.StoreTemplate(ctx, tpl); err != nil {
			t.Fatalf("StoreTemplate: %v", err)
		}
	}
	got, err := s.GetTemplate(ctx, "review", "user")
	if err != nil {
		t.Fatalf("GetTemplate: %v", err)
	}
	if got.Version != 3 {
		t.Fatalf("expected version 3, got %d", got.Version)
	}
}
