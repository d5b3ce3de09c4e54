package enrich

import (
	"context"
	"testing"

	"github.com/subcog/subcog/internal/embed"
	"github.com/subcog/subcog/internal/llm"
	"github.com/subcog/subcog/internal/models"
	"github.com/subcog/subcog/internal/store"
)

type fakePersistence struct {
	memories map[string]*models.Memory
	written  []*models.Memory
}

func newFakePersistence(m *models.Memory) *fakePersistence {
	return &fakePersistence{memories: map[string]*models.Memory{m.ID: m}}
}

func (f *fakePersistence) Store(ctx context.Context, m *models.Memory) error {
	f.memories[m.ID] = m
	f.written = append(f.written, m)
	return nil
}
func (f *fakePersistence) Retrieve(ctx context.Context, id string) (*models.Memory, error) {
	return f.memories[id], nil
}
func (f *fakePersistence) Delete(ctx context.Context, id string, hard bool) (bool, error) {
	return true, nil
}
func (f *fakePersistence) List(ctx context.Context, filter models.Filter) ([]*models.Memory, error) {
	return nil, nil
}
func (f *fakePersistence) Exists(ctx context.Context, id string) (bool, error) { return true, nil }
func (f *fakePersistence) StoreTemplate(ctx context.Context, t *models.PromptTemplate) error {
	return nil
}
func (f *fakePersistence) GetTemplate(ctx context.Context, name, domain string) (*models.PromptTemplate, error) {
	return nil, nil
}
func (f *fakePersistence) Close() error { return nil }

type fakeLexical struct{}

func (fakeLexical) Index(ctx context.Context, m *models.Memory) error { return nil }
func (fakeLexical) Remove(ctx context.Context, id string) error      { return nil }
func (fakeLexical) Search(ctx context.Context, q string, f models.Filter, limit int) ([]store.ScoredID, error) {
	return nil, nil
}
func (fakeLexical) Filter(ctx context.Context, f models.Filter) ([]string, error) { return nil, nil }
func (fakeLexical) Rebuild(ctx context.Context, memories []*models.Memory) (int, error) {
	return 0, nil
}
func (fakeLexical) Close() error { return nil }

type fakeVector struct{}

func (fakeVector) Upsert(ctx context.Context, id string, vec []float32) error { return nil }
func (fakeVector) Delete(ctx context.Context, id string) (bool, error)        { return true, nil }
func (fakeVector) Search(ctx context.Context, vec []float32, k int) ([]store.ScoredID, error) {
	return nil, nil
}
func (fakeVector) Rebuild(ctx context.Context, pairs []store.VectorPair) (int, error) {
	return 0, nil
}
func (fakeVector) Close() error { return nil }

type fakeProvider struct {
	response string
	err      error
}

func (f *fakeProvider) Complete(ctx context.Context, req llm.CompletionRequest) (string, error) {
	return f.response, f.err
}

func newEnricher(t *testing.T, m *models.Memory, providerResponse string, providerErr error) (*Enricher, *fakePersistence) {
	t.Helper()
	p := newFakePersistence(m)
	composite := store.NewCompositeStore(p, fakeLexical{}, fakeVector{}, embed.NewHashEmbedder(8), nil, nil)
	cfg := llm.DefaultGatewayConfig()
	cfg.MaxRetries = 1
	gateway := llm.NewGateway(&fakeProvider{response: providerResponse, err: providerErr}, cfg, nil)
	return New(composite, gateway, nil), p
}

func TestEnrichAddsTagsWithoutReplacingContentByDefault(t *testing.T) {
	m := &models.Memory{ID: "m1", Namespace: models.NamespaceDecisions, Domain: "user",
		Content: "original content", Tags: []string{"existing"}, Status: models.StatusActive}
	e, p := newEnricher(t, m, `{"rewritten_content":"new content","tags_added":["added"],"context":"ctx"}`, nil)

	res, err := e.Enrich(context.Background(), Request{MemoryID: "m1", EnrichStructure: false})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Skipped {
		t.Fatalf("expected enrichment to apply, got skipped: %s", res.SkipReason)
	}
	stored := p.memories["m1"]
	if stored.Content != "original content" {
		t.Fatalf("content must not change without EnrichStructure, got %q", stored.Content)
	}
	if len(stored.Tags) != 2 || stored.Tags[0] != "existing" || stored.Tags[1] != "added" {
		t.Fatalf("expected existing tag preserved and new tag appended, got %+v", stored.Tags)
	}
}

func TestEnrichReplacesContentWhenStructureRequested(t *testing.T) {
	m := &models.Memory{ID: "m1", Namespace: models.NamespaceDecisions, Domain: "user",
		Content: "original content", Status: models.StatusActive}
	e, p := newEnricher(t, m, `{"rewritten_content":"restructured","tags_added":[],"context":""}`, nil)

	_, err := e.Enrich(context.Background(), Request{MemoryID: "m1", EnrichStructure: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.memories["m1"].Content != "restructured" {
		t.Fatalf("expected content replaced, got %q", p.memories["m1"].Content)
	}
}

func TestEnrichSkipsOnLLMFailure(t *testing.T) {
	m := &models.Memory{ID: "m1", Namespace: models.NamespaceDecisions, Domain: "user",
		Content: "original content", Status: models.StatusActive}
	e, p := newEnricher(t, m, "", &providerFailure{})

	res, err := e.Enrich(context.Background(), Request{MemoryID: "m1"})
	if err != nil {
		t.Fatalf("a failing LLM should produce a skipped result, not an error: %v", err)
	}
	if !res.Skipped {
		t.Fatal("expected enrichment to be skipped")
	}
	if len(p.written) != 0 {
		t.Fatalf("expected no write when enrichment is skipped, got %d writes", len(p.written))
	}
}

func TestEnrichSkipsWhenNoChangeProposed(t *testing.T) {
	m := &models.Memory{ID: "m1", Namespace: models.NamespaceDecisions, Domain: "user",
		Content: "original content", Tags: []string{"existing"}, Status: models.StatusActive}
	e, p := newEnricher(t, m, `{"rewritten_content":"","tags_added":[],"context":""}`, nil)

	res, err := e.Enrich(context.Background(), Request{MemoryID: "m1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Skipped {
		t.Fatal("expected a no-op proposal to be reported as skipped")
	}
	if len(p.written) != 0 {
		t.Fatalf("expected no write for a no-op proposal, got %d writes", len(p.written))
	}
}

type providerFailure struct{}

func (providerFailure) Error() string { return "provider unavailable" }
