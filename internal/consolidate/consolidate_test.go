package consolidate

import (
	"context"
	"testing"
	"time"

	"github.com/subcog/subcog/internal/embed"
	"github.com/subcog/subcog/internal/llm"
	"github.com/subcog/subcog/internal/models"
	"github.com/subcog/subcog/internal/store"
)

type fakePersistence struct {
	memories map[string]*models.Memory
	written  []*models.Memory
}

func newFakePersistence(memories ...*models.Memory) *fakePersistence {
	p := &fakePersistence{memories: map[string]*models.Memory{}}
	for _, m := range memories {
		p.memories[m.ID] = m
	}
	return p
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
	delete(f.memories, id)
	return true, nil
}
func (f *fakePersistence) List(ctx context.Context, filter models.Filter) ([]*models.Memory, error) {
	var out []*models.Memory
	for _, m := range f.memories {
		if filter.Namespace != "" && m.Namespace != filter.Namespace {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}
func (f *fakePersistence) Exists(ctx context.Context, id string) (bool, error) {
	_, ok := f.memories[id]
	return ok, nil
}
func (f *fakePersistence) StoreTemplate(ctx context.Context, t *models.PromptTemplate) error { return nil }
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

// fakeVector groups candidate ids into cliques: every id sharing a clique
// with the queried vector is returned at similarity 0.95, everything else at 0.1.
type fakeVector struct {
	cliques map[string]string // id -> clique key
}

func (f *fakeVector) Upsert(ctx context.Context, id string, vec []float32) error { return nil }
func (f *fakeVector) Delete(ctx context.Context, id string) (bool, error)        { return true, nil }
func (f *fakeVector) Search(ctx context.Context, vec []float32, k int) ([]store.ScoredID, error) {
	// The fake encodes which memory is querying by stashing its id as the
	// first vector component via vecFor below, so Search can look up its clique.
	queryID := idFromVec(vec)
	clique := f.cliques[queryID]
	var out []store.ScoredID
	for id, c := range f.cliques {
		if id == queryID {
			continue
		}
		if c == clique {
			out = append(out, store.ScoredID{ID: id, Score: 0.95})
		} else {
			out = append(out, store.ScoredID{ID: id, Score: 0.1})
		}
	}
	return out, nil
}
func (f *fakeVector) Rebuild(ctx context.Context, pairs []store.VectorPair) (int, error) {
	return 0, nil
}
func (f *fakeVector) Close() error { return nil }

// vecFor/idFromVec smuggle a memory id through a "vector" so the fake vector
// index can group memories into cliques without real embeddings.
func vecFor(id string) []float32 {
	v := make([]float32, len(id))
	for i, c := range id {
		v[i] = float32(c)
	}
	return v
}
func idFromVec(v []float32) string {
	b := make([]byte, len(v))
	for i, f := range v {
		b[i] = byte(f)
	}
	return string(b)
}

func memberWithVec(id string, ns models.Namespace) *models.Memory {
	return &models.Memory{
		ID: id, Namespace: ns, Domain: "user", Content: "note " + id,
		Status: models.StatusActive, CreatedAt: time.Now(),
		Embedding: &models.Embedding{Vector: vecFor(id)},
	}
}

type fakeProvider struct{ response string }

func (f *fakeProvider) Complete(ctx context.Context, req llm.CompletionRequest) (string, error) {
	return f.response, nil
}

func TestClusterGroupsByThreshold(t *testing.T) {
	members := []*models.Memory{
		memberWithVec("a1", models.NamespaceDecisions),
		memberWithVec("a2", models.NamespaceDecisions),
		memberWithVec("a3", models.NamespaceDecisions),
		memberWithVec("b1", models.NamespaceDecisions),
	}
	vec := &fakeVector{cliques: map[string]string{"a1": "A", "a2": "A", "a3": "A", "b1": "B"}}

	groups := cluster(context.Background(), vec, members, 0.85, 3)
	if len(groups) != 1 {
		t.Fatalf("expected exactly one group of size >= 3, got %d groups", len(groups))
	}
	if len(groups[0].Members) != 3 {
		t.Fatalf("expected group of 3, got %d", len(groups[0].Members))
	}
}

func TestRunDryRunDoesNotWrite(t *testing.T) {
	members := []*models.Memory{
		memberWithVec("a1", models.NamespaceDecisions),
		memberWithVec("a2", models.NamespaceDecisions),
		memberWithVec("a3", models.NamespaceDecisions),
	}
	persistence := newFakePersistence(members...)
	vec := &fakeVector{cliques: map[string]string{"a1": "A", "a2": "A", "a3": "A"}}
	composite := store.NewCompositeStore(persistence, fakeLexical{}, vec, embed.NewHashEmbedder(8), nil, nil)
	gateway := llm.NewGateway(&fakeProvider{response: "summary text"}, llm.DefaultGatewayConfig(), nil)
	c := New(persistence, vec, composite, gateway, nil)

	groups, proposed, stats, err := c.Run(context.Background(), Request{
		Namespace: models.NamespaceDecisions, MaxAgeDays: 0, MinGroupSize: 3,
		SimilarityThreshold: 0.85, DryRun: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(groups) != 1 || stats.GroupsFound != 1 {
		t.Fatalf("expected one group found, got %+v / %+v", groups, stats)
	}
	if len(proposed) != 1 || proposed[0].Domain != "user" {
		t.Fatalf("expected one proposal carrying the group's domain, got %+v", proposed)
	}
	if len(persistence.written) != 0 {
		t.Fatalf("dry run must not write, but %d writes occurred", len(persistence.written))
	}
}

func TestRunWritesSummaryWithDomain(t *testing.T) {
	members := []*models.Memory{
		memberWithVec("a1", models.NamespaceDecisions),
		memberWithVec("a2", models.NamespaceDecisions),
		memberWithVec("a3", models.NamespaceDecisions),
	}
	persistence := newFakePersistence(members...)
	vec := &fakeVector{cliques: map[string]string{"a1": "A", "a2": "A", "a3": "A"}}
	composite := store.NewCompositeStore(persistence, fakeLexical{}, vec, embed.NewHashEmbedder(8), nil, nil)
	gateway := llm.NewGateway(&fakeProvider{response: "summary text"}, llm.DefaultGatewayConfig(), nil)
	c := New(persistence, vec, composite, gateway, nil)

	_, _, stats, err := c.Run(context.Background(), Request{
		Namespace: models.NamespaceDecisions, MinGroupSize: 3,
		SimilarityThreshold: 0.85, DryRun: false,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.GroupsSummarized != 1 {
		t.Fatalf("expected one group summarized, got %+v", stats)
	}
	if len(persistence.written) != 1 {
		t.Fatalf("expected exactly one write, got %d", len(persistence.written))
	}
	summary := persistence.written[0]
	if summary.Domain != "user" {
		t.Fatalf("expected summary to carry the group's domain, got %q", summary.Domain)
	}
	if !summary.IsSummary || len(summary.SourceIDs) != 3 {
		t.Fatalf("expected a summary memory with 3 source ids, got %+v", summary)
	}
}
