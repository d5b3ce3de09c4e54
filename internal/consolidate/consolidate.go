// Package consolidate implements the Consolidator component (C10): clusters
// near-duplicate memories by vector similarity, summarizes each cluster via
// the LlmGateway, and materializes a summary memory with provenance edges
// back to its sources.
package consolidate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/subcog/subcog/internal/kind"
	"github.com/subcog/subcog/internal/llm"
	"github.com/subcog/subcog/internal/models"
	"github.com/subcog/subcog/internal/store"
)

// Group is a cluster of memories judged near-duplicate by similarity.
type Group struct {
	Members []*models.Memory
}

// ProposedSummary is what a dry_run reports without mutating state.
type ProposedSummary struct {
	Namespace models.Namespace
	Domain    string
	Content   string
	SourceIDs []string
	Tags      []string
}

// Stats reports partial-success outcomes per §4.10's failure policy: an LLM
// failure on one group aborts only that group.
type Stats struct {
	GroupsFound        int
	GroupsSummarized   int
	GroupsFailed       int
}

// Request parameterizes a consolidation pass over a namespace/time window.
type Request struct {
	Namespace   models.Namespace
	Domain      string
	MaxAgeDays  int
	MinGroupSize int
	SimilarityThreshold float64
	DryRun      bool
}

// Consolidator is the C10 contract.
type Consolidator struct {
	persistence store.PersistenceStore
	vector      store.VectorIndex
	composite   *store.CompositeStore
	gateway     *llm.Gateway
	log         *zap.Logger
}

func New(persistence store.PersistenceStore, vector store.VectorIndex, composite *store.CompositeStore, gateway *llm.Gateway, log *zap.Logger) *Consolidator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Consolidator{persistence: persistence, vector: vector, composite: composite, gateway: gateway, log: log}
}

// Run executes §4.10's algorithm. In dry_run mode it returns the groups and
// proposed writes without mutating state; otherwise it writes summary
// memories via CompositeStore.
func (c *Consolidator) Run(ctx context.Context, req Request) ([]Group, []ProposedSummary, Stats, error) {
	if req.MinGroupSize <= 0 {
		req.MinGroupSize = 3
	}
	if req.SimilarityThreshold <= 0 {
		req.SimilarityThreshold = 0.85
	}

	cutoff := time.Now().AddDate(0, 0, -req.MaxAgeDays)
	candidates, err := c.persistence.List(ctx, models.Filter{Namespace: req.Namespace, Domain: req.Domain})
	if err != nil {
		return nil, nil, Stats{}, kind.Wrap(err, kind.BackendUnavailable, "consolidate.Consolidator.Run")
	}

	var eligible []*models.Memory
	for _, m := range candidates {
		if m.IsSummary || m.Status != models.StatusActive {
			continue
		}
		if req.MaxAgeDays > 0 && m.CreatedAt.Before(cutoff) {
			continue
		}
		if m.Embedding == nil {
			continue
		}
		eligible = append(eligible, m)
	}

	groups := cluster(ctx, c.vector, eligible, req.SimilarityThreshold, req.MinGroupSize)
	stats := Stats{GroupsFound: len(groups)}

	var proposed []ProposedSummary
	for _, g := range groups {
		p := buildProposal(req.Namespace, g)
		proposed = append(proposed, p)
	}

	if req.DryRun {
		return groups, proposed, stats, nil
	}

	for i, g := range groups {
		p := proposed[i]
		summary, err := c.summarizeGroup(ctx, p)
		if err != nil {
			c.log.Warn("consolidation group failed, continuing with remaining groups",
				zap.Error(err))
			stats.GroupsFailed++
			continue
		}
		if err := c.composite.Write(ctx, summary); err != nil {
			c.log.Warn("writing consolidated summary failed", zap.Error(err))
			stats.GroupsFailed++
			continue
		}
		stats.GroupsSummarized++
	}

	return groups, proposed, stats, nil
}

// cluster applies union-find over pairs whose cosine similarity, queried
// from the vector index for each candidate's top-k within the same
// namespace, meets threshold (§4.10 step 2). Retains only groups of at
// least minSize (§4.10 step 3).
func cluster(ctx context.Context, vector store.VectorIndex, candidates []*models.Memory, threshold float64, minSize int) []Group {
	if len(candidates) == 0 {
		return nil
	}
	index := make(map[string]int, len(candidates))
	for i, m := range candidates {
		index[m.ID] = i
	}
	uf := newUnionFind(len(candidates))

	for i, m := range candidates {
		neighbors, err := vector.Search(ctx, m.Embedding.Vector, 10)
		if err != nil {
			continue
		}
		for _, n := range neighbors {
			j, ok := index[n.ID]
			if !ok || j == i {
				continue
			}
			if n.Score >= threshold {
				uf.union(i, j)
			}
		}
	}

	byRoot := make(map[int][]*models.Memory)
	for i, m := range candidates {
		root := uf.find(i)
		byRoot[root] = append(byRoot[root], m)
	}

	var groups []Group
	for _, members := range byRoot {
		if len(members) >= minSize {
			groups = append(groups, Group{Members: members})
		}
	}
	return groups
}

func buildProposal(ns models.Namespace, g Group) ProposedSummary {
	var parts []string
	var ids []string
	tagSet := map[string]bool{"consolidated": true}
	for _, m := range g.Members {
		parts = append(parts, "- "+m.Content)
		ids = append(ids, m.ID)
		for _, t := range m.Tags {
			tagSet[t] = true
		}
	}
	tags := make([]string, 0, len(tagSet))
	for t := range tagSet {
		tags = append(tags, t)
	}
	domain := ""
	if len(g.Members) > 0 {
		domain = g.Members[0].Domain
	}
	return ProposedSummary{
		Namespace: ns,
		Domain:    domain,
		Content:   strings.Join(parts, "\n"),
		SourceIDs: ids,
		Tags:      tags,
	}
}

// summarizeGroup calls the LlmGateway to summarize a group's already
// redacted contents, in the QwenExtractor prompt style this codebase's
// lineage uses (plain instruction + body, trimmed response).
func (c *Consolidator) summarizeGroup(ctx context.Context, p ProposedSummary) (*models.Memory, error) {
	prompt := fmt.Sprintf(`Summarize the following related notes into one concise memory. Preserve concrete decisions and reasoning; omit repetition.

%s

Summary:`, p.Content)

	text, err := c.gateway.Complete(ctx, prompt, llm.CompletionOptions{MaxTokens: 512})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	return &models.Memory{
		ID:        fmt.Sprintf("summary-%d", now.UnixNano()),
		Namespace: p.Namespace,
		Domain:    p.Domain,
		Content:   strings.TrimSpace(text),
		Tags:      p.Tags,
		Status:    models.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
		IsSummary: true,
		SourceIDs: p.SourceIDs,
	}, nil
}

// unionFind is a minimal disjoint-set structure; no ecosystem library fits
// better for ~dozens of elements per consolidation batch (see DESIGN.md).
type unionFind struct {
	parent []int
	rank   []int
}

func newUnionFind(n int) *unionFind {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	return &unionFind{parent: p, rank: make([]int, n)}
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if u.rank[ra] < u.rank[rb] {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
	if u.rank[ra] == u.rank[rb] {
		u.rank[ra]++
	}
}
