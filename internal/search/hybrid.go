// Package search implements the HybridSearch component (C8): a parallel
// lexical + vector query, Reciprocal Rank Fusion, post-fusion filtering, and
// hydration from the authoritative store.
package search

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/subcog/subcog/internal/embed"
	"github.com/subcog/subcog/internal/filter"
	"github.com/subcog/subcog/internal/kind"
	"github.com/subcog/subcog/internal/models"
	"github.com/subcog/subcog/internal/store"
)

// Mode selects which backends a query consults.
type Mode string

const (
	ModeHybrid Mode = "hybrid"
	ModeVector Mode = "vector"
	ModeText   Mode = "text"
)

// Detail controls how much of each record is returned.
type Detail string

const (
	DetailLight      Detail = "light"
	DetailMedium     Detail = "medium"
	DetailEverything Detail = "everything"
)

// mediumContentChars is the "first N chars of content" cutoff for the
// "medium" detail shape (§4.9 step 7).
const mediumContentChars = 200

// rrfK is the RRF constant k=60 fixed per §9: "leave space to expose it per
// request if empirical tuning demands" — Request.RRFK overrides it when set.
const rrfK = 60

// overFetchFactor multiplies limit to decide how many candidates to request
// from each backend before fusion, per §4.9 step 2 ("K = max(limit ·
// over-fetch-factor, 50)").
const overFetchFactor = 5
const minFetchK = 50

// Request is the parsed form of a recall request (§6.2).
type Request struct {
	QueryText         string
	Filter            models.Filter
	Mode              Mode
	Detail            Detail
	Limit             int
	Offset            int
	IncludeTombstoned bool
	RRFK              int // 0 means use the default rrfK
}

// Result is one shaped, scored, hydrated record.
type Result struct {
	Memory       *models.Memory
	Score        float64
	FromLexical  bool
	FromVector   bool
	LexicalScore float64
}

// EventSink receives the Retrieved event emitted at the end of a search.
type EventSink interface {
	Publish(evt models.Event)
}

// Engine is the C8 contract.
type Engine struct {
	persistence store.PersistenceStore
	lexical     store.LexicalIndex
	vector      store.VectorIndex
	embedder    embed.Embedder
	events      EventSink
}

func NewEngine(p store.PersistenceStore, l store.LexicalIndex, v store.VectorIndex, e embed.Embedder, events EventSink) *Engine {
	return &Engine{persistence: p, lexical: l, vector: v, embedder: e, events: events}
}

// Search runs the algorithm in §4.9: parse (done by caller via filter.Parse),
// parallel lexical+vector fan-out, RRF fusion, post-fusion filters, hydrate,
// shape, emit Retrieved.
func (e *Engine) Search(ctx context.Context, req Request) ([]Result, error) {
	if req.Limit <= 0 {
		req.Limit = 10
	}
	if req.Mode == "" {
		req.Mode = ModeHybrid
	}
	if req.Detail == "" {
		req.Detail = DetailMedium
	}
	if req.Filter.IncludeTombstoned || req.IncludeTombstoned {
		req.Filter.IncludeTombstoned = true
	}
	k := req.RRFK
	if k <= 0 {
		k = rrfK
	}
	fetchK := req.Limit * overFetchFactor
	if fetchK < minFetchK {
		fetchK = minFetchK
	}

	var lexResults, vecResults []store.ScoredID
	var lexErr, vecErr error

	g, gctx := errgroup.WithContext(ctx)

	if req.Mode != ModeVector {
		g.Go(func() error {
			r, err := e.lexical.Search(gctx, req.QueryText, req.Filter, fetchK)
			if err != nil {
				lexErr = err
				return nil // degrade, don't fail the group
			}
			lexResults = r
			return nil
		})
	}

	if req.Mode != ModeText && strings.TrimSpace(req.QueryText) != "" {
		g.Go(func() error {
			emb, err := e.embedder.Generate(gctx, req.QueryText)
			if err != nil {
				vecErr = err
				return nil
			}
			r, err := e.vector.Search(gctx, emb.Vector, fetchK)
			if err != nil {
				vecErr = err
				return nil
			}
			vecResults = r
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, kind.Wrap(err, kind.Cancelled, "search.Engine.Search")
	}

	// Both backends failing (when both were consulted) degrades to a typed
	// BackendUnavailable; a single-backend failure reduces transparently to
	// the other, per §7.
	bothConsulted := req.Mode == ModeHybrid && strings.TrimSpace(req.QueryText) != ""
	if bothConsulted && lexErr != nil && vecErr != nil {
		return nil, kind.Wrap(errors.Join(lexErr, vecErr), kind.BackendUnavailable, "search.Engine.Search")
	}

	fused := fuse(lexResults, vecResults, req.Mode, k)

	// Empty query reduces to a filtered listing ordered by created_at DESC
	// (§8 boundary behavior); filter.Filter already expresses namespace,
	// domain, tags, status, facets — the lexical MatchAll path handles it.
	if strings.TrimSpace(req.QueryText) == "" && req.Mode != ModeVector {
		ids, err := e.lexical.Filter(ctx, req.Filter)
		if err == nil {
			fused = make([]fusedID, 0, len(ids))
			for _, id := range ids {
				fused = append(fused, fusedID{ID: id})
			}
		}
	}

	hydrated := make([]Result, 0, len(fused))
	for _, f := range fused {
		m, err := e.persistence.Retrieve(ctx, f.ID)
		if err != nil {
			// Id no longer exists in C2: dropped silently per §5 "hydration
			// from C2 is authoritative".
			continue
		}
		if m.Status == models.StatusTombstoned && !req.Filter.IncludeTombstoned {
			continue
		}
		if !filter.MatchesTags(req.Filter.TagsInclude, req.Filter.TagsExclude, m.Tags) {
			continue
		}
		hydrated = append(hydrated, Result{
			Memory:       m,
			Score:        f.Score,
			FromLexical:  f.fromLexical,
			FromVector:   f.fromVector,
			LexicalScore: f.lexicalScore,
		})
	}

	// Tie-break fused results by lexical score, then by recency; fuse only has
	// ids and scores, so the created_at tie-break happens here once the
	// candidates are hydrated.
	sort.SliceStable(hydrated, func(i, j int) bool {
		if hydrated[i].Score != hydrated[j].Score {
			return hydrated[i].Score > hydrated[j].Score
		}
		if hydrated[i].LexicalScore != hydrated[j].LexicalScore {
			return hydrated[i].LexicalScore > hydrated[j].LexicalScore
		}
		return hydrated[i].Memory.CreatedAt.After(hydrated[j].Memory.CreatedAt)
	})

	if strings.TrimSpace(req.QueryText) == "" {
		sort.SliceStable(hydrated, func(i, j int) bool {
			return hydrated[i].Memory.CreatedAt.After(hydrated[j].Memory.CreatedAt)
		})
	}

	start := req.Offset
	if start > len(hydrated) {
		start = len(hydrated)
	}
	end := start + req.Limit
	if end > len(hydrated) {
		end = len(hydrated)
	}
	page := hydrated[start:end]

	for i := range page {
		page[i].Memory = shape(page[i].Memory, req.Detail)
	}

	if e.events != nil {
		byNS := map[string]int{}
		ids := make([]string, 0, len(page))
		for _, r := range page {
			byNS[string(r.Memory.Namespace)]++
			ids = append(ids, r.Memory.ID)
		}
		e.events.Publish(models.Event{
			Type:      models.EventRetrieved,
			Timestamp: time.Now(),
			Details: map[string]any{
				"query_fingerprint": fingerprint(req.QueryText),
				"returned_ids":      ids,
				"counts_by_namespace": byNS,
			},
		})
	}

	return page, nil
}

type fusedID struct {
	ID           string
	Score        float64
	fromLexical  bool
	fromVector   bool
	lexicalScore float64
}

// fuse implements Reciprocal Rank Fusion: RRF(d) = Σ 1/(k + rank_i(d)), rank
// 1-indexed, missing rank contributes 0. Ties are broken by lexical score
// here; the final created_at tie-break happens in Search once candidates are
// hydrated, since fuse has no access to timestamps.
func fuse(lex, vec []store.ScoredID, mode Mode, k int) []fusedID {
	lexRank := make(map[string]int, len(lex))
	lexScore := make(map[string]float64, len(lex))
	for i, r := range lex {
		lexRank[r.ID] = i + 1
		lexScore[r.ID] = r.Score
	}
	vecRank := make(map[string]int, len(vec))
	for i, r := range vec {
		vecRank[r.ID] = i + 1
	}

	seen := map[string]bool{}
	order := make([]string, 0, len(lex)+len(vec))
	for _, r := range lex {
		if !seen[r.ID] {
			seen[r.ID] = true
			order = append(order, r.ID)
		}
	}
	for _, r := range vec {
		if !seen[r.ID] {
			seen[r.ID] = true
			order = append(order, r.ID)
		}
	}

	out := make([]fusedID, 0, len(order))
	for _, id := range order {
		var score float64
		_, inLex := lexRank[id]
		_, inVec := vecRank[id]
		if mode != ModeVector {
			if rank, ok := lexRank[id]; ok {
				score += 1.0 / float64(k+rank)
			}
		}
		if mode != ModeText {
			if rank, ok := vecRank[id]; ok {
				score += 1.0 / float64(k+rank)
			}
		}
		out = append(out, fusedID{ID: id, Score: score, fromLexical: inLex, fromVector: inVec, lexicalScore: lexScore[id]})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].lexicalScore > out[j].lexicalScore
	})
	return out
}

// shape truncates a hydrated record to the requested detail level per §4.9
// step 7.
func shape(m *models.Memory, detail Detail) *models.Memory {
	switch detail {
	case DetailEverything:
		return m
	case DetailLight:
		return &models.Memory{ID: m.ID, Namespace: m.Namespace, CreatedAt: m.CreatedAt}
	default: // medium
		content := m.Content
		if len(content) > mediumContentChars {
			content = content[:mediumContentChars]
		}
		return &models.Memory{
			ID: m.ID, Namespace: m.Namespace, CreatedAt: m.CreatedAt,
			Content: content, Tags: m.Tags, Domain: m.Domain, Status: m.Status,
		}
	}
}

func fingerprint(query string) string {
	if query == "" {
		return "listing"
	}
	if len(query) > 64 {
		return query[:64]
	}
	return query
}
