// Package enrich implements the Enricher component (C11): a per-memory LLM
// pass that restructures content and adds tags, writing the result back
// through CompositeStore. The proposed context sentence is returned in
// Result.ContextAdded and is not stored on the memory.
package enrich

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/subcog/subcog/internal/llm"
	"github.com/subcog/subcog/internal/store"
)

// Request parameterizes one enrichment pass.
type Request struct {
	MemoryID        string
	EnrichStructure bool // if false, user-written content is never replaced
}

// Result reports what changed, or that enrichment was skipped.
type Result struct {
	Skipped      bool
	SkipReason   string
	TagsAdded    []string
	ContextAdded string
}

type enrichment struct {
	RewrittenContent string   `json:"rewritten_content"`
	TagsAdded        []string `json:"tags_added"`
	Context          string   `json:"context"`
}

// Enricher is the C11 contract.
type Enricher struct {
	composite *store.CompositeStore
	gateway   *llm.Gateway
	log       *zap.Logger
}

func New(composite *store.CompositeStore, gateway *llm.Gateway, log *zap.Logger) *Enricher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Enricher{composite: composite, gateway: gateway, log: log}
}

// Enrich runs the LLM pass and writes updates through CompositeStore
// (triggering re-indexing). User tags are never removed; user-written
// content is only replaced when req.EnrichStructure is set. A failing or
// unavailable LLM yields a typed "enrichment skipped" result — the original
// memory is left untouched (§4.11).
func (e *Enricher) Enrich(ctx context.Context, req Request) (Result, error) {
	m, err := e.composite.Persistence().Retrieve(ctx, req.MemoryID)
	if err != nil {
		return Result{}, err
	}
	if e.gateway == nil {
		return Result{Skipped: true, SkipReason: "llm unavailable"}, nil
	}

	prompt := fmt.Sprintf(`Review this memory and suggest improvements. Return JSON:
{"rewritten_content": "... or empty if no change needed", "tags_added": ["..."], "context": "one sentence of added context, or empty"}

Memory (namespace=%s):
%s`, m.Namespace, m.Content)

	var out enrichment
	schema := `{"rewritten_content": string, "tags_added": [string], "context": string}`
	if err := e.gateway.CompleteJSON(ctx, prompt, schema, &out); err != nil {
		e.log.Warn("enrichment skipped: llm unavailable", zap.String("memory_id", req.MemoryID), zap.Error(err))
		return Result{Skipped: true, SkipReason: "llm unavailable"}, nil
	}

	changed := false
	if req.EnrichStructure && strings.TrimSpace(out.RewrittenContent) != "" {
		m.Content = out.RewrittenContent
		changed = true
	}
	if len(out.TagsAdded) > 0 {
		m.Tags = unionTags(m.Tags, out.TagsAdded)
		changed = true
	}
	if !changed {
		return Result{Skipped: true, SkipReason: "no change proposed"}, nil
	}

	m.UpdatedAt = time.Now()
	if err := e.composite.Write(ctx, m); err != nil {
		return Result{}, err
	}

	return Result{TagsAdded: out.TagsAdded, ContextAdded: out.Context}, nil
}

// unionTags merges newTags into existing without ever dropping a
// user-provided tag.
func unionTags(existing, newTags []string) []string {
	set := make(map[string]bool, len(existing)+len(newTags))
	out := append([]string(nil), existing...)
	for _, t := range existing {
		set[t] = true
	}
	for _, t := range newTags {
		if !set[t] {
			set[t] = true
			out = append(out, t)
		}
	}
	return out
}
