// Package engine wires the thirteen components (C1-C13) into the capture,
// recall, consolidate, enrich, and GC operations the CLI and protocol
// transport consume. It continues the prior system's MemoryService
// orchestration shape (Stats/GetStats surface) generalized from episodic/semantic/procedural memory to the namespaced
// memory model this repository implements.
package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/subcog/subcog/internal/consolidate"
	"github.com/subcog/subcog/internal/dedup"
	"github.com/subcog/subcog/internal/embed"
	"github.com/subcog/subcog/internal/enrich"
	"github.com/subcog/subcog/internal/events"
	"github.com/subcog/subcog/internal/filter"
	"github.com/subcog/subcog/internal/kind"
	"github.com/subcog/subcog/internal/lifecycle"
	"github.com/subcog/subcog/internal/llm"
	"github.com/subcog/subcog/internal/models"
	"github.com/subcog/subcog/internal/redact"
	"github.com/subcog/subcog/internal/search"
	"github.com/subcog/subcog/internal/store"
	"github.com/subcog/subcog/internal/urn"
)

// CaptureRequest is the external capture contract (§6.1).
type CaptureRequest struct {
	Content   string
	Namespace models.Namespace
	Tags      []string
	Source    string
	Domain    string
	TTL       string
	Facets    models.Facets
}

// DedupPolicy selects what happens on a duplicate hit; hook-driven auto
// capture always skips, explicit user capture never deduplicates (§4.8).
type DedupPolicy int

const (
	DedupSkipOnMatch DedupPolicy = iota
	DedupNever
	DedupMergeTags
)

// CaptureResult is the external capture result (§6.1).
type CaptureResult struct {
	ID     string
	URN    string
	Dedup  DedupInfo
}

type DedupInfo struct {
	Skipped    bool
	ExistingID string
	Reason     string
}

// Stats mirrors the prior system's operator-facing Stats/GetStats surface
// (SPEC_FULL.md "Supplemented Features"), generalized from episodic/semantic/
// procedural counts to this repository's namespace model.
type Stats struct {
	ActiveCount    int64
	TombstonedCount int64
	LastConsolidation time.Time
	AvgRetrievalMs float64
	Uptime         time.Duration
}

// Engine composes C1-C13 and exposes the operations the CLI/protocol layer
// consumes.
type Engine struct {
	composite    *store.CompositeStore
	embedder     embed.Embedder
	redactor     *redact.Redactor
	deduplicator *dedup.Deduplicator
	search       *search.Engine
	consolidator *consolidate.Consolidator
	enricher     *enrich.Enricher
	lifecycleMgr *lifecycle.Manager
	bus          *events.Bus
	audit        *events.AuditSink

	mu        sync.Mutex
	avgMs     float64
	nQueries  int64
	startTime time.Time

	log *zap.Logger
}

// Deps bundles every constructed component; New does no I/O of its own.
type Deps struct {
	Composite    *store.CompositeStore
	Embedder     embed.Embedder
	Redactor     *redact.Redactor
	Deduplicator *dedup.Deduplicator
	Search       *search.Engine
	Consolidator *consolidate.Consolidator
	Enricher     *enrich.Enricher
	Lifecycle    *lifecycle.Manager
	Bus          *events.Bus
	Audit        *events.AuditSink
	Gateway      *llm.Gateway
	Log          *zap.Logger
}

func New(d Deps) *Engine {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		composite:    d.Composite,
		embedder:     d.Embedder,
		redactor:     d.Redactor,
		deduplicator: d.Deduplicator,
		search:       d.Search,
		consolidator: d.Consolidator,
		enricher:     d.Enricher,
		lifecycleMgr: d.Lifecycle,
		bus:          d.Bus,
		audit:        d.Audit,
		startTime:    time.Now(),
		log:          log,
	}
}

// Capture implements the write path: Redactor -> Embedder -> Deduplicator ->
// CompositeStore.Write -> EventBus -> AuditLog (§2 data flow).
func (e *Engine) Capture(ctx context.Context, req CaptureRequest, policy DedupPolicy) (*CaptureResult, error) {
	if !models.ValidNamespaces[req.Namespace] {
		return nil, kind.New(kind.InvalidInput, "engine.Engine.Capture", "unknown namespace: "+string(req.Namespace))
	}
	if len(req.Content) > 1<<20 {
		return nil, kind.New(kind.InvalidInput, "engine.Engine.Capture", "content exceeds 1 MiB")
	}
	domain := req.Domain
	if domain == "" {
		domain = "user"
	}

	scrubbed, err := e.redactor.Scrub(req.Content)
	if err != nil {
		return nil, err // RedactionBlocked, propagated as-is
	}
	if len(scrubbed.Findings) > 0 && e.bus != nil {
		e.bus.Publish(models.Event{Type: models.EventRedacted, Timestamp: time.Now(),
			Details: map[string]any{"count": len(scrubbed.Findings)}})
	}

	var ttlAt *time.Time
	if req.TTL != "" {
		t, err := filter.ParseTTL(req.TTL)
		if err != nil {
			return nil, err
		}
		ttlAt = &t
	}

	now := time.Now()
	m := &models.Memory{
		ID:          newID(),
		Namespace:   req.Namespace,
		Domain:      domain,
		Content:     scrubbed.Text,
		Tags:        req.Tags,
		Source:      req.Source,
		Facets:      req.Facets,
		Status:      models.StatusActive,
		TTLExpiresAt: ttlAt,
		CreatedAt:   now,
		UpdatedAt:   now,
		ContentHash: dedup.ContentHash(scrubbed.Text),
	}

	emb, err := e.embedder.Generate(ctx, scrubbed.Text)
	if err != nil {
		e.log.Warn("embedding failed during capture, proceeding without vector", zap.Error(err))
	} else {
		m.Embedding = emb
	}

	if policy != DedupNever {
		res := e.deduplicator.Check(ctx, m)
		if res.IsDuplicate {
			if policy == DedupMergeTags {
				if existing, err := e.composite.Persistence().Retrieve(ctx, res.ExistingID); err == nil {
					existing.Tags = mergeTags(existing.Tags, m.Tags)
					existing.UpdatedAt = time.Now()
					e.composite.Write(ctx, existing)
				}
			} else {
				// Skip: touch the existing memory's updated_at only.
				if existing, err := e.composite.Persistence().Retrieve(ctx, res.ExistingID); err == nil {
					existing.UpdatedAt = time.Now()
					e.composite.Persistence().Store(ctx, existing)
				}
			}
			return &CaptureResult{
				ID:  res.ExistingID,
				URN: urn.Format(domain, string(req.Namespace), res.ExistingID),
				Dedup: DedupInfo{Skipped: true, ExistingID: res.ExistingID, Reason: string(res.Reason)},
			}, nil
		}
	}

	if err := e.composite.Write(ctx, m); err != nil {
		return nil, err
	}
	if e.audit != nil {
		e.audit.Publish(models.Event{Type: models.EventCaptured, MemoryID: m.ID, Timestamp: now})
	}

	return &CaptureResult{ID: m.ID, URN: urn.Format(domain, string(req.Namespace), m.ID)}, nil
}

// Recall implements the read path: parse filter, run HybridSearch, sweep
// LifecycleManager over the results, return the shaped page (§2 data flow,
// §4.12 "Triggered during recall").
func (e *Engine) Recall(ctx context.Context, queryText, filterStr string, mode search.Mode, detail search.Detail, limit, offset int, includeTombstoned bool) ([]search.Result, error) {
	f, err := filter.Parse(filterStr)
	if err != nil {
		return nil, err
	}
	f.IncludeTombstoned = f.IncludeTombstoned || includeTombstoned

	start := time.Now()
	results, err := e.search.Search(ctx, search.Request{
		QueryText: queryText, Filter: f, Mode: mode, Detail: detail,
		Limit: limit, Offset: offset, IncludeTombstoned: includeTombstoned,
	})
	if err != nil {
		return nil, err
	}

	if e.lifecycleMgr != nil {
		candidates := make([]*models.Memory, 0, len(results))
		for _, r := range results {
			candidates = append(candidates, r.Memory)
		}
		excluded := e.lifecycleMgr.SweepRecall(ctx, candidates)
		if len(excluded) > 0 && !includeTombstoned {
			kept := results[:0]
			for _, r := range results {
				if !excluded[r.Memory.ID] {
					kept = append(kept, r)
				}
			}
			results = kept
		}
	}

	e.recordLatency(time.Since(start))
	return results, nil
}

// Consolidate runs C10 over a namespace/time window.
func (e *Engine) Consolidate(ctx context.Context, req consolidate.Request) ([]consolidate.Group, []consolidate.ProposedSummary, consolidate.Stats, error) {
	groups, proposed, stats, err := e.consolidator.Run(ctx, req)
	if err == nil && !req.DryRun && stats.GroupsSummarized > 0 && e.bus != nil {
		e.bus.Publish(models.Event{Type: models.EventConsolidated, Timestamp: time.Now(),
			Details: map[string]any{"groups_summarized": stats.GroupsSummarized, "groups_failed": stats.GroupsFailed}})
	}
	return groups, proposed, stats, err
}

// Enrich runs C11 over a single memory.
func (e *Engine) Enrich(ctx context.Context, req enrich.Request) (enrich.Result, error) {
	res, err := e.enricher.Enrich(ctx, req)
	if err == nil && !res.Skipped && e.bus != nil {
		e.bus.Publish(models.Event{Type: models.EventEnriched, MemoryID: req.MemoryID, Timestamp: time.Now()})
	}
	return res, err
}

// GC runs C12's branch-scoped garbage collection.
func (e *Engine) GC(ctx context.Context, domain string, deletedBranches []string, purge bool) (lifecycle.GCStats, error) {
	return e.lifecycleMgr.GC(ctx, domain, deletedBranches, purge)
}

// Restore clears a tombstone.
func (e *Engine) Restore(ctx context.Context, id string) (*models.Memory, error) {
	return e.lifecycleMgr.Restore(ctx, id)
}

// Rebuild regenerates C3/C4 from C2 (§4.5).
func (e *Engine) Rebuild(ctx context.Context) (int, error) {
	return e.composite.Rebuild(ctx)
}

// Stats reports operator-facing counters, the prior system's Stats/GetStats
// surface generalized to this repository's model.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	active, err := e.composite.Persistence().List(ctx, models.Filter{})
	if err != nil {
		return Stats{}, err
	}
	tombstoned, err := e.composite.Persistence().List(ctx, models.Filter{Status: models.StatusTombstoned, IncludeTombstoned: true})
	if err != nil {
		return Stats{}, err
	}
	var tCount int64
	for _, m := range tombstoned {
		if m.Status == models.StatusTombstoned {
			tCount++
		}
	}

	e.mu.Lock()
	avg := e.avgMs
	e.mu.Unlock()

	return Stats{
		ActiveCount:     int64(len(active)),
		TombstonedCount: tCount,
		AvgRetrievalMs:  avg,
		Uptime:          time.Since(e.startTime),
	}, nil
}

func (e *Engine) recordLatency(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nQueries++
	ms := float64(d.Microseconds()) / 1000.0
	e.avgMs += (ms - e.avgMs) / float64(e.nQueries)
}

func mergeTags(existing, incoming []string) []string {
	set := make(map[string]bool, len(existing))
	out := append([]string(nil), existing...)
	for _, t := range existing {
		set[t] = true
	}
	for _, t := range incoming {
		if !set[t] {
			set[t] = true
			out = append(out, t)
		}
	}
	return out
}

func newID() string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("mem-%d", time.Now().UnixNano())
	}
	return "mem-" + hex.EncodeToString(b)
}
