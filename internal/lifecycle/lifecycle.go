// Package lifecycle implements the LifecycleManager component (C12):
// lazy branch-deletion tombstoning, TTL expiry, branch-scoped GC, restore,
// and hard purge, each publishing a lifecycle event through the injected
// event sink. This package writes nothing to the audit log itself.
package lifecycle

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/subcog/subcog/internal/kind"
	"github.com/subcog/subcog/internal/models"
	"github.com/subcog/subcog/internal/store"
)

// BranchChecker reports whether a (project, branch) pair still exists in the
// surrounding repository context. It is an external collaborator (§1): the
// core only consumes this narrow boundary, never a VCS client directly.
type BranchChecker interface {
	BranchExists(ctx context.Context, projectID, branch string) (bool, error)
}

// EventSink receives lifecycle events.
type EventSink interface {
	Publish(evt models.Event)
}

// Manager is the C12 contract.
type Manager struct {
	composite         *store.CompositeStore
	branches          BranchChecker
	events            EventSink
	tombstoneRetention time.Duration
	log               *zap.Logger
}

func NewManager(composite *store.CompositeStore, branches BranchChecker, events EventSink, tombstoneRetention time.Duration, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{composite: composite, branches: branches, events: events, tombstoneRetention: tombstoneRetention, log: log}
}

// branchCache memoizes (project_id, branch) -> exists? lookups within a
// single invocation, per §4.9 "Branch cache" / §4.12's batched per-invocation
// check.
type branchCache struct {
	checker BranchChecker
	cache   map[string]bool
}

func newBranchCache(checker BranchChecker) *branchCache {
	return &branchCache{checker: checker, cache: make(map[string]bool)}
}

func (b *branchCache) exists(ctx context.Context, projectID, branch string) bool {
	if b.checker == nil || projectID == "" || branch == "" {
		return true
	}
	key := projectID + "|" + branch
	if v, ok := b.cache[key]; ok {
		return v
	}
	ok, err := b.checker.BranchExists(ctx, projectID, branch)
	if err != nil {
		// Fail open: an external check error must not tombstone live memories.
		ok = true
	}
	b.cache[key] = ok
	return ok
}

// SweepRecall applies lazy tombstoning (branch-deleted, per §4.12) and TTL
// expiry to a batch of candidate memories returned by a recall, in place:
// it mutates and tombstones via CompositeStore, then returns the ids that
// should be excluded from the caller's result set. Safe to call on every
// recall; the branch-existence check is batched per invocation via a fresh
// cache.
func (m *Manager) SweepRecall(ctx context.Context, candidates []*models.Memory) (excluded map[string]bool) {
	excluded = make(map[string]bool)
	bc := newBranchCache(m.branches)
	now := time.Now()

	for _, mem := range candidates {
		if mem.Status == models.StatusTombstoned {
			continue
		}
		if mem.TTLExpiresAt != nil && !mem.TTLExpiresAt.After(now) {
			if _, err := m.composite.Delete(ctx, mem.ID, false); err == nil {
				excluded[mem.ID] = true
			}
			continue
		}
		if mem.Facets.Branch != "" && !bc.exists(ctx, mem.Facets.ProjectID, mem.Facets.Branch) {
			if _, err := m.composite.Delete(ctx, mem.ID, false); err == nil {
				excluded[mem.ID] = true
			}
		}
	}
	return excluded
}

// GC tombstones all active memories in domain whose branch facet is in
// deletedBranches. purge additionally hard-deletes everything already
// tombstoned for longer than the configured retention.
type GCStats struct {
	Tombstoned int
	Purged     int
}

func (m *Manager) GC(ctx context.Context, domain string, deletedBranches []string, purge bool) (GCStats, error) {
	deleted := make(map[string]bool, len(deletedBranches))
	for _, b := range deletedBranches {
		deleted[b] = true
	}

	var stats GCStats

	active, err := m.composite.Persistence().List(ctx, models.Filter{Domain: domain})
	if err != nil {
		return stats, kind.Wrap(err, kind.BackendUnavailable, "lifecycle.Manager.GC")
	}
	for _, mem := range active {
		if mem.Facets.Branch != "" && deleted[mem.Facets.Branch] {
			if ok, err := m.composite.Delete(ctx, mem.ID, false); err == nil && ok {
				stats.Tombstoned++
			}
		}
	}

	if purge {
		tombstoned, err := m.composite.Persistence().List(ctx, models.Filter{Domain: domain, Status: models.StatusTombstoned, IncludeTombstoned: true})
		if err != nil {
			return stats, kind.Wrap(err, kind.BackendUnavailable, "lifecycle.Manager.GC")
		}
		for _, mem := range tombstoned {
			if mem.TombstonedAt == nil {
				continue
			}
			if time.Since(*mem.TombstonedAt) < m.tombstoneRetention {
				continue
			}
			if ok, err := m.composite.Delete(ctx, mem.ID, true); err == nil && ok {
				stats.Purged++
			}
		}
	}

	if m.events != nil {
		m.events.Publish(models.Event{Type: models.EventGC, Timestamp: time.Now(), Details: map[string]any{
			"domain": domain, "tombstoned": stats.Tombstoned, "purged": stats.Purged,
		}})
	}

	return stats, nil
}

// Restore clears a tombstone and re-indexes into C3/C4, per §4.2 lifecycle.
func (m *Manager) Restore(ctx context.Context, id string) (*models.Memory, error) {
	return m.composite.Restore(ctx, id)
}

// Purge hard-deletes a single memory immediately, bypassing the retention
// window — used by an explicit operator-triggered purge rather than GC's
// retention-based sweep.
func (m *Manager) Purge(ctx context.Context, id string) error {
	ok, err := m.composite.Delete(ctx, id, true)
	if err != nil {
		return err
	}
	if !ok {
		return kind.New(kind.NotFound, "lifecycle.Manager.Purge", "memory not found: "+id)
	}
	return nil
}
