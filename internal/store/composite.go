package store

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/subcog/subcog/internal/embed"
	"github.com/subcog/subcog/internal/kind"
	"github.com/subcog/subcog/internal/models"
)

// EventSink receives lifecycle events. CompositeStore depends on this narrow
// interface rather than the full EventBus type so store and events packages
// do not import each other.
type EventSink interface {
	Publish(evt models.Event)
}

// CompositeStore is the C5 contract: fans a single logical write across
// PersistenceStore/LexicalIndex/VectorIndex, serves reads, and rebuilds C3/C4
// from C2. It owns exclusive write access to C3 and C4 (§4.5 Ownership).
type CompositeStore struct {
	persistence PersistenceStore
	lexical     LexicalIndex
	vector      VectorIndex
	embedder    embed.Embedder
	events      EventSink
	log         *zap.Logger
}

func NewCompositeStore(p PersistenceStore, l LexicalIndex, v VectorIndex, e embed.Embedder, events EventSink, log *zap.Logger) *CompositeStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &CompositeStore{persistence: p, lexical: l, vector: v, embedder: e, events: events, log: log}
}

func (c *CompositeStore) Persistence() PersistenceStore { return c.persistence }
func (c *CompositeStore) Lexical() LexicalIndex         { return c.lexical }
func (c *CompositeStore) Vector() VectorIndex           { return c.vector }

// Write implements §4.5's write contract: C2 is authoritative and must
// succeed or the whole write aborts; C3/C4 failures are logged and left for
// the next rebuild to reconcile.
func (c *CompositeStore) Write(ctx context.Context, m *models.Memory) error {
	if err := c.persistence.Store(ctx, m); err != nil {
		return kind.Wrap(err, kind.BackendUnavailable, "store.CompositeStore.Write")
	}

	if err := c.lexical.Index(ctx, m); err != nil {
		c.log.Warn("lexical index write failed, will reconcile on rebuild",
			zap.String("memory_id", m.ID), zap.Error(err))
	}

	if m.Embedding != nil {
		if err := c.vector.Upsert(ctx, m.ID, m.Embedding.Vector); err != nil {
			c.log.Warn("vector index write failed, will reconcile on rebuild",
				zap.String("memory_id", m.ID), zap.Error(err))
		}
	}

	if c.events != nil {
		c.events.Publish(models.Event{Type: models.EventCaptured, MemoryID: m.ID, Timestamp: time.Now()})
	}
	return nil
}

// Delete implements §4.5's soft/hard delete contract.
func (c *CompositeStore) Delete(ctx context.Context, id string, hard bool) (bool, error) {
	ok, err := c.persistence.Delete(ctx, id, hard)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	if err := c.lexical.Remove(ctx, id); err != nil {
		c.log.Warn("lexical index delete failed, will reconcile on rebuild", zap.String("memory_id", id), zap.Error(err))
	}
	if _, err := c.vector.Delete(ctx, id); err != nil {
		c.log.Warn("vector index delete failed, will reconcile on rebuild", zap.String("memory_id", id), zap.Error(err))
	}

	evtType := models.EventTombstoned
	if hard {
		evtType = models.EventPurged
	}
	if c.events != nil {
		c.events.Publish(models.Event{Type: evtType, MemoryID: id, Timestamp: time.Now()})
	}
	return true, nil
}

// Restore clears a tombstone and re-indexes the memory into C3/C4.
func (c *CompositeStore) Restore(ctx context.Context, id string) (*models.Memory, error) {
	m, err := c.persistence.Retrieve(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.Status != models.StatusTombstoned {
		return m, nil
	}
	m.Status = models.StatusActive
	m.TombstonedAt = nil
	m.UpdatedAt = time.Now()
	if err := c.Write(ctx, m); err != nil {
		return nil, err
	}
	if c.events != nil {
		c.events.Publish(models.Event{Type: models.EventRestored, MemoryID: id, Timestamp: time.Now()})
	}
	return m, nil
}

// Rebuild implements §4.5: stream every active memory from C2, re-embed any
// record missing an embedding or marked Fallback, then rebuild C3/C4 from the
// resulting stream. Idempotent: running it twice on an unchanged C2 yields
// equal C3/C4 contents, since Rebuild always replaces rather than appends.
func (c *CompositeStore) Rebuild(ctx context.Context) (int, error) {
	memories, err := c.persistence.List(ctx, models.Filter{Status: models.StatusActive})
	if err != nil {
		return 0, err
	}

	for _, m := range memories {
		if m.Embedding == nil || m.Embedding.Fallback {
			emb, err := c.embedder.Generate(ctx, m.Content)
			if err != nil {
				c.log.Warn("re-embed during rebuild failed, keeping prior embedding",
					zap.String("memory_id", m.ID), zap.Error(err))
				continue
			}
			m.Embedding = emb
			if err := c.persistence.Store(ctx, m); err != nil {
				c.log.Warn("persisting re-embedded memory failed", zap.String("memory_id", m.ID), zap.Error(err))
			}
		}
	}

	if _, err := c.lexical.Rebuild(ctx, memories); err != nil {
		return 0, err
	}

	pairs := make([]VectorPair, 0, len(memories))
	for _, m := range memories {
		if m.Embedding != nil {
			pairs = append(pairs, VectorPair{ID: m.ID, Vec: m.Embedding.Vector})
		}
	}
	if _, err := c.vector.Rebuild(ctx, pairs); err != nil {
		return 0, err
	}

	return len(memories), nil
}
