package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/subcog/subcog/internal/kind"
	"github.com/subcog/subcog/internal/models"
)

// PersistenceStore is the C2 contract: the authoritative record of every
// memory, source of truth for index rebuilds.
type PersistenceStore interface {
	Store(ctx context.Context, m *models.Memory) error
	Retrieve(ctx context.Context, id string) (*models.Memory, error)
	Delete(ctx context.Context, id string, hard bool) (bool, error)
	List(ctx context.Context, f models.Filter) ([]*models.Memory, error)
	Exists(ctx context.Context, id string) (bool, error)

	StoreTemplate(ctx context.Context, t *models.PromptTemplate) error
	GetTemplate(ctx context.Context, name, domain string) (*models.PromptTemplate, error)

	Close() error
}

const (
	memKeyPrefix  = "mem:"
	tmplKeyPrefix = "tmpl:"
)

// BadgerPersistenceStore implements PersistenceStore over BadgerDB, keyed by
// id so retrieval is a direct lookup and list/rebuild are prefix scans.
type BadgerPersistenceStore struct {
	db *badger.DB
}

func NewBadgerPersistenceStore(path string) (*BadgerPersistenceStore, error) {
	path = expandPath(path)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, kind.Wrap(err, kind.BackendUnavailable, "store.NewBadgerPersistenceStore")
	}
	opts := badger.DefaultOptions(path).WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, kind.Wrap(err, kind.BackendUnavailable, "store.NewBadgerPersistenceStore")
	}
	return &BadgerPersistenceStore{db: db}, nil
}

func memKey(id string) []byte { return []byte(memKeyPrefix + id) }

func (s *BadgerPersistenceStore) Store(ctx context.Context, m *models.Memory) error {
	data, err := json.Marshal(m)
	if err != nil {
		return kind.Wrap(err, kind.InvalidInput, "store.BadgerPersistenceStore.Store")
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(memKey(m.ID), data)
	})
	if err != nil {
		return kind.Wrap(err, kind.BackendUnavailable, "store.BadgerPersistenceStore.Store")
	}
	return nil
}

func (s *BadgerPersistenceStore) Retrieve(ctx context.Context, id string) (*models.Memory, error) {
	var m models.Memory
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(memKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &m)
		})
	})
	if err == badger.ErrKeyNotFound {
		return nil, kind.New(kind.NotFound, "store.BadgerPersistenceStore.Retrieve", "memory not found: "+id)
	}
	if err != nil {
		return nil, kind.Wrap(err, kind.BackendUnavailable, "store.BadgerPersistenceStore.Retrieve")
	}
	return &m, nil
}

func (s *BadgerPersistenceStore) Exists(ctx context.Context, id string) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(memKey(id))
		return err
	})
	if err == badger.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, kind.Wrap(err, kind.BackendUnavailable, "store.BadgerPersistenceStore.Exists")
	}
	return true, nil
}

// Delete implements both the soft (tombstone) and hard paths. Soft delete
// merely rewrites the record with status=tombstoned; callers (CompositeStore)
// are responsible for removing the id from C3/C4. Hard delete removes the
// key here; it is irreversible.
func (s *BadgerPersistenceStore) Delete(ctx context.Context, id string, hard bool) (bool, error) {
	if hard {
		existed := false
		err := s.db.Update(func(txn *badger.Txn) error {
			if _, err := txn.Get(memKey(id)); err == badger.ErrKeyNotFound {
				return nil
			} else if err != nil {
				return err
			}
			existed = true
			return txn.Delete(memKey(id))
		})
		if err != nil {
			return false, kind.Wrap(err, kind.BackendUnavailable, "store.BadgerPersistenceStore.Delete")
		}
		return existed, nil
	}

	m, err := s.Retrieve(ctx, id)
	if err != nil {
		return false, err
	}
	now := time.Now()
	m.Status = models.StatusTombstoned
	m.TombstonedAt = &now
	m.UpdatedAt = now
	return true, s.Store(ctx, m)
}

// List applies the filterable dimensions a persistence layer can express
// directly (namespace, domain, status, facets); tag/text matching is the
// lexical index's job and is not duplicated here.
func (s *BadgerPersistenceStore) List(ctx context.Context, f models.Filter) ([]*models.Memory, error) {
	var out []*models.Memory
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(memKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		wantStatus := f.Status
		if wantStatus == "" {
			wantStatus = models.StatusActive
		}

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				var m models.Memory
				if err := json.Unmarshal(val, &m); err != nil {
					return nil
				}
				if f.Namespace != "" && m.Namespace != f.Namespace {
					return nil
				}
				if f.Domain != "" && m.Domain != f.Domain {
					return nil
				}
				if !f.IncludeTombstoned && m.Status != wantStatus {
					return nil
				}
				if f.ProjectID != "" && m.Facets.ProjectID != f.ProjectID {
					return nil
				}
				if f.Branch != "" && m.Facets.Branch != f.Branch {
					return nil
				}
				out = append(out, &m)
				return nil
			})
			if err != nil {
				continue
			}
		}
		return nil
	})
	if err != nil {
		return nil, kind.Wrap(err, kind.BackendUnavailable, "store.BadgerPersistenceStore.List")
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func templateKey(domain, name string, version int) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:%06d", tmplKeyPrefix, domain, name, version))
}

func (s *BadgerPersistenceStore) StoreTemplate(ctx context.Context, t *models.PromptTemplate) error {
	data, err := json.Marshal(t)
	if err != nil {
		return kind.Wrap(err, kind.InvalidInput, "store.BadgerPersistenceStore.StoreTemplate")
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(templateKey(t.Domain, t.Name, t.Version), data)
	})
	if err != nil {
		return kind.Wrap(err, kind.BackendUnavailable, "store.BadgerPersistenceStore.StoreTemplate")
	}
	return nil
}

// GetTemplate returns the highest version of name+domain, per §3's "listing
// prefers the highest version" rule.
func (s *BadgerPersistenceStore) GetTemplate(ctx context.Context, name, domain string) (*models.PromptTemplate, error) {
	prefix := []byte(fmt.Sprintf("%s%s:%s:", tmplKeyPrefix, domain, name))
	var best *models.PromptTemplate
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				var t models.PromptTemplate
				if err := json.Unmarshal(val, &t); err != nil {
					return nil
				}
				if best == nil || t.Version > best.Version {
					best = &t
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, kind.Wrap(err, kind.BackendUnavailable, "store.BadgerPersistenceStore.GetTemplate")
	}
	if best == nil {
		return nil, kind.New(kind.NotFound, "store.BadgerPersistenceStore.GetTemplate", "template not found: "+name)
	}
	return best, nil
}

func (s *BadgerPersistenceStore) Close() error {
	return s.db.Close()
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}
