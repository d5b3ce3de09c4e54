// Package models defines the primary entities persisted and searched by the
// memory engine: memories, prompt templates, and the events emitted as they
// move through their lifecycle.
package models

import "time"

// Namespace is a closed set of semantic categories. It is validated at the
// boundary (capture, filter parsing); invalid values never reach storage.
type Namespace string

const (
	NamespaceDecisions   Namespace = "decisions"
	NamespacePatterns    Namespace = "patterns"
	NamespaceLearnings   Namespace = "learnings"
	NamespaceContext     Namespace = "context"
	NamespaceTechDebt    Namespace = "tech-debt"
	NamespaceAPIs        Namespace = "apis"
	NamespaceConfig      Namespace = "config"
	NamespaceSecurity    Namespace = "security"
	NamespacePerformance Namespace = "performance"
	NamespaceTesting     Namespace = "testing"
	NamespacePrompts     Namespace = "prompts"
)

// ValidNamespaces is the closed set, used for validation and for building
// lexical-index facet schemas.
var ValidNamespaces = map[Namespace]bool{
	NamespaceDecisions: true, NamespacePatterns: true, NamespaceLearnings: true,
	NamespaceContext: true, NamespaceTechDebt: true, NamespaceAPIs: true,
	NamespaceConfig: true, NamespaceSecurity: true, NamespacePerformance: true,
	NamespaceTesting: true, NamespacePrompts: true,
}

// Status is the lifecycle state of a memory.
type Status string

const (
	StatusActive     Status = "active"
	StatusTombstoned Status = "tombstoned"
	StatusSuperseded Status = "superseded"
)

// Facets scope a memory to a repository location for branch-aware GC and
// path-based filtering. All fields are optional.
type Facets struct {
	ProjectID string `json:"project_id,omitempty"`
	Branch    string `json:"branch,omitempty"`
	FilePath  string `json:"file_path,omitempty"`
}

func (f Facets) IsZero() bool {
	return f.ProjectID == "" && f.Branch == "" && f.FilePath == ""
}

// Embedding is a fixed-dimension unit vector plus provenance: whether it was
// produced by the real embedding model or by the deterministic fallback path.
// Fallback embeddings must be re-embedded on rebuild once the model becomes
// available again (SPEC_FULL.md open-question resolution #3).
type Embedding struct {
	Vector   []float32 `json:"vector"`
	Fallback bool      `json:"fallback"`
}

// Memory is the primary entity: one captured note.
type Memory struct {
	ID        string     `json:"id"`
	Namespace Namespace  `json:"namespace"`
	Domain    string     `json:"domain"` // "project:<id>" | "user" | "org:<id>"
	Content   string     `json:"content"`
	Tags      []string   `json:"tags"`
	Source    string     `json:"source,omitempty"`
	Facets    Facets     `json:"facets"`
	Embedding *Embedding `json:"embedding,omitempty"`

	Status       Status     `json:"status"`
	TombstonedAt *time.Time `json:"tombstoned_at,omitempty"`
	TTLExpiresAt *time.Time `json:"ttl_expires_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ContentHash string `json:"content_hash"`

	IsSummary bool     `json:"is_summary,omitempty"`
	SourceIDs []string `json:"source_ids,omitempty"`
}

// Clone returns a deep-enough copy for safe concurrent reads: slices and the
// embedding are copied so a caller mutating the result cannot corrupt a
// cached or in-flight record.
func (m *Memory) Clone() *Memory {
	if m == nil {
		return nil
	}
	cp := *m
	if m.Tags != nil {
		cp.Tags = append([]string(nil), m.Tags...)
	}
	if m.SourceIDs != nil {
		cp.SourceIDs = append([]string(nil), m.SourceIDs...)
	}
	if m.Embedding != nil {
		e := *m.Embedding
		e.Vector = append([]float32(nil), m.Embedding.Vector...)
		cp.Embedding = &e
	}
	if m.TombstonedAt != nil {
		t := *m.TombstonedAt
		cp.TombstonedAt = &t
	}
	if m.TTLExpiresAt != nil {
		t := *m.TTLExpiresAt
		cp.TTLExpiresAt = &t
	}
	return &cp
}

// PromptTemplate is an opaque-to-search entity sharing the persistence
// backend. name + domain + version is unique; listing prefers the highest
// version.
type PromptTemplate struct {
	Name      string    `json:"name"`
	Content   string    `json:"content"`
	Variables []string  `json:"variables"`
	Version   int       `json:"version"`
	Domain    string    `json:"domain"`
	Tags      []string  `json:"tags"`
	CreatedAt time.Time `json:"created_at"`
}

// EventType enumerates the lifecycle events the engine broadcasts.
type EventType string

const (
	EventCaptured     EventType = "Captured"
	EventRedacted     EventType = "Redacted"
	EventRetrieved    EventType = "Retrieved"
	EventTombstoned   EventType = "Tombstoned"
	EventRestored     EventType = "Restored"
	EventPurged       EventType = "Purged"
	EventConsolidated EventType = "Consolidated"
	EventEnriched     EventType = "Enriched"
	EventGC           EventType = "GC"
)

// Event is a typed record emitted on write, delete, recall, and consolidate.
type Event struct {
	Type          EventType      `json:"type"`
	MemoryID      string         `json:"memory_id,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Actor         string         `json:"actor,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
}

// Filter is the parsed form of the recall filter grammar (§6.4 of
// SPEC_FULL.md). Zero values mean "unconstrained" for that dimension, except
// Status: the persistence and lexical stores treat a zero Status as active.
type Filter struct {
	Namespace         Namespace
	Domain            string
	TagsInclude       [][]string // AND across outer slice, OR within inner slice
	TagsExclude       []string
	Since             time.Time
	Source            string // glob
	Status            Status
	ProjectID         string
	Branch            string
	Path              string // glob
	Entity            string
	IncludeTombstoned bool
}
