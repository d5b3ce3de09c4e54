// Package dedup implements the Deduplicator component (C7): a three-tier
// short-circuit duplicate check that runs before every CompositeStore write
// for a new capture.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/subcog/subcog/internal/models"
	"github.com/subcog/subcog/internal/store"
)

// Reason identifies which tier detected the duplicate.
type Reason string

const (
	ReasonExactHash     Reason = "ExactHash"
	ReasonRecentCapture Reason = "RecentCapture"
	ReasonSemantic      Reason = "Semantic"
)

// Result is the outcome of a Check call.
type Result struct {
	IsDuplicate bool
	ExistingID  string
	Reason      Reason
	Score       float64
}

// defaultThresholds implements §9's "per-namespace dedup thresholds" table:
// namespaces where nuance matters demand tighter thresholds than naturally
// redundant ones.
func defaultThresholds() map[models.Namespace]float64 {
	return map[models.Namespace]float64{
		models.NamespaceDecisions: 0.92,
		models.NamespacePatterns:  0.88,
		models.NamespaceLearnings: 0.85,
	}
}

const defaultThreshold = 0.90

// defaultMinContentLength implements the "does not run below the namespace's
// minimum content length" boundary behavior (§8); 40 chars is a conservative
// default applied uniformly unless overridden per namespace.
const defaultMinContentLength = 40

type recentEntry struct {
	id       string
	hash     string
	cachedAt time.Time
}

// recentCaptureWindow bounds how many of the most recent captures per
// namespace are compared against, per §4.8 stage 2 ("a bounded cache of the
// last K captures per namespace"). A single-slot cache would miss a duplicate
// of capture A arriving just after an unrelated capture B lands in between.
const recentCaptureWindow = 8

// Deduplicator runs the three-tier check described in §4.8. Any stage error
// is logged and treated as "not a duplicate" — duplicate detection never
// blocks a capture on its own failure.
type Deduplicator struct {
	lexical store.LexicalIndex
	vector  store.VectorIndex

	thresholds       map[models.Namespace]float64
	minContentLength map[models.Namespace]int

	mu     sync.Mutex
	recent *lru.Cache[string, []recentEntry]
	ttl    time.Duration

	log *zap.Logger
}

func New(lexical store.LexicalIndex, vector store.VectorIndex, cacheSize int, ttl time.Duration, log *zap.Logger) *Deduplicator {
	if log == nil {
		log = zap.NewNop()
	}
	if cacheSize <= 0 {
		cacheSize = 2000
	}
	cache, _ := lru.New[string, []recentEntry](cacheSize)
	return &Deduplicator{
		lexical:          lexical,
		vector:           vector,
		thresholds:       defaultThresholds(),
		minContentLength: map[models.Namespace]int{},
		recent:           cache,
		ttl:              ttl,
		log:              log,
	}
}

// NormalizeContent implements the content_hash normalization rule from §3:
// trim, collapse whitespace, lowercase-fold.
func NormalizeContent(content string) string {
	fields := strings.Fields(strings.ToLower(content))
	return strings.Join(fields, " ")
}

// ContentHash computes the SHA-256 of normalized content.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(NormalizeContent(content)))
	return hex.EncodeToString(sum[:])
}

func recentKey(domain string, ns models.Namespace) string {
	return domain + "|" + string(ns)
}

// Check runs the three stages in order, short-circuiting on the first hit.
// m.ContentHash and m.Embedding should already be populated by the caller
// (Redactor/Embedder run before Deduplicator in the write pipeline).
func (d *Deduplicator) Check(ctx context.Context, m *models.Memory) Result {
	if res, ok := d.checkExactHash(ctx, m); ok {
		return res
	}
	if res, ok := d.checkRecentCapture(m); ok {
		return res
	}
	if res, ok := d.checkSemantic(ctx, m); ok {
		return res
	}
	return Result{IsDuplicate: false}
}

func (d *Deduplicator) checkExactHash(ctx context.Context, m *models.Memory) (Result, bool) {
	f := models.Filter{
		Namespace:   m.Namespace,
		Domain:      m.Domain,
		TagsInclude: [][]string{{"hash:" + m.ContentHash}},
	}
	ids, err := d.lexical.Filter(ctx, f)
	if err != nil {
		d.log.Warn("dedup exact-hash stage failed, failing open", zap.Error(err))
		return Result{}, false
	}
	for _, id := range ids {
		if id != m.ID {
			return Result{IsDuplicate: true, ExistingID: id, Reason: ReasonExactHash}, true
		}
	}
	return Result{}, false
}

func (d *Deduplicator) checkRecentCapture(m *models.Memory) (Result, bool) {
	key := recentKey(m.Domain, m.Namespace)
	d.mu.Lock()
	defer d.mu.Unlock()

	entries, _ := d.recent.Get(key)
	now := time.Now()

	var match recentEntry
	found := false
	for _, e := range entries {
		if e.hash == m.ContentHash && now.Sub(e.cachedAt) < d.ttl {
			match = e
			found = true
			break
		}
	}

	entries = append(entries, recentEntry{id: m.ID, hash: m.ContentHash, cachedAt: now})
	if len(entries) > recentCaptureWindow {
		entries = entries[len(entries)-recentCaptureWindow:]
	}
	d.recent.Add(key, entries)

	if found {
		return Result{IsDuplicate: true, ExistingID: match.id, Reason: ReasonRecentCapture}, true
	}
	return Result{}, false
}

func (d *Deduplicator) checkSemantic(ctx context.Context, m *models.Memory) (Result, bool) {
	minLen := d.minContentLength[m.Namespace]
	if minLen == 0 {
		minLen = defaultMinContentLength
	}
	if len(m.Content) < minLen {
		return Result{}, false
	}
	if m.Embedding == nil {
		return Result{}, false
	}

	threshold, ok := d.thresholds[m.Namespace]
	if !ok {
		threshold = defaultThreshold
	}

	candidates, err := d.vector.Search(ctx, m.Embedding.Vector, 10)
	if err != nil {
		d.log.Warn("dedup semantic stage failed, failing open", zap.Error(err))
		return Result{}, false
	}
	for _, c := range candidates {
		if c.ID == m.ID {
			continue
		}
		if c.Score >= threshold {
			return Result{IsDuplicate: true, ExistingID: c.ID, Reason: ReasonSemantic, Score: c.Score}, true
		}
	}
	return Result{}, false
}
