package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/blevesearch/bleve/v2"
	bleveQuery "github.com/blevesearch/bleve/v2/search/query"

	"github.com/subcog/subcog/internal/kind"
	"github.com/subcog/subcog/internal/models"
)

// LexicalIndex is the C3 contract: tokenized full-text search with metadata
// filters over namespace, domain, status, tags, and the project and branch
// facets. The Since, Source, Path, and Entity fields of models.Filter are not
// applied.
type LexicalIndex interface {
	Index(ctx context.Context, m *models.Memory) error
	Remove(ctx context.Context, id string) error
	Search(ctx context.Context, queryText string, f models.Filter, limit int) ([]ScoredID, error)
	Filter(ctx context.Context, f models.Filter) ([]string, error)
	Rebuild(ctx context.Context, memories []*models.Memory) (int, error)
	Close() error
}

// lexicalDoc is the document shape indexed into bleve: content and tags are
// full-text analyzed and scored, everything else is a keyword/date field used
// only for filtering, never for relevance scoring.
type lexicalDoc struct {
	Content     string   `json:"content"`
	Tags        string   `json:"tags"` // space-joined for BM25 weight, see buildDoc
	TagList     []string `json:"tag_list"`
	Namespace   string   `json:"namespace"`
	Domain      string   `json:"domain"`
	Status      string   `json:"status"`
	ProjectID   string   `json:"project_id"`
	Branch      string   `json:"branch"`
	FilePath    string   `json:"file_path"`
	Source      string   `json:"source"`
	CreatedAt   time.Time `json:"created_at"`
	ContentHash string   `json:"content_hash"`
}

// BleveLexicalIndex implements LexicalIndex over an embedded bleve index.
// Tags are indexed twice: once into the analyzed "tags" text field (so they
// contribute extra BM25 weight alongside content, per §4.3) and once into the
// unanalyzed "tag_list" keyword field (so tag: filter tokens are exact
// matches, never fuzzy).
type BleveLexicalIndex struct {
	index bleve.Index
}

func NewBleveLexicalIndex(path string) (*BleveLexicalIndex, error) {
	idx, err := bleve.Open(path)
	if err == nil {
		return &BleveLexicalIndex{index: idx}, nil
	}

	mapping := bleve.NewIndexMapping()

	textField := bleve.NewTextFieldMapping()
	keywordField := bleve.NewTextFieldMapping()
	keywordField.Analyzer = "keyword"
	dateField := bleve.NewDateTimeFieldMapping()

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("content", textField)
	doc.AddFieldMappingsAt("tags", textField)
	doc.AddFieldMappingsAt("tag_list", keywordField)
	doc.AddFieldMappingsAt("namespace", keywordField)
	doc.AddFieldMappingsAt("domain", keywordField)
	doc.AddFieldMappingsAt("status", keywordField)
	doc.AddFieldMappingsAt("project_id", keywordField)
	doc.AddFieldMappingsAt("branch", keywordField)
	doc.AddFieldMappingsAt("file_path", keywordField)
	doc.AddFieldMappingsAt("source", keywordField)
	doc.AddFieldMappingsAt("content_hash", keywordField)
	doc.AddFieldMappingsAt("created_at", dateField)
	mapping.AddDocumentMapping("_default", doc)

	idx, err = bleve.New(path, mapping)
	if err != nil {
		return nil, kind.Wrap(err, kind.BackendUnavailable, "store.NewBleveLexicalIndex")
	}
	return &BleveLexicalIndex{index: idx}, nil
}

func buildDoc(m *models.Memory) lexicalDoc {
	tags := append([]string(nil), m.Tags...)
	tags = append(tags, "hash:"+m.ContentHash)
	return lexicalDoc{
		Content:     m.Content,
		Tags:        strings.Join(tags, " "),
		TagList:     tags,
		Namespace:   string(m.Namespace),
		Domain:      m.Domain,
		Status:      string(m.Status),
		ProjectID:   m.Facets.ProjectID,
		Branch:      m.Facets.Branch,
		FilePath:    m.Facets.FilePath,
		Source:      m.Source,
		CreatedAt:   m.CreatedAt,
		ContentHash: m.ContentHash,
	}
}

// Index implements the "add-then-delete" update sequence from §4.3: a
// re-index simply overwrites the existing document by id, bleve has no
// partial-update primitive so this is always a full replace.
func (s *BleveLexicalIndex) Index(ctx context.Context, m *models.Memory) error {
	if err := s.index.Index(m.ID, buildDoc(m)); err != nil {
		return kind.Wrap(err, kind.BackendUnavailable, "store.BleveLexicalIndex.Index")
	}
	return nil
}

func (s *BleveLexicalIndex) Remove(ctx context.Context, id string) error {
	if err := s.index.Delete(id); err != nil {
		return kind.Wrap(err, kind.BackendUnavailable, "store.BleveLexicalIndex.Remove")
	}
	return nil
}

// escapeQueryTerm backslash-escapes bleve's reserved query-string punctuation so raw
// user input never reaches the query parser unescaped (§9 "Escaping the
// lexical query language").
func escapeQueryTerm(term string) string {
	var b strings.Builder
	b.Grow(len(term) + 8)
	for _, r := range term {
		switch r {
		case '+', '-', '=', '&', '|', '>', '<', '!', '(', ')', '{', '}', '[', ']', '^', '"', '~', '*', '?', ':', '\\', '/':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func filterQuery(f models.Filter) bleveQuery.Query {
	conj := bleve.NewConjunctionQuery()
	status := f.Status
	if status == "" {
		status = models.StatusActive
	}
	if !f.IncludeTombstoned {
		q := bleve.NewTermQuery(string(status))
		q.SetField("status")
		conj.AddQuery(q)
	}
	if f.Namespace != "" {
		q := bleve.NewTermQuery(string(f.Namespace))
		q.SetField("namespace")
		conj.AddQuery(q)
	}
	if f.Domain != "" {
		q := bleve.NewTermQuery(f.Domain)
		q.SetField("domain")
		conj.AddQuery(q)
	}
	if f.ProjectID != "" {
		q := bleve.NewTermQuery(f.ProjectID)
		q.SetField("project_id")
		conj.AddQuery(q)
	}
	if f.Branch != "" {
		q := bleve.NewTermQuery(f.Branch)
		q.SetField("branch")
		conj.AddQuery(q)
	}
	for _, group := range f.TagsInclude {
		disj := bleve.NewDisjunctionQuery()
		for _, t := range group {
			q := bleve.NewTermQuery(strings.TrimSpace(t))
			q.SetField("tag_list")
			disj.AddQuery(q)
		}
		conj.AddQuery(disj)
	}
	if len(f.TagsExclude) > 0 {
		bq := bleve.NewBooleanQuery()
		bq.AddMust(conj)
		for _, t := range f.TagsExclude {
			q := bleve.NewTermQuery(strings.TrimSpace(t))
			q.SetField("tag_list")
			bq.AddMustNot(q)
		}
		return bq
	}
	if len(conj.Conjuncts) == 0 {
		return bleve.NewMatchAllQuery()
	}
	return conj
}

func (s *BleveLexicalIndex) Search(ctx context.Context, queryText string, f models.Filter, limit int) ([]ScoredID, error) {
	var q bleveQuery.Query
	base := filterQuery(f)
	if strings.TrimSpace(queryText) == "" {
		q = base
	} else {
		terms := strings.Fields(queryText)
		escaped := make([]string, len(terms))
		for i, t := range terms {
			escaped[i] = escapeQueryTerm(t)
		}
		text := bleve.NewMatchQuery(strings.Join(escaped, " "))
		text.SetField("content")
		tagText := bleve.NewMatchQuery(strings.Join(escaped, " "))
		tagText.SetField("tags")
		match := bleve.NewDisjunctionQuery()
		match.AddQuery(text)
		match.AddQuery(tagText)
		bq := bleve.NewBooleanQuery()
		bq.AddMust(match)
		bq.AddMust(base)
		q = bq
	}

	req := bleve.NewSearchRequestOptions(q, limit, 0, false)
	res, err := s.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, kind.Wrap(err, kind.BackendUnavailable, "store.BleveLexicalIndex.Search")
	}

	out := make([]ScoredID, 0, len(res.Hits))
	for _, hit := range res.Hits {
		out = append(out, ScoredID{ID: hit.ID, Score: hit.Score})
	}
	return out, nil
}

func (s *BleveLexicalIndex) Filter(ctx context.Context, f models.Filter) ([]string, error) {
	req := bleve.NewSearchRequestOptions(filterQuery(f), 10000, 0, false)
	res, err := s.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, kind.Wrap(err, kind.BackendUnavailable, "store.BleveLexicalIndex.Filter")
	}
	ids := make([]string, 0, len(res.Hits))
	for _, hit := range res.Hits {
		ids = append(ids, hit.ID)
	}
	return ids, nil
}

// Rebuild replaces the index contents with exactly the given memories,
// dropping any previously-indexed id absent from the new set so hard-deleted
// orphans never survive a rebuild (§4.5, §8 "hard-deleted ids disappear from
// C2 ∪ C3 ∪ C4 after rebuild").
func (s *BleveLexicalIndex) Rebuild(ctx context.Context, memories []*models.Memory) (int, error) {
	keep := make(map[string]bool, len(memories))
	for _, m := range memories {
		keep[m.ID] = true
	}
	if existing, err := s.Filter(ctx, models.Filter{IncludeTombstoned: true}); err == nil {
		delBatch := s.index.NewBatch()
		for _, id := range existing {
			if !keep[id] {
				delBatch.Delete(id)
			}
		}
		if delBatch.Size() > 0 {
			if err := s.index.Batch(delBatch); err != nil {
				return 0, kind.Wrap(err, kind.BackendUnavailable, "store.BleveLexicalIndex.Rebuild")
			}
		}
	}

	batch := s.index.NewBatch()
	n := 0
	for _, m := range memories {
		if err := batch.Index(m.ID, buildDoc(m)); err != nil {
			return n, kind.Wrap(err, kind.BackendUnavailable, fmt.Sprintf("store.BleveLexicalIndex.Rebuild(%s)", m.ID))
		}
		n++
		if batch.Size() >= 500 {
			if err := s.index.Batch(batch); err != nil {
				return n, kind.Wrap(err, kind.BackendUnavailable, "store.BleveLexicalIndex.Rebuild")
			}
			batch = s.index.NewBatch()
		}
	}
	if batch.Size() > 0 {
		if err := s.index.Batch(batch); err != nil {
			return n, kind.Wrap(err, kind.BackendUnavailable, "store.BleveLexicalIndex.Rebuild")
		}
	}
	return n, nil
}

func (s *BleveLexicalIndex) Close() error {
	return s.index.Close()
}
