// Package embed implements the Embedder component (C1): deterministic
// text-to-vector conversion with a fallback path that never blocks a write.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/subcog/subcog/internal/models"
)

// Embedder produces fixed-dimension unit vectors for text. Generate and
// GenerateBatch are deterministic for identical input; GenerateBatch never
// changes per-item results relative to calling Generate individually.
type Embedder interface {
	Generate(ctx context.Context, text string) (*models.Embedding, error)
	GenerateBatch(ctx context.Context, texts []string) ([]*models.Embedding, error)
	Dimensions() int
}

// HTTPEmbedder calls a local embedding server (sentence-transformers-style,
// batch-capable) and falls back to a deterministic hash embedding if the
// server is unreachable or errors, so capture never blocks on the model.
type HTTPEmbedder struct {
	url        string
	dimensions int
	client     *http.Client
	fallback   *HashEmbedder
	log        *zap.Logger
}

func NewHTTPEmbedder(url string, dimensions int, log *zap.Logger) *HTTPEmbedder {
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPEmbedder{
		url:        url,
		dimensions: dimensions,
		client:     &http.Client{Timeout: 10 * time.Second},
		fallback:   NewHashEmbedder(dimensions),
		log:        log,
	}
}

func (e *HTTPEmbedder) Dimensions() int { return e.dimensions }

func (e *HTTPEmbedder) Generate(ctx context.Context, text string) (*models.Embedding, error) {
	out, err := e.GenerateBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (e *HTTPEmbedder) GenerateBatch(ctx context.Context, texts []string) ([]*models.Embedding, error) {
	if e.url == "" {
		return e.fallback.GenerateBatch(ctx, texts)
	}
	vecs, err := e.call(ctx, texts)
	if err != nil {
		e.log.Warn("embedding server unavailable, using fallback vectors", zap.Error(err))
		return e.fallback.GenerateBatch(ctx, texts)
	}
	out := make([]*models.Embedding, len(vecs))
	for i, v := range vecs {
		out[i] = &models.Embedding{Vector: normalize(v), Fallback: false}
	}
	return out, nil
}

func (e *HTTPEmbedder) call(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(map[string]any{"inputs": texts})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &httpStatusError{code: resp.StatusCode, body: string(b)}
	}
	var result [][]float32
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return result, nil
}

type httpStatusError struct {
	code int
	body string
}

func (e *httpStatusError) Error() string {
	return "embedding server returned non-200 status"
}

// HashEmbedder is the deterministic fallback: a bag-of-words hash distributed
// across dimensions with position decay, L2-normalized. It never performs
// I/O, so it never fails and never blocks a capture on model availability.
type HashEmbedder struct {
	dimensions int
}

func NewHashEmbedder(dimensions int) *HashEmbedder {
	return &HashEmbedder{dimensions: dimensions}
}

func (e *HashEmbedder) Dimensions() int { return e.dimensions }

func (e *HashEmbedder) Generate(ctx context.Context, text string) (*models.Embedding, error) {
	text = strings.ToLower(strings.TrimSpace(text))
	words := strings.Fields(text)
	vec := make([]float32, e.dimensions)

	for i, word := range words {
		h := hashWord(word)
		position := float32(i) / float32(max(len(words), 1))
		weight := 1.0 / (1.0 + position)
		vec[h%uint32(e.dimensions)] += weight
	}
	return &models.Embedding{Vector: normalize(vec), Fallback: true}, nil
}

func (e *HashEmbedder) GenerateBatch(ctx context.Context, texts []string) ([]*models.Embedding, error) {
	out := make([]*models.Embedding, len(texts))
	for i, t := range texts {
		emb, err := e.Generate(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = emb
	}
	return out, nil
}

func hashWord(s string) uint32 {
	h := uint32(2166136261)
	for _, c := range s {
		h = (h ^ uint32(c)) * 16777619
	}
	return h
}

// normalize returns v scaled to unit L2 norm. A zero vector is returned
// unchanged rather than dividing by zero.
func normalize(v []float32) []float32 {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	if sumSq == 0 {
		return v
	}
	norm := math.Sqrt(sumSq)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
