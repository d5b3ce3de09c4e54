package store

import (
	"context"
	"math"
	"testing"
	"time"
)

func TestCosineSimilarityIdentical(t *testing.T) {
	v := []float32{0.6, 0.8}
	if got := CosineSimilarity(v, v); math.Abs(got-1.0) > 1e-6 {
		t.Fatalf("expected cosine 1.0 for identical vectors, got %f", got)
	}
}

func TestCosineSimilarityOrthogonal(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{0, 1}
	if got := CosineSimilarity(a, b); math.Abs(got) > 1e-6 {
		t.Fatalf("expected cosine 0 for orthogonal vectors, got %f", got)
	}
}

func TestCosineSimilarityMismatchedLength(t *testing.T) {
	if got := CosineSimilarity([]float32{1, 0}, []float32{1, 0, 0}); got != 0 {
		t.Fatalf("expected 0 for mismatched-length vectors, got %f", got)
	}
}

func TestRenormalizeIfNeeded(t *testing.T) {
	v := []float32{2, 0} // norm 2, well outside [1-eps, 1+eps]
	out := renormalizeIfNeeded(v)
	var sumSq float64
	for _, x := range out {
		sumSq += float64(x) * float64(x)
	}
	if math.Abs(math.Sqrt(sumSq)-1.0) > 1e-4 {
		t.Fatalf("expected renormalized unit vector, got norm %f", math.Sqrt(sumSq))
	}
}

func TestRenormalizeIfNeededWithinEpsilonIsUnchanged(t *testing.T) {
	v := []float32{1, 0}
	out := renormalizeIfNeeded(v)
	if &out[0] != &v[0] {
		t.Fatal("expected vector already within epsilon to be returned unchanged")
	}
}

// TestRedisVectorIndexRoundTrip requires a live Redis with RediSearch and is
// skipped in short mode, matching this codebase's convention for tests that
// need a live backend.
func TestRedisVectorIndexRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping live Redis test in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	idx, err := NewRedisVectorIndex(ctx, "localhost:6379", "", 0, 8)
	if err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	defer idx.Close()

	vec := []float32{1, 0, 0, 0, 0, 0, 0, 0}
	if err := idx.Upsert(ctx, "t1", vec); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	results, err := idx.Search(ctx, vec, 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected at least one search result")
	}
	if _, err := idx.Delete(ctx, "t1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
}
