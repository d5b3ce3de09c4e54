// Package store implements the three physical backends (C2 PersistenceStore,
// C3 LexicalIndex, C4 VectorIndex) and the CompositeStore (C5) that fans
// writes across them.
package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/subcog/subcog/internal/kind"
)

// VectorIndex is the C4 contract: approximate nearest-neighbor over
// embeddings with cosine similarity.
type VectorIndex interface {
	Upsert(ctx context.Context, id string, vec []float32) error
	Delete(ctx context.Context, id string) (bool, error)
	Search(ctx context.Context, vec []float32, k int) ([]ScoredID, error)
	Rebuild(ctx context.Context, pairs []VectorPair) (int, error)
	Close() error
}

// ScoredID pairs an id with a similarity (or rank-fusion) score.
type ScoredID struct {
	ID    string
	Score float64
}

// VectorPair is one (id, vector) record fed to Rebuild.
type VectorPair struct {
	ID  string
	Vec []float32
}

const vectorKeyPrefix = "subcog:vec:"

// epsilon bounds the norm tolerance for §4.4: vectors outside [1-eps, 1+eps]
// are renormalized before insertion.
const epsilon = 1e-4

// RedisVectorIndex implements VectorIndex over Redis with RediSearch's
// FT.CREATE/FT.SEARCH KNN vector commands, generalized from episodic-only
// storage into an index over arbitrary (id, vector) pairs.
type RedisVectorIndex struct {
	client     *redis.Client
	indexName  string
	dimensions int
}

func NewRedisVectorIndex(ctx context.Context, addr, password string, db, dimensions int) (*RedisVectorIndex, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, kind.Wrap(err, kind.BackendUnavailable, "store.NewRedisVectorIndex")
	}

	idx := &RedisVectorIndex{client: client, indexName: "subcog:vec:idx", dimensions: dimensions}
	if err := idx.ensureIndex(ctx); err != nil {
		return nil, err
	}
	return idx, nil
}

func (s *RedisVectorIndex) ensureIndex(ctx context.Context) error {
	if _, err := s.client.Do(ctx, "FT.INFO", s.indexName).Result(); err == nil {
		return nil
	}
	args := []interface{}{
		"FT.CREATE", s.indexName,
		"ON", "HASH",
		"PREFIX", "1", vectorKeyPrefix,
		"SCHEMA",
		"embedding", "VECTOR", "FLAT", "6",
		"DIM", s.dimensions,
		"DISTANCE_METRIC", "COSINE",
		"TYPE", "FLOAT32",
	}
	if err := s.client.Do(ctx, args...).Err(); err != nil {
		return kind.Wrap(err, kind.BackendUnavailable, "store.ensureIndex")
	}
	return nil
}

func (s *RedisVectorIndex) Upsert(ctx context.Context, id string, vec []float32) error {
	vec = renormalizeIfNeeded(vec)
	blob, err := encodeVector(vec)
	if err != nil {
		return kind.Wrap(err, kind.InvalidInput, "store.RedisVectorIndex.Upsert")
	}
	key := vectorKeyPrefix + id
	if err := s.client.HSet(ctx, key, map[string]interface{}{
		"embedding": blob,
		"id":        id,
	}).Err(); err != nil {
		return kind.Wrap(err, kind.BackendUnavailable, "store.RedisVectorIndex.Upsert")
	}
	return nil
}

func (s *RedisVectorIndex) Delete(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Del(ctx, vectorKeyPrefix+id).Result()
	if err != nil {
		return false, kind.Wrap(err, kind.BackendUnavailable, "store.RedisVectorIndex.Delete")
	}
	return n > 0, nil
}

func (s *RedisVectorIndex) Search(ctx context.Context, vec []float32, k int) ([]ScoredID, error) {
	blob, err := encodeVector(vec)
	if err != nil {
		return nil, kind.Wrap(err, kind.InvalidInput, "store.RedisVectorIndex.Search")
	}
	args := []interface{}{
		"FT.SEARCH", s.indexName,
		fmt.Sprintf("*=>[KNN %d @embedding $query_vec AS vec_score]", k),
		"PARAMS", "2", "query_vec", blob,
		"DIALECT", "2",
		"RETURN", "2", "id", "vec_score",
		"SORTBY", "vec_score",
		"LIMIT", "0", strconv.Itoa(k),
	}
	res, err := s.client.Do(ctx, args...).Result()
	if err != nil {
		return nil, kind.Wrap(err, kind.BackendUnavailable, "store.RedisVectorIndex.Search")
	}
	return parseKNNResult(res), nil
}

func parseKNNResult(result interface{}) []ScoredID {
	top, ok := result.([]interface{})
	if !ok || len(top) < 2 {
		return nil
	}
	var out []ScoredID
	for i := 1; i < len(top); i++ {
		doc, ok := top[i].([]interface{})
		if !ok || len(doc) < 2 {
			continue
		}
		id := fmt.Sprint(doc[0])
		fields, ok := doc[1].([]interface{})
		if !ok {
			continue
		}
		var dist float64
		var recordID string
		for j := 0; j+1 < len(fields); j += 2 {
			switch fmt.Sprint(fields[j]) {
			case "vec_score":
				fmt.Sscanf(fmt.Sprint(fields[j+1]), "%f", &dist)
			case "id":
				recordID = fmt.Sprint(fields[j+1])
			}
		}
		if recordID == "" {
			recordID = id
		}
		// RediSearch KNN distance is 1 - cosine for the COSINE metric; convert
		// back to similarity so callers always deal in cosine scores.
		out = append(out, ScoredID{ID: recordID, Score: 1 - dist})
	}
	return out
}

func (s *RedisVectorIndex) Rebuild(ctx context.Context, pairs []VectorPair) (int, error) {
	iter := s.client.Scan(ctx, 0, vectorKeyPrefix+"*", 0).Iterator()
	var stale []string
	for iter.Next(ctx) {
		stale = append(stale, iter.Val())
	}
	if len(stale) > 0 {
		s.client.Del(ctx, stale...)
	}
	n := 0
	for _, p := range pairs {
		if err := s.Upsert(ctx, p.ID, p.Vec); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *RedisVectorIndex) Close() error { return s.client.Close() }

// renormalizeIfNeeded renormalizes vectors whose norm falls outside
// [1-epsilon, 1+epsilon] per §4.4.
func renormalizeIfNeeded(v []float32) []float32 {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	norm := math.Sqrt(sumSq)
	if norm == 0 || (norm >= 1-epsilon && norm <= 1+epsilon) {
		return v
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

func encodeVector(v []float32) ([]byte, error) {
	if v == nil {
		return nil, kind.New(kind.InvalidInput, "store.encodeVector", "nil vector")
	}
	buf := make([]byte, len(v)*4)
	for i, val := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(val))
	}
	return buf, nil
}

// CosineSimilarity computes cosine similarity between two equal-length
// vectors, returning 0 for mismatched lengths or empty input. The
// deduplicator and consolidator do not call it; they use VectorIndex.Search
// scores.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
