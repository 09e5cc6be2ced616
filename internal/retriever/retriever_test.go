package retriever

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cache "github.com/sparql-agent/backend/internal/cache/redis"
)

type stubPool struct {
	entries []cache.PoolEntry
	err     error
}

func (s *stubPool) Pool(ctx context.Context) ([]cache.PoolEntry, error) {
	return s.entries, s.err
}

type stubEmbedder struct {
	vectors  map[string][]float32
	probeErr error
	embedErr error
}

func (s *stubEmbedder) Embedding(ctx context.Context, text string) ([]float32, error) {
	if s.embedErr != nil {
		return nil, s.embedErr
	}
	if vec, ok := s.vectors[text]; ok {
		return vec, nil
	}
	return []float32{0, 0, 1}, nil
}

func (s *stubEmbedder) BatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := s.Embedding(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (s *stubEmbedder) Probe(ctx context.Context, timeout time.Duration) error {
	return s.probeErr
}

func testPool() []cache.PoolEntry {
	return []cache.PoolEntry{
		{Question: "how many tokens exist", Sparql: "SELECT (COUNT(?t) AS ?n) WHERE { ?t a :Token }"},
		{Question: "what is a cnt", Sparql: "SELECT ?d WHERE { :CNT :definition ?d }"},
		{Question: "what is a native token", Sparql: "SELECT ?d WHERE { :NativeToken :definition ?d }"},
	}
}

func TestJaccardScoring(t *testing.T) {
	a := Tokenize("what is a cnt")
	assert.Equal(t, 1.0, jaccard(a, Tokenize("what is a cnt")))
	assert.Equal(t, 0.0, jaccard(a, Tokenize("completely unrelated words")))

	partial := jaccard(a, Tokenize("what is a native token"))
	assert.Greater(t, partial, 0.0)
	assert.Less(t, partial, 1.0)
}

func TestJaccardEmptySets(t *testing.T) {
	assert.Equal(t, 0.0, jaccard(Tokenize(""), Tokenize("anything")))
	assert.Equal(t, 0.0, jaccard(Tokenize("anything"), Tokenize("")))
}

func TestTopKJaccardOrdering(t *testing.T) {
	r := New(&stubPool{entries: testPool()}, nil, nil, nil, Config{})

	candidates, degraded, err := r.TopK(context.Background(), "What is a CNT?", 2, ModeJaccard)
	require.NoError(t, err)
	assert.False(t, degraded)
	require.Len(t, candidates, 2)
	assert.Equal(t, "what is a cnt", candidates[0].SourceQuestion)
	assert.GreaterOrEqual(t, candidates[0].Score, candidates[1].Score)
}

func TestTopKDeterministic(t *testing.T) {
	r := New(&stubPool{entries: testPool()}, nil, nil, nil, Config{})

	first, _, err := r.TopK(context.Background(), "what is a token", 3, ModeJaccard)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, _, err := r.TopK(context.Background(), "what is a token", 3, ModeJaccard)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestTopKModeOff(t *testing.T) {
	r := New(&stubPool{entries: testPool()}, nil, nil, nil, Config{})

	candidates, degraded, err := r.TopK(context.Background(), "what is a cnt", 5, ModeOff)
	require.NoError(t, err)
	assert.False(t, degraded)
	assert.Empty(t, candidates)
}

func TestTopKEmptyPool(t *testing.T) {
	r := New(&stubPool{}, nil, nil, nil, Config{})

	candidates, degraded, err := r.TopK(context.Background(), "anything", 5, ModeJaccard)
	require.NoError(t, err)
	assert.False(t, degraded)
	assert.Empty(t, candidates)
}

func TestAutoModeFallsBackSilently(t *testing.T) {
	embedder := &stubEmbedder{probeErr: errors.New("connection refused")}
	r := New(&stubPool{entries: testPool()}, embedder, nil, nil, Config{})

	candidates, degraded, err := r.TopK(context.Background(), "what is a cnt", 2, ModeAuto)
	require.NoError(t, err)
	assert.False(t, degraded, "auto mode fallback must not report degradation")
	require.NotEmpty(t, candidates)
	assert.Equal(t, "what is a cnt", candidates[0].SourceQuestion)
}

func TestEmbeddingsModeFallbackIsDegraded(t *testing.T) {
	embedder := &stubEmbedder{embedErr: errors.New("deadline exceeded")}
	r := New(&stubPool{entries: testPool()}, embedder, nil, nil, Config{})

	candidates, degraded, err := r.TopK(context.Background(), "what is a cnt", 2, ModeEmbeddings)
	require.NoError(t, err)
	assert.True(t, degraded)
	require.NotEmpty(t, candidates)
}

func TestEmbeddingsModeWithoutBackendIsDegraded(t *testing.T) {
	r := New(&stubPool{entries: testPool()}, nil, nil, nil, Config{})

	candidates, degraded, err := r.TopK(context.Background(), "what is a cnt", 2, ModeEmbeddings)
	require.NoError(t, err)
	assert.True(t, degraded)
	require.NotEmpty(t, candidates)
	assert.Equal(t, "what is a cnt", candidates[0].SourceQuestion)
}

func TestEmbeddingTopKCosine(t *testing.T) {
	embedder := &stubEmbedder{vectors: map[string][]float32{
		"what is a cnt":             {1, 0, 0},
		"how many tokens exist":     {0, 1, 0},
		"what is a native token":    {0.9, 0.1, 0},
		"what is a cardano token":   {0.95, 0, 0},
	}}
	r := New(&stubPool{entries: testPool()}, embedder, nil, nil, Config{})

	candidates, degraded, err := r.TopK(context.Background(), "what is a cardano token", 2, ModeEmbeddings)
	require.NoError(t, err)
	assert.False(t, degraded)
	require.Len(t, candidates, 2)
	assert.Equal(t, "what is a cnt", candidates[0].SourceQuestion)
	assert.InDelta(t, 1.0, candidates[0].Score, 0.01)
}

func TestPoolErrorSurfaced(t *testing.T) {
	r := New(&stubPool{err: errors.New("redis down")}, nil, nil, nil, Config{})

	_, _, err := r.TopK(context.Background(), "anything", 3, ModeJaccard)
	assert.Error(t, err)
}

func TestParseMode(t *testing.T) {
	for input, want := range map[string]Mode{
		"off":        ModeOff,
		"auto":       ModeAuto,
		"":           ModeAuto,
		"Embeddings": ModeEmbeddings,
		" jaccard ":  ModeJaccard,
	} {
		got, err := ParseMode(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got)
	}

	_, err := ParseMode("cosine")
	assert.Error(t, err)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, cosineSimilarity([]float32{1, 2, 3}, []float32{1, 2, 3}), 1e-9)
	assert.InDelta(t, 0.0, cosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Equal(t, 0.0, cosineSimilarity([]float32{1}, []float32{1, 2}))
	assert.Equal(t, 0.0, cosineSimilarity(nil, nil))
}
