package retriever

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	cache "github.com/sparql-agent/backend/internal/cache/redis"
	"github.com/sparql-agent/backend/internal/vector/milvus"
	"github.com/sparql-agent/backend/pkg/logger"
	"github.com/sparql-agent/backend/pkg/utils"
)

// Mode selects the similarity scoring strategy.
type Mode string

const (
	ModeOff        Mode = "off"
	ModeAuto       Mode = "auto"
	ModeEmbeddings Mode = "embeddings"
	ModeJaccard    Mode = "jaccard"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeOff:
		return ModeOff, nil
	case ModeAuto, "":
		return ModeAuto, nil
	case ModeEmbeddings:
		return ModeEmbeddings, nil
	case ModeJaccard:
		return ModeJaccard, nil
	default:
		return ModeAuto, fmt.Errorf("unknown fewshot mode: %s", s)
	}
}

// Candidate is a prior (question, query) pair scored against the new
// question. Candidates come back in descending score order; ties keep the
// pool's lexicographic order.
type Candidate struct {
	SourceQuestion string  `json:"source_question"`
	SourceQuery    string  `json:"source_query"`
	Score          float64 `json:"score"`
}

// PoolSource supplies the candidate pool: cached questions that already
// have a recorded generated query.
type PoolSource interface {
	Pool(ctx context.Context) ([]cache.PoolEntry, error)
}

// EmbeddingBackend maps text into the shared vector space and answers
// liveness probes for auto mode.
type EmbeddingBackend interface {
	Embedding(ctx context.Context, text string) ([]float32, error)
	BatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
	Probe(ctx context.Context, timeout time.Duration) error
}

// EmbeddingCache avoids re-embedding an unchanged pool on every request.
type EmbeddingCache interface {
	GetEmbedding(ctx context.Context, text string) ([]float32, bool, error)
	SetEmbedding(ctx context.Context, text string, embedding []float32) error
}

// VectorIndex is the optional Milvus-backed index; when nil the retriever
// scores the pool in process.
type VectorIndex interface {
	Rebuild(ctx context.Context, entries []milvus.Entry) error
	Search(ctx context.Context, queryEmbedding []float32, topK int) ([]milvus.Match, error)
}

type Config struct {
	ProbeTimeout     time.Duration
	RebuildThreshold int
}

type Retriever struct {
	pool     PoolSource
	embedder EmbeddingBackend
	embCache EmbeddingCache
	index    VectorIndex
	cfg      Config

	mu            sync.Mutex
	newSinceBuild int
	built         bool
}

func New(pool PoolSource, embedder EmbeddingBackend, embCache EmbeddingCache, index VectorIndex, cfg Config) *Retriever {
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 500 * time.Millisecond
	}
	if cfg.RebuildThreshold == 0 {
		cfg.RebuildThreshold = 10
	}
	return &Retriever{
		pool:     pool,
		embedder: embedder,
		embCache: embCache,
		index:    index,
		cfg:      cfg,
	}
}

// TopK ranks the cached pool against the question and returns at most k
// candidates. degraded is true only when embeddings were explicitly
// requested and the retriever had to fall back to lexical scoring; auto
// mode falls back silently.
func (r *Retriever) TopK(ctx context.Context, question string, k int, mode Mode) ([]Candidate, bool, error) {
	if mode == ModeOff || k <= 0 {
		return nil, false, nil
	}

	entries, err := r.pool.Pool(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load candidate pool: %w", err)
	}
	if len(entries) == 0 {
		return nil, false, nil
	}

	normalized := utils.NormalizeQuestion(question)

	useEmbeddings := false
	switch mode {
	case ModeEmbeddings:
		if r.embedder == nil {
			logger.Warn("Embeddings requested with no embedding backend, falling back to lexical scoring")
			return jaccardTopK(normalized, entries, k), true, nil
		}
		useEmbeddings = true
	case ModeAuto:
		useEmbeddings = r.embedder != nil && r.embedder.Probe(ctx, r.cfg.ProbeTimeout) == nil
	}

	if useEmbeddings {
		candidates, err := r.embeddingTopK(ctx, normalized, entries, k)
		if err == nil {
			return candidates, false, nil
		}
		logger.Warn("Embedding retrieval failed, falling back to lexical scoring",
			zap.Error(err),
		)
		degraded := mode == ModeEmbeddings
		return jaccardTopK(normalized, entries, k), degraded, nil
	}

	return jaccardTopK(normalized, entries, k), false, nil
}

// NotifyCached records one new cache write and rebuilds the vector index
// once enough records have accumulated since the last build.
func (r *Retriever) NotifyCached(ctx context.Context) {
	if r.index == nil || r.embedder == nil {
		return
	}

	r.mu.Lock()
	r.newSinceBuild++
	shouldBuild := !r.built || r.newSinceBuild >= r.cfg.RebuildThreshold
	if shouldBuild {
		r.newSinceBuild = 0
		r.built = true
	}
	r.mu.Unlock()

	if !shouldBuild {
		return
	}

	if err := r.rebuildIndex(ctx); err != nil {
		logger.Error("Failed to rebuild embedding index", zap.Error(err))
		r.mu.Lock()
		r.built = false
		r.mu.Unlock()
	}
}

func (r *Retriever) rebuildIndex(ctx context.Context) error {
	entries, err := r.pool.Pool(ctx)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	questions := make([]string, len(entries))
	for i, e := range entries {
		questions[i] = e.Question
	}

	vectors, err := r.embedder.BatchEmbeddings(ctx, questions)
	if err != nil {
		return err
	}
	if len(vectors) != len(entries) {
		return fmt.Errorf("embedding count mismatch: %d vectors for %d entries", len(vectors), len(entries))
	}

	indexed := make([]milvus.Entry, len(entries))
	for i, e := range entries {
		indexed[i] = milvus.Entry{
			Question:  e.Question,
			Sparql:    e.Sparql,
			Embedding: vectors[i],
		}
		if r.embCache != nil {
			if err := r.embCache.SetEmbedding(ctx, e.Question, vectors[i]); err != nil {
				logger.Warn("Failed to cache pool embedding", zap.Error(err))
			}
		}
	}

	return r.index.Rebuild(ctx, indexed)
}

func (r *Retriever) embeddingTopK(ctx context.Context, normalized string, entries []cache.PoolEntry, k int) ([]Candidate, error) {
	queryVec, err := r.embedder.Embedding(ctx, normalized)
	if err != nil {
		return nil, err
	}

	if r.index != nil {
		matches, err := r.index.Search(ctx, queryVec, k)
		if err == nil {
			candidates := make([]Candidate, 0, len(matches))
			for _, m := range matches {
				candidates = append(candidates, Candidate{
					SourceQuestion: m.Question,
					SourceQuery:    m.Sparql,
					Score:          m.Score,
				})
			}
			return candidates, nil
		}
		logger.Warn("Vector index search failed, scoring pool in process", zap.Error(err))
	}

	candidates := make([]Candidate, 0, len(entries))
	for _, entry := range entries {
		vec, err := r.poolEmbedding(ctx, entry.Question)
		if err != nil {
			return nil, err
		}
		score := cosineSimilarity(queryVec, vec)
		if score < 0 {
			score = 0
		}
		candidates = append(candidates, Candidate{
			SourceQuestion: entry.Question,
			SourceQuery:    entry.Sparql,
			Score:          score,
		})
	}

	sortCandidates(candidates)
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates, nil
}

func (r *Retriever) poolEmbedding(ctx context.Context, question string) ([]float32, error) {
	if r.embCache != nil {
		if vec, ok, err := r.embCache.GetEmbedding(ctx, question); err == nil && ok {
			return vec, nil
		}
	}

	vec, err := r.embedder.Embedding(ctx, question)
	if err != nil {
		return nil, err
	}

	if r.embCache != nil {
		if err := r.embCache.SetEmbedding(ctx, question, vec); err != nil {
			logger.Warn("Failed to cache pool embedding", zap.Error(err))
		}
	}
	return vec, nil
}

func jaccardTopK(normalized string, entries []cache.PoolEntry, k int) []Candidate {
	queryTokens := Tokenize(normalized)

	candidates := make([]Candidate, 0, len(entries))
	for _, entry := range entries {
		candidates = append(candidates, Candidate{
			SourceQuestion: entry.Question,
			SourceQuery:    entry.Sparql,
			Score:          jaccard(queryTokens, Tokenize(entry.Question)),
		})
	}

	sortCandidates(candidates)
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates
}

// sortCandidates orders by descending score; SliceStable keeps the pool's
// insertion order on ties so repeated calls are bit-identical.
func sortCandidates(candidates []Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	intersection := 0
	for token := range a {
		if _, ok := b[token]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	return float64(intersection) / float64(union)
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
