package milvus

import (
	"context"
	"fmt"
	"math"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/sparql-agent/backend/pkg/logger"
)

// Client maintains the retriever's embedding index: one vector per cached
// question, rebuilt wholesale when the cache has grown enough. Vectors are
// L2-normalized on the way in so inner-product scores are cosine similarity.
type Client struct {
	client         client.Client
	collectionName string
	vectorDim      int
}

// Entry is one indexed (question, sparql, embedding) triple.
type Entry struct {
	Question  string
	Sparql    string
	Embedding []float32
}

// Match is a scored index hit; Score is cosine similarity clamped to [0,1].
type Match struct {
	Question string
	Sparql   string
	Score    float64
}

func NewClient(endpoint, collectionName string, vectorDim int) (*Client, error) {
	c, err := client.NewGrpcClient(context.Background(), endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Milvus client initialized",
		zap.String("endpoint", endpoint),
		zap.String("collection", collectionName),
	)

	return &Client{
		client:         c,
		collectionName: collectionName,
		vectorDim:      vectorDim,
	}, nil
}

func (m *Client) Close() error {
	return m.client.Close()
}

// Rebuild drops and repopulates the collection from the full pool snapshot.
// The index is derived state; losing it between rebuilds only costs recall.
func (m *Client) Rebuild(ctx context.Context, entries []Entry) error {
	has, err := m.client.HasCollection(ctx, m.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}
	if has {
		if err := m.client.DropCollection(ctx, m.collectionName); err != nil {
			return fmt.Errorf("failed to drop collection: %w", err)
		}
	}

	schema := &entity.Schema{
		CollectionName: m.collectionName,
		Description:    "Cached question embeddings for few-shot retrieval",
		Fields: []*entity.Field{
			{
				Name:       "question",
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{"max_length": "1024"},
			},
			{
				Name:     "embedding",
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					"dim": fmt.Sprintf("%d", m.vectorDim),
				},
			},
			{
				Name:       "sparql",
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "16384"},
			},
		},
	}

	if err := m.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	if len(entries) > 0 {
		questions := make([]string, len(entries))
		embeddings := make([][]float32, len(entries))
		sparqls := make([]string, len(entries))
		for i, e := range entries {
			questions[i] = e.Question
			embeddings[i] = normalize(e.Embedding)
			sparqls[i] = e.Sparql
		}

		_, err = m.client.Insert(
			ctx,
			m.collectionName,
			"",
			entity.NewColumnVarChar("question", questions),
			entity.NewColumnFloatVector("embedding", m.vectorDim, embeddings),
			entity.NewColumnVarChar("sparql", sparqls),
		)
		if err != nil {
			return fmt.Errorf("failed to insert entries: %w", err)
		}

		if err := m.client.Flush(ctx, m.collectionName, false); err != nil {
			return fmt.Errorf("failed to flush: %w", err)
		}
	}

	idx, err := entity.NewIndexIvfFlat(entity.IP, 1024)
	if err != nil {
		return fmt.Errorf("failed to build index spec: %w", err)
	}
	if err := m.client.CreateIndex(ctx, m.collectionName, "embedding", idx, false); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	if err := m.client.LoadCollection(ctx, m.collectionName, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	logger.Info("Embedding index rebuilt",
		zap.String("collection", m.collectionName),
		zap.Int("entries", len(entries)),
	)
	return nil
}

// Search returns the topK closest questions for a query embedding.
func (m *Client) Search(ctx context.Context, queryEmbedding []float32, topK int) ([]Match, error) {
	sp, err := entity.NewIndexIvfFlatSearchParam(16)
	if err != nil {
		return nil, fmt.Errorf("failed to build search param: %w", err)
	}

	searchResult, err := m.client.Search(
		ctx,
		m.collectionName,
		[]string{},
		"",
		[]string{"question", "sparql"},
		[]entity.Vector{entity.FloatVector(normalize(queryEmbedding))},
		"embedding",
		entity.IP,
		topK,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search index: %w", err)
	}

	matches := make([]Match, 0)
	for _, sr := range searchResult {
		questionCol := sr.Fields.GetColumn("question")
		sparqlCol := sr.Fields.GetColumn("sparql")
		for i := 0; i < sr.ResultCount; i++ {
			question, err := questionCol.GetAsString(i)
			if err != nil {
				continue
			}
			sparql, _ := sparqlCol.GetAsString(i)

			score := float64(sr.Scores[i])
			if score < 0 {
				score = 0
			}
			if score > 1 {
				score = 1
			}

			matches = append(matches, Match{
				Question: question,
				Sparql:   sparql,
				Score:    score,
			})
		}
	}

	return matches, nil
}

func normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return vec
	}

	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}
