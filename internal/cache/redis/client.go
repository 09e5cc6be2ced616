package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sparql-agent/backend/pkg/logger"
	"github.com/sparql-agent/backend/pkg/utils"
)

// ErrUnavailable marks a store-level failure (connection refused, timeout).
// Callers must not confuse it with a miss: the orchestrator degrades to a
// cache bypass instead of failing the request.
var ErrUnavailable = errors.New("cache store unavailable")

const (
	recordPrefix    = "nlq:cache:"
	hitPrefix       = "nlq:hits:"
	embeddingPrefix = "nlq:emb:"
)

// Record is one resolved question: the generated SPARQL and the raw result
// bindings from its first successful execution. Keys are normalized
// questions; normalization happens in the caller, never here.
type Record struct {
	Question  string          `json:"normalized_question"`
	Sparql    string          `json:"generated_query"`
	Bindings  json.RawMessage `json:"result_bindings"`
	HitCount  int64           `json:"hit_count"`
	CreatedAt time.Time       `json:"created_at"`
	LastHitAt time.Time       `json:"last_hit_at"`
}

// PoolEntry is the retriever's view of a cached record.
type PoolEntry struct {
	Question string
	Sparql   string
}

type QueryStat struct {
	Question string `json:"query"`
	HitCount int64  `json:"hit_count"`
}

type Client struct {
	client *redis.Client
}

func NewClient(host string, port int, password string, db int) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", fmt.Sprintf("%s:%d", host, port)))

	return &Client{client: client}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Get returns the record for a normalized question, or (nil, false, nil) on
// a miss. Store failures come back as ErrUnavailable, never as a miss.
func (c *Client) Get(ctx context.Context, normalized string) (*Record, bool, error) {
	data, err := c.client.Get(ctx, recordPrefix+normalized).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal cache record: %w", err)
	}

	hits, err := c.client.Get(ctx, hitPrefix+normalized).Int64()
	if err != nil && err != redis.Nil {
		return nil, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	rec.HitCount = hits

	logger.Debug("Cache hit", zap.String("question", normalized), zap.Int64("hits", hits))
	return &rec, true, nil
}

// Put stores a record under its normalized question. Last writer wins; the
// hit counter lives in its own key so concurrent puts for the same question
// cannot reset it.
func (c *Client) Put(ctx context.Context, normalized, sparql string, bindings json.RawMessage) error {
	rec := Record{
		Question:  normalized,
		Sparql:    sparql,
		Bindings:  bindings,
		CreatedAt: time.Now().UTC(),
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal cache record: %w", err)
	}

	if err := c.client.Set(ctx, recordPrefix+normalized, data, 0).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	logger.Debug("Query cached", zap.String("question", normalized))
	return nil
}

// IncrementHit bumps the hit counter exactly once per cache hit and stamps
// the last-hit time on the record.
func (c *Client) IncrementHit(ctx context.Context, normalized string) error {
	if err := c.client.Incr(ctx, hitPrefix+normalized).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	data, err := c.client.Get(ctx, recordPrefix+normalized).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("failed to unmarshal cache record: %w", err)
	}
	rec.LastHitAt = time.Now().UTC()

	updated, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal cache record: %w", err)
	}
	if err := c.client.Set(ctx, recordPrefix+normalized, updated, 0).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Flush removes every cached record and counter, returning the number of
// records removed. Administrative only.
func (c *Client) Flush(ctx context.Context) (int, error) {
	removed := 0
	for _, prefix := range []string{recordPrefix, hitPrefix, embeddingPrefix} {
		iter := c.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
		for iter.Next(ctx) {
			if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
				logger.Warn("Failed to delete cache key", zap.Error(err))
				continue
			}
			if prefix == recordPrefix {
				removed++
			}
		}
		if err := iter.Err(); err != nil {
			return removed, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}

	logger.Info("Query cache flushed", zap.Int("records_removed", removed))
	return removed, nil
}

// Pool returns every cached (question, sparql) pair with a recorded query,
// sorted by question so downstream ranking sees a stable snapshot.
func (c *Client) Pool(ctx context.Context) ([]PoolEntry, error) {
	var entries []PoolEntry

	iter := c.client.Scan(ctx, 0, recordPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		data, err := c.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			logger.Warn("Skipping unparseable cache record", zap.String("key", iter.Val()))
			continue
		}
		if rec.Sparql == "" {
			continue
		}
		entries = append(entries, PoolEntry{Question: rec.Question, Sparql: rec.Sparql})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Question < entries[j].Question })
	return entries, nil
}

// TopQueries ranks cached questions by hit count.
func (c *Client) TopQueries(ctx context.Context, limit int) ([]QueryStat, error) {
	var stats []QueryStat

	iter := c.client.Scan(ctx, 0, hitPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		count, err := c.client.Get(ctx, iter.Val()).Int64()
		if err != nil {
			continue
		}
		stats = append(stats, QueryStat{
			Question: iter.Val()[len(hitPrefix):],
			HitCount: count,
		})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	sort.SliceStable(stats, func(i, j int) bool { return stats[i].HitCount > stats[j].HitCount })
	if limit > 0 && len(stats) > limit {
		stats = stats[:limit]
	}
	return stats, nil
}

// Count returns the number of cached records.
func (c *Client) Count(ctx context.Context) (int, error) {
	n := 0
	iter := c.client.Scan(ctx, 0, recordPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n, nil
}

// GetEmbedding looks up a cached embedding vector for a piece of text.
func (c *Client) GetEmbedding(ctx context.Context, text string) ([]float32, bool, error) {
	data, err := c.client.Get(ctx, embeddingPrefix+utils.HashString(text)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var embedding []float32
	if err := json.Unmarshal(data, &embedding); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal embedding: %w", err)
	}
	return embedding, true, nil
}

func (c *Client) SetEmbedding(ctx context.Context, text string, embedding []float32) error {
	data, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}
	if err := c.client.Set(ctx, embeddingPrefix+utils.HashString(text), data, 0).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
