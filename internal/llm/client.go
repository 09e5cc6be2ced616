package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/sparql-agent/backend/internal/metrics"
	"github.com/sparql-agent/backend/pkg/circuitbreaker"
	"github.com/sparql-agent/backend/pkg/logger"
)

// ErrEmptyCompletion is returned when the backend answers with no content.
var ErrEmptyCompletion = errors.New("llm returned empty completion")

type Config struct {
	BaseURL        string
	APIKey         string
	Model          string
	EmbeddingModel string
	MaxTokens      int
	Timeout        time.Duration
}

// Client wraps an OpenAI-compatible chat/embedding backend (vLLM, OpenAI).
// It is long-lived and shared across requests.
type Client struct {
	client         *openai.Client
	model          string
	embeddingModel string
	maxTokens      int
	timeout        time.Duration
	cb             *circuitbreaker.CircuitBreaker
}

type CompletionRequest struct {
	SystemPrompt string
	UserPrompt   string
	Temperature  float32
	MaxTokens    int
}

type CompletionResponse struct {
	Content string
	Usage   Usage
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

func NewClient(cfg Config) *Client {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	cb := circuitbreaker.New("llm", circuitbreaker.Config{
		MaxRequests:      5,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}

	logger.Info("LLM client initialized",
		zap.String("base_url", cfg.BaseURL),
		zap.String("model", cfg.Model),
		zap.String("embedding_model", cfg.EmbeddingModel),
	)

	return &Client{
		client:         openai.NewClientWithConfig(clientConfig),
		model:          cfg.Model,
		embeddingModel: cfg.EmbeddingModel,
		maxTokens:      cfg.MaxTokens,
		timeout:        timeout,
		cb:             cb,
	}
}

func (c *Client) messages(req CompletionRequest) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, 2)
	if req.SystemPrompt != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.UserPrompt,
	})
	return msgs
}

// temperature clamps to a small positive value: the wire encoding treats an
// exact zero as unset and the backend would fall back to its own default.
func temperature(t float32) float32 {
	if t <= 0 {
		return 1e-5
	}
	return t
}

// Complete performs a single non-streaming chat completion.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	var result *CompletionResponse

	err := c.cb.Execute(ctx, func() error {
		resp, err := c.client.CreateChatCompletion(
			ctx,
			openai.ChatCompletionRequest{
				Model:       c.model,
				Messages:    c.messages(req),
				Temperature: temperature(req.Temperature),
				MaxTokens:   maxTokens,
			},
		)
		if err != nil {
			return fmt.Errorf("failed to create completion: %w", err)
		}

		if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
			return ErrEmptyCompletion
		}

		logger.Debug("LLM completion generated",
			zap.Int("prompt_tokens", resp.Usage.PromptTokens),
			zap.Int("completion_tokens", resp.Usage.CompletionTokens),
		)
		metrics.RecordLLMTokens(resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

		result = &CompletionResponse{
			Content: resp.Choices[0].Message.Content,
			Usage: Usage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			},
		}
		return nil
	})

	if err != nil {
		return nil, err
	}
	return result, nil
}

// Stream performs a streaming chat completion, invoking emit for every
// content delta. It returns the first error from the backend or from emit;
// an emit error aborts the stream (caller disconnected).
func (c *Client) Stream(ctx context.Context, req CompletionRequest, emit func(delta string) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	var emitErr error

	err := c.cb.Execute(ctx, func() error {
		stream, err := c.client.CreateChatCompletionStream(
			ctx,
			openai.ChatCompletionRequest{
				Model:       c.model,
				Messages:    c.messages(req),
				Temperature: temperature(req.Temperature),
				MaxTokens:   maxTokens,
				Stream:      true,
			},
		)
		if err != nil {
			return fmt.Errorf("failed to open completion stream: %w", err)
		}
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("completion stream failed: %w", err)
			}
			if len(resp.Choices) == 0 {
				continue
			}
			delta := resp.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			if err := emit(delta); err != nil {
				// A caller-side abort says nothing about backend health;
				// it must not count toward opening the circuit.
				emitErr = err
				return nil
			}
		}
	})
	if err == nil && emitErr != nil {
		return emitErr
	}
	return err
}

// Embedding maps one text into the embedding model's vector space.
func (c *Client) Embedding(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var embedding []float32

	err := c.cb.Execute(ctx, func() error {
		resp, err := c.client.CreateEmbeddings(
			ctx,
			openai.EmbeddingRequest{
				Input: []string{text},
				Model: openai.EmbeddingModel(c.embeddingModel),
			},
		)
		if err != nil {
			return fmt.Errorf("failed to generate embedding: %w", err)
		}
		if len(resp.Data) == 0 {
			return fmt.Errorf("embedding backend returned no vectors")
		}

		embedding = make([]float32, len(resp.Data[0].Embedding))
		copy(embedding, resp.Data[0].Embedding)
		return nil
	})

	if err != nil {
		return nil, err
	}
	return embedding, nil
}

// BatchEmbeddings embeds texts in batches of 100, preserving input order.
func (c *Client) BatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var embeddings [][]float32

	batchSize := 100
	for i := 0; i < len(texts); i += batchSize {
		end := i + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[i:end]

		err := c.cb.Execute(ctx, func() error {
			resp, err := c.client.CreateEmbeddings(
				ctx,
				openai.EmbeddingRequest{
					Input: batch,
					Model: openai.EmbeddingModel(c.embeddingModel),
				},
			)
			if err != nil {
				return fmt.Errorf("failed to generate batch embeddings: %w", err)
			}
			for _, data := range resp.Data {
				vec := make([]float32, len(data.Embedding))
				copy(vec, data.Embedding)
				embeddings = append(embeddings, vec)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	logger.Debug("Batch embeddings generated", zap.Int("count", len(embeddings)))
	return embeddings, nil
}

// Probe checks backend liveness within the given timeout. Used by the
// retriever's auto mode and the health endpoint.
func (c *Client) Probe(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if _, err := c.client.ListModels(ctx); err != nil {
		return fmt.Errorf("llm backend unreachable: %w", err)
	}
	return nil
}
