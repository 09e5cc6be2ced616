package synthesizer

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/sparql-agent/backend/internal/llm"
	"github.com/sparql-agent/backend/internal/triplestore/virtuoso"
	"github.com/sparql-agent/backend/pkg/logger"
)

const systemPrompt = `You are a helpful assistant answering questions about the Cardano blockchain.
You are given a user's question, the SPARQL query that was run for it, and the query results.
Answer the question in plain natural language using only the results provided.
Be concise and direct. Do not mention SPARQL, queries, or the knowledge graph.
If the results are empty, say that no matching data was found.`

// Result bindings beyond this count are summarized rather than inlined.
const maxInlineRows = 50

// StreamBackend is the slice of the llm client the synthesizer needs.
type StreamBackend interface {
	Stream(ctx context.Context, req llm.CompletionRequest, emit func(delta string) error) error
}

type Config struct {
	Temperature float32
	MaxTokens   int
}

// Synthesizer turns execution results into a streamed natural language
// answer. Fragments reach the caller through emit as they arrive.
type Synthesizer struct {
	backend StreamBackend
	cfg     Config
}

func New(backend StreamBackend, cfg Config) *Synthesizer {
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}
	return &Synthesizer{backend: backend, cfg: cfg}
}

// Synthesize streams an answer for a successful execution. The result may
// be empty; the model is told so and answers accordingly.
func (s *Synthesizer) Synthesize(ctx context.Context, question, query string, result *virtuoso.Result, emit func(string) error) error {
	err := s.backend.Stream(ctx, llm.CompletionRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   buildPrompt(question, query, result),
		Temperature:  s.cfg.Temperature,
		MaxTokens:    s.cfg.MaxTokens,
	}, emit)
	if err != nil {
		return fmt.Errorf("answer synthesis failed: %w", err)
	}
	return nil
}

// Apologize streams a short failure answer that names no internals. Used
// when the pipeline cannot produce results; it never consults the model
// so it cannot itself fail upstream.
func (s *Synthesizer) Apologize(ctx context.Context, emit func(string) error) error {
	fragments := []string{
		"I'm sorry, ",
		"I wasn't able to find an answer to your question right now. ",
		"Please try rephrasing it, or ask again in a moment.",
	}
	for _, frag := range fragments {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := emit(frag); err != nil {
			return err
		}
	}
	return nil
}

func buildPrompt(question, query string, result *virtuoso.Result) string {
	var sb strings.Builder

	sb.WriteString("Question: ")
	sb.WriteString(question)
	sb.WriteString("\n\nSPARQL query:\n")
	sb.WriteString(query)
	sb.WriteString("\n\nResults:\n")
	sb.WriteString(formatResult(result))
	sb.WriteString("\n\nAnswer:")
	return sb.String()
}

func formatResult(result *virtuoso.Result) string {
	if result == nil {
		return "(no results)"
	}

	if result.Boolean != nil {
		if *result.Boolean {
			return "yes"
		}
		return "no"
	}

	if result.RowCount == 0 {
		return "(no results)"
	}

	var sb strings.Builder
	rows := result.Bindings
	truncated := 0
	if len(rows) > maxInlineRows {
		truncated = len(rows) - maxInlineRows
		rows = rows[:maxInlineRows]
	}

	for _, row := range rows {
		parts := make([]string, 0, len(result.Vars))
		for _, v := range result.Vars {
			if val, ok := row[v]; ok {
				parts = append(parts, fmt.Sprintf("%s=%s", v, val.Value))
			}
		}
		sb.WriteString(strings.Join(parts, ", "))
		sb.WriteString("\n")
	}
	if truncated > 0 {
		fmt.Fprintf(&sb, "(%d more rows omitted)\n", truncated)
		logger.Debug("Truncated result rows for synthesis", zap.Int("omitted", truncated))
	}
	return strings.TrimRight(sb.String(), "\n")
}
