package generator

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/sparql-agent/backend/internal/llm"
	"github.com/sparql-agent/backend/internal/retriever"
	"github.com/sparql-agent/backend/pkg/logger"
)

const systemPrompt = `You are an expert SPARQL query writer for a Cardano blockchain knowledge graph.
Translate the user's natural language question into a single valid SPARQL query.
Rules:
- Output only the SPARQL query, no explanation and no markdown fences.
- Use only classes and properties present in the ontology when one is provided.
- Prefer SELECT queries; use ASK only for yes/no questions.
- Always include the prefixes the query needs.`

// CompletionBackend is the slice of the llm client the generator needs.
type CompletionBackend interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
}

type Config struct {
	Temperature  float32
	MaxTokens    int
	OntologyPath string
}

// Generator turns a natural language question plus retrieved exemplars
// into a SPARQL query via a deterministic (near-zero temperature)
// completion.
type Generator struct {
	backend  CompletionBackend
	cfg      Config
	ontology string
}

func New(backend CompletionBackend, cfg Config) *Generator {
	g := &Generator{backend: backend, cfg: cfg}
	if cfg.OntologyPath != "" {
		data, err := os.ReadFile(cfg.OntologyPath)
		if err != nil {
			logger.Warn("Failed to read ontology file, generating without schema context",
				zap.String("path", cfg.OntologyPath),
				zap.Error(err),
			)
		} else {
			g.ontology = strings.TrimSpace(string(data))
		}
	}
	return g
}

// Generate produces a SPARQL query for the question. Exemplars are
// rendered oldest-ranked-last so the strongest match sits closest to the
// question. useOntology gates the schema preamble for ablation runs.
func (g *Generator) Generate(ctx context.Context, question string, exemplars []retriever.Candidate, useOntology bool) (string, error) {
	resp, err := g.backend.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   g.buildPrompt(question, exemplars, useOntology),
		Temperature:  g.cfg.Temperature,
		MaxTokens:    g.cfg.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("query generation failed: %w", err)
	}

	query := StripFences(resp.Content)
	if query == "" {
		return "", fmt.Errorf("query generation failed: %w", llm.ErrEmptyCompletion)
	}

	logger.Debug("Generated SPARQL query",
		zap.String("question", question),
		zap.Int("exemplars", len(exemplars)),
		zap.Int("query_length", len(query)),
	)
	return query, nil
}

func (g *Generator) buildPrompt(question string, exemplars []retriever.Candidate, useOntology bool) string {
	var sb strings.Builder

	if useOntology && g.ontology != "" {
		sb.WriteString("Ontology:\n")
		sb.WriteString(g.ontology)
		sb.WriteString("\n\n")
	}

	if len(exemplars) > 0 {
		sb.WriteString("Examples of past questions and their SPARQL queries:\n\n")
		for i := len(exemplars) - 1; i >= 0; i-- {
			ex := exemplars[i]
			sb.WriteString("Question: ")
			sb.WriteString(ex.SourceQuestion)
			sb.WriteString("\nSPARQL:\n")
			sb.WriteString(ex.SourceQuery)
			sb.WriteString("\n\n")
		}
	}

	sb.WriteString("Question: ")
	sb.WriteString(question)
	sb.WriteString("\nSPARQL:")
	return sb.String()
}

// StripFences removes markdown code fences and a leading language tag
// that chat models wrap around generated queries.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}

	s = strings.TrimPrefix(s, "```")
	if idx := strings.Index(s, "\n"); idx >= 0 {
		first := strings.TrimSpace(s[:idx])
		if first == "" || strings.EqualFold(first, "sparql") || strings.EqualFold(first, "sql") {
			s = s[idx+1:]
		}
	}
	if idx := strings.LastIndex(s, "```"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}
