package generator

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sparql-agent/backend/internal/llm"
	"github.com/sparql-agent/backend/internal/retriever"
)

type stubBackend struct {
	content string
	err     error

	lastReq llm.CompletionRequest
}

func (s *stubBackend) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	s.lastReq = req
	if s.err != nil {
		return nil, s.err
	}
	return &llm.CompletionResponse{Content: s.content}, nil
}

func TestGenerateStripsFences(t *testing.T) {
	backend := &stubBackend{content: "```sparql\nSELECT ?s WHERE { ?s ?p ?o }\n```"}
	g := New(backend, Config{})

	query, err := g.Generate(context.Background(), "list everything", nil, false)
	require.NoError(t, err)
	assert.Equal(t, "SELECT ?s WHERE { ?s ?p ?o }", query)
}

func TestGenerateEmptyOutput(t *testing.T) {
	backend := &stubBackend{content: "```\n```"}
	g := New(backend, Config{})

	_, err := g.Generate(context.Background(), "list everything", nil, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, llm.ErrEmptyCompletion)
}

func TestGenerateBackendError(t *testing.T) {
	backend := &stubBackend{err: errors.New("connection refused")}
	g := New(backend, Config{})

	_, err := g.Generate(context.Background(), "list everything", nil, false)
	assert.Error(t, err)
}

func TestPromptIncludesExemplars(t *testing.T) {
	backend := &stubBackend{content: "ASK { ?s ?p ?o }"}
	g := New(backend, Config{})

	exemplars := []retriever.Candidate{
		{SourceQuestion: "what is a cnt", SourceQuery: "SELECT ?d WHERE { :CNT :definition ?d }", Score: 0.9},
		{SourceQuestion: "how many tokens exist", SourceQuery: "SELECT (COUNT(?t) AS ?n) WHERE { ?t a :Token }", Score: 0.4},
	}

	_, err := g.Generate(context.Background(), "is ada a cnt", exemplars, false)
	require.NoError(t, err)

	prompt := backend.lastReq.UserPrompt
	assert.Contains(t, prompt, "what is a cnt")
	assert.Contains(t, prompt, "how many tokens exist")
	assert.True(t, strings.HasSuffix(prompt, "Question: is ada a cnt\nSPARQL:"))

	// Best match renders last, next to the question.
	assert.Greater(t,
		strings.Index(prompt, "what is a cnt"),
		strings.Index(prompt, "how many tokens exist"),
	)
}

func TestPromptOmitsOntologyWhenDisabled(t *testing.T) {
	backend := &stubBackend{content: "SELECT ?s WHERE { ?s ?p ?o }"}
	g := New(backend, Config{})
	g.ontology = ":Token a owl:Class ."

	_, err := g.Generate(context.Background(), "list tokens", nil, false)
	require.NoError(t, err)
	assert.NotContains(t, backend.lastReq.UserPrompt, "owl:Class")

	_, err = g.Generate(context.Background(), "list tokens", nil, true)
	require.NoError(t, err)
	assert.Contains(t, backend.lastReq.UserPrompt, "owl:Class")
}

func TestStripFences(t *testing.T) {
	cases := map[string]string{
		"SELECT ?s WHERE { ?s ?p ?o }":                  "SELECT ?s WHERE { ?s ?p ?o }",
		"```\nASK { ?s ?p ?o }\n```":                    "ASK { ?s ?p ?o }",
		"```sparql\nASK { ?s ?p ?o }\n```":              "ASK { ?s ?p ?o }",
		"  ```SPARQL\nSELECT ?s WHERE { ?s ?p ?o }\n```": "SELECT ?s WHERE { ?s ?p ?o }",
	}
	for input, want := range cases {
		assert.Equal(t, want, StripFences(input))
	}
}
