package synthesizer

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sparql-agent/backend/internal/llm"
	"github.com/sparql-agent/backend/internal/triplestore/virtuoso"
)

type stubStream struct {
	fragments []string
	err       error

	lastReq llm.CompletionRequest
}

func (s *stubStream) Stream(ctx context.Context, req llm.CompletionRequest, emit func(string) error) error {
	s.lastReq = req
	if s.err != nil {
		return s.err
	}
	for _, f := range s.fragments {
		if err := emit(f); err != nil {
			return err
		}
	}
	return nil
}

func selectResult() *virtuoso.Result {
	return &virtuoso.Result{
		Vars: []string{"definition"},
		Bindings: []virtuoso.Binding{
			{"definition": virtuoso.Value{Type: "literal", Value: "A CNT is a Cardano Native Token."}},
		},
		RowCount: 1,
	}
}

func TestSynthesizeStreamsFragments(t *testing.T) {
	backend := &stubStream{fragments: []string{"A CNT is ", "a Cardano Native Token."}}
	s := New(backend, Config{})

	var got []string
	err := s.Synthesize(context.Background(), "What is a CNT?", "SELECT ?definition WHERE { :CNT :definition ?definition }", selectResult(), func(frag string) error {
		got = append(got, frag)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "A CNT is a Cardano Native Token.", strings.Join(got, ""))
}

func TestSynthesizePromptContainsResults(t *testing.T) {
	backend := &stubStream{fragments: []string{"ok"}}
	s := New(backend, Config{})

	err := s.Synthesize(context.Background(), "What is a CNT?", "SELECT ?definition WHERE { :CNT :definition ?definition }", selectResult(), func(string) error { return nil })
	require.NoError(t, err)

	prompt := backend.lastReq.UserPrompt
	assert.Contains(t, prompt, "What is a CNT?")
	assert.Contains(t, prompt, "A CNT is a Cardano Native Token.")
}

func TestSynthesizeBackendError(t *testing.T) {
	backend := &stubStream{err: errors.New("stream reset")}
	s := New(backend, Config{})

	err := s.Synthesize(context.Background(), "q", "ASK { ?s ?p ?o }", nil, func(string) error { return nil })
	assert.Error(t, err)
}

func TestFormatResult(t *testing.T) {
	yes := true
	assert.Equal(t, "yes", formatResult(&virtuoso.Result{Boolean: &yes}))

	no := false
	assert.Equal(t, "no", formatResult(&virtuoso.Result{Boolean: &no}))

	assert.Equal(t, "(no results)", formatResult(nil))
	assert.Equal(t, "(no results)", formatResult(&virtuoso.Result{Vars: []string{"x"}}))

	assert.Equal(t, "definition=A CNT is a Cardano Native Token.", formatResult(selectResult()))
}

func TestFormatResultTruncatesLargeSets(t *testing.T) {
	result := &virtuoso.Result{Vars: []string{"n"}}
	for i := 0; i < maxInlineRows+7; i++ {
		result.Bindings = append(result.Bindings, virtuoso.Binding{
			"n": virtuoso.Value{Type: "literal", Value: "row"},
		})
	}
	result.RowCount = len(result.Bindings)

	out := formatResult(result)
	assert.Contains(t, out, "(7 more rows omitted)")
	assert.Equal(t, maxInlineRows+1, len(strings.Split(out, "\n")))
}

func TestApologizeEmitsFragments(t *testing.T) {
	s := New(&stubStream{}, Config{})

	var got []string
	err := s.Apologize(context.Background(), func(frag string) error {
		got = append(got, frag)
		return nil
	})
	require.NoError(t, err)
	assert.Contains(t, strings.Join(got, ""), "sorry")
}

func TestApologizeHonorsCancellation(t *testing.T) {
	s := New(&stubStream{}, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Apologize(ctx, func(string) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
