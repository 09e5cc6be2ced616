package virtuoso

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clientFor(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return NewClient(Config{Host: u.Hostname(), Port: port, Timeout: 2 * time.Second})
}

func TestExecuteSelect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/sparql-results+json", r.Header.Get("Accept"))
		require.NoError(t, r.ParseForm())
		assert.NotEmpty(t, r.Form.Get("query"))

		w.Header().Set("Content-Type", "application/sparql-results+json")
		w.Write([]byte(`{
			"head": {"vars": ["definition"]},
			"results": {"bindings": [
				{"definition": {"type": "literal", "value": "A CNT is a Cardano Native Token."}}
			]}
		}`))
	}))
	defer srv.Close()

	result, err := clientFor(t, srv).Execute(context.Background(), "SELECT ?definition WHERE { :CNT :definition ?definition }", ShapeSelect)
	require.NoError(t, err)
	assert.Equal(t, []string{"definition"}, result.Vars)
	assert.Equal(t, 1, result.RowCount)
	assert.False(t, result.Empty())
	assert.Equal(t, "A CNT is a Cardano Native Token.", result.Bindings[0]["definition"].Value)
}

func TestExecuteEmptyIsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"head": {"vars": ["s"]}, "results": {"bindings": []}}`))
	}))
	defer srv.Close()

	result, err := clientFor(t, srv).Execute(context.Background(), "SELECT ?s WHERE { ?s ?p ?o }", ShapeSelect)
	require.NoError(t, err)
	assert.True(t, result.Empty())
	assert.Zero(t, result.RowCount)
}

func TestExecuteAsk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"head": {}, "boolean": true}`))
	}))
	defer srv.Close()

	result, err := clientFor(t, srv).Execute(context.Background(), "ASK { ?s ?p ?o }", ShapeAsk)
	require.NoError(t, err)
	require.NotNil(t, result.Boolean)
	assert.True(t, *result.Boolean)
	assert.False(t, result.Empty())
}

func TestExecuteMalformedQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Virtuoso 37000 Error SP030: syntax error at line 1", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := clientFor(t, srv).Execute(context.Background(), "SELEKT ?s", ShapeSelect)
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, KindMalformed, execErr.Kind)
	assert.NotContains(t, execErr.Message, "37000", "engine detail stays in logs")
}

func TestExecuteAskWithoutBooleanIsMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"head": {}, "results": {"bindings": []}}`))
	}))
	defer srv.Close()

	_, err := clientFor(t, srv).Execute(context.Background(), "ASK { ?s ?p ?o }", ShapeAsk)
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, KindMalformed, execErr.Kind)
}

func TestExecuteUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	_, err := clientFor(t, srv).Execute(context.Background(), "SELECT ?s WHERE { ?s ?p ?o }", ShapeSelect)
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, KindUnreachable, execErr.Kind)
}

func TestExecuteTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body first so the server notices the client going away.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := clientFor(t, srv).Execute(ctx, "SELECT ?s WHERE { ?s ?p ?o }", ShapeSelect)
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, KindTimeout, execErr.Kind)
}

func TestRejectedQueriesDoNotOpenCircuit(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls <= 6 {
			http.Error(w, "Virtuoso 37000 Error SP030: syntax error at line 1", http.StatusBadRequest)
			return
		}
		w.Write([]byte(`{"head": {"vars": ["s"]}, "results": {"bindings": []}}`))
	}))
	defer srv.Close()

	c := clientFor(t, srv)
	for i := 0; i < 6; i++ {
		_, err := c.Execute(context.Background(), "SELEKT ?s", ShapeSelect)
		var execErr *ExecutionError
		require.ErrorAs(t, err, &execErr)
		require.Equal(t, KindMalformed, execErr.Kind)
	}

	// A run of bad queries says nothing about engine health: the next
	// valid query must still reach the engine.
	result, err := c.Execute(context.Background(), "SELECT ?s WHERE { ?s ?p ?o }", ShapeSelect)
	require.NoError(t, err)
	assert.True(t, result.Empty())
}

func TestClassifyTransportError(t *testing.T) {
	assert.Equal(t, KindTimeout, classifyTransportError(context.DeadlineExceeded).Kind)
	assert.Equal(t, KindUnreachable, classifyTransportError(errors.New("connection refused")).Kind)
}

func TestShapeFromString(t *testing.T) {
	for input, want := range map[string]Shape{
		"SELECT":    ShapeSelect,
		"select":    ShapeSelect,
		"CONSTRUCT": ShapeSelect,
		"DESCRIBE":  ShapeSelect,
		"":          ShapeSelect,
		"ASK":       ShapeAsk,
		" ask ":     ShapeAsk,
	} {
		got, err := ShapeFromString(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}

	_, err := ShapeFromString("DROP")
	assert.Error(t, err)
}

func TestShapeOf(t *testing.T) {
	assert.Equal(t, ShapeSelect, ShapeOf("SELECT ?s WHERE { ?s ?p ?o }"))
	assert.Equal(t, ShapeAsk, ShapeOf("ASK { ?s ?p ?o }"))
	assert.Equal(t, ShapeAsk, ShapeOf("PREFIX : <urn:x#>\nASK { :a :b :c }"))
	assert.Equal(t, ShapeSelect, ShapeOf("# count them\nPREFIX : <urn:x#>\nSELECT (COUNT(?t) AS ?n) WHERE { ?t a :Token }"))
	assert.Equal(t, ShapeSelect, ShapeOf(""))
}
