package llm

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func streamServer(t *testing.T, deltas ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")

		var sb strings.Builder
		for _, d := range deltas {
			sb.WriteString(`data: {"id":"1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"content":"` + d + `"}}]}` + "\n\n")
		}
		sb.WriteString("data: [DONE]\n\n")
		w.Write([]byte(sb.String()))
	}))
}

func clientAgainst(srv *httptest.Server) *Client {
	return NewClient(Config{
		BaseURL: srv.URL + "/v1",
		APIKey:  "test",
		Model:   "m",
	})
}

func TestStreamDeliversDeltas(t *testing.T) {
	srv := streamServer(t, "A CNT ", "is a token.")
	defer srv.Close()

	var got strings.Builder
	err := clientAgainst(srv).Stream(context.Background(), CompletionRequest{UserPrompt: "q"}, func(delta string) error {
		got.WriteString(delta)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "A CNT is a token.", got.String())
}

func TestStreamEmitAbortsDoNotOpenCircuit(t *testing.T) {
	srv := streamServer(t, "hello")
	defer srv.Close()

	c := clientAgainst(srv)
	abort := errors.New("listener went away")

	// A run of caller-side aborts must not trip the breaker.
	for i := 0; i < 6; i++ {
		err := c.Stream(context.Background(), CompletionRequest{UserPrompt: "q"}, func(string) error {
			return abort
		})
		require.ErrorIs(t, err, abort)
	}

	var got strings.Builder
	err := c.Stream(context.Background(), CompletionRequest{UserPrompt: "q"}, func(delta string) error {
		got.WriteString(delta)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", got.String())
}

func TestTemperatureClamp(t *testing.T) {
	assert.Equal(t, float32(1e-5), temperature(0))
	assert.Equal(t, float32(1e-5), temperature(-1))
	assert.Equal(t, float32(0.7), temperature(0.7))
}
