package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, reply string, seen *map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		if seen != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(seen))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"model":  "gpt-3.5-turbo",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": reply},
			}},
		})
	}))
}

func TestComplete(t *testing.T) {
	var body map[string]any
	srv := newTestServer(t, "- drink water", &body)
	defer srv.Close()

	c, err := NewClient(Options{BaseURL: srv.URL + "/v1/", Temperature: 0.5})
	require.NoError(t, err)
	assert.Equal(t, DefaultModel, c.Model())

	out, err := c.Complete(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "- drink water", out)

	assert.Equal(t, "gpt-3.5-turbo", body["model"])
	assert.InDelta(t, 0.5, body["temperature"], 1e-6)
	msgs, ok := body["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].(map[string]any)["content"])
}

func TestCompleteSendsZeroTemperature(t *testing.T) {
	var body map[string]any
	srv := newTestServer(t, "- rest", &body)
	defer srv.Close()

	c, err := NewClient(Options{BaseURL: srv.URL + "/v1", Temperature: 0})
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), "hello")
	require.NoError(t, err)

	temp, ok := body["temperature"]
	require.True(t, ok, "temperature must be sent")
	assert.InDelta(t, 0, temp, 1e-6)
}

func TestCompleteServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
	}))
	defer srv.Close()

	c, err := NewClient(Options{BaseURL: srv.URL + "/v1"})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), "hello")
	assert.Error(t, err)
}

func TestNewClientRequiresKeyOrURL(t *testing.T) {
	_, err := NewClient(Options{})
	assert.Error(t, err)

	c, err := NewClient(Options{APIKey: "sk-test", Model: "custom"})
	require.NoError(t, err)
	assert.Equal(t, "custom", c.Model())
}
