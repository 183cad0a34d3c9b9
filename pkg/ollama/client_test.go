package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComplete(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model":   "llama3",
			"message": map[string]any{"role": "assistant", "content": "```\n- rest well\n```"},
			"done":    true,
		})
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL+"/api/chat", "llama3", 0.5)
	require.NoError(t, err)
	assert.Equal(t, "llama3", c.Model())

	out, err := c.Complete(context.Background(), "vitals")
	require.NoError(t, err)
	assert.Equal(t, "- rest well", out)

	assert.Equal(t, "llama3", got["model"])
	assert.Equal(t, false, got["stream"])
}

func TestNewClientErrors(t *testing.T) {
	_, err := NewClient("http://localhost:11434", "", 0)
	assert.Error(t, err)

	_, err = NewClient("not a url", "llama3", 0)
	assert.Error(t, err)
}

func TestStripFences(t *testing.T) {
	tests := map[string]string{
		"plain":                      "plain",
		"  padded  ":                 "padded",
		"```markdown\n- a\n- b\n```": "- a\n- b",
		"```- a```":                  "- a",
	}
	for in, want := range tests {
		assert.Equal(t, want, stripFences(in), in)
	}
}
