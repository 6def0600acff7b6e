package workflow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beam-cloud/playground/pkg/types"
)

func TestOpenAIClientComplete(t *testing.T) {
	var got chatRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		auth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"pong"}}]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(types.AIConfig{BaseURL: srv.URL + "/v1/", APIKey: "sk-config", DefaultModel: "base-model"})

	out, err := c.Complete(context.Background(), "ping", "", "")
	require.NoError(t, err)
	assert.Equal(t, "pong", out)
	assert.Equal(t, "Bearer sk-config", auth)
	assert.Equal(t, "base-model", got.Model)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "ping", got.Messages[0].Content)

	_, err = c.Complete(context.Background(), "ping", "other", "sk-step")
	require.NoError(t, err)
	assert.Equal(t, "Bearer sk-step", auth)
	assert.Equal(t, "other", got.Model)
}

func TestOpenAIClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"invalid api key"}}`))
	}))
	defer srv.Close()

	t.Setenv("OPENAI_API_KEY", "")
	_, err := NewOpenAIClient(types.AIConfig{BaseURL: srv.URL}).Complete(context.Background(), "x", "", "")
	assert.ErrorIs(t, err, ErrMissingAPIKey)

	_, err = NewOpenAIClient(types.AIConfig{BaseURL: srv.URL, APIKey: "bad"}).Complete(context.Background(), "x", "", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid api key")
}
