package openaicompat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dimfeld/chronicle-proxy/internal/providers"
	"github.com/dimfeld/chronicle-proxy/internal/proxyerr"
	"github.com/dimfeld/chronicle-proxy/internal/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Defaults(t *testing.T) {
	p := New(Config{ProviderName: "test"}, nil, nil)
	assert.Equal(t, "/v1/chat/completions", p.cfg.EndpointPath)
	assert.Equal(t, "test", p.Name())
	assert.NotNil(t, p.client)
	assert.NotNil(t, p.logger)
}

func TestIsDefaultForModel_Prefix(t *testing.T) {
	p := New(Config{ProviderName: "groq", ModelPrefix: "groq/"}, nil, nil)
	assert.True(t, p.IsDefaultForModel("groq/llama-3"))
	assert.False(t, p.IsDefaultForModel("gpt-4"))
}

func TestSendRequest_NonStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var body wireRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-4", body.Model)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(wireResponse{
			ID: "resp-1", Model: "gpt-4",
			Choices: []wireChoice{{
				Index: 0, FinishReason: "stop",
				Message: &wireMessage{Role: "assistant", Content: "hi there"},
			}},
			Usage: &wireUsage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
		})
	}))
	defer srv.Close()

	p := New(Config{ProviderName: "openai", BaseURL: srv.URL}, srv.Client(), nil)

	tx := make(chan schema.StreamingResponse, 8)
	err := p.SendRequest(context.Background(), providers.SendOptions{Model: "gpt-4", ApiKey: "secret"},
		schema.ChatRequest{Model: "gpt-4", Messages: []schema.Message{{Role: schema.RoleUser, Content: "hello"}}}, tx)
	close(tx)
	require.NoError(t, err)

	var msgs []schema.StreamingResponse
	for m := range tx {
		msgs = append(msgs, m)
	}
	require.Len(t, msgs, 3)
	assert.Equal(t, schema.KindRequestInfo, msgs[0].Kind)
	assert.Equal(t, "gpt-4", msgs[0].RequestInfo.Model)
	assert.Equal(t, "openai", msgs[0].RequestInfo.Provider)
	assert.Equal(t, schema.KindSingle, msgs[1].Kind)
	assert.Equal(t, "hi there", msgs[1].Single.Choices[0].Message.Content)
}

func TestSendRequest_Streaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{
			`{"id":"c1","model":"gpt-4","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"}}]}`,
			`{"id":"c1","model":"gpt-4","choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":"stop"}]}`,
		}
		for _, c := range chunks {
			w.Write([]byte("data: " + c + "\n\n"))
		}
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	p := New(Config{ProviderName: "openai", BaseURL: srv.URL}, srv.Client(), nil)

	tx := make(chan schema.StreamingResponse, 8)
	err := p.SendRequest(context.Background(), providers.SendOptions{Model: "gpt-4", ApiKey: "secret"},
		schema.ChatRequest{Model: "gpt-4", Stream: true, Messages: []schema.Message{{Role: schema.RoleUser, Content: "hi"}}}, tx)
	close(tx)
	require.NoError(t, err)

	var msgs []schema.StreamingResponse
	for m := range tx {
		msgs = append(msgs, m)
	}
	require.Len(t, msgs, 4)
	assert.Equal(t, schema.KindRequestInfo, msgs[0].Kind)
	assert.Equal(t, schema.KindChunk, msgs[1].Kind)
	assert.Equal(t, schema.KindChunk, msgs[2].Kind)
	assert.Equal(t, schema.KindResponseInfo, msgs[3].Kind)

	collector := schema.NewCollector(1)
	collector.MergeDelta(*msgs[1].Chunk)
	collector.MergeDelta(*msgs[2].Chunk)
	assert.Equal(t, "Hello", collector.Response("openai").Choices[0].Message.Content)
}

func TestSendRequest_RateLimitError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit"}}`))
	}))
	defer srv.Close()

	p := New(Config{ProviderName: "openai", BaseURL: srv.URL}, srv.Client(), nil)

	tx := make(chan schema.StreamingResponse, 4)
	err := p.SendRequest(context.Background(), providers.SendOptions{Model: "gpt-4", ApiKey: "secret"},
		schema.ChatRequest{Model: "gpt-4", Messages: []schema.Message{{Role: schema.RoleUser, Content: "hi"}}}, tx)
	close(tx)

	pe, ok := proxyerr.As(err)
	require.True(t, ok)
	assert.Equal(t, proxyerr.RateLimit, pe.Kind)
	require.NotNil(t, pe.RetryAfter)
	assert.Equal(t, 2e9, float64(*pe.RetryAfter))
}

func TestSendRequest_AuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"invalid key"}}`))
	}))
	defer srv.Close()

	p := New(Config{ProviderName: "openai", BaseURL: srv.URL}, srv.Client(), nil)

	tx := make(chan schema.StreamingResponse, 4)
	err := p.SendRequest(context.Background(), providers.SendOptions{Model: "gpt-4", ApiKey: "bad"},
		schema.ChatRequest{Model: "gpt-4", Messages: []schema.Message{{Role: schema.RoleUser, Content: "hi"}}}, tx)
	close(tx)

	pe, ok := proxyerr.As(err)
	require.True(t, ok)
	assert.Equal(t, proxyerr.AuthRejected, pe.Kind)
}
