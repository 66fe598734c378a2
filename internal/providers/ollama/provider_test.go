package ollama

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dimfeld/chronicle-proxy/internal/providers"
	"github.com/dimfeld/chronicle-proxy/internal/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendRequest_NonStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"model":"llama3","message":{"role":"assistant","content":"hello there"},"done":true,"done_reason":"stop","prompt_eval_count":5,"eval_count":2}` + "\n"))
	}))
	defer srv.Close()

	p := New(Config{BaseURL: srv.URL}, srv.Client(), nil)
	tx := make(chan schema.StreamingResponse, 8)
	err := p.SendRequest(context.Background(), providers.SendOptions{Model: "llama3"},
		schema.ChatRequest{Model: "llama3", Messages: []schema.Message{{Role: schema.RoleUser, Content: "hi"}}}, tx)
	close(tx)
	require.NoError(t, err)

	var msgs []schema.StreamingResponse
	for m := range tx {
		msgs = append(msgs, m)
	}
	require.Len(t, msgs, 3)
	assert.Equal(t, schema.KindRequestInfo, msgs[0].Kind)
	assert.Equal(t, schema.KindSingle, msgs[1].Kind)
	assert.Equal(t, "hello there", msgs[1].Single.Choices[0].Message.Content)
	assert.Equal(t, schema.KindResponseInfo, msgs[2].Kind)
	assert.Equal(t, "stop", msgs[2].ResponseInfo.Meta["done_reason"])
}

func TestSendRequest_Streaming_NDJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lines := []string{
			`{"model":"llama3","message":{"role":"assistant","content":"Hel"},"done":false}`,
			`{"model":"llama3","message":{"role":"assistant","content":"lo"},"done":false}`,
			`{"model":"llama3","message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","prompt_eval_count":3,"eval_count":2}`,
		}
		for _, l := range lines {
			w.Write([]byte(l + "\n"))
		}
	}))
	defer srv.Close()

	p := New(Config{BaseURL: srv.URL}, srv.Client(), nil)
	tx := make(chan schema.StreamingResponse, 16)
	err := p.SendRequest(context.Background(), providers.SendOptions{Model: "llama3"},
		schema.ChatRequest{Model: "llama3", Stream: true, Messages: []schema.Message{{Role: schema.RoleUser, Content: "hi"}}}, tx)
	close(tx)
	require.NoError(t, err)

	var chunks []schema.StreamingResponse
	for m := range tx {
		chunks = append(chunks, m)
	}
	require.Len(t, chunks, 5)
	assert.Equal(t, schema.KindRequestInfo, chunks[0].Kind)
	assert.Equal(t, schema.KindChunk, chunks[1].Kind)
	assert.Equal(t, schema.KindChunk, chunks[2].Kind)
	assert.Equal(t, schema.KindChunk, chunks[3].Kind)
	assert.Equal(t, schema.KindResponseInfo, chunks[4].Kind)

	collector := schema.NewCollector(1)
	collector.MergeDelta(*chunks[1].Chunk)
	collector.MergeDelta(*chunks[2].Chunk)
	collector.MergeDelta(*chunks[3].Chunk)
	assert.Equal(t, "Hello", collector.Response("ollama").Choices[0].Message.Content)
}
