package bedrock

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dimfeld/chronicle-proxy/internal/providers"
	"github.com/dimfeld/chronicle-proxy/internal/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsDefaultForModel(t *testing.T) {
	p := New(Config{Credentials: Credentials{Region: "us-east-1"}}, nil, nil)
	assert.True(t, p.IsDefaultForModel("anthropic.claude-3-sonnet"))
	assert.False(t, p.IsDefaultForModel("gpt-4"))
}

func TestSendRequest_NonStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NotEmpty(t, r.Header.Get("Authorization"))
		var req wireRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Messages, 1)

		json.NewEncoder(w).Encode(wireResponse{
			Output: struct {
				Message wireMessage `json:"message"`
			}{Message: wireMessage{Role: "assistant", Content: []wireContentBlock{{Text: "hi"}}}},
			StopReason: "end_turn",
			Usage:      wireUsage{InputTokens: 4, OutputTokens: 2, TotalTokens: 6},
		})
	}))
	defer srv.Close()

	p := New(Config{Credentials: Credentials{AccessKeyID: "a", SecretAccessKey: "b", Region: "us-east-1"}, Endpoint: srv.URL}, srv.Client(), nil)

	tx := make(chan schema.StreamingResponse, 8)
	req := schema.ChatRequest{Model: "anthropic.claude-3-sonnet", Messages: []schema.Message{{Role: schema.RoleUser, Content: "hello"}}}
	err := p.SendRequest(context.Background(), providers.SendOptions{}, req, tx)
	close(tx)
	require.NoError(t, err)

	var msgs []schema.StreamingResponse
	for m := range tx {
		msgs = append(msgs, m)
	}
	require.Len(t, msgs, 3)
	assert.Equal(t, schema.KindRequestInfo, msgs[0].Kind)
	assert.Equal(t, schema.KindSingle, msgs[1].Kind)
	assert.Equal(t, "hi", msgs[1].Single.Choices[0].Message.Content)
	assert.Equal(t, 6, msgs[1].Single.Usage.TotalTokens)
	assert.Equal(t, schema.KindResponseInfo, msgs[2].Kind)
}

// encodeFrame builds one AWS event-stream binary frame carrying a single
// ":event-type" string header and the given JSON payload.
func encodeFrame(t *testing.T, eventType string, payload []byte) []byte {
	t.Helper()
	var headers bytes.Buffer
	name := ":event-type"
	headers.WriteByte(byte(len(name)))
	headers.WriteString(name)
	headers.WriteByte(7) // string type
	binary.Write(&headers, binary.BigEndian, uint16(len(eventType)))
	headers.WriteString(eventType)

	headerLen := uint32(headers.Len())
	body := append(headers.Bytes(), payload...)
	totalLen := uint32(8 + 4 + len(body) + 4)

	var prelude bytes.Buffer
	binary.Write(&prelude, binary.BigEndian, totalLen)
	binary.Write(&prelude, binary.BigEndian, headerLen)
	preludeCRC := crc32.ChecksumIEEE(prelude.Bytes())

	var frame bytes.Buffer
	frame.Write(prelude.Bytes())
	binary.Write(&frame, binary.BigEndian, preludeCRC)
	frame.Write(body)

	msgCRC := crc32.ChecksumIEEE(frame.Bytes())
	binary.Write(&frame, binary.BigEndian, msgCRC)

	return frame.Bytes()
}

func TestSendRequest_Streaming_EventStreamFraming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		delta1, _ := json.Marshal(map[string]any{"contentBlockIndex": 0, "delta": map[string]string{"text": "Hi "}})
		delta2, _ := json.Marshal(map[string]any{"contentBlockIndex": 0, "delta": map[string]string{"text": "there"}})
		stop, _ := json.Marshal(map[string]any{"stopReason": "end_turn"})
		meta, _ := json.Marshal(map[string]any{"usage": map[string]int{"inputTokens": 3, "outputTokens": 2, "totalTokens": 5}})

		w.Write(encodeFrame(t, "contentBlockDelta", delta1))
		w.Write(encodeFrame(t, "contentBlockDelta", delta2))
		w.Write(encodeFrame(t, "messageStop", stop))
		w.Write(encodeFrame(t, "metadata", meta))
	}))
	defer srv.Close()

	p := New(Config{Credentials: Credentials{AccessKeyID: "a", SecretAccessKey: "b", Region: "us-east-1"}, Endpoint: srv.URL}, srv.Client(), nil)

	tx := make(chan schema.StreamingResponse, 16)
	req := schema.ChatRequest{Model: "anthropic.claude-3-sonnet", Stream: true, Messages: []schema.Message{{Role: schema.RoleUser, Content: "hi"}}}
	err := p.SendRequest(context.Background(), providers.SendOptions{}, req, tx)
	close(tx)
	require.NoError(t, err)

	var chunks []schema.StreamingResponse
	for m := range tx {
		chunks = append(chunks, m)
	}
	require.Len(t, chunks, 6)
	assert.Equal(t, schema.KindRequestInfo, chunks[0].Kind)
	assert.Equal(t, schema.KindResponseInfo, chunks[5].Kind)

	collector := schema.NewCollector(1)
	for _, c := range chunks[1:5] {
		collector.MergeDelta(*c.Chunk)
	}
	full := collector.Response("bedrock")
	assert.Equal(t, "Hi there", full.Choices[0].Message.Content)
	assert.Equal(t, "end_turn", full.Choices[0].FinishReason)
	assert.Equal(t, 5, full.Usage.TotalTokens)
}
