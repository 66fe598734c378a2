package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dimfeld/chronicle-proxy/internal/providers"
	"github.com/dimfeld/chronicle-proxy/internal/proxy"
	"github.com/dimfeld/chronicle-proxy/internal/registry"
	"github.com/dimfeld/chronicle-proxy/internal/retry"
	"github.com/dimfeld/chronicle-proxy/internal/schema"
)

type echoProvider struct{ name string }

func (p *echoProvider) Name() string                       { return p.name }
func (p *echoProvider) Label() string                      { return p.name }
func (p *echoProvider) IsDefaultForModel(model string) bool { return false }

func (p *echoProvider) SendRequest(ctx context.Context, opts providers.SendOptions, req schema.ChatRequest, tx chan<- schema.StreamingResponse) error {
	last := ""
	if len(req.Messages) > 0 {
		last = req.Messages[len(req.Messages)-1].Content
	}
	tx <- schema.NewRequestInfoResponse(opts.Model, p.name)
	if req.Stream {
		tx <- schema.NewChunkResponse(schema.ChatResponseChunk{
			ID:    "chunk-1",
			Model: opts.Model,
			Choices: []schema.StreamChoice{{
				Index: 0,
				Delta: schema.Delta{Role: schema.RoleAssistant, Content: "echo: " + last},
			}},
		})
	} else {
		tx <- schema.NewSingleResponse(schema.ChatResponse{
			ID:      "resp-1",
			Model:   opts.Model,
			Choices: []schema.Choice{{Message: schema.Message{Role: schema.RoleAssistant, Content: "echo: " + last}}},
		})
	}
	tx <- schema.NewResponseInfoResponse(opts.Model, nil)
	return nil
}

func newTestProxy() *proxy.Proxy {
	reg := registry.New()
	reg.SetProvider(&echoProvider{name: "echo"})
	return &proxy.Proxy{Registry: reg, DefaultRetry: retry.DefaultOptions(), DefaultTimeout: 2 * time.Second}
}

func TestChatHandler_NonStreaming(t *testing.T) {
	h := &ChatHandler{Proxy: newTestProxy()}

	body := `{"model": "any", "provider": "echo", "messages": [{"role": "user", "content": "hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(body))
	w := httptest.NewRecorder()

	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var result nonstreamingResult
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(result.Choices) != 1 || result.Choices[0].Message.Content != "echo: hi" {
		t.Fatalf("unexpected choices: %#v", result.Choices)
	}
	if result.Meta.Provider != "echo" {
		t.Fatalf("expected meta.provider=echo, got %#v", result.Meta)
	}
}

func TestChatHandler_Streaming(t *testing.T) {
	h := &ChatHandler{Proxy: newTestProxy()}

	body := `{"model": "any", "provider": "echo", "stream": true, "messages": [{"role": "user", "content": "hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(body))
	w := httptest.NewRecorder()

	h.ServeHTTP(w, req)

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected SSE content type, got %q", ct)
	}

	scanner := bufio.NewScanner(bytes.NewReader(w.Body.Bytes()))
	var dataLines []string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			dataLines = append(dataLines, strings.TrimPrefix(line, "data: "))
		}
	}
	if len(dataLines) != 2 {
		t.Fatalf("expected one chunk line plus [DONE], got %v", dataLines)
	}
	if dataLines[len(dataLines)-1] != "[DONE]" {
		t.Fatalf("expected stream to end with [DONE], got %q", dataLines[len(dataLines)-1])
	}

	var chunk deltaWithMeta
	if err := json.Unmarshal([]byte(dataLines[0]), &chunk); err != nil {
		t.Fatalf("decode chunk: %v", err)
	}
	if chunk.Meta == nil || chunk.Meta.Provider != "echo" {
		t.Fatalf("expected first chunk to carry RequestInfo meta, got %#v", chunk.Meta)
	}
	if len(chunk.Choices) != 1 || chunk.Choices[0].Delta.Content != "echo: hi" {
		t.Fatalf("unexpected chunk: %#v", chunk)
	}
}

func TestChatHandler_RoutingErrorReturnsProxyErrStatus(t *testing.T) {
	h := &ChatHandler{Proxy: newTestProxy()}

	body := `{"model": "unknown-model", "messages": [{"role": "user", "content": "hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(body))
	w := httptest.NewRecorder()

	h.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unroutable model, got %d: %s", w.Code, w.Body.String())
	}
}
