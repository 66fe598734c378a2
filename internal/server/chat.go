package server

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/dimfeld/chronicle-proxy/internal/proxy"
	"github.com/dimfeld/chronicle-proxy/internal/proxyerr"
	"github.com/dimfeld/chronicle-proxy/internal/routing"
	"github.com/dimfeld/chronicle-proxy/internal/schema"
	"github.com/dimfeld/chronicle-proxy/internal/streaming"
)

var errStreamingUnsupported = proxyerr.New(proxyerr.TransformingResponse, "streaming not supported by this response writer")

// ChatHandler serves /chat, /chat/*, and /v1/chat/* (spec §6), grounded on
// api/handlers/chat.go's HandleCompletion/HandleStream split, collapsed into
// one handler since schema.ChatRequest.Stream already carries the branch.
type ChatHandler struct {
	Proxy *proxy.Proxy
	Log   *zap.Logger
}

// chatRequestBody is ChatRequest plus ProxyRequestOptions flattened into the
// same JSON object (spec §6: "ChatRequest + ProxyRequestOptions
// (flattened)"), grounded on api/src/proxy.rs's ProxyRequestPayload.
type chatRequestBody struct {
	schema.ChatRequest
	Models       []routing.ModelChoice `json:"models,omitempty"`
	Provider     string                `json:"provider,omitempty"`
	ApiKey       string                `json:"api_key,omitempty"`
	RandomChoice bool                  `json:"random_choice,omitempty"`
	TimeoutMs    *int64                `json:"timeout_ms,omitempty"`
	Metadata     metadataPayload       `json:"metadata,omitempty"`
}

func (h *ChatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body chatRequestBody
	if err := decodeJSONBody(w, r, &body); err != nil {
		WriteError(w, proxyerr.New(proxyerr.BadInput, "invalid request body").WithCause(err), h.Log)
		return
	}

	meta, internal := body.Metadata.split()
	meta, internal = mergeHeaders(r.Header, meta, internal)

	opts := proxy.RequestOptions{
		Models:           body.Models,
		Provider:         body.Provider,
		ApiKey:           body.ApiKey,
		RandomChoice:     body.RandomChoice,
		Metadata:         meta,
		InternalMetadata: internal,
	}
	if body.TimeoutMs != nil {
		opts.Timeout = time.Duration(*body.TimeoutMs) * time.Millisecond
	}

	ch := make(chan schema.StreamingResponse, 16)
	done := make(chan error, 1)
	go func() {
		err := h.Proxy.SendStream(r.Context(), opts, body.ChatRequest, ch)
		close(ch)
		done <- err
	}()

	if body.Stream {
		h.serveSSE(w, ch, done)
		return
	}

	collected := streaming.CollectResponse(ch, body.NumChoices())
	err := <-done
	if err != nil {
		WriteError(w, err, h.Log)
		return
	}

	reqInfo := schema.RequestInfo{}
	if collected.RequestInfo != nil {
		reqInfo = *collected.RequestInfo
	}
	WriteJSON(w, http.StatusOK, nonstreamingResult{ChatResponse: collected.Response, Meta: reqInfo})
}

// nonstreamingResult embeds the response so its fields sit alongside "meta"
// at the top level of the JSON object, matching spec §6's
// "{response, meta: RequestInfo}" (the original flattens `response` the
// same way via serde's `#[serde(flatten)]`).
type nonstreamingResult struct {
	schema.ChatResponse
	Meta schema.RequestInfo `json:"meta"`
}

// deltaWithMeta attaches RequestInfo to the first streamed chunk, the way
// api/src/proxy.rs's DeltaWithRequestInfo does.
type deltaWithMeta struct {
	*schema.ChatResponseChunk
	Meta *schema.RequestInfo `json:"meta,omitempty"`
}

type sseError struct {
	Message string `json:"message"`
}

func (h *ChatHandler) serveSSE(w http.ResponseWriter, ch <-chan schema.StreamingResponse, done <-chan error) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, errStreamingUnsupported, h.Log)
		return
	}

	var pendingMeta *schema.RequestInfo
	for msg := range ch {
		switch msg.Kind {
		case schema.KindRequestInfo:
			pendingMeta = &schema.RequestInfo{Model: msg.RequestInfo.Model, Provider: msg.RequestInfo.Provider}
		case schema.KindChunk:
			writeSSEData(w, deltaWithMeta{ChatResponseChunk: msg.Chunk, Meta: pendingMeta})
			pendingMeta = nil
			flusher.Flush()
		case schema.KindSingle:
			chunk := singleToChunk(*msg.Single)
			writeSSEData(w, deltaWithMeta{ChatResponseChunk: &chunk, Meta: pendingMeta})
			pendingMeta = nil
			flusher.Flush()
		case schema.KindResponseInfo:
			// Not emitted over the wire (spec §6); logged only.
		}
	}

	if err := <-done; err != nil {
		payload, _ := json.Marshal(sseError{Message: err.Error()})
		w.Write([]byte("event: error\ndata: "))
		w.Write(payload)
		w.Write([]byte("\n\n"))
		flusher.Flush()
		return
	}

	w.Write([]byte("data: [DONE]\n\n"))
	flusher.Flush()
}

func writeSSEData(w http.ResponseWriter, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	w.Write([]byte("data: "))
	w.Write(payload)
	w.Write([]byte("\n\n"))
}

func singleToChunk(resp schema.ChatResponse) schema.ChatResponseChunk {
	choices := make([]schema.StreamChoice, len(resp.Choices))
	for i, c := range resp.Choices {
		fr := c.FinishReason
		choices[i] = schema.StreamChoice{
			Index:        c.Index,
			Delta:        schema.Delta{Role: c.Message.Role, Content: c.Message.Content, ToolCalls: c.Message.ToolCalls},
			FinishReason: &fr,
		}
	}
	return schema.ChatResponseChunk{
		ID:      resp.ID,
		Created: resp.Created,
		Model:   resp.Model,
		Choices: choices,
		Usage:   &resp.Usage,
	}
}
