// Package anthropic implements the Anthropic Claude adapter (spec §4.C).
// Claude's wire format differs from OpenAI's in several ways this adapter
// bridges: auth via x-api-key instead of Bearer, system prompt passed as a
// top-level field, content as typed blocks instead of a plain string, and a
// named-event SSE stream (message_start/content_block_delta/message_stop)
// instead of one json-blob-per-line. Grounded on
// providers/anthropic/provider.go (package claude).
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dimfeld/chronicle-proxy/internal/providers"
	"github.com/dimfeld/chronicle-proxy/internal/proxyerr"
	"github.com/dimfeld/chronicle-proxy/internal/schema"
)

const defaultMaxTokens = 4096
const apiVersion = "2023-06-01"

type Config struct {
	ApiKey       string
	BaseURL      string
	DefaultModel string
	ModelPrefix  string
	Timeout      time.Duration
}

type Provider struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

func New(cfg Config, client *http.Client, logger *zap.Logger) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.anthropic.com"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second // Claude responses can run long
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{cfg: cfg, client: client, logger: logger}
}

func (p *Provider) Name() string  { return "anthropic" }
func (p *Provider) Label() string { return "Anthropic" }

func (p *Provider) IsDefaultForModel(model string) bool {
	if p.cfg.ModelPrefix != "" {
		return strings.HasPrefix(model, p.cfg.ModelPrefix)
	}
	return strings.HasPrefix(model, "claude-")
}

func (p *Provider) buildHeaders(req *http.Request, apiKey string) {
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("anthropic-version", apiVersion)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
}

func (p *Provider) endpoint() string {
	return strings.TrimRight(p.cfg.BaseURL, "/") + "/v1/messages"
}

// --- wire shapes ---

type wireMessage struct {
	Role    string        `json:"role"`
	Content []wireContent `json:"content"`
}

type wireContent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type wireTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type wireRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	System      string        `json:"system,omitempty"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature,omitempty"`
	TopP        float64       `json:"top_p,omitempty"`
	StopSeq     []string      `json:"stop_sequences,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
	Tools       []wireTool    `json:"tools,omitempty"`
}

type wireUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type wireResponse struct {
	ID         string        `json:"id"`
	Type       string        `json:"type"`
	Role       string        `json:"role"`
	Content    []wireContent `json:"content"`
	Model      string        `json:"model"`
	StopReason string        `json:"stop_reason"`
	Usage      *wireUsage    `json:"usage,omitempty"`
}

type streamEvent struct {
	Type         string        `json:"type"`
	Index        int           `json:"index"`
	Delta        *streamDelta  `json:"delta,omitempty"`
	ContentBlock *wireContent  `json:"content_block,omitempty"`
	Message      *wireResponse `json:"message,omitempty"`
	Usage        *wireUsage    `json:"usage,omitempty"`
}

type streamDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

func toWireMessages(msgs []schema.Message) (string, []wireMessage) {
	var system string
	var out []wireMessage

	for _, m := range msgs {
		if m.Role == schema.RoleSystem {
			if system == "" {
				system = m.Content
			} else {
				system += "\n" + m.Content
			}
			continue
		}

		if m.Role == schema.RoleTool {
			out = append(out, wireMessage{
				Role: "user",
				Content: []wireContent{{
					Type: "tool_result", ToolUseID: m.ToolCallID, Content: m.Content,
				}},
			})
			continue
		}

		wm := wireMessage{Role: string(m.Role)}
		if m.Content != "" {
			wm.Content = append(wm.Content, wireContent{Type: "text", Text: m.Content})
		}
		for _, tc := range m.ToolCalls {
			wm.Content = append(wm.Content, wireContent{
				Type: "tool_use", ID: tc.ID, Name: tc.Function.Name,
				Input: json.RawMessage(tc.Function.Arguments),
			})
		}
		if len(wm.Content) > 0 {
			out = append(out, wm)
		}
	}

	return system, out
}

func toWireTools(tools []schema.ToolSchema) []wireTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]wireTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, wireTool{
			Name: t.Function.Name, Description: t.Function.Description, InputSchema: t.Function.Parameters,
		})
	}
	return out
}

func chooseMaxTokens(req schema.ChatRequest) int {
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		return *req.MaxTokens
	}
	return defaultMaxTokens
}

func (p *Provider) buildRequest(opts providers.SendOptions, req schema.ChatRequest, stream bool) wireRequest {
	model := providers.ChooseModel(opts.Model, p.cfg.DefaultModel, req.Model)
	system, messages := toWireMessages(req.Messages)
	if req.System != "" {
		if system == "" {
			system = req.System
		} else {
			system = req.System + "\n" + system
		}
	}

	body := wireRequest{
		Model:     model,
		Messages:  messages,
		System:    system,
		MaxTokens: chooseMaxTokens(req),
		StopSeq:   req.Stop,
		Stream:    stream,
		Tools:     toWireTools(req.Tools),
	}
	if req.Temperature != nil {
		body.Temperature = *req.Temperature
	}
	if req.TopP != nil {
		body.TopP = *req.TopP
	}
	return body
}

func fromWireResponse(r wireResponse, provider string) schema.ChatResponse {
	msg := schema.Message{Role: schema.RoleAssistant}
	for _, c := range r.Content {
		switch c.Type {
		case "text":
			msg.Content += c.Text
		case "tool_use":
			msg.ToolCalls = append(msg.ToolCalls, schema.ToolCall{
				ID: c.ID, Type: "function",
				Function: schema.ToolCallFunc{Name: c.Name, Arguments: string(c.Input)},
			})
		}
	}

	resp := schema.ChatResponse{
		ID: r.ID, Model: r.Model,
		Choices: []schema.Choice{{Index: 0, Message: msg, FinishReason: r.StopReason}},
	}
	if r.Usage != nil {
		resp.Usage = schema.Usage{
			PromptTokens: r.Usage.InputTokens, CompletionTokens: r.Usage.OutputTokens,
			TotalTokens: r.Usage.InputTokens + r.Usage.OutputTokens,
		}
	}
	return resp
}

// SendRequest implements providers.Provider.
func (p *Provider) SendRequest(ctx context.Context, opts providers.SendOptions, req schema.ChatRequest, tx chan<- schema.StreamingResponse) error {
	body := p.buildRequest(opts, req, req.Stream)

	payload, err := json.Marshal(body)
	if err != nil {
		return proxyerr.New(proxyerr.TransformingRequest, err.Error()).WithProvider(p.Name()).WithCause(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(), bytes.NewReader(payload))
	if err != nil {
		return proxyerr.New(proxyerr.Sending, err.Error()).WithProvider(p.Name()).WithCause(err)
	}
	p.buildHeaders(httpReq, opts.ApiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return proxyerr.New(proxyerr.ProviderClosedConnection, err.Error()).WithProvider(p.Name()).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg := providers.ReadErrorMessage(resp.Body)
		return p.mapError(resp.StatusCode, msg)
	}

	tx <- schema.NewRequestInfoResponse(body.Model, p.Name())

	if !req.Stream {
		var wireResp wireResponse
		if err := json.NewDecoder(resp.Body).Decode(&wireResp); err != nil {
			return proxyerr.New(proxyerr.ParsingResponse, err.Error()).WithProvider(p.Name()).WithCause(err)
		}
		tx <- schema.NewSingleResponse(fromWireResponse(wireResp, p.Name()))
		tx <- schema.NewResponseInfoResponse(body.Model, nil)
		return nil
	}

	return p.streamEvents(resp, body, tx)
}

// streamEvents parses Claude's named-event SSE stream into
// schema.ChatResponseChunk deltas, accumulating tool-call argument
// fragments by content-block index until content_block_stop.
func (p *Provider) streamEvents(resp *http.Response, reqBody wireRequest, tx chan<- schema.StreamingResponse) error {
	currentID := ""
	currentModel := reqBody.Model
	toolCalls := map[int]*schema.ToolCall{}

	err := providers.ScanSSE(resp.Body, func(line providers.SSELine) error {
		if line.Done {
			return nil
		}

		var event streamEvent
		if err := json.Unmarshal([]byte(line.Data), &event); err != nil {
			return proxyerr.New(proxyerr.ParsingResponse, err.Error()).WithProvider(p.Name()).WithCause(err)
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				currentID = event.Message.ID
				currentModel = event.Message.Model
			}

		case "content_block_start":
			if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
				toolCalls[event.Index] = &schema.ToolCall{
					ID: event.ContentBlock.ID, Type: "function",
					Function: schema.ToolCallFunc{Name: event.ContentBlock.Name, Arguments: ""},
				}
			}

		case "content_block_delta":
			if event.Delta == nil {
				return nil
			}
			switch event.Delta.Type {
			case "text_delta":
				tx <- schema.NewChunkResponse(schema.ChatResponseChunk{
					ID: currentID, Model: currentModel,
					Choices: []schema.StreamChoice{{Index: 0, Delta: schema.Delta{Role: schema.RoleAssistant, Content: event.Delta.Text}}},
				})
			case "input_json_delta":
				if tc, ok := toolCalls[event.Index]; ok {
					tc.Function.Arguments += event.Delta.PartialJSON
				}
			}

		case "content_block_stop":
			if tc, ok := toolCalls[event.Index]; ok {
				tx <- schema.NewChunkResponse(schema.ChatResponseChunk{
					ID: currentID, Model: currentModel,
					Choices: []schema.StreamChoice{{Index: 0, Delta: schema.Delta{Role: schema.RoleAssistant, ToolCalls: []schema.ToolCall{*tc}}}},
				})
				delete(toolCalls, event.Index)
			}

		case "message_delta":
			if event.Delta != nil && event.Delta.StopReason != "" {
				reason := event.Delta.StopReason
				tx <- schema.NewChunkResponse(schema.ChatResponseChunk{
					ID: currentID, Model: currentModel,
					Choices: []schema.StreamChoice{{Index: 0, FinishReason: &reason}},
				})
			}

		case "message_stop":
			if event.Usage != nil {
				tx <- schema.NewChunkResponse(schema.ChatResponseChunk{
					ID: currentID, Model: currentModel,
					Usage: &schema.Usage{
						PromptTokens: event.Usage.InputTokens, CompletionTokens: event.Usage.OutputTokens,
						TotalTokens: event.Usage.InputTokens + event.Usage.OutputTokens,
					},
				})
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	tx <- schema.NewResponseInfoResponse(currentModel, nil)
	return nil
}

func (p *Provider) mapError(status int, msg string) *proxyerr.Error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return proxyerr.New(proxyerr.AuthRejected, msg).WithStatusCode(status).WithProvider(p.Name())
	case http.StatusTooManyRequests:
		return proxyerr.New(proxyerr.RateLimit, msg).WithStatusCode(status).WithProvider(p.Name())
	case http.StatusBadRequest:
		if strings.Contains(msg, "credit") || strings.Contains(msg, "quota") {
			return proxyerr.New(proxyerr.OutOfCredits, msg).WithStatusCode(status).WithProvider(p.Name())
		}
		return proxyerr.New(proxyerr.BadInput, msg).WithStatusCode(status).WithProvider(p.Name())
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return proxyerr.New(proxyerr.Transient, msg).WithStatusCode(status).WithProvider(p.Name())
	case 529: // Claude-specific overloaded status
		return proxyerr.New(proxyerr.Transient, msg).WithStatusCode(status).WithProvider(p.Name())
	default:
		if status >= 500 {
			return proxyerr.New(proxyerr.Transient, msg).WithStatusCode(status).WithProvider(p.Name())
		}
		return proxyerr.New(proxyerr.Permanent, msg).WithStatusCode(status).WithProvider(p.Name())
	}
}
