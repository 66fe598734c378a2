// Package openaicompat implements the OpenAI-format adapter shared by
// OpenAI, Anyscale, DeepInfra, Fireworks, Groq, Mistral, Together, and
// declarative custom providers (spec §4.C). Grounded on
// llm/providers/openaicompat/provider.go's Config/Provider shape and
// llm/providers/common.go's OpenAICompat wire types.
package openaicompat

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

// Config configures one OpenAI-format vendor instance.
type Config struct {
	ProviderName   string
	Label          string
	ApiKey         string
	BaseURL        string
	DefaultModel   string
	ModelPrefix    string
	EndpointPath   string
	DefaultForFunc func(model string) bool
	Timeout        time.Duration
	ExtraHeaders   map[string]string
	// BuildHeaders overrides the default Bearer-auth header construction,
	// e.g. for vendors that expect a differently-named header.
	BuildHeaders func(req *http.Request, apiKey string)
}

// Provider is the OpenAI-format adapter.
type Provider struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

func New(cfg Config, client *http.Client, logger *zap.Logger) *Provider {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = "/v1/chat/completions"
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{cfg: cfg, client: client, logger: logger}
}

func (p *Provider) Name() string  { return p.cfg.ProviderName }
func (p *Provider) Label() string { return p.cfg.Label }

func (p *Provider) IsDefaultForModel(model string) bool {
	if p.cfg.DefaultForFunc != nil {
		return p.cfg.DefaultForFunc(model)
	}
	if p.cfg.ModelPrefix != "" {
		return strings.HasPrefix(model, p.cfg.ModelPrefix)
	}
	return false
}

func (p *Provider) buildHeaders(req *http.Request, apiKey string) {
	if p.cfg.BuildHeaders != nil {
		p.cfg.BuildHeaders(req, apiKey)
	} else if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range p.cfg.ExtraHeaders {
		req.Header.Set(k, v)
	}
}

func (p *Provider) endpoint() string {
	return strings.TrimRight(p.cfg.BaseURL, "/") + p.cfg.EndpointPath
}

// SendRequest implements providers.Provider. It applies the
// supports_message_name=false, system_in_messages=true transform, POSTs
// JSON, and either decodes a single response or streams SSE chunks.
func (p *Provider) SendRequest(ctx context.Context, opts providers.SendOptions, req schema.ChatRequest, tx chan<- schema.StreamingResponse) error {
	model := providers.ChooseModel(opts.Model, p.cfg.DefaultModel, req.Model)
	transformed := schema.Transform(req, schema.TransformOptions{
		StripPrefix:         p.cfg.ModelPrefix,
		SupportsMessageName: false,
		SystemInMessages:    true,
	})
	transformed.Model = model

	wireReq := toWireRequest(transformed)
	body, err := json.Marshal(wireReq)
	if err != nil {
		return proxyerr.New(proxyerr.TransformingRequest, err.Error()).WithProvider(p.Name()).WithCause(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(), bytes.NewReader(body))
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
		classified := providers.MapHTTPError(resp.StatusCode, msg, p.Name())
		if classified.Kind == proxyerr.RateLimit {
			classified.RetryAfter = providers.ParseRetryAfter(resp.Header, "x-ratelimit-reset-requests", "x-ratelimit-reset-tokens")
		}
		return classified
	}

	tx <- schema.NewRequestInfoResponse(model, p.Name())

	if !req.Stream {
		var wireResp wireResponse
		if err := json.NewDecoder(resp.Body).Decode(&wireResp); err != nil {
			return proxyerr.New(proxyerr.ParsingResponse, err.Error()).WithProvider(p.Name()).WithCause(err)
		}
		full := fromWireResponse(wireResp, p.Name())
		tx <- schema.NewSingleResponse(full)
		tx <- schema.NewResponseInfoResponse(model, nil)
		return nil
	}

	err = providers.ScanSSE(resp.Body, func(line providers.SSELine) error {
		if line.Done {
			return nil
		}
		var chunk wireResponse
		if err := json.Unmarshal([]byte(line.Data), &chunk); err != nil {
			return proxyerr.New(proxyerr.ParsingResponse, err.Error()).WithProvider(p.Name()).WithCause(err)
		}
		tx <- schema.NewChunkResponse(fromWireChunk(chunk))
		return nil
	})
	if err != nil {
		return err
	}

	tx <- schema.NewResponseInfoResponse(model, nil)
	return nil
}

// --- OpenAI-compatible wire shapes ---

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content,omitempty"`
	Name       string         `json:"name,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Function wireToolCallFn `json:"function"`
}

type wireToolCallFn struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

type wireRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Tools       []wireTool    `json:"tools,omitempty"`
	ToolChoice  any           `json:"tool_choice,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	TopP        float64       `json:"top_p,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type wireChoice struct {
	Index        int          `json:"index"`
	FinishReason string       `json:"finish_reason"`
	Message      *wireMessage `json:"message,omitempty"`
	Delta        *wireMessage `json:"delta,omitempty"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type wireResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Created int64        `json:"created"`
	Choices []wireChoice `json:"choices"`
	Usage   *wireUsage   `json:"usage,omitempty"`
}

func toWireRequest(req schema.ChatRequest) wireRequest {
	out := wireRequest{Model: req.Model, Stream: req.Stream, Stop: req.Stop}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}
	if req.Temperature != nil {
		out.Temperature = *req.Temperature
	}
	if req.TopP != nil {
		out.TopP = *req.TopP
	}
	out.Messages = make([]wireMessage, len(req.Messages))
	for i, m := range req.Messages {
		out.Messages[i] = wireMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			out.Messages[i].ToolCalls = append(out.Messages[i].ToolCalls, wireToolCall{
				ID: tc.ID, Type: "function",
				Function: wireToolCallFn{Name: tc.Function.Name, Arguments: tc.Function.Arguments},
			})
		}
	}
	for _, t := range req.Tools {
		wt := wireTool{Type: "function"}
		wt.Function.Name = t.Function.Name
		wt.Function.Description = t.Function.Description
		wt.Function.Parameters = t.Function.Parameters
		out.Tools = append(out.Tools, wt)
	}
	if req.ToolChoice != nil {
		out.ToolChoice = req.ToolChoice
	}
	return out
}

func fromWireMessage(m wireMessage) schema.Message {
	msg := schema.Message{Role: schema.Role(m.Role), Content: m.Content, Name: m.Name}
	for _, tc := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, schema.ToolCall{
			ID: tc.ID, Type: tc.Type,
			Function: schema.ToolCallFunc{Name: tc.Function.Name, Arguments: tc.Function.Arguments},
		})
	}
	return msg
}

func fromWireResponse(r wireResponse, provider string) schema.ChatResponse {
	out := schema.ChatResponse{ID: r.ID, Model: r.Model, Created: r.Created}
	for _, c := range r.Choices {
		var msg schema.Message
		if c.Message != nil {
			msg = fromWireMessage(*c.Message)
		}
		out.Choices = append(out.Choices, schema.Choice{Index: c.Index, Message: msg, FinishReason: c.FinishReason})
	}
	if r.Usage != nil {
		out.Usage = schema.Usage{
			PromptTokens: r.Usage.PromptTokens, CompletionTokens: r.Usage.CompletionTokens,
			TotalTokens: r.Usage.TotalTokens,
		}
	}
	return out
}

func fromWireChunk(r wireResponse) schema.ChatResponseChunk {
	out := schema.ChatResponseChunk{ID: r.ID, Model: r.Model, Created: r.Created}
	for _, c := range r.Choices {
		var delta schema.Delta
		if c.Delta != nil {
			m := fromWireMessage(*c.Delta)
			delta = schema.Delta{Role: m.Role, Content: m.Content, ToolCalls: m.ToolCalls}
		}
		var finish *string
		if c.FinishReason != "" {
			fr := c.FinishReason
			finish = &fr
		}
		out.Choices = append(out.Choices, schema.StreamChoice{Index: c.Index, Delta: delta, FinishReason: finish})
	}
	if r.Usage != nil {
		out.Usage = &schema.Usage{
			PromptTokens: r.Usage.PromptTokens, CompletionTokens: r.Usage.CompletionTokens,
			TotalTokens: r.Usage.TotalTokens,
		}
	}
	return out
}
