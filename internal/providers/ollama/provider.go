// Package ollama implements the local-model Ollama adapter (spec §4.C).
// Ollama has no hosted auth and streams newline-delimited JSON objects
// (rather than SSE) until a line carries "done": true. There is no direct
// teacher analog for this transport; the adapter mirrors openaicompat's
// structure (Config/Provider/wire types) and applies the documented NDJSON
// contract.
package ollama

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

type Config struct {
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
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second // local inference can be slow on cold model load
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{cfg: cfg, client: client, logger: logger}
}

func (p *Provider) Name() string  { return "ollama" }
func (p *Provider) Label() string { return "Ollama" }

func (p *Provider) IsDefaultForModel(model string) bool {
	if p.cfg.ModelPrefix != "" {
		return strings.HasPrefix(model, p.cfg.ModelPrefix)
	}
	return false
}

func (p *Provider) endpoint() string {
	return strings.TrimRight(p.cfg.BaseURL, "/") + "/api/chat"
}

type wireMessage struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []wireCall `json:"tool_calls,omitempty"`
}

type wireCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

type wireOptions struct {
	Temperature float64  `json:"temperature,omitempty"`
	TopP        float64  `json:"top_p,omitempty"`
	Stop        []string `json:"stop,omitempty"`
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
	Model    string       `json:"model"`
	Messages []wireMessage `json:"messages"`
	Tools    []wireTool    `json:"tools,omitempty"`
	Stream   bool          `json:"stream"`
	Options  *wireOptions  `json:"options,omitempty"`
}

type wireResponse struct {
	Model     string      `json:"model"`
	CreatedAt string      `json:"created_at"`
	Message   wireMessage `json:"message"`
	Done      bool        `json:"done"`
	DoneReason string     `json:"done_reason,omitempty"`

	// Eval timing/token-count metadata. All three are surfaced on
	// ResponseInfo.Meta; PromptEvalCount and EvalCount are also mapped into
	// Usage as prompt and completion tokens.
	TotalDuration      int64 `json:"total_duration,omitempty"`
	PromptEvalCount    int   `json:"prompt_eval_count,omitempty"`
	EvalCount          int   `json:"eval_count,omitempty"`
}

func toWireMessages(msgs []schema.Message) []wireMessage {
	out := make([]wireMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, wireMessage{Role: string(m.Role), Content: m.Content})
	}
	return out
}

func toWireTools(tools []schema.ToolSchema) []wireTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]wireTool, 0, len(tools))
	for _, t := range tools {
		wt := wireTool{Type: "function"}
		wt.Function.Name = t.Function.Name
		wt.Function.Description = t.Function.Description
		wt.Function.Parameters = t.Function.Parameters
		out = append(out, wt)
	}
	return out
}

func (p *Provider) SendRequest(ctx context.Context, opts providers.SendOptions, req schema.ChatRequest, tx chan<- schema.StreamingResponse) error {
	model := providers.ChooseModel(opts.Model, p.cfg.DefaultModel, req.Model)

	wireReq := wireRequest{
		Model:    model,
		Messages: toWireMessages(req.Messages),
		Tools:    toWireTools(req.Tools),
		Stream:   req.Stream,
	}
	if req.Temperature != nil || req.TopP != nil || len(req.Stop) > 0 {
		o := &wireOptions{Stop: req.Stop}
		if req.Temperature != nil {
			o.Temperature = *req.Temperature
		}
		if req.TopP != nil {
			o.TopP = *req.TopP
		}
		wireReq.Options = o
	}

	payload, err := json.Marshal(wireReq)
	if err != nil {
		return proxyerr.New(proxyerr.TransformingRequest, err.Error()).WithProvider(p.Name()).WithCause(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(), bytes.NewReader(payload))
	if err != nil {
		return proxyerr.New(proxyerr.Sending, err.Error()).WithProvider(p.Name()).WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return proxyerr.New(proxyerr.ProviderClosedConnection, err.Error()).WithProvider(p.Name()).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg := providers.ReadErrorMessage(resp.Body)
		return providers.MapHTTPError(resp.StatusCode, msg, p.Name())
	}

	tx <- schema.NewRequestInfoResponse(model, p.Name())

	var lastMeta map[string]any
	err = providers.ScanNDJSON(resp.Body, func(line []byte) (bool, error) {
		var wr wireResponse
		if err := json.Unmarshal(line, &wr); err != nil {
			return false, proxyerr.New(proxyerr.ParsingResponse, err.Error()).WithProvider(p.Name()).WithCause(err)
		}

		if wr.Done {
			lastMeta = map[string]any{
				"total_duration_ns": wr.TotalDuration,
				"prompt_eval_count": wr.PromptEvalCount,
				"eval_count":        wr.EvalCount,
				"done_reason":       wr.DoneReason,
			}
		}

		if req.Stream {
			var finish *string
			if wr.Done {
				reason := wr.DoneReason
				if reason == "" {
					reason = "stop"
				}
				finish = &reason
			}
			chunk := schema.ChatResponseChunk{
				Model: wr.Model,
				Choices: []schema.StreamChoice{{
					Index:        0,
					Delta:        schema.Delta{Role: schema.Role(wr.Message.Role), Content: wr.Message.Content},
					FinishReason: finish,
				}},
			}
			if wr.Done {
				chunk.Usage = &schema.Usage{
					PromptTokens: wr.PromptEvalCount, CompletionTokens: wr.EvalCount,
					TotalTokens: wr.PromptEvalCount + wr.EvalCount,
				}
			}
			tx <- schema.NewChunkResponse(chunk)
		} else if wr.Done {
			reason := wr.DoneReason
			if reason == "" {
				reason = "stop"
			}
			tx <- schema.NewSingleResponse(schema.ChatResponse{
				Model: wr.Model,
				Choices: []schema.Choice{{
					Index: 0, Message: schema.Message{Role: schema.RoleAssistant, Content: wr.Message.Content}, FinishReason: reason,
				}},
				Usage: schema.Usage{
					PromptTokens: wr.PromptEvalCount, CompletionTokens: wr.EvalCount,
					TotalTokens: wr.PromptEvalCount + wr.EvalCount,
				},
			})
		}

		return wr.Done, nil
	})
	if err != nil {
		return err
	}

	tx <- schema.NewResponseInfoResponse(model, lastMeta)
	return nil
}
