// Package schema defines the vendor-neutral chat request/response types and
// the transform/merge operations adapters use to translate to and from
// vendor-specific wire formats.
package schema

import (
	"encoding/json"
	"strings"
	"time"
)

// Role is the role of a message in a chat conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a single function-call requested by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function ToolCallFunc `json:"function"`
}

type ToolCallFunc struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is one turn of the conversation.
type Message struct {
	Role       Role       `json:"role"`
	Name       string     `json:"name,omitempty"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolSchema describes a callable function offered to the model.
type ToolSchema struct {
	Type     string           `json:"type"`
	Function ToolFunctionSpec `json:"function"`
}

type ToolFunctionSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolChoice mirrors OpenAI's tool_choice union: "none" | "auto" | "required"
// | {type:"function", function:{name}}.
type ToolChoice struct {
	Mode     string // "none", "auto", "required", or "" when Function is set
	Function string
}

func (t ToolChoice) MarshalJSON() ([]byte, error) {
	if t.Function != "" {
		return json.Marshal(map[string]any{
			"type":     "function",
			"function": map[string]string{"name": t.Function},
		})
	}
	if t.Mode == "" {
		return json.Marshal("auto")
	}
	return json.Marshal(t.Mode)
}

func (t *ToolChoice) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		t.Mode = s
		t.Function = ""
		return nil
	}
	var obj struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	t.Function = obj.Function.Name
	return nil
}

// ChatRequest is the vendor-neutral request body, modeled on OpenAI's
// chat-completions contract.
type ChatRequest struct {
	Model            string          `json:"model,omitempty"`
	Messages         []Message       `json:"messages"`
	System           string          `json:"system,omitempty"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	Seed             *int64          `json:"seed,omitempty"`
	MaxTokens        *int            `json:"max_tokens,omitempty"`
	N                *int            `json:"n,omitempty"`
	Stop             []string        `json:"stop,omitempty"`
	LogitBias        map[string]int  `json:"logit_bias,omitempty"`
	ResponseFormat   json.RawMessage `json:"response_format,omitempty"`
	Tools            []ToolSchema    `json:"tools,omitempty"`
	ToolChoice       *ToolChoice     `json:"tool_choice,omitempty"`
	Stream           bool            `json:"stream,omitempty"`
	User             string          `json:"user,omitempty"`
}

// NumChoices returns the requested choice count, defaulting to 1.
func (r *ChatRequest) NumChoices() int {
	if r.N == nil || *r.N < 1 {
		return 1
	}
	return *r.N
}

// Usage holds token accounting, shared by full and streaming responses.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Choice is one completion in a non-streaming response.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason,omitempty"`
}

// ChatResponse is the vendor-neutral non-streaming response.
type ChatResponse struct {
	ID                string   `json:"id"`
	Created           int64    `json:"created"`
	Model             string   `json:"model"`
	SystemFingerprint string   `json:"system_fingerprint,omitempty"`
	Choices           []Choice `json:"choices"`
	Usage             Usage    `json:"usage"`
}

// Delta is one streaming increment of a choice: partial content and/or
// partial tool-call arguments.
type Delta struct {
	Role      Role       `json:"role,omitempty"`
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// StreamChoice is one choice's delta in a streaming chunk.
type StreamChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason,omitempty"`
}

// ChatResponseChunk is the vendor-neutral streaming chunk: same envelope as
// ChatResponse but with `delta` choices and an optional finish_reason.
type ChatResponseChunk struct {
	ID      string         `json:"id"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []StreamChoice `json:"choices"`
	Usage   *Usage         `json:"usage,omitempty"`
}

// RequestInfo is emitted exactly once, first, after routing has committed to
// a (provider, model) pair.
type RequestInfo struct {
	Model    string `json:"model"`
	Provider string `json:"provider"`
}

// ResponseInfo is emitted exactly once, last, before the streaming channel
// closes. Meta carries adapter-specific metadata (e.g. Ollama eval timings).
type ResponseInfo struct {
	Model string         `json:"model"`
	Meta  map[string]any `json:"meta,omitempty"`
}

// StreamingResponseKind discriminates the StreamingResponse sum type.
type StreamingResponseKind int

const (
	KindRequestInfo StreamingResponseKind = iota
	KindChunk
	KindSingle
	KindResponseInfo
)

// StreamingResponse is the single sum type carried on the unified streaming
// channel: RequestInfo (once, first), zero or more Chunk, or one Single in
// place of chunks for non-streaming providers, then ResponseInfo (once,
// last).
type StreamingResponse struct {
	Kind         StreamingResponseKind
	RequestInfo  *RequestInfo
	Chunk        *ChatResponseChunk
	Single       *ChatResponse
	ResponseInfo *ResponseInfo
}

func NewRequestInfoResponse(model, provider string) StreamingResponse {
	return StreamingResponse{Kind: KindRequestInfo, RequestInfo: &RequestInfo{Model: model, Provider: provider}}
}

func NewChunkResponse(chunk ChatResponseChunk) StreamingResponse {
	return StreamingResponse{Kind: KindChunk, Chunk: &chunk}
}

func NewSingleResponse(full ChatResponse) StreamingResponse {
	return StreamingResponse{Kind: KindSingle, Single: &full}
}

func NewResponseInfoResponse(model string, meta map[string]any) StreamingResponse {
	return StreamingResponse{Kind: KindResponseInfo, ResponseInfo: &ResponseInfo{Model: model, Meta: meta}}
}

// TransformOptions controls the per-vendor message-shape adjustment applied
// before a request is sent.
type TransformOptions struct {
	// StripPrefix is removed from the front of Model if present (e.g. "anthropic/").
	StripPrefix string
	// SupportsMessageName: if false, a message's Name is inlined into Content
	// as "{name}: {content}" and Name is cleared.
	SupportsMessageName bool
	// SystemInMessages: if true, System is folded into Messages as a
	// role="system" message (and any existing system messages stay put); if
	// false, a leading system message is extracted out into System and
	// removed from Messages.
	SystemInMessages bool
}

// Transform mutates a copy of req according to opts and returns it. It never
// mutates the caller's slices.
func Transform(req ChatRequest, opts TransformOptions) ChatRequest {
	out := req

	if opts.StripPrefix != "" {
		out.Model = strings.TrimPrefix(out.Model, opts.StripPrefix)
	}

	messages := make([]Message, len(out.Messages))
	copy(messages, out.Messages)

	if !opts.SystemInMessages {
		// Extract a leading system message (or the System field) out of the
		// message list.
		system := out.System
		if len(messages) > 0 && messages[0].Role == RoleSystem {
			if system == "" {
				system = messages[0].Content
			}
			messages = messages[1:]
		}
		out.System = system
	} else if out.System != "" {
		sysMsg := Message{Role: RoleSystem, Content: out.System}
		messages = append([]Message{sysMsg}, messages...)
		out.System = ""
	}

	if !opts.SupportsMessageName {
		for i, m := range messages {
			if m.Name != "" {
				messages[i].Content = m.Name + ": " + m.Content
				messages[i].Name = ""
			}
		}
	}

	out.Messages = messages
	return out
}

// CollectedChoice accumulates streaming deltas for a single choice index
// into a full Message plus finish reason.
type CollectedChoice struct {
	Message      Message
	FinishReason string
	started      bool
}

// Collector reconstructs a ChatResponse from a stream of chunks, sized for
// n choices up front (spec's "n > 1" multi-completion requirement).
type Collector struct {
	ID      string
	Created int64
	Model   string
	Usage   Usage
	Choices []CollectedChoice
}

// NewCollector creates a collector pre-sized for n choices.
func NewCollector(n int) *Collector {
	if n < 1 {
		n = 1
	}
	return &Collector{Choices: make([]CollectedChoice, n)}
}

// MergeDelta accumulates one streaming chunk's choices into the collector.
func (c *Collector) MergeDelta(chunk ChatResponseChunk) {
	if c.ID == "" {
		c.ID = chunk.ID
	}
	if c.Created == 0 {
		c.Created = chunk.Created
	}
	if c.Model == "" {
		c.Model = chunk.Model
	}
	if chunk.Usage != nil {
		c.Usage = *chunk.Usage
	}

	for _, sc := range chunk.Choices {
		for len(c.Choices) <= sc.Index {
			c.Choices = append(c.Choices, CollectedChoice{})
		}
		cc := &c.Choices[sc.Index]
		if !cc.started {
			cc.Message.Role = RoleAssistant
			cc.started = true
		}
		if sc.Delta.Role != "" {
			cc.Message.Role = sc.Delta.Role
		}
		cc.Message.Content += sc.Delta.Content
		mergeToolCallDeltas(&cc.Message.ToolCalls, sc.Delta.ToolCalls)
		if sc.FinishReason != nil {
			cc.FinishReason = *sc.FinishReason
		}
	}
}

// mergeToolCallDeltas appends/accumulates streamed tool-call argument
// fragments by ID, matching how OpenAI-shaped deltas stream tool calls:
// each delta carries the full ID/Name once and then argument fragments.
// A fragment with a new ID starts a new call.
func mergeToolCallDeltas(dst *[]ToolCall, deltas []ToolCall) {
	for _, d := range deltas {
		idx := -1
		for i, existing := range *dst {
			if existing.ID == d.ID && d.ID != "" {
				idx = i
				break
			}
		}
		if idx == -1 && d.ID == "" && len(deltas) <= len(*dst) {
			// Some vendors omit the id on continuation fragments; fall back
			// to positional accumulation within this delta batch.
			idx = len(*dst) - 1
		}
		if idx == -1 {
			*dst = append(*dst, ToolCall{ID: d.ID, Type: d.Type, Function: d.Function})
			continue
		}
		(*dst)[idx].Function.Arguments += d.Function.Arguments
		if d.Function.Name != "" {
			(*dst)[idx].Function.Name = d.Function.Name
		}
		if d.ID != "" {
			(*dst)[idx].ID = d.ID
		}
		if d.Type != "" {
			(*dst)[idx].Type = d.Type
		}
	}
}

// Response builds the final ChatResponse from accumulated state.
func (c *Collector) Response(provider string) ChatResponse {
	choices := make([]Choice, len(c.Choices))
	for i, cc := range c.Choices {
		choices[i] = Choice{Index: i, Message: cc.Message, FinishReason: cc.FinishReason}
	}
	return ChatResponse{
		ID:      c.ID,
		Created: c.Created,
		Model:   c.Model,
		Choices: choices,
		Usage:   c.Usage,
	}
}

// Now is overridable in tests; production code uses time.Now directly
// through this indirection only where deterministic timestamps matter.
var Now = time.Now
