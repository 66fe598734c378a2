// Package workflow parses the wire format the /event and /events HTTP
// endpoints accept (spec §4.I / §6) into logger.ProxyLogEntry values and
// forwards them to the event logger. Grounded on
// original_source/proxy/src/workflow_events.rs's WorkflowEvent enum.
package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dimfeld/chronicle-proxy/internal/logger"
	"github.com/dimfeld/chronicle-proxy/internal/schema"
)

// envelope is the wire shape shared by every event type: a "type"
// discriminator plus every field any variant might carry, all optional so
// one struct can unmarshal them all before dispatch.
type envelope struct {
	Type string `json:"type"`

	// run:start / run:update
	ID          string          `json:"id,omitempty"`
	Name        string          `json:"name,omitempty"`
	Description string          `json:"description,omitempty"`
	Application string          `json:"application,omitempty"`
	Environment string          `json:"environment,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`
	TraceID     string          `json:"trace_id,omitempty"`
	SpanID      string          `json:"span_id,omitempty"`
	Tags        []string        `json:"tags,omitempty"`
	Info        map[string]any  `json:"info,omitempty"`
	Time        *time.Time      `json:"time,omitempty"`
	Status      string          `json:"status,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`

	// step:*
	StepID string          `json:"step_id,omitempty"`
	RunID  string          `json:"run_id,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type stepStartData struct {
	Type       string          `json:"type"`
	Name       string          `json:"name,omitempty"`
	ParentStep string          `json:"parent_step,omitempty"`
	SpanID     string          `json:"span_id,omitempty"`
	Tags       []string        `json:"tags,omitempty"`
	Info       map[string]any  `json:"info,omitempty"`
	Input      json.RawMessage `json:"input"`
}

type stepEndData struct {
	Output json.RawMessage `json:"output"`
	Info   map[string]any  `json:"info,omitempty"`
}

type errorData struct {
	Error json.RawMessage `json:"error"`
}

type stepStateData struct {
	State string `json:"state"`
}

// Parse dispatches raw (one HTTP /event body) into the matching
// logger.ProxyLogEntry, merging meta/internal into a run:start's info the
// way original_source's RunStartEvent::merge_metadata does. Unrecognized or
// missing "type" values are treated as a raw Event log line (the
// WorkflowEvent::Event(EventPayload) catch-all variant).
func Parse(raw []byte, meta logger.RequestMetadata, internal logger.InternalMetadata) (logger.ProxyLogEntry, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return logger.ProxyLogEntry{}, fmt.Errorf("workflow: parsing event envelope: %w", err)
	}

	switch env.Type {
	case "run:start":
		rs := logger.RunStart{
			ID:          env.ID,
			Name:        env.Name,
			Description: env.Description,
			Application: env.Application,
			Environment: env.Environment,
			Input:       env.Input,
			TraceID:     env.TraceID,
			SpanID:      env.SpanID,
			Tags:        env.Tags,
			Info:        env.Info,
			Time:        env.Time,
		}
		mergeRunStartMetadata(&rs, meta, internal)
		return logger.NewRunStart(rs), nil

	case "run:update":
		return logger.NewRunEnd(logger.RunEnd{
			ID:     env.ID,
			Status: env.Status,
			Output: env.Output,
			Info:   env.Info,
			Time:   env.Time,
		}), nil

	case "step:start":
		var d stepStartData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return logger.ProxyLogEntry{}, fmt.Errorf("workflow: parsing step:start data: %w", err)
		}
		return logger.NewStepEvent(logger.StepEvent{
			StepID:     env.StepID,
			RunID:      env.RunID,
			Time:       env.Time,
			Data:       logger.StepStart,
			Type:       d.Type,
			Name:       d.Name,
			ParentStep: d.ParentStep,
			SpanID:     d.SpanID,
			Tags:       d.Tags,
			Input:      d.Input,
			StartInfo:  d.Info,
		}), nil

	case "step:end":
		var d stepEndData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return logger.ProxyLogEntry{}, fmt.Errorf("workflow: parsing step:end data: %w", err)
		}
		return logger.NewStepEvent(logger.StepEvent{
			StepID:  env.StepID,
			RunID:   env.RunID,
			Time:    env.Time,
			Data:    logger.StepEnd,
			Output:  d.Output,
			EndInfo: d.Info,
		}), nil

	case "step:error":
		var d errorData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return logger.ProxyLogEntry{}, fmt.Errorf("workflow: parsing step:error data: %w", err)
		}
		return logger.NewStepEvent(logger.StepEvent{
			StepID:   env.StepID,
			RunID:    env.RunID,
			Time:     env.Time,
			Data:     logger.StepError,
			ErrorMsg: d.Error,
		}), nil

	case "step:state":
		var d stepStateData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return logger.ProxyLogEntry{}, fmt.Errorf("workflow: parsing step:state data: %w", err)
		}
		return logger.NewStepEvent(logger.StepEvent{
			StepID: env.StepID,
			RunID:  env.RunID,
			Time:   env.Time,
			Data:   logger.StepState,
			State:  d.State,
		}), nil

	default:
		return parseRawEvent(raw, meta, internal)
	}
}

// parseRawEvent handles a client submitting a ProxyLogEntry::Event directly
// (no run/step lifecycle), the WorkflowEvent::Event(EventPayload) fallback.
func parseRawEvent(raw []byte, meta logger.RequestMetadata, internal logger.InternalMetadata) (logger.ProxyLogEntry, error) {
	var payload struct {
		ID        string          `json:"id,omitempty"`
		EventType string          `json:"event_type,omitempty"`
		Timestamp *time.Time      `json:"timestamp,omitempty"`
		Request   json.RawMessage `json:"request,omitempty"`
		Response  json.RawMessage `json:"response,omitempty"`
		Provider  string          `json:"provider,omitempty"`
		Model     string          `json:"model,omitempty"`
		Error     string          `json:"error,omitempty"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return logger.ProxyLogEntry{}, fmt.Errorf("workflow: parsing raw event: %w", err)
	}

	timestamp := time.Now().UTC()
	if payload.Timestamp != nil {
		timestamp = *payload.Timestamp
	}
	eventType := payload.EventType
	if eventType == "" {
		eventType = "event"
	}

	evt := logger.Event{
		ID:               payload.ID,
		EventType:        eventType,
		Timestamp:        timestamp,
		Provider:         payload.Provider,
		Model:            payload.Model,
		Error:            payload.Error,
		Metadata:         meta,
		InternalMetadata: internal,
	}
	if payload.Request != nil {
		var req schema.ChatRequest
		if err := json.Unmarshal(payload.Request, &req); err == nil {
			evt.Request = &req
		}
	}
	if payload.Response != nil {
		var resp schema.ChatResponse
		if err := json.Unmarshal(payload.Response, &resp); err == nil {
			evt.Response = &resp
		}
	}

	return logger.NewEvent(evt), nil
}

// mergeRunStartMetadata merges meta/internal into rs.Info, matching
// original_source's RunStartEvent::merge_metadata: proxy-supplied metadata
// fills application/environment only if unset, then overwrites matching
// info keys unconditionally, and extra always wins last.
func mergeRunStartMetadata(rs *logger.RunStart, meta logger.RequestMetadata, internal logger.InternalMetadata) {
	if rs.Application == "" {
		rs.Application = meta.Application
	}
	if rs.Environment == "" {
		rs.Environment = meta.Environment
	}

	if rs.Info == nil {
		rs.Info = make(map[string]any)
	}

	set := func(key, value string) {
		if value != "" {
			rs.Info[key] = value
		}
	}
	set("organization_id", internal.OrganizationID)
	set("project_id", internal.ProjectID)
	set("user_id", internal.UserID)
	set("workflow_id", meta.WorkflowID)
	set("workflow_name", meta.WorkflowName)
	set("prompt_id", meta.PromptID)
	if meta.StepIndex != nil {
		rs.Info["step_index"] = *meta.StepIndex
	}
	if meta.PromptVersion != nil {
		rs.Info["prompt_version"] = *meta.PromptVersion
	}
	for k, v := range meta.Extra {
		rs.Info[k] = v
	}
}
