package workflow

import (
	"testing"

	"github.com/dimfeld/chronicle-proxy/internal/logger"
)

func TestParse_StepStart(t *testing.T) {
	raw := []byte(`{
		"type": "step:start",
		"step_id": "step-1",
		"run_id": "run-1",
		"data": {
			"type": "tool_call",
			"name": "search",
			"parent_step": "step-0",
			"input": {"query": "weather"}
		}
	}`)

	entry, err := Parse(raw, logger.RequestMetadata{}, logger.InternalMetadata{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if entry.Kind != logger.KindStepEvent {
		t.Fatalf("expected KindStepEvent, got %v", entry.Kind)
	}
	se := entry.StepEvent
	if se.StepID != "step-1" || se.RunID != "run-1" || se.Data != logger.StepStart {
		t.Fatalf("unexpected step event: %#v", se)
	}
	if se.Type != "tool_call" || se.Name != "search" || se.ParentStep != "step-0" {
		t.Fatalf("unexpected step:start fields: %#v", se)
	}
}

func TestParse_StepEnd(t *testing.T) {
	raw := []byte(`{
		"type": "step:end",
		"step_id": "step-1",
		"run_id": "run-1",
		"data": {"output": {"result": "sunny"}, "info": {"cache_hit": true}}
	}`)

	entry, err := Parse(raw, logger.RequestMetadata{}, logger.InternalMetadata{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	se := entry.StepEvent
	if se.Data != logger.StepEnd {
		t.Fatalf("expected StepEnd, got %v", se.Data)
	}
	if se.EndInfo["cache_hit"] != true {
		t.Fatalf("unexpected end info: %#v", se.EndInfo)
	}
}

func TestParse_StepError(t *testing.T) {
	raw := []byte(`{
		"type": "step:error",
		"step_id": "step-1",
		"run_id": "run-1",
		"data": {"error": "timed out"}
	}`)

	entry, err := Parse(raw, logger.RequestMetadata{}, logger.InternalMetadata{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	se := entry.StepEvent
	if se.Data != logger.StepError {
		t.Fatalf("expected StepError, got %v", se.Data)
	}
	if string(se.ErrorMsg) != `"timed out"` {
		t.Fatalf("unexpected error payload: %s", se.ErrorMsg)
	}
}

func TestParse_StepState(t *testing.T) {
	raw := []byte(`{"type": "step:state", "step_id": "step-1", "run_id": "run-1", "data": {"state": "waiting"}}`)

	entry, err := Parse(raw, logger.RequestMetadata{}, logger.InternalMetadata{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if entry.StepEvent.State != "waiting" {
		t.Fatalf("unexpected state: %#v", entry.StepEvent)
	}
}

func TestParse_RunStartMergesMetadata(t *testing.T) {
	raw := []byte(`{
		"type": "run:start",
		"id": "run-1",
		"name": "handle-request",
		"info": {"workflow_id": "preexisting"}
	}`)

	meta := logger.RequestMetadata{
		WorkflowID:   "wf-42",
		WorkflowName: "support-bot",
		Application:  "chat",
		Extra:        map[string]any{"tenant": "acme"},
	}
	internal := logger.InternalMetadata{OrganizationID: "org-1", UserID: "user-9"}

	entry, err := Parse(raw, meta, internal)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if entry.Kind != logger.KindRunStart {
		t.Fatalf("expected KindRunStart, got %v", entry.Kind)
	}
	rs := entry.RunStart
	if rs.Application != "chat" {
		t.Fatalf("expected application filled from metadata, got %q", rs.Application)
	}
	if rs.Info["workflow_id"] != "wf-42" {
		t.Fatalf("expected metadata to overwrite preexisting info key, got %v", rs.Info["workflow_id"])
	}
	if rs.Info["organization_id"] != "org-1" || rs.Info["user_id"] != "user-9" {
		t.Fatalf("expected internal metadata merged into info: %#v", rs.Info)
	}
	if rs.Info["tenant"] != "acme" {
		t.Fatalf("expected extra fields merged into info: %#v", rs.Info)
	}
}

func TestParse_RunUpdate(t *testing.T) {
	raw := []byte(`{"type": "run:update", "id": "run-1", "status": "finished", "output": {"ok": true}}`)

	entry, err := Parse(raw, logger.RequestMetadata{}, logger.InternalMetadata{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if entry.Kind != logger.KindRunEnd {
		t.Fatalf("expected KindRunEnd, got %v", entry.Kind)
	}
	if entry.RunEnd.Status != "finished" {
		t.Fatalf("unexpected status: %q", entry.RunEnd.Status)
	}
}

func TestParse_RawEventFallback(t *testing.T) {
	raw := []byte(`{"event_type": "response", "provider": "openai", "model": "gpt-4o"}`)

	entry, err := Parse(raw, logger.RequestMetadata{}, logger.InternalMetadata{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if entry.Kind != logger.KindEvent {
		t.Fatalf("expected KindEvent, got %v", entry.Kind)
	}
	if entry.Event.Provider != "openai" || entry.Event.Model != "gpt-4o" {
		t.Fatalf("unexpected event: %#v", entry.Event)
	}
}
