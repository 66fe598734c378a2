package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/dimfeld/chronicle-proxy/internal/logger"
)

// metadataPayload is the wire shape of a chat/event request's "metadata"
// object. It captures the named fields plus anything else into Extra,
// mirroring original_source's ProxyRequestMetadata's `#[serde(flatten)]
// extra` field — Go's encoding/json has no flatten tag, so the catch-all is
// implemented by hand in UnmarshalJSON.
type metadataPayload struct {
	Application    string
	Environment    string
	OrganizationID string
	ProjectID      string
	UserID         string
	WorkflowID     string
	WorkflowName   string
	RunID          string
	Step           string
	StepIndex      *int
	PromptID       string
	PromptVersion  *int
	Extra          map[string]any
}

var metadataKnownKeys = map[string]bool{
	"application": true, "environment": true, "organization_id": true,
	"project_id": true, "user_id": true, "workflow_id": true,
	"workflow_name": true, "run_id": true, "step": true, "step_index": true,
	"prompt_id": true, "prompt_version": true,
}

func (m *metadataPayload) UnmarshalJSON(data []byte) error {
	var named struct {
		Application    string `json:"application,omitempty"`
		Environment    string `json:"environment,omitempty"`
		OrganizationID string `json:"organization_id,omitempty"`
		ProjectID      string `json:"project_id,omitempty"`
		UserID         string `json:"user_id,omitempty"`
		WorkflowID     string `json:"workflow_id,omitempty"`
		WorkflowName   string `json:"workflow_name,omitempty"`
		RunID          string `json:"run_id,omitempty"`
		Step           string `json:"step,omitempty"`
		StepIndex      *int   `json:"step_index,omitempty"`
		PromptID       string `json:"prompt_id,omitempty"`
		PromptVersion  *int   `json:"prompt_version,omitempty"`
	}
	if err := json.Unmarshal(data, &named); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	extra := make(map[string]any)
	for k, v := range raw {
		if metadataKnownKeys[k] {
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err == nil {
			extra[k] = val
		}
	}

	*m = metadataPayload{
		Application:    named.Application,
		Environment:    named.Environment,
		OrganizationID: named.OrganizationID,
		ProjectID:      named.ProjectID,
		UserID:         named.UserID,
		WorkflowID:     named.WorkflowID,
		WorkflowName:   named.WorkflowName,
		RunID:          named.RunID,
		Step:           named.Step,
		StepIndex:      named.StepIndex,
		PromptID:       named.PromptID,
		PromptVersion:  named.PromptVersion,
		Extra:          extra,
	}
	return nil
}

// split splits the payload into the proxy's RequestMetadata and
// the organization/project/user ids that belong in InternalMetadata.
func (m metadataPayload) split() (logger.RequestMetadata, logger.InternalMetadata) {
	return logger.RequestMetadata{
			Application:   m.Application,
			Environment:   m.Environment,
			WorkflowID:    m.WorkflowID,
			WorkflowName:  m.WorkflowName,
			RunID:         m.RunID,
			Step:          m.Step,
			StepIndex:     m.StepIndex,
			PromptID:      m.PromptID,
			PromptVersion: m.PromptVersion,
			Extra:         m.Extra,
		}, logger.InternalMetadata{
			OrganizationID: m.OrganizationID,
			ProjectID:      m.ProjectID,
			UserID:         m.UserID,
		}
}

// Header names the server reads request metadata from, documented here per
// spec §6 ("headers whose names are documented by the server").
const (
	HeaderApplication    = "X-Chronicle-Application"
	HeaderEnvironment    = "X-Chronicle-Environment"
	HeaderOrganizationID = "X-Chronicle-Organization-Id"
	HeaderProjectID      = "X-Chronicle-Project-Id"
	HeaderUserID         = "X-Chronicle-User-Id"
	HeaderWorkflowID     = "X-Chronicle-Workflow-Id"
	HeaderWorkflowName   = "X-Chronicle-Workflow-Name"
	HeaderRunID          = "X-Chronicle-Run-Id"
	HeaderStep           = "X-Chronicle-Step"
	HeaderStepIndex      = "X-Chronicle-Step-Index"
)

// mergeHeaders overlays header-sourced metadata onto meta/internal, headers
// winning over anything set in the JSON body — the surrounding auth layer's
// view of who's calling takes precedence over a self-reported body field.
func mergeHeaders(h http.Header, meta logger.RequestMetadata, internal logger.InternalMetadata) (logger.RequestMetadata, logger.InternalMetadata) {
	if v := h.Get(HeaderApplication); v != "" {
		meta.Application = v
	}
	if v := h.Get(HeaderEnvironment); v != "" {
		meta.Environment = v
	}
	if v := h.Get(HeaderWorkflowID); v != "" {
		meta.WorkflowID = v
	}
	if v := h.Get(HeaderWorkflowName); v != "" {
		meta.WorkflowName = v
	}
	if v := h.Get(HeaderRunID); v != "" {
		meta.RunID = v
	}
	if v := h.Get(HeaderStep); v != "" {
		meta.Step = v
	}
	if v := h.Get(HeaderStepIndex); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			meta.StepIndex = &n
		}
	}
	if v := h.Get(HeaderOrganizationID); v != "" {
		internal.OrganizationID = v
	}
	if v := h.Get(HeaderProjectID); v != "" {
		internal.ProjectID = v
	}
	if v := h.Get(HeaderUserID); v != "" {
		internal.UserID = v
	}
	return meta, internal
}
