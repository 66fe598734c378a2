// Package logger implements the proxy's batched asynchronous event logger
// (spec §4.G): a bounded multi-producer channel drained by a single
// dedicated consumer that flushes accumulated entries to chronicle_events,
// chronicle_runs, and chronicle_steps.
package logger

import (
	"encoding/json"
	"time"

	"github.com/dimfeld/chronicle-proxy/internal/schema"
)

// EntryKind discriminates the ProxyLogEntry sum type (spec §3).
type EntryKind int

const (
	KindEvent EntryKind = iota
	KindRunStart
	KindRunEnd
	KindStepEvent
)

// ProxyLogEntry is the value posted to the logger's channel. Exactly one of
// the pointer fields is set, matching Kind.
type ProxyLogEntry struct {
	Kind      EntryKind
	Event     *Event
	RunStart  *RunStart
	RunEnd    *RunEnd
	StepEvent *StepEvent
}

func NewEvent(e Event) ProxyLogEntry { return ProxyLogEntry{Kind: KindEvent, Event: &e} }

func NewRunStart(r RunStart) ProxyLogEntry { return ProxyLogEntry{Kind: KindRunStart, RunStart: &r} }

func NewRunEnd(r RunEnd) ProxyLogEntry { return ProxyLogEntry{Kind: KindRunEnd, RunEnd: &r} }

func NewStepEvent(s StepEvent) ProxyLogEntry {
	return ProxyLogEntry{Kind: KindStepEvent, StepEvent: &s}
}

// RequestMetadata is the caller-supplied metadata merged into a logged Event
// (spec §6's "request metadata... merged into options.metadata").
type RequestMetadata struct {
	Application   string
	Environment   string
	WorkflowID    string
	WorkflowName  string
	RunID         string
	Step          string
	StepIndex     *int
	PromptID      string
	PromptVersion *int
	Extra         map[string]any
}

// InternalMetadata carries the caller's organization/user id, merged in by
// the surrounding auth layer rather than the client.
type InternalMetadata struct {
	OrganizationID string
	ProjectID      string
	UserID         string
}

// Event is one request attempt's log line (spec §3's ProxyLogEntry::Event).
// Id is a time-ordered unique identifier generated at log time, not by the
// caller.
type Event struct {
	ID               string
	EventType        string
	Timestamp        time.Time
	Request          *schema.ChatRequest
	Response         *schema.ChatResponse
	Provider         string
	Model            string
	Error            string
	Metadata         RequestMetadata
	InternalMetadata InternalMetadata
	ResponseMeta     map[string]any
	Latency          *time.Duration
	TotalLatency     *time.Duration
	Retries          *int
	WasRateLimited   *bool
}

// RunStart starts a chronicle_runs row.
type RunStart struct {
	ID          string
	Name        string
	Description string
	Application string
	Environment string
	Input       json.RawMessage
	TraceID     string
	SpanID      string
	Tags        []string
	Info        map[string]any
	Time        *time.Time
}

// RunEnd updates a chronicle_runs row. Status defaults to "finished" when
// empty.
type RunEnd struct {
	ID     string
	Status string
	Output json.RawMessage
	Info   map[string]any
	Time   *time.Time
}

// StepDataKind discriminates StepEvent's Start|End|Error|State payload.
type StepDataKind int

const (
	StepStart StepDataKind = iota
	StepEnd
	StepError
	StepState
)

// StepEvent is a child row keyed by (run_id, step_id).
type StepEvent struct {
	StepID string
	RunID  string
	Time   *time.Time
	Data   StepDataKind

	// Start fields.
	Type       string
	Name       string
	ParentStep string
	SpanID     string
	Tags       []string
	Input      json.RawMessage
	StartInfo  map[string]any

	// End/Error fields.
	Output   json.RawMessage
	EndInfo  map[string]any
	ErrorMsg json.RawMessage

	// State field.
	State string
}
