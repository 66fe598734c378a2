package logger

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JSONMap is a JSON object column: native JSON on Postgres, TEXT on SQLite
// (spec §4.G). GORM/database-sql treat both identically through
// driver.Valuer/sql.Scanner, so no per-dialect struct tag is needed.
type JSONMap map[string]any

func (j JSONMap) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (j *JSONMap) Scan(value any) error {
	if value == nil {
		*j = nil
		return nil
	}
	b, err := scanBytes(value)
	if err != nil {
		return err
	}
	if len(b) == 0 {
		*j = nil
		return nil
	}
	return json.Unmarshal(b, j)
}

// RawJSON is a JSON column holding an opaque pre-encoded document (a
// marshaled ChatRequest/ChatResponse, an error body, ...).
type RawJSON json.RawMessage

func (j RawJSON) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return string(j), nil
}

func (j *RawJSON) Scan(value any) error {
	if value == nil {
		*j = nil
		return nil
	}
	b, err := scanBytes(value)
	if err != nil {
		return err
	}
	*j = RawJSON(b)
	return nil
}

func scanBytes(value any) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("logger: cannot scan %T into JSON column", value)
	}
}

// eventTimestamp stores created_at/start_time/... as timestamptz on Postgres
// and as Unix seconds on SQLite (spec §3's invariant). The concrete dialect
// is recorded once per process by SetDialect, since a Logger only ever talks
// to one database.
type eventTimestamp time.Time

var dialect = "postgres"

// SetDialect records which SQL dialect timestamp columns should target. Call
// once, before the logger starts accepting writes; New does this for you
// from the gorm dialector name.
func SetDialect(name string) {
	if name == "sqlite" {
		dialect = "sqlite"
	} else {
		dialect = "postgres"
	}
}

func (t eventTimestamp) Value() (driver.Value, error) {
	tt := time.Time(t)
	if tt.IsZero() {
		tt = time.Now()
	}
	if dialect == "sqlite" {
		return tt.Unix(), nil
	}
	return tt, nil
}

func (t *eventTimestamp) Scan(value any) error {
	switch v := value.(type) {
	case time.Time:
		*t = eventTimestamp(v)
	case int64:
		*t = eventTimestamp(time.Unix(v, 0).UTC())
	case nil:
		*t = eventTimestamp{}
	default:
		return fmt.Errorf("logger: cannot scan %T into timestamp column", value)
	}
	return nil
}

// ChronicleEvent is the gorm model for chronicle_events (spec §6).
type ChronicleEvent struct {
	ID                    string  `gorm:"column:id;primaryKey"`
	EventType             string  `gorm:"column:event_type"`
	OrganizationID        string  `gorm:"column:organization_id"`
	ProjectID             string  `gorm:"column:project_id"`
	UserID                string  `gorm:"column:user_id"`
	ChatRequest           RawJSON `gorm:"column:chat_request"`
	ChatResponse          RawJSON `gorm:"column:chat_response"`
	Error                 RawJSON `gorm:"column:error"`
	Provider              string  `gorm:"column:provider"`
	Model                 string  `gorm:"column:model"`
	Application           string  `gorm:"column:application"`
	Environment           string  `gorm:"column:environment"`
	RequestOrganizationID string  `gorm:"column:request_organization_id"`
	RequestProjectID      string  `gorm:"column:request_project_id"`
	RequestUserID         string  `gorm:"column:request_user_id"`
	WorkflowID            string  `gorm:"column:workflow_id"`
	WorkflowName          string  `gorm:"column:workflow_name"`
	RunID                 string  `gorm:"column:run_id"`
	Step                  string  `gorm:"column:step"`
	StepIndex             *int    `gorm:"column:step_index"`
	PromptID              string  `gorm:"column:prompt_id"`
	PromptVersion         *int    `gorm:"column:prompt_version"`
	Meta                  JSONMap `gorm:"column:meta"`
	ResponseMeta          JSONMap `gorm:"column:response_meta"`
	Retries               *int    `gorm:"column:retries"`
	RateLimited           *bool   `gorm:"column:rate_limited"`
	RequestLatencyMs      *int64  `gorm:"column:request_latency_ms"`
	TotalLatencyMs        *int64  `gorm:"column:total_latency_ms"`
	CreatedAt             eventTimestamp `gorm:"column:created_at"`
}

func (ChronicleEvent) TableName() string { return "chronicle_events" }

// ChronicleRun is the gorm model for chronicle_runs.
type ChronicleRun struct {
	ID          string         `gorm:"column:id;primaryKey"`
	Name        string         `gorm:"column:name"`
	Description string         `gorm:"column:description"`
	Application string         `gorm:"column:application"`
	Environment string         `gorm:"column:environment"`
	Input       RawJSON        `gorm:"column:input"`
	Status      string         `gorm:"column:status"`
	Output      RawJSON        `gorm:"column:output"`
	TraceID     string         `gorm:"column:trace_id"`
	SpanID      string         `gorm:"column:span_id"`
	Tags        string         `gorm:"column:tags"`
	Info        JSONMap        `gorm:"column:info"`
	UpdatedAt   eventTimestamp `gorm:"column:updated_at"`
	CreatedAt   eventTimestamp `gorm:"column:created_at"`
}

func (ChronicleRun) TableName() string { return "chronicle_runs" }

// ChronicleStep is the gorm model for chronicle_steps.
type ChronicleStep struct {
	ID         string          `gorm:"column:id;primaryKey"`
	RunID      string          `gorm:"column:run_id;index"`
	Type       string          `gorm:"column:type"`
	ParentStep string          `gorm:"column:parent_step"`
	Name       string          `gorm:"column:name"`
	Input      RawJSON         `gorm:"column:input"`
	Output     RawJSON         `gorm:"column:output"`
	Status     string          `gorm:"column:status"`
	Tags       string          `gorm:"column:tags"`
	Info       JSONMap         `gorm:"column:info"`
	SpanID     string          `gorm:"column:span_id"`
	StartTime  eventTimestamp  `gorm:"column:start_time"`
	EndTime    *eventTimestamp `gorm:"column:end_time"`
	UpdatedAt  eventTimestamp  `gorm:"column:updated_at"`
}

func (ChronicleStep) TableName() string { return "chronicle_steps" }

// ChronicleMeta is the gorm model for chronicle_meta.
type ChronicleMeta struct {
	Key   string `gorm:"column:key;primaryKey"`
	Value string `gorm:"column:value"`
}

func (ChronicleMeta) TableName() string { return "chronicle_meta" }
