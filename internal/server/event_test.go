package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/dimfeld/chronicle-proxy/internal/logger"
	"github.com/dimfeld/chronicle-proxy/internal/workflow"
)

func newTestLogger(t *testing.T) (*logger.Logger, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&logger.ChronicleEvent{}, &logger.ChronicleRun{}, &logger.ChronicleStep{}, &logger.ChronicleMeta{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	l := logger.New(db, logger.Config{BatchSize: 1, DebounceTime: time.Hour, QueueSize: 16}, zap.NewNop())
	t.Cleanup(l.Close)
	return l, db
}

func TestEventHandler_ServeOneRunStart(t *testing.T) {
	l, db := newTestLogger(t)
	h := &EventHandler{Ingester: &workflow.Ingester{Logger: l}}

	body := `{"type": "run:start", "id": "run-1", "name": "ingest"}`
	req := httptest.NewRequest(http.MethodPost, "/event", strings.NewReader(body))
	req.Header.Set(HeaderWorkflowID, "wf-1")
	w := httptest.NewRecorder()

	h.ServeOne(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}

	waitForCondition(t, func() bool {
		var r logger.ChronicleRun
		return db.Where("id = ?", "run-1").First(&r).Error == nil
	})
}

func TestEventHandler_ServeBatch(t *testing.T) {
	l, db := newTestLogger(t)
	h := &EventHandler{Ingester: &workflow.Ingester{Logger: l}}

	body := `{"events": [
		{"type": "run:start", "id": "run-2", "name": "batch-run"},
		{"type": "step:start", "step_id": "step-2", "run_id": "run-2", "data": {"type": "tool", "name": "search"}}
	]}`
	req := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(body))
	w := httptest.NewRecorder()

	h.ServeBatch(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}

	waitForCondition(t, func() bool {
		var s logger.ChronicleStep
		return db.Where("id = ?", "step-2").First(&s).Error == nil
	})
}

func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
