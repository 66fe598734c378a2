package logger

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/dimfeld/chronicle-proxy/internal/metrics"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&ChronicleEvent{}, &ChronicleRun{}, &ChronicleStep{}, &ChronicleMeta{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func TestLogger_FlushesOnBatchSize(t *testing.T) {
	db := newTestDB(t)
	l := New(db, Config{BatchSize: 2, DebounceTime: time.Hour, QueueSize: 16}, zap.NewNop())
	defer l.Close()

	l.Log(NewEvent(Event{ID: "evt-1", EventType: "response", Provider: "openai", Model: "gpt-4o"}))
	l.Log(NewEvent(Event{ID: "evt-2", EventType: "response", Provider: "openai", Model: "gpt-4o"}))

	waitForCondition(t, func() bool {
		var count int64
		db.Model(&ChronicleEvent{}).Count(&count)
		return count == 2
	})
}

func TestLogger_CloseContextDrainsBeforeDeadline(t *testing.T) {
	db := newTestDB(t)
	l := New(db, Config{BatchSize: 2, DebounceTime: time.Hour, QueueSize: 16}, zap.NewNop())

	l.Log(NewEvent(Event{ID: "evt-1", EventType: "response", Provider: "openai", Model: "gpt-4o"}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := l.CloseContext(ctx); err != nil {
		t.Fatalf("CloseContext: %v", err)
	}

	var count int64
	db.Model(&ChronicleEvent{}).Count(&count)
	if count != 1 {
		t.Fatalf("expected the pending entry to flush before exit, got count=%d", count)
	}
}

func TestLogger_CloseContextIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	l := New(db, Config{BatchSize: 50, DebounceTime: time.Hour, QueueSize: 16}, zap.NewNop())

	if err := l.CloseContext(context.Background()); err != nil {
		t.Fatalf("first CloseContext: %v", err)
	}
	if err := l.CloseContext(context.Background()); err != nil {
		t.Fatalf("second CloseContext should be a no-op, got: %v", err)
	}
}

func TestLogger_RecordsBatchMetric(t *testing.T) {
	db := newTestDB(t)
	ns := "loggertest_collector"
	collector := metrics.NewCollector(ns, zap.NewNop())
	l := New(db, Config{BatchSize: 1, DebounceTime: time.Hour, QueueSize: 1}, zap.NewNop()).WithCollector(collector)
	defer l.Close()

	l.Log(NewEvent(Event{ID: "evt-1", EventType: "response", Provider: "openai", Model: "gpt-4o"}))
	waitForCondition(t, func() bool {
		var count int64
		db.Model(&ChronicleEvent{}).Count(&count)
		return count == 1
	})

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var sawBatch bool
	for _, fam := range families {
		if fam.GetName() == ns+"_logger_batch_size" {
			sawBatch = true
		}
	}
	if !sawBatch {
		t.Fatal("expected a logger_batch_size metric family for this namespace")
	}
}

func TestLogger_FlushesOnDebounce(t *testing.T) {
	db := newTestDB(t)
	l := New(db, Config{BatchSize: 50, DebounceTime: 20 * time.Millisecond, QueueSize: 16}, zap.NewNop())
	defer l.Close()

	l.Log(NewEvent(Event{ID: "evt-1", EventType: "response", Provider: "anthropic", Model: "claude-3"}))

	waitForCondition(t, func() bool {
		var count int64
		db.Model(&ChronicleEvent{}).Count(&count)
		return count == 1
	})
}

func TestLogger_RunAndStepLifecycle(t *testing.T) {
	db := newTestDB(t)
	l := New(db, Config{BatchSize: 1, DebounceTime: time.Hour, QueueSize: 16}, zap.NewNop())
	defer l.Close()

	l.Log(NewRunStart(RunStart{
		ID:   "run-1",
		Name: "ingest",
		Info: map[string]any{"a": 1},
	}))
	waitForCondition(t, func() bool {
		var r ChronicleRun
		return db.Where("id = ?", "run-1").First(&r).Error == nil
	})

	l.Log(NewStepEvent(StepEvent{
		StepID:    "step-1",
		RunID:     "run-1",
		Data:      StepStart,
		Type:      "llm_call",
		StartInfo: map[string]any{"b": 2},
	}))
	waitForCondition(t, func() bool {
		var s ChronicleStep
		return db.Where("id = ?", "step-1").First(&s).Error == nil
	})

	l.Log(NewStepEvent(StepEvent{
		StepID:  "step-1",
		RunID:   "run-1",
		Data:    StepEnd,
		Output:  json.RawMessage(`{"ok":true}`),
		EndInfo: map[string]any{"c": 3},
	}))
	waitForCondition(t, func() bool {
		var s ChronicleStep
		if err := db.Where("id = ?", "step-1").First(&s).Error; err != nil {
			return false
		}
		return s.Status == "finished" && len(s.Info) == 2
	})

	var step ChronicleStep
	if err := db.Where("id = ?", "step-1").First(&step).Error; err != nil {
		t.Fatalf("load step: %v", err)
	}
	if step.Info["b"] == nil || step.Info["c"] == nil {
		t.Fatalf("expected merged info to retain start and end keys, got %#v", step.Info)
	}

	l.Log(NewRunEnd(RunEnd{ID: "run-1", Output: json.RawMessage(`{"done":true}`)}))
	waitForCondition(t, func() bool {
		var r ChronicleRun
		if err := db.Where("id = ?", "run-1").First(&r).Error; err != nil {
			return false
		}
		return r.Status == "finished"
	})
}

func TestMergeInfo(t *testing.T) {
	base := map[string]any{"x": 1, "y": 2}
	update := map[string]any{"y": 3, "z": 4}
	merged := mergeInfo(base, update)

	if merged["x"] != 1 || merged["y"] != 3 || merged["z"] != 4 {
		t.Fatalf("unexpected merge result: %#v", merged)
	}

	if got := mergeInfo(nil, update); got["z"] != 4 {
		t.Fatalf("expected nil base to defer to update, got %#v", got)
	}
	if got := mergeInfo(base, nil); got["x"] != 1 {
		t.Fatalf("expected nil update to defer to base, got %#v", got)
	}
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
