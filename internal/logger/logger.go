package logger

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/dimfeld/chronicle-proxy/internal/metrics"
)

// metricsLoggerName labels every metric this package emits, matching the
// single event logger instance a Proxy runs.
const metricsLoggerName = "chronicle"

// Config controls the batched flush behavior (spec §4.G).
type Config struct {
	// BatchSize flushes as soon as this many entries are pending.
	BatchSize int
	// DebounceTime flushes whatever is pending once this long has passed
	// since the oldest unflushed entry arrived, even if BatchSize hasn't
	// been reached.
	DebounceTime time.Duration
	// QueueSize bounds the channel. The proxy's producers never block on a
	// full logger: Log drops the entry and logs a warning instead.
	QueueSize int
}

// DefaultConfig mirrors the teacher's batch defaults, reduced to a logger
// that accumulates for a little longer since database writes are cheaper
// in bulk than the request pipeline is latency-sensitive.
func DefaultConfig() Config {
	return Config{
		BatchSize:    50,
		DebounceTime: 200 * time.Millisecond,
		QueueSize:    4096,
	}
}

// Logger is the proxy's event logger: a multi-producer channel bounded by
// Config.QueueSize (Log drops entries when it is full) and drained by a
// single dedicated consumer goroutine, which batches writes to
// chronicle_events/chronicle_runs/chronicle_steps (spec §4.G).
type Logger struct {
	db     *gorm.DB
	cfg    Config
	log    *zap.Logger
	ch     chan ProxyLogEntry
	done   chan struct{}
	wg     sync.WaitGroup
	closed bool
	mu     sync.Mutex

	collector *metrics.Collector
}

// WithCollector attaches a metrics.Collector that Log/flush record queue
// depth, batch size, and drops against. Returns l for chaining.
func (l *Logger) WithCollector(collector *metrics.Collector) *Logger {
	l.collector = collector
	return l
}

// New builds a Logger and starts its consumer goroutine. db's dialect name
// is recorded globally via SetDialect so timestamp columns round-trip
// correctly.
func New(db *gorm.DB, cfg Config, log *zap.Logger) *Logger {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.DebounceTime <= 0 {
		cfg.DebounceTime = DefaultConfig().DebounceTime
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	SetDialect(db.Dialector.Name())

	l := &Logger{
		db:   db,
		cfg:  cfg,
		log:  log,
		ch:   make(chan ProxyLogEntry, cfg.QueueSize),
		done: make(chan struct{}),
	}
	l.wg.Add(1)
	go l.run()
	return l
}

// Sender returns the write-only end of the logger's channel, for producers
// (the retry executor, workflow event ingestion) to post entries to.
func (l *Logger) Sender() chan<- ProxyLogEntry { return l.ch }

// Log enqueues an entry without blocking the caller. If the queue is full
// the entry is dropped and logged at warn level, matching the spec's
// never-block-the-request-path invariant.
func (l *Logger) Log(entry ProxyLogEntry) {
	select {
	case l.ch <- entry:
		if l.collector != nil {
			l.collector.SetLoggerQueueDepth(metricsLoggerName, len(l.ch))
		}
	default:
		l.log.Warn("logger queue full, dropping entry", zap.Int("kind", int(entry.Kind)))
		if l.collector != nil {
			l.collector.RecordLoggerDropped(metricsLoggerName)
		}
	}
}

// Close stops accepting new work, flushes whatever remains, and waits for
// the consumer to exit, with no deadline. Equivalent to
// CloseContext(context.Background()).
func (l *Logger) Close() {
	_ = l.CloseContext(context.Background())
}

// CloseContext stops accepting new work and waits for the consumer to
// drain its final batch and exit, bounded by ctx. Grounded on
// agent/guardrails/chain.go's errgroup.WithContext supervision pattern,
// narrowed to the single drain goroutine this logger runs: ctx expiring
// before the drain finishes returns ctx.Err() instead of Close hanging on
// a stuck final flush.
func (l *Logger) CloseContext(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	close(l.ch)

	var g errgroup.Group
	g.Go(func() error {
		l.wg.Wait()
		return nil
	})

	drained := make(chan error, 1)
	go func() { drained <- g.Wait() }()

	select {
	case err := <-drained:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Logger) run() {
	defer l.wg.Done()

	batch := make([]ProxyLogEntry, 0, l.cfg.BatchSize)
	var timer *time.Timer
	var timerC <-chan time.Time

	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}

	for {
		select {
		case entry, ok := <-l.ch:
			if !ok {
				stopTimer()
				if len(batch) > 0 {
					l.flush(batch)
				}
				return
			}

			if len(batch) == 0 {
				timer = time.NewTimer(l.cfg.DebounceTime)
				timerC = timer.C
			}
			batch = append(batch, entry)

			if len(batch) >= l.cfg.BatchSize {
				stopTimer()
				l.flush(batch)
				batch = batch[:0]
			}

		case <-timerC:
			timerC = nil
			if len(batch) > 0 {
				l.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (l *Logger) flush(batch []ProxyLogEntry) {
	ctx := context.Background()

	var events []ChronicleEvent
	var runStarts []RunStart
	var runEnds []RunEnd
	var stepEvents []StepEvent

	for _, entry := range batch {
		switch entry.Kind {
		case KindEvent:
			events = append(events, toEventModel(*entry.Event))
		case KindRunStart:
			runStarts = append(runStarts, *entry.RunStart)
		case KindRunEnd:
			runEnds = append(runEnds, *entry.RunEnd)
		case KindStepEvent:
			stepEvents = append(stepEvents, *entry.StepEvent)
		}
	}

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(events) > 0 {
			if err := tx.Create(&events).Error; err != nil {
				return err
			}
		}
		for _, rs := range runStarts {
			if err := writeRunStart(tx, rs); err != nil {
				return err
			}
		}
		for _, re := range runEnds {
			if err := writeRunEnd(tx, re); err != nil {
				return err
			}
		}
		for _, se := range stepEvents {
			if err := writeStepEvent(tx, se); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		l.log.Error("failed to flush log batch", zap.Error(err), zap.Int("size", len(batch)))
	}
	if l.collector != nil {
		l.collector.RecordLoggerBatch(metricsLoggerName, len(batch))
	}
}

func toEventModel(e Event) ChronicleEvent {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	model := ChronicleEvent{
		ID:                    e.ID,
		EventType:             e.EventType,
		OrganizationID:        e.InternalMetadata.OrganizationID,
		ProjectID:             e.InternalMetadata.ProjectID,
		UserID:                e.InternalMetadata.UserID,
		Provider:              e.Provider,
		Model:                 e.Model,
		Application:           e.Metadata.Application,
		Environment:           e.Metadata.Environment,
		RequestOrganizationID: e.InternalMetadata.OrganizationID,
		RequestProjectID:      e.InternalMetadata.ProjectID,
		RequestUserID:         e.InternalMetadata.UserID,
		WorkflowID:            e.Metadata.WorkflowID,
		WorkflowName:          e.Metadata.WorkflowName,
		RunID:                 e.Metadata.RunID,
		Step:                  e.Metadata.Step,
		StepIndex:             e.Metadata.StepIndex,
		PromptID:              e.Metadata.PromptID,
		PromptVersion:         e.Metadata.PromptVersion,
		Meta:                  e.Metadata.Extra,
		ResponseMeta:          e.ResponseMeta,
		Retries:               e.Retries,
		RateLimited:           e.WasRateLimited,
		CreatedAt:             eventTimestamp(ts),
	}

	if e.Request != nil {
		if b, err := json.Marshal(e.Request); err == nil {
			model.ChatRequest = RawJSON(b)
		}
	}
	if e.Response != nil {
		if b, err := json.Marshal(e.Response); err == nil {
			model.ChatResponse = RawJSON(b)
		}
	}
	if e.Error != "" {
		if b, err := json.Marshal(e.Error); err == nil {
			model.Error = RawJSON(b)
		}
	}
	if e.Latency != nil {
		ms := e.Latency.Milliseconds()
		model.RequestLatencyMs = &ms
	}
	if e.TotalLatency != nil {
		ms := e.TotalLatency.Milliseconds()
		model.TotalLatencyMs = &ms
	}

	return model
}

// writeRunStart inserts a chronicle_runs row, ignoring the insert if the
// run id already exists (an at-least-once producer may retry a run:start).
func writeRunStart(tx *gorm.DB, rs RunStart) error {
	ts := time.Now().UTC()
	if rs.Time != nil {
		ts = *rs.Time
	}

	model := ChronicleRun{
		ID:          rs.ID,
		Name:        rs.Name,
		Description: rs.Description,
		Application: rs.Application,
		Environment: rs.Environment,
		Input:       RawJSON(rs.Input),
		Status:      "started",
		TraceID:     rs.TraceID,
		SpanID:      rs.SpanID,
		Tags:        strings.Join(rs.Tags, ","),
		Info:        rs.Info,
		UpdatedAt:   eventTimestamp(ts),
		CreatedAt:   eventTimestamp(ts),
	}

	return tx.Clauses(onConflictDoNothing()).Create(&model).Error
}

// writeRunEnd updates a chronicle_runs row, shallow-merging Info into the
// existing info column rather than overwriting it (spec §9's merge
// invariant: incoming wins per key, absence on either side defers to the
// other).
func writeRunEnd(tx *gorm.DB, re RunEnd) error {
	status := re.Status
	if status == "" {
		status = "finished"
	}
	ts := time.Now().UTC()
	if re.Time != nil {
		ts = *re.Time
	}

	var existing ChronicleRun
	if err := tx.Where("id = ?", re.ID).First(&existing).Error; err != nil {
		return err
	}

	updates := map[string]any{
		"status":     status,
		"updated_at": eventTimestamp(ts),
		"info":       JSONMap(mergeInfo(existing.Info, re.Info)),
	}
	if len(re.Output) > 0 {
		updates["output"] = RawJSON(re.Output)
	}

	return tx.Model(&ChronicleRun{}).Where("id = ?", re.ID).Updates(updates).Error
}

func writeStepEvent(tx *gorm.DB, se StepEvent) error {
	switch se.Data {
	case StepStart:
		return writeStepStart(tx, se)
	case StepEnd:
		return writeStepEndRow(tx, se, "finished", se.Output, se.EndInfo)
	case StepError:
		return writeStepErrorRow(tx, se)
	case StepState:
		return writeStepState(tx, se)
	}
	return nil
}

func writeStepStart(tx *gorm.DB, se StepEvent) error {
	ts := time.Now().UTC()
	if se.Time != nil {
		ts = *se.Time
	}

	model := ChronicleStep{
		ID:         se.StepID,
		RunID:      se.RunID,
		Type:       se.Type,
		ParentStep: se.ParentStep,
		Name:       se.Name,
		Input:      RawJSON(se.Input),
		Status:     "started",
		Tags:       strings.Join(se.Tags, ","),
		Info:       se.StartInfo,
		SpanID:     se.SpanID,
		StartTime:  eventTimestamp(ts),
		UpdatedAt:  eventTimestamp(ts),
	}

	return tx.Clauses(onConflictDoNothing()).Create(&model).Error
}

func writeStepEndRow(tx *gorm.DB, se StepEvent, status string, output json.RawMessage, info map[string]any) error {
	ts := time.Now().UTC()
	if se.Time != nil {
		ts = *se.Time
	}

	var existing ChronicleStep
	if err := tx.Where("id = ? AND run_id = ?", se.StepID, se.RunID).First(&existing).Error; err != nil {
		return err
	}

	end := eventTimestamp(ts)
	updates := map[string]any{
		"status":     status,
		"end_time":   &end,
		"updated_at": end,
		"info":       JSONMap(mergeInfo(existing.Info, info)),
	}
	if len(output) > 0 {
		updates["output"] = RawJSON(output)
	}

	return tx.Model(&ChronicleStep{}).Where("id = ? AND run_id = ?", se.StepID, se.RunID).Updates(updates).Error
}

func writeStepErrorRow(tx *gorm.DB, se StepEvent) error {
	if err := writeStepEndRow(tx, se, "error", nil, se.EndInfo); err != nil {
		return err
	}
	if len(se.ErrorMsg) == 0 {
		return nil
	}
	return tx.Model(&ChronicleStep{}).
		Where("id = ? AND run_id = ?", se.StepID, se.RunID).
		Update("output", RawJSON(se.ErrorMsg)).Error
}

func writeStepState(tx *gorm.DB, se StepEvent) error {
	ts := time.Now().UTC()
	if se.Time != nil {
		ts = *se.Time
	}
	return tx.Model(&ChronicleStep{}).
		Where("id = ? AND run_id = ?", se.StepID, se.RunID).
		Updates(map[string]any{
			"status":     se.State,
			"updated_at": eventTimestamp(ts),
		}).Error
}

// mergeInfo shallow-merges update into base: update's keys win, and a nil
// side defers entirely to the other (spec §9).
func mergeInfo(base, update map[string]any) map[string]any {
	if len(update) == 0 {
		return base
	}
	if len(base) == 0 {
		return update
	}
	merged := make(map[string]any, len(base)+len(update))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range update {
		merged[k] = v
	}
	return merged
}
