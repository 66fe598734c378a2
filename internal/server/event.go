package server

import (
	"encoding/json"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/dimfeld/chronicle-proxy/internal/logger"
	"github.com/dimfeld/chronicle-proxy/internal/proxyerr"
	"github.com/dimfeld/chronicle-proxy/internal/workflow"
)

// EventHandler serves /event, /v1/event, /events, and /v1/events (spec §6),
// grounded on api/src/events.rs's record_event/record_events.
type EventHandler struct {
	Ingester *workflow.Ingester
	Log      *zap.Logger
}

type idResponse struct {
	ID string `json:"id"`
}

// ServeOne handles a single WorkflowEvent body.
func (h *EventHandler) ServeOne(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		WriteError(w, err, h.Log)
		return
	}

	meta, internal := h.headerMetadata(r)
	entry, err := workflow.Parse(raw, meta, internal)
	if err != nil {
		WriteError(w, proxyerr.New(proxyerr.BadInput, "invalid event body").WithCause(err), h.Log)
		return
	}
	if h.Ingester.Logger != nil {
		h.Ingester.Logger.Log(entry)
	}

	id := ""
	switch entry.Kind {
	case logger.KindEvent:
		id = entry.Event.ID
	case logger.KindRunStart:
		id = entry.RunStart.ID
	case logger.KindRunEnd:
		id = entry.RunEnd.ID
	case logger.KindStepEvent:
		id = entry.StepEvent.StepID
	}

	WriteJSON(w, http.StatusAccepted, idResponse{ID: id})
}

type eventsPayload struct {
	Events []json.RawMessage `json:"events"`
}

// ServeBatch handles the {"events": [...]} batch body.
func (h *EventHandler) ServeBatch(w http.ResponseWriter, r *http.Request) {
	var body eventsPayload
	if err := decodeJSONBody(w, r, &body); err != nil {
		WriteError(w, proxyerr.New(proxyerr.BadInput, "invalid request body").WithCause(err), h.Log)
		return
	}

	meta, internal := h.headerMetadata(r)
	if err := h.Ingester.HandleBatch(rawMessages(body.Events), meta, internal); err != nil {
		WriteError(w, proxyerr.New(proxyerr.BadInput, "invalid event body").WithCause(err), h.Log)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (h *EventHandler) headerMetadata(r *http.Request) (logger.RequestMetadata, logger.InternalMetadata) {
	return mergeHeaders(r.Header, logger.RequestMetadata{}, logger.InternalMetadata{})
}

func rawMessages(in []json.RawMessage) [][]byte {
	out := make([][]byte, len(in))
	for i, m := range in {
		out[i] = []byte(m)
	}
	return out
}
