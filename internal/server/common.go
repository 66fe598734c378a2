// Package server implements the gateway's HTTP surface (spec §6): /chat
// (and its /chat/* and /v1/chat/* aliases), /event, /events, and /healthz.
// Grounded on api/handlers/common.go's response envelope and
// api/handlers/chat.go's SSE loop.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/dimfeld/chronicle-proxy/internal/proxyerr"
)

// Response is the JSON envelope every non-streaming endpoint returns.
type Response struct {
	Success   bool      `json:"success"`
	Data      any       `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorInfo is the structured error body inside Response.Error.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// WriteJSON writes status and data as a JSON body.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteSuccess writes a 200 Response wrapping data.
func WriteSuccess(w http.ResponseWriter, data any) {
	WriteJSON(w, http.StatusOK, Response{Success: true, Data: data, Timestamp: time.Now()})
}

// WriteError writes err as a Response, mapping proxyerr.Error kinds to their
// documented HTTP status (spec §7) and anything else to 500.
func WriteError(w http.ResponseWriter, err error, log *zap.Logger) {
	status := http.StatusInternalServerError
	info := &ErrorInfo{Kind: "internal", Message: err.Error()}

	if pe, ok := proxyerr.As(err); ok {
		status = pe.HTTPStatus()
		info = &ErrorInfo{Kind: string(pe.Kind), Message: pe.Message}
	}

	if log != nil {
		log.Error("request failed", zap.Int("status", status), zap.String("kind", info.Kind), zap.Error(err))
	}

	WriteJSON(w, status, Response{Success: false, Error: info, Timestamp: time.Now()})
}

// decodeJSONBody decodes r's body into dst, rejecting bodies over 1MB and
// unknown fields (matches api/handlers/common.go's DecodeJSONBody).
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
