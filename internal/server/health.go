package server

import "net/http"

// HealthHandler serves GET /healthz (spec §6: "200 {status:\"ok\"}"),
// grounded on api/handlers/health.go's HandleHealthz.
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
