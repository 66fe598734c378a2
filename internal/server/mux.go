package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dimfeld/chronicle-proxy/internal/metrics"
	"github.com/dimfeld/chronicle-proxy/internal/proxy"
	"github.com/dimfeld/chronicle-proxy/internal/workflow"
)

// NewMux assembles the gateway's HTTP surface (spec §6), grounded on
// cmd/agentflow/server.go's startHTTPServer route-registration block.
// collector may be nil, in which case requests go unrecorded.
func NewMux(p *proxy.Proxy, log *zap.Logger, collector *metrics.Collector) *http.ServeMux {
	chat := &ChatHandler{Proxy: p, Log: log}
	event := &EventHandler{Ingester: &workflow.Ingester{Logger: p.Logger}, Log: log}

	mux := http.NewServeMux()

	mux.Handle("/chat", withMetrics(chat, collector, "/chat"))
	mux.Handle("/chat/", withMetrics(chat, collector, "/chat"))
	mux.Handle("/v1/chat/", withMetrics(chat, collector, "/chat"))

	mux.Handle("/event", withMetrics(http.HandlerFunc(event.ServeOne), collector, "/event"))
	mux.Handle("/v1/event", withMetrics(http.HandlerFunc(event.ServeOne), collector, "/event"))
	mux.Handle("/events", withMetrics(http.HandlerFunc(event.ServeBatch), collector, "/events"))
	mux.Handle("/v1/events", withMetrics(http.HandlerFunc(event.ServeBatch), collector, "/events"))

	mux.HandleFunc("/healthz", HealthHandler)
	mux.Handle("/metrics", promhttp.Handler())

	return mux
}
