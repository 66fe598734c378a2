package server

import (
	"net/http"
	"time"

	"github.com/dimfeld/chronicle-proxy/internal/metrics"
)

// statusRecorder wraps http.ResponseWriter to capture the status code and
// response size for metrics, without disturbing streaming writers'
// http.Flusher behavior.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += int64(n)
	return n, err
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// withMetrics records HTTP request metrics around next, identifying the
// route by label rather than the raw path so high-cardinality path
// parameters never become a Prometheus label value.
func withMetrics(next http.Handler, collector *metrics.Collector, label string) http.Handler {
	if collector == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		collector.RecordHTTPRequest(r.Method, label, rec.status, time.Since(start), r.ContentLength, rec.bytes)
	})
}
