package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HTTPMiddleware returns an http.Handler that records HTTP request
// count and duration metrics.
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)
		status := strconv.Itoa(rw.status)

		HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

type metricsResponseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.wroteHeader = true
	}
	return w.ResponseWriter.Write(b)
}

func (w *metricsResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// normalizePath groups paths to avoid high-cardinality labels: ids in
// the path are collapsed to their route placeholder.
func normalizePath(path string) string {
	switch {
	case path == "/metrics" || path == "/healthz":
		return path
	case path == "/generation/async" || path == "/generation/pending" ||
		path == "/generation/queue-stats" || path == "/events/jobs" ||
		path == "/events/ws" || path == "/devices":
		return path
	case strings.HasPrefix(path, "/generation/status/"):
		return "/generation/status/{jobId}"
	case strings.HasPrefix(path, "/generation/result/"):
		return "/generation/result/{jobId}"
	case strings.HasPrefix(path, "/events/jobs/"):
		return "/events/jobs/{jobId}"
	case strings.HasPrefix(path, "/devices/"):
		return "/devices/{token}"
	case strings.HasPrefix(path, "/generation/") && strings.Count(path, "/") == 2:
		return "/generation/{jobId}"
	default:
		return path
	}
}
