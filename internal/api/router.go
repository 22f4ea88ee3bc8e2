package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/storynest/storynest/internal/auth"
	"github.com/storynest/storynest/internal/logging"
	"github.com/storynest/storynest/internal/metrics"
)

// NewRouter builds the HTTP mux: generation, events and device routes
// behind bearer auth; metrics and health unauthenticated.
func NewRouter(h *Handler, authStore *auth.Store) http.Handler {
	mux := http.NewServeMux()

	authed := func(fn http.HandlerFunc) http.Handler {
		return authStore.Middleware(fn)
	}

	mux.Handle("POST /generation/async", authed(h.Submit))
	mux.Handle("GET /generation/status/{jobId}", authed(h.Status))
	mux.Handle("GET /generation/result/{jobId}", authed(h.Result))
	mux.Handle("DELETE /generation/{jobId}", authed(h.Cancel))
	mux.Handle("GET /generation/pending", authed(h.Pending))
	mux.Handle("GET /generation/queue-stats", authed(h.QueueStats))

	mux.Handle("GET /events/jobs", authed(h.EventsAll))
	mux.Handle("GET /events/jobs/{jobId}", authed(h.EventsJob))
	mux.Handle("GET /events/ws", authed(h.EventsWS))

	mux.Handle("POST /devices", authed(h.RegisterDevice))
	mux.Handle("DELETE /devices/{token}", authed(h.UnregisterDevice))

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return metrics.HTTPMiddleware(logging.HTTPMiddleware(mux))
}
