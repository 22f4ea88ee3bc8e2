package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/storynest/storynest/internal/auth"
)

// EventsAll streams all of the owner's job events: GET /events/jobs.
func (h *Handler) EventsAll(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())
	h.serveSSE(w, r, user.ID, "")
}

// EventsJob streams events for one job: GET /events/jobs/{jobId}. The
// subscribing principal must own the job.
func (h *Handler) EventsJob(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())
	jobID := r.PathValue("jobId")

	job, err := h.store.Get(r.Context(), jobID)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	if job.OwnerID != user.ID {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	h.serveSSE(w, r, user.ID, jobID)
}

// serveSSE writes the subscription's frames until the client
// disconnects or the hub drops the subscription.
func (h *Handler) serveSSE(w http.ResponseWriter, r *http.Request, ownerID, jobID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering
	w.WriteHeader(http.StatusOK)

	// Generation runs for minutes; drop the server write deadline for
	// the lifetime of this stream.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	// Subscribe before the first byte goes out so no event published
	// after the client saw headers can be missed.
	sub := h.hub.Subscribe(ownerID, jobID)
	defer h.hub.Unsubscribe(sub)

	// An immediate keepalive confirms the stream to the client.
	fmt.Fprint(w, ": keepalive\n\n")
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-sub.C():
			if !ok {
				return
			}
			if frame.Event == "" {
				fmt.Fprint(w, ": keepalive\n\n")
			} else {
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", frame.Event, frame.Data)
			}
			flusher.Flush()
		}
	}
}

// wsEnvelope is the JSON shape of one event on the websocket mirror.
type wsEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// EventsWS mirrors the owner's event stream over a websocket:
// GET /events/ws. Same frames as SSE, for clients that prefer a socket.
func (h *Handler) EventsWS(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	sub := h.hub.Subscribe(user.ID, "")
	defer h.hub.Unsubscribe(sub)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case frame, ok := <-sub.C():
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if frame.Event == "" {
				if err := conn.Ping(ctx); err != nil {
					return
				}
				continue
			}
			payload, err := json.Marshal(wsEnvelope{Event: frame.Event, Data: frame.Data})
			if err != nil {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
				return
			}
		}
	}
}
