// Package api exposes the REST and streaming HTTP surface of the
// generation backend.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/storynest/storynest/internal/devices"
	"github.com/storynest/storynest/internal/queue"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", "error", err)
	}
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeQueueError maps queue and registry sentinels to the HTTP error
// table. Unknown errors become opaque 500s.
func writeQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrNotFound), errors.Is(err, devices.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, queue.ErrNotOwned), errors.Is(err, devices.ErrNotOwned):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, queue.ErrAlreadyRunning):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "conflict", Reason: "already processing"})
	case errors.Is(err, queue.ErrAlreadyTerminal):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "conflict", Reason: "already finished"})
	case errors.Is(err, queue.ErrNotTerminal):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "conflict", Reason: "not finished yet"})
	case errors.Is(err, queue.ErrResultExpired):
		writeError(w, http.StatusGone, "result expired")
	default:
		slog.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
