package api

import (
	"encoding/json"
	"net/http"

	"github.com/storynest/storynest/internal/auth"
	"github.com/storynest/storynest/internal/devices"
)

type registerDeviceRequest struct {
	Token    string `json:"token"`
	Platform string `json:"platform"`
}

// RegisterDevice registers a push endpoint: POST /devices.
func (h *Handler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())

	var req registerDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}
	platform := devices.Platform(req.Platform)
	if !platform.Valid() {
		writeError(w, http.StatusBadRequest, "platform must be ios or android")
		return
	}

	if err := h.registry.Register(r.Context(), user.ID, req.Token, platform); err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]bool{"registered": true})
}

// UnregisterDevice deactivates a push endpoint: DELETE /devices/{token}.
// Owner-only.
func (h *Handler) UnregisterDevice(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())
	token := r.PathValue("token")

	if err := h.registry.Unregister(r.Context(), user.ID, token); err != nil {
		writeQueueError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
