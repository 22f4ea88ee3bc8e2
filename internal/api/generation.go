package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/storynest/storynest/internal/auth"
	"github.com/storynest/storynest/internal/devices"
	"github.com/storynest/storynest/internal/metrics"
	"github.com/storynest/storynest/internal/queue"
	"github.com/storynest/storynest/internal/stream"
)

// Handler implements the HTTP surface over the queue, the device
// registry and the SSE hub.
type Handler struct {
	store    *queue.Store
	registry *devices.Registry
	hub      *stream.Hub
	validate *validator.Validate
	limiter  *ownerLimiter
}

// NewHandler wires the HTTP handlers to their collaborators.
func NewHandler(store *queue.Store, registry *devices.Registry, hub *stream.Hub, submitsPerMinute int) *Handler {
	return &Handler{
		store:    store,
		registry: registry,
		hub:      hub,
		validate: validator.New(),
		limiter:  newOwnerLimiter(submitsPerMinute, submitsPerMinute),
	}
}

type submitRequest struct {
	Kind     string          `json:"kind"`
	Priority string          `json:"priority"`
	Payload  json.RawMessage `json:"payload"`
}

type submitResponse struct {
	JobID                string `json:"jobId"`
	EstimatedWaitSeconds int    `json:"estimatedWaitSeconds"`
}

// Submit enqueues a generation job: POST /generation/async.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())

	if !h.limiter.Allow(user.ID) {
		writeError(w, http.StatusTooManyRequests, "quota exceeded")
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	kind := queue.Kind(req.Kind)
	payload, err := h.validatePayload(kind, req.Payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	priority, err := parsePriority(req.Priority)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := h.store.Enqueue(r.Context(), user.ID, kind, payload, priority)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	metrics.JobsEnqueued.WithLabelValues(string(kind)).Inc()

	stats, err := h.store.Stats(r.Context())
	wait := 0
	if err == nil {
		wait = stats.EstimatedWaitSeconds
	}
	writeJSON(w, http.StatusAccepted, submitResponse{JobID: job.ID, EstimatedWaitSeconds: wait})
}

// validatePayload decodes and validates the kind-specific payload. It
// re-marshals the typed value so the queue carries exactly the known
// fields.
func (h *Handler) validatePayload(kind queue.Kind, raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("payload is required")
	}

	var v any
	switch kind {
	case queue.KindStoryForPrompt:
		v = &queue.StoryForPromptPayload{}
	case queue.KindStoryForChild:
		v = &queue.StoryForChildPayload{}
	case queue.KindVoiceClone:
		v = &queue.VoiceClonePayload{}
	default:
		return nil, fmt.Errorf("unknown job kind %q", kind)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return nil, fmt.Errorf("invalid payload: %v", err)
	}
	if err := h.validate.Struct(v); err != nil {
		return nil, fmt.Errorf("invalid payload: %v", err)
	}

	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %v", err)
	}
	return out, nil
}

func parsePriority(s string) (queue.Priority, error) {
	switch s {
	case "", "normal":
		return queue.PriorityNormal, nil
	case "high":
		return queue.PriorityHigh, nil
	case "low":
		return queue.PriorityLow, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}

type resultResponse struct {
	ArtifactID string `json:"artifactId"`
	Title      string `json:"title"`
}

type statusResponse struct {
	JobID                     string          `json:"jobId"`
	Kind                      string          `json:"kind"`
	State                     string          `json:"state"`
	Stage                     string          `json:"stage"`
	Progress                  int             `json:"progress"`
	AttemptsMade              int             `json:"attemptsMade"`
	SubmittedAt               time.Time       `json:"submittedAt"`
	EstimatedRemainingSeconds *int            `json:"estimatedRemainingSeconds,omitempty"`
	Result                    *resultResponse `json:"result,omitempty"`
	Error                     *jobErrorBody   `json:"error,omitempty"`
}

type jobErrorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Status returns the job projection: GET /generation/status/{jobId}.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadOwnedJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.statusBody(job))
}

func (h *Handler) statusBody(job *queue.Job) statusResponse {
	resp := statusResponse{
		JobID:        job.ID,
		Kind:         string(job.Kind),
		State:        string(job.State),
		Stage:        string(job.Stage),
		Progress:     job.Progress,
		AttemptsMade: job.AttemptsMade,
		SubmittedAt:  job.SubmittedAt,
	}
	if !job.State.Terminal() {
		remaining := h.store.EstimateWaitSeconds(1) * (100 - job.Progress) / 100
		resp.EstimatedRemainingSeconds = &remaining
	}
	if job.Result != nil {
		resp.Result = &resultResponse{ArtifactID: job.Result.ArtifactID, Title: job.Result.Title}
	}
	if job.Error != nil {
		resp.Error = &jobErrorBody{Kind: string(job.Error.Kind), Message: job.Error.Message}
	}
	return resp
}

// Result returns the artifact reference: GET /generation/result/{jobId}.
// Valid only once the job succeeded and before its retention expired.
func (h *Handler) Result(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadOwnedJob(w, r)
	if !ok {
		return
	}
	switch {
	case job.State == queue.StateSucceeded && h.store.ResultExpired(job):
		writeQueueError(w, queue.ErrResultExpired)
	case job.State == queue.StateSucceeded:
		writeJSON(w, http.StatusOK, resultResponse{
			ArtifactID: job.Result.ArtifactID,
			Title:      job.Result.Title,
		})
	case job.State.Terminal():
		writeQueueError(w, queue.ErrAlreadyTerminal)
	default:
		writeQueueError(w, queue.ErrNotTerminal)
	}
}

// Cancel cancels a queued job: DELETE /generation/{jobId}.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())
	jobID := r.PathValue("jobId")

	if err := h.store.Cancel(r.Context(), jobID, user.ID); err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

// Pending lists the owner's non-terminal jobs: GET /generation/pending.
func (h *Handler) Pending(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())

	jobs, err := h.store.ListOwnerPending(r.Context(), user.ID)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	out := make([]statusResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, h.statusBody(j))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

// QueueStats returns monitoring counts: GET /generation/queue-stats.
// Admin only.
func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())
	if !user.IsAdmin {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	stats, err := h.store.Stats(r.Context())
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// loadOwnedJob loads the path job and enforces ownership. Writes the
// error response itself when returning ok=false.
func (h *Handler) loadOwnedJob(w http.ResponseWriter, r *http.Request) (*queue.Job, bool) {
	user := auth.GetUser(r.Context())
	jobID := r.PathValue("jobId")

	job, err := h.store.Get(r.Context(), jobID)
	if err != nil {
		writeQueueError(w, err)
		return nil, false
	}
	if job.OwnerID != user.ID && !user.IsAdmin {
		writeError(w, http.StatusForbidden, "forbidden")
		return nil, false
	}
	return job, true
}
