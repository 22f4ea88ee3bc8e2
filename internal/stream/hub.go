// Package stream maintains live per-user event subscriptions and fans
// bus events out to them. Subscriptions are dropped rather than ever
// blocking the publisher.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/storynest/storynest/internal/bus"
	"github.com/storynest/storynest/internal/metrics"
	"github.com/storynest/storynest/internal/queue"
)

// sendBuffer is the per-subscription frame buffer. A subscription whose
// buffer is full when an event arrives is dropped.
const sendBuffer = 16

// Frame is one serialized server-sent event. A Frame with an empty
// Event name is a heartbeat.
type Frame struct {
	Event string
	Data  []byte
}

// Heartbeat is the keepalive frame.
var Heartbeat = Frame{}

// Subscription is one client's live event stream. Its channel closes
// when the hub drops the subscription; callers must also Unsubscribe on
// connection teardown.
type Subscription struct {
	OwnerID string
	JobID   string // optional filter; empty matches all of the owner's jobs

	ch     chan Frame
	missed int // consecutive heartbeats the subscriber failed to accept
}

// C returns the frame channel. Closed when the subscription is dropped.
func (s *Subscription) C() <-chan Frame {
	return s.ch
}

func (s *Subscription) matches(e queue.Event) bool {
	if s.OwnerID != e.OwnerID {
		return false
	}
	return s.JobID == "" || s.JobID == e.JobID
}

// Hub owns the subscription set. All mutation happens on the Run
// goroutine or under the mutex; subscribers only read their channel.
type Hub struct {
	events *bus.Subscription

	heartbeatEvery time.Duration

	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// NewHub creates a Hub consuming the given bus.
func NewHub(b *bus.Bus) *Hub {
	return &Hub{
		events:         b.Subscribe(),
		heartbeatEvery: 20 * time.Second,
		subs:           make(map[*Subscription]struct{}),
	}
}

// Subscribe registers a live stream for an owner, optionally filtered to
// one job. The caller must Unsubscribe when the connection ends.
func (h *Hub) Subscribe(ownerID, jobID string) *Subscription {
	s := &Subscription{OwnerID: ownerID, JobID: jobID, ch: make(chan Frame, sendBuffer)}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	metrics.SSESubscriptions.Inc()
	return s
}

// Unsubscribe removes a subscription. Safe to call after the hub already
// dropped it.
func (h *Hub) Unsubscribe(s *Subscription) {
	h.mu.Lock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		close(s.ch)
		metrics.SSESubscriptions.Dec()
	}
	h.mu.Unlock()
}

// Run consumes bus events and heartbeats until the context ends. It
// never blocks on a subscriber: a full buffer on an event drops the
// subscription, and two consecutive missed heartbeats do as well.
func (h *Hub) Run(ctx context.Context) {
	logger := slog.With("component", "stream")
	heartbeat := time.NewTicker(h.heartbeatEvery)
	defer heartbeat.Stop()
	defer h.closeAll()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-h.events.C():
			if !ok {
				return
			}
			frame := EncodeEvent(e)
			h.mu.Lock()
			for s := range h.subs {
				if !s.matches(e) {
					continue
				}
				select {
				case s.ch <- frame:
					s.missed = 0
				default:
					logger.Debug("dropping slow subscriber", "owner", s.OwnerID, "job", s.JobID)
					delete(h.subs, s)
					close(s.ch)
					metrics.SSESubscriptions.Dec()
				}
			}
			h.mu.Unlock()
		case <-heartbeat.C:
			h.mu.Lock()
			for s := range h.subs {
				select {
				case s.ch <- Heartbeat:
					s.missed = 0
				default:
					s.missed++
					if s.missed >= 2 {
						logger.Debug("dropping unresponsive subscriber", "owner", s.OwnerID, "job", s.JobID)
						delete(h.subs, s)
						close(s.ch)
						metrics.SSESubscriptions.Dec()
					}
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for s := range h.subs {
		delete(h.subs, s)
		close(s.ch)
		metrics.SSESubscriptions.Dec()
	}
	h.mu.Unlock()
	h.events.Close()
}

// eventPayload is the wire shape of an event frame's data field. It
// carries identifiers and a title only.
type eventPayload struct {
	JobID      string `json:"jobId"`
	State      string `json:"state"`
	Stage      string `json:"stage"`
	Progress   int    `json:"progress"`
	ArtifactID string `json:"artifactId,omitempty"`
	Title      string `json:"title,omitempty"`
	Error      string `json:"error,omitempty"`
}

// EncodeEvent serializes a bus event into an SSE frame.
func EncodeEvent(e queue.Event) Frame {
	data, _ := json.Marshal(eventPayload{
		JobID:      e.JobID,
		State:      string(e.State),
		Stage:      string(e.Stage),
		Progress:   e.Progress,
		ArtifactID: e.ArtifactID,
		Title:      e.Title,
		Error:      e.Error,
	})
	return Frame{Event: string(e.Type), Data: data}
}
