package stream

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storynest/storynest/internal/bus"
	"github.com/storynest/storynest/internal/queue"
)

func startHub(t *testing.T, b *bus.Bus, heartbeat time.Duration) *Hub {
	t.Helper()
	h := NewHub(b)
	if heartbeat > 0 {
		h.heartbeatEvery = heartbeat
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func recvFrame(t *testing.T, sub *Subscription) Frame {
	t.Helper()
	select {
	case f, ok := <-sub.C():
		require.True(t, ok, "subscription closed")
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return Frame{}
	}
}

func TestHub_DeliversOwnerEvents(t *testing.T) {
	b := bus.New()
	h := startHub(t, b, 0)

	sub := h.Subscribe("u1", "")
	defer h.Unsubscribe(sub)

	b.Publish(queue.Event{
		Type: queue.EventProgress, JobID: "job_1", OwnerID: "u1",
		State: queue.StateProcessing, Stage: queue.StageGeneratingContent, Progress: 30,
	})

	f := recvFrame(t, sub)
	assert.Equal(t, "progress", f.Event)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(f.Data, &payload))
	assert.Equal(t, "job_1", payload["jobId"])
	assert.Equal(t, "generating_content", payload["stage"])
	assert.Equal(t, float64(30), payload["progress"])
}

func TestHub_FiltersByOwner(t *testing.T) {
	b := bus.New()
	h := startHub(t, b, 0)

	sub := h.Subscribe("u2", "")
	defer h.Unsubscribe(sub)

	b.Publish(queue.Event{Type: queue.EventProgress, JobID: "job_1", OwnerID: "u1"})

	select {
	case f := <-sub.C():
		t.Fatalf("unexpected frame for other owner: %+v", f)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHub_FiltersByJob(t *testing.T) {
	b := bus.New()
	h := startHub(t, b, 0)

	sub := h.Subscribe("u1", "job_2")
	defer h.Unsubscribe(sub)

	b.Publish(queue.Event{Type: queue.EventProgress, JobID: "job_1", OwnerID: "u1"})
	b.Publish(queue.Event{Type: queue.EventSucceeded, JobID: "job_2", OwnerID: "u1"})

	f := recvFrame(t, sub)
	assert.Equal(t, "succeeded", f.Event)
}

func TestHub_EventPayloadCarriesNoContent(t *testing.T) {
	f := EncodeEvent(queue.Event{
		Type: queue.EventSucceeded, JobID: "job_1", OwnerID: "u1",
		State: queue.StateSucceeded, Stage: queue.StageCompleted, Progress: 100,
		ArtifactID: "art_1", Title: "The Brave Snail",
	})

	var payload map[string]any
	require.NoError(t, json.Unmarshal(f.Data, &payload))
	// Identifiers and title only.
	for key := range payload {
		assert.Contains(t, []string{"jobId", "state", "stage", "progress", "artifactId", "title"}, key)
	}
}

func TestHub_DropsSlowSubscriberOnEvent(t *testing.T) {
	b := bus.New()
	h := startHub(t, b, 0)

	sub := h.Subscribe("u1", "")

	// Fill the buffer without reading, then overflow it.
	for i := 0; i <= sendBuffer; i++ {
		b.Publish(queue.Event{Type: queue.EventProgress, JobID: "job_1", OwnerID: "u1", Progress: i})
	}

	require.Eventually(t, func() bool {
		for {
			_, ok := <-sub.C()
			if !ok {
				return true
			}
		}
	}, 2*time.Second, 10*time.Millisecond, "expected subscription channel to close")
}

func TestHub_DropsSubscriberAfterMissedHeartbeats(t *testing.T) {
	b := bus.New()
	h := startHub(t, b, 20*time.Millisecond)

	sub := h.Subscribe("u1", "")

	// Exactly fill the buffer: every event send succeeds, but the
	// following heartbeats cannot be accepted. Two missed intervals and
	// the hub closes the channel without any further events.
	for i := 0; i < sendBuffer; i++ {
		b.Publish(queue.Event{Type: queue.EventProgress, JobID: "job_1", OwnerID: "u1", Progress: i})
	}

	// Observe the drop via the subscription set so the check itself never
	// drains the buffer and makes room for a heartbeat.
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		_, ok := h.subs[sub]
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	for {
		if _, ok := <-sub.C(); !ok {
			break
		}
	}
}

func TestHub_UnsubscribeIsIdempotentWithDrop(t *testing.T) {
	b := bus.New()
	h := startHub(t, b, 0)

	sub := h.Subscribe("u1", "")
	h.Unsubscribe(sub)
	h.Unsubscribe(sub) // second call is a no-op

	_, ok := <-sub.C()
	assert.False(t, ok)
}
