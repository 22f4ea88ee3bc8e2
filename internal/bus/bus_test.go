package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storynest/storynest/internal/queue"
)

func TestBus_PublishAndReceiveInOrder(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	defer sub.Close()

	b.Publish(queue.Event{Type: queue.EventSubmitted, JobID: "j1"})
	b.Publish(queue.Event{Type: queue.EventProgress, JobID: "j1", Progress: 10})
	b.Publish(queue.Event{Type: queue.EventSucceeded, JobID: "j1"})

	assert.Equal(t, queue.EventSubmitted, (<-sub.C()).Type)
	assert.Equal(t, queue.EventProgress, (<-sub.C()).Type)
	assert.Equal(t, queue.EventSucceeded, (<-sub.C()).Type)
}

func TestBus_FanOut(t *testing.T) {
	b := New()
	a := b.Subscribe()
	defer a.Close()
	c := b.Subscribe()
	defer c.Close()

	b.Publish(queue.Event{Type: queue.EventSubmitted, JobID: "j1"})

	assert.Equal(t, "j1", (<-a.C()).JobID)
	assert.Equal(t, "j1", (<-c.C()).JobID)
}

func TestBus_SlowSubscriberLosesEventsNotPublisher(t *testing.T) {
	b := New()
	slow := b.Subscribe()
	defer slow.Close()

	// Publish past the buffer; none of these calls may block.
	for i := 0; i < subscriberBuffer+10; i++ {
		b.Publish(queue.Event{Type: queue.EventProgress, JobID: "j1", Progress: i})
	}

	// The subscriber sees exactly the buffered prefix.
	var got int
	for {
		select {
		case <-slow.C():
			got++
			continue
		default:
		}
		break
	}
	assert.Equal(t, subscriberBuffer, got)
}

func TestBus_CloseDetaches(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	sub.Close()
	sub.Close() // idempotent

	// Publishing after close must not panic or deliver.
	b.Publish(queue.Event{Type: queue.EventSubmitted, JobID: "j1"})

	_, ok := <-sub.C()
	require.False(t, ok)
}
