// Package bus is a bounded in-process publish/subscribe channel for job
// lifecycle events. Delivery is best-effort: a subscriber that cannot
// keep up loses events rather than blocking the publisher.
package bus

import (
	"sync"

	"github.com/storynest/storynest/internal/queue"
)

// subscriberBuffer is the per-subscriber channel depth. Publications
// beyond a full buffer are dropped for that subscriber only.
const subscriberBuffer = 64

// Subscription is one subscriber's view of the event stream.
type Subscription struct {
	ch   chan queue.Event
	once sync.Once
	bus  *Bus
}

// C returns the channel delivering events for this subscription. The
// channel is closed when the subscription is closed.
func (s *Subscription) C() <-chan queue.Event {
	return s.ch
}

// Close detaches the subscription. Safe to call multiple times.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.remove(s)
		close(s.ch)
	})
}

// Bus fans job lifecycle events out to current subscribers. Events for a
// single job arrive at every subscriber in publication order because the
// queue publishes each job's transitions sequentially.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe attaches a new subscriber. Events published before the
// subscription was established are not replayed.
func (b *Bus) Subscribe() *Subscription {
	s := &Subscription{ch: make(chan queue.Event, subscriberBuffer), bus: b}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Publish delivers an event to all current subscribers. Non-blocking:
// drops the event for subscribers whose buffer is full.
func (b *Bus) Publish(e queue.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
			// Subscriber buffer full -- drop to avoid blocking the queue.
		}
	}
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}
