package queue

// EventType names a job lifecycle transition.
type EventType string

const (
	EventSubmitted EventType = "submitted"
	EventProgress  EventType = "progress"
	EventSucceeded EventType = "succeeded"
	EventFailed    EventType = "failed"
	EventCancelled EventType = "cancelled"
)

// Event is one job lifecycle event as published on the in-process bus.
// It carries identifiers and a title only, never generated content.
type Event struct {
	Type    EventType
	JobID   string
	OwnerID string
	Kind    Kind

	State    State
	Stage    Stage
	Progress int

	// Set on Succeeded.
	ArtifactID string
	Title      string

	// Set on Failed.
	Error string
}

// EventSink receives job lifecycle events. Publication must never block
// the queue; implementations drop events for slow subscribers.
type EventSink interface {
	Publish(Event)
}

// NopSink discards all events. Useful in tests that only exercise the
// store.
type NopSink struct{}

func (NopSink) Publish(Event) {}
