// Package push delivers mobile push notifications. The concrete
// provider is FCM; the Provider interface keeps the dispatcher and tests
// independent of it.
package push

import (
	"context"
	"errors"
)

// Priority of a notification. Success notifications are high priority,
// failure notifications normal.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
)

// Message is one notification payload. Data carries identifiers only,
// never generated content.
type Message struct {
	Title    string
	Body     string
	Data     map[string]string
	Priority Priority
}

// Report partitions the per-device outcomes of one multicast.
type Report struct {
	Delivered int
	// Invalid lists tokens the provider reported as no longer
	// registered; the caller must invalidate them.
	Invalid []string
	// Failed lists tokens that failed for any other reason.
	Failed []string
}

// Provider sends one multicast per user. A non-nil error means the
// provider call itself failed (total failure); per-device errors are
// reported in the Report instead.
type Provider interface {
	Send(ctx context.Context, tokens []string, msg Message) (Report, error)
}

// Disabled is the Provider used when push is not configured. Every send
// is a total failure, so the dispatcher falls back to email.
type Disabled struct{}

func (Disabled) Send(ctx context.Context, tokens []string, msg Message) (Report, error) {
	return Report{}, ErrDisabled
}

// ErrDisabled is returned by the Disabled provider.
var ErrDisabled = errors.New("push delivery is disabled")
