// Package notify delivers terminal job events to the owner's devices:
// push first, email fallback. It runs off the worker's path, driven by
// the event bus, and never propagates failures back into the queue.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/storynest/storynest/internal/bus"
	"github.com/storynest/storynest/internal/devices"
	"github.com/storynest/storynest/internal/metrics"
	"github.com/storynest/storynest/internal/push"
	"github.com/storynest/storynest/internal/queue"
)

// Registry resolves and maintains the owner's push endpoints.
type Registry interface {
	ListActive(ctx context.Context, ownerID string) ([]devices.Token, error)
	InvalidateMany(ctx context.Context, tokens []string) error
}

// Mailer is the email fallback transport.
type Mailer interface {
	SendStoryReady(to, storyTitle, artifactID string) error
}

// Directory resolves a user's notification email address.
type Directory interface {
	Email(ctx context.Context, userID string) (string, error)
}

// Dispatcher consumes terminal events from the bus and fans them out.
type Dispatcher struct {
	events    *bus.Subscription
	registry  Registry
	provider  push.Provider
	mailer    Mailer
	directory Directory

	pushTimeout time.Duration
	logger      *slog.Logger
}

// NewDispatcher creates a Dispatcher subscribed to the bus. Mailer and
// directory may be nil, disabling the email fallback.
func NewDispatcher(b *bus.Bus, registry Registry, provider push.Provider, mailer Mailer, directory Directory) *Dispatcher {
	return &Dispatcher{
		events:      b.Subscribe(),
		registry:    registry,
		provider:    provider,
		mailer:      mailer,
		directory:   directory,
		pushTimeout: 10 * time.Second,
		logger:      slog.With("component", "notify"),
	}
}

// Run consumes events until the context ends. Progress events are
// ignored: progress is never pushed out-of-band.
func (d *Dispatcher) Run(ctx context.Context) {
	defer d.events.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-d.events.C():
			if !ok {
				return
			}
			switch e.Type {
			case queue.EventSucceeded:
				d.onSucceeded(ctx, e)
			case queue.EventFailed:
				d.onFailed(ctx, e)
			}
		}
	}
}

// onSucceeded pushes a completion notification to every active device
// and falls back to email when the user has no devices or the provider
// call fails entirely.
func (d *Dispatcher) onSucceeded(ctx context.Context, e queue.Event) {
	tokens, err := d.listTokens(ctx, e.OwnerID)
	if err != nil {
		d.logger.Error("resolve devices", "job", e.JobID, "error", err)
		return
	}
	if len(tokens) == 0 {
		d.emailFallback(ctx, e)
		return
	}

	msg := push.Message{
		Title:    "Your story is ready!",
		Body:     e.Title,
		Priority: push.PriorityHigh,
		Data: map[string]string{
			"type":       completionType(e.Kind),
			"jobId":      e.JobID,
			"artifactId": e.ArtifactID,
			"action":     "open_artifact",
		},
	}
	if e.Kind.IsVoice() {
		msg.Title = "Your voice is ready!"
	}

	if !d.multicast(ctx, e, tokens, msg) {
		d.emailFallback(ctx, e)
	}
}

// onFailed sends an opportunistic failure notification: lower priority,
// no email fallback.
func (d *Dispatcher) onFailed(ctx context.Context, e queue.Event) {
	tokens, err := d.listTokens(ctx, e.OwnerID)
	if err != nil {
		d.logger.Error("resolve devices", "job", e.JobID, "error", err)
		return
	}
	if len(tokens) == 0 {
		return
	}

	msg := push.Message{
		Title:    "Generation failed",
		Body:     "We couldn't finish this one. Please try again.",
		Priority: push.PriorityNormal,
		Data: map[string]string{
			"type":         failureType(e.Kind),
			"jobId":        e.JobID,
			"errorSummary": e.Error,
		},
	}
	d.multicast(ctx, e, tokens, msg)
}

// multicast sends one provider call for all tokens, invalidates the
// dead ones and counts the rest. Reports false on total failure.
func (d *Dispatcher) multicast(ctx context.Context, e queue.Event, tokens []string, msg push.Message) bool {
	sendCtx, cancel := context.WithTimeout(ctx, d.pushTimeout)
	defer cancel()

	report, err := d.provider.Send(sendCtx, tokens, msg)
	if err != nil {
		d.logger.Warn("push delivery failed", "job", e.JobID, "devices", len(tokens), "error", err)
		return false
	}

	metrics.PushDeliveries.WithLabelValues("delivered").Add(float64(report.Delivered))
	if len(report.Invalid) > 0 {
		metrics.PushDeliveries.WithLabelValues("invalid_token").Add(float64(len(report.Invalid)))
		if err := d.registry.InvalidateMany(ctx, report.Invalid); err != nil {
			d.logger.Error("invalidate device tokens", "count", len(report.Invalid), "error", err)
		} else {
			d.logger.Info("invalidated stale device tokens", "count", len(report.Invalid))
		}
	}
	if len(report.Failed) > 0 {
		metrics.PushDeliveries.WithLabelValues("error").Add(float64(len(report.Failed)))
		d.logger.Warn("partial push delivery", "job", e.JobID, "failed", len(report.Failed))
	}
	return true
}

// emailFallback delivers a success notification by mail. Only success
// notifications fall back; failures are opportunistic.
func (d *Dispatcher) emailFallback(ctx context.Context, e queue.Event) {
	if d.mailer == nil || d.directory == nil {
		return
	}
	to, err := d.directory.Email(ctx, e.OwnerID)
	if err != nil {
		d.logger.Error("resolve email", "owner", e.OwnerID, "error", err)
		return
	}
	if to == "" {
		d.logger.Debug("no email on record, dropping notification", "owner", e.OwnerID, "job", e.JobID)
		return
	}
	if err := d.mailer.SendStoryReady(to, e.Title, e.ArtifactID); err != nil {
		d.logger.Warn("email fallback failed", "job", e.JobID, "error", err)
		return
	}
	metrics.EmailFallbacks.Inc()
	d.logger.Info("notification delivered via email", "job", e.JobID)
}

func (d *Dispatcher) listTokens(ctx context.Context, ownerID string) ([]string, error) {
	active, err := d.registry.ListActive(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list active tokens: %w", err)
	}
	tokens := make([]string, len(active))
	for i, t := range active {
		tokens[i] = t.Token
	}
	return tokens, nil
}

func completionType(k queue.Kind) string {
	if k.IsVoice() {
		return "voice_generation_complete"
	}
	return "story_generation_complete"
}

func failureType(k queue.Kind) string {
	if k.IsVoice() {
		return "voice_generation_failed"
	}
	return "story_generation_failed"
}
