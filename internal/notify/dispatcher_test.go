package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storynest/storynest/internal/bus"
	"github.com/storynest/storynest/internal/devices"
	"github.com/storynest/storynest/internal/push"
	"github.com/storynest/storynest/internal/queue"
)

type fakeRegistry struct {
	mu          sync.Mutex
	tokens      map[string][]devices.Token
	invalidated []string
}

func (f *fakeRegistry) ListActive(ctx context.Context, ownerID string) ([]devices.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokens[ownerID], nil
}

func (f *fakeRegistry) InvalidateMany(ctx context.Context, tokens []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, tokens...)
	return nil
}

type sentPush struct {
	tokens []string
	msg    push.Message
}

type fakeProvider struct {
	mu     sync.Mutex
	sent   []sentPush
	report push.Report
	err    error
}

func (f *fakeProvider) Send(ctx context.Context, tokens []string, msg push.Message) (push.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentPush{tokens: tokens, msg: msg})
	return f.report, f.err
}

func (f *fakeProvider) sends() []sentPush {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentPush(nil), f.sent...)
}

type sentMail struct {
	to, title, artifactID string
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []sentMail
}

func (f *fakeMailer) SendStoryReady(to, storyTitle, artifactID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMail{to: to, title: storyTitle, artifactID: artifactID})
	return nil
}

func (f *fakeMailer) mails() []sentMail {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMail(nil), f.sent...)
}

type fakeDirectory map[string]string

func (f fakeDirectory) Email(ctx context.Context, userID string) (string, error) {
	return f[userID], nil
}

func startDispatcher(t *testing.T, b *bus.Bus, reg Registry, p push.Provider, m Mailer, dir Directory) {
	t.Helper()
	d := NewDispatcher(b, reg, p, m, dir)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func ownerTokens(tokens ...string) map[string][]devices.Token {
	out := map[string][]devices.Token{}
	for _, tok := range tokens {
		out["u1"] = append(out["u1"], devices.Token{Token: tok, OwnerID: "u1", Active: true})
	}
	return out
}

func TestDispatcher_SuccessPush(t *testing.T) {
	b := bus.New()
	reg := &fakeRegistry{tokens: ownerTokens("tok-a", "tok-b")}
	provider := &fakeProvider{report: push.Report{Delivered: 2}}
	mailer := &fakeMailer{}
	startDispatcher(t, b, reg, provider, mailer, fakeDirectory{"u1": "parent@example.com"})

	b.Publish(queue.Event{
		Type: queue.EventSucceeded, JobID: "job_1", OwnerID: "u1",
		Kind: queue.KindStoryForPrompt, ArtifactID: "art_1", Title: "The Brave Snail",
	})

	require.Eventually(t, func() bool { return len(provider.sends()) == 1 }, 2*time.Second, 10*time.Millisecond)

	sent := provider.sends()[0]
	assert.ElementsMatch(t, []string{"tok-a", "tok-b"}, sent.tokens)
	assert.Equal(t, "Your story is ready!", sent.msg.Title)
	assert.Equal(t, "The Brave Snail", sent.msg.Body)
	assert.Equal(t, push.PriorityHigh, sent.msg.Priority)
	assert.Equal(t, map[string]string{
		"type":       "story_generation_complete",
		"jobId":      "job_1",
		"artifactId": "art_1",
		"action":     "open_artifact",
	}, sent.msg.Data)

	// Push worked: no email.
	assert.Empty(t, mailer.mails())
}

func TestDispatcher_VoiceSuccessTitle(t *testing.T) {
	b := bus.New()
	provider := &fakeProvider{report: push.Report{Delivered: 1}}
	startDispatcher(t, b, &fakeRegistry{tokens: ownerTokens("tok-a")}, provider, nil, nil)

	b.Publish(queue.Event{
		Type: queue.EventSucceeded, JobID: "job_1", OwnerID: "u1",
		Kind: queue.KindVoiceClone, ArtifactID: "voice_1", Title: "Mom",
	})

	require.Eventually(t, func() bool { return len(provider.sends()) == 1 }, 2*time.Second, 10*time.Millisecond)
	sent := provider.sends()[0]
	assert.Equal(t, "Your voice is ready!", sent.msg.Title)
	assert.Equal(t, "voice_generation_complete", sent.msg.Data["type"])
}

func TestDispatcher_NoDevicesFallsBackToEmail(t *testing.T) {
	b := bus.New()
	provider := &fakeProvider{}
	mailer := &fakeMailer{}
	startDispatcher(t, b, &fakeRegistry{}, provider, mailer, fakeDirectory{"u1": "parent@example.com"})

	b.Publish(queue.Event{
		Type: queue.EventSucceeded, JobID: "job_1", OwnerID: "u1",
		Kind: queue.KindStoryForPrompt, ArtifactID: "art_1", Title: "The Brave Snail",
	})

	require.Eventually(t, func() bool { return len(mailer.mails()) == 1 }, 2*time.Second, 10*time.Millisecond)
	mail := mailer.mails()[0]
	assert.Equal(t, "parent@example.com", mail.to)
	assert.Equal(t, "The Brave Snail", mail.title)
	assert.Equal(t, "art_1", mail.artifactID)
	assert.Empty(t, provider.sends())
}

func TestDispatcher_TotalPushFailureFallsBackToEmail(t *testing.T) {
	b := bus.New()
	provider := &fakeProvider{err: push.ErrDisabled}
	mailer := &fakeMailer{}
	startDispatcher(t, b, &fakeRegistry{tokens: ownerTokens("tok-a")}, provider, mailer, fakeDirectory{"u1": "parent@example.com"})

	b.Publish(queue.Event{
		Type: queue.EventSucceeded, JobID: "job_1", OwnerID: "u1",
		Kind: queue.KindStoryForPrompt, ArtifactID: "art_1", Title: "The Brave Snail",
	})

	require.Eventually(t, func() bool { return len(mailer.mails()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestDispatcher_InvalidTokensAreInvalidated(t *testing.T) {
	b := bus.New()
	reg := &fakeRegistry{tokens: ownerTokens("tok-a", "tok-b")}
	provider := &fakeProvider{report: push.Report{Delivered: 1, Invalid: []string{"tok-b"}}}
	startDispatcher(t, b, reg, provider, nil, nil)

	b.Publish(queue.Event{
		Type: queue.EventSucceeded, JobID: "job_1", OwnerID: "u1",
		Kind: queue.KindStoryForPrompt, ArtifactID: "art_1", Title: "t",
	})

	require.Eventually(t, func() bool {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		return len(reg.invalidated) == 1
	}, 2*time.Second, 10*time.Millisecond)

	reg.mu.Lock()
	defer reg.mu.Unlock()
	assert.Equal(t, []string{"tok-b"}, reg.invalidated)
}

func TestDispatcher_FailureNotificationIsOpportunistic(t *testing.T) {
	b := bus.New()
	provider := &fakeProvider{report: push.Report{Delivered: 1}}
	mailer := &fakeMailer{}
	startDispatcher(t, b, &fakeRegistry{tokens: ownerTokens("tok-a")}, provider, mailer, fakeDirectory{"u1": "parent@example.com"})

	b.Publish(queue.Event{
		Type: queue.EventFailed, JobID: "job_1", OwnerID: "u1",
		Kind: queue.KindStoryForPrompt, Error: "upstream hiccup",
	})

	require.Eventually(t, func() bool { return len(provider.sends()) == 1 }, 2*time.Second, 10*time.Millisecond)
	sent := provider.sends()[0]
	assert.Equal(t, push.PriorityNormal, sent.msg.Priority)
	assert.Equal(t, map[string]string{
		"type":         "story_generation_failed",
		"jobId":        "job_1",
		"errorSummary": "upstream hiccup",
	}, sent.msg.Data)
	assert.Empty(t, mailer.mails())
}

func TestDispatcher_FailureWithoutDevicesIsDropped(t *testing.T) {
	b := bus.New()
	provider := &fakeProvider{}
	mailer := &fakeMailer{}
	startDispatcher(t, b, &fakeRegistry{}, provider, mailer, fakeDirectory{"u1": "parent@example.com"})

	b.Publish(queue.Event{
		Type: queue.EventFailed, JobID: "job_1", OwnerID: "u1",
		Kind: queue.KindStoryForPrompt, Error: "upstream hiccup",
	})
	// Also ignore progress outright.
	b.Publish(queue.Event{
		Type: queue.EventProgress, JobID: "job_1", OwnerID: "u1",
		Kind: queue.KindStoryForPrompt, Progress: 30,
	})

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, provider.sends())
	assert.Empty(t, mailer.mails())
}
