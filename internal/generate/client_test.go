package generate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storynest/storynest/internal/queue"
	"github.com/storynest/storynest/internal/worker"
)

func storyJob() *queue.Job {
	return &queue.Job{
		ID:      "job_1",
		Kind:    queue.KindStoryForPrompt,
		Payload: json.RawMessage(`{"prompt":"a brave snail"}`),
	}
}

func TestClient_GenerateStoryPipeline(t *testing.T) {
	var paths []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/stories/text":
			var req storyTextRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "job_1", req.JobID)
			_ = json.NewEncoder(w).Encode(storyTextResponse{StoryID: "story_9", Title: "The Brave Snail"})
		default:
			_, _ = w.Write([]byte(`{}`))
		}
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "secret", time.Second)

	var stages []queue.Stage
	report := func(s queue.Stage) { stages = append(stages, s) }

	artifact, err := c.Generate(context.Background(), storyJob(), report)
	require.NoError(t, err)
	assert.Equal(t, "story_9", artifact.ID)
	assert.Equal(t, "The Brave Snail", artifact.Title)

	assert.Equal(t, []string{
		"/v1/stories/text",
		"/v1/stories/story_9/illustration",
		"/v1/stories/story_9/narration",
	}, paths)
	assert.Equal(t, []queue.Stage{queue.StageGeneratingImage, queue.StageGeneratingAudio}, stages)
}

func TestClient_GenerateVoice(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/voices", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(voiceResponse{VoiceID: "voice_3", Name: "Mom"})
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "", time.Second)

	var stages []queue.Stage
	artifact, err := c.Generate(context.Background(), &queue.Job{
		ID:   "job_2",
		Kind: queue.KindVoiceClone,
	}, func(s queue.Stage) { stages = append(stages, s) })
	require.NoError(t, err)
	assert.Equal(t, "voice_3", artifact.ID)
	assert.Equal(t, []queue.Stage{queue.StageGeneratingAudio}, stages)
}

func TestClient_StatusErrorsCarryTheCode(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "moderation rejected", http.StatusUnprocessableEntity)
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "", time.Second)
	_, err := c.Generate(context.Background(), storyJob(), func(queue.Stage) {})
	require.Error(t, err)

	// 422 classifies as permanent so the queue will not retry it.
	assert.Equal(t, queue.ErrorPermanent, worker.Classify(err))
}

func TestClient_ServerErrorIsRetryable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "", time.Second)
	_, err := c.Generate(context.Background(), storyJob(), func(queue.Stage) {})
	require.Error(t, err)
	assert.Equal(t, queue.ErrorRetryable, worker.Classify(err))
}
