// Package generate implements the Generator capability as an HTTP
// client of the generation service, which hosts the actual AI pipelines
// (LLM prompting, image synthesis, text-to-speech).
package generate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/storynest/storynest/internal/queue"
	"github.com/storynest/storynest/internal/worker"
)

// Client calls the generation service. One story job makes three
// pipeline calls (text, illustration, narration); a voice job makes one.
type Client struct {
	client *resty.Client
}

// NewClient creates a Client for the service at baseURL. The timeout
// bounds a single pipeline call, not the whole job; the worker's attempt
// deadline bounds that.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if apiKey != "" {
		c.SetAuthToken(apiKey)
	}
	return &Client{client: c}
}

type storyTextRequest struct {
	JobID   string          `json:"jobId"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

type storyTextResponse struct {
	StoryID string `json:"storyId"`
	Title   string `json:"title"`
}

type voiceRequest struct {
	JobID   string          `json:"jobId"`
	Payload json.RawMessage `json:"payload"`
}

type voiceResponse struct {
	VoiceID string `json:"voiceId"`
	Name    string `json:"name"`
}

// Generate runs the pipeline for the job's kind. The job id doubles as
// the upstream idempotency key, so a retried attempt resumes rather than
// duplicates work.
func (c *Client) Generate(ctx context.Context, job *queue.Job, report worker.ProgressFunc) (worker.Artifact, error) {
	if job.Kind.IsVoice() {
		return c.generateVoice(ctx, job, report)
	}
	return c.generateStory(ctx, job, report)
}

func (c *Client) generateStory(ctx context.Context, job *queue.Job, report worker.ProgressFunc) (worker.Artifact, error) {
	var text storyTextResponse
	err := c.post(ctx, "/v1/stories/text", storyTextRequest{
		JobID:   job.ID,
		Kind:    string(job.Kind),
		Payload: job.Payload,
	}, &text)
	if err != nil {
		return worker.Artifact{}, fmt.Errorf("story text: %w", err)
	}

	report(queue.StageGeneratingImage)
	err = c.post(ctx, "/v1/stories/"+text.StoryID+"/illustration", voiceRequest{JobID: job.ID}, nil)
	if err != nil {
		return worker.Artifact{}, fmt.Errorf("story illustration: %w", err)
	}

	report(queue.StageGeneratingAudio)
	err = c.post(ctx, "/v1/stories/"+text.StoryID+"/narration", voiceRequest{JobID: job.ID}, nil)
	if err != nil {
		return worker.Artifact{}, fmt.Errorf("story narration: %w", err)
	}

	return worker.Artifact{ID: text.StoryID, Title: text.Title}, nil
}

func (c *Client) generateVoice(ctx context.Context, job *queue.Job, report worker.ProgressFunc) (worker.Artifact, error) {
	report(queue.StageGeneratingAudio)
	var out voiceResponse
	err := c.post(ctx, "/v1/voices", voiceRequest{JobID: job.ID, Payload: job.Payload}, &out)
	if err != nil {
		return worker.Artifact{}, fmt.Errorf("voice clone: %w", err)
	}
	return worker.Artifact{ID: out.VoiceID, Title: out.Name}, nil
}

// post issues one pipeline call. Non-2xx responses become StatusError so
// the worker's classifier can decide retryability from the code.
func (c *Client) post(ctx context.Context, path string, body, result any) error {
	req := c.client.R().SetContext(ctx).SetBody(body)
	if result != nil {
		req.SetResult(result)
	}
	resp, err := req.Post(path)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return &worker.StatusError{Code: resp.StatusCode(), Msg: resp.String()}
	}
	return nil
}
