// Package worker runs the per-kind worker pools that lease jobs, invoke
// the generator, report progress and commit results.
package worker

import (
	"context"

	"github.com/storynest/storynest/internal/queue"
)

// Artifact references a successfully produced story or voice asset. The
// backend stores the reference, not the bytes.
type Artifact struct {
	ID    string
	Title string
}

// ProgressFunc reports a stage checkpoint for the running attempt.
// Generators call it at stage boundaries; reports for earlier stages
// are ignored by the queue.
type ProgressFunc func(stage queue.Stage)

// Generator produces content for one job. Implementations wrap the AI
// pipelines (LLM prompting, image synthesis, text-to-speech), which live
// outside this backend.
//
// Generate must honor ctx cancellation and should classify its failures
// with Permanent for errors that a retry cannot fix.
type Generator interface {
	Generate(ctx context.Context, job *queue.Job, report ProgressFunc) (Artifact, error)
}
