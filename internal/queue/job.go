// Package queue implements the durable generation job queue: typed job
// records, priority ordering, worker leases, progress tracking, retry
// bookkeeping and retention.
package queue

import (
	"encoding/json"
	"time"
)

// Kind selects which generator and worker pool handles a job.
type Kind string

const (
	KindStoryForPrompt Kind = "story_for_prompt"
	KindStoryForChild  Kind = "story_for_child"
	KindVoiceClone     Kind = "voice_clone"
)

// Kinds lists every job kind, in no particular order.
var Kinds = []Kind{KindStoryForPrompt, KindStoryForChild, KindVoiceClone}

// Valid reports whether k is a known job kind.
func (k Kind) Valid() bool {
	switch k {
	case KindStoryForPrompt, KindStoryForChild, KindVoiceClone:
		return true
	}
	return false
}

// IsVoice reports whether the kind is handled by the voice pool.
func (k Kind) IsVoice() bool { return k == KindVoiceClone }

// Priority is a scheduling band. Lower numeric value is scheduled earlier.
type Priority int

const (
	PriorityHigh   Priority = 1
	PriorityNormal Priority = 5
	PriorityLow    Priority = 10
)

// Valid reports whether p is one of the defined bands.
func (p Priority) Valid() bool {
	return p == PriorityHigh || p == PriorityNormal || p == PriorityLow
}

// State is a job lifecycle state. Terminal states are sticky.
type State string

const (
	StateQueued     State = "queued"
	StateProcessing State = "processing"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Stage is a named checkpoint within one attempt, mapped to a progress
// percentage.
type Stage string

const (
	StageQueued            Stage = "queued"
	StageProcessing        Stage = "processing"
	StageGeneratingContent Stage = "generating_content"
	StageGeneratingImage   Stage = "generating_image"
	StageGeneratingAudio   Stage = "generating_audio"
	StagePersisting        Stage = "persisting"
	StageCompleted         Stage = "completed"
)

// Progress returns the percentage associated with the stage.
func (s Stage) Progress() int {
	switch s {
	case StageQueued:
		return 0
	case StageProcessing:
		return 10
	case StageGeneratingContent:
		return 30
	case StageGeneratingImage:
		return 50
	case StageGeneratingAudio:
		return 70
	case StagePersisting:
		return 90
	case StageCompleted:
		return 100
	}
	return 0
}

// ErrorKind classifies a generation failure.
type ErrorKind string

const (
	ErrorRetryable ErrorKind = "retryable"
	ErrorPermanent ErrorKind = "permanent"
)

// Result references the produced artifact. The queue stores a reference
// and a human-visible title, never the generated content itself.
type Result struct {
	ArtifactID string `json:"artifactId"`
	Title      string `json:"title"`
}

// JobError is the terminal failure attached to a Failed job.
type JobError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Job is one submitted generation request and all its lifecycle state.
type Job struct {
	ID       string
	OwnerID  string
	Kind     Kind
	Payload  json.RawMessage
	Priority Priority

	State    State
	Stage    Stage
	Progress int

	AttemptsMade  int
	MaxAttempts   int
	NextAttemptAt time.Time

	SubmittedAt    time.Time
	LeasedBy       string
	LeasedAt       time.Time
	LeaseExpiresAt time.Time
	FinishedAt     time.Time

	Result *Result
	Error  *JobError
}
