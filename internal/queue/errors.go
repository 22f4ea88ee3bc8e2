package queue

import "errors"

// Sentinel errors surfaced by queue operations. The HTTP layer maps
// these to status codes.
var (
	ErrNotFound        = errors.New("job not found")
	ErrNotOwned        = errors.New("job not owned by caller")
	ErrAlreadyRunning  = errors.New("job already processing")
	ErrAlreadyTerminal = errors.New("job already finished")
	ErrLeaseLost       = errors.New("lease no longer held")
	ErrNotTerminal     = errors.New("job not finished yet")
	ErrResultExpired   = errors.New("job result expired")
)
