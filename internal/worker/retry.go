package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/storynest/storynest/internal/queue"
)

// PermanentError marks a failure that no retry can fix. Generators wrap
// validation, authorization and not-found errors with Permanent.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// StatusError reports an HTTP status from a downstream provider.
type StatusError struct {
	Code int
	Msg  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider returned %d: %s", e.Code, e.Msg)
}

// Classify maps a generation error to the retry taxonomy:
//   - explicit Permanent marker, and provider 4xx except 429: permanent
//   - timeouts, 429, 5xx, network errors, everything else: retryable
func Classify(err error) queue.ErrorKind {
	var perm *PermanentError
	if errors.As(err, &perm) {
		return queue.ErrorPermanent
	}

	var status *StatusError
	if errors.As(err, &status) {
		if status.Code >= 400 && status.Code < 500 && status.Code != http.StatusTooManyRequests {
			return queue.ErrorPermanent
		}
		return queue.ErrorRetryable
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return queue.ErrorRetryable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return queue.ErrorRetryable
	}

	return queue.ErrorRetryable
}
