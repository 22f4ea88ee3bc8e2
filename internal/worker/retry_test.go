package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/storynest/storynest/internal/queue"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want queue.ErrorKind
	}{
		{"permanent marker", Permanent(errors.New("bad prompt")), queue.ErrorPermanent},
		{"wrapped permanent marker", fmt.Errorf("generate: %w", Permanent(errors.New("bad"))), queue.ErrorPermanent},
		{"status 400", &StatusError{Code: 400, Msg: "bad request"}, queue.ErrorPermanent},
		{"status 404", &StatusError{Code: 404, Msg: "missing kid"}, queue.ErrorPermanent},
		{"status 422", &StatusError{Code: 422, Msg: "moderation"}, queue.ErrorPermanent},
		{"status 429 is retryable", &StatusError{Code: 429, Msg: "rate limited"}, queue.ErrorRetryable},
		{"status 500", &StatusError{Code: 500, Msg: "oops"}, queue.ErrorRetryable},
		{"status 503", &StatusError{Code: 503, Msg: "overloaded"}, queue.ErrorRetryable},
		{"deadline exceeded", context.DeadlineExceeded, queue.ErrorRetryable},
		{"wrapped deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), queue.ErrorRetryable},
		{"net timeout", &net.DNSError{IsTimeout: true}, queue.ErrorRetryable},
		{"unknown error defaults retryable", errors.New("mystery"), queue.ErrorRetryable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestPermanent_NilPassthrough(t *testing.T) {
	assert.NoError(t, Permanent(nil))
}

func TestStatusError_Message(t *testing.T) {
	err := &StatusError{Code: 503, Msg: "overloaded"}
	assert.Contains(t, err.Error(), "503")

	wrapped := fmt.Errorf("voice clone: %w", err)
	var got *StatusError
	assert.True(t, errors.As(wrapped, &got))
}
