package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFCM_SendPartitionsResults(t *testing.T) {
	var got fcmRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key=server-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		resp := fcmResponse{
			Success: 1,
			Failure: 2,
			Results: []fcmResult{
				{MessageID: "m1"},
				{Error: "NotRegistered"},
				{Error: "Unavailable"},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer ts.Close()

	f := NewFCM("server-key", time.Second)
	f.SetEndpoint(ts.URL)

	report, err := f.Send(context.Background(), []string{"tok-a", "tok-b", "tok-c"}, Message{
		Title:    "Your story is ready!",
		Body:     "The Brave Snail",
		Priority: PriorityHigh,
		Data:     map[string]string{"jobId": "job_1"},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Delivered)
	assert.Equal(t, []string{"tok-b"}, report.Invalid)
	assert.Equal(t, []string{"tok-c"}, report.Failed)

	assert.Equal(t, []string{"tok-a", "tok-b", "tok-c"}, got.RegistrationIDs)
	assert.Equal(t, "high", got.Priority)
	require.NotNil(t, got.Notification)
	assert.Equal(t, "Your story is ready!", got.Notification.Title)
	assert.Equal(t, "job_1", got.Data["jobId"])
}

func TestFCM_SendNoTokens(t *testing.T) {
	f := NewFCM("server-key", time.Second)
	report, err := f.Send(context.Background(), nil, Message{Title: "x"})
	require.NoError(t, err)
	assert.Equal(t, Report{}, report)
}

func TestFCM_ProviderError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "server key rejected", http.StatusUnauthorized)
	}))
	defer ts.Close()

	f := NewFCM("bad-key", time.Second)
	f.SetEndpoint(ts.URL)

	_, err := f.Send(context.Background(), []string{"tok-a"}, Message{Title: "x"})
	require.Error(t, err)
}

func TestDisabledProvider(t *testing.T) {
	_, err := Disabled{}.Send(context.Background(), []string{"tok-a"}, Message{})
	assert.ErrorIs(t, err, ErrDisabled)
}
