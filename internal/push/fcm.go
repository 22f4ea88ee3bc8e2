package push

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// DefaultEndpoint is the FCM legacy HTTP multicast endpoint.
const DefaultEndpoint = "https://fcm.googleapis.com/fcm/send"

// Provider-reported error strings that mean the token is gone for good.
const (
	errNotRegistered       = "NotRegistered"
	errInvalidRegistration = "InvalidRegistration"
	errMismatchSenderID    = "MismatchSenderId"
)

// FCM sends notifications through Firebase Cloud Messaging.
type FCM struct {
	client   *resty.Client
	endpoint string
}

// NewFCM creates an FCM provider authenticated with a server key. The
// call timeout is bounded so a slow provider never delays the caller
// beyond it.
func NewFCM(serverKey string, timeout time.Duration) *FCM {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Authorization", "key="+serverKey).
		SetHeader("Content-Type", "application/json")
	return &FCM{client: client, endpoint: DefaultEndpoint}
}

// SetEndpoint overrides the provider URL. Used in tests.
func (f *FCM) SetEndpoint(url string) { f.endpoint = url }

type fcmRequest struct {
	RegistrationIDs []string          `json:"registration_ids"`
	Priority        string            `json:"priority"`
	Notification    *fcmNotification  `json:"notification,omitempty"`
	Data            map[string]string `json:"data,omitempty"`
}

type fcmNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type fcmResponse struct {
	Success int         `json:"success"`
	Failure int         `json:"failure"`
	Results []fcmResult `json:"results"`
}

type fcmResult struct {
	MessageID string `json:"message_id"`
	Error     string `json:"error"`
}

// Send multicasts one message to all tokens and partitions the
// per-device results.
func (f *FCM) Send(ctx context.Context, tokens []string, msg Message) (Report, error) {
	if len(tokens) == 0 {
		return Report{}, nil
	}

	req := fcmRequest{
		RegistrationIDs: tokens,
		Priority:        string(msg.Priority),
		Data:            msg.Data,
	}
	if msg.Title != "" || msg.Body != "" {
		req.Notification = &fcmNotification{Title: msg.Title, Body: msg.Body}
	}

	var out fcmResponse
	resp, err := f.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post(f.endpoint)
	if err != nil {
		return Report{}, fmt.Errorf("fcm send: %w", err)
	}
	if resp.IsError() {
		return Report{}, fmt.Errorf("fcm send: status %d: %s", resp.StatusCode(), resp.String())
	}

	var report Report
	for i, res := range out.Results {
		if i >= len(tokens) {
			break
		}
		switch res.Error {
		case "":
			report.Delivered++
		case errNotRegistered, errInvalidRegistration, errMismatchSenderID:
			report.Invalid = append(report.Invalid, tokens[i])
		default:
			report.Failed = append(report.Failed, tokens[i])
		}
	}
	return report, nil
}
