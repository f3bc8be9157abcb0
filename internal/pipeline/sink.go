package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
)

// ErrPermanentDelivery marks a sink failure that no retry can fix, such as a
// rejected payload. Errors not wrapping it are treated as retryable.
var ErrPermanentDelivery = errors.New("permanent delivery failure")

// Notification is the payload handed to the notification sink. Sinks are
// expected to be idempotent keyed by DispatchID; delivery is at-least-once.
type Notification struct {
	DispatchID string    `json:"dispatch_id"`
	RuleID     string    `json:"rule_id"`
	RuleName   string    `json:"rule_name"`
	DeviceID   string    `json:"device_id"`
	DeviceName string    `json:"device_name"`
	IMEI       string    `json:"imei"`
	EventID    uint      `json:"event_id"`
	EventType  EventType `json:"event_type"`
	Latitude   *float64  `json:"latitude,omitempty"`
	Longitude  *float64  `json:"longitude,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`

	// NotifyURL overrides the sink's default target when the rule carries
	// its own relay endpoint. Not part of the wire payload.
	NotifyURL string `json:"-"`
}

// Sink delivers notifications to the external relay (email, SMS, webhook).
type Sink interface {
	Send(ctx context.Context, n *Notification) error
}

// WebhookSink relays notifications as JSON POSTs to a configured URL. A rule
// may override the target with its own NotifyURL.
type WebhookSink struct {
	logger     *slog.Logger
	httpClient *resty.Client
	defaultURL string
}

// NewWebhookSink creates a new WebhookSink instance.
func NewWebhookSink(defaultURL string, timeout time.Duration, logger *slog.Logger) (*WebhookSink, error) {
	if defaultURL == "" {
		return nil, errors.New("sink URL cannot be empty")
	}

	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &WebhookSink{
		logger:     logger,
		httpClient: client,
		defaultURL: defaultURL,
	}, nil
}

// Send posts the notification. A 2xx is success, a 4xx is permanent, and
// everything else (5xx, transport errors) is retryable.
func (s *WebhookSink) Send(ctx context.Context, n *Notification) error {
	resp, err := s.httpClient.R().
		SetContext(ctx).
		SetBody(n).
		Post(s.targetURL(n))
	if err != nil {
		return fmt.Errorf("failed to post notification: %w", err)
	}

	code := resp.StatusCode()
	switch {
	case code >= 200 && code < 300:
		s.logger.Debug("notification delivered",
			"dispatch_id", n.DispatchID,
			"status_code", code,
		)
		return nil
	case code >= 400 && code < 500:
		return fmt.Errorf("%w: sink rejected notification with status %d", ErrPermanentDelivery, code)
	default:
		return fmt.Errorf("sink returned status %d", code)
	}
}

func (s *WebhookSink) targetURL(n *Notification) string {
	if n.NotifyURL != "" {
		return n.NotifyURL
	}
	return s.defaultURL
}
