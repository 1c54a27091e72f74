// Package notify delivers out-of-band new-alarm notifications.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	alarms "netshield/internal/alarms/domain"
)

// newAlarmPayload is what the webhook receiver gets for every activation.
type newAlarmPayload struct {
	AlarmID   string  `json:"alarmID"`
	Type      string  `json:"type"`
	Alias     string  `json:"alias"`
	Message   string  `json:"message"`
	Timestamp float64 `json:"timestamp"`
	Security  bool    `json:"security"`
	DeviceMAC string  `json:"deviceMAC,omitempty"`
	DestHost  string  `json:"destHost,omitempty"`
}

// Webhook posts a JSON summary of every newly activated alarm to a single
// endpoint. Delivery is best effort; failures are logged and dropped.
type Webhook struct {
	url    string
	client *http.Client
	logger *zap.SugaredLogger
}

// Option configures the webhook notifier.
type Option func(*Webhook)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(w *Webhook) {
		if client != nil {
			w.client = client
		}
	}
}

// NewWebhook constructs a webhook notifier. An empty url yields a notifier
// that drops everything, so callers can wire it unconditionally.
func NewWebhook(url string, logger *zap.SugaredLogger, opts ...Option) *Webhook {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	w := &Webhook{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// NotifyNewAlarm posts the alarm summary to the configured endpoint.
func (w *Webhook) NotifyNewAlarm(ctx context.Context, alarm *alarms.Alarm) {
	if w == nil || w.url == "" || alarm == nil {
		return
	}
	payload := newAlarmPayload{
		AlarmID:   alarm.AID,
		Type:      string(alarm.Type),
		Alias:     alarms.Alias(alarm.Type),
		Message:   alarm.Message,
		Timestamp: alarm.Timestamp,
		Security:  alarms.IsSecurity(alarm.Type),
		DeviceMAC: alarm.DeviceMAC(),
		DestHost:  alarm.DestHost(),
	}
	if err := w.post(ctx, payload); err != nil {
		w.logger.Warnw("webhook delivery failed", "aid", alarm.AID, "err", err)
	}
}

func (w *Webhook) post(ctx context.Context, payload newAlarmPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: non-2xx response %d", resp.StatusCode)
	}
	return nil
}
