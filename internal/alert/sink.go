package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"fleet-orchestrator/internal/models"
)

// Sink delivers one event to one channel.
type Sink interface {
	Dispatch(ctx context.Context, ev models.AlertEvent, channel string) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev models.AlertEvent, channel string) error

func (f SinkFunc) Dispatch(ctx context.Context, ev models.AlertEvent, channel string) error {
	return f(ctx, ev, channel)
}

// Notification is the payload pushed to webhook and dashboard channels.
type Notification struct {
	Channel  string            `json:"channel"`
	Resolved bool              `json:"resolved"`
	Event    models.AlertEvent `json:"event"`
}

// LogSink writes events to the process log.
type LogSink struct {
	Log logrus.FieldLogger
}

func (s LogSink) Dispatch(_ context.Context, ev models.AlertEvent, channel string) error {
	entry := s.Log.WithFields(logrus.Fields{
		"channel":  channel,
		"rule":     ev.Rule,
		"resource": ev.ResourceID,
		"severity": ev.Severity,
	})
	switch {
	case ev.Resolved():
		entry.Info("resolved: " + ev.Message)
	case ev.Severity == models.SeverityCritical:
		entry.Error(ev.Message)
	default:
		entry.Warn(ev.Message)
	}
	return nil
}

// WebhookSink POSTs a Notification as JSON. Any non-2xx reply is a failure.
type WebhookSink struct {
	url    string
	client *http.Client
}

func NewWebhookSink(url string, timeout time.Duration) *WebhookSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSink{url: url, client: &http.Client{Timeout: timeout}}
}

func (s *WebhookSink) Dispatch(ctx context.Context, ev models.AlertEvent, channel string) error {
	body, err := json.Marshal(Notification{Channel: channel, Resolved: ev.Resolved(), Event: ev})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
		return fmt.Errorf("webhook: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
