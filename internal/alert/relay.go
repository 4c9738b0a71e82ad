package alert

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"fleet-orchestrator/internal/models"
)

// StreamChannel is the pub/sub channel dashboard notifications travel on.
func StreamChannel(prefix string) string { return prefix + ":alert:stream" }

// PublishSink publishes notifications over Redis pub/sub so that hubs in other
// processes can relay them.
type PublishSink struct {
	client  redis.UniversalClient
	channel string
}

func NewPublishSink(client redis.UniversalClient, prefix string) *PublishSink {
	return &PublishSink{client: client, channel: StreamChannel(prefix)}
}

func (s *PublishSink) Dispatch(ctx context.Context, ev models.AlertEvent, channel string) error {
	body, err := json.Marshal(Notification{Channel: channel, Resolved: ev.Resolved(), Event: ev})
	if err != nil {
		return err
	}
	if err := s.client.Publish(ctx, s.channel, body).Err(); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// Relay subscribes to the notification stream and broadcasts every message to
// connected clients until ctx ends.
func (h *Hub) Relay(ctx context.Context, client redis.UniversalClient, prefix string) error {
	sub := client.Subscribe(ctx, StreamChannel(prefix))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe alert stream: %w", err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var n Notification
			if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
				h.log.WithError(err).Warn("malformed alert notification")
				continue
			}
			h.broadcast(n)
		}
	}
}
