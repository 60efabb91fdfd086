// Package notify delivers outbox messages to subscribers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/splits-network/splits-sub027/assignment"
)

// Envelope is the JSON document published for each outbox message.
type Envelope struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

func envelopeOf(msg assignment.OutboxMessage) ([]byte, error) {
	payload := json.RawMessage(msg.Payload)
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	return json.Marshal(Envelope{ID: msg.ID, Topic: msg.Topic, Payload: payload, CreatedAt: msg.CreatedAt.UTC()})
}

// NewClient connects to Redis and checks that it answers.
func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("notify: ping redis: %w", err)
	}
	return client, nil
}

// RedisNotifier publishes notifications on the channel {prefix}:{topic}.
type RedisNotifier struct {
	client *redis.Client
	prefix string
}

func NewRedisNotifier(client *redis.Client, prefix string) *RedisNotifier {
	if prefix == "" {
		prefix = "workflow"
	}
	return &RedisNotifier{client: client, prefix: prefix}
}

// Channel returns the pub/sub channel for topic.
func (n *RedisNotifier) Channel(topic string) string {
	return n.prefix + ":" + topic
}

func (n *RedisNotifier) Notify(ctx context.Context, msg assignment.OutboxMessage) error {
	body, err := envelopeOf(msg)
	if err != nil {
		return fmt.Errorf("notify: encode %s: %w", msg.ID, err)
	}
	if err := n.client.Publish(ctx, n.Channel(msg.Topic), body).Err(); err != nil {
		return fmt.Errorf("notify: publish %s: %w", msg.ID, err)
	}
	return nil
}

// LogNotifier writes notifications to a logger. Used when no Redis is
// configured.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, msg assignment.OutboxMessage) error {
	n.logger.InfoContext(ctx, "notification", "id", msg.ID, "topic", msg.Topic, "payload", string(msg.Payload))
	return nil
}
