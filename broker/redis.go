package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/go-redis/redis/v8"

	"github.com/votuanthanh/opcua-bridge/metrics"
)

// RedisBroker implements MessageBroker using Redis pub/sub.
type RedisBroker struct {
	client *redis.Client
}

// NewRedisBroker wraps an already connected client. The broker does not own
// the client; Close leaves it open.
func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client}
}

func (b *RedisBroker) Type() string {
	return TypeRedis
}

// Publish sends message to channel.
func (b *RedisBroker) Publish(ctx context.Context, channel string, message Message) error {
	if err := b.client.Publish(ctx, channel, message).Err(); err != nil {
		return fmt.Errorf("redis publish to %s: %w", channel, err)
	}
	metrics.RelayMessagesPublished.WithLabelValues(TypeRedis).Inc()
	return nil
}

// Subscribe listens on channel until ctx is done.
func (b *RedisBroker) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	pubsub := b.client.Subscribe(ctx, channel)
	// Wait for the subscription to be confirmed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("redis subscribe to %s: %w", channel, err)
	}

	messages := make(chan Message, 100)
	go func() {
		defer close(messages)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var message Message
				if err := json.Unmarshal([]byte(msg.Payload), &message); err != nil {
					log.Printf("Message decode error on %s: %v", channel, err)
					continue
				}
				select {
				case messages <- message:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return messages, nil
}

func (b *RedisBroker) Close() error {
	return nil
}
