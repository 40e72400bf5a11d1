// Package broker relays readings to other services over Redis pub/sub or
// Kafka.
package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/votuanthanh/opcua-bridge/config"
	"github.com/votuanthanh/opcua-bridge/event"
)

const (
	TypeNone  = "none"
	TypeRedis = "redis"
	TypeKafka = "kafka"
)

// Message is one relayed reading.
type Message struct {
	InstanceID string        `json:"instance_id"` // bridge instance that observed the change
	Reading    event.Reading `json:"reading"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis.
func (m Message) MarshalBinary() ([]byte, error) {
	return json.Marshal(m)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis.
func (m *Message) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, m)
}

// Publisher sends messages to a channel (a Redis channel or a Kafka topic).
type Publisher interface {
	Publish(ctx context.Context, channel string, message Message) error
	Type() string
	Close() error
}

// Subscriber receives messages from a channel. The returned channel is
// closed when ctx is done.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (<-chan Message, error)
}

// MessageBroker is a broker that can both publish and subscribe.
type MessageBroker interface {
	Publisher
	Subscriber
}

// New builds the broker selected by cfg.Type. It returns (nil, nil) for
// "none". redisClient is required for the Redis broker.
func New(cfg config.BrokerConfig, redisClient *redis.Client, groupID string) (MessageBroker, error) {
	switch cfg.Type {
	case "", TypeNone:
		return nil, nil
	case TypeRedis:
		if redisClient == nil {
			return nil, fmt.Errorf("redis broker requires a redis client")
		}
		return NewRedisBroker(redisClient), nil
	case TypeKafka:
		return NewKafkaBroker(cfg.Kafka.Brokers, groupID)
	default:
		return nil, fmt.Errorf("unsupported broker type: %s", cfg.Type)
	}
}
