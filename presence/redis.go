package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore implements the Store interface using Redis.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a new RedisStore.
func NewRedisStore(client *redis.Client, ttl time.Duration) Store {
	return &RedisStore{
		client: client,
		ttl:    ttl,
	}
}

func recordKey(clientID string) string {
	return fmt.Sprintf("presence:%s", clientID)
}

// Create stores a new record in Redis with a TTL.
func (s *RedisStore) Create(ctx context.Context, record *Record) error {
	key := recordKey(record.ClientID)
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal presence record: %w", err)
	}
	return s.client.Set(ctx, key, data, s.ttl).Err()
}

// Get retrieves a record from Redis.
func (s *RedisStore) Get(ctx context.Context, clientID string) (*Record, error) {
	key := recordKey(clientID)
	data, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil // Not found is not an error
		}
		return nil, err
	}

	var record Record
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal presence record: %w", err)
	}
	return &record, nil
}

// Delete removes a record from Redis.
func (s *RedisStore) Delete(ctx context.Context, clientID string) error {
	return s.client.Del(ctx, recordKey(clientID)).Err()
}

// RefreshTTL updates the expiration time of a record key in Redis.
// A missing key is a no-op.
func (s *RedisStore) RefreshTTL(ctx context.Context, clientID string) error {
	return s.client.Expire(ctx, recordKey(clientID), s.ttl).Err()
}
