// Command consumer prints the readings relayed by the bridge.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/votuanthanh/opcua-bridge/broker"
	"github.com/votuanthanh/opcua-bridge/config"
	"github.com/votuanthanh/opcua-bridge/services"
)

// getEnv gets an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func main() {
	cfg, err := config.Load(getEnv("ENVIRONMENT", "dev"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Broker.Type == broker.TypeNone {
		log.Fatalf("Relay is disabled (broker.type is %q)", cfg.Broker.Type)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var redisClient *redis.Client
	if cfg.Broker.Type == broker.TypeRedis {
		log.Printf("Connecting to Redis at %s", cfg.Redis.Address)
		redisClient, err = services.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer services.CloseRedisClient(redisClient)
	}

	relay, err := broker.New(cfg.Broker, redisClient, getEnv("CONSUMER_GROUP", "opcua-bridge-consumer"))
	if err != nil {
		log.Fatalf("Failed to create %s broker: %v", cfg.Broker.Type, err)
	}
	defer relay.Close()

	messages, err := relay.Subscribe(ctx, cfg.Broker.Channel)
	if err != nil {
		log.Fatalf("Failed to subscribe to %s: %v", cfg.Broker.Channel, err)
	}
	log.Printf("Consumer started. Listening for readings on %s via %s...", cfg.Broker.Channel, relay.Type())

	for msg := range messages {
		r := msg.Reading
		log.Printf("[%s] %s (%s) = %v at %s", msg.InstanceID, r.BrowseName, r.NodeID, r.Value, r.Timestamp.Format(time.RFC3339Nano))
	}
	log.Println("Consumer stopped")
}
