package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/votuanthanh/opcua-bridge/bridge"
	"github.com/votuanthanh/opcua-bridge/broker"
	"github.com/votuanthanh/opcua-bridge/config"
	"github.com/votuanthanh/opcua-bridge/logging"
	"github.com/votuanthanh/opcua-bridge/metrics"
	"github.com/votuanthanh/opcua-bridge/presence"
	"github.com/votuanthanh/opcua-bridge/server"
	"github.com/votuanthanh/opcua-bridge/services"
	"github.com/votuanthanh/opcua-bridge/source"
	"github.com/votuanthanh/opcua-bridge/websocket"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Initialize config
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "dev"
	}
	if err := config.Initialize(env); err != nil {
		log.Printf("Failed to initialize config: %v", err)
		return 1
	}
	cfg := config.Get()

	logCloser := logging.Setup(cfg.Log)
	defer logCloser.Close()

	// Generate a unique ID for this bridge instance
	instanceID := uuid.New().String()
	log.Printf("Starting OPC UA bridge instance %s (env %s)", instanceID, env)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The first signal cancels ctx; later ones are only logged.
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		first := true
		for sig := range sigChan {
			if first {
				log.Printf("Shutdown signal received: %s", sig)
				first = false
				cancel()
				continue
			}
			log.Printf("Signal %s ignored: already shutting down", sig)
		}
	}()

	if cfg.Metrics.Enabled {
		metricsSrv := metrics.StartServer(cfg.Metrics.Port, cfg.Metrics.Path)
		defer metricsSrv.Close()
	}

	var redisClient *redis.Client
	if cfg.UsesRedis() {
		var err error
		redisClient, err = services.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			log.Printf("Failed to connect to Redis: %v", err)
			return 1
		}
		defer services.CloseRedisClient(redisClient)
	}

	sessionTTL := time.Duration(cfg.WebSocket.SessionTTL) * time.Second
	var store presence.Store
	if cfg.Presence.Store == "redis" {
		store = presence.NewRedisStore(redisClient, sessionTTL)
	} else {
		store = presence.NewMemoryStore(sessionTTL)
	}

	log.Printf("Initializing relay broker of type: %s", cfg.Broker.Type)
	relay, err := broker.New(cfg.Broker, redisClient, "")
	if err != nil {
		log.Printf("Failed to create relay broker: %v", err)
		return 1
	}
	var opts []bridge.Option
	if relay != nil {
		defer relay.Close()
		opts = append(opts, bridge.WithRelay(relay, cfg.Broker.Channel, instanceID))
	}

	bridgeCfg, err := bridge.ConfigFrom(cfg)
	if err != nil {
		log.Printf("Invalid bridge configuration: %v", err)
		return 1
	}

	var jwtValidator *websocket.JWTValidator
	if cfg.Auth.Enabled {
		target := websocket.Target{NodeID: bridgeCfg.Target.NodeID, BrowseName: bridgeCfg.BrowseName}
		jwtValidator = websocket.NewJWTValidator(&cfg.Auth, target, redisClient)
		log.Printf("JWT Authentication is ENABLED for %s.", target)
	} else {
		log.Println("JWT Authentication is DISABLED.")
	}

	hub := websocket.NewHub(store, instanceID)
	handler := websocket.NewHandler(hub, jwtValidator, &cfg.Auth, &cfg.WebSocket)
	driver := source.NewGopcuaDriver(bridge.GopcuaConfigFrom(cfg.OPCUA))
	manager := source.NewManager(driver, cfg.OPCUA.Endpoint, bridge.RetryPolicyFrom(cfg.Reconnect), func(ev source.BackoffEvent) {
		metrics.ConnectRetries.Inc()
	})
	controller := bridge.New(bridgeCfg, manager, hub, opts...)

	addr := ":" + strconv.Itoa(cfg.Server.Port)
	srv := server.NewServer(addr, cfg.Server, handler, hub, func() (string, bool) {
		state := controller.State()
		return state.String(), state == bridge.Monitoring
	})
	go func() {
		if err := srv.Start(); err != nil {
			log.Printf("HTTP server failed: %v", err)
			cancel()
		}
	}()

	shutdownServer := func() {
		sctx, scancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
		defer scancel()
		srv.Shutdown(sctx)
	}

	if err := controller.Start(ctx); err != nil {
		shutdownServer()
		if ctx.Err() != nil {
			log.Printf("Startup interrupted: %v", err)
			return 0
		}
		log.Printf("Bridge startup failed: %v", err)
		return 1
	}
	log.Printf("OPC UA bridge started on %s%s", addr, cfg.Server.WSPath)

	runErr := controller.Run(ctx)
	shutdownServer()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Printf("Bridge stopped: %v", runErr)
	}
	log.Println("OPC UA bridge stopped")
	return 0
}
