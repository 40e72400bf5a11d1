package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/viper"
)

func (c *AppConfig) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.New("invalid server port")
	}
	if !strings.HasPrefix(c.Server.WSPath, "/") {
		return errors.New("server.wsPath must start with '/'")
	}

	// OPC UA target
	u, err := url.Parse(c.OPCUA.Endpoint)
	if err != nil || u.Scheme != "opc.tcp" || u.Host == "" {
		return fmt.Errorf("opcua.endpoint must be an opc.tcp://host:port URL, got %q", c.OPCUA.Endpoint)
	}
	if c.OPCUA.NodeID == "" {
		return errors.New("opcua.nodeId must be set")
	}
	if c.OPCUA.BrowseName == "" {
		return errors.New("opcua.browseName must be set")
	}

	// Subscription parameters
	if c.Subscription.PublishingInterval <= 0 {
		return errors.New("subscription.publishingInterval must be positive")
	}
	if c.Subscription.MaxKeepAliveCount < 1 {
		return errors.New("subscription.maxKeepAliveCount must be at least 1")
	}
	if c.Subscription.LifetimeCount < 3*c.Subscription.MaxKeepAliveCount {
		return errors.New("subscription.lifetimeCount must be at least three times maxKeepAliveCount")
	}
	if c.Monitor.QueueSize < 1 {
		return errors.New("monitor.queueSize must be at least 1")
	}
	switch strings.ToLower(c.Monitor.Timestamps) {
	case "source", "server", "both":
	default:
		return fmt.Errorf("invalid monitor.timestamps: %s. Must be 'source', 'server' or 'both'", c.Monitor.Timestamps)
	}

	// Reconnect policy
	switch strings.ToLower(c.Reconnect.Strategy) {
	case "exponential":
		if c.Reconnect.Multiplier < 1 {
			return errors.New("reconnect.multiplier must be at least 1")
		}
		if c.Reconnect.MaxInterval < c.Reconnect.InitialInterval {
			return errors.New("reconnect.maxInterval must not be below initialInterval")
		}
	case "constant":
	default:
		return fmt.Errorf("invalid reconnect strategy: %s. Must be 'exponential' or 'constant'", c.Reconnect.Strategy)
	}
	if c.Reconnect.InitialInterval <= 0 {
		return errors.New("reconnect.initialInterval must be positive")
	}

	// Validate auth config
	if c.Auth.Enabled {
		if c.Auth.JWTSecret == "" || c.Auth.JWTSecret == "default-secret" {
			return errors.New("auth.jwtSecret must be set to a strong secret when auth is enabled")
		}
		if c.Auth.TokenQueryParam == "" {
			return errors.New("auth.tokenQueryParam must be configured when auth is enabled")
		}
	}

	// Validate relay broker configuration
	switch strings.ToLower(c.Broker.Type) {
	case "none":
	case "redis":
		if c.Redis.Address == "" {
			return errors.New("redis address must be specified for redis broker")
		}
		if c.Broker.Channel == "" {
			return errors.New("broker.channel must be configured for redis broker")
		}
	case "kafka":
		if len(c.Broker.Kafka.Brokers) == 0 {
			return errors.New("kafka brokers must be specified for kafka broker")
		}
		if c.Broker.Channel == "" {
			return errors.New("broker.channel must be configured as the kafka topic")
		}
	default:
		return fmt.Errorf("invalid broker type: %s. Must be 'none', 'redis' or 'kafka'", c.Broker.Type)
	}

	switch strings.ToLower(c.Presence.Store) {
	case "memory":
	case "redis":
		if c.Redis.Address == "" {
			return errors.New("redis address must be specified for redis presence store")
		}
	default:
		return fmt.Errorf("invalid presence store: %s. Must be 'memory' or 'redis'", c.Presence.Store)
	}

	if c.WebSocket.MaxConnections < 1 {
		return errors.New("max connections must be positive")
	}

	if c.WebSocket.HandshakeTimeout < 1 {
		return errors.New("handshake timeout must be at least 1 second")
	}

	if c.WebSocket.PingInterval >= c.WebSocket.ActivityTimeout {
		return errors.New("ping interval should be less than activity timeout")
	}

	if c.WebSocket.SessionTTL <= c.WebSocket.ActivityTimeout {
		return errors.New("session TTL should be greater than activity timeout")
	}

	if c.WebSocket.SendBuffer < 1 {
		return errors.New("websocket send buffer must be at least 1")
	}

	return nil
}

func bindEnvVars(v *viper.Viper) {
	// Server
	v.BindEnv("server.port", "OPCBRIDGE_PORT", "PORT")
	v.BindEnv("server.wsPath", "OPCBRIDGE_WS_PATH")

	// OPC UA
	v.BindEnv("opcua.endpoint", "OPCBRIDGE_OPCUA_ENDPOINT")
	v.BindEnv("opcua.nodeId", "OPCBRIDGE_OPCUA_NODE_ID")
	v.BindEnv("opcua.browseName", "OPCBRIDGE_OPCUA_BROWSE_NAME")
	v.BindEnv("opcua.securityPolicy", "OPCBRIDGE_OPCUA_SECURITY_POLICY")
	v.BindEnv("opcua.securityMode", "OPCBRIDGE_OPCUA_SECURITY_MODE")

	// Reconnect
	v.BindEnv("reconnect.strategy", "OPCBRIDGE_RECONNECT_STRATEGY")
	v.BindEnv("reconnect.maxRetries", "OPCBRIDGE_RECONNECT_MAX_RETRIES")

	// Auth
	v.BindEnv("auth.enabled", "OPCBRIDGE_AUTH_ENABLED")
	v.BindEnv("auth.jwtSecret", "OPCBRIDGE_AUTH_JWT_SECRET")
	v.BindEnv("auth.tokenQueryParam", "OPCBRIDGE_AUTH_TOKEN_PARAM")
	v.BindEnv("auth.revocationListKey", "OPCBRIDGE_AUTH_REVOCATION_KEY")

	// Broker
	v.BindEnv("broker.type", "OPCBRIDGE_BROKER_TYPE")
	v.BindEnv("broker.channel", "OPCBRIDGE_BROKER_CHANNEL")
	v.BindEnv("broker.kafka.brokers", "OPCBRIDGE_KAFKA_BROKERS")
	v.BindEnv("redis.address", "OPCBRIDGE_REDIS_ADDRESS")
	v.BindEnv("redis.password", "OPCBRIDGE_REDIS_PASSWORD")
	v.BindEnv("presence.store", "OPCBRIDGE_PRESENCE_STORE")

	// WebSocket
	v.BindEnv("websocket.maxConnections", "OPCBRIDGE_MAX_CONNECTIONS")
	v.BindEnv("websocket.pingInterval", "OPCBRIDGE_PING_INTERVAL")
	v.BindEnv("websocket.activityTimeout", "OPCBRIDGE_ACTIVITY_TIMEOUT")
	v.BindEnv("websocket.writeTimeout", "OPCBRIDGE_WRITE_TIMEOUT")
	v.BindEnv("websocket.sessionTTL", "OPCBRIDGE_SESSION_TTL")

	// Log
	v.BindEnv("log.file", "OPCBRIDGE_LOG_FILE")
}
