package config

import "github.com/spf13/viper"

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.port", 3700)
	v.SetDefault("server.wsPath", "/ws")
	v.SetDefault("server.readTimeout", 15)
	v.SetDefault("server.writeTimeout", 15)
	v.SetDefault("server.shutdownTimeout", 10)

	// OPC UA
	v.SetDefault("opcua.endpoint", "opc.tcp://localhost:4840")
	v.SetDefault("opcua.nodeId", `ns=1;s="Device_1"."Variable_1"`)
	v.SetDefault("opcua.attributeId", 13)
	v.SetDefault("opcua.browseName", "Temperature")
	v.SetDefault("opcua.securityPolicy", "None")
	v.SetDefault("opcua.securityMode", "None")
	v.SetDefault("opcua.applicationUri", "urn:opcua-bridge")
	v.SetDefault("opcua.requestTimeout", 10)
	v.SetDefault("opcua.sessionTimeout", 1200)
	v.SetDefault("opcua.autoReconnect", true)
	v.SetDefault("opcua.reconnectInterval", 5000)
	v.SetDefault("opcua.teardownTimeout", 10)

	// Subscription
	v.SetDefault("subscription.publishingInterval", 2000)
	v.SetDefault("subscription.maxKeepAliveCount", 20)
	v.SetDefault("subscription.lifetimeCount", 6000)
	v.SetDefault("subscription.maxNotificationsPerPublish", 1000)
	v.SetDefault("subscription.publishingEnabled", true)
	v.SetDefault("subscription.priority", 10)

	// Monitored item
	v.SetDefault("monitor.samplingInterval", 100)
	v.SetDefault("monitor.discardOldest", true)
	v.SetDefault("monitor.queueSize", 100)
	v.SetDefault("monitor.timestamps", "both")

	// Reconnect
	v.SetDefault("reconnect.strategy", "exponential")
	v.SetDefault("reconnect.initialInterval", 1000)
	v.SetDefault("reconnect.maxInterval", 20000)
	v.SetDefault("reconnect.multiplier", 1.5)
	v.SetDefault("reconnect.randomizationFactor", 0.1)
	v.SetDefault("reconnect.maxRetries", 0)

	// Auth
	v.SetDefault("auth.enabled", false) // Default to off; the web front door owns user auth
	v.SetDefault("auth.jwtSecret", "default-secret")
	v.SetDefault("auth.tokenQueryParam", "token")
	v.SetDefault("auth.revocationListKey", "jwt:revoked")

	// Redis
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.poolSize", 100)
	v.SetDefault("redis.poolTimeout", 5)

	// Relay broker
	v.SetDefault("broker.type", "none")
	v.SetDefault("broker.channel", "opcua-readings")

	// Presence
	v.SetDefault("presence.store", "memory")

	// WebSocket
	v.SetDefault("websocket.maxConnections", 10000)
	v.SetDefault("websocket.messageSizeLimit", 2048)
	v.SetDefault("websocket.handshakeTimeout", 10)
	v.SetDefault("websocket.pingInterval", 25)
	v.SetDefault("websocket.pongTimeout", 30)
	v.SetDefault("websocket.activityTimeout", 60)
	v.SetDefault("websocket.writeTimeout", 10)
	v.SetDefault("websocket.writeRetries", 2)
	v.SetDefault("websocket.sendBuffer", 64)
	v.SetDefault("websocket.keepAlive", true)
	v.SetDefault("websocket.sessionTTL", 90)

	// Metrics
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("metrics.path", "/metrics")

	// Log
	v.SetDefault("log.maxSizeMB", 50)
	v.SetDefault("log.maxBackups", 5)
	v.SetDefault("log.maxAgeDays", 28)
	v.SetDefault("log.compress", true)
}
