package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

type AppConfig struct {
	Server       ServerConfig
	OPCUA        OPCUAConfig
	Subscription SubscriptionConfig
	Monitor      MonitorConfig
	Reconnect    ReconnectConfig
	WebSocket    WebSocketConfig
	Auth         AuthConfig
	Redis        RedisConfig
	Broker       BrokerConfig
	Presence     PresenceConfig
	Metrics      MetricsConfig
	Log          LogConfig
}

type ServerConfig struct {
	Port            int
	WSPath          string
	ReadTimeout     int // Seconds
	WriteTimeout    int // Seconds
	ShutdownTimeout int // Seconds
}

type OPCUAConfig struct {
	Endpoint          string
	NodeID            string
	AttributeID       uint32
	BrowseName        string
	SecurityPolicy    string
	SecurityMode      string
	ApplicationURI    string
	RequestTimeout    int // Seconds
	SessionTimeout    int // Seconds
	AutoReconnect     bool
	ReconnectInterval int // Milliseconds
	TeardownTimeout   int // Seconds
}

type SubscriptionConfig struct {
	PublishingInterval         int // Milliseconds
	MaxKeepAliveCount          uint32
	LifetimeCount              uint32
	MaxNotificationsPerPublish uint32
	PublishingEnabled          bool
	Priority                   uint8
}

type MonitorConfig struct {
	SamplingInterval int // Milliseconds
	DiscardOldest    bool
	QueueSize        int
	Timestamps       string // source, server or both
}

type ReconnectConfig struct {
	Strategy            string // exponential or constant
	InitialInterval     int    // Milliseconds
	MaxInterval         int    // Milliseconds
	Multiplier          float64
	RandomizationFactor float64
	MaxRetries          uint64 // 0 retries forever
}

type WebSocketConfig struct {
	MaxConnections   int
	MessageSizeLimit int
	HandshakeTimeout int // Seconds
	PingInterval     int // Seconds
	PongTimeout      int // Seconds
	ActivityTimeout  int // Seconds
	WriteTimeout     int // Seconds
	WriteRetries     int
	SendBuffer       int
	KeepAlive        bool
	SessionTTL       int // Seconds
	AllowedOrigins   []string
}

type AuthConfig struct {
	Enabled           bool
	JWTSecret         string
	TokenQueryParam   string
	RevocationListKey string
}

type RedisConfig struct {
	Address     string
	Password    string
	DB          int
	PoolSize    int
	PoolTimeout int // Seconds
}

type BrokerConfig struct {
	Type    string // none, redis or kafka
	Channel string
	Kafka   KafkaConfig
}

type KafkaConfig struct {
	Brokers []string
}

type PresenceConfig struct {
	Store string // memory or redis
}

type MetricsConfig struct {
	Enabled bool
	Port    int
	Path    string
}

type LogConfig struct {
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// UsesRedis reports whether any component needs a Redis client.
func (c *AppConfig) UsesRedis() bool {
	return c.Presence.Store == "redis" || c.Broker.Type == "redis" || c.Auth.Enabled
}

var (
	instance *AppConfig
	once     sync.Once
)

// Load reads config.<env>.yaml from ./configs or the working directory,
// overlays OPCBRIDGE_* environment variables and validates the result.
// A missing file is not an error; defaults and environment suffice.
func Load(env string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigName(fmt.Sprintf("config.%s", env))
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")

	v.SetEnvPrefix("OPCBRIDGE")
	v.AutomaticEnv()

	setDefaults(v)
	bindEnvVars(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config file error: %w", err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *AppConfig) normalize() {
	c.Broker.Type = strings.ToLower(c.Broker.Type)
	c.Presence.Store = strings.ToLower(c.Presence.Store)
	c.Reconnect.Strategy = strings.ToLower(c.Reconnect.Strategy)
	c.Monitor.Timestamps = strings.ToLower(c.Monitor.Timestamps)
}

func Initialize(env string) error {
	var initErr error
	once.Do(func() {
		instance, initErr = Load(env)
	})
	return initErr
}

func Get() *AppConfig {
	return instance
}
