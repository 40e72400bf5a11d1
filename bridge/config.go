package bridge

import (
	"time"

	"github.com/votuanthanh/opcua-bridge/config"
	"github.com/votuanthanh/opcua-bridge/source"
)

const defaultTeardownTimeout = 10 * time.Second

// Config is everything the controller needs to know about the target.
type Config struct {
	Target          source.Target
	BrowseName      string
	Subscription    source.SubscriptionConfig
	Sampling        source.SamplingConfig
	Timestamps      source.TimestampPolicy
	TeardownTimeout time.Duration
}

func millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// ConfigFrom maps the loaded application config onto a controller Config.
func ConfigFrom(c *config.AppConfig) (Config, error) {
	ts, err := source.ParseTimestampPolicy(c.Monitor.Timestamps)
	if err != nil {
		return Config{}, err
	}
	teardown := time.Duration(c.OPCUA.TeardownTimeout) * time.Second
	if teardown <= 0 {
		teardown = defaultTeardownTimeout
	}
	return Config{
		Target: source.Target{
			NodeID:      c.OPCUA.NodeID,
			AttributeID: c.OPCUA.AttributeID,
		},
		BrowseName: c.OPCUA.BrowseName,
		Subscription: source.SubscriptionConfig{
			PublishingInterval:         millis(c.Subscription.PublishingInterval),
			MaxKeepAliveCount:          c.Subscription.MaxKeepAliveCount,
			LifetimeCount:              c.Subscription.LifetimeCount,
			MaxNotificationsPerPublish: c.Subscription.MaxNotificationsPerPublish,
			PublishingEnabled:          c.Subscription.PublishingEnabled,
			Priority:                   c.Subscription.Priority,
		},
		Sampling: source.SamplingConfig{
			SamplingInterval: millis(c.Monitor.SamplingInterval),
			DiscardOldest:    c.Monitor.DiscardOldest,
			QueueSize:        c.Monitor.QueueSize,
		},
		Timestamps:      ts,
		TeardownTimeout: teardown,
	}, nil
}

// RetryPolicyFrom maps the reconnect section onto a connect retry policy.
func RetryPolicyFrom(c config.ReconnectConfig) source.RetryPolicy {
	return source.RetryPolicy{
		Strategy:            c.Strategy,
		InitialInterval:     millis(c.InitialInterval),
		MaxInterval:         millis(c.MaxInterval),
		Multiplier:          c.Multiplier,
		RandomizationFactor: c.RandomizationFactor,
		MaxRetries:          c.MaxRetries,
	}
}

// GopcuaConfigFrom maps the opcua section onto the gopcua driver settings.
func GopcuaConfigFrom(c config.OPCUAConfig) source.GopcuaConfig {
	return source.GopcuaConfig{
		Endpoint:          c.Endpoint,
		SecurityPolicy:    c.SecurityPolicy,
		SecurityMode:      c.SecurityMode,
		ApplicationURI:    c.ApplicationURI,
		RequestTimeout:    time.Duration(c.RequestTimeout) * time.Second,
		SessionTimeout:    time.Duration(c.SessionTimeout) * time.Second,
		AutoReconnect:     c.AutoReconnect,
		ReconnectInterval: millis(c.ReconnectInterval),
	}
}
