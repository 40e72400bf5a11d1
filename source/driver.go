package source

import (
	"context"
	"time"
)

// Driver is the protocol stack underneath the Manager. The production
// implementation is GopcuaDriver; tests use sourcetest.FakeDriver.
type Driver interface {
	// Connect establishes the transport (secure channel) to the endpoint.
	Connect(ctx context.Context) error
	// OpenSession creates and activates a session on the connected transport.
	OpenSession(ctx context.Context) error
	// CloseSession releases the server-side session.
	CloseSession(ctx context.Context) error
	// Close tears down the transport.
	Close(ctx context.Context) error
	// Subscribe creates a server-side subscription on the open session.
	Subscribe(ctx context.Context, cfg SubscriptionConfig) (RemoteSubscription, error)
}

// RemoteSubscription is the driver's handle on a server-side subscription.
type RemoteSubscription interface {
	ID() uint32
	// Monitor registers one item and returns the server-assigned item id.
	Monitor(ctx context.Context, req MonitorRequest) (uint32, error)
	// Notifications delivers publish results in server order. It is closed
	// when the driver can no longer deliver for this subscription.
	Notifications() <-chan Notification
	Cancel(ctx context.Context) error
}

// MonitorRequest is what a driver needs to create one monitored item.
type MonitorRequest struct {
	Target       Target
	Sampling     SamplingConfig
	Timestamps   TimestampPolicy
	ClientHandle uint32
}

// Notification is a single publish result translated by the driver.
// A data change carries ClientHandle/Value/timestamps. A status change that
// ends the subscription sets Terminal. Err reports a publish failure.
type Notification struct {
	ClientHandle    uint32
	Value           interface{}
	Status          uint32
	ServerTimestamp time.Time
	SourceTimestamp time.Time

	Terminal bool
	Err      error
}
