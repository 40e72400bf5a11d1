package source

// ConnState is the state of the transport connection to the OPC UA server.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	Retrying
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Retrying:
		return "retrying"
	default:
		return "unknown"
	}
}

// SubscriptionState is the lifecycle state of a Subscription.
type SubscriptionState int

const (
	SubscriptionCreated SubscriptionState = iota
	SubscriptionActive
	SubscriptionTerminated
)

func (s SubscriptionState) String() string {
	switch s {
	case SubscriptionCreated:
		return "created"
	case SubscriptionActive:
		return "active"
	case SubscriptionTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}
