package bridge

// State is the lifecycle state of a Controller.
type State int

const (
	Starting State = iota
	Connecting
	SessionOpening
	SubscriptionCreating
	Monitoring
	ShuttingDown
	Stopped
	Failed
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Connecting:
		return "connecting"
	case SessionOpening:
		return "session_opening"
	case SubscriptionCreating:
		return "subscription_creating"
	case Monitoring:
		return "monitoring"
	case ShuttingDown:
		return "shutting_down"
	case Stopped:
		return "stopped"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the controller will not change state again.
func (s State) Terminal() bool {
	return s == Stopped || s == Failed
}
