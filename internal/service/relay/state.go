package relay

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateListening
	StateReconnecting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Healthy is false only once retries are exhausted.
func (s State) Healthy() bool {
	return s != StateStopped
}

func (s State) Ready() bool {
	return s == StateListening
}
