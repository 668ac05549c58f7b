package connection

// State is the lifecycle position of a Machine.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateAuthenticated
	StateClosing
	StateBackoff
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateClosing:
		return "closing"
	case StateBackoff:
		return "backoff"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
