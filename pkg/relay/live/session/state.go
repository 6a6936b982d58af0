package session

// State is the lifecycle position of a relay session.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Close reasons reported in session_closed, logs, metrics and summaries.
const (
	ReasonClientClosed       = "client_closed"
	ReasonUpstreamClosed     = "upstream_closed"
	ReasonConfigurationError = "configuration_error"
	ReasonIdleTimeout        = "idle_timeout"
	ReasonShutdown           = "shutdown"
	ReasonWriteError         = "write_error"
)

// notifiesClient reports whether a session_closed envelope is worth sending
// for reason; the socket is already gone for the rest.
func notifiesClient(reason string) bool {
	switch reason {
	case ReasonClientClosed, ReasonWriteError:
		return false
	default:
		return true
	}
}
