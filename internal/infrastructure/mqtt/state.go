package mqtt

// ConnectionState is the lifecycle state of the single broker connection.
//
//	CONNECTING -> CONNECTED -> RECONNECTING -> CONNECTED ...
//	any state  -> CLOSED (Disconnect, or connection loss with reconnect disabled)
type ConnectionState int

// Connection states.
const (
	StateClosed ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

// String returns the state name.
func (s ConnectionState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	default:
		return "UNKNOWN"
	}
}
