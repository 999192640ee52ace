package domain

// ConnState is the state of the transport connection.
type ConnState int

const (
	ConnDisconnected ConnState = iota
	ConnConnecting
	ConnConnected
	ConnBackingOff
)

// String returns a human-readable representation of the state.
func (s ConnState) String() string {
	switch s {
	case ConnDisconnected:
		return "disconnected"
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	case ConnBackingOff:
		return "backing-off"
	default:
		return "unknown"
	}
}
