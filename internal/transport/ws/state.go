package ws

// State is the lifecycle state of the connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "disconnected"
	}
}

// StateChange describes one transition. SocketID is set when Next is StateConnected.
type StateChange struct {
	Prev     State
	Next     State
	SocketID string
}
