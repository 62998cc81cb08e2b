package conn

// State is the lifecycle state of the streaming connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// MarshalText renders the state name, so State serialises as a string.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
