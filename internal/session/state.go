package session

// State is the lifecycle state of the client's single session.
type State uint8

const (
	Disconnected State = iota
	Connecting
	Connected
	Streaming
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Streaming:
		return "streaming"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}
