package screening

type State string

const (
	StateIdle             State = "idle"
	StateConnected        State = "connected"
	StateStreaming        State = "streaming"
	StateAwaitingResponse State = "awaiting_response"
	StateEnded            State = "ended"
)

var transitions = map[State][]State{
	StateIdle:             {StateConnected, StateStreaming, StateEnded},
	StateConnected:        {StateStreaming, StateEnded},
	StateStreaming:        {StateAwaitingResponse, StateEnded},
	StateAwaitingResponse: {StateStreaming, StateEnded},
	StateEnded:            nil,
}

func canTransition(from, to State) bool {
	if from == to {
		return from != StateEnded
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
