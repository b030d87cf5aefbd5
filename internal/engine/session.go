package engine

// SessionState is the trading session lifecycle. Exactly one instance exists
// per process and every transition is serialized through the engine's
// command loop.
type SessionState string

const (
	StateIdle       SessionState = "idle"
	StatePaper      SessionState = "paper"
	StateLive       SessionState = "live"
	StateFlattening SessionState = "flattening"
	StateHalted     SessionState = "halted"
)

// Mode selects which execution client a session trades through.
type Mode string

const (
	ModePaper Mode = "paper"
	ModeLive  Mode = "live"
)

// State returns the session state a freshly started session of this mode
// lands in.
func (m Mode) State() SessionState {
	if m == ModeLive {
		return StateLive
	}
	return StatePaper
}

var validTransitions = map[SessionState][]SessionState{
	StateIdle:       {StatePaper, StateLive},
	StatePaper:      {StateIdle, StateFlattening},
	StateLive:       {StateIdle, StateFlattening},
	StateFlattening: {StateHalted},
	StateHalted:     {StateIdle}, // operator acknowledgment only
}

func canTransition(from, to SessionState) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Active reports whether order intents may be evaluated in this state.
func (s SessionState) Active() bool {
	return s == StatePaper || s == StateLive
}

// Trading reports whether the state carries a live execution client.
func (s SessionState) Trading() bool {
	return s == StateLive
}

// Info returns an operator-facing description of the state.
func (s SessionState) Info() string {
	switch s {
	case StateIdle:
		return "idle, no session running"
	case StatePaper:
		return "paper session running"
	case StateLive:
		return "live session running"
	case StateFlattening:
		return "kill switch engaged, flattening exposure"
	case StateHalted:
		return "halted, awaiting operator acknowledgment"
	default:
		return "unknown state"
	}
}
