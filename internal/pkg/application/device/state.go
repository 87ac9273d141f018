package device

type State int32

const (
	Created State = iota
	Connected
	Running
	Stopped
	Failed
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Connected:
		return "connected"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	case Failed:
		return "failed"
	}
	return "unknown"
}

func (s State) Terminal() bool {
	return s == Stopped || s == Failed
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var transitions = map[State][]State{
	Created:   {Connected, Stopped, Failed},
	Connected: {Running, Stopped, Failed},
	Running:   {Stopped, Failed},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
