package engine

// State is the lifecycle state of the managed audio engine. Exactly one
// value holds at any instant.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateReady         State = "ready"
	StateError         State = "error"
	StateDestroying    State = "destroying"
	StateDestroyed     State = "destroyed"
)

func (s State) String() string { return string(s) }

// InitResult distinguishes a performed initialization from the fast path
// where the engine was already ready and nothing happened.
type InitResult int

const (
	InitPerformed InitResult = iota
	InitAlreadyReady
)

func (r InitResult) String() string {
	if r == InitAlreadyReady {
		return "already_ready"
	}
	return "performed"
}
