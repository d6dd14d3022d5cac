package engine

import (
	"context"
	"fmt"
)

// Handle is the boundary to the externally constructed audio engine. The
// manager stores the only live reference; consumers retrieve it through
// Engine() and must never replace it.
type Handle interface {
	// Initialized reports whether the underlying engine considers itself
	// operational. Health checks poll this while the manager is ready.
	Initialized() bool
}

// Destroyer is the optional teardown capability of a Handle. Handles
// without it are torn down through Options.FallbackTeardown.
type Destroyer interface {
	Destroy(ctx context.Context) error
}

// Recorder is the optional recording surface of a Handle. An active
// recording is stopped before teardown.
type Recorder interface {
	Recording() bool
	StopRecording(ctx context.Context) error
}

// NotRegisteredError is returned by Engine() when no handle is attached.
// It carries the lifecycle state at the time of the call for diagnosis.
type NotRegisteredError struct {
	State State
}

func (e NotRegisteredError) Error() string {
	return fmt.Sprintf("no engine registered (state %s)", e.State)
}
