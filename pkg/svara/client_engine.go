package svara

import (
	"sync/atomic"

	"github.com/svarahq/svara/pkg/engine"
)

// clientEngineHandle stands in for the speech engine that lives inside the
// capture client. The server never constructs that engine itself; it learns
// about it from capture traffic, so the handle reports initialized while at
// least one capture is attached. Registered with the lifecycle manager on
// capture start when no Constructor is supplied.
type clientEngineHandle struct {
	active atomic.Int32
}

func (h *clientEngineHandle) Initialized() bool { return h.active.Load() > 0 }

func (h *clientEngineHandle) attach() { h.active.Add(1) }

func (h *clientEngineHandle) detach() {
	if h.active.Add(-1) < 0 {
		h.active.Store(0)
	}
}

var _ engine.Handle = (*clientEngineHandle)(nil)
