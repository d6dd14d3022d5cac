package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/svarahq/svara/pkg/engine"
)

type EngineConfig struct {
	// FailInits makes the first N constructions fail, for exercising the
	// retry schedule.
	FailInits int
	// Uninitialized yields a handle that reports itself not initialized.
	Uninitialized bool
}

// EngineHandle is an in-memory speech engine handle for examples and tests.
type EngineHandle struct {
	mu          sync.Mutex
	initialized bool
	recording   bool
	destroyed   bool
}

func (h *EngineHandle) Initialized() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.initialized && !h.destroyed
}

func (h *EngineHandle) Destroy(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.destroyed = true
	h.recording = false
	return nil
}

func (h *EngineHandle) Recording() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.recording
}

func (h *EngineHandle) StopRecording(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recording = false
	return nil
}

func (h *EngineHandle) SetRecording(v bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recording = v
}

// NewEngineConstructor returns a constructor for the lifecycle manager that
// builds in-memory handles per the config.
func NewEngineConstructor(cfg EngineConfig) func(ctx context.Context) (engine.Handle, error) {
	var mu sync.Mutex
	remaining := cfg.FailInits
	return func(ctx context.Context) (engine.Handle, error) {
		mu.Lock()
		defer mu.Unlock()
		if remaining > 0 {
			remaining--
			return nil, errors.New("mock engine construction failure")
		}
		return &EngineHandle{initialized: !cfg.Uninitialized}, nil
	}
}

var (
	_ engine.Handle    = (*EngineHandle)(nil)
	_ engine.Destroyer = (*EngineHandle)(nil)
	_ engine.Recorder  = (*EngineHandle)(nil)
)
