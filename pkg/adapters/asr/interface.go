package asr

import (
	"context"

	"github.com/svarahq/svara/pkg/frames"
)

// Transcriber defines the contract for any ASR vendor implementation.
// Segments are self-contained; a failed Transcribe may be retried with the
// same segment after a reconnect.
type Transcriber interface {
	// Name returns the adapter name for logging/metrics.
	Name() string
	// Start initializes the ASR connection.
	Start(ctx context.Context) error
	// Close shuts down the ASR connection.
	Close() error
	// Transcribe submits a closed segment for recognition.
	Transcribe(seg frames.SegmentFrame) error
	// Results returns a channel of transcript/control frames.
	Results() <-chan frames.Frame
}

// Config contains vendor-agnostic ASR configuration.
type Config struct {
	StreamID   string
	CaptureID  string
	TraceID    string
	SampleRate int
	Language   string
}
