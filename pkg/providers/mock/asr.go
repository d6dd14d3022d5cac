package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/svarahq/svara/pkg/adapters/asr"
	"github.com/svarahq/svara/pkg/frames"
)

type ASRConfig struct {
	StreamID   string
	CaptureID  string
	TraceID    string
	Transcript string
	// FailSends makes the first N Transcribe calls fail, for exercising
	// retry and fallback paths.
	FailSends int
}

// Transcriber is an in-memory ASR used by examples and tests. Every
// submitted segment yields one final transcript frame.
type Transcriber struct {
	cfg       ASRConfig
	out       chan frames.Frame
	ctx       context.Context
	cancel    context.CancelFunc
	mu        sync.Mutex
	started   bool
	failSends int
	Segments  []string
}

func NewASR(cfg ASRConfig) *Transcriber {
	if cfg.Transcript == "" {
		cfg.Transcript = "mock transcript"
	}
	return &Transcriber{cfg: cfg, out: make(chan frames.Frame, 16), failSends: cfg.FailSends}
}

func (s *Transcriber) Name() string { return "mock_asr" }

func (s *Transcriber) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

func (s *Transcriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	if s.out != nil {
		close(s.out)
		s.out = nil
	}
	s.started = false
	return nil
}

func (s *Transcriber) Transcribe(seg frames.SegmentFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return errors.New("not started")
	}
	if s.failSends > 0 {
		s.failSends--
		return errors.New("mock send failure")
	}
	s.Segments = append(s.Segments, seg.ID())

	meta := map[string]string{
		frames.MetaStreamID:  s.cfg.StreamID,
		frames.MetaCaptureID: s.cfg.CaptureID,
		frames.MetaSegmentID: seg.ID(),
		frames.MetaSource:    "asr",
		frames.MetaIsFinal:   "true",
	}
	if s.cfg.TraceID != "" {
		meta[frames.MetaTraceID] = s.cfg.TraceID
	}
	s.out <- frames.NewTextFrame(s.cfg.StreamID, time.Now().UnixNano(), s.cfg.Transcript, meta)
	return nil
}

func (s *Transcriber) Results() <-chan frames.Frame { return s.out }

var _ asr.Transcriber = (*Transcriber)(nil)
