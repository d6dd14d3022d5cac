package processors

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/svarahq/svara/pkg/adapters/asr"
	"github.com/svarahq/svara/pkg/frames"
)

type fakeTranscriber struct {
	mu        sync.Mutex
	started   int
	closed    int
	segments  []string
	failSends int
	startErr  error
	results   chan frames.Frame
}

func newFakeTranscriber() *fakeTranscriber {
	return &fakeTranscriber{results: make(chan frames.Frame, 8)}
}

func (f *fakeTranscriber) Name() string { return "fake" }

func (f *fakeTranscriber) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	return f.startErr
}

func (f *fakeTranscriber) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeTranscriber) Transcribe(seg frames.SegmentFrame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSends > 0 {
		f.failSends--
		return errors.New("send boom")
	}
	f.segments = append(f.segments, seg.ID())
	f.results <- frames.NewTextFrame(seg.Meta()[frames.MetaStreamID], seg.PTS(), "hello world", map[string]string{
		frames.MetaIsFinal:   "true",
		frames.MetaSegmentID: seg.ID(),
	})
	return nil
}

func (f *fakeTranscriber) Results() <-chan frames.Frame { return f.results }

func segmentFrame(streamID, id string) frames.SegmentFrame {
	return frames.NewSegmentFrame(streamID, time.Now().UnixNano(), id, make([]byte, 640), 16000, 1, 20*time.Second, "silence", nil)
}

func TestASRProcessorTranscribesSegment(t *testing.T) {
	ft := newFakeTranscriber()
	p := NewASRProcessor(func(captureID, streamID string) asr.Transcriber { return ft })

	out, err := p.Process(segmentFrame("s1", "seg-1"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected one transcript frame, got %d", len(out))
	}
	tf, ok := out[0].(frames.TextFrame)
	if !ok {
		t.Fatalf("expected text frame, got %T", out[0])
	}
	if tf.Meta()[frames.MetaSegmentID] != "seg-1" {
		t.Fatalf("transcript must carry segment id, got %q", tf.Meta()[frames.MetaSegmentID])
	}
	if ft.started != 1 {
		t.Fatalf("expected one session start, got %d", ft.started)
	}
}

func TestASRProcessorReusesSession(t *testing.T) {
	ft := newFakeTranscriber()
	var made int
	p := NewASRProcessor(func(captureID, streamID string) asr.Transcriber {
		made++
		return ft
	})

	for i := 0; i < 3; i++ {
		if _, err := p.Process(segmentFrame("s1", "seg")); err != nil {
			t.Fatalf("process %d: %v", i, err)
		}
	}
	if made != 1 {
		t.Fatalf("expected one session, got %d", made)
	}
}

func TestASRProcessorRetriesSendFailure(t *testing.T) {
	ft := newFakeTranscriber()
	ft.failSends = 1
	p := NewASRProcessor(func(captureID, streamID string) asr.Transcriber { return ft })

	out, err := p.Process(segmentFrame("s1", "seg-1"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(out) != 1 || out[0].Kind() != frames.KindText {
		t.Fatalf("expected recovered transcript, got %v", out)
	}
	if len(ft.segments) != 1 || ft.segments[0] != "seg-1" {
		t.Fatalf("expected segment resubmitted once, got %v", ft.segments)
	}
	if ft.closed == 0 {
		t.Fatalf("expected session reconnect on send failure")
	}
}

func TestASRProcessorFallbackOnConnectFailure(t *testing.T) {
	ft := newFakeTranscriber()
	ft.startErr = errors.New("connect boom")
	p := NewASRProcessor(func(captureID, streamID string) asr.Transcriber { return ft })

	out, err := p.Process(segmentFrame("s1", "seg-1"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected fallback frame, got %d", len(out))
	}
	cf, ok := out[0].(frames.ControlFrame)
	if !ok || cf.Code() != frames.ControlFallback {
		t.Fatalf("expected fallback control frame, got %v", out[0])
	}
}

func TestASRProcessorClosesSessionOnCaptureEnd(t *testing.T) {
	ft := newFakeTranscriber()
	p := NewASRProcessor(func(captureID, streamID string) asr.Transcriber { return ft })

	if _, err := p.Process(segmentFrame("s1", "seg-1")); err != nil {
		t.Fatalf("process: %v", err)
	}
	end := frames.NewSystemFrame("s1", 2, frames.SystemCaptureEnd, nil)
	out, err := p.Process(end)
	if err != nil {
		t.Fatalf("capture end: %v", err)
	}
	if len(out) != 1 || out[0].Kind() != frames.KindSystem {
		t.Fatalf("system frame must pass through, got %v", out)
	}
	if ft.closed != 1 {
		t.Fatalf("expected session closed on capture end, got %d", ft.closed)
	}
}

func TestASRProcessorPassesThroughOtherFrames(t *testing.T) {
	p := NewASRProcessor(func(captureID, streamID string) asr.Transcriber { return newFakeTranscriber() })
	audio := frames.NewAudioFrame("s1", 1, make([]byte, 640), 16000, 1, nil)
	out, err := p.Process(audio)
	if err != nil || len(out) != 1 || out[0].Kind() != frames.KindAudio {
		t.Fatalf("expected audio pass-through, got out=%v err=%v", out, err)
	}
}
