package processors

import (
	"testing"
	"time"

	"github.com/svarahq/svara/pkg/chunking"
	"github.com/svarahq/svara/pkg/frames"
	"github.com/svarahq/svara/pkg/metrics"
)

// feedSecond pushes one second of 16kHz mono PCM16 audio plus a voice
// frame carrying the given score, and returns any cut segment.
func feedSecond(t *testing.T, p *ChunkProcessor, streamID string, pts int64, score float64) *frames.SegmentFrame {
	t.Helper()
	return feedSecondAt(t, p, streamID, pts, score, 16000)
}

func feedSecondAt(t *testing.T, p *ChunkProcessor, streamID string, pts int64, score float64, rate int) *frames.SegmentFrame {
	t.Helper()
	audio := frames.NewAudioFrame(streamID, pts, make([]byte, 2*rate), rate, 1, nil)
	if out, err := p.Process(audio); err != nil || len(out) != 0 {
		t.Fatalf("audio frame: out=%v err=%v", out, err)
	}
	vf := frames.NewVoiceFrame(streamID, pts, score, time.Second, nil)
	out, err := p.Process(vf)
	if err != nil {
		t.Fatalf("voice frame: %v", err)
	}
	if len(out) == 0 {
		return nil
	}
	seg := out[0].(frames.SegmentFrame)
	return &seg
}

func TestSpeechThenSilenceCutsAtSilence(t *testing.T) {
	p := NewChunkProcessor(chunking.DefaultPolicy())
	for sec := 1; sec <= 25; sec++ {
		if seg := feedSecond(t, p, "s1", int64(sec), 0.8); seg != nil {
			t.Fatalf("unexpected cut at second %d", sec)
		}
	}
	seg := feedSecond(t, p, "s1", 26, 0)
	if seg == nil {
		t.Fatalf("expected cut at second 26")
	}
	if seg.Reason() != string(chunking.ReasonSilence) {
		t.Fatalf("expected silence reason, got %s", seg.Reason())
	}
	if seg.Length() != 26*time.Second {
		t.Fatalf("expected 26s segment, got %v", seg.Length())
	}
	if len(seg.RawPayload()) != 26*2*16000 {
		t.Fatalf("expected full audio payload, got %d bytes", len(seg.RawPayload()))
	}
}

func TestContinuousSpeechForcesCutAtCeiling(t *testing.T) {
	p := NewChunkProcessor(chunking.DefaultPolicy())
	cutAt := -1
	var seg *frames.SegmentFrame
	for sec := 1; sec <= 61; sec++ {
		if s := feedSecond(t, p, "s1", int64(sec), 0.8); s != nil {
			cutAt = sec
			seg = s
			break
		}
	}
	if cutAt != 60 {
		t.Fatalf("expected forced cut at second 60, got %d", cutAt)
	}
	if seg.Reason() != string(chunking.ReasonMaxDuration) {
		t.Fatalf("expected max_duration reason, got %s", seg.Reason())
	}
}

func TestCaptureEndFlushesPartialSegment(t *testing.T) {
	p := NewChunkProcessor(chunking.DefaultPolicy())
	for sec := 1; sec <= 5; sec++ {
		if seg := feedSecond(t, p, "s1", int64(sec), 0.8); seg != nil {
			t.Fatalf("unexpected cut at second %d", sec)
		}
	}
	end := frames.NewSystemFrame("s1", 6, frames.SystemCaptureEnd, nil)
	out, err := p.Process(end)
	if err != nil {
		t.Fatalf("capture end: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected segment plus system frame, got %d frames", len(out))
	}
	seg := out[0].(frames.SegmentFrame)
	if seg.Reason() != string(chunking.ReasonStreamEnd) {
		t.Fatalf("expected stream_end reason, got %s", seg.Reason())
	}
	if seg.Length() != 5*time.Second {
		t.Fatalf("expected 5s partial, got %v", seg.Length())
	}
	if out[1].Kind() != frames.KindSystem {
		t.Fatalf("system frame must pass through")
	}
}

func TestCaptureEndWithoutAudioEmitsNothing(t *testing.T) {
	p := NewChunkProcessor(chunking.DefaultPolicy())
	end := frames.NewSystemFrame("s1", 1, frames.SystemCaptureEnd, nil)
	out, err := p.Process(end)
	if err != nil {
		t.Fatalf("capture end: %v", err)
	}
	if len(out) != 1 || out[0].Kind() != frames.KindSystem {
		t.Fatalf("expected only the system frame, got %v", out)
	}
}

func TestForcedFlushControl(t *testing.T) {
	p := NewChunkProcessor(chunking.DefaultPolicy())
	for sec := 1; sec <= 3; sec++ {
		feedSecond(t, p, "s1", int64(sec), 0.8)
	}
	cf := frames.NewControlFrame("s1", 4, frames.ControlFlushSegment, nil)
	out, err := p.Process(cf)
	if err != nil {
		t.Fatalf("flush control: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected one segment, got %d", len(out))
	}
	seg := out[0].(frames.SegmentFrame)
	if seg.Reason() != string(chunking.ReasonForced) {
		t.Fatalf("expected forced reason, got %s", seg.Reason())
	}
}

func TestStreamsSegmentIndependently(t *testing.T) {
	p := NewChunkProcessor(chunking.DefaultPolicy())
	for sec := 1; sec <= 21; sec++ {
		feedSecond(t, p, "a", int64(sec), 0.8)
	}
	// Stream b only just started; its silence must not cut stream a.
	if seg := feedSecond(t, p, "b", 1, 0); seg != nil {
		t.Fatalf("stream b cut inside protected window")
	}
	if seg := feedSecond(t, p, "a", 22, 0); seg == nil {
		t.Fatalf("expected stream a silence cut")
	}
}

func TestHighSampleRateCeilingKeepsAllAudio(t *testing.T) {
	p := NewChunkProcessor(chunking.DefaultPolicy())
	var seg *frames.SegmentFrame
	for sec := 1; sec <= 60; sec++ {
		if s := feedSecondAt(t, p, "s1", int64(sec), 0.8, 48000); s != nil {
			seg = s
			break
		}
	}
	if seg == nil {
		t.Fatalf("expected forced cut at the ceiling")
	}
	if seg.Length() != 60*time.Second {
		t.Fatalf("expected 60s segment, got %v", seg.Length())
	}
	if got, want := len(seg.RawPayload()), 60*2*48000; got != want {
		t.Fatalf("ring evicted audio at 48kHz: got %d bytes, want %d", got, want)
	}
	if seg.Rate() != 48000 {
		t.Fatalf("expected 48kHz segment, got %d", seg.Rate())
	}
}

func TestCutRecordsMetricsEvent(t *testing.T) {
	p := NewChunkProcessor(chunking.DefaultPolicy())
	obs := metrics.NewMemoryObserver()
	p.SetObserver(obs)
	for sec := 1; sec <= 20; sec++ {
		feedSecond(t, p, "s1", int64(sec), 0.8)
	}
	seg := feedSecond(t, p, "s1", 21, 0)
	if seg == nil {
		t.Fatalf("expected silence cut")
	}
	if len(obs.Events) != 1 {
		t.Fatalf("expected 1 metrics event, got %d", len(obs.Events))
	}
	ev := obs.Events[0]
	if ev.Name != metrics.EventSegmentCut {
		t.Fatalf("expected segment_cut event, got %s", ev.Name)
	}
	if ev.Value != 21 {
		t.Fatalf("expected 21 seconds recorded, got %v", ev.Value)
	}
	if ev.Tags[frames.MetaCutReason] != string(chunking.ReasonSilence) {
		t.Fatalf("expected silence tag, got %s", ev.Tags[frames.MetaCutReason])
	}
}

func TestVoiceFrameWithoutOpenSegmentIsIgnored(t *testing.T) {
	p := NewChunkProcessor(chunking.DefaultPolicy())
	vf := frames.NewVoiceFrame("s1", 1, 0, time.Second, nil)
	out, err := p.Process(vf)
	if err != nil || len(out) != 0 {
		t.Fatalf("expected no output, got out=%v err=%v", out, err)
	}
}
