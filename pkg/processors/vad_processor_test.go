package processors

import (
	"testing"
	"time"

	"github.com/svarahq/svara/pkg/frames"
	"github.com/svarahq/svara/pkg/vad"
)

type fixedDetector struct {
	score float64
	reset int
}

func (d *fixedDetector) Score([]byte) float64 { return d.score }
func (d *fixedDetector) Reset()               { d.reset++ }

func TestVADProcessorScoresAudio(t *testing.T) {
	det := &fixedDetector{score: 0.7}
	p := NewVADProcessor(func() vad.Detector { return det })

	audio := frames.NewAudioFrame("s1", 1, make([]byte, 640), 16000, 1, nil)
	out, err := p.Process(audio)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected audio + voice frame, got %d", len(out))
	}
	vf, ok := out[1].(frames.VoiceFrame)
	if !ok {
		t.Fatalf("expected voice frame second, got %T", out[1])
	}
	if vf.Score() != 0.7 {
		t.Fatalf("expected detector score, got %v", vf.Score())
	}
	if vf.Span() != audio.SampleDuration() {
		t.Fatalf("voice frame span %v != audio duration %v", vf.Span(), audio.SampleDuration())
	}
}

func TestVADProcessorPassesThroughEngineScores(t *testing.T) {
	p := NewVADProcessor(nil)
	vf := frames.NewVoiceFrame("s1", 1, 0.3, 20*time.Millisecond, nil)
	out, err := p.Process(vf)
	if err != nil || len(out) != 1 {
		t.Fatalf("expected pass-through, got out=%v err=%v", out, err)
	}
	audio := frames.NewAudioFrame("s1", 2, make([]byte, 640), 16000, 1, nil)
	out, err = p.Process(audio)
	if err != nil || len(out) != 1 {
		t.Fatalf("nil factory must not synthesize scores, got %d frames", len(out))
	}
}

func TestVADProcessorDropsDetectorOnCaptureEnd(t *testing.T) {
	var made int
	p := NewVADProcessor(func() vad.Detector {
		made++
		return &fixedDetector{}
	})
	audio := frames.NewAudioFrame("s1", 1, make([]byte, 640), 16000, 1, nil)
	if _, err := p.Process(audio); err != nil {
		t.Fatalf("process: %v", err)
	}
	end := frames.NewSystemFrame("s1", 2, frames.SystemCaptureEnd, nil)
	if _, err := p.Process(end); err != nil {
		t.Fatalf("capture end: %v", err)
	}
	if _, err := p.Process(audio); err != nil {
		t.Fatalf("process: %v", err)
	}
	if made != 2 {
		t.Fatalf("expected fresh detector after capture end, got %d constructions", made)
	}
}
