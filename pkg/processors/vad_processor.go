package processors

import (
	"sync"

	"github.com/svarahq/svara/pkg/frames"
	"github.com/svarahq/svara/pkg/pipeline"
	"github.com/svarahq/svara/pkg/vad"
)

// VADProcessor derives voice-activity frames from audio when the capture
// client does not supply its own scores. Engine-supplied voice frames pass
// through untouched; with a detector attached, every audio frame is
// followed by a scored voice frame covering the same span.
type VADProcessor struct {
	mu        sync.Mutex
	detectors map[string]vad.Detector
	factory   func() vad.Detector
}

// NewVADProcessor builds a processor with a per-stream detector factory.
// A nil factory makes the processor a pure pass-through.
func NewVADProcessor(factory func() vad.Detector) *VADProcessor {
	return &VADProcessor{
		detectors: make(map[string]vad.Detector),
		factory:   factory,
	}
}

func (p *VADProcessor) Name() string { return "vad_processor" }

func (p *VADProcessor) Process(f frames.Frame) ([]frames.Frame, error) {
	switch f.Kind() {
	case frames.KindSystem:
		sf := f.(frames.SystemFrame)
		if sf.Name() == frames.SystemCaptureEnd {
			p.drop(sf.Meta()[frames.MetaStreamID])
		}
		return []frames.Frame{f}, nil
	case frames.KindAudio:
		if p.factory == nil {
			return []frames.Frame{f}, nil
		}
		af := f.(frames.AudioFrame)
		meta := af.Meta()
		streamID := meta[frames.MetaStreamID]
		score := p.detectorFor(streamID).Score(af.RawPayload())
		vf := frames.NewVoiceFrame(streamID, af.PTS(), score, af.SampleDuration(), meta)
		return []frames.Frame{af, vf}, nil
	default:
		return []frames.Frame{f}, nil
	}
}

func (p *VADProcessor) detectorFor(streamID string) vad.Detector {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.detectors[streamID]
	if !ok {
		d = p.factory()
		p.detectors[streamID] = d
	}
	return d
}

func (p *VADProcessor) drop(streamID string) {
	if streamID == "" {
		return
	}
	p.mu.Lock()
	delete(p.detectors, streamID)
	p.mu.Unlock()
}

var _ pipeline.FrameProcessor = (*VADProcessor)(nil)
