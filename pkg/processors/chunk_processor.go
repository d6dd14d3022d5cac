package processors

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/smallnest/ringbuffer"

	"github.com/svarahq/svara/pkg/chunking"
	"github.com/svarahq/svara/pkg/frames"
	"github.com/svarahq/svara/pkg/metrics"
	"github.com/svarahq/svara/pkg/pipeline"
)

// DefaultSegmentBufferBytes holds a bit over 60s of 16kHz mono PCM16. It is
// the fallback ring size for frames that carry no rate information; normal
// streams get a ring sized from their own rate and the policy ceiling.
const DefaultSegmentBufferBytes = 2 * 16000 * 64

// ceilingHeadroom is the slack added on top of the policy ceiling when
// sizing a segment ring, so the cut frame itself never evicts audio.
const ceilingHeadroom = 4 * time.Second

// ChunkProcessor owns the open segment per capture stream: audio bytes
// accumulate in a ring buffer and every voice-activity frame is evaluated
// against the cut policy. Elapsed time advances from frame durations, not
// wall clock, so replayed or accelerated streams segment identically.
type ChunkProcessor struct {
	mu       sync.Mutex
	policy   chunking.Policy
	segments map[string]*openSegment
	seqs     map[string]int
	bufBytes int
	obs      metrics.Observer
}

type openSegment struct {
	ring      *ringbuffer.RingBuffer
	elapsed   time.Duration
	startPTS  int64
	rate      int
	channels  int
	meta      map[string]string
	truncated bool
}

func NewChunkProcessor(policy chunking.Policy) *ChunkProcessor {
	return &ChunkProcessor{
		policy:   policy,
		segments: make(map[string]*openSegment),
		seqs:     make(map[string]int),
	}
}

func (p *ChunkProcessor) Name() string { return "chunk_processor" }

func (p *ChunkProcessor) SetObserver(obs metrics.Observer) { p.obs = obs }

// SetBufferBytes pins the per-segment ring capacity instead of deriving it
// from the stream's rate and the policy ceiling. Oldest audio is evicted on
// overflow.
func (p *ChunkProcessor) SetBufferBytes(n int) {
	if n > 0 {
		p.bufBytes = n
	}
}

// capacityFor sizes the ring so a full ceiling-length segment fits at the
// stream's own sample rate and channel count.
func (p *ChunkProcessor) capacityFor(af frames.AudioFrame) int {
	if p.bufBytes > 0 {
		return p.bufBytes
	}
	if af.Rate() > 0 && af.Channels() > 0 && p.policy.MaxSegment > 0 {
		secs := int((p.policy.MaxSegment + ceilingHeadroom) / time.Second)
		return 2 * af.Rate() * af.Channels() * secs
	}
	return DefaultSegmentBufferBytes
}

func (p *ChunkProcessor) Process(f frames.Frame) ([]frames.Frame, error) {
	switch f.Kind() {
	case frames.KindAudio:
		p.accumulate(f.(frames.AudioFrame))
		return nil, nil
	case frames.KindVoice:
		vf := f.(frames.VoiceFrame)
		if seg := p.cutIfDecided(vf); seg != nil {
			return []frames.Frame{*seg}, nil
		}
		return nil, nil
	case frames.KindControl:
		cf := f.(frames.ControlFrame)
		if cf.Code() == frames.ControlFlushSegment {
			streamID := cf.Meta()[frames.MetaStreamID]
			if seg := p.flush(streamID, cf.PTS(), chunking.ReasonForced); seg != nil {
				return []frames.Frame{*seg}, nil
			}
			return nil, nil
		}
		return []frames.Frame{f}, nil
	case frames.KindSystem:
		sf := f.(frames.SystemFrame)
		if sf.Name() == frames.SystemCaptureEnd {
			streamID := sf.Meta()[frames.MetaStreamID]
			out := []frames.Frame{}
			if seg := p.flush(streamID, sf.PTS(), chunking.ReasonStreamEnd); seg != nil {
				out = append(out, *seg)
			}
			p.CloseStream(streamID)
			return append(out, f), nil
		}
		return []frames.Frame{f}, nil
	default:
		return []frames.Frame{f}, nil
	}
}

func (p *ChunkProcessor) accumulate(af frames.AudioFrame) {
	meta := af.Meta()
	streamID := meta[frames.MetaStreamID]
	if streamID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	seg := p.segments[streamID]
	if seg == nil {
		seg = &openSegment{
			ring:     ringbuffer.New(p.capacityFor(af)).SetBlocking(false),
			startPTS: af.PTS(),
			rate:     af.Rate(),
			channels: af.Channels(),
			meta:     meta,
		}
		p.segments[streamID] = seg
	}
	data := af.RawPayload()
	if len(data) > seg.ring.Capacity() {
		data = data[len(data)-seg.ring.Capacity():]
	}
	// Evict oldest audio when full; the policy ceiling normally cuts long
	// before this triggers.
	if seg.ring.Free() < len(data) {
		skip := make([]byte, len(data)-seg.ring.Free())
		_, _ = seg.ring.Read(skip)
		seg.truncated = true
	}
	_, _ = seg.ring.Write(data)
	seg.elapsed += af.SampleDuration()
}

func (p *ChunkProcessor) cutIfDecided(vf frames.VoiceFrame) *frames.SegmentFrame {
	streamID := vf.Meta()[frames.MetaStreamID]
	p.mu.Lock()
	seg := p.segments[streamID]
	if seg == nil {
		p.mu.Unlock()
		return nil
	}
	d := p.policy.Evaluate(seg.elapsed, vf.Score())
	if !d.Cut {
		p.mu.Unlock()
		return nil
	}
	out := p.closeLocked(streamID, seg, vf.PTS(), d.Reason)
	p.mu.Unlock()
	return out
}

func (p *ChunkProcessor) flush(streamID string, pts int64, reason chunking.CutReason) *frames.SegmentFrame {
	if streamID == "" {
		return nil
	}
	p.mu.Lock()
	seg := p.segments[streamID]
	if seg == nil || seg.ring.IsEmpty() {
		delete(p.segments, streamID)
		p.mu.Unlock()
		return nil
	}
	out := p.closeLocked(streamID, seg, pts, reason)
	p.mu.Unlock()
	return out
}

// closeLocked drains the ring into a segment frame and resets stream state.
func (p *ChunkProcessor) closeLocked(streamID string, seg *openSegment, pts int64, reason chunking.CutReason) *frames.SegmentFrame {
	data := make([]byte, seg.ring.Length())
	_, _ = seg.ring.Read(data)
	id := uuid.NewString()
	length := seg.elapsed
	seq := p.seqs[streamID]
	p.seqs[streamID]++
	delete(p.segments, streamID)

	sf := frames.NewSegmentFrame(streamID, pts, id, data, seg.rate, seg.channels, length, string(reason), seg.meta)
	slog.Info("segment_cut",
		"stream_id", streamID,
		"segment_id", id,
		"seq", seq,
		"cut_reason", string(reason),
		"duration_ms", length.Milliseconds(),
		"bytes", len(data),
		"truncated", seg.truncated,
	)
	p.record(streamID, id, string(reason), length)
	return &sf
}

// CloseStream drops the open segment without emitting it.
func (p *ChunkProcessor) CloseStream(streamID string) {
	p.mu.Lock()
	delete(p.segments, streamID)
	delete(p.seqs, streamID)
	p.mu.Unlock()
}

func (p *ChunkProcessor) record(streamID, segmentID, reason string, length time.Duration) {
	if p.obs == nil {
		return
	}
	p.obs.RecordEvent(metrics.MetricsEvent{
		Name:  metrics.EventSegmentCut,
		Time:  time.Now(),
		Value: length.Seconds(),
		Tags: map[string]string{
			frames.MetaStreamID:  streamID,
			frames.MetaSegmentID: segmentID,
			frames.MetaCutReason: reason,
		},
	})
}

var _ pipeline.FrameProcessor = (*ChunkProcessor)(nil)
