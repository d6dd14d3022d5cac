package frames

import (
	"sync"
	"time"
)

type Kind string

const (
	KindAudio   Kind = "audio"
	KindVoice   Kind = "voice_activity"
	KindSegment Kind = "segment"
	KindText    Kind = "text"
	KindControl Kind = "control"
	KindSystem  Kind = "system"
)

type ControlCode string

const (
	ControlCancel       ControlCode = "cancel"
	ControlFlushSegment ControlCode = "flush_segment"
	ControlFallback     ControlCode = "fallback"
)

// Meta keys shared across the pipeline.
const (
	MetaStreamID  = "stream_id"
	MetaCaptureID = "capture_id"
	MetaTraceID   = "trace_id"
	MetaSource    = "source"
	MetaReason    = "reason"
	MetaIsFinal   = "is_final"
	MetaEncoding  = "encoding"
	MetaFormat    = "format"
	MetaSegmentID = "segment_id"
	MetaCutReason = "cut_reason"
	MetaEngine    = "engine"
)

// System frame names emitted by transports.
const (
	SystemCaptureStart = "capture_start"
	SystemCaptureEnd   = "capture_end"
	SystemHeartbeat    = "heartbeat"
)

type Frame interface {
	Kind() Kind
	PTS() int64
	Meta() map[string]string
}

type AudioFrame struct {
	pts    int64
	data   []byte
	rate   int
	ch     int
	meta   map[string]string
	pooled bool
}

func NewAudioFrame(streamID string, pts int64, data []byte, rate, ch int, meta map[string]string) AudioFrame {
	return AudioFrame{
		pts:  pts,
		data: data,
		rate: rate,
		ch:   ch,
		meta: mergeMeta(streamID, meta),
	}
}

func NewAudioFrameFromPool(streamID string, pts int64, data []byte, rate, ch int, meta map[string]string) AudioFrame {
	buf := AcquireAudioBuf(len(data))
	copy(buf, data)
	return AudioFrame{
		pts:    pts,
		data:   buf,
		rate:   rate,
		ch:     ch,
		meta:   mergeMeta(streamID, meta),
		pooled: true,
	}
}

func (a AudioFrame) Kind() Kind              { return KindAudio }
func (a AudioFrame) PTS() int64              { return a.pts }
func (a AudioFrame) Meta() map[string]string { return cloneMeta(a.meta) }
func (a AudioFrame) Data() []byte            { return append([]byte(nil), a.data...) }
func (a AudioFrame) RawPayload() []byte      { return a.data }
func (a AudioFrame) Rate() int               { return a.rate }
func (a AudioFrame) Channels() int           { return a.ch }

// SampleDuration derives the wall-clock span this frame covers from its
// payload size, assuming 16-bit PCM.
func (a AudioFrame) SampleDuration() time.Duration {
	if a.rate <= 0 || a.ch <= 0 {
		return 0
	}
	samples := len(a.data) / (2 * a.ch)
	return time.Duration(samples) * time.Second / time.Duration(a.rate)
}

func ReleaseAudioFrame(f Frame) bool {
	af, ok := f.(AudioFrame)
	if !ok {
		ap, ok := f.(*AudioFrame)
		if !ok {
			return false
		}
		af = *ap
	}
	if af.pooled {
		ReleaseAudioBuf(af.data)
		return true
	}
	return false
}

// VoiceFrame carries a single voice-activity score in [0,1] covering a span
// of the capture stream.
type VoiceFrame struct {
	pts   int64
	score float64
	span  time.Duration
	meta  map[string]string
}

func NewVoiceFrame(streamID string, pts int64, score float64, span time.Duration, meta map[string]string) VoiceFrame {
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return VoiceFrame{
		pts:   pts,
		score: score,
		span:  span,
		meta:  mergeMeta(streamID, meta),
	}
}

func (v VoiceFrame) Kind() Kind              { return KindVoice }
func (v VoiceFrame) PTS() int64              { return v.pts }
func (v VoiceFrame) Meta() map[string]string { return cloneMeta(v.meta) }
func (v VoiceFrame) Score() float64          { return v.score }
func (v VoiceFrame) Span() time.Duration     { return v.span }

// SegmentFrame is a closed, bounded span of capture audio ready for
// transcription.
type SegmentFrame struct {
	pts    int64
	id     string
	data   []byte
	rate   int
	ch     int
	length time.Duration
	reason string
	meta   map[string]string
}

func NewSegmentFrame(streamID string, pts int64, id string, data []byte, rate, ch int, length time.Duration, reason string, meta map[string]string) SegmentFrame {
	merged := mergeMeta(streamID, meta)
	if id != "" {
		merged[MetaSegmentID] = id
	}
	if reason != "" {
		merged[MetaCutReason] = reason
	}
	return SegmentFrame{
		pts:    pts,
		id:     id,
		data:   data,
		rate:   rate,
		ch:     ch,
		length: length,
		reason: reason,
		meta:   merged,
	}
}

func (s SegmentFrame) Kind() Kind              { return KindSegment }
func (s SegmentFrame) PTS() int64              { return s.pts }
func (s SegmentFrame) Meta() map[string]string { return cloneMeta(s.meta) }
func (s SegmentFrame) ID() string              { return s.id }
func (s SegmentFrame) Data() []byte            { return append([]byte(nil), s.data...) }
func (s SegmentFrame) RawPayload() []byte      { return s.data }
func (s SegmentFrame) Rate() int               { return s.rate }
func (s SegmentFrame) Channels() int           { return s.ch }
func (s SegmentFrame) Length() time.Duration   { return s.length }
func (s SegmentFrame) Reason() string          { return s.reason }

type TextFrame struct {
	pts  int64
	text string
	meta map[string]string
}

func NewTextFrame(streamID string, pts int64, text string, meta map[string]string) TextFrame {
	return TextFrame{
		pts:  pts,
		text: text,
		meta: mergeMeta(streamID, meta),
	}
}

func (t TextFrame) Kind() Kind              { return KindText }
func (t TextFrame) PTS() int64              { return t.pts }
func (t TextFrame) Meta() map[string]string { return cloneMeta(t.meta) }
func (t TextFrame) Text() string            { return t.text }

type ControlFrame struct {
	pts  int64
	code ControlCode
	meta map[string]string
}

func NewControlFrame(streamID string, pts int64, code ControlCode, meta map[string]string) ControlFrame {
	return ControlFrame{
		pts:  pts,
		code: code,
		meta: mergeMeta(streamID, meta),
	}
}

func (c ControlFrame) Kind() Kind              { return KindControl }
func (c ControlFrame) PTS() int64              { return c.pts }
func (c ControlFrame) Meta() map[string]string { return cloneMeta(c.meta) }
func (c ControlFrame) Code() ControlCode       { return c.code }

type SystemFrame struct {
	pts  int64
	name string
	meta map[string]string
}

func NewSystemFrame(streamID string, pts int64, name string, meta map[string]string) SystemFrame {
	return SystemFrame{
		pts:  pts,
		name: name,
		meta: mergeMeta(streamID, meta),
	}
}

func (s SystemFrame) Kind() Kind              { return KindSystem }
func (s SystemFrame) PTS() int64              { return s.pts }
func (s SystemFrame) Meta() map[string]string { return cloneMeta(s.meta) }
func (s SystemFrame) Name() string            { return s.name }

type PTSGen struct {
	mu    sync.Mutex
	value map[string]int64
}

func NewPTSGen() *PTSGen {
	return &PTSGen{value: make(map[string]int64)}
}

func (g *PTSGen) Next(streamID string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	v := g.value[streamID] + time.Millisecond.Nanoseconds()
	g.value[streamID] = v
	return v
}

var audioBufPool = sync.Pool{
	New: func() any {
		return make([]byte, 0, 4096)
	},
}

func AcquireAudioBuf(size int) []byte {
	b := audioBufPool.Get().([]byte)
	if cap(b) < size {
		return make([]byte, size)
	}
	return b[:size]
}

func ReleaseAudioBuf(b []byte) {
	audioBufPool.Put(b[:0])
}

func mergeMeta(streamID string, meta map[string]string) map[string]string {
	out := make(map[string]string, 2+len(meta))
	if streamID != "" {
		out[MetaStreamID] = streamID
	}
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func cloneMeta(meta map[string]string) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
