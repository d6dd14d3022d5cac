package processors

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/svarahq/svara/pkg/adapters/asr"
	"github.com/svarahq/svara/pkg/errorsx"
	"github.com/svarahq/svara/pkg/frames"
	"github.com/svarahq/svara/pkg/metrics"
	"github.com/svarahq/svara/pkg/pipeline"
	"github.com/svarahq/svara/pkg/redact"
	"github.com/svarahq/svara/pkg/resilience"
)

// ASRProcessor forwards closed segments to a per-capture transcriber
// session. Transient send failures reconnect and retry with the same
// segment; persistent failures trip the circuit breaker and emit a
// fallback control frame downstream.
type ASRProcessor struct {
	mu          sync.Mutex
	sessions    map[string]asr.Transcriber
	factory     func(captureID, streamID string) asr.Transcriber
	ctx         context.Context
	obs         metrics.Observer
	trace       map[string]string
	streamCap   map[string]string
	retry       resilience.RetryPolicy
	breaker     *resilience.CircuitBreaker
	provider    string
	breakerOpen bool
}

func NewASRProcessor(factory func(captureID, streamID string) asr.Transcriber) *ASRProcessor {
	return &ASRProcessor{
		sessions:  make(map[string]asr.Transcriber),
		factory:   factory,
		trace:     make(map[string]string),
		streamCap: make(map[string]string),
		retry:     resilience.NewRetryPolicy(2, 200*time.Millisecond),
		breaker:   resilience.NewCircuitBreaker(3, 30*time.Second),
	}
}

func (p *ASRProcessor) Name() string { return "asr_processor" }

func (p *ASRProcessor) SetObserver(obs metrics.Observer) { p.obs = obs }

func (p *ASRProcessor) SetContext(ctx context.Context) {
	if ctx != nil {
		p.ctx = ctx
	}
}

func (p *ASRProcessor) Process(f frames.Frame) ([]frames.Frame, error) {
	if f.Kind() == frames.KindSystem {
		sf := f.(frames.SystemFrame)
		if sf.Name() == frames.SystemCaptureEnd {
			if streamID := sf.Meta()[frames.MetaStreamID]; streamID != "" {
				p.CloseStream(streamID)
			}
		}
		return []frames.Frame{f}, nil
	}
	if f.Kind() != frames.KindSegment {
		return []frames.Frame{f}, nil
	}
	seg := f.(frames.SegmentFrame)
	meta := seg.Meta()
	streamID := meta[frames.MetaStreamID]
	captureID := meta[frames.MetaCaptureID]
	if v := meta[frames.MetaTraceID]; v != "" {
		p.setTrace(streamID, v)
	}
	p.track(streamID, captureID)

	if !p.breaker.Allow() {
		p.record(metrics.EventBreakerDenied, streamID, seg.ID())
		p.setBreakerOpen(true, streamID, seg.ID())
		slog.Info("asr_circuit_open", "stream_id", streamID, "reason_code", string(errorsx.ReasonASRCircuitOpen))
		return []frames.Frame{frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlFallback, meta)}, nil
	}
	p.setBreakerOpen(false, streamID, seg.ID())

	sess, err := p.getOrCreate(streamID, captureID)
	if err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonASRConnect)
		slog.Info("asr_session_error", "stream_id", streamID, "reason_code", string(errorsx.Reason(err)), "error", err.Error())
		p.recordRateLimit(err, streamID, seg.ID())
		p.breaker.OnError(err)
		return []frames.Frame{frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlFallback, meta)}, nil
	}
	p.setProviderFromSession(sess)
	p.record("asr_segment_in", streamID, seg.ID())

	if err := sess.Transcribe(seg); err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonASRSend)
		slog.Info("asr_send_error", "stream_id", streamID, "segment_id", seg.ID(), "reason_code", string(errorsx.Reason(err)), "error", err.Error())
		// Segments are self-contained, so a reconnect plus resubmit is a
		// full recovery.
		retryErr := p.retry.Do(func() error {
			p.CloseStream(streamID)
			sess, err = p.getOrCreate(streamID, captureID)
			if err != nil {
				return err
			}
			return sess.Transcribe(seg)
		})
		if retryErr != nil {
			retryErr = errorsx.Wrap(retryErr, errorsx.ReasonASRRetry)
			slog.Info("asr_retry_error", "stream_id", streamID, "segment_id", seg.ID(), "reason_code", string(errorsx.Reason(retryErr)), "error", retryErr.Error())
			p.recordRateLimit(retryErr, streamID, seg.ID())
			p.breaker.OnError(retryErr)
			return []frames.Frame{frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlFallback, meta)}, nil
		}
	}
	p.breaker.OnSuccess()

	out := p.drainResults(sess.Results(), streamID)
	return out, nil
}

func (p *ASRProcessor) getOrCreate(streamID, captureID string) (asr.Transcriber, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sess, ok := p.sessions[streamID]; ok {
		return sess, nil
	}
	sess := p.factory(captureID, streamID)
	if p.ctx == nil {
		p.ctx = context.Background()
	}
	if err := sess.Start(p.ctx); err != nil {
		return nil, err
	}
	p.sessions[streamID] = sess
	return sess, nil
}

func (p *ASRProcessor) CloseStream(streamID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sess, ok := p.sessions[streamID]; ok {
		_ = sess.Close()
		delete(p.sessions, streamID)
	}
	delete(p.trace, streamID)
	delete(p.streamCap, streamID)
}

func (p *ASRProcessor) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, sess := range p.sessions {
		_ = sess.Close()
		delete(p.sessions, id)
	}
	p.trace = make(map[string]string)
	p.streamCap = make(map[string]string)
}

func (p *ASRProcessor) drainResults(ch <-chan frames.Frame, streamID string) []frames.Frame {
	var out []frames.Frame
	for {
		select {
		case f, ok := <-ch:
			if !ok {
				return out
			}
			if f.Kind() == frames.KindText {
				tf := f.(frames.TextFrame)
				if tf.Meta()[frames.MetaIsFinal] == "true" {
					p.logFinal(streamID, tf)
				}
			}
			out = append(out, f)
		default:
			return out
		}
	}
}

func (p *ASRProcessor) logFinal(streamID string, tf frames.TextFrame) {
	meta := tf.Meta()
	segmentID := meta[frames.MetaSegmentID]
	safe := redact.Text(tf.Text())
	slog.Info("asr_final", "stream_id", streamID, "segment_id", segmentID, "trace_id", p.getTrace(streamID), "text", clipText(safe))
	if p.obs != nil {
		p.obs.RecordEvent(metrics.MetricsEvent{
			Name: metrics.EventASRFinal,
			Time: time.Now(),
			Tags: p.tags(streamID, segmentID),
			Fields: map[string]any{
				"text": safe,
			},
		})
	}
}

func (p *ASRProcessor) record(name, streamID, segmentID string) {
	if p.obs == nil {
		return
	}
	p.obs.RecordEvent(metrics.MetricsEvent{
		Name: name,
		Time: time.Now(),
		Tags: p.tags(streamID, segmentID),
	})
}

func (p *ASRProcessor) tags(streamID, segmentID string) map[string]string {
	tags := map[string]string{frames.MetaStreamID: streamID, "component": "asr"}
	if segmentID != "" {
		tags[frames.MetaSegmentID] = segmentID
	}
	if traceID := p.getTrace(streamID); traceID != "" {
		tags[frames.MetaTraceID] = traceID
	}
	if captureID := p.getCapture(streamID); captureID != "" {
		tags[frames.MetaCaptureID] = captureID
	}
	if p.provider != "" {
		tags["provider"] = p.provider
	}
	return tags
}

func (p *ASRProcessor) recordRateLimit(err error, streamID, segmentID string) {
	if err == nil {
		return
	}
	if resilience.IsRateLimit(err) {
		p.record(metrics.EventRateLimit, streamID, segmentID)
	}
}

func (p *ASRProcessor) setProviderFromSession(sess asr.Transcriber) {
	if sess == nil || p.provider != "" {
		return
	}
	p.provider = sess.Name()
}

func (p *ASRProcessor) setBreakerOpen(open bool, streamID, segmentID string) {
	if p.breakerOpen == open {
		return
	}
	p.breakerOpen = open
	if open {
		p.record(metrics.EventBreakerOpen, streamID, segmentID)
		return
	}
	p.record(metrics.EventBreakerClose, streamID, segmentID)
}

func (p *ASRProcessor) setTrace(streamID, traceID string) {
	p.mu.Lock()
	p.trace[streamID] = traceID
	p.mu.Unlock()
}

func (p *ASRProcessor) getTrace(streamID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.trace[streamID]
}

func (p *ASRProcessor) track(streamID, captureID string) {
	if streamID == "" || captureID == "" {
		return
	}
	p.mu.Lock()
	p.streamCap[streamID] = captureID
	p.mu.Unlock()
}

func (p *ASRProcessor) getCapture(streamID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streamCap[streamID]
}

func clipText(text string) string {
	text = strings.TrimSpace(text)
	if len(text) <= 120 {
		return text
	}
	return text[:120] + "..."
}

var _ pipeline.FrameProcessor = (*ASRProcessor)(nil)
