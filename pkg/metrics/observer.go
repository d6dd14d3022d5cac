package metrics

import "time"

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

// Event names recorded across the pipeline.
const (
	EventEngineState   = "engine_state"
	EventEngineHealth  = "engine_health"
	EventInitAttempt   = "init_attempt"
	EventRecovery      = "recovery_attempt"
	EventSegmentCut    = "segment_cut"
	EventASRFinal      = "asr_final"
	EventFrameIn       = "frame_in"
	EventFrameOut      = "frame_out"
	EventFrameDrop     = "frame_drop"
	EventRateLimit     = "rate_limit"
	EventBreakerOpen   = "breaker_open"
	EventBreakerClose  = "breaker_close"
	EventBreakerDenied = "breaker_denied"
)

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type Flusher interface {
	Flush() error
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}
