package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/svarahq/svara/pkg/metrics"
)

// LatencyObserver tracks per-segment transcription latency: the span from
// the segment cut to the final transcript.
type LatencyObserver struct {
	mu     sync.Mutex
	traces map[string]*trace
	log    *slog.Logger
}

type trace struct {
	cutAt    time.Time
	finalAt  time.Time
	streamID string
	reason   string
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		traces: make(map[string]*trace),
		log:    log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	segmentID := ""
	if ev.Tags != nil {
		segmentID = ev.Tags["segment_id"]
	}
	if segmentID == "" {
		return
	}
	o.mu.Lock()
	t := o.traces[segmentID]
	if t == nil {
		t = &trace{}
		o.traces[segmentID] = t
	}
	switch ev.Name {
	case metrics.EventSegmentCut:
		if t.cutAt.IsZero() {
			t.cutAt = ev.Time
		}
		if ev.Tags != nil {
			t.streamID = ev.Tags["stream_id"]
			t.reason = ev.Tags["cut_reason"]
		}
	case metrics.EventASRFinal:
		t.finalAt = ev.Time
	}
	if !t.finalAt.IsZero() {
		o.logLatencyLocked(segmentID, t)
		delete(o.traces, segmentID)
	}
	o.mu.Unlock()
}

func (o *LatencyObserver) logLatencyLocked(segmentID string, t *trace) {
	o.log.Info("latency",
		"segment_id", segmentID,
		"stream_id", t.streamID,
		"cut_reason", t.reason,
		"asr_ms", durationMs(t.cutAt, t.finalAt),
	)
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}
