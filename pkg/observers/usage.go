package observers

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/svarahq/svara/pkg/metrics"
)

type UsageSummary struct {
	TraceID         string  `json:"trace_id,omitempty"`
	StreamID        string  `json:"stream_id,omitempty"`
	CaptureAudioSec float64 `json:"capture_audio_seconds"`
	SegmentAudioSec float64 `json:"segment_audio_seconds"`
	SegmentCount    int     `json:"segment_count"`
	TranscriptChars int     `json:"transcript_chars"`
	RecordedAtUTC   string  `json:"recorded_at_utc"`
}

// UsageObserver accumulates per-capture usage and writes one summary file
// per capture on Close.
type UsageObserver struct {
	dir   string
	mu    sync.Mutex
	stats map[string]*UsageSummary
}

func NewUsageObserver(dir string) *UsageObserver {
	return &UsageObserver{dir: dir, stats: make(map[string]*UsageSummary)}
}

func (o *UsageObserver) RecordEvent(ev metrics.MetricsEvent) {
	if strings.TrimSpace(o.dir) == "" {
		return
	}
	id := ""
	streamID := ""
	traceID := ""
	if ev.Tags != nil {
		streamID = ev.Tags["stream_id"]
		traceID = ev.Tags["trace_id"]
		if traceID != "" {
			id = traceID
		} else {
			id = streamID
		}
	}
	if id == "" {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	stat := o.stats[id]
	if stat == nil {
		stat = &UsageSummary{TraceID: traceID, StreamID: streamID}
		o.stats[id] = stat
	}
	switch ev.Name {
	case "audio_in":
		stat.CaptureAudioSec += audioSeconds(ev.Fields)
	case metrics.EventSegmentCut:
		stat.SegmentCount++
		stat.SegmentAudioSec += ev.Value
	case metrics.EventASRFinal:
		if ev.Fields != nil {
			if text, ok := ev.Fields["text"].(string); ok {
				stat.TranscriptChars += len(text)
			}
		}
	}
}

func (o *UsageObserver) Close() error {
	if strings.TrimSpace(o.dir) == "" {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return err
	}
	var errOut error
	for id, stat := range o.stats {
		stat.RecordedAtUTC = time.Now().UTC().Format(time.RFC3339)
		b, err := json.MarshalIndent(stat, "", "  ")
		if err != nil {
			errOut = errors.Join(errOut, err)
			continue
		}
		path := filepath.Join(o.dir, sanitizeID(id)+".usage.json")
		if err := os.WriteFile(path, b, 0o644); err != nil {
			errOut = errors.Join(errOut, err)
		}
	}
	return errOut
}

func audioSeconds(fields map[string]any) float64 {
	if fields == nil {
		return 0
	}
	bytes := 0
	if v, ok := fields["payload_bytes"].(int); ok {
		bytes = v
	} else if v, ok := fields["payload_bytes"].(float64); ok {
		bytes = int(v)
	}
	if bytes <= 0 {
		return 0
	}
	sampleRate := 0
	channels := 1
	if v, ok := fields["sample_rate"].(float64); ok {
		sampleRate = int(v)
	} else if v, ok := fields["sample_rate"].(int); ok {
		sampleRate = v
	}
	if v, ok := fields["channels"].(float64); ok {
		channels = int(v)
	} else if v, ok := fields["channels"].(int); ok {
		channels = v
	}
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	// 16-bit PCM
	return float64(bytes) / float64(2*sampleRate*channels)
}

var _ metrics.Observer = (*UsageObserver)(nil)
