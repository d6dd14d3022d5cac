package chunking

import "time"

// CutReason explains why a segment was closed.
type CutReason string

const (
	ReasonSilence     CutReason = "silence"
	ReasonMaxDuration CutReason = "max_duration"
	ReasonStreamEnd   CutReason = "stream_end"
	ReasonForced      CutReason = "forced"
)

// Policy decides where a continuous capture stream is cut into segments.
// It is stateless; every decision derives from the open segment's elapsed
// time and the current voice-activity score.
type Policy struct {
	// MinSegment is the protected window. Segments shorter than this are
	// never cut, silence or not.
	MinSegment time.Duration
	// EvalStart is when silence cutting becomes eligible. Defaults to
	// MinSegment.
	EvalStart time.Duration
	// MaxSegment is the hard ceiling. Reaching it forces a cut regardless
	// of voice activity, mid-word included.
	MaxSegment time.Duration
	// SilenceScore is the voice-activity value treated as cuttable
	// silence. Compared exactly.
	SilenceScore float64
}

func DefaultPolicy() Policy {
	return Policy{
		MinSegment:   20 * time.Second,
		EvalStart:    20 * time.Second,
		MaxSegment:   60 * time.Second,
		SilenceScore: 0,
	}
}

type Decision struct {
	Cut    bool
	Reason CutReason
}

// Evaluate maps the open segment's elapsed duration and the incoming
// frame's voice-activity score to a cut decision. Checked in order:
// protected window, ceiling, exact silence, continue.
func (p Policy) Evaluate(elapsed time.Duration, score float64) Decision {
	evalStart := p.EvalStart
	if evalStart <= 0 {
		evalStart = p.MinSegment
	}
	if elapsed < evalStart {
		return Decision{}
	}
	if p.MaxSegment > 0 && elapsed >= p.MaxSegment {
		return Decision{Cut: true, Reason: ReasonMaxDuration}
	}
	if score == p.SilenceScore {
		return Decision{Cut: true, Reason: ReasonSilence}
	}
	return Decision{}
}
