package chunking

import (
	"testing"
	"time"
)

func TestNoCutInsideProtectedWindow(t *testing.T) {
	p := DefaultPolicy()
	for _, score := range []float64{0, 0.001, 0.5, 1} {
		d := p.Evaluate(19*time.Second, score)
		if d.Cut {
			t.Fatalf("score %v at 19s must not cut", score)
		}
	}
}

func TestCeilingForcesCut(t *testing.T) {
	p := DefaultPolicy()
	for _, score := range []float64{0, 0.5, 1} {
		d := p.Evaluate(60*time.Second, score)
		if !d.Cut || d.Reason != ReasonMaxDuration {
			t.Fatalf("score %v at 60s: got %+v, want max_duration cut", score, d)
		}
	}
}

func TestSilenceCutsOnlyOnExactScore(t *testing.T) {
	p := DefaultPolicy()
	d := p.Evaluate(30*time.Second, 0)
	if !d.Cut || d.Reason != ReasonSilence {
		t.Fatalf("exact silence at 30s: got %+v, want silence cut", d)
	}
	for _, score := range []float64{0.0001, 0.1, 0.8} {
		d := p.Evaluate(30*time.Second, score)
		if d.Cut {
			t.Fatalf("score %v at 30s must not cut", score)
		}
	}
}

func TestSpeechThenSilenceScenario(t *testing.T) {
	p := DefaultPolicy()
	// Voice activity 0.8 once a second for 25 seconds, then silence at 26.
	for sec := 1; sec <= 25; sec++ {
		d := p.Evaluate(time.Duration(sec)*time.Second, 0.8)
		if d.Cut {
			t.Fatalf("unexpected cut at second %d", sec)
		}
	}
	d := p.Evaluate(26*time.Second, 0)
	if !d.Cut || d.Reason != ReasonSilence {
		t.Fatalf("expected silence cut at second 26, got %+v", d)
	}
}

func TestContinuousSpeechScenario(t *testing.T) {
	p := DefaultPolicy()
	cutAt := -1
	for sec := 1; sec <= 61; sec++ {
		d := p.Evaluate(time.Duration(sec)*time.Second, 0.8)
		if d.Cut {
			cutAt = sec
			if d.Reason != ReasonMaxDuration {
				t.Fatalf("expected max_duration cut, got %s", d.Reason)
			}
			break
		}
	}
	if cutAt != 60 {
		t.Fatalf("expected forced cut at second 60, got %d", cutAt)
	}
}

func TestEvalStartDefaultsToMinSegment(t *testing.T) {
	p := Policy{MinSegment: 10 * time.Second, MaxSegment: 30 * time.Second}
	if d := p.Evaluate(9*time.Second, 0); d.Cut {
		t.Fatalf("cut before min segment")
	}
	if d := p.Evaluate(10*time.Second, 0); !d.Cut {
		t.Fatalf("expected silence cut once min elapsed")
	}
}
