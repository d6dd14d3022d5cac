package vad

import (
	"encoding/binary"
	"math"
	"testing"
)

func pcmTone(amplitude float64, samples int) []byte {
	buf := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := amplitude * math.Sin(2*math.Pi*float64(i)/32)
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(int16(v*32767)))
	}
	return buf
}

func TestSilenceScoresExactlyZero(t *testing.T) {
	d := NewRMSDetector(0.015, 0.008)
	quiet := make([]byte, 640)
	for i := 0; i < 10; i++ {
		if got := d.Score(quiet); got != 0 {
			t.Fatalf("frame %d: got %v, want exact 0", i, got)
		}
	}
}

func TestSpeechEntersAfterHysteresis(t *testing.T) {
	d := NewRMSDetector(0.015, 0.008)
	loud := pcmTone(0.5, 320)
	// Needs three consecutive speech frames to enter.
	if got := d.Score(loud); got != 0 {
		t.Fatalf("first frame must still score 0, got %v", got)
	}
	if got := d.Score(loud); got != 0 {
		t.Fatalf("second frame must still score 0, got %v", got)
	}
	if got := d.Score(loud); got <= 0 {
		t.Fatalf("third frame should flip to speech, got %v", got)
	}
}

func TestSpeechSurvivesShortDips(t *testing.T) {
	d := NewRMSDetector(0.015, 0.008)
	loud := pcmTone(0.5, 320)
	quiet := make([]byte, 640)
	for i := 0; i < 3; i++ {
		d.Score(loud)
	}
	// A handful of quiet frames must not end speech.
	for i := 0; i < 5; i++ {
		if got := d.Score(quiet); got == 0 {
			t.Fatalf("dip frame %d: speech ended too early", i)
		}
	}
}

func TestResetClearsState(t *testing.T) {
	d := NewRMSDetector(0.015, 0.008)
	loud := pcmTone(0.5, 320)
	for i := 0; i < 3; i++ {
		d.Score(loud)
	}
	d.Reset()
	if got := d.Score(loud); got != 0 {
		t.Fatalf("after reset the first frame must score 0, got %v", got)
	}
}

func TestScoreBounded(t *testing.T) {
	d := NewRMSDetector(0.015, 0.008)
	loud := pcmTone(0.99, 320)
	for i := 0; i < 10; i++ {
		if got := d.Score(loud); got > 1 {
			t.Fatalf("score above 1: %v", got)
		}
	}
}
