package vad

import "math"

// RMSDetector is a pure-Go voice activity detector based on RMS energy.
// Hysteresis with separate enter/exit thresholds avoids flickering between
// speech and silence. Used as the fallback when the capture client does not
// ship its own voice-activity scores.
type RMSDetector struct {
	speechThreshold  float64 // RMS level to enter speech
	silenceThreshold float64 // RMS level to leave speech
	speechFrames     int     // consecutive speech frames needed to enter
	silenceFrames    int     // consecutive silence frames needed to leave
	inSpeech         bool
	speechCount      int
	silenceCount     int
}

// NewRMSDetector returns a detector tuned for 16kHz 20ms frames.
func NewRMSDetector(speechThreshold, silenceThreshold float64) *RMSDetector {
	if speechThreshold <= 0 {
		speechThreshold = 0.015
	}
	if silenceThreshold <= 0 || silenceThreshold >= speechThreshold {
		silenceThreshold = speechThreshold / 2
	}
	return &RMSDetector{
		speechThreshold:  speechThreshold,
		silenceThreshold: silenceThreshold,
		speechFrames:     3,  // ~60ms to enter
		silenceFrames:    30, // ~600ms to leave
	}
}

// Score returns 0 while out of speech and a level-scaled score in (0,1]
// while in speech. The exact zero matters downstream: segment cutting
// treats it as cuttable silence.
func (v *RMSDetector) Score(pcm []byte) float64 {
	level := rms(pcm)

	if v.inSpeech {
		if level < v.silenceThreshold {
			v.silenceCount++
			v.speechCount = 0
			if v.silenceCount >= v.silenceFrames {
				v.inSpeech = false
				v.silenceCount = 0
			}
		} else {
			v.silenceCount = 0
		}
	} else {
		if level >= v.speechThreshold {
			v.speechCount++
			v.silenceCount = 0
			if v.speechCount >= v.speechFrames {
				v.inSpeech = true
				v.speechCount = 0
			}
		} else {
			v.speechCount = 0
		}
	}

	if !v.inSpeech {
		return 0
	}
	score := level / (4 * v.speechThreshold)
	if score > 1 {
		return 1
	}
	if score <= 0 {
		// Still inside the exit hysteresis window; report a floor so the
		// caller does not mistake it for silence.
		return 0.01
	}
	return score
}

// Reset clears hysteresis state between captures.
func (v *RMSDetector) Reset() {
	v.inSpeech = false
	v.speechCount = 0
	v.silenceCount = 0
}

// rms computes the normalized root mean square of little-endian PCM16.
func rms(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i+1 < len(pcm); i += 2 {
		s := int16(uint16(pcm[i]) | uint16(pcm[i+1])<<8)
		f := float64(s) / 32768.0
		sum += f * f
	}
	return math.Sqrt(sum / float64(n))
}

var _ Detector = (*RMSDetector)(nil)
