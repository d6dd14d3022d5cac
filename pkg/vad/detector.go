package vad

// Detector scores a PCM16 chunk for voice activity. Score returns a value
// in [0,1]; 0 means complete absence of detected voice.
type Detector interface {
	Score(pcm []byte) float64
	Reset()
}
