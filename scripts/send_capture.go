package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

// Smoke client for the capture websocket: streams a synthetic tone with
// client-side voice scores, then goes silent so the server cuts a segment.
func main() {
	url := flag.String("url", "ws://localhost:8080/capture", "capture websocket url")
	captureID := flag.String("capture_id", "smoke-capture", "capture id")
	sampleRate := flag.Int("sample_rate", 16000, "pcm sample rate")
	speechSec := flag.Int("speech_sec", 25, "seconds of speech to send")
	silenceSec := flag.Int("silence_sec", 3, "seconds of silence to send")
	flag.Parse()

	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	go func() {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			fmt.Printf("<- %s\n", msg)
		}
	}()

	start := map[string]any{
		"event": "start",
		"start": map[string]any{
			"captureId":  *captureID,
			"sampleRate": *sampleRate,
		},
	}
	if err := writeJSON(conn, start); err != nil {
		fmt.Fprintf(os.Stderr, "start: %v\n", err)
		os.Exit(1)
	}

	tone := pcmTone(*sampleRate, 440, 0.3)
	quiet := make([]byte, len(tone))
	for i := 0; i < *speechSec+*silenceSec; i++ {
		speaking := i < *speechSec
		frame := quiet
		score := 0.0
		if speaking {
			frame = tone
			score = 0.8
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			fmt.Fprintf(os.Stderr, "audio: %v\n", err)
			os.Exit(1)
		}
		vad := map[string]any{
			"event": "vad",
			"vad":   map[string]any{"score": score, "spanMs": 1000},
		}
		if err := writeJSON(conn, vad); err != nil {
			fmt.Fprintf(os.Stderr, "vad: %v\n", err)
			os.Exit(1)
		}
		time.Sleep(50 * time.Millisecond)
	}

	stop := map[string]any{
		"event": "stop",
		"stop":  map[string]any{"reason": "completed"},
	}
	if err := writeJSON(conn, stop); err != nil {
		fmt.Fprintf(os.Stderr, "stop: %v\n", err)
		os.Exit(1)
	}
	time.Sleep(time.Second)
}

func writeJSON(conn *websocket.Conn, msg map[string]any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, b)
}

// pcmTone renders one second of 16-bit little-endian PCM at the given
// frequency and amplitude.
func pcmTone(rate int, freq, amp float64) []byte {
	out := make([]byte, rate*2)
	for i := 0; i < rate; i++ {
		v := int16(amp * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)) * 32767)
		out[2*i] = byte(v)
		out[2*i+1] = byte(v >> 8)
	}
	return out
}
