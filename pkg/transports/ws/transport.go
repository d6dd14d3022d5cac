package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/svarahq/svara/pkg/frames"
)

type Config struct {
	ServerAddr     string   `mapstructure:"server_addr"`
	PublicURL      string   `mapstructure:"public_url"`
	CapturePath    string   `mapstructure:"capture_path"`
	SampleRate     int      `mapstructure:"sample_rate"`
	AllowAnyOrigin bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.CapturePath == "" {
		c.CapturePath = "/capture"
	}
	if c.SampleRate == 0 {
		c.SampleRate = 16000
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// Transport serves a websocket endpoint for browser microphone capture.
// Clients send a JSON "start" event, then raw PCM16 binary frames, with
// optional JSON "vad" events carrying client-side speech scores, and a
// JSON "stop" event when the capture ends. Transcripts, segment notices,
// and engine state updates flow back to the client as JSON messages.
type Transport struct {
	cfg      Config
	server   *http.Server
	upgrader websocket.Upgrader
	recvCh   chan frames.Frame

	mu         sync.Mutex
	sessions   map[string]*session
	captureIDs map[string]string
	capStreams map[string]string
	traceIDs   map[string]string
	rates      map[string]int

	draining atomic.Bool
}

func New(cfg Config) *Transport {
	cfg = cfg.withDefaults()
	t := &Transport{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		recvCh:     make(chan frames.Frame, 512),
		sessions:   make(map[string]*session),
		captureIDs: make(map[string]string),
		capStreams: make(map[string]string),
		traceIDs:   make(map[string]string),
		rates:      make(map[string]int),
	}
	t.upgrader.CheckOrigin = t.checkOrigin
	return t
}

func (t *Transport) Name() string { return "ws" }

func (t *Transport) Recv() <-chan frames.Frame { return t.recvCh }

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"capture_url": t.captureURL(),
	}
}

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	mux := http.NewServeMux()
	mux.Handle(t.cfg.CapturePath, t)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	t.server = &http.Server{
		Addr:              t.cfg.ServerAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           mux,
	}
	go func() {
		<-ctx.Done()
		_ = t.server.Close()
	}()
	go func() {
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("ws_transport_server_error", "error", err.Error())
		}
	}()
	return nil
}

func (t *Transport) Stop() error {
	t.draining.Store(true)
	if t.server != nil {
		_ = t.server.Close()
	}
	t.mu.Lock()
	for _, sess := range t.sessions {
		_ = sess.close()
	}
	t.sessions = make(map[string]*session)
	t.mu.Unlock()
	close(t.recvCh)
	return nil
}

func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var captureID string
	var streamID string
	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType == websocket.BinaryMessage {
			if streamID == "" {
				continue
			}
			meta := t.metaForStream(streamID)
			meta[frames.MetaEncoding] = "linear16"
			meta[frames.MetaFormat] = "pcm16"
			rate := t.rateForStream(streamID)
			payload := make([]byte, len(msg))
			copy(payload, msg)
			af := frames.NewAudioFrame(streamID, time.Now().UnixNano(), payload, rate, 1, meta)
			nonBlockingSend(t.recvCh, af)
			continue
		}
		var evt ClientEvent
		if err := json.Unmarshal(msg, &evt); err != nil {
			continue
		}
		switch evt.Event {
		case "start":
			if evt.Start == nil {
				continue
			}
			captureID = evt.Start.CaptureID
			if captureID == "" {
				captureID = uuid.NewString()
			}
			streamID = evt.Start.StreamID
			if streamID == "" {
				streamID = uuid.NewString()
			}
			traceID := uuid.NewString()
			rate := evt.Start.SampleRate
			if rate == 0 {
				rate = t.cfg.SampleRate
			}
			oldStream, oldSess := t.attach(streamID, captureID, traceID, rate, conn)
			if oldSess != nil {
				_ = oldSess.close()
			}
			meta := map[string]string{
				frames.MetaStreamID:  streamID,
				frames.MetaCaptureID: captureID,
				frames.MetaTraceID:   traceID,
				frames.MetaSource:    "transport",
			}
			nonBlockingSend(t.recvCh, frames.NewSystemFrame(streamID, time.Now().UnixNano(), frames.SystemCaptureStart, meta))
			if oldStream != "" {
				slog.Info("ws_capture_reconnect",
					"capture_id", captureID,
					"stream_id", streamID,
					"old_stream_id", oldStream)
			}
			_ = t.sendToStream(streamID, map[string]any{
				"event":     "started",
				"streamId":  streamID,
				"captureId": captureID,
			})
		case "vad":
			if evt.VAD == nil || streamID == "" {
				continue
			}
			meta := t.metaForStream(streamID)
			meta[frames.MetaSource] = "client_vad"
			span := time.Duration(evt.VAD.SpanMs) * time.Millisecond
			vf := frames.NewVoiceFrame(streamID, time.Now().UnixNano(), evt.VAD.Score, span, meta)
			nonBlockingSend(t.recvCh, vf)
		case "stop":
			meta := t.metaForStream(streamID)
			if evt.Stop != nil && evt.Stop.Reason != "" {
				meta[frames.MetaReason] = evt.Stop.Reason
			}
			nonBlockingSend(t.recvCh, frames.NewSystemFrame(streamID, time.Now().UnixNano(), frames.SystemCaptureEnd, meta))
			t.detach(streamID)
			return
		}
	}
	if streamID != "" {
		meta := t.metaForStream(streamID)
		meta[frames.MetaReason] = "transport_closed"
		nonBlockingSend(t.recvCh, frames.NewSystemFrame(streamID, time.Now().UnixNano(), frames.SystemCaptureEnd, meta))
		t.detach(streamID)
	}
}

func (t *Transport) Send(f frames.Frame) error {
	streamID := f.Meta()[frames.MetaStreamID]
	switch f.Kind() {
	case frames.KindText:
		tf, ok := f.(frames.TextFrame)
		if !ok {
			return nil
		}
		return t.sendToStream(streamID, map[string]any{
			"event":     "transcript",
			"streamId":  streamID,
			"segmentId": tf.Meta()[frames.MetaSegmentID],
			"isFinal":   tf.Meta()[frames.MetaIsFinal] == "true",
			"text":      tf.Text(),
		})
	case frames.KindSegment:
		sf, ok := f.(frames.SegmentFrame)
		if !ok {
			return nil
		}
		return t.sendToStream(streamID, map[string]any{
			"event":      "segment",
			"streamId":   streamID,
			"segmentId":  sf.ID(),
			"reason":     sf.Reason(),
			"durationMs": sf.Length().Milliseconds(),
		})
	case frames.KindControl:
		cf, ok := f.(frames.ControlFrame)
		if !ok || cf.Code() != frames.ControlFallback {
			return nil
		}
		return t.sendToStream(streamID, map[string]any{
			"event":    "fallback",
			"streamId": streamID,
			"reason":   cf.Meta()[frames.MetaReason],
		})
	case frames.KindSystem:
		sf, ok := f.(frames.SystemFrame)
		if !ok {
			return nil
		}
		msg := map[string]any{
			"event":    "system",
			"streamId": streamID,
			"name":     sf.Name(),
		}
		for k, v := range sf.Meta() {
			switch k {
			case "engine_state", "healthy", frames.MetaReason:
				msg[k] = v
			}
		}
		if streamID == "" {
			t.broadcast(msg)
			return nil
		}
		return t.sendToStream(streamID, msg)
	default:
		return nil
	}
}

func (t *Transport) captureURL() string {
	if t.cfg.PublicURL != "" {
		return "wss://" + normalizePublicURL(t.cfg.PublicURL) + t.cfg.CapturePath
	}
	addr := t.cfg.ServerAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "ws://" + addr + t.cfg.CapturePath
}

func (t *Transport) attach(streamID, captureID, traceID string, rate int, conn *websocket.Conn) (string, *session) {
	sess := &session{
		conn:   conn,
		sendCh: make(chan []byte, 256),
	}
	var oldStream string
	var oldSess *session
	t.mu.Lock()
	if captureID != "" {
		if existing := t.capStreams[captureID]; existing != "" && existing != streamID {
			oldStream = existing
			oldSess = t.sessions[existing]
			delete(t.sessions, existing)
			delete(t.captureIDs, existing)
			delete(t.traceIDs, existing)
			delete(t.rates, existing)
		}
		t.capStreams[captureID] = streamID
	}
	t.sessions[streamID] = sess
	t.captureIDs[streamID] = captureID
	t.traceIDs[streamID] = traceID
	t.rates[streamID] = rate
	t.mu.Unlock()
	go sess.loop()
	return oldStream, oldSess
}

func (t *Transport) detach(streamID string) {
	t.mu.Lock()
	sess := t.sessions[streamID]
	captureID := t.captureIDs[streamID]
	delete(t.sessions, streamID)
	delete(t.captureIDs, streamID)
	delete(t.traceIDs, streamID)
	delete(t.rates, streamID)
	if captureID != "" && t.capStreams[captureID] == streamID {
		delete(t.capStreams, captureID)
	}
	t.mu.Unlock()
	if sess != nil {
		_ = sess.close()
	}
}

func (t *Transport) session(streamID string) *session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions[streamID]
}

func (t *Transport) metaForStream(streamID string) map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	meta := map[string]string{frames.MetaStreamID: streamID}
	if v := t.captureIDs[streamID]; v != "" {
		meta[frames.MetaCaptureID] = v
	}
	if v := t.traceIDs[streamID]; v != "" {
		meta[frames.MetaTraceID] = v
	}
	return meta
}

func (t *Transport) rateForStream(streamID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r := t.rates[streamID]; r > 0 {
		return r
	}
	return t.cfg.SampleRate
}

func (t *Transport) sendToStream(streamID string, msg map[string]any) error {
	sess := t.session(streamID)
	if sess == nil {
		return nil
	}
	return sess.enqueue(msg)
}

func (t *Transport) broadcast(msg map[string]any) {
	t.mu.Lock()
	sessions := make([]*session, 0, len(t.sessions))
	for _, sess := range t.sessions {
		sessions = append(sessions, sess)
	}
	t.mu.Unlock()
	for _, sess := range sessions {
		_ = sess.enqueue(msg)
	}
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	if t.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range t.cfg.AllowedOrigins {
		a := strings.TrimSpace(allowed)
		if a == "" {
			continue
		}
		a = strings.TrimRight(a, "/")
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

type session struct {
	conn   *websocket.Conn
	sendCh chan []byte
	closed atomic.Bool
}

func (s *session) enqueue(msg map[string]any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case s.sendCh <- b:
	default:
	}
	return nil
}

func (s *session) loop() {
	for msg := range s.sendCh {
		_ = s.conn.WriteMessage(websocket.TextMessage, msg)
	}
}

func (s *session) close() error {
	if s.closed.CompareAndSwap(false, true) {
		close(s.sendCh)
	}
	return s.conn.Close()
}

type ClientStart struct {
	CaptureID  string `json:"captureId"`
	StreamID   string `json:"streamId"`
	SampleRate int    `json:"sampleRate"`
}

type ClientVAD struct {
	Score  float64 `json:"score"`
	SpanMs int64   `json:"spanMs"`
}

type ClientStop struct {
	Reason string `json:"reason"`
}

type ClientEvent struct {
	Event string       `json:"event"`
	Start *ClientStart `json:"start,omitempty"`
	VAD   *ClientVAD   `json:"vad,omitempty"`
	Stop  *ClientStop  `json:"stop,omitempty"`
}

func normalizePublicURL(v string) string {
	if v == "" {
		return ""
	}
	if len(v) >= 8 && v[:8] == "https://" {
		return v[8:]
	}
	if len(v) >= 7 && v[:7] == "http://" {
		return v[7:]
	}
	for len(v) > 0 && v[len(v)-1] == '/' {
		v = v[:len(v)-1]
	}
	return v
}

func nonBlockingSend(ch chan frames.Frame, f frames.Frame) {
	select {
	case ch <- f:
	default:
	}
}
