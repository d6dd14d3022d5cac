package svara

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/svarahq/svara/pkg/adapters/asr"
	"github.com/svarahq/svara/pkg/engine"
	"github.com/svarahq/svara/pkg/frames"
	"github.com/svarahq/svara/pkg/pipeline"
	mockasr "github.com/svarahq/svara/pkg/providers/mock"
	mocktransport "github.com/svarahq/svara/pkg/transports/mock"
)

func testConfig() Config {
	return Config{
		Pipeline: pipeline.Config{
			Async:         true,
			StageBuffer:   16,
			HighCapacity:  32,
			LowCapacity:   32,
			FairnessRatio: 3,
		},
		Audio: pipeline.AudioConfig{SampleRate: 16000, Channels: 1},
		Engine: EngineConfig{
			AutoRecover:           false,
			MaxRetries:            1,
			RetryDelayMS:          1,
			HealthCheckIntervalMS: 3600000,
		},
		Vendors:    VendorsConfig{ASR: VendorConfig{Provider: "mock"}},
		Transports: TransportsConfig{Provider: "mock"},
		LogLevel:   "error",
	}
}

func testProviders() *ProviderRegistry {
	providers := NewProviderRegistry()
	providers.RegisterASR("mock", func(cfg Config, traceID string) (func(captureID, streamID string) asr.Transcriber, error) {
		return func(captureID, streamID string) asr.Transcriber {
			return mockasr.NewASR(mockasr.ASRConfig{CaptureID: captureID, StreamID: streamID})
		}, nil
	})
	return providers
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", what)
}

func TestCaptureTrafficRegistersClientEngine(t *testing.T) {
	tr := mocktransport.New()
	app := NewEngine(EngineOptions{
		Config:    testConfig(),
		Providers: testProviders(),
		Transport: tr,
	})
	if err := app.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = app.Stop() }()

	if app.Manager().Ready() {
		t.Fatalf("manager must not be ready before any capture")
	}

	meta := map[string]string{frames.MetaCaptureID: "c1"}
	tr.Push(frames.NewSystemFrame("s1", 1, frames.SystemCaptureStart, meta))

	waitFor(t, func() bool { return app.Manager().Ready() }, "manager ready after capture start")

	h, err := app.Manager().Engine()
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	if !h.Initialized() {
		t.Fatalf("expected initialized handle while a capture is attached")
	}

	tr.Push(frames.NewSystemFrame("s1", 2, frames.SystemCaptureEnd, meta))
	waitFor(t, func() bool {
		h, err := app.Manager().Engine()
		return err == nil && !h.Initialized()
	}, "handle reports uninitialized after capture end")
}

func TestConstructorPathSkipsClientEngine(t *testing.T) {
	tr := mocktransport.New()
	app := NewEngine(EngineOptions{
		Config:    testConfig(),
		Providers: testProviders(),
		Transport: tr,
		Constructor: func(ctx context.Context) (engine.Handle, error) {
			return staticHandle{}, nil
		},
	})
	defer func() { _ = app.Stop() }()
	if app.clientEngine != nil {
		t.Fatalf("constructor-backed engines must not use the client handle")
	}
}

type staticHandle struct{}

func (staticHandle) Initialized() bool { return true }

func TestSetDefaultLoggerFormat(t *testing.T) {
	SetDefaultLogger("info", "json")
	if _, ok := slog.Default().Handler().(*slog.JSONHandler); !ok {
		t.Fatalf("expected JSON handler, got %T", slog.Default().Handler())
	}
	SetDefaultLogger("info", "text")
	if _, ok := slog.Default().Handler().(*slog.TextHandler); !ok {
		t.Fatalf("expected text handler, got %T", slog.Default().Handler())
	}
}
