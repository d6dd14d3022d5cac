package svara

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/svarahq/svara/pkg/engine"
	"github.com/svarahq/svara/pkg/frames"
	"github.com/svarahq/svara/pkg/metrics"
	"github.com/svarahq/svara/pkg/observers"
	"github.com/svarahq/svara/pkg/pipeline"
	"github.com/svarahq/svara/pkg/processors"
	"github.com/svarahq/svara/pkg/redact"
	"github.com/svarahq/svara/pkg/runner"
	"github.com/svarahq/svara/pkg/transports"
	"github.com/svarahq/svara/pkg/vad"
)

// Engine wires the transport, the lifecycle manager and per-capture
// pipelines into one runnable unit.
type Engine struct {
	cfg          Config
	registry     *pipeline.SessionRegistry
	transport    transports.Transport
	providers    *ProviderRegistry
	manager      *engine.Manager
	runner       *pipeline.Runner
	asyncObs     *metrics.AsyncObserver
	clientEngine *clientEngineHandle
	ctx          context.Context
	cancel       context.CancelFunc
}

type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry
	Transport transports.Transport

	// Constructor builds the external speech engine handle during
	// Initialize. Leave nil when the consumer registers handles itself
	// through Manager().RegisterEngine.
	Constructor func(ctx context.Context) (engine.Handle, error)
	// FallbackTeardown runs on destroy when the handle has no Destroy of
	// its own.
	FallbackTeardown func(ctx context.Context) error

	// Optional hooks and extensions.
	PreProcessors  []pipeline.FrameProcessor
	PostProcessors []pipeline.FrameProcessor
}

func NewEngine(opts EngineOptions) *Engine {
	cfg := opts.Config
	SetDefaultLogger(cfg.LogLevel, cfg.LogFormat)
	redact.SetEnabled(cfg.Privacy.RedactPII)

	slog.Info("svara_init",
		"environment", cfg.Environment,
		"asr_provider", cfg.Vendors.ASR.Provider,
		"vad_provider", cfg.VAD.Provider,
		"transport", cfg.Transports.Provider,
	)

	pipeline.LogConfiguration(cfg.Audio)
	latencyObs := observers.NewLatencyObserver(slog.Default())
	logObs := observers.NewLoggerObserver(slog.Default())
	var timelineObs *observers.TimelineObserver
	var usageObs *observers.UsageObserver
	obsList := []metrics.Observer{latencyObs, logObs}
	if dir := strings.TrimSpace(cfg.Observability.ArtifactsDir); dir != "" {
		if cfg.Observability.RetentionDays > 0 {
			_, _ = observers.PurgeArtifacts(dir, time.Duration(cfg.Observability.RetentionDays)*24*time.Hour)
		}
		timelineObs = observers.NewTimelineObserver(dir)
		usageObs = observers.NewUsageObserver(dir)
		obsList = append(obsList, timelineObs, usageObs)
	}
	var metricsFile *os.File
	if path := strings.TrimSpace(cfg.Observability.MetricsPath); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			slog.Warn("metrics_file_open_failed", "path", path, "error", err.Error())
		} else {
			metricsFile = f
			var jsonlObs metrics.Observer = metrics.NewJSONLObserver(f)
			if rate := cfg.Observability.MetricsSampleRate; rate > 0 && rate < 1 {
				jsonlObs = metrics.NewSamplingObserver(jsonlObs, rate)
			}
			obsList = append(obsList, jsonlObs)
		}
	}
	multiObs := observers.NewMultiObserver(obsList...)
	asyncObs := metrics.NewAsyncObserver(multiObs, 2048)

	providers := opts.Providers
	if providers == nil {
		providers = NewProviderRegistry()
	}

	mgrOpts := cfg.Engine.Options()
	mgrOpts.Constructor = opts.Constructor
	mgrOpts.FallbackTeardown = opts.FallbackTeardown
	mgrOpts.Logger = slog.Default()
	mgrOpts.Observer = asyncObs
	mgr := engine.NewManager(mgrOpts)

	// Without a Constructor the external engine lives in the capture client;
	// capture traffic drives RegisterEngine instead.
	var clientEngine *clientEngineHandle
	if opts.Constructor == nil && opts.Transport != nil {
		clientEngine = &clientEngineHandle{}
	}

	if opts.Transport != nil {
		bridgeEngineEvents(mgr, opts.Transport)
	}

	var sink func(frames.Frame)
	if opts.Transport != nil {
		sink = func(f frames.Frame) {
			if asyncObs != nil {
				meta := f.Meta()
				asyncObs.RecordEvent(metrics.MetricsEvent{
					Name: metrics.EventFrameOut,
					Time: time.Now(),
					Tags: map[string]string{
						frames.MetaStreamID:  meta[frames.MetaStreamID],
						frames.MetaCaptureID: meta[frames.MetaCaptureID],
						"kind":               string(f.Kind()),
						"component":          "transport",
					},
				})
			}
			_ = opts.Transport.Send(f)
		}
	}

	registry := pipeline.NewSessionRegistry(func(ctx context.Context, captureID, streamID, traceID string) (pipeline.Orchestrator, error) {
		vadProc := buildVADProcessor(cfg)

		chunkProc := processors.NewChunkProcessor(cfg.Chunking.Policy())
		chunkProc.SetObserver(asyncObs)

		asrFactory, err := providers.BuildASRFactory(cfg.Vendors.ASR.Provider, cfg, traceID)
		if err != nil {
			return nil, err
		}
		asrProc := processors.NewASRProcessor(asrFactory)
		asrProc.SetObserver(asyncObs)
		asrProc.SetContext(ctx)

		builder := pipeline.NewCaptureBuilder()
		if vadProc != nil {
			builder = builder.WithVAD(vadProc)
		}
		builder = builder.WithProcessorList(opts.PreProcessors).
			WithChunker(chunkProc).
			WithASR(asrProc)
		for _, p := range opts.PostProcessors {
			if p != nil {
				builder = builder.WithSerializer(p)
			}
		}

		orch := builder.Build(cfg.Pipeline)
		orch.SetContext(ctx)
		orch.SetObserver(asyncObs)
		if sink != nil {
			orch.SetSink(sink)
		}

		go func() {
			<-ctx.Done()
			asrProc.CloseAll()
		}()

		return orch, nil
	})

	hooks := runner.Hooks{
		OnStart: func() {
			fields := []any{"message", "Svara Engine Ready"}
			if rr, ok := opts.Transport.(transports.ReadyReporter); ok {
				for k, v := range rr.ReadyFields() {
					fields = append(fields, k, v)
				}
			}
			slog.Info("engine_ready", fields...)
		},
		OnStop: func() {
			if asyncObs != nil {
				asyncObs.Close()
			}
			if timelineObs != nil {
				_ = timelineObs.Close()
			}
			if usageObs != nil {
				_ = usageObs.Close()
			}
			if metricsFile != nil {
				_ = metricsFile.Close()
			}
			slog.Info("shutdown", "goroutines", runtime.NumGoroutine(), "active_captures", registry.Count())
		},
	}

	drainer := pipeline.DrainerFunc(func() error {
		if opts.Transport != nil {
			_ = opts.Transport.Stop()
		}
		registry.SetDraining(true)
		registry.CloseAll()
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		_ = registry.WaitForEmpty(ctx, 200*time.Millisecond)
		cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cleanupCancel()
		_ = mgr.Cleanup(cleanupCtx)
		return nil
	})

	lr := pipeline.NewDrainRunner(drainer, hooks, 30*time.Second)

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		cfg:          cfg,
		registry:     registry,
		transport:    opts.Transport,
		providers:    providers,
		manager:      mgr,
		runner:       lr,
		asyncObs:     asyncObs,
		clientEngine: clientEngine,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// buildVADProcessor decides where voice-activity scores come from. With the
// "engine" provider the capture client supplies scores and audio passes
// through untouched; "rms" scores server side; "none" disables scoring so
// segments only cut on the duration ceiling or capture end.
func buildVADProcessor(cfg Config) *processors.VADProcessor {
	switch strings.ToLower(strings.TrimSpace(cfg.VAD.Provider)) {
	case "rms":
		speech := cfg.VAD.SpeechThreshold
		silence := cfg.VAD.SilenceThreshold
		return processors.NewVADProcessor(func() vad.Detector {
			return vad.NewRMSDetector(speech, silence)
		})
	case "engine", "none", "":
		return nil
	default:
		return nil
	}
}

// bridgeEngineEvents forwards lifecycle notifications to connected capture
// clients as system frames.
func bridgeEngineEvents(mgr *engine.Manager, transport transports.Transport) {
	mgr.Subscribe(engine.ListenerFunc(func(ev engine.Event) {
		meta := map[string]string{
			frames.MetaSource: "engine_manager",
		}
		switch ev.Kind {
		case engine.EventStateChange:
			meta["engine_state"] = ev.NewState.String()
		case engine.EventHealthUpdate:
			meta["engine_state"] = ev.NewState.String()
			if ev.Healthy {
				meta["healthy"] = "true"
			} else {
				meta["healthy"] = "false"
			}
		case engine.EventError:
			meta["engine_state"] = ev.NewState.String()
			if ev.Err != nil {
				meta[frames.MetaReason] = ev.Err.Error()
			}
		}
		_ = transport.Send(frames.NewSystemFrame("", time.Now().UnixNano(), "engine_state", meta))
	}))
}

func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if e.transport != nil {
		if err := e.transport.Start(ctx); err != nil {
			return err
		}
		go e.routeTransport(ctx)
	}
	go func() {
		if _, err := e.manager.Initialize(e.ctx); err != nil {
			slog.Warn("engine_initialize_deferred", "error", err.Error())
		}
	}()
	go func() {
		_ = e.runner.Run(ctx)
	}()
	return nil
}

func (e *Engine) Stop() error {
	if e.cancel != nil {
		e.cancel()
	}
	return e.runner.Stop()
}

func (e *Engine) routeTransport(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-e.transport.Recv():
			if !ok {
				return
			}
			meta := f.Meta()
			captureID := meta[frames.MetaCaptureID]
			streamID := meta[frames.MetaStreamID]
			traceID := meta[frames.MetaTraceID]
			if captureID == "" || streamID == "" {
				continue
			}
			if e.asyncObs != nil && f.Kind() == frames.KindAudio {
				af := f.(frames.AudioFrame)
				fields := map[string]any{
					"sample_rate":   af.Rate(),
					"channels":      af.Channels(),
					"payload_bytes": len(af.RawPayload()),
				}
				if e.cfg.Observability.RecordAudio {
					fields["payload_b64"] = base64.StdEncoding.EncodeToString(af.RawPayload())
				}
				tags := map[string]string{
					frames.MetaStreamID:  streamID,
					frames.MetaTraceID:   traceID,
					frames.MetaCaptureID: captureID,
					"component":          "transport",
				}
				e.asyncObs.RecordEvent(metrics.MetricsEvent{
					Name:   "audio_in",
					Time:   time.Now(),
					Tags:   tags,
					Fields: fields,
				})
			}
			if f.Kind() == frames.KindSystem {
				sf := f.(frames.SystemFrame)
				switch sf.Name() {
				case frames.SystemCaptureStart:
					if e.clientEngine != nil {
						e.clientEngine.attach()
						e.manager.RegisterEngine(e.clientEngine)
					} else if !e.manager.Ready() {
						go func() {
							if _, err := e.manager.Initialize(e.ctx); err != nil {
								slog.Warn("engine_initialize_on_capture_failed",
									"capture_id", captureID,
									"error", err.Error())
							}
						}()
					}
				case frames.SystemCaptureEnd:
					if e.clientEngine != nil {
						e.clientEngine.detach()
					}
					if sess, ok := e.registry.Get(captureID); ok {
						nonBlockingSend(sess.Orch.In(), f)
					}
					// Give the pipeline a moment to flush the trailing
					// partial segment before tearing the session down.
					go func(id string) {
						time.Sleep(500 * time.Millisecond)
						e.registry.Remove(id)
					}(captureID)
					continue
				}
			}
			sess, _, err := e.registry.GetOrCreate(captureID, streamID, traceID)
			if err != nil {
				slog.Warn("capture_session_create_failed",
					"capture_id", captureID,
					"error", err.Error())
				continue
			}
			if sess == nil {
				continue
			}
			nonBlockingSend(sess.Orch.In(), f)
		}
	}
}

func nonBlockingSend(ch chan frames.Frame, f frames.Frame) {
	select {
	case ch <- f:
	default:
	}
}

func SetDefaultLogger(level, format string) {
	lvl := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func (e *Engine) ProviderRegistry() *ProviderRegistry {
	return e.providers
}

func (e *Engine) Manager() *engine.Manager {
	return e.manager
}

func (e *Engine) Transport() transports.Transport {
	return e.transport
}

func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) Registry() *pipeline.SessionRegistry {
	return e.registry
}

func (e *Engine) Context() context.Context {
	if e.ctx == nil {
		return context.Background()
	}
	return e.ctx
}

func (e *Engine) Health() error {
	if e.transport == nil {
		return fmt.Errorf("missing transport")
	}
	if !e.manager.Ready() {
		return fmt.Errorf("engine not ready (state %s)", e.manager.State())
	}
	return nil
}
