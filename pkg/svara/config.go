package svara

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/svarahq/svara/pkg/chunking"
	"github.com/svarahq/svara/pkg/engine"
	"github.com/svarahq/svara/pkg/pipeline"
)

type Config struct {
	Pipeline      pipeline.Config      `mapstructure:"pipeline"`
	Audio         pipeline.AudioConfig `mapstructure:"audio"`
	Engine        EngineConfig         `mapstructure:"engine"`
	Chunking      ChunkingConfig       `mapstructure:"chunking"`
	VAD           VADConfig            `mapstructure:"vad"`
	Vendors       VendorsConfig        `mapstructure:"vendors"`
	Transports    TransportsConfig     `mapstructure:"transports"`
	Environment   string               `mapstructure:"environment"`
	LogLevel      string               `mapstructure:"log_level"`
	LogFormat     string               `mapstructure:"log_format"`
	Observability ObservabilityConfig  `mapstructure:"observability"`
	Privacy       PrivacyConfig        `mapstructure:"privacy"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	ASR VendorConfig `mapstructure:"asr"`
}

type TransportsConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type EngineConfig struct {
	AutoRecover           bool `mapstructure:"auto_recover"`
	MaxRetries            int  `mapstructure:"max_retries"`
	RetryDelayMS          int  `mapstructure:"retry_delay_ms"`
	HealthCheckIntervalMS int  `mapstructure:"health_check_interval_ms"`
	SettleDelayMS         int  `mapstructure:"settle_delay_ms"`
}

// Options converts the wire-format knobs into engine manager options.
func (c EngineConfig) Options() engine.Options {
	opts := engine.DefaultOptions()
	opts.AutoRecover = c.AutoRecover
	if c.MaxRetries > 0 {
		opts.MaxRetries = c.MaxRetries
	}
	if c.RetryDelayMS > 0 {
		opts.RetryDelay = time.Duration(c.RetryDelayMS) * time.Millisecond
	}
	if c.HealthCheckIntervalMS > 0 {
		opts.HealthCheckInterval = time.Duration(c.HealthCheckIntervalMS) * time.Millisecond
	}
	if c.SettleDelayMS >= 0 {
		opts.SettleDelay = time.Duration(c.SettleDelayMS) * time.Millisecond
	}
	return opts
}

type ChunkingConfig struct {
	MinSegmentMS int     `mapstructure:"min_segment_ms"`
	EvalStartMS  int     `mapstructure:"eval_start_ms"`
	MaxSegmentMS int     `mapstructure:"max_segment_ms"`
	SilenceScore float64 `mapstructure:"silence_score"`
}

func (c ChunkingConfig) Policy() chunking.Policy {
	p := chunking.DefaultPolicy()
	if c.MinSegmentMS > 0 {
		p.MinSegment = time.Duration(c.MinSegmentMS) * time.Millisecond
	}
	if c.EvalStartMS > 0 {
		p.EvalStart = time.Duration(c.EvalStartMS) * time.Millisecond
	}
	if c.MaxSegmentMS > 0 {
		p.MaxSegment = time.Duration(c.MaxSegmentMS) * time.Millisecond
	}
	p.SilenceScore = c.SilenceScore
	return p
}

type VADConfig struct {
	// Provider selects where voice-activity scores come from: "engine"
	// trusts scores supplied by the capture client, "rms" computes them
	// server side, "none" disables silence cutting entirely.
	Provider         string  `mapstructure:"provider"`
	SpeechThreshold  float64 `mapstructure:"speech_threshold"`
	SilenceThreshold float64 `mapstructure:"silence_threshold"`
}

type ObservabilityConfig struct {
	ArtifactsDir string `mapstructure:"artifacts_dir"`
	RecordAudio  bool   `mapstructure:"record_audio"`
	// MetricsPath appends every recorded metrics event to a JSONL file.
	MetricsPath string `mapstructure:"metrics_path"`
	// MetricsSampleRate downsamples the JSONL stream; 1.0 keeps every event.
	MetricsSampleRate float64 `mapstructure:"metrics_sample_rate"`
	RetentionDays     int     `mapstructure:"retention_days"`
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("pipeline.async", true)
	v.SetDefault("pipeline.stagebuffer", 128)
	v.SetDefault("pipeline.highcapacity", 256)
	v.SetDefault("pipeline.lowcapacity", 512)
	v.SetDefault("pipeline.fairnessratio", 3)
	v.SetDefault("pipeline.backpressure", "drop")
	v.SetDefault("audio.samplerate", 16000)
	v.SetDefault("audio.channels", 1)
	v.SetDefault("engine.auto_recover", true)
	v.SetDefault("engine.max_retries", 3)
	v.SetDefault("engine.retry_delay_ms", 1000)
	v.SetDefault("engine.health_check_interval_ms", 30000)
	v.SetDefault("engine.settle_delay_ms", 100)
	v.SetDefault("chunking.min_segment_ms", 20000)
	v.SetDefault("chunking.eval_start_ms", 20000)
	v.SetDefault("chunking.max_segment_ms", 60000)
	v.SetDefault("chunking.silence_score", 0.0)
	v.SetDefault("vad.provider", "engine")
	v.SetDefault("vad.speech_threshold", 0.015)
	v.SetDefault("vad.silence_threshold", 0.008)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("observability.artifacts_dir", "")
	v.SetDefault("observability.record_audio", false)
	v.SetDefault("observability.metrics_path", "")
	v.SetDefault("observability.metrics_sample_rate", 1.0)
	v.SetDefault("observability.retention_days", 0)
	v.SetDefault("privacy.redact_pii", true)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var raw struct {
		Pipeline struct {
			Async         bool   `mapstructure:"async"`
			StageBuffer   int    `mapstructure:"stagebuffer"`
			HighCapacity  int    `mapstructure:"highcapacity"`
			LowCapacity   int    `mapstructure:"lowcapacity"`
			FairnessRatio int    `mapstructure:"fairnessratio"`
			Backpressure  string `mapstructure:"backpressure"`
		} `mapstructure:"pipeline"`
		Audio         pipeline.AudioConfig `mapstructure:"audio"`
		Engine        EngineConfig         `mapstructure:"engine"`
		Chunking      ChunkingConfig       `mapstructure:"chunking"`
		VAD           VADConfig            `mapstructure:"vad"`
		Vendors       VendorsConfig        `mapstructure:"vendors"`
		Transports    TransportsConfig     `mapstructure:"transports"`
		Environment   string               `mapstructure:"environment"`
		LogLevel      string               `mapstructure:"log_level"`
		LogFormat     string               `mapstructure:"log_format"`
		Observability ObservabilityConfig  `mapstructure:"observability"`
		Privacy       PrivacyConfig        `mapstructure:"privacy"`
	}
	if err := v.Unmarshal(&raw); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	cfg := Config{
		Pipeline: pipeline.Config{
			Async:         raw.Pipeline.Async,
			StageBuffer:   raw.Pipeline.StageBuffer,
			HighCapacity:  raw.Pipeline.HighCapacity,
			LowCapacity:   raw.Pipeline.LowCapacity,
			FairnessRatio: raw.Pipeline.FairnessRatio,
			Backpressure:  parseBackpressure(raw.Pipeline.Backpressure),
		},
		Audio:         raw.Audio,
		Engine:        raw.Engine,
		Chunking:      raw.Chunking,
		VAD:           raw.VAD,
		Vendors:       raw.Vendors,
		Transports:    raw.Transports,
		Environment:   raw.Environment,
		LogLevel:      raw.LogLevel,
		LogFormat:     raw.LogFormat,
		Observability: raw.Observability,
		Privacy:       raw.Privacy,
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Transports.Provider) == "" {
		return fmt.Errorf("transports.provider is required")
	}
	if strings.TrimSpace(c.Vendors.ASR.Provider) == "" {
		return fmt.Errorf("vendors.asr.provider is required")
	}
	switch strings.ToLower(strings.TrimSpace(c.VAD.Provider)) {
	case "engine", "rms", "none", "":
	default:
		return fmt.Errorf("vad.provider must be engine, rms or none")
	}
	if c.Chunking.MaxSegmentMS > 0 && c.Chunking.MinSegmentMS > c.Chunking.MaxSegmentMS {
		return fmt.Errorf("chunking.min_segment_ms exceeds chunking.max_segment_ms")
	}
	return nil
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Vendors.ASR.Settings = expandSettings(cfg.Vendors.ASR.Settings)
	cfg.Transports.Settings = expandSettings(cfg.Transports.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	case reflect.Map:
		if v.Type().Key().Kind() == reflect.String && v.Type().Elem().Kind() == reflect.String {
			for _, key := range v.MapKeys() {
				val := v.MapIndex(key)
				expanded := os.ExpandEnv(val.String())
				v.SetMapIndex(key, reflect.ValueOf(expanded))
			}
		}
	}
}

func parseBackpressure(v string) pipeline.BackpressureMode {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "wait":
		return pipeline.BackpressureWait
	case "drop", "":
		return pipeline.BackpressureDrop
	default:
		if n, err := strconv.Atoi(v); err == nil {
			return pipeline.BackpressureMode(n)
		}
	}
	return pipeline.BackpressureDrop
}
