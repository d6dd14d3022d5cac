package svara

import (
	"fmt"
	"strings"

	"github.com/svarahq/svara/pkg/adapters/asr"
)

// ASRFactoryBuilder produces a per-capture transcriber factory from config.
// The builder runs once per capture; the returned factory runs lazily when
// the first segment needs a live session.
type ASRFactoryBuilder func(cfg Config, traceID string) (func(captureID, streamID string) asr.Transcriber, error)

type ProviderRegistry struct {
	asr map[string]ASRFactoryBuilder
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		asr: make(map[string]ASRFactoryBuilder),
	}
}

func (r *ProviderRegistry) RegisterASR(name string, factory ASRFactoryBuilder) {
	r.asr[strings.ToLower(strings.TrimSpace(name))] = factory
}

func (r *ProviderRegistry) BuildASRFactory(provider string, cfg Config, traceID string) (func(captureID, streamID string) asr.Transcriber, error) {
	fn := r.asr[strings.ToLower(strings.TrimSpace(provider))]
	if fn == nil {
		return nil, fmt.Errorf("asr provider not registered: %s", provider)
	}
	return fn(cfg, traceID)
}
