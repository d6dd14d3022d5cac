package pipeline

// CaptureBuilder assembles the per-capture processor chain. Pre-stage
// processors run before the core chain, post-stage after it.
type CaptureBuilder struct {
	pre  []FrameProcessor
	core []FrameProcessor
	post []FrameProcessor
}

func NewCaptureBuilder() *CaptureBuilder {
	return &CaptureBuilder{}
}

func (b *CaptureBuilder) WithProcessor(p FrameProcessor) *CaptureBuilder {
	b.core = append(b.core, p)
	return b
}

func (b *CaptureBuilder) WithProcessorList(list []FrameProcessor) *CaptureBuilder {
	for _, p := range list {
		if p != nil {
			b.core = append(b.core, p)
		}
	}
	return b
}

func (b *CaptureBuilder) WithVAD(p FrameProcessor) *CaptureBuilder {
	b.pre = append(b.pre, p)
	return b
}

func (b *CaptureBuilder) WithChunker(p FrameProcessor) *CaptureBuilder {
	return b.WithProcessor(p)
}

func (b *CaptureBuilder) WithASR(p FrameProcessor) *CaptureBuilder {
	return b.WithProcessor(p)
}

func (b *CaptureBuilder) WithSerializer(p FrameProcessor) *CaptureBuilder {
	b.post = append(b.post, p)
	return b
}

func (b *CaptureBuilder) Build(cfg Config) Orchestrator {
	return NewWithPipelineConfig(PipelineConfig{
		Config:     cfg,
		Processors: append(append(b.pre, b.core...), b.post...),
	})
}
