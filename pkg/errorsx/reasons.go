package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonEngineBusy          ReasonCode = "engine_busy"
	ReasonEngineConstruct     ReasonCode = "engine_construct"
	ReasonEngineTeardown      ReasonCode = "engine_teardown"
	ReasonEngineNotRegistered ReasonCode = "engine_not_registered"
	ReasonEngineUnhealthy     ReasonCode = "engine_unhealthy"

	ReasonASRConnect     ReasonCode = "asr_connect"
	ReasonASRSend        ReasonCode = "asr_send"
	ReasonASRRetry       ReasonCode = "asr_retry"
	ReasonASRRateLimit   ReasonCode = "asr_rate_limit"
	ReasonASRCircuitOpen ReasonCode = "asr_circuit_open"

	ReasonSegmentOverflow ReasonCode = "segment_overflow"

	ReasonTransportSend ReasonCode = "transport_send"
)
