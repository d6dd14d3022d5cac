package engine

import "time"

// HealthMetrics tracks recovery statistics for the managed engine. The
// manager owns the only mutable copy; accessors and events carry value
// snapshots.
type HealthMetrics struct {
	InitializationAttempts int
	LastErrorTimestamp     time.Time
	LastSuccessfulInit     time.Time
	ConsecutiveFailures    int
	IsHealthy              bool
}
