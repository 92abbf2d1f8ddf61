package engine

import "time"

// MetricsCollector provides hooks for observability.
type MetricsCollector interface {
	// RecordPassDuration records how long a sync pass took
	RecordPassDuration(d time.Duration)

	// RecordSyncRecords records how many records were synced
	RecordSyncRecords(pushed, pulled int)

	// RecordConflicts records how many conflicts were resolved
	RecordConflicts(count int)

	// RecordSyncErrors records pass failures by step and reason
	RecordSyncErrors(state, reason string)
}

// NoOpMetricsCollector is a stub implementation that discards metrics.
type NoOpMetricsCollector struct{}

func (*NoOpMetricsCollector) RecordPassDuration(d time.Duration)     {}
func (*NoOpMetricsCollector) RecordSyncRecords(pushed, pulled int)   {}
func (*NoOpMetricsCollector) RecordConflicts(count int)              {}
func (*NoOpMetricsCollector) RecordSyncErrors(state, reason string)  {}
