package engine

import (
	"github.com/zonekit/zonekit/conflict"
	"github.com/zonekit/zonekit/dedupe"
	"github.com/zonekit/zonekit/logging"
	"github.com/zonekit/zonekit/record"
)

const (
	defaultQueueDepth       = 8
	defaultMaxResolveRounds = 10
)

// Options configures the sync engine. Schema is required; everything
// else has a usable default.
type Options struct {
	// Schema describes every entity type the engine syncs.
	Schema *record.Schema

	// Policy selects conflict resolution behavior. Defaults to
	// KeepServer.
	Policy conflict.Policy

	// CustomResolver is required iff Policy is Custom.
	CustomResolver conflict.CustomFunc

	// Dedupe enables the post-pull duplicate sweep when set.
	Dedupe *dedupe.Options

	// QueueDepth bounds the pending sync request queue. A request
	// arriving at a full queue is dropped: a queued pass already
	// covers it.
	QueueDepth int

	// MaxResolveRounds bounds the push/resolve loop so a remote that
	// keeps conflicting cannot stall a pass forever.
	MaxResolveRounds int

	// Logger is optional; nil disables logging.
	Logger *logging.Logger

	// Metrics is optional; nil discards metrics.
	Metrics MetricsCollector
}

func (o *Options) setDefaults() {
	if o.Policy == "" {
		o.Policy = conflict.KeepServer
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = defaultQueueDepth
	}
	if o.MaxResolveRounds <= 0 {
		o.MaxResolveRounds = defaultMaxResolveRounds
	}
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}
	if o.Metrics == nil {
		o.Metrics = &NoOpMetricsCollector{}
	}
}
