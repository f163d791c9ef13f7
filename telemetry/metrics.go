package telemetry

// Metrics is an optional sink mirroring recorded outcomes into an external
// observability backend. A NoopMetrics implementation is used by default.
type Metrics interface {
	Hit(category, tier string)
	Miss(category string)
}

// NoopMetrics is a drop-in Metrics implementation that does nothing.
type NoopMetrics struct{}

func (NoopMetrics) Hit(category, tier string) {}
func (NoopMetrics) Miss(category string)      {}

var _ Metrics = NoopMetrics{}
