package observability

import "context"

// Reporter consumes component events and metrics for logging or aggregation.
type Reporter interface {
	RecordEvent(context.Context, Event)
	RecordMetric(Metric)
}

// ReporterFuncs wires plain functions into a Reporter implementation.
type ReporterFuncs struct {
	OnEvent  func(context.Context, Event)
	OnMetric func(Metric)
}

// RecordEvent implements Reporter.
func (r ReporterFuncs) RecordEvent(ctx context.Context, event Event) {
	if r.OnEvent != nil {
		r.OnEvent(ctx, event)
	}
}

// RecordMetric implements Reporter.
func (r ReporterFuncs) RecordMetric(metric Metric) {
	if r.OnMetric != nil {
		r.OnMetric(metric)
	}
}

// NoopReporter discards all events and metrics.
type NoopReporter struct{}

// RecordEvent implements Reporter.
func (NoopReporter) RecordEvent(context.Context, Event) {}

// RecordMetric implements Reporter.
func (NoopReporter) RecordMetric(Metric) {}

// StructuredReporter forwards events to the provided logger and metrics collector.
type StructuredReporter struct {
	run       string
	component string
	rank      int
	logger    Logger
	metrics   MetricsCollector
}

// NewStructuredReporter builds a reporter that enriches events with run, component
// and rank context.
func NewStructuredReporter(run string, rank int, logger Logger, metrics MetricsCollector) *StructuredReporter {
	return &StructuredReporter{
		run:     run,
		rank:    rank,
		logger:  logger,
		metrics: metrics,
	}
}

// WithComponent returns a copy of the reporter that stamps events with component.
func (r *StructuredReporter) WithComponent(component string) *StructuredReporter {
	if r == nil {
		return nil
	}
	clone := *r
	clone.component = component
	return &clone
}

// RecordEvent implements Reporter.
func (r *StructuredReporter) RecordEvent(ctx context.Context, event Event) {
	if r == nil || r.logger == nil {
		return
	}
	cloned := event.Clone()
	if cloned.Run == "" {
		cloned.Run = r.run
	}
	if cloned.Component == "" {
		cloned.Component = r.component
	}
	if cloned.Fields == nil {
		cloned.Fields = make(map[string]interface{}, 1)
	}
	if _, ok := cloned.Fields["rank"]; !ok {
		cloned.Fields["rank"] = r.rank
	}
	_ = r.logger.Log(ctx, cloned)
}

// RecordMetric implements Reporter.
func (r *StructuredReporter) RecordMetric(metric Metric) {
	if r == nil || r.metrics == nil {
		return
	}
	r.metrics.Collect(metric)
}

var _ Reporter = ReporterFuncs{}
var _ Reporter = NoopReporter{}
var _ Reporter = (*StructuredReporter)(nil)
