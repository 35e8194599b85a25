package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/attestra-io/attestra/pkg/event"
)

// PipelineMetrics records event bus and anchoring instrumentation. It
// satisfies the bus Metrics interface. The zero value is a safe no-op.
type PipelineMetrics struct {
	eventsEmitted   metric.Int64Counter
	eventsDropped   metric.Int64Counter
	eventsProcessed metric.Int64Counter
	handlerDuration metric.Float64Histogram
	queueDepth      metric.Int64Gauge
	anchorAttempts  metric.Int64Counter
}

// Metrics builds the pipeline instruments from the provider's meter.
func (p *Provider) Metrics() (*PipelineMetrics, error) {
	if p.meter == nil {
		return &PipelineMetrics{}, nil
	}

	m := &PipelineMetrics{}
	var err error

	m.eventsEmitted, err = p.meter.Int64Counter("attestra.events.emitted",
		metric.WithDescription("Audit events accepted onto the bus queue"))
	if err != nil {
		return nil, fmt.Errorf("failed to create emitted counter: %w", err)
	}

	m.eventsDropped, err = p.meter.Int64Counter("attestra.events.dropped",
		metric.WithDescription("Audit events dropped due to a full queue"))
	if err != nil {
		return nil, fmt.Errorf("failed to create dropped counter: %w", err)
	}

	m.eventsProcessed, err = p.meter.Int64Counter("attestra.events.processed",
		metric.WithDescription("Audit events processed, by terminal status"))
	if err != nil {
		return nil, fmt.Errorf("failed to create processed counter: %w", err)
	}

	m.handlerDuration, err = p.meter.Float64Histogram("attestra.events.duration",
		metric.WithDescription("End-to-end event processing duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	m.queueDepth, err = p.meter.Int64Gauge("attestra.bus.queue_depth",
		metric.WithDescription("Current number of events waiting in the queue"))
	if err != nil {
		return nil, fmt.Errorf("failed to create queue depth gauge: %w", err)
	}

	m.anchorAttempts, err = p.meter.Int64Counter("attestra.anchor.attempts",
		metric.WithDescription("Anchor submission attempts, by outcome"))
	if err != nil {
		return nil, fmt.Errorf("failed to create anchor counter: %w", err)
	}

	return m, nil
}

func (m *PipelineMetrics) EventEmitted() {
	if m.eventsEmitted != nil {
		m.eventsEmitted.Add(context.Background(), 1)
	}
}

func (m *PipelineMetrics) EventDropped() {
	if m.eventsDropped != nil {
		m.eventsDropped.Add(context.Background(), 1)
	}
}

func (m *PipelineMetrics) EventProcessed(status event.Status, duration time.Duration) {
	if m.eventsProcessed != nil {
		m.eventsProcessed.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("status", string(status))))
	}
	if m.handlerDuration != nil {
		m.handlerDuration.Record(context.Background(),
			float64(duration.Microseconds())/1000.0,
			metric.WithAttributes(attribute.String("status", string(status))))
	}
}

func (m *PipelineMetrics) QueueDepth(depth int64) {
	if m.queueDepth != nil {
		m.queueDepth.Record(context.Background(), depth)
	}
}

// AnchorAttempt records one destination submission outcome.
func (m *PipelineMetrics) AnchorAttempt(destination string, success bool) {
	if m.anchorAttempts != nil {
		m.anchorAttempts.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("destination", destination),
				attribute.Bool("success", success)))
	}
}
