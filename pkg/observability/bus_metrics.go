package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Mindburn-Labs/pulse/pkg/bus"
	"github.com/Mindburn-Labs/pulse/pkg/contracts"
)

var _ bus.Metrics = (*Provider)(nil)

// EventEmitted implements bus.Metrics.
func (p *Provider) EventEmitted(ctx context.Context, t contracts.EventType, pr contracts.Priority) {
	if p.eventsEmitted != nil {
		p.eventsEmitted.Add(ctx, 1, metric.WithAttributes(
			attribute.String("pulse.event_type", string(t)),
			attribute.String("pulse.priority", string(pr)),
		))
	}
}

// EventDispatched implements bus.Metrics.
func (p *Provider) EventDispatched(ctx context.Context, t contracts.EventType) {
	if p.eventsDispatched != nil {
		p.eventsDispatched.Add(ctx, 1, metric.WithAttributes(attribute.String("pulse.event_type", string(t))))
	}
}

// EventDiscarded implements bus.Metrics.
func (p *Provider) EventDiscarded(ctx context.Context, t contracts.EventType) {
	if p.eventsDiscarded != nil {
		p.eventsDiscarded.Add(ctx, 1, metric.WithAttributes(attribute.String("pulse.event_type", string(t))))
	}
}

// HandlerFailed implements bus.Metrics.
func (p *Provider) HandlerFailed(ctx context.Context, t contracts.EventType, sourceModule string) {
	if p.handlerFailures != nil {
		p.handlerFailures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("pulse.event_type", string(t)),
			attribute.String("pulse.source_module", sourceModule),
		))
	}
}

// DrainCompleted implements bus.Metrics.
func (p *Provider) DrainCompleted(ctx context.Context, dispatched int, elapsed time.Duration) {
	if p.drainDuration != nil {
		p.drainDuration.Record(ctx, elapsed.Seconds())
	}
	if p.drainBatch != nil {
		p.drainBatch.Record(ctx, int64(dispatched))
	}
}
