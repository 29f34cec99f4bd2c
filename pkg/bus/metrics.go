package bus

import (
	"context"
	"time"

	"github.com/Mindburn-Labs/pulse/pkg/contracts"
)

// Metrics receives bus activity. Implementations must be safe for concurrent
// use.
type Metrics interface {
	EventEmitted(ctx context.Context, t contracts.EventType, p contracts.Priority)
	EventDispatched(ctx context.Context, t contracts.EventType)
	EventDiscarded(ctx context.Context, t contracts.EventType)
	HandlerFailed(ctx context.Context, t contracts.EventType, sourceModule string)
	DrainCompleted(ctx context.Context, dispatched int, elapsed time.Duration)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) EventEmitted(context.Context, contracts.EventType, contracts.Priority) {}
func (NopMetrics) EventDispatched(context.Context, contracts.EventType)                  {}
func (NopMetrics) EventDiscarded(context.Context, contracts.EventType)                   {}
func (NopMetrics) HandlerFailed(context.Context, contracts.EventType, string)            {}
func (NopMetrics) DrainCompleted(context.Context, int, time.Duration)                    {}
