// Package bus implements the prioritized publish/subscribe event bus.
//
// Urgent events (critical, high) reach subscribers synchronously inside Emit
// and are also queued, so subscribers may observe them twice. Everything else
// waits for the next Drain, which delivers the queue ordered by priority rank
// and then timestamp, one handler at a time.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/pulse/pkg/contracts"
)

// ErrInvalidEnvelope is returned by Emit for envelopes missing required fields.
var ErrInvalidEnvelope = errors.New("bus: invalid envelope")

// Handler consumes one event. Returned errors and panics are logged and
// counted; they never reach the emitter or stop a drain.
type Handler func(ctx context.Context, env contracts.EventEnvelope) error

// SubscriptionID identifies a Subscribe registration.
type SubscriptionID string

type subscription struct {
	id      SubscriptionID
	handler Handler
}

type queued struct {
	env contracts.EventEnvelope
	seq uint64
}

// Bus is safe for concurrent use. Handlers run without the bus lock held and
// may emit further events; those are queued for the following drain.
type Bus struct {
	mu       sync.Mutex
	builtin  map[contracts.EventType]Handler
	subs     map[contracts.EventType][]subscription
	queue    []queued
	seq      uint64
	draining bool

	clock   func() time.Time
	newID   func() string
	logger  *slog.Logger
	metrics Metrics
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		builtin: make(map[contracts.EventType]Handler),
		subs:    make(map[contracts.EventType][]subscription),
		clock:   time.Now,
		newID:   func() string { return uuid.New().String() },
		logger:  slog.Default().With("component", "bus"),
		metrics: NopMetrics{},
	}
}

// WithClock overrides the clock used to time drains.
func (b *Bus) WithClock(clock func() time.Time) *Bus {
	b.clock = clock
	return b
}

// WithIDGenerator overrides correlation and subscription id generation.
func (b *Bus) WithIDGenerator(gen func() string) *Bus {
	b.newID = gen
	return b
}

// WithLogger overrides the bus logger.
func (b *Bus) WithLogger(logger *slog.Logger) *Bus {
	b.logger = logger
	return b
}

// WithMetrics installs a metrics sink.
func (b *Bus) WithMetrics(m Metrics) *Bus {
	if m == nil {
		m = NopMetrics{}
	}
	b.metrics = m
	return b
}

// Handle sets the built-in handler for t, replacing any previous one. The
// built-in handler runs on drain before subscribers and is not part of the
// immediate path.
func (b *Bus) Handle(t contracts.EventType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if h == nil {
		delete(b.builtin, t)
		return
	}
	b.builtin[t] = h
}

// Subscribe registers h for events of type t. Handlers of one type run in
// registration order.
func (b *Bus) Subscribe(t contracts.EventType, h Handler) SubscriptionID {
	id := SubscriptionID(b.newID())
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[t] = append(b.subs[t], subscription{id: id, handler: h})
	return id
}

// Unsubscribe removes a registration. It reports whether id was registered.
func (b *Bus) Unsubscribe(id SubscriptionID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for t, subs := range b.subs {
		i := slices.IndexFunc(subs, func(s subscription) bool { return s.id == id })
		if i < 0 {
			continue
		}
		subs = slices.Delete(slices.Clone(subs), i, i+1)
		if len(subs) == 0 {
			delete(b.subs, t)
		} else {
			b.subs[t] = subs
		}
		return true
	}
	return false
}

// Validate checks the fields every envelope must carry. A typed payload must
// belong to the envelope's type; Opaque payloads are accepted for any type.
func Validate(env contracts.EventEnvelope) error {
	if _, opaque := env.Payload.(contracts.Opaque); env.Payload != nil && !opaque && env.Payload.EventType() != env.Type {
		return fmt.Errorf("%w: %T payload for type %s", ErrInvalidEnvelope, env.Payload, env.Type)
	}
	switch {
	case env.Type == "":
		return fmt.Errorf("%w: missing type", ErrInvalidEnvelope)
	case env.Timestamp.IsZero():
		return fmt.Errorf("%w: missing timestamp", ErrInvalidEnvelope)
	case env.UserID == "":
		return fmt.Errorf("%w: missing user id", ErrInvalidEnvelope)
	case env.SourceModule == "":
		return fmt.Errorf("%w: missing source module", ErrInvalidEnvelope)
	case !env.Priority.Valid():
		return fmt.Errorf("%w: invalid priority %q", ErrInvalidEnvelope, env.Priority)
	}
	return nil
}

// Emit validates env, assigns a correlation id if it has none, notifies
// subscribers immediately when the priority is urgent, and queues it for the
// next drain.
func (b *Bus) Emit(ctx context.Context, env contracts.EventEnvelope) error {
	if err := Validate(env); err != nil {
		return err
	}
	if env.CorrelationID == "" {
		env.CorrelationID = b.newID()
	}

	b.mu.Lock()
	b.seq++
	b.queue = append(b.queue, queued{env: env, seq: b.seq})
	var immediate []subscription
	if env.Priority.Immediate() {
		immediate = slices.Clone(b.subs[env.Type])
	}
	b.mu.Unlock()

	b.metrics.EventEmitted(ctx, env.Type, env.Priority)
	for _, s := range immediate {
		b.call(ctx, s.handler, env, "immediate")
	}
	return nil
}

// Pending returns the number of queued events.
func (b *Bus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Drain delivers every queued event in (priority rank, timestamp, enqueue
// order) and returns how many were dispatched. A drain requested while
// another is running returns 0 without touching the queue.
func (b *Bus) Drain(ctx context.Context) int {
	b.mu.Lock()
	if b.draining {
		b.mu.Unlock()
		b.logger.Debug("drain already in progress")
		return 0
	}
	batch := b.queue
	b.queue = nil
	b.draining = true
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.draining = false
		b.mu.Unlock()
	}()

	if len(batch) == 0 {
		return 0
	}

	start := b.clock()
	order(batch)

	dispatched := 0
	for _, q := range batch {
		if b.dispatch(ctx, q.env) {
			dispatched++
		}
	}
	b.metrics.DrainCompleted(ctx, dispatched, b.clock().Sub(start))
	return dispatched
}

func order(batch []queued) {
	slices.SortStableFunc(batch, func(a, b queued) int {
		if ra, rb := a.env.Priority.Rank(), b.env.Priority.Rank(); ra != rb {
			return ra - rb
		}
		if c := a.env.Timestamp.Compare(b.env.Timestamp); c != 0 {
			return c
		}
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
}

func (b *Bus) dispatch(ctx context.Context, env contracts.EventEnvelope) bool {
	b.mu.Lock()
	builtin := b.builtin[env.Type]
	subs := slices.Clone(b.subs[env.Type])
	b.mu.Unlock()

	if builtin == nil && len(subs) == 0 {
		b.logger.Warn("unknown event type, discarding",
			"event_type", env.Type,
			"source_module", env.SourceModule,
			"correlation_id", env.CorrelationID,
		)
		b.metrics.EventDiscarded(ctx, env.Type)
		return false
	}

	if builtin != nil {
		b.call(ctx, builtin, env, "builtin")
	}
	for _, s := range subs {
		b.call(ctx, s.handler, env, "subscriber")
	}
	b.metrics.EventDispatched(ctx, env.Type)
	return true
}

func (b *Bus) call(ctx context.Context, h Handler, env contracts.EventEnvelope, path string) {
	err := safeCall(ctx, h, env)
	if err == nil {
		return
	}
	b.logger.Error("event handler failed",
		"event_type", env.Type,
		"source_module", env.SourceModule,
		"correlation_id", env.CorrelationID,
		"path", path,
		"error", err,
	)
	b.metrics.HandlerFailed(ctx, env.Type, env.SourceModule)
}

func safeCall(ctx context.Context, h Handler, env contracts.EventEnvelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h(ctx, env)
}
