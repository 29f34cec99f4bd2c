package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/pulse/pkg/contracts"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func envelope(t contracts.EventType, p contracts.Priority, at time.Time) contracts.EventEnvelope {
	return contracts.EventEnvelope{
		Type:         t,
		Timestamp:    at,
		UserID:       "u1",
		SourceModule: "test",
		Priority:     p,
	}
}

type recorder struct {
	mu   sync.Mutex
	seen []contracts.EventEnvelope
}

func (r *recorder) handle(_ context.Context, env contracts.EventEnvelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, env)
	return nil
}

func (r *recorder) events() []contracts.EventEnvelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]contracts.EventEnvelope(nil), r.seen...)
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = nil
}

type countingMetrics struct {
	mu                                     sync.Mutex
	emitted, dispatched, discarded, failed int
	drains                                 []int
}

func (m *countingMetrics) EventEmitted(context.Context, contracts.EventType, contracts.Priority) {
	m.mu.Lock()
	m.emitted++
	m.mu.Unlock()
}

func (m *countingMetrics) EventDispatched(context.Context, contracts.EventType) {
	m.mu.Lock()
	m.dispatched++
	m.mu.Unlock()
}

func (m *countingMetrics) EventDiscarded(context.Context, contracts.EventType) {
	m.mu.Lock()
	m.discarded++
	m.mu.Unlock()
}

func (m *countingMetrics) HandlerFailed(context.Context, contracts.EventType, string) {
	m.mu.Lock()
	m.failed++
	m.mu.Unlock()
}

func (m *countingMetrics) DrainCompleted(_ context.Context, n int, _ time.Duration) {
	m.mu.Lock()
	m.drains = append(m.drains, n)
	m.mu.Unlock()
}

func TestEmit_Validation(t *testing.T) {
	valid := envelope(contracts.EventDataUpdated, contracts.PriorityLow, t0)
	cases := map[string]func(e *contracts.EventEnvelope){
		"type":      func(e *contracts.EventEnvelope) { e.Type = "" },
		"timestamp": func(e *contracts.EventEnvelope) { e.Timestamp = time.Time{} },
		"user":      func(e *contracts.EventEnvelope) { e.UserID = "" },
		"source":    func(e *contracts.EventEnvelope) { e.SourceModule = "" },
		"priority":  func(e *contracts.EventEnvelope) { e.Priority = "urgent" },
		"payload": func(e *contracts.EventEnvelope) {
			e.Payload = contracts.AlertTriggered{Alert: contracts.Alert{ID: "a1"}}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			b := New()
			env := valid
			mutate(&env)
			err := b.Emit(context.Background(), env)
			require.ErrorIs(t, err, ErrInvalidEnvelope)
			assert.Equal(t, 0, b.Pending())
		})
	}
}

func TestEmit_AcceptsMatchingAndOpaquePayloads(t *testing.T) {
	b := New()
	typed := envelope(contracts.EventDataUpdated, contracts.PriorityLow, t0)
	typed.Payload = contracts.DataUpdated{Domain: "wearable"}
	require.NoError(t, b.Emit(context.Background(), typed))

	opaque := envelope(contracts.EventDataUpdated, contracts.PriorityLow, t0)
	opaque.Payload = contracts.Opaque{Type: "custom_metric"}
	require.NoError(t, b.Emit(context.Background(), opaque))
	assert.Equal(t, 2, b.Pending())
}

func TestEmit_AssignsCorrelationID(t *testing.T) {
	b := New().WithIDGenerator(func() string { return "generated" })
	rec := &recorder{}
	b.Subscribe(contracts.EventDataUpdated, rec.handle)

	require.NoError(t, b.Emit(context.Background(), envelope(contracts.EventDataUpdated, contracts.PriorityLow, t0)))

	withID := envelope(contracts.EventDataUpdated, contracts.PriorityLow, t0)
	withID.CorrelationID = "upstream"
	require.NoError(t, b.Emit(context.Background(), withID))

	b.Drain(context.Background())
	got := rec.events()
	require.Len(t, got, 2)
	assert.Equal(t, "generated", got[0].CorrelationID)
	assert.Equal(t, "upstream", got[1].CorrelationID)
}

func TestEmit_CriticalNotifiesBeforeReturn(t *testing.T) {
	b := New()
	rec := &recorder{}
	b.Subscribe(contracts.EventAlertTriggered, rec.handle)

	require.NoError(t, b.Emit(context.Background(), envelope(contracts.EventAlertTriggered, contracts.PriorityCritical, t0)))

	assert.Len(t, rec.events(), 1)
	assert.Equal(t, 1, b.Pending())
}

func TestEmit_UrgentEventsAreDeliveredTwice(t *testing.T) {
	for _, p := range []contracts.Priority{contracts.PriorityCritical, contracts.PriorityHigh} {
		t.Run(string(p), func(t *testing.T) {
			b := New()
			rec := &recorder{}
			b.Subscribe(contracts.EventAlertTriggered, rec.handle)

			require.NoError(t, b.Emit(context.Background(), envelope(contracts.EventAlertTriggered, p, t0)))
			assert.Equal(t, 1, b.Drain(context.Background()))

			got := rec.events()
			require.Len(t, got, 2)
			assert.Equal(t, got[0], got[1])
		})
	}
}

func TestEmit_NonUrgentWaitsForDrain(t *testing.T) {
	for _, p := range []contracts.Priority{contracts.PriorityMedium, contracts.PriorityLow} {
		t.Run(string(p), func(t *testing.T) {
			b := New()
			rec := &recorder{}
			b.Subscribe(contracts.EventDataUpdated, rec.handle)

			require.NoError(t, b.Emit(context.Background(), envelope(contracts.EventDataUpdated, p, t0)))
			assert.Empty(t, rec.events())

			b.Drain(context.Background())
			assert.Len(t, rec.events(), 1)
		})
	}
}

func TestEmit_ImmediatePathSkipsBuiltin(t *testing.T) {
	b := New()
	builtin := &recorder{}
	b.Handle(contracts.EventAlertTriggered, builtin.handle)

	require.NoError(t, b.Emit(context.Background(), envelope(contracts.EventAlertTriggered, contracts.PriorityCritical, t0)))
	assert.Empty(t, builtin.events())

	b.Drain(context.Background())
	assert.Len(t, builtin.events(), 1)
}

func TestSubscribe_TypeIsolation(t *testing.T) {
	b := New()
	alerts := &recorder{}
	data := &recorder{}
	b.Subscribe(contracts.EventAlertTriggered, alerts.handle)
	b.Subscribe(contracts.EventDataUpdated, data.handle)

	require.NoError(t, b.Emit(context.Background(), envelope(contracts.EventDataUpdated, contracts.PriorityCritical, t0)))
	require.NoError(t, b.Emit(context.Background(), envelope(contracts.EventDataUpdated, contracts.PriorityLow, t0)))
	b.Drain(context.Background())

	assert.Empty(t, alerts.events())
	for _, env := range data.events() {
		assert.Equal(t, contracts.EventDataUpdated, env.Type)
	}
}

func TestDrain_PriorityDominatesTimestamp(t *testing.T) {
	b := New()
	rec := &recorder{}
	b.Subscribe(contracts.EventDataUpdated, rec.handle)

	require.NoError(t, b.Emit(context.Background(), envelope(contracts.EventDataUpdated, contracts.PriorityLow, t0)))
	require.NoError(t, b.Emit(context.Background(), envelope(contracts.EventDataUpdated, contracts.PriorityCritical, t0.Add(-1000*time.Millisecond))))
	rec.reset() // drop the immediate delivery of the critical event

	b.Drain(context.Background())

	got := rec.events()
	require.Len(t, got, 2)
	assert.Equal(t, contracts.PriorityCritical, got[0].Priority)
	assert.Equal(t, contracts.PriorityLow, got[1].Priority)
}

func TestDrain_OrdersByRankThenTimestampThenEnqueue(t *testing.T) {
	b := New()
	rec := &recorder{}
	b.Handle(contracts.EventDataUpdated, rec.handle)

	emit := func(p contracts.Priority, offset time.Duration, tag string) {
		env := envelope(contracts.EventDataUpdated, p, t0.Add(offset))
		env.CorrelationID = tag
		require.NoError(t, b.Emit(context.Background(), env))
	}
	emit(contracts.PriorityLow, 0, "low-0")
	emit(contracts.PriorityMedium, 2*time.Second, "medium-2a")
	emit(contracts.PriorityHigh, 5*time.Second, "high-5")
	emit(contracts.PriorityMedium, time.Second, "medium-1")
	emit(contracts.PriorityMedium, 2*time.Second, "medium-2b")
	emit(contracts.PriorityCritical, 9*time.Second, "critical-9")

	assert.Equal(t, 6, b.Drain(context.Background()))

	var order []string
	for _, env := range rec.events() {
		order = append(order, env.CorrelationID)
	}
	assert.Equal(t, []string{"critical-9", "high-5", "medium-1", "medium-2a", "medium-2b", "low-0"}, order)
}

func TestDrain_BuiltinBeforeSubscribersInRegistrationOrder(t *testing.T) {
	b := New()
	var calls []string
	mk := func(name string) Handler {
		return func(context.Context, contracts.EventEnvelope) error {
			calls = append(calls, name)
			return nil
		}
	}
	b.Subscribe(contracts.EventUserAction, mk("first"))
	b.Handle(contracts.EventUserAction, mk("builtin"))
	b.Subscribe(contracts.EventUserAction, mk("second"))

	require.NoError(t, b.Emit(context.Background(), envelope(contracts.EventUserAction, contracts.PriorityLow, t0)))
	b.Drain(context.Background())

	assert.Equal(t, []string{"builtin", "first", "second"}, calls)
}

func TestDrain_HandlerFaultsAreIsolated(t *testing.T) {
	m := &countingMetrics{}
	b := New().WithMetrics(m)
	rec := &recorder{}

	b.Subscribe(contracts.EventDataUpdated, func(context.Context, contracts.EventEnvelope) error {
		return errors.New("boom")
	})
	b.Subscribe(contracts.EventDataUpdated, func(context.Context, contracts.EventEnvelope) error {
		panic("kaboom")
	})
	b.Subscribe(contracts.EventDataUpdated, rec.handle)

	for i := range 3 {
		require.NoError(t, b.Emit(context.Background(), envelope(contracts.EventDataUpdated, contracts.PriorityLow, t0.Add(time.Duration(i)*time.Second))))
	}
	assert.Equal(t, 3, b.Drain(context.Background()))

	assert.Len(t, rec.events(), 3)
	assert.Equal(t, 6, m.failed)
	assert.Equal(t, 3, m.dispatched)
	assert.Equal(t, []int{3}, m.drains)

	// The bus keeps working on the next tick.
	require.NoError(t, b.Emit(context.Background(), envelope(contracts.EventDataUpdated, contracts.PriorityLow, t0)))
	assert.Equal(t, 1, b.Drain(context.Background()))
}

func TestEmit_ImmediateHandlerPanicDoesNotReachEmitter(t *testing.T) {
	m := &countingMetrics{}
	b := New().WithMetrics(m)
	rec := &recorder{}
	b.Subscribe(contracts.EventAlertTriggered, func(context.Context, contracts.EventEnvelope) error {
		panic("kaboom")
	})
	b.Subscribe(contracts.EventAlertTriggered, rec.handle)

	assert.NotPanics(t, func() {
		require.NoError(t, b.Emit(context.Background(), envelope(contracts.EventAlertTriggered, contracts.PriorityCritical, t0)))
	})
	assert.Len(t, rec.events(), 1)
	assert.Equal(t, 1, m.failed)
}

func TestDrain_UnknownTypeDiscarded(t *testing.T) {
	m := &countingMetrics{}
	b := New().WithMetrics(m)
	rec := &recorder{}
	b.Subscribe(contracts.EventDataUpdated, rec.handle)

	require.NoError(t, b.Emit(context.Background(), envelope("firmware_updated", contracts.PriorityLow, t0)))
	require.NoError(t, b.Emit(context.Background(), envelope(contracts.EventDataUpdated, contracts.PriorityLow, t0)))

	assert.Equal(t, 1, b.Drain(context.Background()))
	assert.Equal(t, 1, m.discarded)
	assert.Len(t, rec.events(), 1)
	assert.Equal(t, 0, b.Pending())
}

func TestDrain_EventsEmittedDuringDrainWaitForNextTick(t *testing.T) {
	b := New()
	rec := &recorder{}
	b.Handle(contracts.EventDataUpdated, func(ctx context.Context, env contracts.EventEnvelope) error {
		return b.Emit(ctx, env.Derive(contracts.EventInsightGenerated, nil, "insight", contracts.PriorityMedium, env.Timestamp))
	})
	b.Subscribe(contracts.EventInsightGenerated, rec.handle)

	env := envelope(contracts.EventDataUpdated, contracts.PriorityLow, t0)
	env.CorrelationID = "c-1"
	require.NoError(t, b.Emit(context.Background(), env))

	assert.Equal(t, 1, b.Drain(context.Background()))
	assert.Empty(t, rec.events())
	assert.Equal(t, 1, b.Pending())

	assert.Equal(t, 1, b.Drain(context.Background()))
	got := rec.events()
	require.Len(t, got, 1)
	assert.Equal(t, "c-1", got[0].CorrelationID)
}

func TestDrain_ReentrantDrainRefused(t *testing.T) {
	b := New()
	nested := -1
	b.Handle(contracts.EventDataUpdated, func(ctx context.Context, _ contracts.EventEnvelope) error {
		nested = b.Drain(ctx)
		return nil
	})
	require.NoError(t, b.Emit(context.Background(), envelope(contracts.EventDataUpdated, contracts.PriorityLow, t0)))
	require.NoError(t, b.Emit(context.Background(), envelope(contracts.EventDataUpdated, contracts.PriorityLow, t0)))

	assert.Equal(t, 2, b.Drain(context.Background()))
	assert.Equal(t, 0, nested)
}

func TestDrain_Empty(t *testing.T) {
	m := &countingMetrics{}
	b := New().WithMetrics(m)
	assert.Equal(t, 0, b.Drain(context.Background()))
	assert.Empty(t, m.drains)
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	kept := &recorder{}
	removed := &recorder{}
	b.Subscribe(contracts.EventDataUpdated, kept.handle)
	id := b.Subscribe(contracts.EventDataUpdated, removed.handle)

	assert.True(t, b.Unsubscribe(id))
	assert.False(t, b.Unsubscribe(id))
	assert.False(t, b.Unsubscribe("missing"))

	require.NoError(t, b.Emit(context.Background(), envelope(contracts.EventDataUpdated, contracts.PriorityLow, t0)))
	b.Drain(context.Background())

	assert.Len(t, kept.events(), 1)
	assert.Empty(t, removed.events())
}

func TestUnsubscribeLastHandlerMakesTypeUnknown(t *testing.T) {
	m := &countingMetrics{}
	b := New().WithMetrics(m)
	id := b.Subscribe(contracts.EventType("custom"), func(context.Context, contracts.EventEnvelope) error { return nil })
	b.Unsubscribe(id)

	require.NoError(t, b.Emit(context.Background(), envelope("custom", contracts.PriorityLow, t0)))
	assert.Equal(t, 0, b.Drain(context.Background()))
	assert.Equal(t, 1, m.discarded)
}

func TestConcurrentEmit(t *testing.T) {
	b := New()
	rec := &recorder{}
	b.Subscribe(contracts.EventDataUpdated, rec.handle)

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			env := envelope(contracts.EventDataUpdated, contracts.PriorityLow, t0)
			env.CorrelationID = fmt.Sprintf("c-%d", i)
			assert.NoError(t, b.Emit(context.Background(), env))
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, b.Drain(context.Background()))
	assert.Len(t, rec.events(), 50)
}
