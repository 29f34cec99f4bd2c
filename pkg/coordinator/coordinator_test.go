package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/pulse/pkg/alerts"
	"github.com/Mindburn-Labs/pulse/pkg/bus"
	"github.com/Mindburn-Labs/pulse/pkg/clock"
	"github.com/Mindburn-Labs/pulse/pkg/contracts"
	"github.com/Mindburn-Labs/pulse/pkg/insight"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestCoordinator(t *testing.T, cfg Config, opts ...Option) (*Coordinator, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(t0)
	c, err := New(cfg, append([]Option{WithClock(clk)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(c.Cleanup)
	return c, clk
}

func event(t contracts.EventType, p contracts.Priority, at time.Time, payload contracts.Payload) contracts.EventEnvelope {
	return contracts.EventEnvelope{
		Type:         t,
		Timestamp:    at,
		UserID:       "u1",
		Payload:      payload,
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

func drain(t *testing.T, c *Coordinator) int {
	t.Helper()
	n, err := c.Drain(context.Background())
	require.NoError(t, err)
	return n
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(Config{DrainInterval: -time.Second})
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(Config{ChatDelay: -1})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestEmit_InvalidEnvelope(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{})
	env := event(contracts.EventDataUpdated, contracts.PriorityLow, t0, nil)
	env.UserID = ""
	assert.ErrorIs(t, c.Emit(context.Background(), env), bus.ErrInvalidEnvelope)
}

func TestEmit_CriticalSubscribersRunBeforeReturn(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{})
	rec := &recorder{}
	c.Subscribe(contracts.EventAlertTriggered, rec.handle)

	alert := contracts.Alert{ID: "a1", Kind: contracts.AlertDanger, Title: "x", Priority: contracts.PriorityCritical}
	require.NoError(t, c.Emit(context.Background(),
		event(contracts.EventAlertTriggered, contracts.PriorityCritical, t0, contracts.AlertTriggered{Alert: alert})))

	assert.Len(t, rec.events(), 1)

	// Delivered again by the drain.
	assert.Equal(t, 1, drain(t, c))
	assert.Len(t, rec.events(), 2)
}

func TestDrain_CriticalBeforeLowDespiteTimestamp(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{})
	rec := &recorder{}
	c.Subscribe(contracts.EventDataUpdated, rec.handle)

	require.NoError(t, c.Emit(context.Background(),
		event(contracts.EventDataUpdated, contracts.PriorityLow, t0, contracts.DataUpdated{Domain: "a"})))
	require.NoError(t, c.Emit(context.Background(),
		event(contracts.EventDataUpdated, contracts.PriorityCritical, t0.Add(-time.Second), contracts.DataUpdated{Domain: "b"})))
	rec.reset()

	assert.Equal(t, 2, drain(t, c))

	got := rec.events()
	require.Len(t, got, 2)
	assert.Equal(t, contracts.PriorityCritical, got[0].Priority)
	assert.Equal(t, contracts.PriorityLow, got[1].Priority)
}

func TestSubscribe_OnlyMatchingType(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{})
	rec := &recorder{}
	c.Subscribe(contracts.EventModalActivated, rec.handle)

	require.NoError(t, c.Emit(context.Background(),
		event(contracts.EventUserAction, contracts.PriorityHigh, t0, contracts.UserAction{Action: "tap"})))
	drain(t, c)

	assert.Empty(t, rec.events())
}

func TestUnsubscribe(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{})
	rec := &recorder{}
	id := c.Subscribe(contracts.EventUserAction, rec.handle)
	assert.True(t, c.Unsubscribe(id))

	require.NoError(t, c.Emit(context.Background(),
		event(contracts.EventUserAction, contracts.PriorityHigh, t0, contracts.UserAction{Action: "tap"})))
	drain(t, c)
	assert.Empty(t, rec.events())
}

func TestDataUpdatedFlowsIntoAlertsAndRecommendations(t *testing.T) {
	provider := insight.NewStaticProvider()
	provider.Set("u1", contracts.InsightSnapshot{
		CurrentStatus:   contracts.CurrentStatus{RecoveryStatus: contracts.RecoveryCritical},
		Recommendations: []string{"Hydrate before noon"},
	})
	c, _ := newTestCoordinator(t, Config{}, WithInsightProvider(provider))

	alertsSeen := &recorder{}
	c.Subscribe(contracts.EventAlertTriggered, alertsSeen.handle)
	insights := &recorder{}
	c.Subscribe(contracts.EventInsightGenerated, insights.handle)

	env := event(contracts.EventDataUpdated, contracts.PriorityLow, t0, contracts.DataUpdated{Domain: "wearable"})
	env.CorrelationID = "sync-1"
	require.NoError(t, c.Emit(context.Background(), env))

	drain(t, c) // data_updated -> insight_generated queued
	assert.Empty(t, insights.events())

	drain(t, c) // insight_generated -> alerts + recommendations
	require.Len(t, insights.events(), 1)

	// The critical alert reached its subscriber on the immediate path.
	got := alertsSeen.events()
	require.Len(t, got, 1)
	assert.Equal(t, "sync-1", got[0].CorrelationID)
	assert.Equal(t, contracts.PriorityCritical, got[0].Priority)

	live, err := c.GetAlerts(context.Background())
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, contracts.AlertDanger, live[0].Kind)
	assert.Nil(t, live[0].AutoDismissSeconds)

	recs, err := c.GetRecommendations(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "Hydrate before noon", recs[0].Description)
	assert.InDelta(t, 0.8, recs[0].Confidence, 1e-9)

	// Re-delivery of alert_triggered through the drain does not duplicate.
	drain(t, c)
	live, err = c.GetAlerts(context.Background())
	require.NoError(t, err)
	assert.Len(t, live, 1)
	recs, err = c.GetRecommendations(context.Background())
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestDataUpdatedWithoutSnapshotIsQuiet(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{}, WithInsightProvider(insight.NewStaticProvider()))
	insights := &recorder{}
	c.Subscribe(contracts.EventInsightGenerated, insights.handle)

	require.NoError(t, c.Emit(context.Background(),
		event(contracts.EventDataUpdated, contracts.PriorityLow, t0, contracts.DataUpdated{Domain: "wearable"})))
	drain(t, c)
	drain(t, c)
	assert.Empty(t, insights.events())
}

func TestWarningAlertExpiresAfterThirtyMinutes(t *testing.T) {
	c, clk := newTestCoordinator(t, Config{})

	insightEvent := event(contracts.EventInsightGenerated, contracts.PriorityMedium, t0, contracts.InsightGenerated{
		Insights: contracts.InsightSnapshot{CurrentStatus: contracts.CurrentStatus{RecoveryStatus: contracts.RecoveryPoor}},
	})
	require.NoError(t, c.Emit(context.Background(), insightEvent))
	drain(t, c)

	clk.Set(t0.Add(29 * time.Minute))
	live, err := c.GetAlerts(context.Background())
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, contracts.AlertWarning, live[0].Kind)

	clk.Set(t0.Add(30 * time.Minute))
	live, err = c.GetAlerts(context.Background())
	require.NoError(t, err)
	assert.Empty(t, live)
}

func TestDismissAlert_Idempotent(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{})
	alert := contracts.Alert{ID: "a1", Kind: contracts.AlertInfo, Title: "hello", Priority: contracts.PriorityLow}
	require.NoError(t, c.Emit(context.Background(),
		event(contracts.EventAlertTriggered, contracts.PriorityLow, t0, contracts.AlertTriggered{Alert: alert})))
	drain(t, c)

	live, err := c.GetAlerts(context.Background())
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "u1", live[0].UserID)

	require.NoError(t, c.DismissAlert(context.Background(), "a1"))
	require.NoError(t, c.DismissAlert(context.Background(), "a1"))
	require.NoError(t, c.DismissAlert(context.Background(), "missing"))

	live, err = c.GetAlerts(context.Background())
	require.NoError(t, err)
	assert.Empty(t, live)
}

func TestExecuteRecommendation(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{})
	require.NoError(t, c.Emit(context.Background(), event(contracts.EventMentalStateChanged, contracts.PriorityMedium, t0,
		contracts.MentalStateChanged{State: contracts.MentalStateStressed})))
	drain(t, c) // mental state -> recommendation_made queued
	drain(t, c)

	recs, err := c.GetRecommendations(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, contracts.RecommendationMentalState, recs[0].Kind)
	assert.InDelta(t, 0.9, recs[0].Confidence, 1e-9)

	ok, err := c.ExecuteRecommendation(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
	after, err := c.GetRecommendations(context.Background())
	require.NoError(t, err)
	assert.Len(t, after, 1)

	ok, err = c.ExecuteRecommendation(context.Background(), recs[0].ID)
	require.NoError(t, err)
	assert.True(t, ok)
	after, err = c.GetRecommendations(context.Background())
	require.NoError(t, err)
	assert.Empty(t, after)

	drain(t, c)
	mem, err := c.GetLearningMemory(context.Background())
	require.NoError(t, err)
	entry, ok := mem["user_action:execute_recommendation"]
	require.True(t, ok)
	assert.Equal(t, 1, entry.Fields["count"])
	assert.Equal(t, recs[0].ID, entry.Fields["last_target"])
	assert.Equal(t, string(contracts.MentalStateStressed), mem["mental_state"].Fields["state"])
}

func TestDismissedAlertStaysGoneAfterQueuedCopyDrains(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{})
	ctx := context.Background()
	require.NoError(t, c.Emit(ctx, event(contracts.EventInsightGenerated, contracts.PriorityMedium, t0, contracts.InsightGenerated{
		Insights: contracts.InsightSnapshot{CurrentStatus: contracts.CurrentStatus{RecoveryStatus: contracts.RecoveryCritical}},
	})))
	drain(t, c) // alert stored, alert_triggered queued

	live, err := c.GetAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, live, 1)
	require.NoError(t, c.DismissAlert(ctx, live[0].ID))

	drain(t, c)
	live, err = c.GetAlerts(ctx)
	require.NoError(t, err)
	assert.Empty(t, live)
}

func TestExecutedRecommendationStaysGoneAfterQueuedCopyDrains(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{})
	ctx := context.Background()
	actions := &recorder{}
	c.Subscribe(contracts.EventUserAction, actions.handle)

	require.NoError(t, c.Emit(ctx, event(contracts.EventMentalStateChanged, contracts.PriorityMedium, t0,
		contracts.MentalStateChanged{State: contracts.MentalStateStressed})))
	drain(t, c) // recommendation stored, recommendation_made queued

	recs, err := c.GetRecommendations(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	ok, err := c.ExecuteRecommendation(ctx, recs[0].ID)
	require.NoError(t, err)
	require.True(t, ok)

	drain(t, c)
	recs2, err := c.GetRecommendations(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs2)

	ok, err = c.ExecuteRecommendation(ctx, recs[0].ID)
	require.NoError(t, err)
	assert.False(t, ok)
	drain(t, c)
	assert.Len(t, actions.events(), 1)
}

func TestNeuralFeedbackRecommendations(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{})
	require.NoError(t, c.Emit(context.Background(), event(contracts.EventNeuralFeedbackReceived, contracts.PriorityMedium, t0,
		contracts.NeuralFeedback{SessionID: "s1", Recommendations: []string{"Breathe", "Stretch"}})))
	drain(t, c)
	drain(t, c)

	recs, err := c.GetRecommendations(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 2)
	for _, r := range recs {
		assert.InDelta(t, 0.85, r.Confidence, 1e-9)
		assert.Equal(t, "u1", r.UserID)
	}
}

func TestLearningMemoryRecordsInteractions(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{})
	ctx := context.Background()

	emits := []contracts.EventEnvelope{
		event(contracts.EventModalActivated, contracts.PriorityMedium, t0, contracts.ModalActivated{ModalID: "nutrition", Trigger: "user"}),
		event(contracts.EventModalDeactivated, contracts.PriorityLow, t0, contracts.ModalDeactivated{ModalID: "nutrition", DurationSeconds: 42}),
		event(contracts.EventChatInteraction, contracts.PriorityMedium, t0, contracts.ChatInteraction{Role: "user", Message: "hi"}),
		event(contracts.EventUserAction, contracts.PriorityLow, t0, contracts.UserAction{Action: "log_meal"}),
		event(contracts.EventUserAction, contracts.PriorityLow, t0, contracts.UserAction{Action: "log_meal", Target: "lunch"}),
		event(contracts.EventLearningUpdate, contracts.PriorityLow, t0, contracts.LearningUpdate{Key: "preferences", Fields: map[string]any{"tone": "calm"}}),
		event(contracts.EventDeviceConnected, contracts.PriorityLow, t0, contracts.DeviceConnected{DeviceID: "band-7", DeviceKind: "wearable", Connected: true}),
	}
	for _, env := range emits {
		require.NoError(t, c.Emit(ctx, env))
	}
	assert.Equal(t, len(emits), drain(t, c))

	mem, err := c.GetLearningMemory(ctx)
	require.NoError(t, err)

	assert.Equal(t, "nutrition", mem["modal_activation"].Fields["modal_id"])
	assert.Equal(t, "user", mem["modal_activation"].Fields["trigger"])
	assert.InDelta(t, 42.0, mem["modal_deactivation"].Fields["duration_seconds"], 1e-9)
	assert.Equal(t, 1, mem["chat_interaction"].Fields["count"])
	assert.Equal(t, 2, mem["user_action:log_meal"].Fields["count"])
	assert.Equal(t, "lunch", mem["user_action:log_meal"].Fields["last_target"])
	assert.Equal(t, "calm", mem["preferences"].Fields["tone"])
	assert.Equal(t, true, mem["device:band-7"].Fields["connected"])
	assert.Equal(t, t0, mem["preferences"].LastUpdated)

	// The snapshot is a copy.
	mem["preferences"].Fields["tone"] = "loud"
	again, err := c.GetLearningMemory(ctx)
	require.NoError(t, err)
	assert.Equal(t, "calm", again["preferences"].Fields["tone"])
}

func TestDeviceDataBecomesDataUpdated(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{})
	rec := &recorder{}
	c.Subscribe(contracts.EventDataUpdated, rec.handle)

	env := event(contracts.EventDeviceDataReceived, contracts.PriorityLow, t0,
		contracts.DeviceData{DeviceID: "rower-2", Metrics: map[string]float64{"watts": 210}})
	env.CorrelationID = "reading-1"
	require.NoError(t, c.Emit(context.Background(), env))
	drain(t, c)
	drain(t, c)

	got := rec.events()
	require.Len(t, got, 1)
	assert.Equal(t, "reading-1", got[0].CorrelationID)
	p := got[0].Payload.(contracts.DataUpdated)
	assert.Equal(t, "device", p.Domain)
	assert.Equal(t, "rower-2", p.Fields["device_id"])
	assert.InDelta(t, 210.0, p.Fields["watts"], 1e-9)
}

func TestHandlerFaultsDoNotStopTheDrain(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{})
	rec := &recorder{}
	c.Subscribe(contracts.EventUserAction, func(context.Context, contracts.EventEnvelope) error {
		panic("subscriber bug")
	})
	c.Subscribe(contracts.EventUserAction, func(context.Context, contracts.EventEnvelope) error {
		return errors.New("subscriber failed")
	})
	c.Subscribe(contracts.EventUserAction, rec.handle)

	ctx := context.Background()
	require.NoError(t, c.Emit(ctx, event(contracts.EventUserAction, contracts.PriorityLow, t0, contracts.UserAction{Action: "a"})))
	// Wrong payload variant: the built-in handler fails, subscribers still run.
	require.NoError(t, c.Emit(ctx, event(contracts.EventUserAction, contracts.PriorityLow, t0.Add(time.Second),
		contracts.Opaque{Type: contracts.EventUserAction})))
	require.NoError(t, c.Emit(ctx, event(contracts.EventUserAction, contracts.PriorityLow, t0.Add(2*time.Second), contracts.UserAction{Action: "a"})))

	assert.Equal(t, 3, drain(t, c))
	assert.Len(t, rec.events(), 3)

	mem, err := c.GetLearningMemory(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, mem["user_action:a"].Fields["count"])
}

func TestUnknownEventTypeDiscarded(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{})
	require.NoError(t, c.Emit(context.Background(), event("firmware_updated", contracts.PriorityLow, t0, contracts.Opaque{Type: "firmware_updated"})))
	assert.Equal(t, 0, drain(t, c))
}

func TestHandlersMayCallBackInline(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{})
	rec := &recorder{}
	c.Subscribe(contracts.EventModalDeactivated, rec.handle)

	var alertsSeen int
	c.Subscribe(contracts.EventModalActivated, func(ctx context.Context, env contracts.EventEnvelope) error {
		live, err := c.GetAlerts(ctx)
		if err != nil {
			return err
		}
		alertsSeen = len(live)
		return c.Emit(ctx, env.Derive(contracts.EventModalDeactivated,
			contracts.ModalDeactivated{ModalID: "m"}, "test", contracts.PriorityHigh, env.Timestamp))
	})

	require.NoError(t, c.Emit(context.Background(),
		event(contracts.EventModalActivated, contracts.PriorityHigh, t0, contracts.ModalActivated{ModalID: "m"})))

	// Both the nested emit and its immediate delivery happened inside Emit.
	assert.Len(t, rec.events(), 1)
	assert.Equal(t, 0, alertsSeen)
}

func TestHandlerCallingBackWithForeignContextDoesNotDeadlock(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{})
	done := make(chan error, 1)
	c.Subscribe(contracts.EventUserAction, func(context.Context, contracts.EventEnvelope) error {
		_, err := c.GetRecommendations(context.Background())
		done <- err
		return err
	})

	require.NoError(t, c.Emit(context.Background(),
		event(contracts.EventUserAction, contracts.PriorityLow, t0, contracts.UserAction{Action: "a"})))
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		_, _ = c.Drain(context.Background())
	}()

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("drain did not return")
	}
	assert.NoError(t, <-done)
}

func TestCustomAlertRules(t *testing.T) {
	rules, err := alerts.CompileRules([]alerts.CustomRuleSpec{{
		Name:     "adherence",
		Expr:     `trends.adherence == "poor"`,
		Kind:     "info",
		Priority: "low",
		Title:    "Adherence slipping",
	}})
	require.NoError(t, err)
	c, _ := newTestCoordinator(t, Config{}, WithAlertRules(rules))

	require.NoError(t, c.Emit(context.Background(), event(contracts.EventInsightGenerated, contracts.PriorityMedium, t0,
		contracts.InsightGenerated{Insights: contracts.InsightSnapshot{Trends: contracts.Trends{Adherence: contracts.AdherencePoor}}})))
	drain(t, c)

	live, err := c.GetAlerts(context.Background())
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "Adherence slipping", live[0].Title)
}

func TestCleanup(t *testing.T) {
	clk := clock.NewManual(t0)
	c, err := New(Config{}, WithClock(clk))
	require.NoError(t, err)

	c.Cleanup()
	c.Cleanup()

	ctx := context.Background()
	assert.ErrorIs(t, c.Emit(ctx, event(contracts.EventUserAction, contracts.PriorityLow, t0, contracts.UserAction{Action: "a"})), ErrStopped)
	_, err = c.GetAlerts(ctx)
	assert.ErrorIs(t, err, ErrStopped)
	_, err = c.Drain(ctx)
	assert.ErrorIs(t, err, ErrStopped)

	// Tickers are stopped; advancing the clock does not block.
	clk.Advance(time.Minute)
}

func TestCanceledContext(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.GetAlerts(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, c.Emit(ctx, event(contracts.EventUserAction, contracts.PriorityLow, t0, contracts.UserAction{Action: "a"})), context.Canceled)

	// The coordinator itself is unaffected.
	_, err = c.GetAlerts(context.Background())
	assert.NoError(t, err)
}
