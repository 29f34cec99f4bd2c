package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/pulse/pkg/contracts"
	"github.com/Mindburn-Labs/pulse/pkg/insight"
)

// Source modules stamped on derived events.
const (
	sourceInsight         = "insight"
	sourceAlerts          = "alerts"
	sourceRecommendations = "recommendations"
	sourceProactive       = "proactive"
	sourceDevice          = "device"
)

// ErrUnexpectedPayload is reported by a built-in handler whose event carries
// a payload of the wrong variant.
var ErrUnexpectedPayload = errors.New("coordinator: unexpected payload")

func payloadAs[P contracts.Payload](env contracts.EventEnvelope) (P, error) {
	p, ok := env.Payload.(P)
	if !ok {
		var zero P
		return zero, fmt.Errorf("%w: %T for %s", ErrUnexpectedPayload, env.Payload, env.Type)
	}
	return p, nil
}

func (c *Coordinator) registerHandlers() {
	c.bus.Handle(contracts.EventDataUpdated, c.onDataUpdated)
	c.bus.Handle(contracts.EventInsightGenerated, c.onInsightGenerated)
	c.bus.Handle(contracts.EventAlertTriggered, c.onAlertTriggered)
	c.bus.Handle(contracts.EventRecommendationMade, c.onRecommendationMade)
	c.bus.Handle(contracts.EventChatInteraction, c.onChatInteraction)
	c.bus.Handle(contracts.EventModalActivated, c.onModalActivated)
	c.bus.Handle(contracts.EventModalDeactivated, c.onModalDeactivated)
	c.bus.Handle(contracts.EventUserAction, c.onUserAction)
	c.bus.Handle(contracts.EventSystemProactive, c.onSystemProactive)
	c.bus.Handle(contracts.EventLearningUpdate, c.onLearningUpdate)
	c.bus.Handle(contracts.EventDeviceConnected, c.onDeviceConnected)
	c.bus.Handle(contracts.EventDeviceDataReceived, c.onDeviceData)
	c.bus.Handle(contracts.EventNeuralFeedbackReceived, c.onNeuralFeedback)
	c.bus.Handle(contracts.EventMentalStateChanged, c.onMentalStateChanged)
}

// onDataUpdated refreshes the user's insights and publishes them.
func (c *Coordinator) onDataUpdated(ctx context.Context, env contracts.EventEnvelope) error {
	if c.insights == nil {
		return nil
	}
	snapshot, err := c.insights.GenerateInsights(ctx, env.UserID)
	if errors.Is(err, insight.ErrNoSnapshot) {
		c.logger.Debug("no insights for user", "user_id", env.UserID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("generate insights: %w", err)
	}
	return c.emit(ctx, env.Derive(contracts.EventInsightGenerated,
		contracts.InsightGenerated{Insights: snapshot},
		sourceInsight, contracts.PriorityMedium, c.clock.Now()))
}

// onInsightGenerated turns a snapshot into alerts and recommendations.
func (c *Coordinator) onInsightGenerated(ctx context.Context, env contracts.EventEnvelope) error {
	p, err := payloadAs[contracts.InsightGenerated](env)
	if err != nil {
		return err
	}
	userID := p.Insights.UserID
	if userID == "" {
		userID = env.UserID
	}

	var errs []error
	for _, a := range c.alerts.CheckForAlerts(p.Insights, userID) {
		errs = append(errs, c.emit(ctx, env.Derive(contracts.EventAlertTriggered,
			contracts.AlertTriggered{Alert: a}, sourceAlerts, a.Priority, a.Timestamp)))
	}
	errs = append(errs, c.publishRecommendations(ctx, env,
		c.recs.GenerateRecommendationsFromInsights(p.Insights, userID)))
	return errors.Join(errs...)
}

func (c *Coordinator) publishRecommendations(ctx context.Context, cause contracts.EventEnvelope, recs []contracts.Recommendation) error {
	var errs []error
	for _, r := range recs {
		errs = append(errs, c.emit(ctx, cause.Derive(contracts.EventRecommendationMade,
			contracts.RecommendationMade{Recommendation: r}, sourceRecommendations, r.Priority, r.Timestamp)))
	}
	return errors.Join(errs...)
}

// onAlertTriggered stores alerts raised outside the alert manager.
func (c *Coordinator) onAlertTriggered(_ context.Context, env contracts.EventEnvelope) error {
	p, err := payloadAs[contracts.AlertTriggered](env)
	if err != nil {
		return err
	}
	a := p.Alert
	if a.ID != "" && c.alerts.Contains(a.ID) {
		return nil
	}
	if a.UserID == "" {
		a.UserID = env.UserID
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = env.Timestamp
	}
	if !c.alerts.Add(a) {
		c.logger.Debug("ignoring dismissed alert", "alert_id", a.ID)
	}
	return nil
}

// onRecommendationMade stores recommendations made outside the manager.
func (c *Coordinator) onRecommendationMade(_ context.Context, env contracts.EventEnvelope) error {
	p, err := payloadAs[contracts.RecommendationMade](env)
	if err != nil {
		return err
	}
	r := p.Recommendation
	if r.ID != "" && c.recs.Contains(r.ID) {
		return nil
	}
	if r.UserID == "" {
		r.UserID = env.UserID
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = env.Timestamp
	}
	if !c.recs.Add(r) {
		c.logger.Debug("ignoring executed recommendation", "recommendation_id", r.ID)
	}
	return nil
}

func (c *Coordinator) onChatInteraction(_ context.Context, env contracts.EventEnvelope) error {
	p, err := payloadAs[contracts.ChatInteraction](env)
	if err != nil {
		return err
	}
	c.memory.Increment("chat_interaction", "count", 1)
	c.memory.Update("chat_interaction", map[string]any{
		"last_role":       p.Role,
		"conversation_id": p.ConversationID,
		"last_message_at": env.Timestamp,
		"user_id":         env.UserID,
	})
	return nil
}

func (c *Coordinator) onModalActivated(_ context.Context, env contracts.EventEnvelope) error {
	p, err := payloadAs[contracts.ModalActivated](env)
	if err != nil {
		return err
	}
	c.memory.Increment("modal_activation", "count", 1)
	c.memory.Update("modal_activation", map[string]any{
		"modal_id":     p.ModalID,
		"trigger":      p.Trigger,
		"activated_at": env.Timestamp,
	})
	return nil
}

func (c *Coordinator) onModalDeactivated(_ context.Context, env contracts.EventEnvelope) error {
	p, err := payloadAs[contracts.ModalDeactivated](env)
	if err != nil {
		return err
	}
	c.memory.Increment("modal_deactivation", "count", 1)
	c.memory.Update("modal_deactivation", map[string]any{
		"modal_id":         p.ModalID,
		"duration_seconds": p.DurationSeconds,
		"deactivated_at":   env.Timestamp,
	})
	return nil
}

func (c *Coordinator) onUserAction(_ context.Context, env contracts.EventEnvelope) error {
	p, err := payloadAs[contracts.UserAction](env)
	if err != nil {
		return err
	}
	if p.Action == "" {
		return fmt.Errorf("%w: user action without name", ErrUnexpectedPayload)
	}
	key := "user_action:" + p.Action
	c.memory.Increment(key, "count", 1)
	fields := map[string]any{"last_at": env.Timestamp}
	if p.Target != "" {
		fields["last_target"] = p.Target
	}
	c.memory.Update(key, fields)
	return nil
}

func (c *Coordinator) onSystemProactive(_ context.Context, env contracts.EventEnvelope) error {
	p, err := payloadAs[contracts.SystemProactive](env)
	if err != nil {
		return err
	}
	key := "proactive:" + string(p.Action.Kind)
	c.memory.Increment(key, "scheduled", 1)
	c.memory.Update(key, map[string]any{
		"last_action_id":      p.Action.ID,
		"last_execution_time": p.Action.ExecutionTime,
	})
	return nil
}

func (c *Coordinator) onLearningUpdate(_ context.Context, env contracts.EventEnvelope) error {
	p, err := payloadAs[contracts.LearningUpdate](env)
	if err != nil {
		return err
	}
	if p.Key == "" {
		return fmt.Errorf("%w: learning update without key", ErrUnexpectedPayload)
	}
	c.memory.Update(p.Key, p.Fields)
	return nil
}

func (c *Coordinator) onDeviceConnected(_ context.Context, env contracts.EventEnvelope) error {
	p, err := payloadAs[contracts.DeviceConnected](env)
	if err != nil {
		return err
	}
	if p.DeviceID == "" {
		return fmt.Errorf("%w: device event without id", ErrUnexpectedPayload)
	}
	c.memory.Update("device:"+p.DeviceID, map[string]any{
		"kind":       p.DeviceKind,
		"connected":  p.Connected,
		"user_id":    env.UserID,
		"changed_at": env.Timestamp,
	})
	return nil
}

// onDeviceData republishes device readings as a data update so the insight
// pipeline sees them.
func (c *Coordinator) onDeviceData(ctx context.Context, env contracts.EventEnvelope) error {
	p, err := payloadAs[contracts.DeviceData](env)
	if err != nil {
		return err
	}
	fields := make(map[string]any, len(p.Metrics)+1)
	for k, v := range p.Metrics {
		fields[k] = v
	}
	fields["device_id"] = p.DeviceID
	return c.emit(ctx, env.Derive(contracts.EventDataUpdated,
		contracts.DataUpdated{Domain: sourceDevice, Fields: fields},
		sourceDevice, env.Priority, c.clock.Now()))
}

func (c *Coordinator) onNeuralFeedback(ctx context.Context, env contracts.EventEnvelope) error {
	p, err := payloadAs[contracts.NeuralFeedback](env)
	if err != nil {
		return err
	}
	return c.publishRecommendations(ctx, env,
		c.recs.GenerateRecommendationsFromNeuralData(p, env.UserID))
}

func (c *Coordinator) onMentalStateChanged(ctx context.Context, env contracts.EventEnvelope) error {
	p, err := payloadAs[contracts.MentalStateChanged](env)
	if err != nil {
		return err
	}
	c.memory.Update("mental_state", map[string]any{
		"state":      string(p.State),
		"changed_at": env.Timestamp,
	})
	return c.publishRecommendations(ctx, env,
		c.recs.GenerateRecommendationsFromMentalState(p.State, env.UserID))
}
