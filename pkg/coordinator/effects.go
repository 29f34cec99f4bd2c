package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/pulse/pkg/contracts"
	"github.com/Mindburn-Labs/pulse/pkg/memory"
)

// ProactiveModalID is the modal opened by proactive modal actions.
const ProactiveModalID = "coach_checkin"

var errNoInsightProvider = errors.New("no insight provider configured")

// announce publishes a freshly scheduled action and returns it with the
// correlation id of the announcement.
func (c *Coordinator) announce(ctx context.Context, a contracts.ProactiveAction) contracts.ProactiveAction {
	a.CorrelationID = uuid.New().String()
	c.monitor.SetCorrelation(a.ID, a.CorrelationID)

	env := contracts.EventEnvelope{
		Type:          contracts.EventSystemProactive,
		Timestamp:     a.Timestamp,
		UserID:        a.UserID,
		Payload:       contracts.SystemProactive{Action: a},
		SourceModule:  sourceProactive,
		Priority:      a.Priority,
		CorrelationID: a.CorrelationID,
	}
	if err := c.emit(ctx, env); err != nil {
		c.logger.Warn("failed to announce proactive action", "action_id", a.ID, "error", err)
	}
	return a
}

// performAction is the proactive.Effect for every action kind. The external
// sink runs after the built-in effect succeeds.
func (c *Coordinator) performAction(ctx context.Context, a contracts.ProactiveAction) error {
	if err := c.builtinEffect(ctx, a); err != nil {
		return err
	}
	if c.sink != nil {
		if err := c.sink.Perform(ctx, a); err != nil {
			return fmt.Errorf("action sink: %w", err)
		}
	}
	return nil
}

func (c *Coordinator) builtinEffect(ctx context.Context, a contracts.ProactiveAction) error {
	env := contracts.EventEnvelope{
		Timestamp:     c.clock.Now(),
		UserID:        a.UserID,
		SourceModule:  sourceProactive,
		Priority:      a.Priority,
		CorrelationID: a.CorrelationID,
	}

	switch a.Kind {
	case contracts.ActionModalActivation:
		env.Type = contracts.EventModalActivated
		env.Payload = contracts.ModalActivated{ModalID: ProactiveModalID, Trigger: "proactive"}

	case contracts.ActionChatMessage:
		chatCtx := map[string]any{}
		if c.chat != nil {
			got, err := c.chat.GetChatContext(ctx)
			if err != nil {
				return fmt.Errorf("chat context: %w", err)
			}
			chatCtx = memory.CloneFields(got)
		}
		chatCtx["action_id"] = a.ID
		env.Type = contracts.EventChatInteraction
		env.Payload = contracts.ChatInteraction{Role: "coach", Message: a.Description, Context: chatCtx}

	case contracts.ActionDataUpdate:
		env.Type = contracts.EventDataUpdated
		env.Payload = contracts.DataUpdated{Domain: sourceProactive, Fields: map[string]any{"action_id": a.ID}}

	case contracts.ActionRecommendation:
		if c.insights == nil {
			return errNoInsightProvider
		}
		snapshot, err := c.insights.GenerateInsights(ctx, a.UserID)
		if err != nil {
			return fmt.Errorf("generate insights: %w", err)
		}
		return c.publishRecommendations(ctx, env,
			c.recs.GenerateRecommendationsFromInsights(snapshot, a.UserID))

	case contracts.ActionNeuralFeedbackSession:
		env.Type = contracts.EventNeuralFeedbackReceived
		env.Payload = contracts.NeuralFeedback{SessionID: a.ID}

	default:
		return fmt.Errorf("unsupported proactive action kind %q", a.Kind)
	}
	return c.emit(ctx, env)
}
