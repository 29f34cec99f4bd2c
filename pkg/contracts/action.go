package contracts

import "time"

// ProactiveActionKind is the side effect a proactive action performs.
type ProactiveActionKind string

const (
	ActionModalActivation       ProactiveActionKind = "modal_activation"
	ActionChatMessage           ProactiveActionKind = "chat_message"
	ActionDataUpdate            ProactiveActionKind = "data_update"
	ActionRecommendation        ProactiveActionKind = "recommendation"
	ActionNeuralFeedbackSession ProactiveActionKind = "neural_feedback_session"
)

// ActionResult records the outcome of executing a proactive action.
type ActionResult struct {
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ProactiveAction is a system-initiated side effect scheduled for later execution.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type ProactiveAction struct {
	ID            string              `json:"id"`
	UserID        string              `json:"user_id"`
	Kind          ProactiveActionKind `json:"kind"`
	Title         string              `json:"title"`
	Description   string              `json:"description"`
	Priority      Priority            `json:"priority"`
	Timestamp     time.Time           `json:"timestamp"`
	ExecutionTime time.Time           `json:"execution_time"`
	Executed      bool                `json:"executed"`
	Result        *ActionResult       `json:"result,omitempty"`
	CorrelationID string              `json:"correlation_id,omitempty"`
}

// Due reports whether the action is pending and its execution time has arrived.
func (a ProactiveAction) Due(now time.Time) bool {
	return !a.Executed && !now.Before(a.ExecutionTime)
}

// Clone returns a copy that does not share the result pointer.
func (a ProactiveAction) Clone() ProactiveAction {
	c := a
	if a.Result != nil {
		r := *a.Result
		c.Result = &r
	}
	return c
}
