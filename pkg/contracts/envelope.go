// Package contracts defines the shared data model of the coordinator: the event
// envelope and its typed payloads, alerts, recommendations, proactive actions
// and insight snapshots.
package contracts

import (
	"time"
)

// EventType identifies the internal event taxonomy.
type EventType string

// Known event types. The set is open: producers may emit other tags, which are
// routed only if a subscriber exists for them.
const (
	EventDataUpdated            EventType = "data_updated"
	EventChatInteraction        EventType = "chat_interaction"
	EventModalActivated         EventType = "modal_activated"
	EventModalDeactivated       EventType = "modal_deactivated"
	EventInsightGenerated       EventType = "insight_generated"
	EventAlertTriggered         EventType = "alert_triggered"
	EventRecommendationMade     EventType = "recommendation_made"
	EventUserAction             EventType = "user_action"
	EventSystemProactive        EventType = "system_proactive"
	EventLearningUpdate         EventType = "learning_update"
	EventDeviceConnected        EventType = "device_connected"
	EventDeviceDataReceived     EventType = "device_data_received"
	EventNeuralFeedbackReceived EventType = "neural_feedback_received"
	EventMentalStateChanged     EventType = "mental_state_changed"
)

// KnownEventTypes lists the built-in taxonomy in declaration order.
var KnownEventTypes = []EventType{
	EventDataUpdated,
	EventChatInteraction,
	EventModalActivated,
	EventModalDeactivated,
	EventInsightGenerated,
	EventAlertTriggered,
	EventRecommendationMade,
	EventUserAction,
	EventSystemProactive,
	EventLearningUpdate,
	EventDeviceConnected,
	EventDeviceDataReceived,
	EventNeuralFeedbackReceived,
	EventMentalStateChanged,
}

// IsKnown reports whether t belongs to the built-in taxonomy.
func (t EventType) IsKnown() bool {
	for _, k := range KnownEventTypes {
		if k == t {
			return true
		}
	}
	return false
}

// Priority is the delivery urgency of an event, alert, recommendation or action.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Rank orders priorities for draining: critical=0 through low=3.
// Unrecognized priorities sort after low.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// Valid reports whether p is one of the four defined priorities.
func (p Priority) Valid() bool {
	return p.Rank() < 4
}

// Immediate reports whether events of this priority are also delivered to
// subscribers synchronously on emit.
func (p Priority) Immediate() bool {
	return p == PriorityCritical || p == PriorityHigh
}

// EventEnvelope is the normalized message unit flowing through the bus.
type EventEnvelope struct {
	Type          EventType `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	UserID        string    `json:"user_id"`
	Payload       Payload   `json:"payload,omitempty"`
	SourceModule  string    `json:"source_module"`
	Priority      Priority  `json:"priority"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// Derive builds an event caused by e. UserID and CorrelationID are carried
// over unchanged.
func (e EventEnvelope) Derive(t EventType, payload Payload, source string, priority Priority, at time.Time) EventEnvelope {
	return EventEnvelope{
		Type:          t,
		Timestamp:     at,
		UserID:        e.UserID,
		Payload:       payload,
		SourceModule:  source,
		Priority:      priority,
		CorrelationID: e.CorrelationID,
	}
}
