// Package adapter maps each producer's event taxonomy onto the internal event
// types and decodes producer payloads into the typed payload union.
//
// Mapping is total: every (producer, external type) pair resolves to exactly
// one internal type, and pairs nobody registered resolve to data_updated.
package adapter

import (
	"encoding/json"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/pulse/pkg/contracts"
)

// Producer names.
const (
	ProducerWearable  = "wearable"
	ProducerNutrition = "nutrition"
	ProducerWorkout   = "workout"
	ProducerChat      = "chat"
	ProducerIoT       = "iot"
	ProducerNeural    = "neural"
	ProducerSystem    = "system"
)

// DefaultEventType is the fallback for unmapped external types.
const DefaultEventType = contracts.EventDataUpdated

// ExternalEvent is an event as emitted by a producer module.
type ExternalEvent struct {
	Source        string          `json:"source"`
	Type          string          `json:"type"`
	Timestamp     time.Time       `json:"timestamp,omitempty"`
	UserID        string          `json:"user_id"`
	Priority      string          `json:"priority,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	SchemaVersion string          `json:"schema_version,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

var defaultTaxonomy = map[string]map[string]contracts.EventType{
	ProducerWearable: {
		"sync_completed":    contracts.EventDataUpdated,
		"heart_rate_sample": contracts.EventDeviceDataReceived,
		"sleep_recorded":    contracts.EventDataUpdated,
		"device_paired":     contracts.EventDeviceConnected,
		"device_unpaired":   contracts.EventDeviceConnected,
	},
	ProducerNutrition: {
		"meal_logged":    contracts.EventDataUpdated,
		"water_logged":   contracts.EventDataUpdated,
		"plan_generated": contracts.EventDataUpdated,
	},
	ProducerWorkout: {
		"workout_started":   contracts.EventUserAction,
		"workout_completed": contracts.EventDataUpdated,
		"set_logged":        contracts.EventDataUpdated,
	},
	ProducerChat: {
		"message_sent":     contracts.EventChatInteraction,
		"message_received": contracts.EventChatInteraction,
		"modal_opened":     contracts.EventModalActivated,
		"modal_closed":     contracts.EventModalDeactivated,
		"button_clicked":   contracts.EventUserAction,
	},
	ProducerIoT: {
		"equipment_connected":    contracts.EventDeviceConnected,
		"equipment_disconnected": contracts.EventDeviceConnected,
		"equipment_reading":      contracts.EventDeviceDataReceived,
	},
	ProducerNeural: {
		"feedback_session": contracts.EventNeuralFeedbackReceived,
		"mental_state":     contracts.EventMentalStateChanged,
	},
}

// disconnect marks external types that report a device going away.
var disconnect = map[string]bool{
	"device_unpaired":        true,
	"equipment_disconnected": true,
}

// defaultPriority is used when the producer does not set one.
var defaultPriority = map[contracts.EventType]contracts.Priority{
	contracts.EventAlertTriggered:         contracts.PriorityHigh,
	contracts.EventMentalStateChanged:     contracts.PriorityHigh,
	contracts.EventInsightGenerated:       contracts.PriorityMedium,
	contracts.EventRecommendationMade:     contracts.PriorityMedium,
	contracts.EventChatInteraction:        contracts.PriorityMedium,
	contracts.EventNeuralFeedbackReceived: contracts.PriorityMedium,
	contracts.EventModalActivated:         contracts.PriorityMedium,
	contracts.EventModalDeactivated:       contracts.PriorityLow,
	contracts.EventLearningUpdate:         contracts.PriorityLow,
	contracts.EventDeviceDataReceived:     contracts.PriorityLow,
}

// Adapter normalizes external events. The zero value is not usable; call New.
type Adapter struct {
	taxonomy map[string]map[string]contracts.EventType
	clock    func() time.Time
	newID    func() string
}

// New creates an adapter with the built-in producer taxonomies.
func New() *Adapter {
	tax := make(map[string]map[string]contracts.EventType, len(defaultTaxonomy))
	for p, m := range defaultTaxonomy {
		tax[p] = maps.Clone(m)
	}
	return &Adapter{
		taxonomy: tax,
		clock:    time.Now,
		newID:    func() string { return uuid.New().String() },
	}
}

// WithClock overrides the clock used for missing timestamps.
func (a *Adapter) WithClock(clock func() time.Time) *Adapter {
	a.clock = clock
	return a
}

// WithIDGenerator overrides correlation id generation.
func (a *Adapter) WithIDGenerator(gen func() string) *Adapter {
	a.newID = gen
	return a
}

// Register maps a producer's external type onto an internal type, extending
// or overriding the built-in taxonomy.
func (a *Adapter) Register(producer, externalType string, t contracts.EventType) {
	m, ok := a.taxonomy[producer]
	if !ok {
		m = make(map[string]contracts.EventType)
		a.taxonomy[producer] = m
	}
	m[externalType] = t
}

// MapType resolves the internal type for a producer's external type. System
// producers may use internal type names directly.
func (a *Adapter) MapType(producer, externalType string) contracts.EventType {
	if t, ok := a.taxonomy[producer][externalType]; ok {
		return t
	}
	if producer == ProducerSystem {
		if t := contracts.EventType(externalType); t.IsKnown() {
			return t
		}
	}
	return DefaultEventType
}

// Normalize converts an external event into an envelope. It never fails:
// undecodable payloads become Opaque and missing fields get defaults, except
// UserID, which the bus validates.
func (a *Adapter) Normalize(ev ExternalEvent) contracts.EventEnvelope {
	t := a.MapType(ev.Source, ev.Type)

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = a.clock()
	}
	priority := contracts.Priority(ev.Priority)
	if !priority.Valid() {
		priority = DefaultPriority(t)
	}
	correlationID := ev.CorrelationID
	if correlationID == "" {
		correlationID = a.newID()
	}
	source := ev.Source
	if source == "" {
		source = "unknown"
	}

	return contracts.EventEnvelope{
		Type:          t,
		Timestamp:     ts,
		UserID:        ev.UserID,
		Payload:       decodePayload(t, ev),
		SourceModule:  source,
		Priority:      priority,
		CorrelationID: correlationID,
	}
}

// DefaultPriority returns the priority assumed for t when none is given.
func DefaultPriority(t contracts.EventType) contracts.Priority {
	if p, ok := defaultPriority[t]; ok {
		return p
	}
	return contracts.PriorityMedium
}
