package contracts

// Payload is the tagged union of event bodies. Each variant reports the event
// type it belongs to; Opaque carries bodies of extension types.
type Payload interface {
	EventType() EventType
}

// DataUpdated signals that a producer changed some slice of user data.
type DataUpdated struct {
	Domain string         `json:"domain"` // e.g. "wearable", "nutrition", "workout"
	Fields map[string]any `json:"fields,omitempty"`
}

func (DataUpdated) EventType() EventType { return EventDataUpdated }

// ChatInteraction is a message exchanged in the coaching chat.
type ChatInteraction struct {
	ConversationID string         `json:"conversation_id,omitempty"`
	Role           string         `json:"role"` // "user", "coach", "system"
	Message        string         `json:"message"`
	Context        map[string]any `json:"context,omitempty"`
}

func (ChatInteraction) EventType() EventType { return EventChatInteraction }

// ModalActivated records a modal surface being opened.
type ModalActivated struct {
	ModalID string `json:"modal_id"`
	Trigger string `json:"trigger,omitempty"` // "user" or "proactive"
}

func (ModalActivated) EventType() EventType { return EventModalActivated }

// ModalDeactivated records a modal surface being closed.
type ModalDeactivated struct {
	ModalID         string  `json:"modal_id"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
}

func (ModalDeactivated) EventType() EventType { return EventModalDeactivated }

// InsightGenerated carries a fresh insight snapshot.
type InsightGenerated struct {
	Insights InsightSnapshot `json:"insights"`
}

func (InsightGenerated) EventType() EventType { return EventInsightGenerated }

// AlertTriggered carries an alert to surface.
type AlertTriggered struct {
	Alert Alert `json:"alert"`
}

func (AlertTriggered) EventType() EventType { return EventAlertTriggered }

// RecommendationMade carries a recommendation to surface.
type RecommendationMade struct {
	Recommendation Recommendation `json:"recommendation"`
}

func (RecommendationMade) EventType() EventType { return EventRecommendationMade }

// UserAction is an explicit action taken by the user in any surface.
type UserAction struct {
	Action   string            `json:"action"`
	Target   string            `json:"target,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (UserAction) EventType() EventType { return EventUserAction }

// SystemProactive announces a scheduled proactive action.
type SystemProactive struct {
	Action ProactiveAction `json:"action"`
}

func (SystemProactive) EventType() EventType { return EventSystemProactive }

// LearningUpdate asks for fields to be merged into learning memory under Key.
type LearningUpdate struct {
	Key    string         `json:"key"`
	Fields map[string]any `json:"fields"`
}

func (LearningUpdate) EventType() EventType { return EventLearningUpdate }

// DeviceConnected reports a wearable or IoT device pairing change.
type DeviceConnected struct {
	DeviceID   string `json:"device_id"`
	DeviceKind string `json:"device_kind,omitempty"`
	Connected  bool   `json:"connected"`
}

func (DeviceConnected) EventType() EventType { return EventDeviceConnected }

// DeviceData carries normalized readings from a device.
type DeviceData struct {
	DeviceID string             `json:"device_id"`
	Metrics  map[string]float64 `json:"metrics,omitempty"`
}

func (DeviceData) EventType() EventType { return EventDeviceDataReceived }

// NeuralFeedback is the output of a neural-feedback session.
type NeuralFeedback struct {
	SessionID       string   `json:"session_id,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

func (NeuralFeedback) EventType() EventType { return EventNeuralFeedbackReceived }

// MentalState is the four-state classification produced by neural devices.
type MentalState string

const (
	MentalStateStressed MentalState = "stressed"
	MentalStateFatigued MentalState = "fatigued"
	MentalStateFocused  MentalState = "focused"
	MentalStateRelaxed  MentalState = "relaxed"
)

// MentalStateChanged reports a new mental-state classification.
type MentalStateChanged struct {
	State MentalState `json:"state"`
}

func (MentalStateChanged) EventType() EventType { return EventMentalStateChanged }

// Opaque holds the body of an event whose type has no typed variant, or whose
// body could not be decoded into one.
type Opaque struct {
	Type EventType      `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

func (o Opaque) EventType() EventType { return o.Type }
