package adapter

import (
	"encoding/json"

	"github.com/Mindburn-Labs/pulse/pkg/contracts"
)

func decodePayload(t contracts.EventType, ev ExternalEvent) contracts.Payload {
	raw := ev.Payload
	switch t {
	case contracts.EventDataUpdated:
		if ev.Source == ProducerSystem {
			if p, ok := decode[contracts.DataUpdated](raw); ok && p.Domain != "" {
				return p
			}
		}
		fields, err := decodeMap(raw)
		if err != nil {
			return opaque(t, raw)
		}
		if fields == nil {
			fields = make(map[string]any, 1)
		}
		if ev.Type != "" {
			fields["external_type"] = ev.Type
		}
		return contracts.DataUpdated{Domain: ev.Source, Fields: fields}

	case contracts.EventChatInteraction:
		p, ok := decode[contracts.ChatInteraction](raw)
		if !ok {
			return opaque(t, raw)
		}
		if p.Role == "" {
			switch ev.Type {
			case "message_sent":
				p.Role = "user"
			case "message_received":
				p.Role = "coach"
			}
		}
		return p

	case contracts.EventModalActivated:
		return decodeOr[contracts.ModalActivated](t, raw)
	case contracts.EventModalDeactivated:
		return decodeOr[contracts.ModalDeactivated](t, raw)
	case contracts.EventInsightGenerated:
		return decodeOr[contracts.InsightGenerated](t, raw)
	case contracts.EventAlertTriggered:
		return decodeOr[contracts.AlertTriggered](t, raw)
	case contracts.EventRecommendationMade:
		return decodeOr[contracts.RecommendationMade](t, raw)

	case contracts.EventUserAction:
		p, ok := decode[contracts.UserAction](raw)
		if !ok {
			return opaque(t, raw)
		}
		if p.Action == "" {
			p.Action = ev.Type
		}
		return p

	case contracts.EventSystemProactive:
		return decodeOr[contracts.SystemProactive](t, raw)
	case contracts.EventLearningUpdate:
		return decodeOr[contracts.LearningUpdate](t, raw)

	case contracts.EventDeviceConnected:
		p, ok := decode[contracts.DeviceConnected](raw)
		if !ok {
			return opaque(t, raw)
		}
		if ev.Source != ProducerSystem {
			p.Connected = !disconnect[ev.Type]
			if p.DeviceKind == "" {
				p.DeviceKind = ev.Source
			}
		}
		return p

	case contracts.EventDeviceDataReceived:
		return decodeOr[contracts.DeviceData](t, raw)
	case contracts.EventNeuralFeedbackReceived:
		return decodeOr[contracts.NeuralFeedback](t, raw)
	case contracts.EventMentalStateChanged:
		return decodeOr[contracts.MentalStateChanged](t, raw)
	default:
		return opaque(t, raw)
	}
}

// decode unmarshals raw into a P. An empty body yields the zero value.
func decode[P contracts.Payload](raw json.RawMessage) (P, bool) {
	var p P
	if len(raw) == 0 || string(raw) == "null" {
		return p, true
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, false
	}
	return p, true
}

func decodeOr[P contracts.Payload](t contracts.EventType, raw json.RawMessage) contracts.Payload {
	p, ok := decode[P](raw)
	if !ok {
		return opaque(t, raw)
	}
	return p
}

func decodeMap(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func opaque(t contracts.EventType, raw json.RawMessage) contracts.Opaque {
	o := contracts.Opaque{Type: t}
	if m, err := decodeMap(raw); err == nil {
		o.Data = m
	} else if len(raw) > 0 {
		o.Data = map[string]any{"raw": string(raw)}
	}
	return o
}
