package contracts

import "time"

// RecommendationKind groups recommendations by the rule family that produced them.
type RecommendationKind string

const (
	RecommendationInsight     RecommendationKind = "insight"
	RecommendationPerformance RecommendationKind = "performance"
	RecommendationAdherence   RecommendationKind = "adherence"
	RecommendationNeural      RecommendationKind = "neural_feedback"
	RecommendationMentalState RecommendationKind = "mental_state"
)

// Recommendation is a suggested next step for the user. Confidence is fixed by
// the rule that created it.
type Recommendation struct {
	ID          string             `json:"id"`
	UserID      string             `json:"user_id,omitempty"`
	Kind        RecommendationKind `json:"kind"`
	Title       string             `json:"title"`
	Description string             `json:"description"`
	Priority    Priority           `json:"priority"`
	Timestamp   time.Time          `json:"timestamp"`
	Confidence  float64            `json:"confidence"`
	Actionable  bool               `json:"actionable"`
}
