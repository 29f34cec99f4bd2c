package contracts

import "time"

// Recovery, energy and readiness levels reported by the insight engine.
const (
	RecoveryCritical = "critical"
	RecoveryPoor     = "poor"
	RecoveryFair     = "fair"
	RecoveryGood     = "good"

	EnergyVeryLow  = "veryLow"
	EnergyLow      = "low"
	EnergyModerate = "moderate"
	EnergyHigh     = "high"

	ReadinessRest  = "rest"
	ReadinessLight = "light"
	ReadinessReady = "ready"

	TrendDeclining = "declining"
	TrendStable    = "stable"
	TrendImproving = "improving"

	AdherencePoor = "poor"
	AdherenceGood = "good"
)

// CurrentStatus is the point-in-time part of an insight snapshot.
type CurrentStatus struct {
	RecoveryStatus    string `json:"recovery_status"`
	EnergyLevel       string `json:"energy_level"`
	TrainingReadiness string `json:"training_readiness"`
}

// Trends is the trend part of an insight snapshot.
type Trends struct {
	Performance string `json:"performance"`
	Adherence   string `json:"adherence"`
}

// InsightSnapshot is the external, point-in-time summary of a user's status
// consumed by alert, recommendation and proactive rules.
type InsightSnapshot struct {
	UserID          string        `json:"user_id,omitempty"`
	CurrentStatus   CurrentStatus `json:"current_status"`
	Trends          Trends        `json:"trends"`
	Recommendations []string      `json:"recommendations,omitempty"`
	GeneratedAt     time.Time     `json:"generated_at,omitempty"`
}
