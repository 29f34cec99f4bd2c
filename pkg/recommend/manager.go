// Package recommend derives recommendations from insight trends, neural
// feedback and mental-state classifications, and manages their execution.
package recommend

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/pulse/pkg/contracts"
)

// Per-rule confidence constants.
const (
	ConfidenceInsightText      = 0.8
	ConfidencePerformance      = 0.9
	ConfidenceAdherence        = 0.85
	ConfidenceNeuralFeedback   = 0.85
	ConfidenceStressed         = 0.9
	ConfidenceFatigued         = 0.85
	ConfidenceFocused          = 0.75
	ConfidenceRelaxed          = 0.7
	defaultInsightTextTitle    = "Coaching insight"
	defaultNeuralFeedbackTitle = "Neural feedback"
)

type mentalStateRule struct {
	title       string
	description string
	priority    contracts.Priority
	confidence  float64
}

var mentalStateRules = map[contracts.MentalState]mentalStateRule{
	contracts.MentalStateStressed: {
		title:       "Take a breathing break",
		description: "Stress markers are elevated. A five-minute box-breathing session before training helps bring them down.",
		priority:    contracts.PriorityHigh,
		confidence:  ConfidenceStressed,
	},
	contracts.MentalStateFatigued: {
		title:       "Swap to a recovery session",
		description: "Mental fatigue is high. Replace today's intense block with mobility work or a light walk.",
		priority:    contracts.PriorityHigh,
		confidence:  ConfidenceFatigued,
	},
	contracts.MentalStateFocused: {
		title:       "Use your focus for skill work",
		description: "You are in a focused state. This is a good window for technique-heavy lifts.",
		priority:    contracts.PriorityMedium,
		confidence:  ConfidenceFocused,
	},
	contracts.MentalStateRelaxed: {
		title:       "Good time for mobility",
		description: "You are relaxed. A stretching or mobility session will make the most of it.",
		priority:    contracts.PriorityLow,
		confidence:  ConfidenceRelaxed,
	},
}

// RetiredRetention is how long an executed recommendation id is remembered,
// so that a queued copy cannot be added back and executed twice.
const RetiredRetention = time.Hour

// Manager owns the recommendation list. It is not safe for concurrent use;
// the coordinator serializes access.
type Manager struct {
	recs    []contracts.Recommendation
	retired map[string]time.Time
	clock   func() time.Time
}

// NewManager creates an empty recommendation manager.
func NewManager() *Manager {
	return &Manager{retired: make(map[string]time.Time), clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// GenerateRecommendationsFromInsights creates one recommendation per free-text
// insight recommendation, plus one each for a declining performance trend and
// a poor adherence trend.
func (m *Manager) GenerateRecommendationsFromInsights(s contracts.InsightSnapshot, userID string) []contracts.Recommendation {
	now := m.clock()
	var out []contracts.Recommendation

	for _, text := range s.Recommendations {
		text = normalize(text)
		if text == "" {
			continue
		}
		out = append(out, m.newRec(userID, now, contracts.RecommendationInsight, defaultInsightTextTitle,
			text, contracts.PriorityMedium, ConfidenceInsightText))
	}
	if s.Trends.Performance == contracts.TrendDeclining {
		out = append(out, m.newRec(userID, now, contracts.RecommendationPerformance,
			"Performance is declining",
			"Your recent sessions show a downward trend. Consider a deload week and review sleep and nutrition.",
			contracts.PriorityHigh, ConfidencePerformance))
	}
	if s.Trends.Adherence == contracts.AdherencePoor {
		out = append(out, m.newRec(userID, now, contracts.RecommendationAdherence,
			"Get back on track",
			"You have missed several planned sessions. Shorter workouts can make the plan easier to follow.",
			contracts.PriorityHigh, ConfidenceAdherence))
	}

	m.recs = append(m.recs, out...)
	return out
}

// GenerateRecommendationsFromNeuralData creates one recommendation per string
// supplied by a neural-feedback session.
func (m *Manager) GenerateRecommendationsFromNeuralData(fb contracts.NeuralFeedback, userID string) []contracts.Recommendation {
	now := m.clock()
	var out []contracts.Recommendation
	for _, text := range fb.Recommendations {
		text = normalize(text)
		if text == "" {
			continue
		}
		out = append(out, m.newRec(userID, now, contracts.RecommendationNeural, defaultNeuralFeedbackTitle,
			text, contracts.PriorityMedium, ConfidenceNeuralFeedback))
	}
	m.recs = append(m.recs, out...)
	return out
}

// GenerateRecommendationsFromMentalState creates the fixed recommendation for
// state. Unknown states produce nothing.
func (m *Manager) GenerateRecommendationsFromMentalState(state contracts.MentalState, userID string) []contracts.Recommendation {
	rule, ok := mentalStateRules[state]
	if !ok {
		return nil
	}
	rec := m.newRec(userID, m.clock(), contracts.RecommendationMentalState, rule.title, rule.description,
		rule.priority, rule.confidence)
	m.recs = append(m.recs, rec)
	return []contracts.Recommendation{rec}
}

func (m *Manager) newRec(userID string, now time.Time, kind contracts.RecommendationKind, title, desc string,
	p contracts.Priority, confidence float64) contracts.Recommendation {
	return contracts.Recommendation{
		ID:          uuid.New().String(),
		UserID:      userID,
		Kind:        kind,
		Title:       title,
		Description: desc,
		Priority:    p,
		Timestamp:   now,
		Confidence:  confidence,
		Actionable:  true,
	}
}

// Add inserts a recommendation produced elsewhere, replacing any with the same
// ID. It reports false, storing nothing, when the ID was already executed.
func (m *Manager) Add(r contracts.Recommendation) bool {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if _, ok := m.retired[r.ID]; ok {
		return false
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = m.clock()
	}
	for i := range m.recs {
		if m.recs[i].ID == r.ID {
			m.recs[i] = r
			return true
		}
	}
	m.recs = append(m.recs, r)
	return true
}

// Contains reports whether a recommendation with id is present.
func (m *Manager) Contains(id string) bool {
	_, ok := m.index(id)
	return ok
}

// GetRecommendations returns a copy of the current list.
func (m *Manager) GetRecommendations() []contracts.Recommendation {
	return append([]contracts.Recommendation(nil), m.recs...)
}

// ExecuteRecommendation removes an actionable recommendation and returns it.
// It reports false if id is unknown or the recommendation is not actionable.
func (m *Manager) ExecuteRecommendation(id string) (contracts.Recommendation, bool) {
	i, ok := m.index(id)
	if !ok || !m.recs[i].Actionable {
		return contracts.Recommendation{}, false
	}
	rec := m.recs[i]
	m.recs = append(m.recs[:i], m.recs[i+1:]...)
	now := m.clock()
	for id, at := range m.retired {
		if now.Sub(at) >= RetiredRetention {
			delete(m.retired, id)
		}
	}
	m.retired[id] = now
	return rec, true
}

func (m *Manager) index(id string) (int, bool) {
	for i := range m.recs {
		if m.recs[i].ID == id {
			return i, true
		}
	}
	return -1, false
}

func normalize(s string) string {
	return strings.TrimSpace(norm.NFC.String(s))
}
