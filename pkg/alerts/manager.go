// Package alerts derives alerts from insight snapshots and manages the live
// alert list: lazy auto-expiry and idempotent dismissal.
package alerts

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/pulse/pkg/contracts"
)

// WarningAutoDismissSeconds is how long warning alerts from the fixed rule
// table stay visible.
const WarningAutoDismissSeconds = 1800

// RetiredRetention is how long a dismissed alert id is remembered. Add
// ignores retired ids so a queued copy of a dismissed alert cannot revive it.
const RetiredRetention = time.Hour

// Manager owns the live alert list. It is not safe for concurrent use; the
// coordinator serializes access.
type Manager struct {
	alerts  []contracts.Alert
	retired map[string]time.Time
	custom  []*CustomRule
	clock   func() time.Time
	logger  *slog.Logger
}

// NewManager creates an alert manager with the fixed rule table and any
// additional custom rules.
func NewManager(custom ...*CustomRule) *Manager {
	return &Manager{
		retired: make(map[string]time.Time),
		custom:  custom,
		clock:   time.Now,
		logger:  slog.Default().With("component", "alerts"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// WithLogger overrides the component logger.
func (m *Manager) WithLogger(l *slog.Logger) *Manager {
	m.logger = l
	return m
}

// CheckForAlerts evaluates every rule independently against the snapshot and
// appends the resulting alerts to the live list. It returns the new alerts.
func (m *Manager) CheckForAlerts(snapshot contracts.InsightSnapshot, userID string) []contracts.Alert {
	now := m.clock()
	status := snapshot.CurrentStatus
	var fired []contracts.Alert

	if status.RecoveryStatus == contracts.RecoveryCritical {
		fired = append(fired, m.newAlert(userID, now, contracts.AlertDanger, contracts.PriorityCritical,
			"Critical recovery status",
			"Your recovery markers are critically low. Skip training today and focus on rest, hydration and sleep.",
			[]string{"view_recovery_plan", "contact_coach"}, nil))
	}
	if status.RecoveryStatus == contracts.RecoveryPoor {
		fired = append(fired, m.newAlert(userID, now, contracts.AlertWarning, contracts.PriorityHigh,
			"Poor recovery",
			"Recovery is below your baseline. Consider a lighter session or active recovery.",
			[]string{"adjust_workout", "view_recovery_plan"}, intPtr(WarningAutoDismissSeconds)))
	}
	if status.EnergyLevel == contracts.EnergyVeryLow {
		fired = append(fired, m.newAlert(userID, now, contracts.AlertDanger, contracts.PriorityHigh,
			"Very low energy",
			"Your energy level is very low. Review your nutrition and sleep before training.",
			[]string{"log_meal", "view_nutrition_plan"}, nil))
	}
	if status.TrainingReadiness == contracts.ReadinessRest {
		fired = append(fired, m.newAlert(userID, now, contracts.AlertWarning, contracts.PriorityHigh,
			"Rest day recommended",
			"Your body is asking for rest. Today is best used for recovery.",
			[]string{"schedule_rest_day"}, intPtr(WarningAutoDismissSeconds)))
	}

	for _, rule := range m.custom {
		ok, err := rule.Matches(snapshot)
		if err != nil {
			m.logger.Warn("custom alert rule failed", "rule", rule.Name, "error", err)
			continue
		}
		if ok {
			fired = append(fired, m.newAlert(userID, now, rule.Kind, rule.Priority,
				rule.Title, rule.Message, rule.Actions, rule.autoDismiss()))
		}
	}

	for _, a := range fired {
		m.alerts = append(m.alerts, a.Clone())
	}
	return fired
}

func (m *Manager) newAlert(userID string, now time.Time, kind contracts.AlertKind, p contracts.Priority,
	title, message string, actions []string, autoDismiss *int) contracts.Alert {
	return contracts.Alert{
		ID:                 uuid.New().String(),
		UserID:             userID,
		Kind:               kind,
		Title:              title,
		Message:            message,
		Priority:           p,
		Timestamp:          now,
		Actions:            append([]string(nil), actions...),
		Dismissible:        true,
		AutoDismissSeconds: autoDismiss,
	}
}

// Add inserts an alert produced elsewhere, replacing any alert with the same
// ID. It reports false, storing nothing, when the ID was recently dismissed.
func (m *Manager) Add(a contracts.Alert) bool {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if _, ok := m.retired[a.ID]; ok {
		return false
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = m.clock()
	}
	for i := range m.alerts {
		if m.alerts[i].ID == a.ID {
			m.alerts[i] = a.Clone()
			return true
		}
	}
	m.alerts = append(m.alerts, a.Clone())
	return true
}

// Contains reports whether an alert with id is in the live list.
func (m *Manager) Contains(id string) bool {
	for _, a := range m.alerts {
		if a.ID == id {
			return true
		}
	}
	return false
}

// GetAlerts purges expired alerts from the live list and returns copies of
// the remainder.
func (m *Manager) GetAlerts() []contracts.Alert {
	now := m.clock()
	live := m.alerts[:0]
	for _, a := range m.alerts {
		if a.Expired(now) {
			m.logger.Debug("alert expired", "alert_id", a.ID)
			continue
		}
		live = append(live, a)
	}
	clear(m.alerts[len(live):])
	m.alerts = live

	out := make([]contracts.Alert, len(live))
	for i, a := range live {
		out[i] = a.Clone()
	}
	return out
}

// DismissAlert removes the alert with id and retires the id. Unknown ids are
// ignored.
func (m *Manager) DismissAlert(id string) {
	now := m.clock()
	m.pruneRetired(now)
	for i, a := range m.alerts {
		if a.ID == id {
			m.alerts = append(m.alerts[:i], m.alerts[i+1:]...)
			m.retired[id] = now
			return
		}
	}
}

func (m *Manager) pruneRetired(now time.Time) {
	for id, at := range m.retired {
		if now.Sub(at) >= RetiredRetention {
			delete(m.retired, id)
		}
	}
}

func intPtr(v int) *int { return &v }
