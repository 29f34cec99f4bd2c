// Package proactive evaluates triggers against the latest insight snapshot
// and schedules system-initiated actions for later execution.
package proactive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/pulse/pkg/contracts"
	"github.com/Mindburn-Labs/pulse/pkg/insight"
)

// Default scheduling offsets for generated actions.
const (
	DefaultModalDelay = 2 * time.Second
	DefaultChatDelay  = 5 * time.Second
)

var (
	// ErrActionNotFound is returned when executing an unknown action id.
	ErrActionNotFound = errors.New("proactive: action not found")
	// ErrAlreadyExecuted is returned when executing an action twice.
	ErrAlreadyExecuted = errors.New("proactive: action already executed")
)

// Effect performs the kind-specific side effect of an action.
type Effect func(ctx context.Context, action contracts.ProactiveAction) error

// ActionSink is an external collaborator notified of every executed action
// after the built-in effect.
type ActionSink interface {
	Perform(ctx context.Context, action contracts.ProactiveAction) error
}

// ShouldActivateModalProactively reports whether a modal should be opened
// for the user without being asked.
func ShouldActivateModalProactively(s contracts.InsightSnapshot) bool {
	switch s.CurrentStatus.RecoveryStatus {
	case contracts.RecoveryPoor, contracts.RecoveryCritical:
		return true
	}
	return s.Trends.Performance == contracts.TrendDeclining ||
		s.Trends.Adherence == contracts.AdherencePoor
}

// ShouldSendChatMessageProactively reports whether the coach chat should
// reach out to the user.
func ShouldSendChatMessageProactively(s contracts.InsightSnapshot) bool {
	return s.CurrentStatus.RecoveryStatus == contracts.RecoveryCritical ||
		s.CurrentStatus.EnergyLevel == contracts.EnergyVeryLow ||
		s.CurrentStatus.TrainingReadiness == contracts.ReadinessRest
}

// Monitor owns the proactive action list. It is not safe for concurrent use;
// the coordinator serializes access.
type Monitor struct {
	provider   insight.Provider
	actions    []contracts.ProactiveAction
	clock      func() time.Time
	modalDelay time.Duration
	chatDelay  time.Duration
	logger     *slog.Logger
}

// NewMonitor creates a monitor reading snapshots from provider.
func NewMonitor(provider insight.Provider) *Monitor {
	return &Monitor{
		provider:   provider,
		clock:      time.Now,
		modalDelay: DefaultModalDelay,
		chatDelay:  DefaultChatDelay,
		logger:     slog.Default().With("component", "proactive"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Monitor) WithClock(clock func() time.Time) *Monitor {
	m.clock = clock
	return m
}

// WithDelays overrides how far ahead modal and chat actions are scheduled.
func (m *Monitor) WithDelays(modal, chat time.Duration) *Monitor {
	m.modalDelay = modal
	m.chatDelay = chat
	return m
}

// WithLogger overrides the component logger.
func (m *Monitor) WithLogger(l *slog.Logger) *Monitor {
	m.logger = l
	return m
}

// Check fetches the user's snapshot and schedules actions for every trigger
// that holds. A missing snapshot is not an error.
func (m *Monitor) Check(ctx context.Context, userID string) ([]contracts.ProactiveAction, error) {
	if m.provider == nil {
		return nil, nil
	}
	s, err := m.provider.GenerateInsights(ctx, userID)
	if errors.Is(err, insight.ErrNoSnapshot) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("proactive: insights for %s: %w", userID, err)
	}
	return m.Evaluate(s, userID), nil
}

// Evaluate schedules actions for the triggers that hold on s.
func (m *Monitor) Evaluate(s contracts.InsightSnapshot, userID string) []contracts.ProactiveAction {
	now := m.clock()
	var scheduled []contracts.ProactiveAction

	if ShouldActivateModalProactively(s) {
		scheduled = append(scheduled, contracts.ProactiveAction{
			ID:            uuid.New().String(),
			UserID:        userID,
			Kind:          contracts.ActionModalActivation,
			Title:         "Open recovery check-in",
			Description:   "Recovery or training trends need attention; open the check-in modal.",
			Priority:      contracts.PriorityHigh,
			Timestamp:     now,
			ExecutionTime: now.Add(m.modalDelay),
		})
	}
	if ShouldSendChatMessageProactively(s) {
		scheduled = append(scheduled, contracts.ProactiveAction{
			ID:            uuid.New().String(),
			UserID:        userID,
			Kind:          contracts.ActionChatMessage,
			Title:         "Coach check-in message",
			Description:   "Send a proactive coach message about today's recovery.",
			Priority:      contracts.PriorityMedium,
			Timestamp:     now,
			ExecutionTime: now.Add(m.chatDelay),
		})
	}

	m.actions = append(m.actions, scheduled...)
	return scheduled
}

// Schedule appends an externally built action. Missing id and timestamps are filled in.
func (m *Monitor) Schedule(a contracts.ProactiveAction) contracts.ProactiveAction {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = m.clock()
	}
	if a.ExecutionTime.IsZero() {
		a.ExecutionTime = a.Timestamp
	}
	m.actions = append(m.actions, a)
	return a
}

// SetCorrelation records the correlation id of the event announcing an action.
func (m *Monitor) SetCorrelation(id, correlationID string) {
	if i, ok := m.index(id); ok {
		m.actions[i].CorrelationID = correlationID
	}
}

// Actions returns copies of every action, executed or not.
func (m *Monitor) Actions() []contracts.ProactiveAction {
	out := make([]contracts.ProactiveAction, len(m.actions))
	for i, a := range m.actions {
		out[i] = a.Clone()
	}
	return out
}

// Due returns the ids of pending actions whose execution time has arrived.
func (m *Monitor) Due() []string {
	now := m.clock()
	var ids []string
	for _, a := range m.actions {
		if a.Due(now) {
			ids = append(ids, a.ID)
		}
	}
	return ids
}

// Execute runs effect for the action and stamps its result. Failures of the
// effect are recorded on the action, not returned; the returned error only
// reports a missing or already executed action.
func (m *Monitor) Execute(ctx context.Context, id string, effect Effect) (contracts.ProactiveAction, error) {
	i, ok := m.index(id)
	if !ok {
		return contracts.ProactiveAction{}, ErrActionNotFound
	}
	if m.actions[i].Executed {
		return m.actions[i].Clone(), ErrAlreadyExecuted
	}

	err := safeEffect(ctx, effect, m.actions[i].Clone())

	// effect may have scheduled more actions; re-resolve the index.
	i, _ = m.index(id)
	result := &contracts.ActionResult{Success: err == nil, Timestamp: m.clock()}
	if err != nil {
		result.Error = err.Error()
		m.logger.Warn("proactive action failed",
			"action_id", id, "kind", m.actions[i].Kind, "user_id", m.actions[i].UserID, "error", err)
	}
	m.actions[i].Executed = true
	m.actions[i].Result = result
	return m.actions[i].Clone(), nil
}

func (m *Monitor) index(id string) (int, bool) {
	for i := range m.actions {
		if m.actions[i].ID == id {
			return i, true
		}
	}
	return -1, false
}

func safeEffect(ctx context.Context, effect Effect, a contracts.ProactiveAction) (err error) {
	if effect == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("effect panicked: %v", r)
		}
	}()
	return effect(ctx, a)
}
