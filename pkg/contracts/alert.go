package contracts

import "time"

// AlertKind is the visual severity of an alert.
type AlertKind string

const (
	AlertInfo    AlertKind = "info"
	AlertWarning AlertKind = "warning"
	AlertDanger  AlertKind = "danger"
)

// Alert is a user-facing notice derived from insight rules.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Alert struct {
	ID                 string    `json:"id"`
	UserID             string    `json:"user_id,omitempty"`
	Kind               AlertKind `json:"kind"`
	Title              string    `json:"title"`
	Message            string    `json:"message"`
	Priority           Priority  `json:"priority"`
	Timestamp          time.Time `json:"timestamp"`
	Actions            []string  `json:"actions,omitempty"`
	Dismissible        bool      `json:"dismissible"`
	AutoDismissSeconds *int      `json:"auto_dismiss_seconds,omitempty"`
}

// Expired reports whether the alert's visibility window [t, t+s) has closed at now.
// Alerts without auto-dismiss never expire.
func (a Alert) Expired(now time.Time) bool {
	if a.AutoDismissSeconds == nil {
		return false
	}
	deadline := a.Timestamp.Add(time.Duration(*a.AutoDismissSeconds) * time.Second)
	return !now.Before(deadline)
}

// Clone returns a copy that shares no slices or pointers with a.
func (a Alert) Clone() Alert {
	c := a
	if a.Actions != nil {
		c.Actions = append([]string(nil), a.Actions...)
	}
	if a.AutoDismissSeconds != nil {
		s := *a.AutoDismissSeconds
		c.AutoDismissSeconds = &s
	}
	return c
}
