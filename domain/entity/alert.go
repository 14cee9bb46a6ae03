package entity

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AlertStatus is the operator-facing alert state.
type AlertStatus string

const (
	AlertStatusActive       AlertStatus = "active"
	AlertStatusAcknowledged AlertStatus = "acknowledged"
	AlertStatusDismissed    AlertStatus = "dismissed"
	AlertStatusEscalated    AlertStatus = "escalated"
	AlertStatusResolved     AlertStatus = "resolved"
)

// alertTransitions encodes the allowed state machine:
// Active -> {Acknowledged, Dismissed, Escalated, Resolved}
// Acknowledged -> {Dismissed, Escalated, Resolved}
// Escalated -> {Acknowledged, Dismissed, Resolved}
// Dismissed and Resolved are terminal.
var alertTransitions = map[AlertStatus]map[AlertStatus]bool{
	AlertStatusActive: {
		AlertStatusAcknowledged: true,
		AlertStatusDismissed:    true,
		AlertStatusEscalated:    true,
		AlertStatusResolved:     true,
	},
	AlertStatusAcknowledged: {
		AlertStatusDismissed: true,
		AlertStatusEscalated: true,
		AlertStatusResolved:  true,
	},
	AlertStatusEscalated: {
		AlertStatusAcknowledged: true,
		AlertStatusDismissed:    true,
		AlertStatusResolved:     true,
	},
}

// IsOpen reports whether the status is neither Dismissed nor Resolved.
func (s AlertStatus) IsOpen() bool {
	return s != AlertStatusDismissed && s != AlertStatusResolved
}

// Alert is the operator-facing notification derived from an incident
// crossing the alert threshold. At most one open alert exists per incident.
type Alert struct {
	ID                 uuid.UUID   `json:"id" db:"id"`
	IncidentID         uuid.UUID   `json:"incident_id" db:"incident_id"`
	Severity           Severity    `json:"severity" db:"severity"`
	Status             AlertStatus `json:"status" db:"status"`
	Title              string      `json:"title" db:"title"`
	RecommendedActions []string    `json:"recommended_actions"`
	AcknowledgedBy     string      `json:"acknowledged_by,omitempty" db:"acknowledged_by"`
	DismissReason      string      `json:"dismiss_reason,omitempty" db:"dismiss_reason"`
	CreatedAt          time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at" db:"updated_at"`
}

// NewAlert creates an active alert for an incident.
func NewAlert(incidentID uuid.UUID, severity Severity, title string, actions []string) *Alert {
	now := time.Now().UTC()
	return &Alert{
		ID:                 uuid.New(),
		IncidentID:         incidentID,
		Severity:           severity,
		Status:             AlertStatusActive,
		Title:              title,
		RecommendedActions: actions,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// IsOpen reports whether the alert still requires operator attention.
func (a *Alert) IsOpen() bool {
	return a.Status.IsOpen()
}

func (a *Alert) transition(to AlertStatus) error {
	allowed, ok := alertTransitions[a.Status]
	if !ok || !allowed[to] {
		return ErrInvariantViolation(fmt.Sprintf("alert %s cannot transition from %s to %s", a.ID, a.Status, to))
	}
	a.Status = to
	a.UpdatedAt = time.Now().UTC()
	return nil
}

// Acknowledge marks the alert as seen by an operator.
func (a *Alert) Acknowledge(by string) error {
	if by == "" {
		return ErrInvalidInput("acknowledged_by")
	}
	if err := a.transition(AlertStatusAcknowledged); err != nil {
		return err
	}
	a.AcknowledgedBy = by
	return nil
}

// Dismiss closes the alert with a mandatory reason.
func (a *Alert) Dismiss(reason string) error {
	if reason == "" {
		return ErrInvariantViolation("dismiss requires a non-empty reason")
	}
	if err := a.transition(AlertStatusDismissed); err != nil {
		return err
	}
	a.DismissReason = reason
	return nil
}

// Escalate raises the alert severity. The new severity must be strictly
// higher than the current one.
func (a *Alert) Escalate(severity Severity) error {
	if severity.Rank() <= a.Severity.Rank() {
		return ErrInvariantViolation(fmt.Sprintf(
			"escalation severity %s is not higher than current %s", severity, a.Severity))
	}
	if err := a.transition(AlertStatusEscalated); err != nil {
		return err
	}
	a.Severity = severity
	return nil
}

// Resolve closes the alert as handled.
func (a *Alert) Resolve() error {
	return a.transition(AlertStatusResolved)
}
