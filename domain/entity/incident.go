package entity

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// IncidentStatus is the lifecycle state of an incident.
type IncidentStatus string

const (
	IncidentStatusOpen          IncidentStatus = "open"
	IncidentStatusAcknowledged  IncidentStatus = "acknowledged"
	IncidentStatusMitigated     IncidentStatus = "mitigated"
	IncidentStatusResolved      IncidentStatus = "resolved"
	IncidentStatusFalsePositive IncidentStatus = "false_positive"
)

// IsValid reports whether the status is a known lifecycle state.
func (s IncidentStatus) IsValid() bool {
	switch s {
	case IncidentStatusOpen, IncidentStatusAcknowledged, IncidentStatusMitigated,
		IncidentStatusResolved, IncidentStatusFalsePositive:
		return true
	}
	return false
}

// IsTerminal reports whether the incident can still change state.
func (s IncidentStatus) IsTerminal() bool {
	return s == IncidentStatusMitigated || s == IncidentStatusResolved || s == IncidentStatusFalsePositive
}

// IncidentSignature identifies the correlation bucket an incident groups:
// exact entity + event type within a sliding time bucket.
func IncidentSignature(entityID string, eventType EventType, bucketStart time.Time) string {
	return fmt.Sprintf("%s|%s|%d", entityID, eventType, bucketStart.Unix())
}

// Incident aggregates one or more scored events sharing a signature. The
// aggregate score is the max of constituent scores: a single high-confidence
// detection must not be diluted by earlier low scores.
type Incident struct {
	ID             uuid.UUID      `json:"id" db:"id"`
	EntityID       string         `json:"entity_id" db:"entity_id"`
	EventType      EventType      `json:"event_type" db:"event_type"`
	Signature      string         `json:"signature" db:"signature"`
	BucketStart    time.Time      `json:"bucket_start" db:"bucket_start"`
	Status         IncidentStatus `json:"status" db:"status"`
	AggregateScore float64        `json:"aggregate_score" db:"aggregate_score"`
	Severity       Severity       `json:"severity" db:"severity"`
	Scores         []Score        `json:"scores"`
	StatusActor    string         `json:"status_actor,omitempty" db:"status_actor"`
	StatusReason   string         `json:"status_reason,omitempty" db:"status_reason"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
	LastScoreAt    time.Time      `json:"last_score_at" db:"last_score_at"`
	UpdatedAt      time.Time      `json:"updated_at" db:"updated_at"`
	ClosedAt       *time.Time     `json:"closed_at,omitempty" db:"closed_at"`

	eventIDs map[uuid.UUID]struct{}
}

// NewIncident opens an incident seeded with its first score.
func NewIncident(score Score, bucketStart time.Time, thresholds SeverityThresholds) *Incident {
	now := time.Now().UTC()
	inc := &Incident{
		ID:             uuid.New(),
		EntityID:       score.EntityID,
		EventType:      score.EventType,
		Signature:      IncidentSignature(score.EntityID, score.EventType, bucketStart),
		BucketStart:    bucketStart,
		Status:         IncidentStatusOpen,
		AggregateScore: score.Value,
		Severity:       thresholds.For(score.Value),
		Scores:         []Score{score},
		CreatedAt:      now,
		LastScoreAt:    score.ComputedAt,
		UpdatedAt:      now,
		eventIDs:       map[uuid.UUID]struct{}{score.EventID: {}},
	}
	return inc
}

// Merge appends a matching score to an open incident. Duplicate delivery of
// the same event id is a no-op so correlation stays idempotent. The
// aggregate score is monotonically non-decreasing.
func (i *Incident) Merge(score Score, thresholds SeverityThresholds) bool {
	if i.eventIDs == nil {
		i.eventIDs = make(map[uuid.UUID]struct{}, len(i.Scores))
		for _, s := range i.Scores {
			i.eventIDs[s.EventID] = struct{}{}
		}
	}
	if _, dup := i.eventIDs[score.EventID]; dup {
		return false
	}
	i.eventIDs[score.EventID] = struct{}{}
	i.Scores = append(i.Scores, score)
	if score.Value > i.AggregateScore {
		i.AggregateScore = score.Value
		i.Severity = thresholds.For(score.Value)
	}
	if score.ComputedAt.After(i.LastScoreAt) {
		i.LastScoreAt = score.ComputedAt
	}
	i.UpdatedAt = time.Now().UTC()
	return true
}

// UpdateStatus applies an operator action. Terminal incidents reject further
// transitions.
func (i *Incident) UpdateStatus(status IncidentStatus, actor, reason string) error {
	if !status.IsValid() {
		return ErrInvalidInput("status")
	}
	if i.Status.IsTerminal() {
		return ErrInvariantViolation(fmt.Sprintf("incident %s is %s and cannot transition to %s", i.ID, i.Status, status))
	}
	i.Status = status
	i.StatusActor = actor
	i.StatusReason = reason
	now := time.Now().UTC()
	i.UpdatedAt = now
	if status.IsTerminal() {
		i.ClosedAt = &now
	}
	return nil
}

// EventCount returns the number of distinct constituent events.
func (i *Incident) EventCount() int {
	return len(i.Scores)
}
