// Package repository defines the persistence contracts consumed by the
// detection engine. Implementations live under infrastructure/database.
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/sentrasec/detection-engine/domain/entity"
)

// EventRepository stores raw events for a bounded replay window. Events are
// immutable; the store only appends and expires.
type EventRepository interface {
	Store(ctx context.Context, event *entity.Event) error
	GetByID(ctx context.Context, id uuid.UUID) (*entity.Event, error)
	ListByEntity(ctx context.Context, entityID string, since time.Time, limit int) ([]*entity.Event, error)
}

// IncidentFilter narrows incident listings.
type IncidentFilter struct {
	EntityID  string
	EventType entity.EventType
	Status    entity.IncidentStatus
	Since     time.Time
	Limit     int
}

// IncidentRepository persists correlated incidents.
type IncidentRepository interface {
	Create(ctx context.Context, incident *entity.Incident) error
	Update(ctx context.Context, incident *entity.Incident) error
	GetByID(ctx context.Context, id uuid.UUID) (*entity.Incident, error)
	List(ctx context.Context, filter IncidentFilter) ([]*entity.Incident, error)
}

// AlertFilter narrows alert listings.
type AlertFilter struct {
	IncidentID uuid.UUID
	Status     entity.AlertStatus
	Severity   entity.Severity
	Limit      int
}

// AlertRepository persists dispatched alerts.
type AlertRepository interface {
	Create(ctx context.Context, alert *entity.Alert) error
	Update(ctx context.Context, alert *entity.Alert) error
	GetByID(ctx context.Context, id uuid.UUID) (*entity.Alert, error)
	List(ctx context.Context, filter AlertFilter) ([]*entity.Alert, error)
	// GetOpenByIncident returns the single open alert linked to an incident,
	// or an entity.ErrCodeNotFound error when none exists.
	GetOpenByIncident(ctx context.Context, incidentID uuid.UUID) (*entity.Alert, error)
}

// ModelRepository owns versioned model persistence. Versioning and
// retention policy live here; rollback never deletes history.
type ModelRepository interface {
	Save(ctx context.Context, state *entity.ModelState) error
	Load(ctx context.Context, modelType, version string) (*entity.ModelState, error)
	ListVersions(ctx context.Context, modelType string) ([]*entity.ModelState, error)
	// ActiveVersion returns the version string currently marked active for
	// the model type, or an entity.ErrCodeNotFound error.
	ActiveVersion(ctx context.Context, modelType string) (string, error)
	SetActiveVersion(ctx context.Context, modelType, version string) error
}
