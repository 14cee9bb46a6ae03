package usecase

import (
	"context"

	"github.com/google/uuid"

	"github.com/sentrasec/detection-engine/domain/entity"
	"github.com/sentrasec/detection-engine/domain/repository"
	"github.com/sentrasec/detection-engine/domain/service"
	"github.com/sentrasec/detection-engine/pkg/logging"
)

// IncidentUseCase exposes incident queries and operator transitions. Open
// incidents live in the correlation engine; persisted history lives in the
// incident repository.
type IncidentUseCase struct {
	incidents  repository.IncidentRepository
	correlator service.CorrelationEngine
	logger     *logging.Logger
}

func NewIncidentUseCase(incidents repository.IncidentRepository, correlator service.CorrelationEngine, logger *logging.Logger) *IncidentUseCase {
	return &IncidentUseCase{
		incidents:  incidents,
		correlator: correlator,
		logger:     logger.WithComponent("incident_usecase"),
	}
}

// List returns persisted incidents matching the filter.
func (u *IncidentUseCase) List(ctx context.Context, filter repository.IncidentFilter) ([]*entity.Incident, error) {
	return u.incidents.List(ctx, filter)
}

// Active returns snapshots of every incident currently open in memory.
func (u *IncidentUseCase) Active() []*entity.Incident {
	return u.correlator.ActiveIncidents()
}

// Get returns one incident by id. Open incidents are served from memory so
// operators see scores that have not been flushed to storage yet.
func (u *IncidentUseCase) Get(ctx context.Context, id uuid.UUID) (*entity.Incident, error) {
	for _, incident := range u.correlator.ActiveIncidents() {
		if incident.ID == id {
			return incident, nil
		}
	}
	return u.incidents.GetByID(ctx, id)
}

// Correlate performs on-demand fuzzy matching around an open incident.
func (u *IncidentUseCase) Correlate(ctx context.Context, id uuid.UUID) ([]*entity.Incident, error) {
	return u.correlator.Correlate(ctx, id)
}

// UpdateStatus applies an operator transition. Open incidents go through the
// correlation engine so a terminal transition also closes the in-memory
// signature; incidents already swept to storage are updated in place.
func (u *IncidentUseCase) UpdateStatus(ctx context.Context, id uuid.UUID, status entity.IncidentStatus, actor, reason string) (*entity.Incident, error) {
	if !status.IsValid() {
		return nil, entity.ErrInvalidInput("status")
	}
	if actor == "" {
		return nil, entity.ErrInvalidInput("actor")
	}

	incident, err := u.correlator.UpdateStatus(ctx, id, status, actor, reason)
	if err == nil {
		return incident, nil
	}
	if !entity.HasErrorCode(err, entity.ErrCodeNotFound) {
		return nil, err
	}

	incident, err = u.incidents.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := incident.UpdateStatus(status, actor, reason); err != nil {
		return nil, err
	}
	if err := u.incidents.Update(ctx, incident); err != nil {
		return nil, err
	}

	u.logger.Info("incident status updated",
		logging.String("incident_id", id.String()),
		logging.String("status", string(status)),
		logging.String("actor", actor))
	return incident, nil
}
