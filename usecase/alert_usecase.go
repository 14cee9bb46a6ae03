package usecase

import (
	"context"

	"github.com/google/uuid"

	"github.com/sentrasec/detection-engine/domain/entity"
	"github.com/sentrasec/detection-engine/domain/repository"
	"github.com/sentrasec/detection-engine/domain/service"
)

// AlertUseCase exposes alert queries and the operator lifecycle. Transitions
// delegate to the dispatcher, which owns the state machine and publishes the
// matching notifications.
type AlertUseCase struct {
	alerts     repository.AlertRepository
	dispatcher service.AlertDispatcher
}

func NewAlertUseCase(alerts repository.AlertRepository, dispatcher service.AlertDispatcher) *AlertUseCase {
	return &AlertUseCase{alerts: alerts, dispatcher: dispatcher}
}

func (u *AlertUseCase) List(ctx context.Context, filter repository.AlertFilter) ([]*entity.Alert, error) {
	return u.alerts.List(ctx, filter)
}

func (u *AlertUseCase) Get(ctx context.Context, id uuid.UUID) (*entity.Alert, error) {
	return u.alerts.GetByID(ctx, id)
}

func (u *AlertUseCase) Acknowledge(ctx context.Context, id uuid.UUID, by string) (*entity.Alert, error) {
	if by == "" {
		return nil, entity.ErrInvalidInput("acknowledged_by")
	}
	return u.dispatcher.Acknowledge(ctx, id, by)
}

func (u *AlertUseCase) Dismiss(ctx context.Context, id uuid.UUID, reason string) (*entity.Alert, error) {
	return u.dispatcher.Dismiss(ctx, id, reason)
}

func (u *AlertUseCase) Escalate(ctx context.Context, id uuid.UUID, severity entity.Severity) (*entity.Alert, error) {
	if severity.Rank() == 0 {
		return nil, entity.ErrInvalidInput("severity")
	}
	return u.dispatcher.Escalate(ctx, id, severity)
}

func (u *AlertUseCase) Resolve(ctx context.Context, id uuid.UUID) (*entity.Alert, error) {
	return u.dispatcher.Resolve(ctx, id)
}
