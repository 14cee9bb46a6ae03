package usecase

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/sentrasec/detection-engine/domain/entity"
	"github.com/sentrasec/detection-engine/domain/repository"
	"github.com/sentrasec/detection-engine/domain/service"
	"github.com/sentrasec/detection-engine/pkg/logging"
)

// ModelOverview is the operator view of one model type: lifecycle status,
// the active version and the retained history.
type ModelOverview struct {
	ModelType string               `json:"model_type"`
	Status    entity.ModelStatus   `json:"status"`
	Active    *entity.ModelState   `json:"active,omitempty"`
	Versions  []*entity.ModelState `json:"versions"`
}

// ModelUseCase exposes the learning lifecycle: status, manual retraining,
// rollback and labeled outcome recording.
type ModelUseCase struct {
	controller service.LearningController
	provider   service.ModelProvider
	models     repository.ModelRepository
	events     repository.EventRepository
	baselines  service.BaselineStore
	extractor  service.FeatureExtractor
	logger     *logging.Logger
}

func NewModelUseCase(
	controller service.LearningController,
	provider service.ModelProvider,
	models repository.ModelRepository,
	events repository.EventRepository,
	baselines service.BaselineStore,
	extractor service.FeatureExtractor,
	logger *logging.Logger,
) *ModelUseCase {
	return &ModelUseCase{
		controller: controller,
		provider:   provider,
		models:     models,
		events:     events,
		baselines:  baselines,
		extractor:  extractor,
		logger:     logger.WithComponent("model_usecase"),
	}
}

// Overview returns the lifecycle status, active version and retained history
// of one model type.
func (u *ModelUseCase) Overview(ctx context.Context, modelType string) (*ModelOverview, error) {
	if modelType == "" {
		return nil, entity.ErrInvalidInput("model_type")
	}

	versions, err := u.models.ListVersions(ctx, modelType)
	if err != nil {
		return nil, err
	}

	overview := &ModelOverview{
		ModelType: modelType,
		Status:    u.controller.Status(modelType),
		Versions:  versions,
	}
	if active, ok := u.provider.Active(modelType); ok {
		overview.Active = active
	}
	return overview, nil
}

// Retrain triggers an immediate retrain cycle regardless of the scheduled
// triggers.
func (u *ModelUseCase) Retrain(ctx context.Context, modelType string) (*entity.ModelState, error) {
	if modelType == "" {
		return nil, entity.ErrInvalidInput("model_type")
	}
	return u.controller.Retrain(ctx, modelType)
}

// Rollback activates a retained prior version.
func (u *ModelUseCase) Rollback(ctx context.Context, modelType, version string) (*entity.ModelState, error) {
	if modelType == "" {
		return nil, entity.ErrInvalidInput("model_type")
	}
	if version == "" {
		return nil, entity.ErrInvalidInput("version")
	}
	return u.controller.Rollback(ctx, modelType, version)
}

// RecordOutcome labels a previously analyzed event as threat or benign. The
// event is re-featurized against the entity's current baseline and queued
// for the next retrain cycle.
func (u *ModelUseCase) RecordOutcome(ctx context.Context, eventID uuid.UUID, wasThreat bool) error {
	if u.events == nil {
		return entity.NewAppError(entity.ErrCodeInvalidInput, "event replay storage is disabled")
	}

	event, err := u.events.GetByID(ctx, eventID)
	if err != nil {
		return err
	}

	vec := u.extractor.Extract(event, u.baselines.Get(event.EntityID))
	u.controller.RecordOutcome(entity.Outcome{
		Vector:     vec,
		WasThreat:  wasThreat,
		ObservedAt: time.Now().UTC(),
	})

	u.logger.Debug("outcome recorded",
		logging.String("event_id", eventID.String()),
		logging.Bool("was_threat", wasThreat))
	return nil
}
