package learning

import (
	"context"
	"time"

	"github.com/sentrasec/detection-engine/domain/entity"
	"github.com/sentrasec/detection-engine/domain/service"
	"github.com/sentrasec/detection-engine/pkg/logging"
)

// Scheduler periodically asks the controller whether retraining is due and
// kicks it off. Policy (floors, ceilings, intervals) lives in the
// controller; the scheduler only owns the timer so the policy is testable
// without real time passing.
type Scheduler struct {
	controller service.LearningController
	modelTypes []string
	interval   time.Duration
	logger     *logging.Logger
}

// NewScheduler builds a scheduler for the given model types.
func NewScheduler(controller service.LearningController, modelTypes []string, interval time.Duration, logger *logging.Logger) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Scheduler{
		controller: controller,
		modelTypes: modelTypes,
		interval:   interval,
		logger:     logger.WithComponent("learning-scheduler"),
	}
}

// Run loops until the context ends. Retraining failures are logged and the
// loop continues; a broken cycle never takes down the engine.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one scheduling pass over all model types.
func (s *Scheduler) Tick(ctx context.Context) {
	for _, modelType := range s.modelTypes {
		required, reason, err := s.controller.IsRetrainingRequired(ctx, modelType)
		if err != nil {
			s.logger.Warn("retraining check failed",
				logging.String("model_type", modelType),
				logging.Error(err),
			)
			continue
		}
		if !required {
			continue
		}
		s.logger.Info("retraining triggered",
			logging.String("model_type", modelType),
			logging.String("reason", reason),
		)
		if _, err := s.controller.Retrain(ctx, modelType); err != nil {
			if entity.HasErrorCode(err, entity.ErrCodeInvalidInput) {
				// not enough labeled outcomes yet; normal on a fresh engine
				s.logger.Debug("retraining skipped",
					logging.String("model_type", modelType),
					logging.Error(err),
				)
				continue
			}
			s.logger.Error("retraining cycle failed",
				logging.String("model_type", modelType),
				logging.Error(err),
			)
		}
	}
}
