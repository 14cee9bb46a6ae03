// Package learning drives the continuous model lifecycle: outcome
// collection, retraining triggers, evaluation-gated promotion and rollback
// to retained versions.
package learning

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sentrasec/detection-engine/config"
	"github.com/sentrasec/detection-engine/domain/entity"
	"github.com/sentrasec/detection-engine/domain/repository"
	"github.com/sentrasec/detection-engine/domain/service"
	"github.com/sentrasec/detection-engine/infrastructure/scoring"
	"github.com/sentrasec/detection-engine/pkg/logging"
	"github.com/sentrasec/detection-engine/pkg/metrics"
)

// Notification topics.
const (
	TopicModelPromoted     = "model.promoted"
	TopicModelRollbackFlag = "model.rollback_flag"
	TopicModelRolledBack   = "model.rolled_back"
	TopicRetrainFailed     = "model.retrain_failed"
)

// ModelNotification is the payload published on model lifecycle changes.
type ModelNotification struct {
	ModelType           string  `json:"model_type"`
	Version             string  `json:"version"`
	PreviousVersion     string  `json:"previous_version,omitempty"`
	PerformanceScore    float64 `json:"performance_score"`
	PreviousPerformance float64 `json:"previous_performance,omitempty"`
	Reason              string  `json:"reason,omitempty"`
}

// Controller owns the model lifecycle per model type. It also serves as the
// scoring path's model provider: the active pointer is swapped under a
// write lock held only for the assignment, so readers never wait on a
// retraining cycle.
type Controller struct {
	models    repository.ModelRepository
	publisher service.NotificationPublisher
	cfg       config.LearningConfig
	schema    []string
	metrics   *metrics.Collector
	logger    *logging.Logger
	now       func() time.Time

	// newClassifier builds the candidate model for a retraining cycle;
	// swappable so the model family is not baked into the lifecycle.
	newClassifier func(width int) service.Classifier

	activeMu sync.RWMutex
	active   map[string]*entity.ModelState

	stateMu sync.Mutex
	status  map[string]entity.ModelStatus

	outcomeMu sync.Mutex
	outcomes  []entity.Outcome
}

var _ service.LearningController = (*Controller)(nil)
var _ service.ModelProvider = (*Controller)(nil)

// NewController builds the learning controller over the given feature
// schema.
func NewController(models repository.ModelRepository, publisher service.NotificationPublisher, cfg config.LearningConfig, schema []string, collector *metrics.Collector, logger *logging.Logger) *Controller {
	return &Controller{
		models:    models,
		publisher: publisher,
		cfg:       cfg,
		schema:    schema,
		metrics:   collector,
		logger:    logger.WithComponent("learning"),
		now:       func() time.Time { return time.Now().UTC() },
		newClassifier: func(width int) service.Classifier {
			return scoring.NewLogisticClassifier(width, cfg.LearningRate)
		},
		active: make(map[string]*entity.ModelState),
		status: make(map[string]entity.ModelStatus),
	}
}

// Active returns the serving model for a type. Read-mostly; never blocks on
// retraining.
func (c *Controller) Active(modelType string) (*entity.ModelState, bool) {
	c.activeMu.RLock()
	defer c.activeMu.RUnlock()
	state, ok := c.active[modelType]
	return state, ok
}

// Status returns the lifecycle status for a model type.
func (c *Controller) Status(modelType string) entity.ModelStatus {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if s, ok := c.status[modelType]; ok {
		return s
	}
	return entity.ModelStatusStable
}

// RecordOutcome buffers a labeled outcome for the next retraining cycle.
// The buffer is bounded; the oldest outcomes are discarded first.
func (c *Controller) RecordOutcome(outcome entity.Outcome) {
	c.outcomeMu.Lock()
	defer c.outcomeMu.Unlock()
	c.outcomes = append(c.outcomes, outcome)
	if max := c.cfg.MaxOutcomes; max > 0 && len(c.outcomes) > max {
		c.outcomes = c.outcomes[len(c.outcomes)-max:]
	}
}

// IsRetrainingRequired evaluates the two independent triggers: measured
// performance below the floor, or staleness beyond the ceiling. Returns the
// trigger reason for operator visibility.
func (c *Controller) IsRetrainingRequired(ctx context.Context, modelType string) (bool, string, error) {
	if err := ctx.Err(); err != nil {
		return false, "", err
	}

	state, ok := c.Active(modelType)
	if !ok {
		return true, "no active model", nil
	}
	if state.PerformanceScore < c.cfg.PerformanceFloor {
		return true, fmt.Sprintf("performance %.3f below floor %.3f", state.PerformanceScore, c.cfg.PerformanceFloor), nil
	}
	if age := c.now().Sub(state.LastTrainedAt); age > c.cfg.StalenessCeiling {
		return true, fmt.Sprintf("model age %s beyond ceiling %s", age.Round(time.Second), c.cfg.StalenessCeiling), nil
	}
	return false, "", nil
}

// Retrain trains a candidate from buffered outcomes, evaluates it and
// promotes it with an atomic pointer swap. Scoring keeps serving the old
// version until the swap. A post-promotion performance drop beyond the
// configured margin flags the version for rollback via notification;
// reversion itself requires an explicit Rollback call so the controller
// cannot oscillate on noisy evaluations.
func (c *Controller) Retrain(ctx context.Context, modelType string) (*entity.ModelState, error) {
	if err := c.beginRetraining(modelType); err != nil {
		return nil, err
	}

	state, err := c.retrain(ctx, modelType)
	if err != nil {
		c.setStatus(modelType, entity.ModelStatusStable)
		c.metrics.RecordRetrainCycle(modelType, "failed")
		c.logger.Error("retraining failed", logging.String("model_type", modelType), logging.Error(err))
		c.publish(ctx, TopicRetrainFailed, ModelNotification{ModelType: modelType, Reason: err.Error()})
		return nil, err
	}
	return state, nil
}

func (c *Controller) beginRetraining(modelType string) error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.status[modelType] == entity.ModelStatusRetraining {
		return entity.ErrInvariantViolation(fmt.Sprintf("model type %s is already retraining", modelType))
	}
	c.status[modelType] = entity.ModelStatusRetraining
	return nil
}

func (c *Controller) setStatus(modelType string, status entity.ModelStatus) {
	c.stateMu.Lock()
	c.status[modelType] = status
	c.stateMu.Unlock()
}

func (c *Controller) retrain(ctx context.Context, modelType string) (*entity.ModelState, error) {
	outcomes := c.snapshotOutcomes()
	if len(outcomes) < c.cfg.EvaluationMinimum {
		return nil, entity.NewAppError(entity.ErrCodeInvalidInput,
			fmt.Sprintf("need at least %d labeled outcomes, have %d", c.cfg.EvaluationMinimum, len(outcomes)))
	}

	previous, hadPrevious := c.Active(modelType)

	classifier := c.newClassifier(len(c.schema))
	epochs := c.cfg.TrainingEpochs
	if epochs <= 0 {
		epochs = 1
	}
	for epoch := 0; epoch < epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, o := range outcomes {
			classifier.Learn(o.Vector, o.WasThreat)
		}
	}

	params := classifier.Parameters()
	if hadPrevious {
		params.Combination = previous.Parameters.Combination
	}
	performance, err := evaluate(params, outcomes)
	if err != nil {
		return nil, err
	}

	now := c.now()
	candidate := &entity.ModelState{
		ModelType:        modelType,
		Version:          fmt.Sprintf("v-%s-%s", now.Format("20060102T150405"), uuid.NewString()[:8]),
		Parameters:       params,
		PerformanceScore: performance,
		LastTrainedAt:    now,
		CreatedAt:        now,
	}

	if err := c.models.Save(ctx, candidate); err != nil {
		return nil, entity.ErrTransientStore("model save", err)
	}
	if err := c.models.SetActiveVersion(ctx, modelType, candidate.Version); err != nil {
		return nil, entity.ErrTransientStore("set active version", err)
	}

	c.swapActive(modelType, candidate)
	c.setStatus(modelType, entity.ModelStatusPromoted)
	c.metrics.RecordRetrainCycle(modelType, "promoted")

	notification := ModelNotification{
		ModelType:        modelType,
		Version:          candidate.Version,
		PerformanceScore: performance,
	}
	if hadPrevious {
		notification.PreviousVersion = previous.Version
		notification.PreviousPerformance = previous.PerformanceScore
	}
	c.publish(ctx, TopicModelPromoted, notification)

	if hadPrevious && performance < previous.PerformanceScore*(1-c.cfg.RollbackMargin) {
		notification.Reason = fmt.Sprintf("performance dropped from %.3f to %.3f", previous.PerformanceScore, performance)
		c.metrics.RecordRetrainCycle(modelType, "rollback_flagged")
		c.logger.Warn("promoted model flagged for rollback",
			logging.String("model_type", modelType),
			logging.String("version", candidate.Version),
			logging.Float64("performance", performance),
			logging.Float64("previous_performance", previous.PerformanceScore),
		)
		c.publish(ctx, TopicModelRollbackFlag, notification)
	}

	c.logger.Info("model promoted",
		logging.String("model_type", modelType),
		logging.String("version", candidate.Version),
		logging.Float64("performance", performance),
		logging.Int("outcomes", len(outcomes)),
	)
	return candidate, nil
}

// Rollback restores a retained prior version as the active model. The
// requested version's parameters are restored as-is; history is never
// deleted.
func (c *Controller) Rollback(ctx context.Context, modelType, version string) (*entity.ModelState, error) {
	state, err := c.models.Load(ctx, modelType, version)
	if err != nil {
		return nil, err
	}
	if err := c.models.SetActiveVersion(ctx, modelType, version); err != nil {
		return nil, entity.ErrTransientStore("set active version", err)
	}

	c.swapActive(modelType, state)
	c.setStatus(modelType, entity.ModelStatusRolledBack)
	c.metrics.RecordRetrainCycle(modelType, "rolled_back")
	c.logger.Info("model rolled back",
		logging.String("model_type", modelType),
		logging.String("version", version),
	)
	c.publish(ctx, TopicModelRolledBack, ModelNotification{
		ModelType:        modelType,
		Version:          version,
		PerformanceScore: state.PerformanceScore,
	})
	return state, nil
}

// RestoreActive seeds the in-memory pointer from persisted state, for warm
// restarts. Missing persisted state is not an error; the engine starts in
// the rule-based fallback mode.
func (c *Controller) RestoreActive(ctx context.Context, modelType string) error {
	version, err := c.models.ActiveVersion(ctx, modelType)
	if err != nil {
		if entity.HasErrorCode(err, entity.ErrCodeNotFound) {
			return nil
		}
		return err
	}
	state, err := c.models.Load(ctx, modelType, version)
	if err != nil {
		return err
	}
	c.swapActive(modelType, state)
	c.logger.Info("active model restored",
		logging.String("model_type", modelType),
		logging.String("version", version),
	)
	return nil
}

func (c *Controller) swapActive(modelType string, state *entity.ModelState) {
	c.activeMu.Lock()
	c.active[modelType] = state
	c.activeMu.Unlock()
}

func (c *Controller) snapshotOutcomes() []entity.Outcome {
	c.outcomeMu.Lock()
	defer c.outcomeMu.Unlock()
	out := make([]entity.Outcome, len(c.outcomes))
	copy(out, c.outcomes)
	return out
}

func (c *Controller) publish(ctx context.Context, topic string, payload ModelNotification) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.Publish(ctx, topic, payload); err != nil {
		c.metrics.RecordNotificationFailure(topic)
		c.logger.Warn("model notification publish failed",
			logging.String("topic", topic),
			logging.Error(err),
		)
	}
}

// evaluate measures classification accuracy of parameters over labeled
// outcomes at a 0.5 decision boundary.
func evaluate(params entity.ModelParameters, outcomes []entity.Outcome) (float64, error) {
	if len(outcomes) == 0 {
		return 0, entity.NewAppError(entity.ErrCodeInvalidInput, "no outcomes to evaluate")
	}
	classifier := scoring.NewLogisticClassifierFromParameters(params, 0)
	correct := 0
	for _, o := range outcomes {
		p, err := classifier.Predict(o.Vector)
		if err != nil {
			return 0, err
		}
		if (p >= 0.5) == o.WasThreat {
			correct++
		}
	}
	return float64(correct) / float64(len(outcomes)), nil
}
