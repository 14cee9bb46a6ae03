// Package usecase composes the detection pipeline components into the
// operations exposed by the delivery layer and the ingestion consumer.
package usecase

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sentrasec/detection-engine/config"
	"github.com/sentrasec/detection-engine/domain/entity"
	"github.com/sentrasec/detection-engine/domain/repository"
	"github.com/sentrasec/detection-engine/domain/service"
	"github.com/sentrasec/detection-engine/pkg/logging"
	"github.com/sentrasec/detection-engine/pkg/metrics"
)

// DetectionUseCase runs the full analysis pipeline for incoming events:
// feature extraction, scoring, baseline learning, incident correlation and
// alert dispatch. Analysis of events for the same entity is serialized so
// each score is computed against a consistent baseline snapshot.
type DetectionUseCase struct {
	cfg        config.PipelineConfig
	events     repository.EventRepository
	extractor  service.FeatureExtractor
	scorer     service.ScoringEngine
	baselines  service.BaselineStore
	correlator service.CorrelationEngine
	dispatcher service.AlertDispatcher
	metrics    *metrics.Collector
	logger     *logging.Logger

	entityLocks []sync.Mutex
}

// NewDetectionUseCase wires the pipeline. The event repository may be nil
// when replay storage is disabled; everything else is required.
func NewDetectionUseCase(
	cfg config.PipelineConfig,
	events repository.EventRepository,
	extractor service.FeatureExtractor,
	scorer service.ScoringEngine,
	baselines service.BaselineStore,
	correlator service.CorrelationEngine,
	dispatcher service.AlertDispatcher,
	collector *metrics.Collector,
	logger *logging.Logger,
) *DetectionUseCase {
	shards := cfg.EntityShards
	if shards <= 0 {
		shards = 64
	}
	return &DetectionUseCase{
		cfg:         cfg,
		events:      events,
		extractor:   extractor,
		scorer:      scorer,
		baselines:   baselines,
		correlator:  correlator,
		dispatcher:  dispatcher,
		metrics:     collector,
		logger:      logger.WithComponent("detection_usecase"),
		entityLocks: make([]sync.Mutex, shards),
	}
}

// AnalyzeEvent runs one event through the pipeline and returns the score
// together with the incident and alert it produced, if any.
//
// Ordering matters: scoring and correlation are the cancellable steps, so
// both run before the baseline absorbs the event. Once the baseline update
// starts nothing can fail, which keeps baseline and incident state applied
// together or not at all.
func (u *DetectionUseCase) AnalyzeEvent(ctx context.Context, event *entity.Event) (*entity.ThreatAnalysisResult, error) {
	start := time.Now()

	if event == nil {
		return nil, entity.ErrInvalidInput("event")
	}
	if err := event.Validate(); err != nil {
		u.metrics.RecordEventAnalyzed(string(event.Type), "invalid", time.Since(start))
		return nil, err
	}

	if u.cfg.AnalysisTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.cfg.AnalysisTimeout)
		defer cancel()
	}

	u.storeEvent(ctx, event)

	mu := u.lockFor(event.EntityID)
	mu.Lock()

	baseline := u.baselines.Get(event.EntityID)
	vec := u.extractor.Extract(event, baseline)

	score, err := u.scorer.Score(ctx, event, vec, baseline)
	if err != nil {
		mu.Unlock()
		u.metrics.RecordEventAnalyzed(string(event.Type), "failed", time.Since(start))
		return nil, err
	}

	incident, err := u.correlator.Ingest(ctx, *score)
	if err != nil {
		mu.Unlock()
		u.metrics.RecordEventAnalyzed(string(event.Type), "failed", time.Since(start))
		return nil, err
	}

	u.baselines.Update(event.EntityID, event, vec)
	mu.Unlock()

	u.metrics.RecordScore(string(score.Severity))

	result := &entity.ThreatAnalysisResult{Score: score, Incident: incident}
	if incident != nil {
		alert, err := u.dispatcher.Dispatch(ctx, incident)
		if err != nil {
			// Scoring, baseline and incident state are already applied and
			// stay applied. The alert is retried on the incident's next score.
			u.logger.Error("alert dispatch failed",
				logging.String("entity_id", event.EntityID),
				logging.String("incident_id", incident.ID.String()),
				logging.Error(err))
			u.metrics.RecordEventAnalyzed(string(event.Type), "alert_failed", time.Since(start))
			return result, err
		}
		result.Alert = alert
	}

	u.metrics.RecordEventAnalyzed(string(event.Type), "processed", time.Since(start))
	return result, nil
}

// AnalyzeBehavior computes the anomaly-only view of an event against the
// entity's learned baseline. Read-only: the baseline does not absorb the
// event and no incident or alert is produced.
func (u *DetectionUseCase) AnalyzeBehavior(ctx context.Context, event *entity.Event) (*entity.BaselineDeviationResult, error) {
	if event == nil {
		return nil, entity.ErrInvalidInput("event")
	}
	if err := event.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	baseline := u.baselines.Get(event.EntityID)
	vec := u.extractor.Extract(event, baseline)
	return u.scorer.Deviation(vec, baseline), nil
}

// BatchItem is the per-event outcome of a batch analysis. Exactly one of
// Result and Error is set.
type BatchItem struct {
	Result *entity.ThreatAnalysisResult `json:"result,omitempty"`
	Error  string                       `json:"error,omitempty"`
}

// AnalyzeBatch analyzes a slice of events concurrently, bounded by the
// configured concurrency. Item failures are reported per slot rather than
// failing the batch; the returned error reflects context cancellation only.
func (u *DetectionUseCase) AnalyzeBatch(ctx context.Context, events []*entity.Event) ([]BatchItem, error) {
	if len(events) == 0 {
		return nil, entity.ErrInvalidInput("events")
	}

	items := make([]BatchItem, len(events))

	g, gctx := errgroup.WithContext(ctx)
	limit := u.cfg.BatchConcurrency
	if limit <= 0 {
		limit = 4
	}
	g.SetLimit(limit)

	for i, ev := range events {
		i, ev := i, ev
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			result, err := u.AnalyzeEvent(gctx, ev)
			if err != nil {
				items[i] = BatchItem{Result: result, Error: err.Error()}
				return nil
			}
			items[i] = BatchItem{Result: result}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return items, nil
}

// ResetBaseline discards the learned profile of one entity. The next event
// restarts cold-start learning.
func (u *DetectionUseCase) ResetBaseline(ctx context.Context, entityID string) error {
	if entityID == "" {
		return entity.ErrInvalidInput("entity_id")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	mu := u.lockFor(entityID)
	mu.Lock()
	u.baselines.Reset(entityID)
	mu.Unlock()

	u.logger.Info("baseline reset", logging.String("entity_id", entityID))
	return nil
}

// GetBaseline returns a snapshot of the entity's learned profile, or a
// not-found error when the entity has never been observed.
func (u *DetectionUseCase) GetBaseline(ctx context.Context, entityID string) (*entity.Baseline, error) {
	if entityID == "" {
		return nil, entity.ErrInvalidInput("entity_id")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	baseline := u.baselines.Get(entityID)
	if baseline == nil {
		return nil, entity.ErrNotFound("baseline")
	}
	return baseline, nil
}

// storeEvent appends the event to replay storage. Storage is best-effort:
// a failing event store degrades replay, not detection.
func (u *DetectionUseCase) storeEvent(ctx context.Context, event *entity.Event) {
	if u.events == nil {
		return
	}
	if err := u.events.Store(ctx, event); err != nil {
		u.logger.Warn("event store failed, continuing analysis",
			logging.String("entity_id", event.EntityID),
			logging.String("event_id", event.ID.String()),
			logging.Error(err))
	}
}

func (u *DetectionUseCase) lockFor(entityID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(entityID))
	return &u.entityLocks[int(h.Sum32())%len(u.entityLocks)]
}
