// Package service declares the component contracts of the detection
// pipeline: feature extraction, scoring, baselines, correlation, alert
// dispatch and continuous learning. Implementations live under
// infrastructure; the usecase layer composes them.
package service

import (
	"context"

	"github.com/google/uuid"

	"github.com/sentrasec/detection-engine/domain/entity"
)

// FeatureExtractor normalizes a raw event into a fixed-width feature
// vector. Pure and deterministic given the same event and baseline
// snapshot; malformed attributes map to sentinels instead of failing.
type FeatureExtractor interface {
	Extract(event *entity.Event, baseline *entity.Baseline) entity.FeatureVector
	Schema() []string
}

// Classifier is the pluggable supervised model trained by the learning
// controller; its snapshotted parameters feed the scoring engine through
// the active ModelState.
type Classifier interface {
	// Predict returns a probability in [0,1] that the vector is a threat.
	// Returns an entity.ErrCodeModelUnavailable error before first training.
	Predict(vec entity.FeatureVector) (float64, error)
	// Learn performs one online update from a labeled vector.
	Learn(vec entity.FeatureVector, threat bool)
	// Parameters snapshots the trained weights for persistence in a
	// ModelState.
	Parameters() entity.ModelParameters
}

// ScoringEngine produces a calibrated risk score for one event.
type ScoringEngine interface {
	Score(ctx context.Context, event *entity.Event, vec entity.FeatureVector, baseline *entity.Baseline) (*entity.Score, error)
	// Deviation computes the anomaly-only view used by behavior analysis.
	Deviation(vec entity.FeatureVector, baseline *entity.Baseline) *entity.BaselineDeviationResult
}

// BaselineStore owns the per-entity behavior profiles. Updates for a single
// entity are serialized; all feature dimensions of one update are applied
// atomically.
type BaselineStore interface {
	Update(entityID string, event *entity.Event, vec entity.FeatureVector)
	Get(entityID string) *entity.Baseline
	Reset(entityID string)
}

// CorrelationEngine groups scores into incidents and deduplicates alerts
// within a time window.
type CorrelationEngine interface {
	// Ingest merges the score into the matching open incident or opens a
	// new one. Idempotent on duplicate score delivery.
	Ingest(ctx context.Context, score entity.Score) (*entity.Incident, error)
	// Correlate performs on-demand fuzzy matching around an incident. Never
	// invoked automatically by the pipeline.
	Correlate(ctx context.Context, incidentID uuid.UUID) ([]*entity.Incident, error)
	// UpdateStatus applies an operator transition to an open incident.
	UpdateStatus(ctx context.Context, incidentID uuid.UUID, status entity.IncidentStatus, actor, reason string) (*entity.Incident, error)
	ActiveIncidents() []*entity.Incident
}

// AlertDispatcher turns qualifying incidents into alerts and owns the alert
// state machine. Every transition publishes a notification; publish failure
// never rolls back the transition.
type AlertDispatcher interface {
	Dispatch(ctx context.Context, incident *entity.Incident) (*entity.Alert, error)
	Acknowledge(ctx context.Context, alertID uuid.UUID, by string) (*entity.Alert, error)
	Dismiss(ctx context.Context, alertID uuid.UUID, reason string) (*entity.Alert, error)
	Escalate(ctx context.Context, alertID uuid.UUID, severity entity.Severity) (*entity.Alert, error)
	Resolve(ctx context.Context, alertID uuid.UUID) (*entity.Alert, error)
}

// NotificationPublisher is the transport collaborator boundary. Delivery
// guarantees and fan-out are the transport's responsibility.
type NotificationPublisher interface {
	Publish(ctx context.Context, topic string, payload interface{}) error
}

// ModelProvider exposes the read-mostly active model pointer to the scoring
// path. Swaps are atomic; readers never block on retraining.
type ModelProvider interface {
	Active(modelType string) (*entity.ModelState, bool)
}

// LearningController schedules retraining, gates promotion on evaluation
// and supports rollback to retained versions.
type LearningController interface {
	IsRetrainingRequired(ctx context.Context, modelType string) (bool, string, error)
	Retrain(ctx context.Context, modelType string) (*entity.ModelState, error)
	Rollback(ctx context.Context, modelType, version string) (*entity.ModelState, error)
	RecordOutcome(outcome entity.Outcome)
	Status(modelType string) entity.ModelStatus
}
