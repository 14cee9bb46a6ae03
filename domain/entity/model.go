package entity

import (
	"time"
)

// ModelTypeThreatClassifier is the model type driving event scoring.
const ModelTypeThreatClassifier = "threat-classifier"

// CombinationWeights blends the three scoring terms. Part of the model
// state so retraining can adjust the blend.
type CombinationWeights struct {
	Classifier float64 `json:"classifier" msgpack:"c"`
	Anomaly    float64 `json:"anomaly" msgpack:"a"`
	Rules      float64 `json:"rules" msgpack:"r"`
}

// DefaultCombinationWeights is the documented blend used before any
// retraining has adjusted it.
func DefaultCombinationWeights() CombinationWeights {
	return CombinationWeights{Classifier: 0.5, Anomaly: 0.3, Rules: 0.2}
}

// ModelParameters are the trainable parameters of one model version:
// per-feature logistic weights plus bias, and the combination blend.
type ModelParameters struct {
	FeatureWeights []float64          `json:"feature_weights" msgpack:"w"`
	Bias           float64            `json:"bias" msgpack:"b"`
	Combination    CombinationWeights `json:"combination" msgpack:"k"`
}

// Clone returns a deep copy of the parameters.
func (p ModelParameters) Clone() ModelParameters {
	weights := make([]float64, len(p.FeatureWeights))
	copy(weights, p.FeatureWeights)
	return ModelParameters{
		FeatureWeights: weights,
		Bias:           p.Bias,
		Combination:    p.Combination,
	}
}

// ModelStatus is the learning lifecycle state of a model type.
type ModelStatus string

const (
	ModelStatusStable     ModelStatus = "stable"
	ModelStatusRetraining ModelStatus = "retraining"
	ModelStatusPromoted   ModelStatus = "promoted"
	ModelStatusRolledBack ModelStatus = "rolled_back"
)

// ModelState is one immutable version of a model's parameters. Exactly one
// version per model type is active at a time; prior versions are retained
// for rollback and are totally ordered by creation time.
type ModelState struct {
	ModelType        string          `json:"model_type" db:"model_type"`
	Version          string          `json:"version" db:"version"`
	Parameters       ModelParameters `json:"parameters"`
	PerformanceScore float64         `json:"performance_score" db:"performance_score"`
	LastTrainedAt    time.Time       `json:"last_trained_at" db:"last_trained_at"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
}

// Outcome is an observed labeled result used by the learning controller to
// evaluate and retrain the scoring model.
type Outcome struct {
	Vector     FeatureVector `json:"vector"`
	WasThreat  bool          `json:"was_threat"`
	ObservedAt time.Time     `json:"observed_at"`
}
