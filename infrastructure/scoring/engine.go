package scoring

import (
	"context"
	"sort"
	"time"

	"github.com/sentrasec/detection-engine/config"
	"github.com/sentrasec/detection-engine/domain/entity"
	"github.com/sentrasec/detection-engine/domain/service"
	"github.com/sentrasec/detection-engine/pkg/logging"
)

// fallbackModelVersion marks scores produced while no trained model is
// active. The blend degrades to anomaly and rule terms only.
const fallbackModelVersion = "fallback"

// deviationCutoff is the z-score above which a single feature is reported
// as a deviation.
const deviationCutoff = 2.0

// Engine blends the classifier probability, the baseline anomaly term and
// the rule boosts into one score per event. The active model is read through
// an atomic provider so retraining never stalls scoring.
type Engine struct {
	provider service.ModelProvider
	rules    *RuleSet
	cfg      config.ScoringConfig
	logger   *logging.Logger
}

// NewEngine builds the scoring engine.
func NewEngine(provider service.ModelProvider, cfg config.ScoringConfig, logger *logging.Logger) *Engine {
	return &Engine{
		provider: provider,
		rules:    NewRuleSet(cfg),
		cfg:      cfg,
		logger:   logger.WithComponent("scoring"),
	}
}

// Score computes the calibrated risk score for one event. The result is
// always in [0,1]; when no trained model is active the classifier term is
// dropped and the remaining weights are renormalized so availability does
// not depend on training history.
func (e *Engine) Score(ctx context.Context, event *entity.Event, vec entity.FeatureVector, baseline *entity.Baseline) (*entity.Score, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	deviation := e.Deviation(vec, baseline)
	anomaly := deviation.DeviationScore
	rules, ruleContribs := e.rules.Evaluate(vec)

	var (
		value        float64
		version      string
		weights      entity.CombinationWeights
		contributors []entity.FeatureContribution
	)

	model, ok := e.provider.Active(entity.ModelTypeThreatClassifier)
	if ok {
		weights = model.Parameters.Combination
		classifier := predictWith(model.Parameters, vec)
		value = weights.Classifier*classifier + weights.Anomaly*anomaly + weights.Rules*rules
		version = model.Version
		contributors = topClassifierContributions(model.Parameters, vec, 3)
	} else {
		value = anomaly
		version = fallbackModelVersion
		weights = entity.DefaultCombinationWeights()
	}

	// Rule boosts floor the score. A known-bad signature must never score
	// low just because the model is untrained or stale.
	if rules > value {
		value = rules
	}

	for _, rc := range ruleContribs {
		rc.Contribution *= weights.Rules
		contributors = append(contributors, rc)
	}
	if anomaly > 0 {
		contributors = append(contributors, entity.FeatureContribution{
			Name:         "baseline_deviation",
			Value:        anomaly,
			Contribution: weights.Anomaly * anomaly,
		})
	}

	value = clamp01(value)
	severity := e.cfg.SeverityThresholds.For(value)

	e.logger.LogThreatDetection(event.EntityID, string(severity), value,
		logging.String("event_id", event.ID.String()),
		logging.String("event_type", string(event.Type)),
		logging.String("model_version", version),
	)

	return &entity.Score{
		EntityID:             event.EntityID,
		EventID:              event.ID,
		EventType:            event.Type,
		Value:                value,
		Severity:             severity,
		ContributingFeatures: contributors,
		ModelVersion:         version,
		ComputedAt:           time.Now().UTC(),
	}, nil
}

// Deviation computes the anomaly-only view of a vector against the entity's
// baseline. Cold-start baselines are damped through the confidence factor;
// a nil baseline yields a zero result rather than an error.
func (e *Engine) Deviation(vec entity.FeatureVector, baseline *entity.Baseline) *entity.BaselineDeviationResult {
	result := &entity.BaselineDeviationResult{
		ComputedAt: time.Now().UTC(),
	}
	if baseline == nil {
		return result
	}
	result.EntityID = baseline.EntityID
	result.Confidence = baseline.Confidence()
	if result.Confidence == 0 {
		return result
	}

	maxZ := 0.0
	for i, stat := range baseline.Stats {
		if i >= vec.Len() {
			break
		}
		std := stat.StdDev()
		if std == 0 {
			continue
		}
		z := (vec.Values[i] - stat.Mean) / std
		if z < 0 {
			z = -z
		}
		if z > maxZ {
			maxZ = z
		}
		if z > deviationCutoff {
			result.Deviations = append(result.Deviations, entity.BaselineDeviation{
				Feature:       vec.Names[i],
				Observed:      vec.Values[i],
				ExpectedMean:  stat.Mean,
				StdDeviations: z,
			})
		}
	}

	sort.Slice(result.Deviations, func(a, b int) bool {
		return result.Deviations[a].StdDeviations > result.Deviations[b].StdDeviations
	})

	zCap := e.cfg.AnomalyCap
	if zCap <= 0 {
		zCap = 4.0
	}
	result.DeviationScore = clamp01(maxZ/zCap) * result.Confidence
	result.IsAnomalous = result.DeviationScore >= e.cfg.DeviationThreshold
	return result
}

// topClassifierContributions explains which features drove the classifier
// term, by absolute weighted activation.
func topClassifierContributions(params entity.ModelParameters, vec entity.FeatureVector, n int) []entity.FeatureContribution {
	type weighted struct {
		idx   int
		value float64
	}
	candidates := make([]weighted, 0, len(params.FeatureWeights))
	for i, w := range params.FeatureWeights {
		if i >= vec.Len() {
			break
		}
		candidates = append(candidates, weighted{idx: i, value: w * squash(vec.Values[i])})
	}
	sort.Slice(candidates, func(a, b int) bool {
		return abs(candidates[a].value) > abs(candidates[b].value)
	})

	if n > len(candidates) {
		n = len(candidates)
	}
	contribs := make([]entity.FeatureContribution, 0, n)
	for _, c := range candidates[:n] {
		if c.value == 0 {
			continue
		}
		contribs = append(contribs, entity.FeatureContribution{
			Name:         vec.Names[c.idx],
			Value:        vec.Values[c.idx],
			Contribution: c.value,
		})
	}
	return contribs
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
