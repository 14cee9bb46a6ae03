package scoring

import (
	"github.com/sentrasec/detection-engine/config"
	"github.com/sentrasec/detection-engine/domain/entity"
)

// RuleSet applies the deterministic boost rules to a feature vector. Rules
// fire on the extracted features, not on raw attributes, so one event always
// produces the same boosts.
type RuleSet struct {
	cfg config.ScoringConfig
}

// NewRuleSet builds the rule set from scoring configuration.
func NewRuleSet(cfg config.ScoringConfig) *RuleSet {
	return &RuleSet{cfg: cfg}
}

// Evaluate returns the total rule boost in [0,1] together with the
// per-rule contributions that fired.
func (r *RuleSet) Evaluate(vec entity.FeatureVector) (float64, []entity.FeatureContribution) {
	var contributions []entity.FeatureContribution
	total := 0.0

	if v := vec.Get("sql_keyword"); v >= 1 {
		total += r.cfg.SQLKeywordBoost
		contributions = append(contributions, entity.FeatureContribution{
			Name: "sql_keyword", Value: v, Contribution: r.cfg.SQLKeywordBoost,
		})
	}
	if v := vec.Get("payload_entropy"); v > r.cfg.EntropyThreshold {
		total += r.cfg.EntropyBoost
		contributions = append(contributions, entity.FeatureContribution{
			Name: "payload_entropy", Value: v, Contribution: r.cfg.EntropyBoost,
		})
	}
	if v := vec.Get("request_rate"); v > r.cfg.RequestRateThreshold {
		total += r.cfg.RequestRateBoost
		contributions = append(contributions, entity.FeatureContribution{
			Name: "request_rate", Value: v, Contribution: r.cfg.RequestRateBoost,
		})
	}

	if total > 1 {
		total = 1
	}
	return total, contributions
}
