package entity

import (
	"math"
	"time"
)

// FeatureStat holds the exponentially-weighted running statistics of a
// single feature dimension.
type FeatureStat struct {
	Mean     float64 `json:"mean" msgpack:"m"`
	Variance float64 `json:"variance" msgpack:"v"`
}

// StdDev returns the standard deviation of the dimension.
func (s FeatureStat) StdDev() float64 {
	if s.Variance <= 0 {
		return 0
	}
	return math.Sqrt(s.Variance)
}

// Baseline is the rolling per-entity statistical profile of normal behavior:
// EW mean/variance per feature plus the sets of categorical values (e.g.
// countries, devices) that have been seen before. Created lazily on first
// sighting with wide variance so early anomaly terms are damped.
type Baseline struct {
	EntityID     string                         `json:"entity_id" msgpack:"e"`
	Stats        []FeatureStat                  `json:"stats" msgpack:"s"`
	KnownValues  map[string]map[string]struct{} `json:"known_values" msgpack:"k"`
	Observations int64                          `json:"observations" msgpack:"n"`
	CreatedAt    time.Time                      `json:"created_at" msgpack:"c"`
	UpdatedAt    time.Time                      `json:"updated_at" msgpack:"u"`
}

// ColdStartVariance is the variance assigned to every dimension of a fresh
// baseline. Wide on purpose: a new entity must not look anomalous on its
// first events.
const ColdStartVariance = 25.0

// ConfidenceObservations is the observation count at which a baseline is
// considered fully established.
const ConfidenceObservations = 50

// NewBaseline creates a cold-start baseline for an entity across the given
// feature schema width.
func NewBaseline(entityID string, width int) *Baseline {
	stats := make([]FeatureStat, width)
	for i := range stats {
		stats[i] = FeatureStat{Mean: 0, Variance: ColdStartVariance}
	}
	now := time.Now().UTC()
	return &Baseline{
		EntityID:    entityID,
		Stats:       stats,
		KnownValues: make(map[string]map[string]struct{}),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Confidence returns how established the baseline is, in [0,1]. Anomaly
// terms are scaled by this so cold-start entities are damped rather than
// amplified.
func (b *Baseline) Confidence() float64 {
	if b == nil || b.Observations <= 0 {
		return 0
	}
	c := float64(b.Observations) / float64(ConfidenceObservations)
	if c > 1 {
		c = 1
	}
	return c
}

// Knows reports whether a categorical value has been seen for a category.
func (b *Baseline) Knows(category, value string) bool {
	if b == nil {
		return false
	}
	values, ok := b.KnownValues[category]
	if !ok {
		return false
	}
	_, seen := values[value]
	return seen
}

// Remember records a categorical value sighting.
func (b *Baseline) Remember(category, value string) {
	if value == "" || value == "unknown" {
		return
	}
	values, ok := b.KnownValues[category]
	if !ok {
		values = make(map[string]struct{})
		b.KnownValues[category] = values
	}
	values[value] = struct{}{}
}

// Clone returns a deep copy used as an immutable snapshot for one pipeline
// invocation.
func (b *Baseline) Clone() *Baseline {
	if b == nil {
		return nil
	}
	clone := &Baseline{
		EntityID:     b.EntityID,
		Stats:        make([]FeatureStat, len(b.Stats)),
		KnownValues:  make(map[string]map[string]struct{}, len(b.KnownValues)),
		Observations: b.Observations,
		CreatedAt:    b.CreatedAt,
		UpdatedAt:    b.UpdatedAt,
	}
	copy(clone.Stats, b.Stats)
	for category, values := range b.KnownValues {
		set := make(map[string]struct{}, len(values))
		for v := range values {
			set[v] = struct{}{}
		}
		clone.KnownValues[category] = set
	}
	return clone
}
