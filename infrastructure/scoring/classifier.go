// Package scoring implements the risk scoring engine: an online logistic
// classifier, deterministic rule boosts and baseline anomaly terms blended
// into one calibrated score per event.
package scoring

import (
	"math"
	"sync"

	"github.com/sentrasec/detection-engine/domain/entity"
	"github.com/sentrasec/detection-engine/domain/service"
)

// LogisticClassifier is an online logistic regression model over the fixed
// feature schema. Safe for concurrent use; Predict takes a read lock so the
// hot path never blocks on other readers.
type LogisticClassifier struct {
	mu      sync.RWMutex
	weights []float64
	bias    float64
	rate    float64
	samples int64
}

var _ service.Classifier = (*LogisticClassifier)(nil)

// NewLogisticClassifier creates an untrained classifier for the given
// schema width.
func NewLogisticClassifier(width int, learningRate float64) *LogisticClassifier {
	if learningRate <= 0 {
		learningRate = 0.05
	}
	return &LogisticClassifier{
		weights: make([]float64, width),
		rate:    learningRate,
	}
}

// NewLogisticClassifierFromParameters restores a classifier from persisted
// model parameters.
func NewLogisticClassifierFromParameters(params entity.ModelParameters, learningRate float64) *LogisticClassifier {
	c := NewLogisticClassifier(len(params.FeatureWeights), learningRate)
	copy(c.weights, params.FeatureWeights)
	c.bias = params.Bias
	c.samples = 1
	return c
}

// Predict returns the probability in [0,1] that the vector describes a
// threat. Fails with MODEL_UNAVAILABLE before the first training sample.
func (c *LogisticClassifier) Predict(vec entity.FeatureVector) (float64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.samples == 0 {
		return 0, entity.ErrModelUnavailable(entity.ModelTypeThreatClassifier)
	}
	return sigmoid(c.activation(vec)), nil
}

// Learn performs a single stochastic gradient step on a labeled vector.
func (c *LogisticClassifier) Learn(vec entity.FeatureVector, threat bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	target := 0.0
	if threat {
		target = 1.0
	}
	predicted := sigmoid(c.activation(vec))
	gradient := predicted - target

	for i := range c.weights {
		if i >= vec.Len() {
			break
		}
		c.weights[i] -= c.rate * gradient * squash(vec.Values[i])
	}
	c.bias -= c.rate * gradient
	c.samples++
}

// Parameters snapshots the current weights for persistence.
func (c *LogisticClassifier) Parameters() entity.ModelParameters {
	c.mu.RLock()
	defer c.mu.RUnlock()
	weights := make([]float64, len(c.weights))
	copy(weights, c.weights)
	return entity.ModelParameters{
		FeatureWeights: weights,
		Bias:           c.bias,
		Combination:    entity.DefaultCombinationWeights(),
	}
}

// Samples returns the number of training samples observed.
func (c *LogisticClassifier) Samples() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.samples
}

// activation computes w.x+b over squashed inputs. Caller holds the lock.
func (c *LogisticClassifier) activation(vec entity.FeatureVector) float64 {
	sum := c.bias
	for i, w := range c.weights {
		if i >= vec.Len() {
			break
		}
		sum += w * squash(vec.Values[i])
	}
	return sum
}

// predictWith evaluates persisted parameters directly, without a classifier
// instance. Used on the hot scoring path against the active model pointer.
func predictWith(params entity.ModelParameters, vec entity.FeatureVector) float64 {
	sum := params.Bias
	for i, w := range params.FeatureWeights {
		if i >= vec.Len() {
			break
		}
		sum += w * squash(vec.Values[i])
	}
	return sigmoid(sum)
}

// squash maps an unbounded feature into (-1,1) so dimensions with very
// different magnitudes (payload length vs. boolean flags) share a scale.
func squash(v float64) float64 {
	return v / (1 + math.Abs(v))
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
