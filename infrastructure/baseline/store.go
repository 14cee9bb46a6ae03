// Package baseline maintains the per-entity behavioral profiles behind the
// anomaly term: exponentially-weighted statistics per feature dimension plus
// the categorical values seen before.
package baseline

import (
	"hash/fnv"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sentrasec/detection-engine/domain/entity"
	"github.com/sentrasec/detection-engine/infrastructure/feature"
	"github.com/sentrasec/detection-engine/pkg/logging"
	"github.com/sentrasec/detection-engine/pkg/metrics"
)

// minAlpha keeps back-to-back events moving the statistics even when almost
// no wall time has passed between them.
const minAlpha = 0.02

// Store is a sharded in-memory baseline store. Per-entity updates are
// serialized by the owning shard lock and every feature dimension of one
// update lands atomically; readers get deep-copied snapshots.
type Store struct {
	shards   []*shard
	width    int
	halfLife time.Duration
	metrics  *metrics.Collector
	logger   *logging.Logger
	now      func() time.Time
	count    atomic.Int64
}

type shard struct {
	mu        sync.Mutex
	baselines map[string]*entity.Baseline
}

// NewStore creates a baseline store across the given feature schema width.
func NewStore(shardCount, width int, halfLife time.Duration, collector *metrics.Collector, logger *logging.Logger) *Store {
	if shardCount <= 0 {
		shardCount = 64
	}
	shards := make([]*shard, shardCount)
	for i := range shards {
		shards[i] = &shard{baselines: make(map[string]*entity.Baseline)}
	}
	return &Store{
		shards:   shards,
		width:    width,
		halfLife: halfLife,
		metrics:  collector,
		logger:   logger.WithComponent("baseline"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) shardFor(entityID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(entityID))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// Update folds one feature vector into the entity's baseline. The baseline
// is created lazily on first sighting with wide cold-start variance.
func (s *Store) Update(entityID string, event *entity.Event, vec entity.FeatureVector) {
	sh := s.shardFor(entityID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	b, ok := sh.baselines[entityID]
	if !ok {
		b = entity.NewBaseline(entityID, s.width)
		sh.baselines[entityID] = b
		s.metrics.SetBaselineEntities(int(s.count.Add(1)))
		s.logger.Debug("baseline created", logging.String("entity_id", entityID))
	}

	now := s.now()
	alpha := s.alphaFor(b, now)

	for i := range b.Stats {
		if i >= vec.Len() {
			break
		}
		x := vec.Values[i]
		delta := x - b.Stats[i].Mean
		b.Stats[i].Mean += alpha * delta
		b.Stats[i].Variance = (1 - alpha) * (b.Stats[i].Variance + alpha*delta*delta)
	}

	b.Remember(feature.CategoryCountry, event.StringAttr(feature.AttrSourceCountry))
	b.Remember(feature.CategoryDevice, event.StringAttr(feature.AttrDeviceID))
	b.Observations++
	b.UpdatedAt = now
}

// alphaFor derives the EW update weight. Recent inactivity raises the
// weight so the profile tracks the configured half-life; cold-start
// baselines converge faster than the steady-state rate.
func (s *Store) alphaFor(b *entity.Baseline, now time.Time) float64 {
	elapsed := now.Sub(b.UpdatedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	alpha := 1 - math.Pow(0.5, elapsed.Seconds()/s.halfLife.Seconds())
	if alpha < minAlpha {
		alpha = minAlpha
	}
	if b.Observations < entity.ConfidenceObservations {
		coldAlpha := 1 / float64(b.Observations+1)
		if coldAlpha > alpha {
			alpha = coldAlpha
		}
	}
	return alpha
}

// Get returns a deep-copied snapshot of the entity's baseline, or nil when
// the entity has never been seen.
func (s *Store) Get(entityID string) *entity.Baseline {
	sh := s.shardFor(entityID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.baselines[entityID].Clone()
}

// Reset discards the entity's baseline. The next event starts a fresh
// cold-start profile.
func (s *Store) Reset(entityID string) {
	sh := s.shardFor(entityID)
	sh.mu.Lock()
	_, existed := sh.baselines[entityID]
	delete(sh.baselines, entityID)
	sh.mu.Unlock()
	if existed {
		s.metrics.SetBaselineEntities(int(s.count.Add(-1)))
	}
	s.logger.Info("baseline reset", logging.String("entity_id", entityID))
}

// Snapshot returns deep copies of every baseline, for periodic persistence.
func (s *Store) Snapshot() []*entity.Baseline {
	var out []*entity.Baseline
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, b := range sh.baselines {
			out = append(out, b.Clone())
		}
		sh.mu.Unlock()
	}
	return out
}

// Restore seeds the store from persisted baselines. Existing in-memory
// profiles win over restored ones.
func (s *Store) Restore(baselines []*entity.Baseline) int {
	restored := 0
	for _, b := range baselines {
		if b == nil || b.EntityID == "" {
			continue
		}
		sh := s.shardFor(b.EntityID)
		sh.mu.Lock()
		if _, exists := sh.baselines[b.EntityID]; !exists {
			sh.baselines[b.EntityID] = b.Clone()
			restored++
		}
		sh.mu.Unlock()
	}
	if restored > 0 {
		s.metrics.SetBaselineEntities(int(s.count.Add(int64(restored))))
	}
	return restored
}

// Count returns the number of tracked entities.
func (s *Store) Count() int64 {
	return s.count.Load()
}
