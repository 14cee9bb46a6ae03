// Package correlation groups scored events into incidents and deduplicates
// repeated detections by entity, event type and time bucket. One open
// incident per signature; the quiet-period sweeper auto-closes incidents
// that stop receiving scores.
package correlation

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sentrasec/detection-engine/config"
	"github.com/sentrasec/detection-engine/domain/entity"
	"github.com/sentrasec/detection-engine/domain/repository"
	"github.com/sentrasec/detection-engine/pkg/logging"
	"github.com/sentrasec/detection-engine/pkg/metrics"
)

// Engine is the in-memory correlation registry. Open incidents are sharded
// by signature hash; persistence through the incident repository is
// best-effort so a slow store never blocks the scoring path.
type Engine struct {
	shards     []*shard
	cfg        config.CorrelationConfig
	thresholds entity.SeverityThresholds
	incidents  repository.IncidentRepository
	metrics    *metrics.Collector
	logger     *logging.Logger
	now        func() time.Time

	// index of every open incident by id, for Correlate and status lookups.
	indexMu sync.RWMutex
	index   map[uuid.UUID]*trackedIncident
}

type shard struct {
	mu   sync.Mutex
	open map[string]*trackedIncident
}

// trackedIncident guards one incident; its lock is taken after the shard
// lock when both are needed, never the other way around.
type trackedIncident struct {
	mu       sync.Mutex
	incident *entity.Incident
}

// NewEngine builds the correlation engine.
func NewEngine(cfg config.CorrelationConfig, thresholds entity.SeverityThresholds, incidents repository.IncidentRepository, collector *metrics.Collector, logger *logging.Logger) *Engine {
	shardCount := cfg.Shards
	if shardCount <= 0 {
		shardCount = 32
	}
	shards := make([]*shard, shardCount)
	for i := range shards {
		shards[i] = &shard{open: make(map[string]*trackedIncident)}
	}
	return &Engine{
		shards:     shards,
		cfg:        cfg,
		thresholds: thresholds,
		incidents:  incidents,
		metrics:    collector,
		logger:     logger.WithComponent("correlation"),
		now:        func() time.Time { return time.Now().UTC() },
		index:      make(map[uuid.UUID]*trackedIncident),
	}
}

// shardFor hashes on entity and event type only, so adjacent grid cells of
// one signature chain always land in the same shard.
func (e *Engine) shardFor(entityID string, eventType entity.EventType) *shard {
	h := fnv.New32a()
	h.Write([]byte(entityID))
	h.Write([]byte{'|'})
	h.Write([]byte(eventType))
	return e.shards[h.Sum32()%uint32(len(e.shards))]
}

// bucketStart floors a timestamp onto the correlation window grid. The grid
// only anchors registry keys; merging slides across adjacent cells, so a
// burst straddling a grid boundary stays one incident.
func (e *Engine) bucketStart(t time.Time) time.Time {
	return t.Truncate(e.cfg.Window)
}

// Ingest routes a score into the matching open incident or opens a new one.
// A score within the window of the previous cell's last score continues that
// incident, and the registry key slides forward with it. Scores below the
// minimum never open incidents on their own but still merge into an open
// one. Duplicate delivery of the same event id is absorbed silently and
// returns the unchanged incident.
func (e *Engine) Ingest(ctx context.Context, score entity.Score) (*entity.Incident, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bucket := e.bucketStart(score.ComputedAt)
	signature := entity.IncidentSignature(score.EntityID, score.EventType, bucket)
	previous := entity.IncidentSignature(score.EntityID, score.EventType, bucket.Add(-e.cfg.Window))
	sh := e.shardFor(score.EntityID, score.EventType)

	for {
		sh.mu.Lock()
		key := signature
		tracked, exists := sh.open[signature]
		if !exists {
			if prev, ok := sh.open[previous]; ok {
				prev.mu.Lock()
				live := !prev.incident.Status.IsTerminal() &&
					score.ComputedAt.Sub(prev.incident.LastScoreAt) <= e.cfg.Window
				prev.mu.Unlock()
				if live {
					tracked, exists, key = prev, true, previous
				}
			}
		}
		if !exists {
			if score.Value < e.cfg.MinScore {
				sh.mu.Unlock()
				return nil, nil
			}
			incident := entity.NewIncident(score, bucket, e.thresholds)
			tracked = &trackedIncident{incident: incident}
			sh.open[signature] = tracked
			sh.mu.Unlock()

			e.indexMu.Lock()
			e.index[incident.ID] = tracked
			e.indexMu.Unlock()

			e.metrics.RecordIncidentOpened()
			e.logger.Info("incident opened",
				logging.String("incident_id", incident.ID.String()),
				logging.String("signature", signature),
				logging.String("severity", string(incident.Severity)),
			)
			e.persist(ctx, incident, true)
			return e.snapshot(tracked), nil
		}

		tracked.mu.Lock()
		if tracked.incident.Status.IsTerminal() {
			// lost a race with the sweeper; the registry entry is about to
			// disappear, so take another pass
			tracked.mu.Unlock()
			sh.mu.Unlock()
			continue
		}
		if key != signature {
			// slide the chain forward onto the current cell
			delete(sh.open, key)
			sh.open[signature] = tracked
			tracked.incident.Signature = signature
		}
		merged := tracked.incident.Merge(score, e.thresholds)
		incident := cloneIncident(tracked.incident)
		tracked.mu.Unlock()
		sh.mu.Unlock()

		if merged {
			e.metrics.RecordIncidentMerged()
			e.persist(ctx, incident, false)
		}
		return incident, nil
	}
}

// Correlate performs on-demand fuzzy matching for one incident: open
// incidents for the same entity within the fuzzy window, plus incidents
// sharing the event type in the same bucket. Read-only.
func (e *Engine) Correlate(ctx context.Context, incidentID uuid.UUID) ([]*entity.Incident, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.indexMu.RLock()
	tracked, ok := e.index[incidentID]
	e.indexMu.RUnlock()
	if !ok {
		return nil, entity.ErrNotFound("incident")
	}
	anchor := e.snapshot(tracked)

	var related []*entity.Incident
	for _, candidate := range e.ActiveIncidents() {
		if candidate.ID == incidentID {
			continue
		}
		sameEntity := candidate.EntityID == anchor.EntityID &&
			absDuration(candidate.BucketStart.Sub(anchor.BucketStart)) <= e.cfg.FuzzyWindow
		sameWave := candidate.EventType == anchor.EventType &&
			absDuration(candidate.BucketStart.Sub(anchor.BucketStart)) <= e.cfg.Window
		if sameEntity || sameWave {
			related = append(related, candidate)
		}
	}
	sort.Slice(related, func(a, b int) bool {
		return related[a].AggregateScore > related[b].AggregateScore
	})
	return related, nil
}

// ActiveIncidents returns snapshots of every open incident.
func (e *Engine) ActiveIncidents() []*entity.Incident {
	var out []*entity.Incident
	for _, sh := range e.shards {
		sh.mu.Lock()
		tracked := make([]*trackedIncident, 0, len(sh.open))
		for _, t := range sh.open {
			tracked = append(tracked, t)
		}
		sh.mu.Unlock()
		for _, t := range tracked {
			out = append(out, e.snapshot(t))
		}
	}
	return out
}

// UpdateStatus applies an operator transition to an open incident. Moving
// to a terminal status removes the incident from the active registry; a
// closed signature never accepts further scores.
func (e *Engine) UpdateStatus(ctx context.Context, incidentID uuid.UUID, status entity.IncidentStatus, actor, reason string) (*entity.Incident, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.indexMu.RLock()
	tracked, ok := e.index[incidentID]
	e.indexMu.RUnlock()
	if !ok {
		return nil, entity.ErrNotFound("incident")
	}

	tracked.mu.Lock()
	if err := tracked.incident.UpdateStatus(status, actor, reason); err != nil {
		tracked.mu.Unlock()
		return nil, err
	}
	incident := cloneIncident(tracked.incident)
	signature := tracked.incident.Signature
	tracked.mu.Unlock()

	if status.IsTerminal() {
		sh := e.shardFor(incident.EntityID, incident.EventType)
		sh.mu.Lock()
		if current, exists := sh.open[signature]; exists && current == tracked {
			delete(sh.open, signature)
		}
		sh.mu.Unlock()

		e.indexMu.Lock()
		delete(e.index, incidentID)
		e.indexMu.Unlock()
		e.metrics.RecordIncidentClosed()
	}

	e.persist(ctx, incident, false)
	return incident, nil
}

// Sweep closes incidents that have not received a score for the quiet
// period. Returns the incidents it closed.
func (e *Engine) Sweep(ctx context.Context) []*entity.Incident {
	cutoff := e.now().Add(-e.cfg.QuietPeriod)
	var closed []*entity.Incident

	for _, sh := range e.shards {
		sh.mu.Lock()
		for signature, tracked := range sh.open {
			tracked.mu.Lock()
			if tracked.incident.LastScoreAt.After(cutoff) {
				tracked.mu.Unlock()
				continue
			}
			if err := tracked.incident.UpdateStatus(entity.IncidentStatusResolved, "system", "quiet period elapsed"); err != nil {
				tracked.mu.Unlock()
				continue
			}
			incident := cloneIncident(tracked.incident)
			tracked.mu.Unlock()

			delete(sh.open, signature)
			closed = append(closed, incident)
		}
		sh.mu.Unlock()
	}

	for _, incident := range closed {
		e.indexMu.Lock()
		delete(e.index, incident.ID)
		e.indexMu.Unlock()

		e.metrics.RecordIncidentClosed()
		e.logger.Info("incident auto-closed",
			logging.String("incident_id", incident.ID.String()),
			logging.Int("events", incident.EventCount()),
		)
		e.persist(ctx, incident, false)
	}
	return closed
}

// RunSweeper loops Sweep on the configured interval until the context ends.
func (e *Engine) RunSweeper(ctx context.Context) {
	interval := e.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Sweep(ctx)
		}
	}
}

// persist writes the incident through the repository. Failures are logged
// and counted; the in-memory registry remains authoritative.
func (e *Engine) persist(ctx context.Context, incident *entity.Incident, created bool) {
	if e.incidents == nil {
		return
	}
	var err error
	if created {
		err = e.incidents.Create(ctx, incident)
	} else {
		err = e.incidents.Update(ctx, incident)
	}
	if err != nil {
		e.metrics.RecordStoreRetry("incident_persist")
		e.logger.Warn("incident persistence failed",
			logging.String("incident_id", incident.ID.String()),
			logging.Error(err),
		)
	}
}

func (e *Engine) snapshot(t *trackedIncident) *entity.Incident {
	t.mu.Lock()
	defer t.mu.Unlock()
	return cloneIncident(t.incident)
}

func cloneIncident(i *entity.Incident) *entity.Incident {
	clone := *i
	clone.Scores = make([]entity.Score, len(i.Scores))
	copy(clone.Scores, i.Scores)
	return &clone
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
