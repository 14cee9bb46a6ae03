package correlation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentrasec/detection-engine/config"
	"github.com/sentrasec/detection-engine/domain/entity"
	"github.com/sentrasec/detection-engine/domain/repository"
	"github.com/sentrasec/detection-engine/pkg/logging"
	"github.com/sentrasec/detection-engine/pkg/metrics"
)

type recordingIncidentRepo struct {
	mu      sync.Mutex
	creates int
	updates int
}

func (r *recordingIncidentRepo) Create(ctx context.Context, incident *entity.Incident) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.creates++
	return nil
}

func (r *recordingIncidentRepo) Update(ctx context.Context, incident *entity.Incident) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates++
	return nil
}

func (r *recordingIncidentRepo) GetByID(ctx context.Context, id uuid.UUID) (*entity.Incident, error) {
	return nil, entity.ErrNotFound("incident")
}

func (r *recordingIncidentRepo) List(ctx context.Context, filter repository.IncidentFilter) ([]*entity.Incident, error) {
	return nil, nil
}

func testCorrelationConfig() config.CorrelationConfig {
	return config.CorrelationConfig{
		Window:      5 * time.Minute,
		QuietPeriod: 15 * time.Minute,
		Shards:      4,
		FuzzyWindow: 30 * time.Minute,
	}
}

func newTestEngine() *Engine {
	return NewEngine(testCorrelationConfig(), entity.DefaultSeverityThresholds(), nil, metrics.NewCollector("correlation-test"), logging.NewNop())
}

func makeScore(entityID string, eventType entity.EventType, value float64, at time.Time) entity.Score {
	return entity.Score{
		EntityID:   entityID,
		EventID:    uuid.New(),
		EventType:  eventType,
		Value:      value,
		Severity:   entity.DefaultSeverityThresholds().For(value),
		ComputedAt: at,
	}
}

func TestIngestOpensThenMerges(t *testing.T) {
	e := newTestEngine()
	at := time.Date(2026, 3, 14, 12, 1, 0, 0, time.UTC)

	first, err := e.Ingest(context.Background(), makeScore("u1", entity.EventTypeAuth, 0.6, at))
	require.NoError(t, err)
	assert.Equal(t, entity.IncidentStatusOpen, first.Status)
	assert.Equal(t, 1, first.EventCount())

	second, err := e.Ingest(context.Background(), makeScore("u1", entity.EventTypeAuth, 0.4, at.Add(time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "same signature merges into the open incident")
	assert.Equal(t, 2, second.EventCount())
	assert.Equal(t, 0.6, second.AggregateScore, "aggregate is the max, never diluted")
}

func TestIngestEscalatesAggregate(t *testing.T) {
	e := newTestEngine()
	at := time.Date(2026, 3, 14, 12, 1, 0, 0, time.UTC)

	_, err := e.Ingest(context.Background(), makeScore("u1", entity.EventTypeAuth, 0.55, at))
	require.NoError(t, err)
	merged, err := e.Ingest(context.Background(), makeScore("u1", entity.EventTypeAuth, 0.95, at.Add(time.Minute)))
	require.NoError(t, err)

	assert.Equal(t, 0.95, merged.AggregateScore)
	assert.Equal(t, entity.SeverityCritical, merged.Severity)
}

func TestIngestIdempotentOnDuplicateEvent(t *testing.T) {
	e := newTestEngine()
	at := time.Date(2026, 3, 14, 12, 1, 0, 0, time.UTC)
	score := makeScore("u1", entity.EventTypeAuth, 0.6, at)

	first, err := e.Ingest(context.Background(), score)
	require.NoError(t, err)
	again, err := e.Ingest(context.Background(), score)
	require.NoError(t, err)

	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, 1, again.EventCount())
}

func TestIngestSeparatesBucketsAndEntities(t *testing.T) {
	e := newTestEngine()
	at := time.Date(2026, 3, 14, 12, 1, 0, 0, time.UTC)

	a, err := e.Ingest(context.Background(), makeScore("u1", entity.EventTypeAuth, 0.6, at))
	require.NoError(t, err)
	otherBucket, err := e.Ingest(context.Background(), makeScore("u1", entity.EventTypeAuth, 0.6, at.Add(10*time.Minute)))
	require.NoError(t, err)
	otherEntity, err := e.Ingest(context.Background(), makeScore("u2", entity.EventTypeAuth, 0.6, at))
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, otherBucket.ID)
	assert.NotEqual(t, a.ID, otherEntity.ID)
	assert.Len(t, e.ActiveIncidents(), 3)
}

func TestIngestBurstStraddlesGridBoundary(t *testing.T) {
	e := newTestEngine()
	boundary := time.Date(2026, 3, 14, 12, 5, 0, 0, time.UTC)

	first, err := e.Ingest(context.Background(), makeScore("u1", entity.EventTypeAuth, 0.6, boundary.Add(-time.Second)))
	require.NoError(t, err)
	second, err := e.Ingest(context.Background(), makeScore("u1", entity.EventTypeAuth, 0.7, boundary.Add(time.Second)))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "a burst seconds apart is one incident")
	assert.Equal(t, 2, second.EventCount())

	// the chain keeps extending cell by cell while scores stay inside the window
	third, err := e.Ingest(context.Background(), makeScore("u1", entity.EventTypeAuth, 0.6, boundary.Add(4*time.Minute)))
	require.NoError(t, err)
	fourth, err := e.Ingest(context.Background(), makeScore("u1", entity.EventTypeAuth, 0.6, boundary.Add(6*time.Minute)))
	require.NoError(t, err)

	assert.Equal(t, first.ID, third.ID)
	assert.Equal(t, first.ID, fourth.ID)
	assert.Len(t, e.ActiveIncidents(), 1)
}

func TestIngestGapBeyondWindowOpensNewIncident(t *testing.T) {
	e := newTestEngine()
	at := time.Date(2026, 3, 14, 12, 0, 30, 0, time.UTC)

	first, err := e.Ingest(context.Background(), makeScore("u1", entity.EventTypeAuth, 0.6, at))
	require.NoError(t, err)
	later, err := e.Ingest(context.Background(), makeScore("u1", entity.EventTypeAuth, 0.6, at.Add(6*time.Minute)))
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, later.ID, "adjacent cells do not chain once the window has lapsed")
	assert.Len(t, e.ActiveIncidents(), 2)
}

func TestIngestMinScoreGatesNewIncidents(t *testing.T) {
	cfg := testCorrelationConfig()
	cfg.MinScore = 0.5
	e := NewEngine(cfg, entity.DefaultSeverityThresholds(), nil, metrics.NewCollector("correlation-test"), logging.NewNop())
	at := time.Date(2026, 3, 14, 12, 1, 0, 0, time.UTC)

	benign, err := e.Ingest(context.Background(), makeScore("u1", entity.EventTypeAuth, 0.25, at))
	require.NoError(t, err)
	assert.Nil(t, benign, "routine scores never open incidents")
	assert.Empty(t, e.ActiveIncidents())

	opened, err := e.Ingest(context.Background(), makeScore("u1", entity.EventTypeAuth, 0.8, at.Add(time.Minute)))
	require.NoError(t, err)
	require.NotNil(t, opened)

	trailing, err := e.Ingest(context.Background(), makeScore("u1", entity.EventTypeAuth, 0.25, at.Add(2*time.Minute)))
	require.NoError(t, err)
	require.NotNil(t, trailing, "low scores still attach to an open incident")
	assert.Equal(t, opened.ID, trailing.ID)
	assert.Equal(t, 2, trailing.EventCount())
}

func TestIngestReturnsDetachedSnapshot(t *testing.T) {
	e := newTestEngine()
	at := time.Date(2026, 3, 14, 12, 1, 0, 0, time.UTC)

	incident, err := e.Ingest(context.Background(), makeScore("u1", entity.EventTypeAuth, 0.6, at))
	require.NoError(t, err)

	incident.AggregateScore = 0.99
	incident.Scores = append(incident.Scores, makeScore("u1", entity.EventTypeAuth, 0.99, at))

	active := e.ActiveIncidents()
	require.Len(t, active, 1)
	assert.Equal(t, 0.6, active[0].AggregateScore, "callers hold copies, not registry state")
	assert.Equal(t, 1, active[0].EventCount())
}

func TestSweepClosesQuietIncidents(t *testing.T) {
	e := newTestEngine()
	at := time.Date(2026, 3, 14, 12, 1, 0, 0, time.UTC)

	incident, err := e.Ingest(context.Background(), makeScore("u1", entity.EventTypeAuth, 0.6, at))
	require.NoError(t, err)

	e.now = func() time.Time { return at.Add(16 * time.Minute) }
	closed := e.Sweep(context.Background())

	require.Len(t, closed, 1)
	assert.Equal(t, incident.ID, closed[0].ID)
	assert.Equal(t, entity.IncidentStatusResolved, closed[0].Status)
	assert.NotNil(t, closed[0].ClosedAt)
	assert.Empty(t, e.ActiveIncidents())
}

func TestSweepKeepsRecentIncidents(t *testing.T) {
	e := newTestEngine()
	at := time.Date(2026, 3, 14, 12, 1, 0, 0, time.UTC)

	_, err := e.Ingest(context.Background(), makeScore("u1", entity.EventTypeAuth, 0.6, at))
	require.NoError(t, err)

	e.now = func() time.Time { return at.Add(5 * time.Minute) }
	assert.Empty(t, e.Sweep(context.Background()))
	assert.Len(t, e.ActiveIncidents(), 1)
}

func TestScoreAfterCloseOpensFreshIncident(t *testing.T) {
	e := newTestEngine()
	at := time.Date(2026, 3, 14, 12, 1, 0, 0, time.UTC)

	first, err := e.Ingest(context.Background(), makeScore("u1", entity.EventTypeAuth, 0.6, at))
	require.NoError(t, err)

	e.now = func() time.Time { return at.Add(16 * time.Minute) }
	require.Len(t, e.Sweep(context.Background()), 1)

	reopened, err := e.Ingest(context.Background(), makeScore("u1", entity.EventTypeAuth, 0.6, at))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, reopened.ID, "closed incidents are never reopened")
}

func TestCorrelateFindsRelatedIncidents(t *testing.T) {
	e := newTestEngine()
	at := time.Date(2026, 3, 14, 12, 1, 0, 0, time.UTC)

	anchor, err := e.Ingest(context.Background(), makeScore("u1", entity.EventTypeAuth, 0.6, at))
	require.NoError(t, err)
	_, err = e.Ingest(context.Background(), makeScore("u1", entity.EventTypeHTTP, 0.8, at.Add(time.Minute)))
	require.NoError(t, err)
	_, err = e.Ingest(context.Background(), makeScore("u2", entity.EventTypeAuth, 0.7, at))
	require.NoError(t, err)
	_, err = e.Ingest(context.Background(), makeScore("u3", entity.EventTypeFile, 0.9, at.Add(2*time.Hour)))
	require.NoError(t, err)

	related, err := e.Correlate(context.Background(), anchor.ID)
	require.NoError(t, err)
	require.Len(t, related, 2, "same entity in window plus same-type same-bucket")
	assert.GreaterOrEqual(t, related[0].AggregateScore, related[1].AggregateScore)
}

func TestCorrelateUnknownIncident(t *testing.T) {
	e := newTestEngine()
	_, err := e.Correlate(context.Background(), uuid.New())
	assert.True(t, entity.HasErrorCode(err, entity.ErrCodeNotFound))
}

func TestIngestPersistsBestEffort(t *testing.T) {
	repo := &recordingIncidentRepo{}
	e := NewEngine(testCorrelationConfig(), entity.DefaultSeverityThresholds(), repo, metrics.NewCollector("correlation-test"), logging.NewNop())
	at := time.Date(2026, 3, 14, 12, 1, 0, 0, time.UTC)

	_, err := e.Ingest(context.Background(), makeScore("u1", entity.EventTypeAuth, 0.6, at))
	require.NoError(t, err)
	_, err = e.Ingest(context.Background(), makeScore("u1", entity.EventTypeAuth, 0.7, at.Add(time.Minute)))
	require.NoError(t, err)

	repo.mu.Lock()
	defer repo.mu.Unlock()
	assert.Equal(t, 1, repo.creates)
	assert.Equal(t, 1, repo.updates)
}

func TestIngestCancelledContext(t *testing.T) {
	e := newTestEngine()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Ingest(ctx, makeScore("u1", entity.EventTypeAuth, 0.6, time.Now().UTC()))
	assert.ErrorIs(t, err, context.Canceled)
}
