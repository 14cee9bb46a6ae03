package alerting

import (
	"context"
	"errors"
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

type memoryAlertRepo struct {
	mu     sync.Mutex
	alerts map[uuid.UUID]*entity.Alert
}

func newMemoryAlertRepo() *memoryAlertRepo {
	return &memoryAlertRepo{alerts: make(map[uuid.UUID]*entity.Alert)}
}

func (r *memoryAlertRepo) Create(ctx context.Context, alert *entity.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *alert
	r.alerts[alert.ID] = &clone
	return nil
}

func (r *memoryAlertRepo) Update(ctx context.Context, alert *entity.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.alerts[alert.ID]; !ok {
		return entity.ErrNotFound("alert")
	}
	clone := *alert
	r.alerts[alert.ID] = &clone
	return nil
}

func (r *memoryAlertRepo) GetByID(ctx context.Context, id uuid.UUID) (*entity.Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	alert, ok := r.alerts[id]
	if !ok {
		return nil, entity.ErrNotFound("alert")
	}
	clone := *alert
	return &clone, nil
}

func (r *memoryAlertRepo) List(ctx context.Context, filter repository.AlertFilter) ([]*entity.Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*entity.Alert
	for _, alert := range r.alerts {
		clone := *alert
		out = append(out, &clone)
	}
	return out, nil
}

func (r *memoryAlertRepo) GetOpenByIncident(ctx context.Context, incidentID uuid.UUID) (*entity.Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, alert := range r.alerts {
		if alert.IncidentID == incidentID && alert.IsOpen() {
			clone := *alert
			return &clone, nil
		}
	}
	return nil, entity.ErrNotFound("alert")
}

type capturingPublisher struct {
	mu     sync.Mutex
	topics []string
	err    error
}

func (p *capturingPublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	return p.err
}

func (p *capturingPublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.topics...)
}

func makeIncident(score float64) *entity.Incident {
	s := entity.Score{
		EntityID:   "u1",
		EventID:    uuid.New(),
		EventType:  entity.EventTypeAuth,
		Value:      score,
		Severity:   entity.DefaultSeverityThresholds().For(score),
		ComputedAt: time.Now().UTC(),
	}
	return entity.NewIncident(s, time.Now().UTC().Truncate(5*time.Minute), entity.DefaultSeverityThresholds())
}

func newTestDispatcher(repo repository.AlertRepository, pub *capturingPublisher) *Dispatcher {
	return NewDispatcher(repo, pub, config.AlertingConfig{AlertThreshold: 0.7},
		metrics.NewCollector("alerting-test"), logging.NewNop())
}

func TestDispatchBelowThreshold(t *testing.T) {
	d := newTestDispatcher(newMemoryAlertRepo(), &capturingPublisher{})
	alert, err := d.Dispatch(context.Background(), makeIncident(0.5))
	require.NoError(t, err)
	assert.Nil(t, alert)
}

func TestDispatchCreatesAlert(t *testing.T) {
	pub := &capturingPublisher{}
	d := newTestDispatcher(newMemoryAlertRepo(), pub)

	incident := makeIncident(0.8)
	alert, err := d.Dispatch(context.Background(), incident)
	require.NoError(t, err)
	require.NotNil(t, alert)
	assert.Equal(t, entity.AlertStatusActive, alert.Status)
	assert.Equal(t, incident.ID, alert.IncidentID)
	assert.NotEmpty(t, alert.RecommendedActions)
	assert.Equal(t, []string{TopicAlertCreated}, pub.published())
}

func TestDispatchNeverDuplicatesOpenAlert(t *testing.T) {
	d := newTestDispatcher(newMemoryAlertRepo(), &capturingPublisher{})
	incident := makeIncident(0.8)

	first, err := d.Dispatch(context.Background(), incident)
	require.NoError(t, err)
	second, err := d.Dispatch(context.Background(), incident)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
}

func TestDispatchEscalatesOpenAlert(t *testing.T) {
	pub := &capturingPublisher{}
	d := newTestDispatcher(newMemoryAlertRepo(), pub)

	incident := makeIncident(0.8)
	first, err := d.Dispatch(context.Background(), incident)
	require.NoError(t, err)
	assert.Equal(t, entity.SeverityHigh, first.Severity)

	incident.AggregateScore = 0.95
	incident.Severity = entity.SeverityCritical
	escalated, err := d.Dispatch(context.Background(), incident)
	require.NoError(t, err)

	assert.Equal(t, first.ID, escalated.ID, "existing alert escalated, not duplicated")
	assert.Equal(t, entity.AlertStatusEscalated, escalated.Status)
	assert.Equal(t, entity.SeverityCritical, escalated.Severity)
	assert.Contains(t, pub.published(), TopicAlertEscalated)
}

func TestAcknowledgeThenResolve(t *testing.T) {
	d := newTestDispatcher(newMemoryAlertRepo(), &capturingPublisher{})
	alert, err := d.Dispatch(context.Background(), makeIncident(0.8))
	require.NoError(t, err)

	acked, err := d.Acknowledge(context.Background(), alert.ID, "analyst-7")
	require.NoError(t, err)
	assert.Equal(t, entity.AlertStatusAcknowledged, acked.Status)
	assert.Equal(t, "analyst-7", acked.AcknowledgedBy)

	resolved, err := d.Resolve(context.Background(), alert.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.AlertStatusResolved, resolved.Status)
}

func TestDismissRequiresReason(t *testing.T) {
	d := newTestDispatcher(newMemoryAlertRepo(), &capturingPublisher{})
	alert, err := d.Dispatch(context.Background(), makeIncident(0.8))
	require.NoError(t, err)

	_, err = d.Dismiss(context.Background(), alert.ID, "")
	assert.True(t, entity.HasErrorCode(err, entity.ErrCodeInvariantViolation))

	dismissed, err := d.Dismiss(context.Background(), alert.ID, "confirmed benign batch job")
	require.NoError(t, err)
	assert.Equal(t, entity.AlertStatusDismissed, dismissed.Status)
	assert.Equal(t, "confirmed benign batch job", dismissed.DismissReason)
}

func TestTerminalAlertRejectsTransitions(t *testing.T) {
	d := newTestDispatcher(newMemoryAlertRepo(), &capturingPublisher{})
	alert, err := d.Dispatch(context.Background(), makeIncident(0.8))
	require.NoError(t, err)

	_, err = d.Resolve(context.Background(), alert.ID)
	require.NoError(t, err)

	_, err = d.Acknowledge(context.Background(), alert.ID, "analyst-7")
	assert.True(t, entity.HasErrorCode(err, entity.ErrCodeInvariantViolation))
}

func TestEscalateRequiresHigherSeverity(t *testing.T) {
	d := newTestDispatcher(newMemoryAlertRepo(), &capturingPublisher{})
	alert, err := d.Dispatch(context.Background(), makeIncident(0.8))
	require.NoError(t, err)

	_, err = d.Escalate(context.Background(), alert.ID, entity.SeverityLow)
	assert.True(t, entity.HasErrorCode(err, entity.ErrCodeInvariantViolation))

	escalated, err := d.Escalate(context.Background(), alert.ID, entity.SeverityCritical)
	require.NoError(t, err)
	assert.Equal(t, entity.SeverityCritical, escalated.Severity)
}

func TestPublishFailureDoesNotRollBack(t *testing.T) {
	pub := &capturingPublisher{err: errors.New("broker down")}
	repo := newMemoryAlertRepo()
	d := newTestDispatcher(repo, pub)

	alert, err := d.Dispatch(context.Background(), makeIncident(0.8))
	require.NoError(t, err)

	acked, err := d.Acknowledge(context.Background(), alert.ID, "analyst-7")
	require.NoError(t, err, "transition must commit even when publish fails")
	assert.Equal(t, entity.AlertStatusAcknowledged, acked.Status)

	persisted, err := repo.GetByID(context.Background(), alert.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.AlertStatusAcknowledged, persisted.Status)
}

// slowLookupAlertRepo widens the gap between the open-alert lookup and the
// create that follows it, so an unserialized dispatch would interleave.
type slowLookupAlertRepo struct {
	*memoryAlertRepo
	delay time.Duration
}

func (r *slowLookupAlertRepo) GetOpenByIncident(ctx context.Context, incidentID uuid.UUID) (*entity.Alert, error) {
	time.Sleep(r.delay)
	return r.memoryAlertRepo.GetOpenByIncident(ctx, incidentID)
}

func TestConcurrentDispatchKeepsSingleOpenAlert(t *testing.T) {
	repo := &slowLookupAlertRepo{memoryAlertRepo: newMemoryAlertRepo(), delay: 5 * time.Millisecond}
	d := newTestDispatcher(repo, &capturingPublisher{})
	incident := makeIncident(0.8)

	const dispatchers = 8
	var wg sync.WaitGroup
	wg.Add(dispatchers)
	for i := 0; i < dispatchers; i++ {
		go func() {
			defer wg.Done()
			_, err := d.Dispatch(context.Background(), incident)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	open := 0
	for _, alert := range repo.alerts {
		if alert.IncidentID == incident.ID && alert.IsOpen() {
			open++
		}
	}
	assert.Equal(t, 1, open, "one open alert per incident")
}

func TestAcknowledgeUnknownAlert(t *testing.T) {
	d := newTestDispatcher(newMemoryAlertRepo(), &capturingPublisher{})
	_, err := d.Acknowledge(context.Background(), uuid.New(), "analyst-7")
	assert.True(t, entity.HasErrorCode(err, entity.ErrCodeNotFound))
}
