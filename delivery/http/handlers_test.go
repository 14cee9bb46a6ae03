package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentrasec/detection-engine/config"
	"github.com/sentrasec/detection-engine/domain/entity"
	"github.com/sentrasec/detection-engine/domain/repository"
	"github.com/sentrasec/detection-engine/infrastructure/alerting"
	"github.com/sentrasec/detection-engine/infrastructure/baseline"
	"github.com/sentrasec/detection-engine/infrastructure/correlation"
	"github.com/sentrasec/detection-engine/infrastructure/feature"
	"github.com/sentrasec/detection-engine/infrastructure/scoring"
	"github.com/sentrasec/detection-engine/pkg/logging"
	"github.com/sentrasec/detection-engine/pkg/metrics"
	"github.com/sentrasec/detection-engine/usecase"
)

type emptyProvider struct{}

func (emptyProvider) Active(string) (*entity.ModelState, bool) { return nil, false }

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, interface{}) error { return nil }

type memStore struct {
	mu        sync.Mutex
	incidents map[uuid.UUID]*entity.Incident
}

func newMemStore() *memStore {
	return &memStore{incidents: make(map[uuid.UUID]*entity.Incident)}
}

func (s *memStore) Create(_ context.Context, incident *entity.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *incident
	s.incidents[incident.ID] = &copied
	return nil
}

func (s *memStore) Update(_ context.Context, incident *entity.Incident) error {
	return s.Create(context.Background(), incident)
}

func (s *memStore) GetByID(_ context.Context, id uuid.UUID) (*entity.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	incident, ok := s.incidents[id]
	if !ok {
		return nil, entity.ErrNotFound("incident")
	}
	copied := *incident
	return &copied, nil
}

func (s *memStore) List(_ context.Context, _ repository.IncidentFilter) ([]*entity.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*entity.Incident, 0, len(s.incidents))
	for _, incident := range s.incidents {
		copied := *incident
		out = append(out, &copied)
	}
	return out, nil
}

type memAlerts struct {
	mu     sync.Mutex
	alerts map[uuid.UUID]*entity.Alert
}

func newMemAlerts() *memAlerts {
	return &memAlerts{alerts: make(map[uuid.UUID]*entity.Alert)}
}

func (r *memAlerts) Create(_ context.Context, alert *entity.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *alert
	r.alerts[alert.ID] = &copied
	return nil
}

func (r *memAlerts) Update(_ context.Context, alert *entity.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.alerts[alert.ID]; !ok {
		return entity.ErrNotFound("alert")
	}
	copied := *alert
	r.alerts[alert.ID] = &copied
	return nil
}

func (r *memAlerts) GetByID(_ context.Context, id uuid.UUID) (*entity.Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	alert, ok := r.alerts[id]
	if !ok {
		return nil, entity.ErrNotFound("alert")
	}
	copied := *alert
	return &copied, nil
}

func (r *memAlerts) List(_ context.Context, _ repository.AlertFilter) ([]*entity.Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*entity.Alert, 0, len(r.alerts))
	for _, alert := range r.alerts {
		copied := *alert
		out = append(out, &copied)
	}
	return out, nil
}

func (r *memAlerts) GetOpenByIncident(_ context.Context, incidentID uuid.UUID) (*entity.Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, alert := range r.alerts {
		if alert.IncidentID == incidentID && alert.IsOpen() {
			copied := *alert
			return &copied, nil
		}
	}
	return nil, entity.ErrNotFound("open alert")
}

type stubController struct{}

func (stubController) IsRetrainingRequired(context.Context, string) (bool, string, error) {
	return false, "healthy", nil
}

func (stubController) Retrain(context.Context, string) (*entity.ModelState, error) {
	return nil, entity.ErrInvalidInput("labeled outcomes")
}

func (stubController) Rollback(_ context.Context, _, version string) (*entity.ModelState, error) {
	return nil, entity.ErrNotFound("model version")
}

func (stubController) RecordOutcome(entity.Outcome) {}

func (stubController) Status(string) entity.ModelStatus { return entity.ModelStatusStable }

type memModels struct{}

func (memModels) Save(context.Context, *entity.ModelState) error { return nil }

func (memModels) Load(context.Context, string, string) (*entity.ModelState, error) {
	return nil, entity.ErrNotFound("model version")
}

func (memModels) ListVersions(context.Context, string) ([]*entity.ModelState, error) {
	return nil, nil
}

func (memModels) ActiveVersion(context.Context, string) (string, error) {
	return "", entity.ErrNotFound("active model version")
}

func (memModels) SetActiveVersion(context.Context, string, string) error { return nil }

type testServer struct {
	server *Server
	alerts *memAlerts
}

func newTestServer(t *testing.T, cfg config.Config) *testServer {
	t.Helper()

	logger := logging.NewNop()
	collector := metrics.NewCollector("test")
	extractor := feature.NewExtractor()

	scorer := scoring.NewEngine(emptyProvider{}, config.ScoringConfig{
		SeverityThresholds:   entity.DefaultSeverityThresholds(),
		AnomalyCap:           4.0,
		EntropyThreshold:     4.5,
		RequestRateThreshold: 100,
		SQLKeywordBoost:      0.6,
		EntropyBoost:         0.3,
		RequestRateBoost:     0.3,
		DeviationThreshold:   0.7,
	}, logger)

	baselines := baseline.NewStore(8, len(extractor.Schema()), time.Hour, collector, logger)
	correlator := correlation.NewEngine(config.CorrelationConfig{
		Window:      5 * time.Minute,
		QuietPeriod: 15 * time.Minute,
		Shards:      4,
		FuzzyWindow: 30 * time.Minute,
		MinScore:    0.5,
	}, entity.DefaultSeverityThresholds(), nil, collector, logger)

	alerts := newMemAlerts()
	dispatcher := alerting.NewDispatcher(alerts, nopPublisher{}, config.AlertingConfig{AlertThreshold: 0.7}, collector, logger)

	detection := usecase.NewDetectionUseCase(
		config.PipelineConfig{EntityShards: 16, BatchConcurrency: 4},
		nil, extractor, scorer, baselines, correlator, dispatcher, collector, logger,
	)
	incidents := usecase.NewIncidentUseCase(newMemStore(), correlator, logger)
	alertOps := usecase.NewAlertUseCase(alerts, dispatcher)
	models := usecase.NewModelUseCase(stubController{}, emptyProvider{}, memModels{}, nil, baselines, extractor, logger)

	handlers := NewHandlers(detection, incidents, alertOps, models)
	server := NewServer(cfg, handlers, collector, logger, map[string]ReadinessCheck{
		"always": func(context.Context) error { return nil },
	})
	return &testServer{server: server, alerts: alerts}
}

func defaultConfig() config.Config {
	return config.Config{
		Service: config.ServiceConfig{Name: "detection-engine", Version: "test"},
	}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	ts.server.Router().ServeHTTP(rec, req)
	return rec
}

func analyzeBody(entityID string, attrs map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"entity_id":  entityID,
		"type":       "auth",
		"attributes": attrs,
	}
}

func TestAnalyzeEventEndpoint(t *testing.T) {
	ts := newTestServer(t, defaultConfig())

	rec := ts.do(t, http.MethodPost, "/api/v1/events/analyze", analyzeBody("user-1", map[string]interface{}{
		"failed_attempts": 1,
		"source_country":  "US",
	}), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result entity.ThreatAnalysisResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.NotNil(t, result.Score)
	assert.Equal(t, "user-1", result.Score.EntityID)
	assert.GreaterOrEqual(t, result.Score.Value, 0.0)
	assert.LessOrEqual(t, result.Score.Value, 1.0)
	assert.Nil(t, result.Incident, "routine activity must not open incidents")
}

func TestAnalyzeEventEndpointValidation(t *testing.T) {
	ts := newTestServer(t, defaultConfig())

	rec := ts.do(t, http.MethodPost, "/api/v1/events/analyze", map[string]interface{}{"type": "auth"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/events/analyze", analyzeBody("user-1", nil), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/events/analyze", map[string]interface{}{
		"entity_id": "user-1",
		"type":      "bogus",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, string(entity.ErrCodeInvalidInput), body.Code)
}

func TestAnalyzeBatchEndpoint(t *testing.T) {
	ts := newTestServer(t, defaultConfig())

	rec := ts.do(t, http.MethodPost, "/api/v1/events/analyze/batch", map[string]interface{}{
		"events": []map[string]interface{}{
			analyzeBody("user-1", nil),
			{"type": "auth"},
			{"entity_id": "user-2", "type": "auth", "id": "not-a-uuid"},
		},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		Items []usecase.BatchItem `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Items, 3)
	assert.NotNil(t, body.Items[0].Result)
	assert.Contains(t, body.Items[1].Error, "entity_id")
	assert.Contains(t, body.Items[2].Error, "field: id", "each bad slot carries its own decode error")
}

func TestHTTPMetricsRecordStatusCode(t *testing.T) {
	ts := newTestServer(t, defaultConfig())

	rec := ts.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	scrape := ts.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, scrape.Code)
	assert.Contains(t, scrape.Body.String(), `detection_http_requests_total`)
	assert.Contains(t, scrape.Body.String(), `status="200"`)
}

func TestBehaviorAnalyzeEndpoint(t *testing.T) {
	ts := newTestServer(t, defaultConfig())

	rec := ts.do(t, http.MethodPost, "/api/v1/behavior/analyze", analyzeBody("ghost", nil), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var result entity.BaselineDeviationResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.False(t, result.IsAnomalous)
	assert.Zero(t, result.Confidence)
}

func TestBaselineEndpoints(t *testing.T) {
	ts := newTestServer(t, defaultConfig())

	rec := ts.do(t, http.MethodGet, "/api/v1/baselines/user-1", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/events/analyze", analyzeBody("user-1", nil), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/baselines/user-1", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/baselines/user-1/reset", nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/baselines/user-1", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// raiseAlert drives enough traffic through the API to open an incident with
// an alert and returns both ids.
func raiseAlert(t *testing.T, ts *testServer) (incidentID, alertID string) {
	t.Helper()

	for i := 0; i < 60; i++ {
		rec := ts.do(t, http.MethodPost, "/api/v1/events/analyze", analyzeBody("user-1", map[string]interface{}{
			"failed_attempts": i % 2,
			"source_country":  "US",
		}), nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := ts.do(t, http.MethodPost, "/api/v1/events/analyze", analyzeBody("user-1", map[string]interface{}{
		"failed_attempts": 5,
		"source_country":  "KP",
	}), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var result entity.ThreatAnalysisResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.NotNil(t, result.Incident)
	require.NotNil(t, result.Alert, "anomaly against an established baseline must alert")
	return result.Incident.ID.String(), result.Alert.ID.String()
}

func TestIncidentEndpoints(t *testing.T) {
	ts := newTestServer(t, defaultConfig())
	incidentID, _ := raiseAlert(t, ts)

	rec := ts.do(t, http.MethodGet, "/api/v1/incidents?active=true", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Incidents []*entity.Incident `json:"incidents"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	assert.Len(t, listing.Incidents, 1)

	rec = ts.do(t, http.MethodGet, "/api/v1/incidents/"+incidentID, nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/incidents/"+incidentID+"/correlate", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/incidents/"+incidentID+"/status", map[string]interface{}{
		"status": "acknowledged",
		"actor":  "analyst-1",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/api/v1/incidents/not-a-uuid", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/incidents/"+uuid.NewString(), nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAlertLifecycleEndpoints(t *testing.T) {
	ts := newTestServer(t, defaultConfig())
	_, alertID := raiseAlert(t, ts)

	rec := ts.do(t, http.MethodPost, "/api/v1/alerts/"+alertID+"/acknowledge", map[string]interface{}{"by": "analyst-1"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var alert entity.Alert
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &alert))
	assert.Equal(t, entity.AlertStatusAcknowledged, alert.Status)

	rec = ts.do(t, http.MethodPost, "/api/v1/alerts/"+alertID+"/resolve", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Terminal alerts reject further transitions.
	rec = ts.do(t, http.MethodPost, "/api/v1/alerts/"+alertID+"/dismiss", map[string]interface{}{"reason": "noise"}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/alerts/"+alertID, nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/alerts", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestModelEndpoints(t *testing.T) {
	ts := newTestServer(t, defaultConfig())

	rec := ts.do(t, http.MethodGet, "/api/v1/models/threat-classifier", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var overview usecase.ModelOverview
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &overview))
	assert.Equal(t, entity.ModelStatusStable, overview.Status)

	rec = ts.do(t, http.MethodPost, "/api/v1/models/threat-classifier/retrain", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "no labeled outcomes yet")

	rec = ts.do(t, http.MethodPost, "/api/v1/models/threat-classifier/rollback", map[string]interface{}{"version": "v-old"}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndReady(t *testing.T) {
	ts := newTestServer(t, defaultConfig())

	rec := ts.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/ready", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadinessFailure(t *testing.T) {
	ts := newTestServer(t, defaultConfig())
	ts.server.checks["postgres"] = func(context.Context) error {
		return fmt.Errorf("connection refused")
	}

	rec := ts.do(t, http.MethodGet, "/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "postgres")
}

func TestJWTAuth(t *testing.T) {
	cfg := defaultConfig()
	cfg.Auth = config.AuthConfig{Enabled: true, JWTSecret: "test-secret", Issuer: "sentrasec"}
	ts := newTestServer(t, cfg)

	rec := ts.do(t, http.MethodPost, "/api/v1/events/analyze", analyzeBody("user-1", nil), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/events/analyze", analyzeBody("user-1", nil), map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": "sentrasec",
		"sub": "analyst-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)

	rec = ts.do(t, http.MethodPost, "/api/v1/events/analyze", analyzeBody("user-1", nil), map[string]string{
		"Authorization": "Bearer " + signed,
	})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Health stays open for probes.
	rec = ts.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimit(t *testing.T) {
	cfg := defaultConfig()
	cfg.Server.RateLimitRPS = 1
	cfg.Server.RateLimitBurst = 2
	ts := newTestServer(t, cfg)

	statuses := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		rec := ts.do(t, http.MethodPost, "/api/v1/events/analyze", analyzeBody("user-1", nil), nil)
		statuses = append(statuses, rec.Code)
	}
	assert.Contains(t, statuses, http.StatusTooManyRequests)
}
