// Package metrics exposes the detection engine's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the engine's Prometheus metrics.
type Collector struct {
	registry *prometheus.Registry

	eventsAnalyzed    *prometheus.CounterVec
	analysisDuration  *prometheus.HistogramVec
	scoresBySeverity  *prometheus.CounterVec
	incidentsOpened   prometheus.Counter
	incidentsClosed   prometheus.Counter
	incidentsMerged   prometheus.Counter
	alertTransitions  *prometheus.CounterVec
	notifyFailures    *prometheus.CounterVec
	retrainCycles     *prometheus.CounterVec
	baselineEntities  prometheus.Gauge
	storeRetries      *prometheus.CounterVec
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	ingestionMessages *prometheus.CounterVec
}

// NewCollector creates and registers all collectors on a private registry.
func NewCollector(serviceName string) *Collector {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	labels := prometheus.Labels{"service": serviceName}

	return &Collector{
		registry: registry,
		eventsAnalyzed: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "detection_events_analyzed_total",
			Help:        "Events processed through the analysis pipeline.",
			ConstLabels: labels,
		}, []string{"event_type", "result"}),
		analysisDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "detection_analysis_duration_seconds",
			Help:        "End-to-end per-event analysis latency.",
			ConstLabels: labels,
			Buckets:     []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"event_type"}),
		scoresBySeverity: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "detection_scores_total",
			Help:        "Scores produced, by severity.",
			ConstLabels: labels,
		}, []string{"severity"}),
		incidentsOpened: factory.NewCounter(prometheus.CounterOpts{
			Name:        "detection_incidents_opened_total",
			Help:        "Incidents opened by the correlation engine.",
			ConstLabels: labels,
		}),
		incidentsClosed: factory.NewCounter(prometheus.CounterOpts{
			Name:        "detection_incidents_closed_total",
			Help:        "Incidents auto-closed after the quiet period.",
			ConstLabels: labels,
		}),
		incidentsMerged: factory.NewCounter(prometheus.CounterOpts{
			Name:        "detection_incidents_merged_total",
			Help:        "Scores merged into existing open incidents.",
			ConstLabels: labels,
		}),
		alertTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "detection_alert_transitions_total",
			Help:        "Alert state machine transitions.",
			ConstLabels: labels,
		}, []string{"transition"}),
		notifyFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "detection_notification_failures_total",
			Help:        "Notification publishes that failed (logged, not retried by the dispatcher).",
			ConstLabels: labels,
		}, []string{"topic"}),
		retrainCycles: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "detection_retrain_cycles_total",
			Help:        "Continuous learning cycles, by outcome.",
			ConstLabels: labels,
		}, []string{"model_type", "outcome"}),
		baselineEntities: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "detection_baseline_entities",
			Help:        "Entities with a tracked behavioral baseline.",
			ConstLabels: labels,
		}),
		storeRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "detection_store_retries_total",
			Help:        "Persistence retries after transient failures.",
			ConstLabels: labels,
		}, []string{"operation"}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "detection_http_requests_total",
			Help:        "HTTP requests, by route and status.",
			ConstLabels: labels,
		}, []string{"method", "route", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "detection_http_request_duration_seconds",
			Help:        "HTTP request latency.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"method", "route"}),
		ingestionMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "detection_ingestion_messages_total",
			Help:        "Kafka ingestion messages, by result.",
			ConstLabels: labels,
		}, []string{"result"}),
	}
}

// Handler returns the /metrics HTTP handler for the private registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) RecordEventAnalyzed(eventType, result string, duration time.Duration) {
	c.eventsAnalyzed.WithLabelValues(eventType, result).Inc()
	c.analysisDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

func (c *Collector) RecordScore(severity string) {
	c.scoresBySeverity.WithLabelValues(severity).Inc()
}

func (c *Collector) RecordIncidentOpened() { c.incidentsOpened.Inc() }
func (c *Collector) RecordIncidentClosed() { c.incidentsClosed.Inc() }
func (c *Collector) RecordIncidentMerged() { c.incidentsMerged.Inc() }

func (c *Collector) RecordAlertTransition(transition string) {
	c.alertTransitions.WithLabelValues(transition).Inc()
}

func (c *Collector) RecordNotificationFailure(topic string) {
	c.notifyFailures.WithLabelValues(topic).Inc()
}

func (c *Collector) RecordRetrainCycle(modelType, outcome string) {
	c.retrainCycles.WithLabelValues(modelType, outcome).Inc()
}

func (c *Collector) SetBaselineEntities(count int) {
	c.baselineEntities.Set(float64(count))
}

func (c *Collector) RecordStoreRetry(operation string) {
	c.storeRetries.WithLabelValues(operation).Inc()
}

func (c *Collector) RecordHTTPRequest(method, route, status string, duration time.Duration) {
	c.httpRequests.WithLabelValues(method, route, status).Inc()
	c.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func (c *Collector) RecordIngestionMessage(result string) {
	c.ingestionMessages.WithLabelValues(result).Inc()
}
