// Package alerting turns qualifying incidents into operator alerts and
// drives the alert state machine. Notification publish failures never roll
// back a transition; operator state is authoritative, transport is not.
package alerting

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/google/uuid"

	"github.com/sentrasec/detection-engine/config"
	"github.com/sentrasec/detection-engine/domain/entity"
	"github.com/sentrasec/detection-engine/domain/repository"
	"github.com/sentrasec/detection-engine/domain/service"
	"github.com/sentrasec/detection-engine/pkg/logging"
	"github.com/sentrasec/detection-engine/pkg/metrics"
)

// Notification topics.
const (
	TopicAlertCreated    = "alert.created"
	TopicAlertEscalated  = "alert.escalated"
	TopicAlertTransition = "alert.transition"
)

// AlertNotification is the payload published on every alert lifecycle
// change.
type AlertNotification struct {
	AlertID    uuid.UUID          `json:"alert_id"`
	IncidentID uuid.UUID          `json:"incident_id"`
	Status     entity.AlertStatus `json:"status"`
	Severity   entity.Severity    `json:"severity"`
	Title      string             `json:"title"`
	Transition string             `json:"transition"`
}

// dispatchStripes bounds the number of per-incident dispatch locks.
const dispatchStripes = 64

// Dispatcher owns alert creation and transitions. Dispatch serializes per
// incident through striped locks so the open-alert lookup and the create
// that follows it act as one step, keeping a single open alert per incident
// under concurrent dispatch.
type Dispatcher struct {
	alerts    repository.AlertRepository
	publisher service.NotificationPublisher
	threshold float64
	metrics   *metrics.Collector
	logger    *logging.Logger
	locks     []sync.Mutex
}

// NewDispatcher builds the alert dispatcher.
func NewDispatcher(alerts repository.AlertRepository, publisher service.NotificationPublisher, cfg config.AlertingConfig, collector *metrics.Collector, logger *logging.Logger) *Dispatcher {
	return &Dispatcher{
		alerts:    alerts,
		publisher: publisher,
		threshold: cfg.AlertThreshold,
		metrics:   collector,
		logger:    logger.WithComponent("alerting"),
		locks:     make([]sync.Mutex, dispatchStripes),
	}
}

func (d *Dispatcher) lockFor(incidentID uuid.UUID) *sync.Mutex {
	h := fnv.New32a()
	h.Write(incidentID[:])
	return &d.locks[h.Sum32()%uint32(len(d.locks))]
}

// Dispatch evaluates an incident against the alert threshold. Below the
// threshold nothing happens. Above it, a new alert is created unless the
// incident already has an open one; an open alert is escalated in place
// when the incident severity has risen above it, never duplicated.
func (d *Dispatcher) Dispatch(ctx context.Context, incident *entity.Incident) (*entity.Alert, error) {
	if incident.AggregateScore < d.threshold {
		return nil, nil
	}

	mu := d.lockFor(incident.ID)
	mu.Lock()
	defer mu.Unlock()

	existing, err := d.alerts.GetOpenByIncident(ctx, incident.ID)
	if err != nil && !entity.HasErrorCode(err, entity.ErrCodeNotFound) {
		return nil, err
	}

	if existing != nil {
		if incident.Severity.Rank() <= existing.Severity.Rank() {
			return existing, nil
		}
		if err := existing.Escalate(incident.Severity); err != nil {
			return nil, err
		}
		if err := d.alerts.Update(ctx, existing); err != nil {
			return nil, err
		}
		d.metrics.RecordAlertTransition("escalated")
		d.notify(ctx, TopicAlertEscalated, existing, "auto-escalated")
		return existing, nil
	}

	alert := entity.NewAlert(incident.ID, incident.Severity, alertTitle(incident), recommendedActions(incident))
	if err := d.alerts.Create(ctx, alert); err != nil {
		return nil, err
	}
	d.metrics.RecordAlertTransition("created")
	d.logger.Info("alert created",
		logging.String("alert_id", alert.ID.String()),
		logging.String("incident_id", incident.ID.String()),
		logging.String("severity", string(alert.Severity)),
	)
	d.notify(ctx, TopicAlertCreated, alert, "created")
	return alert, nil
}

// Acknowledge marks an alert as seen by an operator.
func (d *Dispatcher) Acknowledge(ctx context.Context, alertID uuid.UUID, by string) (*entity.Alert, error) {
	return d.applyTransition(ctx, alertID, "acknowledged", func(a *entity.Alert) error {
		return a.Acknowledge(by)
	})
}

// Dismiss closes an alert as not actionable. The reason is mandatory.
func (d *Dispatcher) Dismiss(ctx context.Context, alertID uuid.UUID, reason string) (*entity.Alert, error) {
	return d.applyTransition(ctx, alertID, "dismissed", func(a *entity.Alert) error {
		return a.Dismiss(reason)
	})
}

// Escalate raises an alert to a strictly higher severity.
func (d *Dispatcher) Escalate(ctx context.Context, alertID uuid.UUID, severity entity.Severity) (*entity.Alert, error) {
	return d.applyTransition(ctx, alertID, "escalated", func(a *entity.Alert) error {
		return a.Escalate(severity)
	})
}

// Resolve closes an alert as handled.
func (d *Dispatcher) Resolve(ctx context.Context, alertID uuid.UUID) (*entity.Alert, error) {
	return d.applyTransition(ctx, alertID, "resolved", func(a *entity.Alert) error {
		return a.Resolve()
	})
}

func (d *Dispatcher) applyTransition(ctx context.Context, alertID uuid.UUID, transition string, apply func(*entity.Alert) error) (*entity.Alert, error) {
	alert, err := d.alerts.GetByID(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if err := apply(alert); err != nil {
		return nil, err
	}
	if err := d.alerts.Update(ctx, alert); err != nil {
		return nil, err
	}
	d.metrics.RecordAlertTransition(transition)
	d.notify(ctx, TopicAlertTransition, alert, transition)
	return alert, nil
}

// notify publishes the lifecycle change. Failure is logged and counted but
// never surfaces: the state transition has already been committed.
func (d *Dispatcher) notify(ctx context.Context, topic string, alert *entity.Alert, transition string) {
	if d.publisher == nil {
		return
	}
	payload := AlertNotification{
		AlertID:    alert.ID,
		IncidentID: alert.IncidentID,
		Status:     alert.Status,
		Severity:   alert.Severity,
		Title:      alert.Title,
		Transition: transition,
	}
	if err := d.publisher.Publish(ctx, topic, payload); err != nil {
		d.metrics.RecordNotificationFailure(topic)
		d.logger.Warn("notification publish failed",
			logging.String("alert_id", alert.ID.String()),
			logging.String("topic", topic),
			logging.Error(err),
		)
	}
}

func alertTitle(incident *entity.Incident) string {
	return fmt.Sprintf("%s threat activity on %s (%d events, score %.2f)",
		incident.EventType, incident.EntityID, incident.EventCount(), incident.AggregateScore)
}

// recommendedActions suggests first-response steps keyed on the incident's
// event type and severity.
func recommendedActions(incident *entity.Incident) []string {
	actions := []string{"Review constituent events and contributing features"}
	switch incident.EventType {
	case entity.EventTypeAuth:
		actions = append(actions, "Force credential rotation for the entity", "Check for concurrent sessions from unfamiliar locations")
	case entity.EventTypeNetwork:
		actions = append(actions, "Inspect connection targets and transfer volumes", "Consider quarantining the source host")
	case entity.EventTypeHTTP:
		actions = append(actions, "Inspect request payloads for injection patterns", "Tighten WAF rules for the offending path")
	case entity.EventTypeFile:
		actions = append(actions, "Verify file integrity against known-good hashes", "Scan the host for persistence mechanisms")
	}
	if incident.Severity == entity.SeverityCritical {
		actions = append(actions, "Engage the on-call incident responder immediately")
	}
	return actions
}
