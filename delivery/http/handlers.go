package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/sentrasec/detection-engine/domain/entity"
	"github.com/sentrasec/detection-engine/domain/repository"
	"github.com/sentrasec/detection-engine/usecase"
)

// Handlers binds the usecases to the HTTP surface.
type Handlers struct {
	detection *usecase.DetectionUseCase
	incidents *usecase.IncidentUseCase
	alerts    *usecase.AlertUseCase
	models    *usecase.ModelUseCase
}

// NewHandlers creates the handler set.
func NewHandlers(
	detection *usecase.DetectionUseCase,
	incidents *usecase.IncidentUseCase,
	alerts *usecase.AlertUseCase,
	models *usecase.ModelUseCase,
) *Handlers {
	return &Handlers{
		detection: detection,
		incidents: incidents,
		alerts:    alerts,
		models:    models,
	}
}

// AnalyzeEvent handles POST /api/v1/events/analyze.
func (h *Handlers) AnalyzeEvent(c *gin.Context) {
	var req analyzeEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, entity.ErrInvalidInput("body"))
		return
	}

	event, err := req.toEntity()
	if err != nil {
		abortWithError(c, err)
		return
	}

	result, err := h.detection.AnalyzeEvent(c.Request.Context(), event)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// AnalyzeBatch handles POST /api/v1/events/analyze/batch.
func (h *Handlers) AnalyzeBatch(c *gin.Context) {
	var req analyzeBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, entity.ErrInvalidInput("body"))
		return
	}

	// Shape errors are delivered through their batch slot so one bad event
	// does not reject the rest.
	items := make([]usecase.BatchItem, len(req.Events))
	events := make([]*entity.Event, 0, len(req.Events))
	slots := make([]int, 0, len(req.Events))
	for i, item := range req.Events {
		event, err := item.toEntity()
		if err != nil {
			items[i] = usecase.BatchItem{Error: err.Error()}
			continue
		}
		events = append(events, event)
		slots = append(slots, i)
	}

	if len(events) > 0 {
		analyzed, err := h.detection.AnalyzeBatch(c.Request.Context(), events)
		if err != nil {
			abortWithError(c, err)
			return
		}
		for j, item := range analyzed {
			items[slots[j]] = item
		}
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// AnalyzeBehavior handles POST /api/v1/behavior/analyze.
func (h *Handlers) AnalyzeBehavior(c *gin.Context) {
	var req analyzeEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, entity.ErrInvalidInput("body"))
		return
	}

	event, err := req.toEntity()
	if err != nil {
		abortWithError(c, err)
		return
	}

	result, err := h.detection.AnalyzeBehavior(c.Request.Context(), event)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// GetBaseline handles GET /api/v1/baselines/:entityID.
func (h *Handlers) GetBaseline(c *gin.Context) {
	baseline, err := h.detection.GetBaseline(c.Request.Context(), c.Param("entityID"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, baseline)
}

// ResetBaseline handles POST /api/v1/baselines/:entityID/reset.
func (h *Handlers) ResetBaseline(c *gin.Context) {
	if err := h.detection.ResetBaseline(c.Request.Context(), c.Param("entityID")); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListIncidents handles GET /api/v1/incidents.
func (h *Handlers) ListIncidents(c *gin.Context) {
	if c.Query("active") == "true" {
		c.JSON(http.StatusOK, gin.H{"incidents": h.incidents.Active()})
		return
	}

	filter := repository.IncidentFilter{
		EntityID:  c.Query("entity_id"),
		EventType: entity.EventType(c.Query("event_type")),
		Status:    entity.IncidentStatus(c.Query("status")),
	}
	incidents, err := h.incidents.List(c.Request.Context(), filter)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"incidents": incidents})
}

// GetIncident handles GET /api/v1/incidents/:id.
func (h *Handlers) GetIncident(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		abortWithError(c, entity.ErrInvalidInput("id"))
		return
	}

	incident, err := h.incidents.Get(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, incident)
}

// CorrelateIncident handles POST /api/v1/incidents/:id/correlate.
func (h *Handlers) CorrelateIncident(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		abortWithError(c, entity.ErrInvalidInput("id"))
		return
	}

	related, err := h.incidents.Correlate(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"related": related})
}

// UpdateIncidentStatus handles POST /api/v1/incidents/:id/status.
func (h *Handlers) UpdateIncidentStatus(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		abortWithError(c, entity.ErrInvalidInput("id"))
		return
	}

	var req incidentStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, entity.ErrInvalidInput("body"))
		return
	}

	incident, err := h.incidents.UpdateStatus(c.Request.Context(), id, entity.IncidentStatus(req.Status), req.Actor, req.Reason)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, incident)
}

// ListAlerts handles GET /api/v1/alerts.
func (h *Handlers) ListAlerts(c *gin.Context) {
	filter := repository.AlertFilter{
		Status:   entity.AlertStatus(c.Query("status")),
		Severity: entity.Severity(c.Query("severity")),
	}
	if raw := c.Query("incident_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			abortWithError(c, entity.ErrInvalidInput("incident_id"))
			return
		}
		filter.IncidentID = id
	}

	alerts, err := h.alerts.List(c.Request.Context(), filter)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts})
}

// GetAlert handles GET /api/v1/alerts/:id.
func (h *Handlers) GetAlert(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		abortWithError(c, entity.ErrInvalidInput("id"))
		return
	}

	alert, err := h.alerts.Get(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, alert)
}

// AcknowledgeAlert handles POST /api/v1/alerts/:id/acknowledge.
func (h *Handlers) AcknowledgeAlert(c *gin.Context) {
	h.alertTransition(c, func(id uuid.UUID) (*entity.Alert, error) {
		var req acknowledgeAlertRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			return nil, entity.ErrInvalidInput("body")
		}
		return h.alerts.Acknowledge(c.Request.Context(), id, req.By)
	})
}

// DismissAlert handles POST /api/v1/alerts/:id/dismiss.
func (h *Handlers) DismissAlert(c *gin.Context) {
	h.alertTransition(c, func(id uuid.UUID) (*entity.Alert, error) {
		var req dismissAlertRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			return nil, entity.ErrInvalidInput("body")
		}
		return h.alerts.Dismiss(c.Request.Context(), id, req.Reason)
	})
}

// EscalateAlert handles POST /api/v1/alerts/:id/escalate.
func (h *Handlers) EscalateAlert(c *gin.Context) {
	h.alertTransition(c, func(id uuid.UUID) (*entity.Alert, error) {
		var req escalateAlertRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			return nil, entity.ErrInvalidInput("body")
		}
		return h.alerts.Escalate(c.Request.Context(), id, entity.Severity(req.Severity))
	})
}

// ResolveAlert handles POST /api/v1/alerts/:id/resolve.
func (h *Handlers) ResolveAlert(c *gin.Context) {
	h.alertTransition(c, func(id uuid.UUID) (*entity.Alert, error) {
		return h.alerts.Resolve(c.Request.Context(), id)
	})
}

func (h *Handlers) alertTransition(c *gin.Context, apply func(uuid.UUID) (*entity.Alert, error)) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		abortWithError(c, entity.ErrInvalidInput("id"))
		return
	}

	alert, err := apply(id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, alert)
}

// GetModel handles GET /api/v1/models/:type.
func (h *Handlers) GetModel(c *gin.Context) {
	overview, err := h.models.Overview(c.Request.Context(), c.Param("type"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, overview)
}

// RetrainModel handles POST /api/v1/models/:type/retrain.
func (h *Handlers) RetrainModel(c *gin.Context) {
	state, err := h.models.Retrain(c.Request.Context(), c.Param("type"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// RollbackModel handles POST /api/v1/models/:type/rollback.
func (h *Handlers) RollbackModel(c *gin.Context) {
	var req rollbackModelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, entity.ErrInvalidInput("body"))
		return
	}

	state, err := h.models.Rollback(c.Request.Context(), c.Param("type"), req.Version)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// RecordOutcome handles POST /api/v1/models/:type/outcomes.
func (h *Handlers) RecordOutcome(c *gin.Context) {
	var req recordOutcomeRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.WasThreat == nil {
		abortWithError(c, entity.ErrInvalidInput("body"))
		return
	}

	eventID, err := uuid.Parse(req.EventID)
	if err != nil {
		abortWithError(c, entity.ErrInvalidInput("event_id"))
		return
	}

	if err := h.models.RecordOutcome(c.Request.Context(), eventID, *req.WasThreat); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}
