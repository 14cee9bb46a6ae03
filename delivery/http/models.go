package http

import (
	"time"

	"github.com/google/uuid"

	"github.com/sentrasec/detection-engine/domain/entity"
)

// analyzeEventRequest is the wire shape of a single event submission. The id
// and timestamp are optional; omitted values are assigned on ingestion.
type analyzeEventRequest struct {
	ID         string                 `json:"id"`
	EntityID   string                 `json:"entity_id" binding:"required"`
	Type       string                 `json:"type" binding:"required"`
	Timestamp  *time.Time             `json:"timestamp"`
	Attributes map[string]interface{} `json:"attributes"`
}

func (r analyzeEventRequest) toEntity() (*entity.Event, error) {
	event := entity.NewEvent(r.EntityID, entity.EventType(r.Type), r.Attributes)
	if r.ID != "" {
		id, err := uuid.Parse(r.ID)
		if err != nil {
			return nil, entity.ErrInvalidInput("id")
		}
		event.ID = id
	}
	if r.Timestamp != nil {
		event.Timestamp = r.Timestamp.UTC()
	}
	if err := event.Validate(); err != nil {
		return nil, err
	}
	return event, nil
}

type analyzeBatchRequest struct {
	Events []analyzeEventRequest `json:"events" binding:"required"`
}

type incidentStatusRequest struct {
	Status string `json:"status" binding:"required"`
	Actor  string `json:"actor" binding:"required"`
	Reason string `json:"reason"`
}

type acknowledgeAlertRequest struct {
	By string `json:"by" binding:"required"`
}

type dismissAlertRequest struct {
	Reason string `json:"reason" binding:"required"`
}

type escalateAlertRequest struct {
	Severity string `json:"severity" binding:"required"`
}

type rollbackModelRequest struct {
	Version string `json:"version" binding:"required"`
}

type recordOutcomeRequest struct {
	EventID   string `json:"event_id" binding:"required"`
	WasThreat *bool  `json:"was_threat" binding:"required"`
}

// errorResponse is the uniform error envelope.
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type healthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Version string `json:"version"`
}
