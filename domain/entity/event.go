package entity

import (
	"time"

	"github.com/google/uuid"
)

// EventType classifies the source surface an event was observed on.
type EventType string

const (
	EventTypeNetwork EventType = "network"
	EventTypeAuth    EventType = "auth"
	EventTypeFile    EventType = "file"
	EventTypeHTTP    EventType = "http"
)

// KnownEventTypes lists every event type the pipeline accepts.
var KnownEventTypes = []EventType{EventTypeNetwork, EventTypeAuth, EventTypeFile, EventTypeHTTP}

// IsValid reports whether the event type is one the pipeline understands.
func (t EventType) IsValid() bool {
	for _, known := range KnownEventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Event is an immutable record of a single observation attributed to an
// entity (user, IP or session). Created on ingestion and never mutated;
// retained only for a bounded replay window.
type Event struct {
	ID         uuid.UUID              `json:"id" bson:"_id"`
	EntityID   string                 `json:"entity_id" bson:"entity_id"`
	Type       EventType              `json:"type" bson:"type"`
	Timestamp  time.Time              `json:"timestamp" bson:"timestamp"`
	Attributes map[string]interface{} `json:"attributes" bson:"attributes"`
}

// NewEvent creates an event with a fresh id, defaulting the timestamp to now.
func NewEvent(entityID string, eventType EventType, attributes map[string]interface{}) *Event {
	if attributes == nil {
		attributes = make(map[string]interface{})
	}
	return &Event{
		ID:         uuid.New(),
		EntityID:   entityID,
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		Attributes: attributes,
	}
}

// StringAttr returns a string attribute, or the sentinel "unknown" when the
// attribute is missing or not a string. Malformed input degrades feature
// quality rather than failing the pipeline.
func (e *Event) StringAttr(key string) string {
	if v, ok := e.Attributes[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return "unknown"
}

// FloatAttr returns a numeric attribute, or 0 when missing or non-numeric.
// JSON decoding produces float64 for all numbers; integer values stored
// directly are accepted as well.
func (e *Event) FloatAttr(key string) float64 {
	v, ok := e.Attributes[key]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

// Validate checks the minimal shape required for ingestion.
func (e *Event) Validate() error {
	if e.EntityID == "" {
		return ErrInvalidInput("entity_id")
	}
	if !e.Type.IsValid() {
		return ErrInvalidInput("type")
	}
	return nil
}
