package messaging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentrasec/detection-engine/config"
	"github.com/sentrasec/detection-engine/domain/entity"
	"github.com/sentrasec/detection-engine/pkg/logging"
	"github.com/sentrasec/detection-engine/pkg/metrics"
)

func testConsumer() *KafkaConsumer {
	cfg := config.KafkaConfig{
		Brokers:       []string{"localhost:9092"},
		ConsumerGroup: "test",
		EventsTopic:   "raw-events",
	}
	return NewKafkaConsumer(cfg, nil, metrics.NewCollector("messaging-test"), logging.NewNop())
}

func TestDecodeValidEvent(t *testing.T) {
	c := testConsumer()
	payload := []byte(`{
		"id": "7d444840-9dc0-11d1-b245-5ffdce74fad2",
		"entity_id": "user-42",
		"type": "auth",
		"timestamp": "2026-03-14T03:00:00Z",
		"attributes": {"failed_attempts": 4, "source_country": "BR"}
	}`)

	event, err := c.decode(payload)
	require.NoError(t, err)
	assert.Equal(t, "7d444840-9dc0-11d1-b245-5ffdce74fad2", event.ID.String())
	assert.Equal(t, "user-42", event.EntityID)
	assert.Equal(t, entity.EventTypeAuth, event.Type)
	assert.Equal(t, 4.0, event.FloatAttr("failed_attempts"))
	assert.Equal(t, "BR", event.StringAttr("source_country"))
}

func TestDecodeDefaultsIDAndTimestamp(t *testing.T) {
	c := testConsumer()
	event, err := c.decode([]byte(`{"entity_id": "u1", "type": "network"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, event.ID)
	assert.False(t, event.Timestamp.IsZero())
}

func TestDecodeRejectsMalformedInput(t *testing.T) {
	c := testConsumer()
	tests := []struct {
		name    string
		payload string
	}{
		{"not json", `{{{`},
		{"missing entity", `{"type": "auth"}`},
		{"unknown type", `{"entity_id": "u1", "type": "carrier-pigeon"}`},
		{"bad id", `{"id": "nope", "entity_id": "u1", "type": "auth"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.decode([]byte(tt.payload))
			require.Error(t, err)
			assert.True(t, entity.HasErrorCode(err, entity.ErrCodeInvalidInput))
		})
	}
}
