package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentrasec/detection-engine/domain/entity"
)

func TestBaselineRoundTrip(t *testing.T) {
	b := entity.NewBaseline("user-42", 10)
	b.Observations = 37
	b.Stats[0] = entity.FeatureStat{Mean: 3.5, Variance: 1.25}
	b.Remember("country", "US")
	b.Remember("device", "laptop-1")
	b.UpdatedAt = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	payload, err := encodeBaseline(b)
	require.NoError(t, err)

	decoded, err := decodeBaseline(payload)
	require.NoError(t, err)

	assert.Equal(t, b.EntityID, decoded.EntityID)
	assert.Equal(t, b.Observations, decoded.Observations)
	assert.Equal(t, b.Stats[0], decoded.Stats[0])
	assert.True(t, decoded.Knows("country", "US"))
	assert.True(t, decoded.Knows("device", "laptop-1"))
	assert.False(t, decoded.Knows("country", "KP"))
}

func TestDecodeBaselineRejectsGarbage(t *testing.T) {
	_, err := decodeBaseline([]byte("not a snapshot"))
	assert.Error(t, err)
}
