package baseline

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentrasec/detection-engine/domain/entity"
	"github.com/sentrasec/detection-engine/infrastructure/feature"
	"github.com/sentrasec/detection-engine/pkg/logging"
	"github.com/sentrasec/detection-engine/pkg/metrics"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(8, 4, 6*time.Hour, metrics.NewCollector("baseline-test"), logging.NewNop())
}

func vec(values ...float64) entity.FeatureVector {
	names := make([]string, len(values))
	for i := range names {
		names[i] = fmt.Sprintf("f%d", i)
	}
	return entity.FeatureVector{Names: names, Values: values}
}

func TestUpdateCreatesBaselineLazily(t *testing.T) {
	s := newTestStore(t)
	assert.Nil(t, s.Get("u1"))

	ev := entity.NewEvent("u1", entity.EventTypeAuth, nil)
	s.Update("u1", ev, vec(1, 2, 3, 4))

	b := s.Get("u1")
	require.NotNil(t, b)
	assert.Equal(t, int64(1), b.Observations)
	assert.Equal(t, int64(1), s.Count())
}

func TestUpdateConvergesTowardObservations(t *testing.T) {
	s := newTestStore(t)
	ev := entity.NewEvent("u1", entity.EventTypeAuth, nil)

	for i := 0; i < 100; i++ {
		s.Update("u1", ev, vec(10, 0, 0, 0))
	}

	b := s.Get("u1")
	require.NotNil(t, b)
	assert.InDelta(t, 10.0, b.Stats[0].Mean, 0.5)
	assert.Less(t, b.Stats[0].Variance, entity.ColdStartVariance)
	assert.Equal(t, 1.0, b.Confidence())
}

func TestUpdateRemembersCategoricalValues(t *testing.T) {
	s := newTestStore(t)
	ev := entity.NewEvent("u1", entity.EventTypeAuth, map[string]interface{}{
		feature.AttrSourceCountry: "US",
		feature.AttrDeviceID:      "laptop-1",
	})
	s.Update("u1", ev, vec(0, 0, 0, 0))

	b := s.Get("u1")
	require.NotNil(t, b)
	assert.True(t, b.Knows(feature.CategoryCountry, "US"))
	assert.True(t, b.Knows(feature.CategoryDevice, "laptop-1"))
	assert.False(t, b.Knows(feature.CategoryCountry, "KP"))
}

func TestGetReturnsSnapshot(t *testing.T) {
	s := newTestStore(t)
	ev := entity.NewEvent("u1", entity.EventTypeAuth, nil)
	s.Update("u1", ev, vec(1, 1, 1, 1))

	snap := s.Get("u1")
	snap.Stats[0].Mean = 9999
	snap.Remember(feature.CategoryCountry, "ZZ")

	fresh := s.Get("u1")
	assert.NotEqual(t, 9999.0, fresh.Stats[0].Mean)
	assert.False(t, fresh.Knows(feature.CategoryCountry, "ZZ"))
}

func TestResetDiscardsProfile(t *testing.T) {
	s := newTestStore(t)
	ev := entity.NewEvent("u1", entity.EventTypeAuth, nil)
	s.Update("u1", ev, vec(1, 1, 1, 1))

	s.Reset("u1")
	assert.Nil(t, s.Get("u1"))
	assert.Equal(t, int64(0), s.Count())

	s.Update("u1", ev, vec(1, 1, 1, 1))
	b := s.Get("u1")
	require.NotNil(t, b)
	assert.Equal(t, int64(1), b.Observations, "reset entity restarts cold")
}

func TestSnapshotAndRestore(t *testing.T) {
	s := newTestStore(t)
	ev1 := entity.NewEvent("u1", entity.EventTypeAuth, nil)
	ev2 := entity.NewEvent("u2", entity.EventTypeHTTP, nil)
	s.Update("u1", ev1, vec(1, 1, 1, 1))
	s.Update("u2", ev2, vec(2, 2, 2, 2))

	snapshot := s.Snapshot()
	require.Len(t, snapshot, 2)

	fresh := newTestStore(t)
	restored := fresh.Restore(snapshot)
	assert.Equal(t, 2, restored)
	assert.NotNil(t, fresh.Get("u1"))
	assert.NotNil(t, fresh.Get("u2"))

	// in-memory profiles win over restored ones
	again := fresh.Restore(snapshot)
	assert.Zero(t, again)
}

func TestConcurrentUpdatesSameEntity(t *testing.T) {
	s := newTestStore(t)
	ev := entity.NewEvent("u1", entity.EventTypeAuth, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s.Update("u1", ev, vec(1, 2, 3, 4))
			}
		}()
	}
	wg.Wait()

	b := s.Get("u1")
	require.NotNil(t, b)
	assert.Equal(t, int64(400), b.Observations)
}
