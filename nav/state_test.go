package nav

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateTracker_LatestValues(t *testing.T) {
	st := NewStateTracker()
	_, ok := st.GetCoordinate()
	assert.False(t, ok)
	_, ok = st.GetTarget()
	assert.False(t, ok)
	_, ok = st.GetSeed()
	assert.False(t, ok)
	assert.True(t, st.LastUpdate().IsZero())

	st.UpdateCoordinate(NavCoordinate{Sequence: 1})
	st.UpdateCoordinate(NavCoordinate{Sequence: 2})
	st.UpdateTarget(TargetStatus{Distance: 4})
	st.UpdateSeed(TractSeed{Seed: Vec3{1, 0, 0}})

	c, ok := st.GetCoordinate()
	require.True(t, ok)
	assert.Equal(t, uint64(2), c.Sequence)
	tg, ok := st.GetTarget()
	require.True(t, ok)
	assert.Equal(t, 4.0, tg.Distance)
	s, ok := st.GetSeed()
	require.True(t, ok)
	assert.Equal(t, Vec3{1, 0, 0}, s.Seed)
	assert.WithinDuration(t, time.Now(), st.LastUpdate(), time.Second)

	st.ClearTarget()
	_, ok = st.GetTarget()
	assert.False(t, ok)
}

func TestStateTracker_Subscribe(t *testing.T) {
	st := NewStateTracker()
	ch, cancel := st.Subscribe()
	assert.Equal(t, 1, st.SubscriberCount())

	st.UpdateCoordinate(NavCoordinate{Sequence: 1})
	// The buffer holds one item; further updates are dropped, not blocked on
	st.UpdateCoordinate(NavCoordinate{Sequence: 2})

	select {
	case c := <-ch:
		assert.Equal(t, uint64(1), c.Sequence)
	case <-time.After(time.Second):
		t.Fatal("no coordinate delivered")
	}

	cancel()
	cancel()
	assert.Equal(t, 0, st.SubscriberCount())
	_, open := <-ch
	assert.False(t, open)

	// Updates after cancel do not panic on the closed channel
	st.UpdateCoordinate(NavCoordinate{Sequence: 3})
}
