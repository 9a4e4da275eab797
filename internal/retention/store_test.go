package retention

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/camcore/internal/frame"
)

func rawMap(seq, ts int64) frame.BufferMap {
	return frame.BufferMap{frame.MainPort: &frame.Buffer{Sequence: seq, Timestamp: ts}}
}

func TestStore_SaveFindTake(t *testing.T) {
	s := NewStore()
	s.Save(1, rawMap(1, 100))
	s.Save(3, rawMap(3, 300))
	s.Save(2, rawMap(2, 200))

	assert.Equal(t, []int64{1, 2, 3}, s.Sequences(), "kept in sequence order")

	m, ok := s.Find(2)
	require.True(t, ok)
	assert.Equal(t, int64(2), m[frame.MainPort].Sequence)

	e, ok := s.FindByTimestamp(300)
	require.True(t, ok)
	assert.Equal(t, int64(3), e.Sequence)
	_, ok = s.FindByTimestamp(999)
	assert.False(t, ok)

	m, ok = s.Take(1)
	require.True(t, ok)
	assert.Equal(t, int64(1), m[frame.MainPort].Sequence)
	assert.False(t, s.Contains(1))
	assert.Equal(t, 2, s.Len())
}

func TestStore_SaveReplaces(t *testing.T) {
	s := NewStore()
	s.Save(1, rawMap(1, 100))
	s.Save(1, rawMap(1, 101))

	assert.Equal(t, 1, s.Len())
	m, _ := s.Find(1)
	assert.Equal(t, int64(101), m[frame.MainPort].Timestamp)
}

func TestStore_EvictOldestFirst(t *testing.T) {
	s := NewStore()
	for i := int64(0); i < 5; i++ {
		s.Save(i, rawMap(i, i))
	}

	evicted := s.Evict(3, nil)
	require.Len(t, evicted, 2)
	assert.Equal(t, int64(0), evicted[0].Sequence)
	assert.Equal(t, int64(1), evicted[1].Sequence)
	assert.Equal(t, []int64{2, 3, 4}, s.Sequences())
}

func TestStore_EvictDeferredWhileInFlight(t *testing.T) {
	s := NewStore()
	for i := int64(0); i < 4; i++ {
		s.Save(i, rawMap(i, i))
	}
	inFlight := map[int64]bool{0: true}
	isInFlight := func(seq int64) bool { return inFlight[seq] }

	evicted := s.Evict(2, isInFlight)
	assert.Empty(t, evicted, "oldest is in flight, eviction deferred")
	assert.Equal(t, 4, s.Len())

	delete(inFlight, 0)
	evicted = s.Evict(2, isInFlight)
	require.Len(t, evicted, 2)
	assert.Equal(t, int64(0), evicted[0].Sequence)
	assert.Equal(t, 2, s.Len())
}

func TestStore_Drain(t *testing.T) {
	s := NewStore()
	s.Save(2, rawMap(2, 2))
	s.Save(1, rawMap(1, 1))

	out := s.Drain()
	require.Len(t, out, 2)
	assert.Equal(t, int64(1), out[0].Sequence)
	assert.Equal(t, 0, s.Len())
}

func TestStore_PinnedEntrySurvivesEviction(t *testing.T) {
	s := NewStore()
	s.Save(1, rawMap(1, 100))
	s.Save(2, rawMap(2, 200))

	e, ok := s.AcquireByTimestamp(100)
	require.True(t, ok)
	assert.Equal(t, int64(1), e.Sequence)
	assert.True(t, s.Pinned(1))

	assert.Empty(t, s.Evict(0, nil), "pinned oldest blocks eviction")
	assert.Equal(t, []int64{1, 2}, s.Sequences())

	_, ok = s.Acquire(1)
	require.True(t, ok)
	s.Release(1)
	assert.True(t, s.Pinned(1), "one pin left")
	assert.Empty(t, s.Evict(0, nil))

	s.Release(1)
	assert.False(t, s.Pinned(1))
	evicted := s.Evict(0, nil)
	require.Len(t, evicted, 2)
	assert.Equal(t, int64(1), evicted[0].Sequence)

	_, ok = s.Acquire(9)
	assert.False(t, ok)
	_, ok = s.AcquireByTimestamp(999)
	assert.False(t, ok)
	assert.False(t, s.Pinned(9))
}

func TestStore_SaveAcquired(t *testing.T) {
	s := NewStore()
	s.SaveAcquired(4, rawMap(4, 400))
	assert.True(t, s.Pinned(4))
	assert.Empty(t, s.Evict(0, nil))

	s.Release(4)
	require.Len(t, s.Evict(0, nil), 1)
}

func TestStore_TakeBefore(t *testing.T) {
	s := NewStore()
	for seq := int64(1); seq <= 5; seq++ {
		s.Save(seq, rawMap(seq, seq*100))
	}
	_, ok := s.Acquire(2)
	require.True(t, ok)
	inFlight := func(seq int64) bool { return seq == 3 }

	taken := s.TakeBefore(5, inFlight)
	require.Len(t, taken, 2)
	assert.Equal(t, int64(1), taken[0].Sequence)
	assert.Equal(t, int64(4), taken[1].Sequence)
	assert.Equal(t, []int64{2, 3, 5}, s.Sequences(), "pinned and in-flight entries stay")

	s.Release(2)
	taken = s.TakeBefore(5, nil)
	require.Len(t, taken, 2)
	assert.Equal(t, []int64{5}, s.Sequences())
	assert.Empty(t, s.TakeBefore(5, nil))
}
