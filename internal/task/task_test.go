package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/camcore/internal/frame"
	"github.com/msageha/camcore/internal/params"
)

func newRecord(outputs int) *Record {
	out := frame.BufferMap{}
	for i := 0; i < outputs; i++ {
		out[frame.Port(i)] = &frame.Buffer{Sequence: 3}
	}
	in := frame.BufferMap{frame.MainPort: &frame.Buffer{Sequence: 3}}
	return New(3, in, out, TuningModeVideo, Flags{}, params.Settings{Sequence: 3})
}

func TestNew_CopiesMaps(t *testing.T) {
	out := frame.BufferMap{frame.MainPort: &frame.Buffer{}}
	r := New(1, frame.BufferMap{}, out, TuningModeVideo, Flags{}, params.Settings{})
	out[frame.SecondPort] = &frame.Buffer{}

	assert.Equal(t, 1, r.ValidOutputs())
	assert.NotEmpty(t, r.ID)
}

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StateBuilt, StateDispatched, true},
		{StateBuilt, StateCompleted, false},
		{StateDispatched, StatePartiallyReturned, true},
		{StateDispatched, StateCompleted, true},
		{StatePartiallyReturned, StatePartiallyReturned, true},
		{StatePartiallyReturned, StateCompleted, true},
		{StateCompleted, StateDispatched, false},
		{State("bogus"), StateDispatched, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestProgress_CompletesExactlyOnce(t *testing.T) {
	p := NewProgress(newRecord(3))
	require.NoError(t, p.Dispatch())

	done, err := p.BufferReturned()
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, StatePartiallyReturned, p.State)

	done, err = p.BufferReturned()
	require.NoError(t, err)
	assert.False(t, done)

	done, err = p.BufferReturned()
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, StateCompleted, p.State)
	assert.Equal(t, 3, p.Returned)

	_, err = p.BufferReturned()
	assert.Error(t, err, "returns after completion are rejected")
}

func TestProgress_NoOutputsCompletesOnDispatch(t *testing.T) {
	p := NewProgress(newRecord(0))
	require.NoError(t, p.Dispatch())
	assert.Equal(t, StateCompleted, p.State)
}

func TestProgress_MarkTaskDone(t *testing.T) {
	p := NewProgress(newRecord(1))
	assert.True(t, p.MarkTaskDone())
	assert.False(t, p.MarkTaskDone())
}

func TestInFlight_Multiset(t *testing.T) {
	f := NewInFlight()
	f.Add(5)
	f.Add(5)
	f.Add(7)

	assert.Equal(t, 3, f.Len())
	assert.Equal(t, 2, f.Count(5))
	assert.Equal(t, []int64{5, 7}, f.Sequences())

	assert.True(t, f.Remove(5))
	assert.True(t, f.Contains(5), "one occurrence of 5 remains")
	assert.True(t, f.Remove(5))
	assert.False(t, f.Contains(5))
	assert.False(t, f.Remove(5))
	assert.Equal(t, 1, f.Len())

	f.Clear()
	assert.Equal(t, 0, f.Len())
}
