package scheduler

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/camcore/internal/model"
)

// trace records node invocations across executors in call order.
type trace struct {
	mu      sync.Mutex
	entries []string
}

func (tr *trace) node(name string, err error) Node {
	return NewNode(name, func(tick int64) error {
		tr.mu.Lock()
		tr.entries = append(tr.entries, fmt.Sprintf("%s:%d", name, tick))
		tr.mu.Unlock()
		return err
	})
}

func (tr *trace) snapshot() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.entries...)
}

func (tr *trace) has(entry string) bool {
	for _, e := range tr.snapshot() {
		if e == entry {
			return true
		}
	}
	return false
}

func testLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func chainedScheduler(t *testing.T, cfg model.SchedulerConfig) *Scheduler {
	t.Helper()
	policy := NewStaticPolicy([]model.ExecutorConfig{
		{Name: "A", TriggerSource: "", Nodes: []string{"a1", "a2"}},
		{Name: "B", TriggerSource: "A", Nodes: []string{"b1"}},
	})
	s := New(cfg, policy, testLogger(), model.LogLevelDebug)
	require.NoError(t, s.Configure(7))
	t.Cleanup(s.Stop)
	return s
}

func TestChainedTriggerPropagatesTick(t *testing.T) {
	s := chainedScheduler(t, model.SchedulerConfig{})
	tr := &trace{}
	require.NoError(t, s.RegisterNode(tr.node("a1", nil)))
	require.NoError(t, s.RegisterNode(tr.node("a2", nil)))
	require.NoError(t, s.RegisterNode(tr.node("b1", nil)))
	s.Start()

	s.ExecuteNode("", 42)
	require.Eventually(t, func() bool { return tr.has("b1:42") }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"a1:42", "a2:42", "b1:42"}, tr.snapshot())

	// A negative tick falls back to the trigger counter.
	s.ExecuteNode("", -1)
	require.Eventually(t, func() bool { return tr.has("b1:2") }, time.Second, time.Millisecond)
	assert.Equal(t, int64(2), s.Executor("B").LastTick())
}

func TestExecuteNodeMatchesSourceOnly(t *testing.T) {
	s := chainedScheduler(t, model.SchedulerConfig{})
	tr := &trace{}
	require.NoError(t, s.RegisterNode(tr.node("b1", nil)))
	s.Start()

	s.ExecuteNode("sensor", 5)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, tr.snapshot(), "no executor listens to sensor")

	s.ExecuteNode("A", 6)
	require.Eventually(t, func() bool { return tr.has("b1:6") }, time.Second, time.Millisecond)
}

func TestRegisterNode(t *testing.T) {
	s := chainedScheduler(t, model.SchedulerConfig{})
	tr := &trace{}

	assert.ErrorIs(t, s.RegisterNode(tr.node("zz", nil)), ErrNodeNotClaimed)
	require.NoError(t, s.RegisterNode(tr.node("a1", nil)))
	assert.Equal(t, []string{"a1"}, s.Executor("A").NodeNames())

	s.Start()
	assert.ErrorIs(t, s.RegisterNode(tr.node("a2", nil)), ErrExecutorActive)
	assert.ErrorIs(t, s.UnregisterNode("a1"), ErrExecutorActive)
	assert.Equal(t, []string{"a1"}, s.Executor("A").NodeNames(), "membership frozen while active")

	s.Stop()
	require.NoError(t, s.UnregisterNode("a1"))
	assert.Empty(t, s.Executor("A").NodeNames())
	assert.Error(t, s.UnregisterNode("a1"))
}

func TestNodeFailureDoesNotStopSiblings(t *testing.T) {
	s := chainedScheduler(t, model.SchedulerConfig{})
	tr := &trace{}
	require.NoError(t, s.RegisterNode(tr.node("a1", errors.New("3A diverged"))))
	require.NoError(t, s.RegisterNode(tr.node("a2", nil)))
	require.NoError(t, s.RegisterNode(tr.node("b1", nil)))
	s.Start()

	s.ExecuteNode("", 1)
	require.Eventually(t, func() bool { return tr.has("b1:1") }, time.Second, time.Millisecond)
	assert.True(t, tr.has("a2:1"))

	stats := s.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "A", stats[0].Name)
	assert.Equal(t, uint64(1), stats[0].NodeFailures)
	assert.Equal(t, uint64(1), stats[0].Ticks)
	assert.Equal(t, "A", stats[1].TriggerSource)
}

func TestTriggerWaitTimeoutSkipsNodes(t *testing.T) {
	tr := &trace{}
	e := NewExecutor("solo", "", ExecutorOptions{TriggerWaitTimeout: 5 * time.Millisecond}, testLogger(), model.LogLevelDebug)
	require.True(t, e.AddNode(tr.node("n", nil)))
	e.Start()
	defer e.Stop()

	require.Eventually(t, func() bool { return e.Stats().WaitTimeouts >= 2 }, time.Second, time.Millisecond)
	assert.Empty(t, tr.snapshot(), "a timeout does not run the nodes")

	e.Trigger(9)
	require.Eventually(t, func() bool { return tr.has("n:9") }, time.Second, time.Millisecond)
	assert.Len(t, tr.snapshot(), 1)
}

func TestExecutorLifecycle(t *testing.T) {
	tr := &trace{}
	e := NewExecutor("solo", "", ExecutorOptions{}, testLogger(), model.LogLevelInfo)
	e.Stop()
	e.Trigger(1)
	assert.False(t, e.Active())

	require.True(t, e.AddNode(tr.node("n", nil)))
	e.Start()
	e.Start()
	assert.True(t, e.Active())
	assert.False(t, e.AddNode(tr.node("m", nil)))
	assert.False(t, e.RemoveNode("n"))

	e.Trigger(3)
	require.Eventually(t, func() bool { return tr.has("n:3") }, time.Second, time.Millisecond)

	e.Stop()
	e.Stop()
	e.Trigger(4)
	time.Sleep(10 * time.Millisecond)
	assert.False(t, tr.has("n:4"))
	assert.True(t, e.RemoveNode("n"))

	require.True(t, e.AddNode(tr.node("n", nil)))
	e.Start()
	defer e.Stop()
	assert.Equal(t, int64(0), e.LastTick(), "start resets the tick")
}

func TestNextBoundary(t *testing.T) {
	const period, tol = 10000, 1000
	cases := []struct {
		now, last int64
		idx       int64
		wait      time.Duration
	}{
		{now: 20000, last: -1, idx: 2, wait: 0},
		{now: 20500, last: 1, idx: 2, wait: 0},
		{now: 20500, last: 2, idx: 2, wait: 9500 * time.Microsecond},
		{now: 25000, last: 2, idx: 2, wait: 5000 * time.Microsecond},
		{now: 29500, last: 2, idx: 3, wait: 0},
		{now: 30200, last: 3, idx: 3, wait: 9800 * time.Microsecond},
	}
	for _, c := range cases {
		idx, wait := nextBoundary(c.now, period, tol, c.last)
		assert.Equal(t, c.idx, idx, "now=%d", c.now)
		assert.Equal(t, c.wait, wait, "now=%d", c.now)
	}
}

func TestClockAlignedIgnoresTriggers(t *testing.T) {
	s := chainedScheduler(t, model.SchedulerConfig{ClockAlignPeriodMs: 5, ClockAlignToleranceUs: 2000})
	tr := &trace{}
	require.NoError(t, s.RegisterNode(tr.node("a1", nil)))
	s.Start()
	s.ExecuteNode("", 1000)

	require.Eventually(t, func() bool { return tr.has("a1:3") }, 2*time.Second, time.Millisecond)
	entries := tr.snapshot()
	assert.Equal(t, []string{"a1:1", "a1:2", "a1:3"}, entries[:3])
	assert.False(t, tr.has("a1:1000"))
	assert.True(t, s.Executor("A").ClockAligned())
}

func TestConfigureErrors(t *testing.T) {
	empty := New(model.SchedulerConfig{}, NewStaticPolicy(nil), testLogger(), model.LogLevelInfo)
	assert.Error(t, empty.Configure(1))

	dup := New(model.SchedulerConfig{}, NewStaticPolicy([]model.ExecutorConfig{{Name: "A"}, {Name: "A"}}), testLogger(), model.LogLevelInfo)
	assert.Error(t, dup.Configure(1))

	loop := New(model.SchedulerConfig{}, NewStaticPolicy([]model.ExecutorConfig{
		{Name: "root"},
		{Name: "A", TriggerSource: "B"},
		{Name: "B", TriggerSource: "A"},
	}), testLogger(), model.LogLevelInfo)
	err := loop.Configure(1)
	assert.ErrorIs(t, err, ErrTriggerCycle)
	assert.Contains(t, err.Error(), "A, B")

	self := New(model.SchedulerConfig{}, NewStaticPolicy([]model.ExecutorConfig{{Name: "A", TriggerSource: "A"}}), testLogger(), model.LogLevelInfo)
	assert.ErrorIs(t, self.Configure(1), ErrTriggerCycle)

	s := chainedScheduler(t, model.SchedulerConfig{})
	s.Start()
	assert.ErrorIs(t, s.Configure(7), ErrExecutorActive)
}
