package sequencer

import (
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/camcore/internal/backend"
	"github.com/msageha/camcore/internal/events"
	"github.com/msageha/camcore/internal/frame"
	"github.com/msageha/camcore/internal/model"
	"github.com/msageha/camcore/internal/params"
	"github.com/msageha/camcore/internal/task"
)

type fakeBackend struct {
	mu        sync.Mutex
	listener  backend.Listener
	tasks     []*task.Record
	prepared  []int64
	controls  map[int64]backend.Control
	configErr error
	auto      bool
}

func (b *fakeBackend) Configure(inputs, outputs map[frame.Port]frame.StreamConfig, mode task.TuningMode) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.configErr
}

func (b *fakeBackend) Start() error { return nil }
func (b *fakeBackend) Stop()        {}

func (b *fakeBackend) AddTask(rec *task.Record) {
	b.mu.Lock()
	b.tasks = append(b.tasks, rec)
	auto := b.auto
	b.mu.Unlock()
	if auto {
		b.complete(rec)
	}
}

func (b *fakeBackend) SetControl(seq int64, ctrl backend.Control) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.controls == nil {
		b.controls = make(map[int64]backend.Control)
	}
	b.controls[seq] = ctrl
}

func (b *fakeBackend) PrepareParams(settings params.Settings, seq int64, streamID int32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prepared = append(b.prepared, seq)
	return nil
}

func (b *fakeBackend) SetListener(l backend.Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listener = l
}

func (b *fakeBackend) setAuto(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.auto = v
}

func (b *fakeBackend) complete(rec *task.Record) {
	b.mu.Lock()
	l := b.listener
	b.mu.Unlock()
	for _, p := range rec.Outputs.Ports() {
		out := rec.Outputs[p]
		out.Sequence = rec.Sequence
		l.OnBufferDone(rec.Sequence, p, out)
	}
	l.OnMetadataReady(rec.Sequence, rec.Outputs)
	l.OnTaskDone(rec)
}

func (b *fakeBackend) snapshot() []*task.Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*task.Record(nil), b.tasks...)
}

type fakeProducer struct {
	mu       sync.Mutex
	returned []int64
	ports    []frame.Port
}

func (p *fakeProducer) QBuf(port frame.Port, buf *frame.Buffer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.returned = append(p.returned, buf.Sequence)
	p.ports = append(p.ports, port)
}

func (p *fakeProducer) sequences() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int64(nil), p.returned...)
}

type delivery struct {
	port frame.Port
	buf  *frame.Buffer
	seq  int64
}

type fakeConsumer struct {
	mu       sync.Mutex
	frames   []delivery
	metadata []int64
	taskDone map[int64]int
}

func newFakeConsumer() *fakeConsumer {
	return &fakeConsumer{taskDone: make(map[int64]int)}
}

func (c *fakeConsumer) OnFrameAvailable(port frame.Port, buf *frame.Buffer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, delivery{port: port, buf: buf, seq: buf.Sequence})
}

func (c *fakeConsumer) OnMetadataReady(seq int64, outputs frame.BufferMap) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metadata = append(c.metadata, seq)
}

func (c *fakeConsumer) OnStatsReady(ev backend.StatsEvent) {}

func (c *fakeConsumer) OnTaskDone(seq int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.taskDone[seq]++
}

func (c *fakeConsumer) delivered() []delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]delivery(nil), c.frames...)
}

func (c *fakeConsumer) doneCount(seq int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.taskDone[seq]
}

type harness struct {
	seq  *Sequencer
	be   *fakeBackend
	prod *fakeProducer
	cons *fakeConsumer
}

func newHarness(t *testing.T, cfg model.SequencerConfig, inputs, outputs map[frame.Port]frame.StreamConfig) *harness {
	t.Helper()
	h := &harness{be: &fakeBackend{}, prod: &fakeProducer{}, cons: newFakeConsumer()}
	h.seq = New(cfg, h.be, log.New(io.Discard, "", 0), model.LogLevelDebug)
	h.seq.SetProducer(h.prod)
	h.seq.AddConsumer(h.cons)
	require.NoError(t, h.seq.Configure(inputs, outputs, task.TuningModeVideo))
	t.Cleanup(h.seq.Stop)
	return h
}

func (h *harness) waitTasks(t *testing.T, n int) []*task.Record {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.be.snapshot()) >= n }, time.Second, time.Millisecond,
		"expected %d tasks", n)
	return h.be.snapshot()
}

func rawInputs() map[frame.Port]frame.StreamConfig {
	return map[frame.Port]frame.StreamConfig{
		frame.MainPort: {Port: frame.MainPort, Usage: frame.UsageRaw, Width: 8, Height: 8},
	}
}

func previewOutputs() map[frame.Port]frame.StreamConfig {
	return map[frame.Port]frame.StreamConfig{
		frame.MainPort: {Port: frame.MainPort, Usage: frame.UsagePreview, Width: 4, Height: 4},
	}
}

func stillOutputs() map[frame.Port]frame.StreamConfig {
	out := previewOutputs()
	out[frame.SecondPort] = frame.StreamConfig{Port: frame.SecondPort, Usage: frame.UsageStill, Width: 8, Height: 8}
	return out
}

func opaqueOutputs() map[frame.Port]frame.StreamConfig {
	out := previewOutputs()
	out[frame.ThirdPort] = frame.StreamConfig{Port: frame.ThirdPort, Usage: frame.UsageOpaqueRaw, Width: 8, Height: 8}
	return out
}

func input(seq int64) *frame.Buffer {
	return &frame.Buffer{
		Sequence:        seq,
		SettingSequence: frame.Unconstrained,
		Timestamp:       1000 * (seq + 1),
		Usage:           frame.UsageRaw,
		Width:           8,
		Height:          8,
		Data:            []byte{byte(seq), 0x10},
	}
}

func output(usage frame.Usage, setting int64) *frame.Buffer {
	b := frame.NewBuffer(usage, 4, 4)
	b.SettingSequence = setting
	return b
}

func TestDecisionFunctions(t *testing.T) {
	for setting := int64(-1); setting < 6; setting++ {
		for in := int64(0); in < 6; in++ {
			exec := NeedExecutePipe(setting, in)
			hold := NeedHoldOnInputFrame(setting, in)
			if setting == frame.Unconstrained {
				assert.True(t, exec, "unconstrained always executes")
				assert.False(t, hold, "unconstrained never holds")
				continue
			}
			assert.Equal(t, in >= setting, exec, "setting=%d input=%d", setting, in)
			assert.Equal(t, !exec, hold, "setting=%d input=%d", setting, in)
		}
	}
}

func TestConfigure_Errors(t *testing.T) {
	s := New(model.SequencerConfig{}, &fakeBackend{}, nil, model.LogLevelInfo)
	assert.ErrorIs(t, s.Start(), ErrNotConfigured)
	assert.ErrorIs(t, s.QueueInput(frame.MainPort, input(0)), ErrNotConfigured)

	assert.ErrorIs(t, s.Configure(nil, previewOutputs(), task.TuningModeVideo), ErrInvalidStreamMapping)
	assert.ErrorIs(t, s.Configure(rawInputs(), nil, task.TuningModeVideo), ErrInvalidStreamMapping)

	twoRaw := opaqueOutputs()
	twoRaw[frame.FourthPort] = frame.StreamConfig{Port: frame.FourthPort, Usage: frame.UsageOpaqueRaw, Width: 8, Height: 8}
	assert.ErrorIs(t, s.Configure(rawInputs(), twoRaw, task.TuningModeVideo), ErrInvalidStreamMapping)

	tnr := New(model.SequencerConfig{StillTNR: true}, &fakeBackend{}, nil, model.LogLevelInfo)
	bad := stillOutputs()
	bad[frame.SecondPort] = frame.StreamConfig{Port: frame.SecondPort, Usage: frame.UsageStill}
	assert.ErrorIs(t, tnr.Configure(rawInputs(), bad, task.TuningModeStill), frame.ErrAllocation)
	assert.ErrorIs(t, tnr.Start(), ErrNotConfigured)

	failing := New(model.SequencerConfig{}, &fakeBackend{configErr: errors.New("device busy")}, nil, model.LogLevelInfo)
	assert.Error(t, failing.Configure(rawInputs(), previewOutputs(), task.TuningModeVideo))
	assert.ErrorIs(t, failing.Start(), ErrNotConfigured)

	require.NoError(t, s.Configure(rawInputs(), previewOutputs(), task.TuningModeVideo))
	assert.ErrorIs(t, s.QueueOutput(frame.FourthPort, output(frame.UsagePreview, frame.Unconstrained)), ErrInvalidStreamMapping)
	require.NoError(t, s.Start())
	defer s.Stop()
	assert.ErrorIs(t, s.Start(), ErrAlreadyStarted)
	assert.ErrorIs(t, s.Configure(rawInputs(), previewOutputs(), task.TuningModeVideo), ErrAlreadyStarted)
}

func TestHoldsInputsUntilSettingSequence(t *testing.T) {
	h := newHarness(t, model.SequencerConfig{}, rawInputs(), previewOutputs())
	require.NoError(t, h.seq.QueueOutput(frame.MainPort, output(frame.UsagePreview, 3)))
	for seq := int64(1); seq <= 5; seq++ {
		require.NoError(t, h.seq.QueueInput(frame.MainPort, input(seq)))
	}
	require.NoError(t, h.seq.Start())

	tasks := h.waitTasks(t, 1)
	assert.Equal(t, int64(3), tasks[0].Sequence)
	assert.Equal(t, int64(3), tasks[0].Inputs[frame.MainPort].Sequence)

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, h.be.snapshot(), 1, "the output is consumed once")

	st := h.seq.Stats()
	assert.Equal(t, uint64(2), st.Held)
	assert.Empty(t, st.RetainedSequences, "held inputs go back once the setting frame runs")
	assert.Equal(t, 2, st.QueuedInputs["port0"])
	assert.Equal(t, 0, st.QueuedOutputs["port0"])
	assert.Equal(t, []int64{1, 2}, h.prod.sequences())

	h.be.complete(tasks[0])
	assert.Equal(t, []int64{1, 2, 3}, h.prod.sequences())
	frames := h.cons.delivered()
	require.Len(t, frames, 1)
	assert.Equal(t, int64(3), frames[0].seq)
	assert.Equal(t, 1, h.cons.doneCount(3))
	assert.Equal(t, 0, h.seq.Stats().InFlight)
}

func TestOpaqueRawCopiedOutWithoutTask(t *testing.T) {
	h := newHarness(t, model.SequencerConfig{}, rawInputs(), opaqueOutputs())
	rawOut := frame.NewBuffer(frame.UsageOpaqueRaw, 8, 8)
	require.NoError(t, h.seq.QueueOutput(frame.ThirdPort, rawOut))
	require.NoError(t, h.seq.QueueInput(frame.MainPort, input(0)))
	require.NoError(t, h.seq.Start())

	require.Eventually(t, func() bool { return len(h.seq.Stats().RetainedSequences) == 1 }, time.Second, time.Millisecond)
	frames := h.cons.delivered()
	require.Len(t, frames, 1)
	assert.Equal(t, frame.ThirdPort, frames[0].port)
	assert.Same(t, rawOut, frames[0].buf)
	assert.Equal(t, int64(0), frames[0].seq)
	assert.Equal(t, []byte{0, 0x10}, rawOut.Data)

	assert.Empty(t, h.be.snapshot(), "raw copy-out needs no backend task")
	assert.Equal(t, []int64{0}, h.seq.Stats().RetainedSequences)
	assert.Empty(t, h.prod.sequences())
}

func TestStillTNRSendsReferenceTasks(t *testing.T) {
	h := newHarness(t, model.SequencerConfig{StillTNR: true, InternalBuffers: 2}, rawInputs(), stillOutputs())
	gains := params.NewStore(0, params.NewGainTable([]model.GainEntry{
		{Gain: 4, FrameCount: 2},
		{Gain: 16, FrameCount: 3},
		{Gain: 64, FrameCount: 4},
	}))
	h.seq.SetGainTableProvider(gains)
	h.seq.SetSettings(params.Settings{AnalogGain: 16})
	require.NoError(t, h.seq.Start())

	for seq := int64(8); seq <= 9; seq++ {
		require.NoError(t, h.seq.QueueOutput(frame.MainPort, output(frame.UsagePreview, frame.Unconstrained)))
		require.NoError(t, h.seq.QueueInput(frame.MainPort, input(seq)))
		h.waitTasks(t, int(seq-7))
	}
	require.NoError(t, h.seq.QueueOutput(frame.SecondPort, output(frame.UsageStill, frame.Unconstrained)))
	require.NoError(t, h.seq.QueueInput(frame.MainPort, input(10)))

	tasks := h.waitTasks(t, 5)
	for i, want := range []int64{8, 9} {
		ref := tasks[2+i]
		assert.Equal(t, want, ref.Sequence)
		assert.True(t, ref.Flags.Fake)
		assert.Equal(t, []frame.Port{frame.SecondPort}, ref.Outputs.Ports())
		assert.True(t, ref.Outputs[frame.SecondPort].Internal)
		assert.Equal(t, want, ref.Inputs[frame.MainPort].Sequence)
	}
	still := tasks[4]
	assert.Equal(t, int64(10), still.Sequence)
	assert.False(t, still.Flags.Fake)
	assert.Equal(t, task.TuningModeStill, still.TuningMode)

	st := h.seq.Stats()
	assert.Equal(t, int64(10), st.LastStillTnrSequence)
	assert.Equal(t, uint64(2), st.FakeTasks)
	assert.Equal(t, 0, st.PoolFree["port1"])

	for _, rec := range tasks {
		h.be.complete(rec)
	}
	assert.Len(t, h.cons.delivered(), 3, "reference outputs stay internal")
	assert.Equal(t, 2, h.seq.Stats().PoolFree["port1"])
	assert.Equal(t, 1, h.cons.doneCount(10))

	// The next still only needs frames not already sent.
	require.NoError(t, h.seq.QueueOutput(frame.SecondPort, output(frame.UsageStill, frame.Unconstrained)))
	require.NoError(t, h.seq.QueueInput(frame.MainPort, input(11)))
	tasks = h.waitTasks(t, 6)
	assert.Equal(t, int64(11), tasks[5].Sequence)
	assert.False(t, tasks[5].Flags.Fake)
	assert.Equal(t, uint64(2), h.seq.Stats().FakeTasks)
}

func TestCompletionFiresOnce(t *testing.T) {
	h := newHarness(t, model.SequencerConfig{}, rawInputs(), previewOutputs())
	h.be.setAuto(true)
	require.NoError(t, h.seq.Start())
	for seq := int64(0); seq < 3; seq++ {
		require.NoError(t, h.seq.QueueOutput(frame.MainPort, output(frame.UsagePreview, frame.Unconstrained)))
		require.NoError(t, h.seq.QueueInput(frame.MainPort, input(seq)))
	}
	require.Eventually(t, func() bool { return len(h.prod.sequences()) == 3 }, time.Second, time.Millisecond)

	tasks := h.be.snapshot()
	require.Len(t, tasks, 3)
	h.seq.OnTaskDone(tasks[0])
	h.seq.OnBufferDone(tasks[0].Sequence, frame.MainPort, tasks[0].Outputs[frame.MainPort])

	for _, rec := range tasks {
		assert.Equal(t, 1, h.cons.doneCount(rec.Sequence))
	}
	st := h.seq.Stats()
	assert.Equal(t, uint64(3), st.Completed)
	assert.Equal(t, 0, st.InFlight)
	assert.Len(t, h.cons.delivered(), 3)
	assert.ElementsMatch(t, []int64{0, 1, 2}, h.prod.sequences())
}

func TestRetentionEvictionDefersForInFlightFrames(t *testing.T) {
	h := newHarness(t, model.SequencerConfig{ZSL: true, MaxRetained: 3, MaxRequestsInFlight: 1}, rawInputs(), previewOutputs())
	require.NoError(t, h.seq.Start())
	for seq := int64(0); seq < 5; seq++ {
		require.NoError(t, h.seq.QueueOutput(frame.MainPort, output(frame.UsagePreview, frame.Unconstrained)))
		require.NoError(t, h.seq.QueueInput(frame.MainPort, input(seq)))
		h.waitTasks(t, int(seq+1))
	}
	tasks := h.be.snapshot()
	assert.Equal(t, []int64{0, 1, 2, 3, 4}, h.seq.Stats().RetainedSequences)

	h.be.complete(tasks[0])
	assert.Equal(t, []int64{1, 2, 3, 4}, h.seq.Stats().RetainedSequences)
	assert.Equal(t, []int64{0}, h.prod.sequences())

	h.be.complete(tasks[1])
	assert.Equal(t, []int64{2, 3, 4}, h.seq.Stats().RetainedSequences)

	h.be.complete(tasks[4])
	assert.Equal(t, []int64{2, 3, 4}, h.seq.Stats().RetainedSequences, "oldest still in flight")

	h.be.complete(tasks[2])
	assert.Equal(t, []int64{3, 4}, h.seq.Stats().RetainedSequences)
	assert.Equal(t, []int64{0, 1, 2}, h.prod.sequences())
}

func TestSkippedFrameKeepsOutputs(t *testing.T) {
	h := newHarness(t, model.SequencerConfig{}, rawInputs(), previewOutputs())
	results := params.NewStore(0, nil)
	results.SetResult(params.Result{Sequence: 1, Skip: true})
	h.seq.SetResultProvider(results)

	require.NoError(t, h.seq.QueueOutput(frame.MainPort, output(frame.UsagePreview, frame.Unconstrained)))
	require.NoError(t, h.seq.QueueInput(frame.MainPort, input(1)))
	require.NoError(t, h.seq.QueueInput(frame.MainPort, input(2)))
	require.NoError(t, h.seq.Start())

	tasks := h.waitTasks(t, 1)
	assert.Equal(t, int64(2), tasks[0].Sequence)
	assert.Equal(t, []int64{1}, h.prod.sequences())
	assert.Equal(t, uint64(1), h.seq.Stats().Skipped)
}

func TestYUVReprocessingReturnsOnlyReprocessInput(t *testing.T) {
	inputs := rawInputs()
	inputs[frame.ReprocessInputPort] = frame.StreamConfig{Port: frame.ReprocessInputPort, Usage: frame.UsageInput, Width: 4, Height: 4}
	h := newHarness(t, model.SequencerConfig{}, inputs, previewOutputs())

	yuv := &frame.Buffer{Sequence: 7, SettingSequence: frame.Unconstrained, Usage: frame.UsageInput, Data: []byte{1}}
	require.NoError(t, h.seq.QueueOutput(frame.MainPort, output(frame.UsagePreview, frame.Unconstrained)))
	require.NoError(t, h.seq.QueueInput(frame.ReprocessInputPort, yuv))
	require.NoError(t, h.seq.Start())

	tasks := h.waitTasks(t, 1)
	rec := tasks[0]
	assert.True(t, rec.Flags.YUVReprocessing)
	assert.Equal(t, []frame.Port{frame.ReprocessInputPort}, rec.Inputs.Ports())

	h.be.complete(rec)
	assert.Equal(t, []int64{7}, h.prod.sequences())
	h.prod.mu.Lock()
	assert.Equal(t, []frame.Port{frame.ReprocessInputPort}, h.prod.ports)
	h.prod.mu.Unlock()
}

func TestZSLUsesRetainedFrame(t *testing.T) {
	h := newHarness(t, model.SequencerConfig{ZSL: true}, rawInputs(), stillOutputs())
	require.NoError(t, h.seq.Start())

	require.NoError(t, h.seq.QueueOutput(frame.MainPort, output(frame.UsagePreview, frame.Unconstrained)))
	require.NoError(t, h.seq.QueueInput(frame.MainPort, input(5)))
	h.be.complete(h.waitTasks(t, 1)[0])

	require.NoError(t, h.seq.QueueInput(frame.MainPort, input(6)))
	still := output(frame.UsageStill, frame.Unconstrained)
	still.Timestamp = input(5).Timestamp
	require.NoError(t, h.seq.QueueOutput(frame.SecondPort, still))

	zsl := h.waitTasks(t, 2)[1]
	assert.Equal(t, int64(5), zsl.Sequence)
	assert.Equal(t, []frame.Port{frame.SecondPort}, zsl.Outputs.Ports())
	assert.Equal(t, int64(5), zsl.Inputs[frame.MainPort].Sequence)
	assert.Equal(t, task.TuningModeStill, zsl.TuningMode)
	assert.Equal(t, 1, h.seq.Stats().QueuedInputs["port0"], "current input untouched")
}

func TestRawReprocessingSubstitutesRetainedInput(t *testing.T) {
	h := newHarness(t, model.SequencerConfig{}, rawInputs(), opaqueOutputs())
	require.NoError(t, h.seq.Start())

	require.NoError(t, h.seq.QueueOutput(frame.MainPort, output(frame.UsagePreview, frame.Unconstrained)))
	require.NoError(t, h.seq.QueueInput(frame.MainPort, input(2)))
	h.waitTasks(t, 1)

	require.NoError(t, h.seq.QueueInput(frame.MainPort, input(4)))
	require.NoError(t, h.seq.QueueOutput(frame.MainPort, output(frame.UsagePreview, 2)))

	rec := h.waitTasks(t, 2)[1]
	assert.Equal(t, int64(2), rec.Sequence)
	assert.Equal(t, int64(2), rec.Inputs[frame.MainPort].Sequence)
	assert.Equal(t, 1, h.seq.Stats().QueuedInputs["port0"])
}

func TestFrameTriggerAndEvents(t *testing.T) {
	h := newHarness(t, model.SequencerConfig{}, rawInputs(), previewOutputs())
	bus := events.NewBus(16)
	defer bus.Close()

	var mu sync.Mutex
	var triggered []int64
	var published int
	unsub := bus.Subscribe(events.EventTaskDispatched, func(events.Event) {
		mu.Lock()
		defer mu.Unlock()
		published++
	})
	defer unsub()
	h.seq.SetEventBus(bus)
	h.seq.SetFrameTrigger(func(seq int64) {
		mu.Lock()
		defer mu.Unlock()
		triggered = append(triggered, seq)
	})
	require.NoError(t, h.seq.Start())

	for seq := int64(0); seq < 2; seq++ {
		require.NoError(t, h.seq.QueueOutput(frame.MainPort, output(frame.UsagePreview, frame.Unconstrained)))
		require.NoError(t, h.seq.QueueInput(frame.MainPort, input(seq)))
		h.waitTasks(t, int(seq+1))
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return published == 2
	}, time.Second, time.Millisecond)

	mu.Lock()
	assert.Equal(t, []int64{0, 1}, triggered)
	mu.Unlock()

	h.be.mu.Lock()
	assert.Equal(t, []int64{0, 1}, h.be.prepared)
	h.be.mu.Unlock()
}

func TestStopReturnsQueuedAndRetainedBuffers(t *testing.T) {
	h := newHarness(t, model.SequencerConfig{ZSL: true}, rawInputs(), previewOutputs())
	results := params.NewStore(0, nil)
	results.SetResult(params.Result{Sequence: 1, Skip: true})
	results.SetResult(params.Result{Sequence: 2, Skip: true})
	h.seq.SetResultProvider(results)
	require.NoError(t, h.seq.Start())

	require.NoError(t, h.seq.QueueOutput(frame.MainPort, output(frame.UsagePreview, frame.Unconstrained)))
	require.NoError(t, h.seq.QueueInput(frame.MainPort, input(0)))
	h.be.complete(h.waitTasks(t, 1)[0])

	pending := output(frame.UsagePreview, frame.Unconstrained)
	require.NoError(t, h.seq.QueueOutput(frame.MainPort, pending))
	require.NoError(t, h.seq.QueueInput(frame.MainPort, input(1)))
	require.NoError(t, h.seq.QueueInput(frame.MainPort, input(2)))
	require.Eventually(t, func() bool { return h.seq.Stats().Skipped == 2 }, time.Second, time.Millisecond)

	h.seq.Stop()
	h.seq.Stop()

	assert.ElementsMatch(t, []int64{0, 1, 2}, h.prod.sequences())
	frames := h.cons.delivered()
	require.Len(t, frames, 2)
	assert.Same(t, pending, frames[1].buf)
	assert.Equal(t, 0, h.seq.Stats().Retained)
}

func TestInputWaitTimeoutWhileInFlight(t *testing.T) {
	h := newHarness(t, model.SequencerConfig{InputWaitTimeoutMs: 5}, rawInputs(), previewOutputs())
	require.NoError(t, h.seq.Start())
	require.NoError(t, h.seq.QueueOutput(frame.MainPort, output(frame.UsagePreview, frame.Unconstrained)))
	require.NoError(t, h.seq.QueueInput(frame.MainPort, input(0)))
	rec := h.waitTasks(t, 1)[0]

	require.Eventually(t, func() bool { return h.seq.Stats().InputTimeouts > 0 }, time.Second, time.Millisecond)
	h.be.complete(rec)
	assert.Equal(t, 0, h.seq.Stats().InFlight)
}

func TestMetadataOnlyWhenAllOutputsInternal(t *testing.T) {
	h := newHarness(t, model.SequencerConfig{}, rawInputs(), previewOutputs())
	out := output(frame.UsagePreview, frame.Unconstrained)
	out.Internal = true
	require.NoError(t, h.seq.QueueOutput(frame.MainPort, out))
	require.NoError(t, h.seq.QueueInput(frame.MainPort, input(0)))
	require.NoError(t, h.seq.Start())

	rec := h.waitTasks(t, 1)[0]
	assert.True(t, rec.Flags.MetadataOnly)
	h.be.complete(rec)
	h.cons.mu.Lock()
	assert.Equal(t, []int64{0}, h.cons.metadata)
	h.cons.mu.Unlock()
}

func TestSetControlReachesBackend(t *testing.T) {
	h := newHarness(t, model.SequencerConfig{}, rawInputs(), previewOutputs())
	h.seq.SetControl(4, backend.Control{"brightness": 1})
	h.be.mu.Lock()
	defer h.be.mu.Unlock()
	assert.Equal(t, 1.0, h.be.controls[4]["brightness"])
}

func TestHeldInputsKeptWhileOutputWaits(t *testing.T) {
	h := newHarness(t, model.SequencerConfig{}, rawInputs(), previewOutputs())
	require.NoError(t, h.seq.QueueOutput(frame.MainPort, output(frame.UsagePreview, 5)))
	for seq := int64(1); seq <= 2; seq++ {
		require.NoError(t, h.seq.QueueInput(frame.MainPort, input(seq)))
	}
	require.NoError(t, h.seq.Start())

	require.Eventually(t, func() bool { return h.seq.Stats().Held == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []int64{1, 2}, h.seq.Stats().RetainedSequences)
	assert.Empty(t, h.prod.sequences())
	assert.Empty(t, h.be.snapshot())
}

// completingParams finishes a task from inside ParametersForSequence, the
// last call made before a task built from retention is submitted.
type completingParams struct {
	mu     sync.Mutex
	seq    int64
	finish func()
}

func (p *completingParams) arm(seq int64, finish func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq = seq
	p.finish = finish
}

func (p *completingParams) ParametersForSequence(seq int64) (params.Settings, error) {
	p.mu.Lock()
	finish := p.finish
	if seq != p.seq {
		finish = nil
	}
	if finish != nil {
		p.finish = nil
	}
	p.mu.Unlock()
	if finish != nil {
		finish()
	}
	return params.Settings{Sequence: seq}, nil
}

func TestZSLEntryNotEvictedBeforeSubmit(t *testing.T) {
	h := newHarness(t, model.SequencerConfig{ZSL: true, MaxRetained: 2, MaxRequestsInFlight: 1}, rawInputs(), stillOutputs())
	pp := &completingParams{seq: frame.Unconstrained}
	h.seq.SetParameterProvider(pp)
	require.NoError(t, h.seq.Start())

	for seq := int64(0); seq < 2; seq++ {
		require.NoError(t, h.seq.QueueOutput(frame.MainPort, output(frame.UsagePreview, frame.Unconstrained)))
		require.NoError(t, h.seq.QueueInput(frame.MainPort, input(seq)))
		h.waitTasks(t, int(seq+1))
	}
	tasks := h.be.snapshot()
	h.be.complete(tasks[1])
	require.Equal(t, []int64{0, 1}, h.seq.Stats().RetainedSequences, "seq 0 still in flight")

	// Task 0 finishes after the still has found seq 0 but before its own
	// task is submitted.
	pp.arm(0, func() { h.be.complete(tasks[0]) })
	require.NoError(t, h.seq.QueueInput(frame.MainPort, input(2)))
	still := output(frame.UsageStill, frame.Unconstrained)
	still.Timestamp = input(0).Timestamp
	require.NoError(t, h.seq.QueueOutput(frame.SecondPort, still))

	zsl := h.waitTasks(t, 3)[2]
	assert.Equal(t, int64(0), zsl.Sequence)
	assert.Equal(t, int64(0), zsl.Inputs[frame.MainPort].Sequence)
	require.Eventually(t, func() bool { return h.seq.Stats().Completed == 2 }, time.Second, time.Millisecond)
	assert.NotContains(t, h.prod.sequences(), int64(0), "input handed back while a task still reads it")
	assert.Contains(t, h.seq.Stats().RetainedSequences, int64(0))

	h.be.complete(zsl)
	require.Eventually(t, func() bool { return len(h.prod.sequences()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []int64{0}, h.prod.sequences())
	assert.Equal(t, []int64{1}, h.seq.Stats().RetainedSequences)
}

// refillingProducer reuses a buffer the moment it is queued back.
type refillingProducer struct {
	fakeProducer
}

func (p *refillingProducer) QBuf(port frame.Port, buf *frame.Buffer) {
	p.fakeProducer.QBuf(port, buf)
	buf.Sequence = 99
}

func TestBufferReturnedEventCarriesReturnedSequence(t *testing.T) {
	h := newHarness(t, model.SequencerConfig{}, rawInputs(), previewOutputs())
	prod := &refillingProducer{}
	h.seq.SetProducer(prod)
	bus := events.NewBus(16)
	defer bus.Close()

	var mu sync.Mutex
	var returned []int64
	unsub := bus.Subscribe(events.EventBufferReturned, func(ev events.Event) {
		if ev.Source != "producer" {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		returned = append(returned, ev.Sequence)
	})
	defer unsub()
	h.seq.SetEventBus(bus)
	require.NoError(t, h.seq.Start())

	require.NoError(t, h.seq.QueueOutput(frame.MainPort, output(frame.UsagePreview, frame.Unconstrained)))
	require.NoError(t, h.seq.QueueInput(frame.MainPort, input(4)))
	h.be.complete(h.waitTasks(t, 1)[0])

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(returned) == 1
	}, time.Second, time.Millisecond)
	mu.Lock()
	assert.Equal(t, []int64{4}, returned)
	mu.Unlock()
	assert.Equal(t, []int64{4}, prod.sequences())
}
