package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/msageha/camcore/internal/backend"
	"github.com/msageha/camcore/internal/events"
	"github.com/msageha/camcore/internal/frame"
	"github.com/msageha/camcore/internal/model"
	"github.com/msageha/camcore/internal/params"
	"github.com/msageha/camcore/internal/scheduler"
	"github.com/msageha/camcore/internal/sequencer"
	"github.com/msageha/camcore/internal/stream"
	"github.com/msageha/camcore/internal/task"
)

const (
	resultHistory = 64
	sinkDepth     = 3
	busBuffer     = 1024
)

// Pipeline is one camera's sensor, sequencer, backend, scheduler and sink
// wired together.
type Pipeline struct {
	cfg      model.Config
	logger   *log.Logger
	logLevel model.LogLevel

	bus       *events.Bus
	backend   backend.Backend
	params    *params.Store
	sequencer *sequencer.Sequencer
	scheduler *scheduler.Scheduler
	sensor    *stream.Sensor
	sink      *stream.Sink
	aiq       *autoExposure
	counters  eventCounters
	unsub     []func()

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type eventCounters struct {
	dispatched atomic.Uint64
	completed  atomic.Uint64
	fake       atomic.Uint64
	skipped    atomic.Uint64
	returned   atomic.Uint64
	ticks      atomic.Uint64
}

// NewPipeline builds and configures every component from cfg. Nothing runs
// until Start.
func NewPipeline(cfg model.Config, logger *log.Logger, level model.LogLevel) (*Pipeline, error) {
	inputs, err := streamMap(cfg.Camera.Inputs)
	if err != nil {
		return nil, fmt.Errorf("camera.inputs: %w", err)
	}
	outputs, err := streamMap(cfg.Camera.Outputs)
	if err != nil {
		return nil, fmt.Errorf("camera.outputs: %w", err)
	}
	raw, ok := rawInput(inputs)
	if !ok {
		return nil, fmt.Errorf("camera.inputs: no sensor input port")
	}

	capability, err := backend.ParseCapability(cfg.Backend.Capability)
	if err != nil {
		return nil, err
	}
	be, err := backend.New(capability, cfg.Backend, logger, level)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		cfg:      cfg,
		logger:   logger,
		logLevel: level,
		bus:      events.NewBus(busBuffer),
		backend:  be,
		params:   params.NewStore(resultHistory, params.NewGainTable(cfg.TNR.GainTable)),
	}

	seq := sequencer.New(cfg.Sequencer, be, logger, level)
	seq.SetResultProvider(p.params)
	seq.SetParameterProvider(p.params)
	seq.SetGainTableProvider(p.params)
	seq.SetEventBus(p.bus)
	seq.SetStreamID(int32(cfg.Camera.ID))
	seq.SetSettings(params.Settings{AnalogGain: 1, DigitalGain: 1, TuningMode: cfg.Camera.TuningMode})
	if err := seq.Configure(inputs, outputs, tuningMode(cfg.Camera.TuningMode)); err != nil {
		return nil, fmt.Errorf("configure sequencer: %w", err)
	}
	p.sequencer = seq

	p.sensor = stream.NewSensor(raw, cfg.Camera.SensorBuffers, cfg.Camera.FPS, seq, logger, level)
	p.sink = stream.NewSink(outputs, sinkDepth, seq, logger, level)
	seq.SetProducer(p.sensor)
	seq.AddConsumer(p.sink)

	sched := scheduler.New(cfg.Scheduler, scheduler.NewStaticPolicy(cfg.Scheduler.Executors), logger, level)
	sched.SetEventBus(p.bus)
	if err := sched.Configure(cfg.Camera.GraphID); err != nil {
		return nil, fmt.Errorf("configure scheduler: %w", err)
	}
	p.scheduler = sched

	p.aiq = newAutoExposure(p.params, p.sink, logger, level)
	for _, n := range []scheduler.Node{
		scheduler.NewNode("aiq", p.aiq.process),
		scheduler.NewNode("stats", p.aiq.publishStats),
	} {
		if err := sched.RegisterNode(n); err != nil && !errors.Is(err, scheduler.ErrNodeNotClaimed) {
			return nil, err
		}
	}

	source := cfg.Scheduler.FrameTriggerSource
	seq.SetFrameTrigger(func(s int64) { sched.ExecuteNode(source, s) })

	p.subscribe()
	return p, nil
}

func (p *Pipeline) subscribe() {
	count := map[events.EventType]func(events.Event){
		events.EventTaskDispatched: func(ev events.Event) {
			p.counters.dispatched.Add(1)
			if ev.Fake {
				p.counters.fake.Add(1)
			}
		},
		events.EventTaskCompleted:  func(events.Event) { p.counters.completed.Add(1) },
		events.EventFrameSkipped:   func(events.Event) { p.counters.skipped.Add(1) },
		events.EventBufferReturned: func(events.Event) { p.counters.returned.Add(1) },
		events.EventExecutorTick:   func(events.Event) { p.counters.ticks.Add(1) },
	}
	for t, fn := range count {
		p.unsub = append(p.unsub, p.bus.Subscribe(t, fn))
	}
}

// Start launches the scheduler, the sequencer, the sink's output requests
// and the sensor loop, in that order.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}

	p.scheduler.Start()
	if err := p.sequencer.Start(); err != nil {
		p.scheduler.Stop()
		return fmt.Errorf("start sequencer: %w", err)
	}
	if err := p.sink.Start(); err != nil {
		p.sequencer.Stop()
		p.scheduler.Stop()
		return fmt.Errorf("start sink: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.running = true
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		_ = p.sensor.Run(ctx)
	}()
	p.log(model.LogLevelInfo, "pipeline running camera=%d graph=%d", p.cfg.Camera.ID, p.cfg.Camera.GraphID)
	return nil
}

// Stop halts capture first so no new frames enter, then drains the
// sequencer and stops the executors.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()
	p.sink.Stop()
	p.sequencer.Stop()
	p.scheduler.Stop()
	p.log(model.LogLevelInfo, "pipeline stopped")
}

// AttachJournal records skipped frames and completed tasks in j.
func (p *Pipeline) AttachJournal(j *events.Journal) {
	j.Attach(p.bus, events.EventFrameSkipped, events.EventTaskCompleted)
}

// Close stops the pipeline and releases the event bus.
func (p *Pipeline) Close() {
	p.Stop()
	for _, u := range p.unsub {
		u()
	}
	p.bus.Close()
}

func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Trigger forwards an external trigger to the scheduler.
func (p *Pipeline) Trigger(source string, tick int64) {
	p.scheduler.ExecuteNode(source, tick)
}

// Capture requests one still on port. A zero timestamp asks for the next
// frame processed with settings of settingSeq or later; otherwise the
// retained frame captured at that timestamp is used.
func (p *Pipeline) Capture(port frame.Port, settingSeq, timestamp int64) error {
	if !p.Running() {
		return errNotRunning
	}
	return p.sink.Request(port, settingSeq, timestamp)
}

// SetGainTable replaces the TNR gain table while streaming.
func (p *Pipeline) SetGainTable(entries []model.GainEntry) {
	p.params.SetGainTable(params.NewGainTable(entries))
}

func (p *Pipeline) SetControl(seq int64, ctrl backend.Control) {
	p.sequencer.SetControl(seq, ctrl)
}

func (p *Pipeline) Counters() model.EventCounters {
	return model.EventCounters{
		TasksDispatched: p.counters.dispatched.Load(),
		TasksCompleted:  p.counters.completed.Load(),
		FakeTasks:       p.counters.fake.Load(),
		FramesSkipped:   p.counters.skipped.Load(),
		BuffersReturned: p.counters.returned.Load(),
		ExecutorTicks:   p.counters.ticks.Load(),
		EventsDropped:   p.bus.Dropped(),
	}
}

func (p *Pipeline) log(level model.LogLevel, format string, args ...any) {
	model.Logf(p.logger, p.logLevel, level, "pipeline", format, args...)
}

var errNotRunning = errors.New("pipeline is not running")

func streamMap(cfgs []model.StreamConfig) (map[frame.Port]frame.StreamConfig, error) {
	out := make(map[frame.Port]frame.StreamConfig, len(cfgs))
	for _, c := range cfgs {
		usage, err := frame.ParseUsage(c.Usage)
		if err != nil {
			return nil, fmt.Errorf("port %d: %w", c.Port, err)
		}
		port := frame.Port(c.Port)
		if _, dup := out[port]; dup {
			return nil, fmt.Errorf("duplicate port %d", c.Port)
		}
		out[port] = frame.StreamConfig{Port: port, Usage: usage, Width: c.Width, Height: c.Height, Format: c.Format}
	}
	return out, nil
}

// rawInput picks the lowest-numbered input that is not the reprocessing port.
func rawInput(inputs map[frame.Port]frame.StreamConfig) (frame.StreamConfig, bool) {
	ports := make([]frame.Port, 0, len(inputs))
	for p := range inputs {
		if p != frame.ReprocessInputPort {
			ports = append(ports, p)
		}
	}
	if len(ports) == 0 {
		return frame.StreamConfig{}, false
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })
	return inputs[ports[0]], true
}

func tuningMode(s string) task.TuningMode {
	if task.TuningMode(s) == task.TuningModeStill {
		return task.TuningModeStill
	}
	return task.TuningModeVideo
}
