// Package sequencer pairs sensor input frames with consumer output requests,
// decides when a frame is processed, held, skipped or reprocessed, and hands
// the resulting task records to a processing backend.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/msageha/camcore/internal/backend"
	"github.com/msageha/camcore/internal/events"
	"github.com/msageha/camcore/internal/frame"
	"github.com/msageha/camcore/internal/model"
	"github.com/msageha/camcore/internal/params"
	"github.com/msageha/camcore/internal/retention"
	"github.com/msageha/camcore/internal/task"
)

var (
	ErrNotConfigured        = errors.New("sequencer not configured")
	ErrAlreadyStarted       = errors.New("sequencer already started")
	ErrInvalidStreamMapping = errors.New("invalid stream mapping")
)

const defaultInputWaitTimeout = 2 * time.Second

// Producer takes back input buffers the sequencer no longer needs.
type Producer interface {
	QBuf(port frame.Port, buf *frame.Buffer)
}

// Consumer receives finished output buffers and per-frame results.
type Consumer interface {
	OnFrameAvailable(port frame.Port, buf *frame.Buffer)
	OnMetadataReady(seq int64, outputs frame.BufferMap)
	OnStatsReady(ev backend.StatsEvent)
	OnTaskDone(seq int64)
}

// TriggerFunc is called with the input sequence of every dispatched real task.
type TriggerFunc func(seq int64)

// tracked is a dispatched record plus what completion must do with its inputs.
type tracked struct {
	progress     *task.Progress
	returnInputs bool
}

// Sequencer pairs queued sensor frames with queued output buffers and
// dispatches the resulting tasks to a backend. Inputs that a later request
// may need again are parked in retention until eviction or Stop returns them
// to the Producer. Completions arrive through the backend.Listener methods.
type Sequencer struct {
	config   model.SequencerConfig
	backend  backend.Backend
	logger   *log.Logger
	logLevel model.LogLevel
	streamID int32
	waitFor  time.Duration

	hookMu    sync.RWMutex
	producer  Producer
	consumers []Consumer
	results   params.ResultProvider
	params    params.ParameterProvider
	gains     params.GainTableProvider
	bus       *events.Bus
	trigger   TriggerFunc

	// Written by Configure only while stopped.
	configured    bool
	inputs        map[frame.Port]frame.StreamConfig
	outputs       map[frame.Port]frame.StreamConfig
	mode          task.TuningMode
	rawPort       frame.Port
	opaqueRawPort frame.Port
	stillPorts    []frame.Port
	retain        bool
	pools         map[frame.Port]*frame.Pool

	queueMu      sync.Mutex
	inputQueues  map[frame.Port][]*frame.Buffer
	outputQueues map[frame.Port][]*frame.Buffer
	wake         chan struct{}

	settingsMu sync.RWMutex
	settings   params.Settings

	trackMu sync.Mutex
	records map[string]*tracked
	owners  map[*frame.Buffer]string

	inFlight  *task.InFlight
	retention *retention.Store

	lastStillTnrSequence atomic.Int64
	heldCutoff           atomic.Int64
	dispatched           atomic.Uint64
	completed            atomic.Uint64
	fakeTasks            atomic.Uint64
	skipped              atomic.Uint64
	held                 atomic.Uint64
	inputTimeouts        atomic.Uint64

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a stopped sequencer driving be and registers itself as be's
// listener. Zero limits in cfg take their defaults. Configure must succeed
// before Start.
func New(cfg model.SequencerConfig, be backend.Backend, logger *log.Logger, level model.LogLevel) *Sequencer {
	wait := time.Duration(cfg.InputWaitTimeoutMs) * time.Millisecond
	if cfg.InputWaitTimeoutMs <= 0 {
		wait = defaultInputWaitTimeout
	}
	if cfg.MaxRetained <= 0 {
		cfg.MaxRetained = 8
	}
	if cfg.MaxRequestsInFlight <= 0 {
		cfg.MaxRequestsInFlight = 4
	}
	if cfg.InternalBuffers <= 0 {
		cfg.InternalBuffers = 3
	}
	s := &Sequencer{
		config:        cfg,
		backend:       be,
		logger:        logger,
		logLevel:      level,
		waitFor:       wait,
		rawPort:       frame.InvalidPort,
		opaqueRawPort: frame.InvalidPort,
		wake:          make(chan struct{}, 1),
		records:       make(map[string]*tracked),
		owners:        make(map[*frame.Buffer]string),
		inFlight:      task.NewInFlight(),
		retention:     retention.NewStore(),
	}
	s.lastStillTnrSequence.Store(frame.Unconstrained)
	s.heldCutoff.Store(frame.Unconstrained)
	be.SetListener(s)
	return s
}

// SetProducer sets who gets input buffers back.
func (s *Sequencer) SetProducer(p Producer) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.producer = p
}

func (s *Sequencer) AddConsumer(c Consumer) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.consumers = append(s.consumers, c)
}

func (s *Sequencer) SetResultProvider(p params.ResultProvider) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.results = p
}

func (s *Sequencer) SetParameterProvider(p params.ParameterProvider) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.params = p
}

func (s *Sequencer) SetGainTableProvider(p params.GainTableProvider) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.gains = p
}

func (s *Sequencer) SetEventBus(b *events.Bus) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.bus = b
}

func (s *Sequencer) SetFrameTrigger(f TriggerFunc) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.trigger = f
}

func (s *Sequencer) SetStreamID(id int32) {
	s.streamID = id
}

// Configure binds the sequencer to a stream mapping. It fails while running.
func (s *Sequencer) Configure(inputs, outputs map[frame.Port]frame.StreamConfig, mode task.TuningMode) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return fmt.Errorf("configure: %w", ErrAlreadyStarted)
	}

	rawPort := frame.InvalidPort
	for p := range inputs {
		if p == frame.ReprocessInputPort {
			continue
		}
		if rawPort == frame.InvalidPort || p < rawPort {
			rawPort = p
		}
	}
	if rawPort == frame.InvalidPort {
		return fmt.Errorf("configure: %w: no raw input port", ErrInvalidStreamMapping)
	}
	if len(outputs) == 0 {
		return fmt.Errorf("configure: %w: no output ports", ErrInvalidStreamMapping)
	}

	opaque := frame.InvalidPort
	var stills []frame.Port
	for p, sc := range outputs {
		switch sc.Usage {
		case frame.UsageOpaqueRaw:
			if opaque != frame.InvalidPort {
				return fmt.Errorf("configure: %w: ports %s and %s both opaque raw", ErrInvalidStreamMapping, opaque, p)
			}
			opaque = p
		case frame.UsageStill:
			stills = append(stills, p)
		}
	}
	sort.Slice(stills, func(i, j int) bool { return stills[i] < stills[j] })

	pools := make(map[frame.Port]*frame.Pool)
	if s.config.StillTNR {
		for _, p := range stills {
			pool, err := frame.NewPool(outputs[p], s.config.InternalBuffers)
			if err != nil {
				s.resetLocked()
				return fmt.Errorf("configure: %w", err)
			}
			pools[p] = pool
		}
	}

	if err := s.backend.Configure(inputs, outputs, mode); err != nil {
		s.resetLocked()
		return fmt.Errorf("configure backend: %w", err)
	}

	s.mode = mode
	s.rawPort = rawPort
	s.opaqueRawPort = opaque
	s.stillPorts = stills
	s.retain = opaque != frame.InvalidPort || s.config.ZSL || s.config.StillTNR
	s.pools = pools
	s.heldCutoff.Store(frame.Unconstrained)

	s.queueMu.Lock()
	s.inputs = inputs
	s.outputs = outputs
	s.inputQueues = make(map[frame.Port][]*frame.Buffer, len(inputs))
	s.outputQueues = make(map[frame.Port][]*frame.Buffer, len(outputs))
	s.queueMu.Unlock()

	s.configured = true
	s.log(model.LogLevelInfo, "configured raw=%s opaque_raw=%s stills=%v retain=%t mode=%s",
		rawPort, opaque, stills, s.retain, mode)
	return nil
}

func (s *Sequencer) resetLocked() {
	s.configured = false
	s.queueMu.Lock()
	s.inputs = nil
	s.outputs = nil
	s.inputQueues = nil
	s.outputQueues = nil
	s.queueMu.Unlock()
	s.rawPort = frame.InvalidPort
	s.opaqueRawPort = frame.InvalidPort
	s.stillPorts = nil
	s.retain = false
	s.pools = nil
}

// Start starts the backend and the dispatch loop.
func (s *Sequencer) Start() error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if !s.configured {
		return ErrNotConfigured
	}
	if s.running {
		return ErrAlreadyStarted
	}
	if err := s.backend.Start(); err != nil {
		return fmt.Errorf("start backend: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true
	s.wg.Add(1)
	go s.loop(ctx)
	s.log(model.LogLevelInfo, "started")
	return nil
}

// Stop joins the dispatch loop, drains the backend and hands every queued
// or retained buffer back to its owner. It is safe to call more than once.
func (s *Sequencer) Stop() {
	s.runMu.Lock()
	if !s.running {
		s.runMu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.signal()
	s.runMu.Unlock()

	s.wg.Wait()
	s.backend.Stop()

	s.queueMu.Lock()
	inputs := s.inputQueues
	outputs := s.outputQueues
	s.inputQueues = make(map[frame.Port][]*frame.Buffer)
	s.outputQueues = make(map[frame.Port][]*frame.Buffer)
	s.queueMu.Unlock()

	producer, consumers := s.endpoints()
	for port, q := range inputs {
		for _, b := range q {
			if producer != nil {
				producer.QBuf(port, b)
			}
		}
	}
	for port, q := range outputs {
		for _, b := range q {
			for _, c := range consumers {
				c.OnFrameAvailable(port, b)
			}
		}
	}
	for _, e := range s.retention.Drain() {
		s.returnInputs(e.Buffers)
	}

	s.trackMu.Lock()
	s.records = make(map[string]*tracked)
	s.owners = make(map[*frame.Buffer]string)
	s.trackMu.Unlock()
	s.inFlight.Clear()
	s.log(model.LogLevelInfo, "stopped")
}

// QueueInput accepts a captured frame from the producer.
func (s *Sequencer) QueueInput(port frame.Port, buf *frame.Buffer) error {
	if buf == nil {
		return fmt.Errorf("queue input %s: nil buffer", port)
	}
	s.queueMu.Lock()
	if s.inputQueues == nil {
		s.queueMu.Unlock()
		return ErrNotConfigured
	}
	if _, ok := s.inputs[port]; !ok {
		s.queueMu.Unlock()
		return fmt.Errorf("queue input: %w: %s not configured", ErrInvalidStreamMapping, port)
	}
	s.inputQueues[port] = append(s.inputQueues[port], buf)
	s.queueMu.Unlock()
	s.signal()
	return nil
}

// QueueOutput accepts an empty output buffer requested by a consumer.
func (s *Sequencer) QueueOutput(port frame.Port, buf *frame.Buffer) error {
	if buf == nil {
		return fmt.Errorf("queue output %s: nil buffer", port)
	}
	s.queueMu.Lock()
	if s.outputQueues == nil {
		s.queueMu.Unlock()
		return ErrNotConfigured
	}
	if _, ok := s.outputs[port]; !ok {
		s.queueMu.Unlock()
		return fmt.Errorf("queue output: %w: %s not configured", ErrInvalidStreamMapping, port)
	}
	s.outputQueues[port] = append(s.outputQueues[port], buf)
	s.queueMu.Unlock()
	s.signal()
	return nil
}

// SetSettings replaces the algorithm snapshot used when no parameter
// provider answers for a sequence.
func (s *Sequencer) SetSettings(st params.Settings) {
	s.settingsMu.Lock()
	defer s.settingsMu.Unlock()
	s.settings = st.Clone()
}

// SetControl forwards per-frame controls to the backend.
func (s *Sequencer) SetControl(seq int64, ctrl backend.Control) {
	s.backend.SetControl(seq, ctrl)
}

// Stats is a point-in-time view of the sequencer.
type Stats struct {
	Running              bool           `yaml:"running" json:"running"`
	QueuedInputs         map[string]int `yaml:"queued_inputs" json:"queued_inputs"`
	QueuedOutputs        map[string]int `yaml:"queued_outputs" json:"queued_outputs"`
	InFlight             int            `yaml:"in_flight" json:"in_flight"`
	InFlightSequences    []int64        `yaml:"in_flight_sequences,omitempty" json:"in_flight_sequences,omitempty"`
	Retained             int            `yaml:"retained" json:"retained"`
	RetainedSequences    []int64        `yaml:"retained_sequences,omitempty" json:"retained_sequences,omitempty"`
	Dispatched           uint64         `yaml:"dispatched" json:"dispatched"`
	Completed            uint64         `yaml:"completed" json:"completed"`
	FakeTasks            uint64         `yaml:"fake_tasks" json:"fake_tasks"`
	Skipped              uint64         `yaml:"skipped" json:"skipped"`
	Held                 uint64         `yaml:"held" json:"held"`
	InputTimeouts        uint64         `yaml:"input_timeouts" json:"input_timeouts"`
	LastStillTnrSequence int64          `yaml:"last_still_tnr_sequence" json:"last_still_tnr_sequence"`
	PoolFree             map[string]int `yaml:"pool_free,omitempty" json:"pool_free,omitempty"`
}

// Stats is safe to call at any time, including before Configure.
func (s *Sequencer) Stats() Stats {
	s.runMu.Lock()
	running := s.running
	pools := s.pools
	s.runMu.Unlock()

	st := Stats{
		Running:              running,
		QueuedInputs:         make(map[string]int),
		QueuedOutputs:        make(map[string]int),
		InFlight:             s.inFlight.Len(),
		InFlightSequences:    s.inFlight.Sequences(),
		Retained:             s.retention.Len(),
		RetainedSequences:    s.retention.Sequences(),
		Dispatched:           s.dispatched.Load(),
		Completed:            s.completed.Load(),
		FakeTasks:            s.fakeTasks.Load(),
		Skipped:              s.skipped.Load(),
		Held:                 s.held.Load(),
		InputTimeouts:        s.inputTimeouts.Load(),
		LastStillTnrSequence: s.lastStillTnrSequence.Load(),
	}
	s.queueMu.Lock()
	for p, q := range s.inputQueues {
		st.QueuedInputs[p.String()] = len(q)
	}
	for p, q := range s.outputQueues {
		st.QueuedOutputs[p.String()] = len(q)
	}
	s.queueMu.Unlock()
	if len(pools) > 0 {
		st.PoolFree = make(map[string]int, len(pools))
		for p, pool := range pools {
			st.PoolFree[p.String()] = pool.Free()
		}
	}
	return st
}

func (s *Sequencer) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Sequencer) endpoints() (Producer, []Consumer) {
	s.hookMu.RLock()
	defer s.hookMu.RUnlock()
	return s.producer, s.consumers
}

func (s *Sequencer) publish(ev events.Event) {
	s.hookMu.RLock()
	bus := s.bus
	s.hookMu.RUnlock()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	bus.Publish(ev)
}

func (s *Sequencer) log(level model.LogLevel, format string, args ...any) {
	model.Logf(s.logger, s.logLevel, level, "sequencer", format, args...)
}
