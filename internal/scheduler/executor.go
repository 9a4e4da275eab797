package scheduler

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/msageha/camcore/internal/events"
	"github.com/msageha/camcore/internal/model"
)

const (
	defaultTriggerWaitTimeout = 2 * time.Second
	defaultClockTolerance     = time.Millisecond
)

// graph is the trigger topology shared by all executors of one Scheduler.
// listeners[i] holds the indexes of executors woken after executor i ticks.
type graph struct {
	executors []*Executor
	listeners [][]int
}

// ExecutorOptions tunes waiting behavior. Zero values get defaults.
type ExecutorOptions struct {
	TriggerWaitTimeout time.Duration
	// ClockPeriod > 0 makes the executor tick on wall-clock boundaries and
	// ignore triggers.
	ClockPeriod    time.Duration
	ClockTolerance time.Duration
	Now            func() time.Time
	Bus            *events.Bus
}

// Executor runs its nodes once per tick on its own goroutine, then passes the
// tick on to its listeners.
type Executor struct {
	name          string
	triggerSource string
	graph         *graph
	index         int
	logger        *log.Logger
	logLevel      model.LogLevel

	waitTimeout time.Duration
	period      time.Duration
	tolerance   time.Duration
	now         func() time.Time
	bus         *events.Bus

	mu           sync.Mutex
	nodes        []Node
	active       bool
	triggered    bool
	pendingTick  int64
	lastTick     int64
	clockTick    int64
	lastBoundary int64
	stop         chan struct{}
	done         chan struct{}
	signal       chan struct{}

	ticks        atomic.Uint64
	nodeFailures atomic.Uint64
	waitTimeouts atomic.Uint64
}

// NewExecutor builds a standalone executor with no listeners.
func NewExecutor(name, triggerSource string, opts ExecutorOptions, logger *log.Logger, level model.LogLevel) *Executor {
	g := &graph{}
	e := newExecutor(g, 0, name, triggerSource, opts, logger, level)
	g.executors = []*Executor{e}
	g.listeners = [][]int{nil}
	return e
}

func newExecutor(g *graph, index int, name, triggerSource string, opts ExecutorOptions, logger *log.Logger, level model.LogLevel) *Executor {
	if opts.TriggerWaitTimeout <= 0 {
		opts.TriggerWaitTimeout = defaultTriggerWaitTimeout
	}
	if opts.ClockTolerance <= 0 {
		opts.ClockTolerance = defaultClockTolerance
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Executor{
		name:          name,
		triggerSource: triggerSource,
		graph:         g,
		index:         index,
		logger:        logger,
		logLevel:      level,
		waitTimeout:   opts.TriggerWaitTimeout,
		period:        opts.ClockPeriod,
		tolerance:     opts.ClockTolerance,
		now:           opts.Now,
		bus:           opts.Bus,
		signal:        make(chan struct{}, 1),
	}
}

func (e *Executor) Name() string          { return e.name }
func (e *Executor) TriggerSource() string { return e.triggerSource }
func (e *Executor) ClockAligned() bool    { return e.period > 0 }

// AddNode appends n. It is refused while the executor runs.
func (e *Executor) AddNode(n Node) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active {
		return false
	}
	e.nodes = append(e.nodes, n)
	return true
}

// RemoveNode drops the node called name. It is refused while the executor
// runs and reports false when no such node is registered.
func (e *Executor) RemoveNode(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active {
		return false
	}
	for i, n := range e.nodes {
		if n.Name() == name {
			e.nodes = append(e.nodes[:i:i], e.nodes[i+1:]...)
			return true
		}
	}
	return false
}

func (e *Executor) NodeNames() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, len(e.nodes))
	for i, n := range e.nodes {
		names[i] = n.Name()
	}
	return names
}

// Start resets the tick and launches the run loop. Calling it on a running
// executor does nothing.
func (e *Executor) Start() {
	e.mu.Lock()
	if e.active {
		e.mu.Unlock()
		return
	}
	e.active = true
	e.triggered = false
	e.lastTick = 0
	e.clockTick = 0
	e.lastBoundary = -1
	e.stop = make(chan struct{})
	e.done = make(chan struct{})
	stop, done := e.stop, e.done
	e.mu.Unlock()

	go e.run(stop, done)
	e.log(model.LogLevelInfo, "started nodes=%v clock_aligned=%t", e.NodeNames(), e.ClockAligned())
}

// Stop deactivates the executor and joins its loop. It must not be called
// from one of the executor's own nodes.
func (e *Executor) Stop() {
	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return
	}
	e.active = false
	close(e.stop)
	done := e.done
	e.mu.Unlock()

	<-done
	e.log(model.LogLevelInfo, "stopped at tick=%d", e.LastTick())
}

func (e *Executor) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

func (e *Executor) LastTick() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastTick
}

// Trigger wakes the executor for tick. Triggers that arrive before the loop
// picks up the previous one coalesce to the latest tick. Clock-aligned and
// inactive executors ignore triggers.
func (e *Executor) Trigger(tick int64) {
	e.mu.Lock()
	if !e.active || e.period > 0 {
		e.mu.Unlock()
		return
	}
	e.pendingTick = tick
	e.triggered = true
	e.mu.Unlock()

	select {
	case e.signal <- struct{}{}:
	default:
	}
}

func (e *Executor) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		var tick int64
		var ok bool
		if e.period > 0 {
			tick, ok = e.waitClock(stop)
		} else {
			tick, ok = e.waitTrigger(stop)
		}
		if !ok {
			return
		}
		if !e.runNodes(tick) {
			return
		}
		for _, li := range e.graph.listeners[e.index] {
			e.graph.executors[li].Trigger(tick)
		}
	}
}

// waitTrigger blocks until a trigger arrives. A timeout is logged and the
// wait resumes without running the nodes.
func (e *Executor) waitTrigger(stop <-chan struct{}) (int64, bool) {
	for {
		e.mu.Lock()
		if !e.active {
			e.mu.Unlock()
			return 0, false
		}
		if e.triggered {
			e.triggered = false
			e.lastTick = e.pendingTick
			tick := e.lastTick
			e.mu.Unlock()
			return tick, true
		}
		e.mu.Unlock()

		timer := time.NewTimer(e.waitTimeout)
		select {
		case <-stop:
			timer.Stop()
			return 0, false
		case <-e.signal:
			timer.Stop()
		case <-timer.C:
			e.waitTimeouts.Add(1)
			e.log(model.LogLevelWarn, "no trigger within %s, last tick=%d", e.waitTimeout, e.LastTick())
		}
	}
}

// waitClock sleeps until the next unprocessed period boundary and returns
// the executor's own tick counter.
func (e *Executor) waitClock(stop <-chan struct{}) (int64, bool) {
	for {
		e.mu.Lock()
		if !e.active {
			e.mu.Unlock()
			return 0, false
		}
		idx, wait := nextBoundary(e.now().UnixMicro(), e.period.Microseconds(), e.tolerance.Microseconds(), e.lastBoundary)
		if wait == 0 {
			e.lastBoundary = idx
			e.clockTick++
			e.lastTick = e.clockTick
			tick := e.lastTick
			e.mu.Unlock()
			return tick, true
		}
		e.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-stop:
			timer.Stop()
			return 0, false
		case <-timer.C:
		}
	}
}

// nextBoundary reports the boundary index due at nowUs and a zero wait, or
// how long to sleep until the next boundary. Times within tolUs of a
// boundary count as on it; a boundary at or below last has already ticked.
func nextBoundary(nowUs, periodUs, tolUs, last int64) (int64, time.Duration) {
	idx := nowUs / periodUs
	rem := nowUs % periodUs
	switch {
	case rem <= tolUs:
	case periodUs-rem <= tolUs:
		idx++
	default:
		return idx, time.Duration(periodUs-rem) * time.Microsecond
	}
	if idx > last {
		return idx, 0
	}
	// Already ticked for this boundary; sleep past it to the next one.
	wait := (idx+1)*periodUs - nowUs
	return idx, time.Duration(wait) * time.Microsecond
}

// runNodes invokes every node in registration order. A failing node is
// logged and the rest still run. It reports false if the executor stopped.
func (e *Executor) runNodes(tick int64) bool {
	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return false
	}
	nodes := append([]Node(nil), e.nodes...)
	e.mu.Unlock()

	for _, n := range nodes {
		if err := n.Process(tick); err != nil {
			e.nodeFailures.Add(1)
			e.log(model.LogLevelWarn, "node %s tick=%d: %v", n.Name(), tick, err)
		}
	}
	e.ticks.Add(1)
	e.bus.Publish(events.Event{Type: events.EventExecutorTick, Sequence: tick, Source: e.name})
	return true
}

// ExecutorStats is a point-in-time view of one executor.
type ExecutorStats struct {
	Name          string   `yaml:"name" json:"name"`
	TriggerSource string   `yaml:"trigger_source" json:"trigger_source"`
	Nodes         []string `yaml:"nodes" json:"nodes"`
	Active        bool     `yaml:"active" json:"active"`
	ClockAligned  bool     `yaml:"clock_aligned" json:"clock_aligned"`
	LastTick      int64    `yaml:"last_tick" json:"last_tick"`
	Ticks         uint64   `yaml:"ticks" json:"ticks"`
	NodeFailures  uint64   `yaml:"node_failures" json:"node_failures"`
	WaitTimeouts  uint64   `yaml:"wait_timeouts" json:"wait_timeouts"`
}

func (e *Executor) Stats() ExecutorStats {
	e.mu.Lock()
	active, last := e.active, e.lastTick
	e.mu.Unlock()
	return ExecutorStats{
		Name:          e.name,
		TriggerSource: e.triggerSource,
		Nodes:         e.NodeNames(),
		Active:        active,
		ClockAligned:  e.ClockAligned(),
		LastTick:      last,
		Ticks:         e.ticks.Load(),
		NodeFailures:  e.nodeFailures.Load(),
		WaitTimeouts:  e.waitTimeouts.Load(),
	}
}

func (e *Executor) log(level model.LogLevel, format string, args ...any) {
	model.Logf(e.logger, e.logLevel, level, "executor/"+e.name, format, args...)
}
