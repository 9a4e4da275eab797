package scheduler

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/msageha/camcore/internal/events"
	"github.com/msageha/camcore/internal/model"
)

// Scheduler owns the executors of one graph and fans external triggers into
// them.
type Scheduler struct {
	config   model.SchedulerConfig
	policy   Policy
	logger   *log.Logger
	logLevel model.LogLevel
	now      func() time.Time
	bus      *events.Bus

	mu      sync.Mutex
	graph   *graph
	owners  map[string]int
	started bool
	counter atomic.Int64
}

func New(cfg model.SchedulerConfig, policy Policy, logger *log.Logger, level model.LogLevel) *Scheduler {
	return &Scheduler{
		config:   cfg,
		policy:   policy,
		logger:   logger,
		logLevel: level,
		now:      time.Now,
		graph:    &graph{},
		owners:   make(map[string]int),
	}
}

// SetClock replaces the wall clock used by clock-aligned executors built by
// later Configure calls.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Scheduler) SetEventBus(b *events.Bus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bus = b
}

// Configure builds the executors and trigger edges for graphID, replacing any
// previous set. It fails while the scheduler runs.
func (s *Scheduler) Configure(graphID int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("configure graph %d: %w", graphID, ErrExecutorActive)
	}

	table, err := s.policy.ExecutorTable(graphID)
	if err != nil {
		return fmt.Errorf("configure graph %d: %w", graphID, err)
	}

	opts := ExecutorOptions{
		TriggerWaitTimeout: time.Duration(s.config.TriggerWaitTimeoutMs) * time.Millisecond,
		ClockTolerance:     time.Duration(s.config.ClockAlignToleranceUs) * time.Microsecond,
		Now:                s.now,
		Bus:                s.bus,
	}
	if s.config.ClockAlignPeriodMs > 0 {
		opts.ClockPeriod = time.Duration(s.config.ClockAlignPeriodMs) * time.Millisecond
	}

	g := &graph{
		executors: make([]*Executor, 0, len(table)),
		listeners: make([][]int, len(table)),
	}
	byName := make(map[string]int, len(table))
	for i, entry := range table {
		if entry.Name == "" {
			return fmt.Errorf("configure graph %d: executor %d has no name", graphID, i)
		}
		if _, dup := byName[entry.Name]; dup {
			return fmt.Errorf("configure graph %d: duplicate executor %q", graphID, entry.Name)
		}
		byName[entry.Name] = i
		g.executors = append(g.executors, newExecutor(g, i, entry.Name, entry.TriggerSource, opts, s.logger, s.logLevel))
	}
	for i, entry := range table {
		if entry.TriggerSource == "" {
			continue
		}
		if src, ok := byName[entry.TriggerSource]; ok {
			g.listeners[src] = append(g.listeners[src], i)
		}
	}
	if err := checkTriggerCycles(table, g.listeners); err != nil {
		return fmt.Errorf("configure graph %d: %w", graphID, err)
	}

	owners := make(map[string]int)
	for i, entry := range table {
		for _, node := range s.policy.NodeList(entry.Name) {
			if prev, taken := owners[node]; taken {
				s.log(model.LogLevelWarn, "node %s claimed by %s and %s, keeping %s",
					node, table[prev].Name, entry.Name, table[prev].Name)
				continue
			}
			owners[node] = i
		}
	}

	s.graph = g
	s.owners = owners
	s.log(model.LogLevelInfo, "configured graph=%d executors=%d clock_aligned=%t",
		graphID, len(g.executors), opts.ClockPeriod > 0)
	return nil
}

// RegisterNode places n on the executor whose node list names it.
func (s *Scheduler) RegisterNode(n Node) error {
	s.mu.Lock()
	idx, ok := s.owners[n.Name()]
	g := s.graph
	s.mu.Unlock()
	if !ok {
		s.log(model.LogLevelWarn, "node %s is not claimed by any executor, leaving it unregistered", n.Name())
		return fmt.Errorf("register %s: %w", n.Name(), ErrNodeNotClaimed)
	}
	e := g.executors[idx]
	if !e.AddNode(n) {
		return fmt.Errorf("register %s on %s: %w", n.Name(), e.Name(), ErrExecutorActive)
	}
	s.log(model.LogLevelDebug, "node %s registered on %s", n.Name(), e.Name())
	return nil
}

func (s *Scheduler) UnregisterNode(name string) error {
	s.mu.Lock()
	idx, ok := s.owners[name]
	g := s.graph
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unregister %s: %w", name, ErrNodeNotClaimed)
	}
	e := g.executors[idx]
	if e.Active() {
		return fmt.Errorf("unregister %s from %s: %w", name, e.Name(), ErrExecutorActive)
	}
	if !e.RemoveNode(name) {
		return fmt.Errorf("unregister %s: not registered on %s", name, e.Name())
	}
	return nil
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	for _, e := range s.graph.executors {
		e.Start()
	}
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	executors := s.graph.executors
	s.mu.Unlock()

	for _, e := range executors {
		e.Stop()
	}
}

// ExecuteNode wakes every executor whose trigger source is source. A negative
// tick is replaced by the scheduler's own trigger count. Clock-aligned
// executors ignore it.
func (s *Scheduler) ExecuteNode(source string, tick int64) {
	n := s.counter.Add(1)
	if tick < 0 {
		tick = n
	}
	s.mu.Lock()
	executors := s.graph.executors
	s.mu.Unlock()
	for _, e := range executors {
		if e.TriggerSource() == source {
			e.Trigger(tick)
		}
	}
}

// Executor returns the executor called name, or nil.
func (s *Scheduler) Executor(name string) *Executor {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.graph.executors {
		if e.Name() == name {
			return e
		}
	}
	return nil
}

// Stats lists executors in configuration order.
func (s *Scheduler) Stats() []ExecutorStats {
	s.mu.Lock()
	executors := s.graph.executors
	s.mu.Unlock()
	out := make([]ExecutorStats, 0, len(executors))
	for _, e := range executors {
		out = append(out, e.Stats())
	}
	return out
}

func (s *Scheduler) log(level model.LogLevel, format string, args ...any) {
	model.Logf(s.logger, s.logLevel, level, "scheduler", format, args...)
}

// checkTriggerCycles runs Kahn's algorithm over the trigger edges. A chain
// that loops back on itself would pass ticks around forever.
func checkTriggerCycles(table []ExecutorEntry, listeners [][]int) error {
	inDegree := make([]int, len(table))
	for _, ls := range listeners {
		for _, l := range ls {
			inDegree[l]++
		}
	}
	var queue []int
	for i, d := range inDegree {
		if d == 0 {
			queue = append(queue, i)
		}
	}
	visited := 0
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		visited++
		for _, l := range listeners[i] {
			inDegree[l]--
			if inDegree[l] == 0 {
				queue = append(queue, l)
			}
		}
	}
	if visited == len(table) {
		return nil
	}

	var loop []string
	for i, d := range inDegree {
		if d > 0 {
			loop = append(loop, table[i].Name)
		}
	}
	return fmt.Errorf("%w: %s", ErrTriggerCycle, strings.Join(loop, ", "))
}
