package backend

import (
	"fmt"
	"log"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/msageha/camcore/internal/frame"
	"github.com/msageha/camcore/internal/model"
	"github.com/msageha/camcore/internal/task"
)

// software runs tasks on a pool of worker goroutines. Completion order across
// workers is not guaranteed.
type software struct {
	core
	workers    int
	queueDepth int

	qmu     sync.Mutex
	qcond   *sync.Cond
	pending []*task.Record
	running bool
	group   *errgroup.Group
}

func newSoftware(cfg model.BackendConfig, logger *log.Logger, level model.LogLevel) *software {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 2
	}
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = 8
	}
	s := &software{
		core:       newCore("backend/software", cfg, logger, level),
		workers:    workers,
		queueDepth: depth,
	}
	s.qcond = sync.NewCond(&s.qmu)
	return s
}

func (s *software) Configure(inputs, outputs map[frame.Port]frame.StreamConfig, mode task.TuningMode) error {
	return s.configure(inputs, outputs, mode)
}

func (s *software) Start() error {
	if !s.isConfigured() {
		return fmt.Errorf("software start: %w", ErrNotConfigured)
	}
	s.qmu.Lock()
	defer s.qmu.Unlock()
	if s.running {
		return nil
	}
	s.running = true

	g := new(errgroup.Group)
	for i := 0; i < s.workers; i++ {
		g.Go(s.worker)
	}
	s.group = g
	s.log(model.LogLevelInfo, "started workers=%d", s.workers)
	return nil
}

func (s *software) worker() error {
	for {
		s.qmu.Lock()
		for len(s.pending) == 0 && s.running {
			s.qcond.Wait()
		}
		if len(s.pending) == 0 {
			s.qmu.Unlock()
			return nil
		}
		rec := s.pending[0]
		s.pending = s.pending[1:]
		s.qmu.Unlock()

		s.process(rec)
	}
}

// Stop lets the workers drain what is queued, then joins them.
func (s *software) Stop() {
	s.qmu.Lock()
	if !s.running {
		s.qmu.Unlock()
		return
	}
	s.running = false
	g := s.group
	s.qcond.Broadcast()
	s.qmu.Unlock()

	_ = g.Wait()
	s.log(model.LogLevelInfo, "stopped")
}

func (s *software) AddTask(rec *task.Record) {
	s.qmu.Lock()
	if !s.running {
		s.qmu.Unlock()
		s.log(model.LogLevelWarn, "task seq=%d submitted while stopped, completing inline", rec.Sequence)
		s.process(rec)
		return
	}
	s.pending = append(s.pending, rec)
	depth := len(s.pending)
	s.qcond.Signal()
	s.qmu.Unlock()

	if depth > s.queueDepth {
		s.log(model.LogLevelWarn, "queue depth %d exceeds %d at seq=%d", depth, s.queueDepth, rec.Sequence)
	}
}
