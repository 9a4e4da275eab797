package backend

import (
	"context"
	"fmt"
	"log"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/msageha/camcore/internal/frame"
	"github.com/msageha/camcore/internal/model"
	"github.com/msageha/camcore/internal/task"
)

// hardware models a device with a fixed number of hardware queue slots. One
// submission goroutine hands tasks to the device in the order they were
// added; each task occupies a slot from submission until its callbacks have
// fired.
type hardware struct {
	core
	depth int64
	slots *semaphore.Weighted

	mu      sync.Mutex
	running bool
	pending []*task.Record
	wake    chan struct{}
	exited  chan struct{}
	wg      sync.WaitGroup
}

func newHardware(cfg model.BackendConfig, logger *log.Logger, level model.LogLevel) *hardware {
	depth := int64(cfg.QueueDepth)
	if depth <= 0 {
		depth = 4
	}
	return &hardware{
		core:  newCore("backend/hardware", cfg, logger, level),
		depth: depth,
		slots: semaphore.NewWeighted(depth),
	}
}

// Configure rejects streams the device cannot describe.
func (h *hardware) Configure(inputs, outputs map[frame.Port]frame.StreamConfig, mode task.TuningMode) error {
	for _, set := range []map[frame.Port]frame.StreamConfig{inputs, outputs} {
		for p, s := range set {
			if s.Width <= 0 || s.Height <= 0 {
				return fmt.Errorf("hardware configure: %s has invalid geometry %dx%d", p, s.Width, s.Height)
			}
		}
	}
	return h.configure(inputs, outputs, mode)
}

func (h *hardware) Start() error {
	if !h.isConfigured() {
		return fmt.Errorf("hardware start: %w", ErrNotConfigured)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return nil
	}
	h.running = true
	h.wake = make(chan struct{}, 1)
	h.exited = make(chan struct{})
	go h.submitLoop(h.wake, h.exited)
	h.log(model.LogLevelInfo, "started slots=%d", h.depth)
	return nil
}

// Stop submits whatever is still pending and waits for every task to
// complete.
func (h *hardware) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	wake, exited := h.wake, h.exited
	h.mu.Unlock()

	notify(wake)
	<-exited
	h.wg.Wait()
	h.log(model.LogLevelInfo, "stopped")
}

func (h *hardware) AddTask(rec *task.Record) {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		h.log(model.LogLevelWarn, "task seq=%d submitted while stopped, completing inline", rec.Sequence)
		h.process(rec)
		return
	}
	h.pending = append(h.pending, rec)
	wake := h.wake
	h.mu.Unlock()
	notify(wake)
}

func (h *hardware) submitLoop(wake <-chan struct{}, exited chan<- struct{}) {
	defer close(exited)
	for {
		h.mu.Lock()
		if len(h.pending) == 0 {
			stopping := !h.running
			h.mu.Unlock()
			if stopping {
				return
			}
			<-wake
			continue
		}
		rec := h.pending[0]
		h.pending = h.pending[1:]
		h.mu.Unlock()

		// Background context: a submitted task always runs to completion so
		// its buffers are returned.
		if err := h.slots.Acquire(context.Background(), 1); err != nil {
			h.log(model.LogLevelError, "acquire slot seq=%d: %v", rec.Sequence, err)
			continue
		}
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			defer h.slots.Release(1)
			h.process(rec)
		}()
	}
}

func notify(ch chan<- struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
