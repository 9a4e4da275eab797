package sequencer

import (
	"github.com/msageha/camcore/internal/backend"
	"github.com/msageha/camcore/internal/events"
	"github.com/msageha/camcore/internal/frame"
	"github.com/msageha/camcore/internal/model"
	"github.com/msageha/camcore/internal/task"
)

var _ backend.Listener = (*Sequencer)(nil)

// OnBufferDone accounts one returned output. The return that completes a
// record releases its in-flight entry and, unless retained, its inputs.
func (s *Sequencer) OnBufferDone(seq int64, port frame.Port, buf *frame.Buffer) {
	s.trackMu.Lock()
	id, ok := s.owners[buf]
	if !ok {
		s.trackMu.Unlock()
		s.log(model.LogLevelWarn, "buffer done for untracked buffer seq=%d port=%s", seq, port)
		return
	}
	delete(s.owners, buf)
	t := s.records[id]
	done, err := t.progress.BufferReturned()
	if err != nil {
		s.trackMu.Unlock()
		s.log(model.LogLevelError, "buffer done seq=%d port=%s: %v", seq, port, err)
		return
	}
	if done && t.progress.TaskDone {
		delete(s.records, id)
	}
	s.trackMu.Unlock()

	s.deliverOutput(port, buf)
	if done {
		s.complete(t)
	}
}

func (s *Sequencer) complete(t *tracked) {
	rec := t.progress.Record
	s.inFlight.Remove(rec.Sequence)
	if t.returnInputs {
		s.returnInputs(rec.Inputs)
	}
	s.releaseHeld(frame.Unconstrained)
	s.evict()
	s.completed.Add(1)
	s.publish(events.Event{Type: events.EventTaskCompleted, Sequence: rec.Sequence, Fake: rec.Flags.Fake})
	s.signal()
}

// OnTaskDone is honored once per record; repeats are logged and dropped.
func (s *Sequencer) OnTaskDone(rec *task.Record) {
	s.trackMu.Lock()
	t, ok := s.records[rec.ID]
	if !ok {
		s.trackMu.Unlock()
		s.log(model.LogLevelWarn, "task done for unknown or finished record seq=%d id=%s", rec.Sequence, rec.ID)
		return
	}
	if !t.progress.MarkTaskDone() {
		s.trackMu.Unlock()
		s.log(model.LogLevelWarn, "duplicate task done seq=%d id=%s", rec.Sequence, rec.ID)
		return
	}
	if t.progress.State == task.StateCompleted {
		delete(s.records, rec.ID)
	}
	s.trackMu.Unlock()

	if rec.Flags.Fake {
		return
	}
	_, consumers := s.endpoints()
	for _, c := range consumers {
		c.OnTaskDone(rec.Sequence)
	}
}

// OnMetadataReady forwards results of tasks that carry consumer outputs.
func (s *Sequencer) OnMetadataReady(seq int64, outputs frame.BufferMap) {
	if s.poolOwned(outputs) {
		return
	}
	_, consumers := s.endpoints()
	for _, c := range consumers {
		c.OnMetadataReady(seq, outputs)
	}
}

func (s *Sequencer) OnStatsReady(ev backend.StatsEvent) {
	_, consumers := s.endpoints()
	for _, c := range consumers {
		c.OnStatsReady(ev)
	}
}

// deliverOutput returns internal buffers to their pool and everything else
// to consumers.
func (s *Sequencer) deliverOutput(port frame.Port, buf *frame.Buffer) {
	if pool := s.pools[port]; pool != nil && pool.Put(buf) {
		return
	}
	_, consumers := s.endpoints()
	for _, c := range consumers {
		c.OnFrameAvailable(port, buf)
	}
	s.publish(events.Event{Type: events.EventBufferReturned, Sequence: buf.Sequence, Source: port.String()})
}

func (s *Sequencer) poolOwned(m frame.BufferMap) bool {
	if m.Count() == 0 {
		return false
	}
	for p, b := range m {
		if b == nil {
			continue
		}
		pool := s.pools[p]
		if pool == nil || !pool.Owns(b) {
			return false
		}
	}
	return true
}
