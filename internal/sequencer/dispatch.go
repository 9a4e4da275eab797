package sequencer

import (
	"context"
	"time"

	"github.com/msageha/camcore/internal/events"
	"github.com/msageha/camcore/internal/frame"
	"github.com/msageha/camcore/internal/model"
	"github.com/msageha/camcore/internal/params"
	"github.com/msageha/camcore/internal/retention"
	"github.com/msageha/camcore/internal/task"
)

func (s *Sequencer) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		if s.processNewFrame() {
			continue
		}

		if s.inFlight.Len() == 0 {
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
			}
			continue
		}

		timer := time.NewTimer(s.waitFor)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
			s.inputTimeouts.Add(1)
			s.log(model.LogLevelWarn, "no runnable frame within %s, in_flight=%v", s.waitFor, s.inFlight.Sequences())
		}
	}
}

// cycle is what one pass took off the queues. Buffers are acted on only
// after the queue lock is released.
type cycle struct {
	seq    int64
	inputs frame.BufferMap

	reprocessInput   *frame.Buffer
	reprocessOutputs frame.BufferMap

	rawOut *frame.Buffer

	zsl         frame.BufferMap
	zslEntry    retention.Entry
	resupply    frame.BufferMap
	resupplied  frame.BufferMap
	resupplySeq int64

	outputs frame.BufferMap
	consume bool
	hold    bool
	skip    bool
	execute bool
}

// processNewFrame runs one dispatch cycle. It reports whether anything was
// taken off the queues.
func (s *Sequencer) processNewFrame() bool {
	c, ok := s.takeCycle()
	if !ok {
		return false
	}

	if c.reprocessInput != nil {
		s.dispatchReprocess(c.reprocessInput, c.reprocessOutputs)
		return true
	}
	if c.rawOut != nil {
		s.copyOutRaw(c.seq, c.inputs, c.rawOut)
	}
	if c.zsl != nil {
		s.dispatchRetained(c.zslEntry.Sequence, c.zslEntry.Buffers, c.zsl, "zsl")
	}
	if c.resupply != nil {
		s.dispatchRetained(c.resupplySeq, c.resupply, c.resupplied, "raw reprocess")
	}

	switch {
	case !c.consume:
	case c.skip:
		s.skipped.Add(1)
		s.publish(events.Event{Type: events.EventFrameSkipped, Sequence: c.seq})
		s.log(model.LogLevelDebug, "skip seq=%d", c.seq)
		s.releaseInputs(c.seq, c.inputs)
	case c.hold:
		s.held.Add(1)
		s.log(model.LogLevelDebug, "hold seq=%d", c.seq)
		s.retention.Save(c.seq, c.inputs)
		s.evict()
	case c.execute:
		s.dispatchFrame(c.seq, c.inputs, c.outputs)
		s.releaseHeld(c.seq)
	default:
		// Only the opaque raw output used this frame.
		s.retention.Save(c.seq, c.inputs)
		s.evict()
	}
	return true
}

func (s *Sequencer) takeCycle() (cycle, bool) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	var c cycle
	if !s.hasOutputLocked() {
		return c, false
	}

	if q := s.inputQueues[frame.ReprocessInputPort]; len(q) > 0 {
		c.reprocessInput = q[0]
		s.inputQueues[frame.ReprocessInputPort] = q[1:]
		c.reprocessOutputs = s.frontOutputsLocked()
		s.popOutputsLocked(c.reprocessOutputs)
		return c, true
	}

	raw := s.inputQueues[s.rawPort]
	if len(raw) == 0 {
		return c, false
	}
	c.seq = raw[0].Sequence
	c.inputs = s.frontInputsLocked()
	outputs := s.frontOutputsLocked()
	progressed := false

	rawPending := false
	if s.opaqueRawPort != frame.InvalidPort {
		if b, ok := outputs[s.opaqueRawPort]; ok {
			delete(outputs, s.opaqueRawPort)
			if NeedExecutePipe(b.SettingSequence, c.seq) {
				c.rawOut = b
				s.popOutputLocked(s.opaqueRawPort)
				progressed = true
			} else {
				rawPending = true
			}
		}
	}

	if s.config.ZSL {
		for _, p := range s.stillPorts {
			b, ok := outputs[p]
			if !ok || b.Timestamp == 0 {
				continue
			}
			var e retention.Entry
			var found bool
			if c.zsl == nil {
				// Pinned until the task is in flight; dispatchRetained releases it.
				e, found = s.retention.AcquireByTimestamp(b.Timestamp)
			} else {
				e, found = s.retention.FindByTimestamp(b.Timestamp)
			}
			if !found {
				s.log(model.LogLevelWarn, "zsl: no retained frame at ts=%d, processing with current input", b.Timestamp)
				continue
			}
			if c.zsl == nil {
				c.zsl = frame.BufferMap{}
				c.zslEntry = e
			} else if e.Sequence != c.zslEntry.Sequence {
				continue
			}
			c.zsl[p] = b
			delete(outputs, p)
			s.popOutputLocked(p)
			progressed = true
		}
	}

	if len(outputs) > 0 {
		setting := outputs.SettingSequence()
		if setting != frame.Unconstrained && setting < c.seq {
			if in, ok := s.retention.Acquire(setting); ok {
				c.resupply = in
				c.resupplied = outputs
				c.resupplySeq = setting
				s.popOutputsLocked(outputs)
				outputs = nil
				progressed = true
			}
		}
	}

	switch {
	case len(outputs) > 0:
		setting := outputs.SettingSequence()
		c.execute = NeedExecutePipe(setting, c.seq)
		c.hold = NeedHoldOnInputFrame(setting, c.seq)
		if c.execute {
			c.skip = s.needSkipOutputFrame(c.seq)
		}
		if c.execute && !c.skip {
			c.outputs = outputs
			s.popOutputsLocked(outputs)
		}
		c.consume = true
	case c.rawOut != nil:
		c.consume = true
	case rawPending && c.zsl == nil && c.resupply == nil:
		// The raw request waits for a later frame.
		c.hold = true
		c.consume = true
	}

	if c.consume {
		s.popInputsLocked()
		progressed = true
	}
	return c, progressed
}

func (s *Sequencer) hasOutputLocked() bool {
	for _, q := range s.outputQueues {
		if len(q) > 0 {
			return true
		}
	}
	return false
}

func (s *Sequencer) frontInputsLocked() frame.BufferMap {
	m := frame.BufferMap{}
	for p, q := range s.inputQueues {
		if p == frame.ReprocessInputPort || len(q) == 0 {
			continue
		}
		m[p] = q[0]
	}
	return m
}

func (s *Sequencer) popInputsLocked() {
	for p, q := range s.inputQueues {
		if p == frame.ReprocessInputPort || len(q) == 0 {
			continue
		}
		s.inputQueues[p] = q[1:]
	}
}

func (s *Sequencer) frontOutputsLocked() frame.BufferMap {
	m := frame.BufferMap{}
	for p, q := range s.outputQueues {
		if len(q) > 0 {
			m[p] = q[0]
		}
	}
	return m
}

func (s *Sequencer) popOutputLocked(p frame.Port) {
	if q := s.outputQueues[p]; len(q) > 0 {
		s.outputQueues[p] = q[1:]
	}
}

func (s *Sequencer) popOutputsLocked(m frame.BufferMap) {
	for p := range m {
		s.popOutputLocked(p)
	}
}

func (s *Sequencer) needSkipOutputFrame(seq int64) bool {
	s.hookMu.RLock()
	rp := s.results
	s.hookMu.RUnlock()
	if rp == nil {
		return false
	}
	r, ok := rp.Result(seq)
	return ok && r.Skip
}

// copyOutRaw fills the opaque raw output from the sensor frame and hands it
// straight back to consumers.
func (s *Sequencer) copyOutRaw(seq int64, inputs frame.BufferMap, out *frame.Buffer) {
	src := inputs[s.rawPort]
	if src == nil {
		return
	}
	out.CopyFrom(src)
	out.Sequence = seq
	s.deliverOutput(s.opaqueRawPort, out)
}

func (s *Sequencer) dispatchFrame(seq int64, inputs, outputs frame.BufferMap) {
	settings := s.settingsFor(seq)
	still := s.hasStill(outputs)
	tnr := s.config.StillTNR && still
	if tnr {
		s.dispatchReferences(seq, settings)
	}
	if s.retain {
		s.retention.SaveAcquired(seq, inputs)
	}

	mode := s.mode
	if still {
		mode = task.TuningModeStill
	}
	rec := task.New(seq, inputs, outputs, mode, task.Flags{MetadataOnly: allInternal(outputs)}, settings)
	s.prepare(settings, seq)
	s.submit(rec, !s.retain)
	if s.retain {
		s.retention.Release(seq)
	}
	if tnr {
		s.lastStillTnrSequence.Store(seq)
	}
	s.fireTrigger(seq)
}

// dispatchReferences sends fake tasks for the retained frames temporal noise
// reduction needs before seq, skipping those an earlier still already sent.
func (s *Sequencer) dispatchReferences(seq int64, settings params.Settings) {
	s.hookMu.RLock()
	gp := s.gains
	s.hookMu.RUnlock()
	if gp == nil {
		return
	}
	count := gp.GainTable().FrameCount(settings.TotalGain())
	if count <= 1 {
		return
	}

	last := s.lastStillTnrSequence.Load()
	for ref := seq - int64(count-1); ref < seq; ref++ {
		if ref < 0 || ref <= last {
			continue
		}
		inputs, ok := s.retention.Acquire(ref)
		if !ok {
			s.log(model.LogLevelDebug, "tnr: reference seq=%d not retained", ref)
			continue
		}
		s.dispatchReference(ref, inputs)
		s.retention.Release(ref)
	}
}

// dispatchReference sends one fake task for a pinned reference frame.
func (s *Sequencer) dispatchReference(ref int64, inputs frame.BufferMap) {
	outputs := frame.BufferMap{}
	for _, p := range s.stillPorts {
		pool := s.pools[p]
		if pool == nil {
			continue
		}
		b, ok := pool.Get()
		if !ok {
			s.log(model.LogLevelWarn, "tnr: internal pool for %s exhausted at ref seq=%d", p, ref)
			continue
		}
		outputs[p] = b
	}
	if len(outputs) == 0 {
		return
	}
	rec := task.New(ref, inputs, outputs, task.TuningModeStill, task.Flags{Fake: true}, s.settingsFor(ref))
	s.fakeTasks.Add(1)
	s.submit(rec, false)
}

func (s *Sequencer) dispatchReprocess(in *frame.Buffer, outputs frame.BufferMap) {
	seq := in.Sequence
	settings := s.settingsFor(seq)
	inputs := frame.BufferMap{frame.ReprocessInputPort: in}
	rec := task.New(seq, inputs, outputs, s.mode, task.Flags{YUVReprocessing: true, MetadataOnly: allInternal(outputs)}, settings)
	s.prepare(settings, seq)
	s.submit(rec, true)
	s.fireTrigger(seq)
}

// dispatchRetained processes outputs against a frame pinned in retention and
// drops the pin once the task is in flight. The retained inputs stay there;
// eviction returns them.
func (s *Sequencer) dispatchRetained(seq int64, inputs, outputs frame.BufferMap, kind string) {
	settings := s.settingsFor(seq)
	mode := s.mode
	if s.hasStill(outputs) {
		mode = task.TuningModeStill
	}
	s.log(model.LogLevelDebug, "%s: seq=%d outputs=%v", kind, seq, outputs.Ports())
	rec := task.New(seq, inputs, outputs, mode, task.Flags{MetadataOnly: allInternal(outputs)}, settings)
	s.prepare(settings, seq)
	s.submit(rec, false)
	s.retention.Release(seq)
	s.evict()
	s.fireTrigger(seq)
}

func (s *Sequencer) submit(rec *task.Record, returnInputs bool) {
	p := task.NewProgress(rec)
	if err := p.Dispatch(); err != nil {
		s.log(model.LogLevelError, "dispatch seq=%d: %v", rec.Sequence, err)
		return
	}

	s.trackMu.Lock()
	s.records[rec.ID] = &tracked{progress: p, returnInputs: returnInputs}
	for _, b := range rec.Outputs {
		if b != nil {
			s.owners[b] = rec.ID
		}
	}
	s.trackMu.Unlock()

	s.inFlight.Add(rec.Sequence)
	s.dispatched.Add(1)
	s.publish(events.Event{Type: events.EventTaskDispatched, Sequence: rec.Sequence, Fake: rec.Flags.Fake})
	s.log(model.LogLevelDebug, "dispatch seq=%d id=%s fake=%t outputs=%v",
		rec.Sequence, rec.ID, rec.Flags.Fake, rec.Outputs.Ports())
	s.backend.AddTask(rec)
}

func (s *Sequencer) settingsFor(seq int64) params.Settings {
	s.hookMu.RLock()
	pp := s.params
	s.hookMu.RUnlock()
	if pp != nil {
		st, err := pp.ParametersForSequence(seq)
		if err == nil {
			return st
		}
		s.log(model.LogLevelDebug, "parameters for seq=%d: %v, using snapshot", seq, err)
	}
	s.settingsMu.RLock()
	st := s.settings.Clone()
	s.settingsMu.RUnlock()
	st.Sequence = seq
	return st
}

func (s *Sequencer) prepare(settings params.Settings, seq int64) {
	if err := s.backend.PrepareParams(settings, seq, s.streamID); err != nil {
		s.log(model.LogLevelWarn, "prepare params seq=%d: %v", seq, err)
	}
}

func (s *Sequencer) fireTrigger(seq int64) {
	s.hookMu.RLock()
	f := s.trigger
	s.hookMu.RUnlock()
	if f != nil {
		f(seq)
	}
}

func (s *Sequencer) hasStill(outputs frame.BufferMap) bool {
	for _, p := range s.stillPorts {
		if outputs[p] != nil {
			return true
		}
	}
	return false
}

// releaseInputs gives up a consumed input that no task will use.
func (s *Sequencer) releaseInputs(seq int64, inputs frame.BufferMap) {
	if s.retain {
		s.retention.Save(seq, inputs)
		s.evict()
		return
	}
	s.returnInputs(inputs)
}

func (s *Sequencer) returnInputs(inputs frame.BufferMap) {
	producer, _ := s.endpoints()
	for _, p := range inputs.Ports() {
		b := inputs[p]
		// The producer may refill b as soon as it has it back.
		seq := b.Sequence
		if producer != nil {
			producer.QBuf(p, b)
		}
		s.publish(events.Event{Type: events.EventBufferReturned, Sequence: seq, Source: "producer"})
	}
}

// releaseHeld returns inputs parked while waiting for a setting sequence
// once a frame at or after it has been dispatched. Entries still in flight
// are retried on completion. With retention enabled they stay until
// eviction instead.
func (s *Sequencer) releaseHeld(dispatched int64) {
	if s.retain {
		return
	}
	for {
		cur := s.heldCutoff.Load()
		if dispatched <= cur || s.heldCutoff.CompareAndSwap(cur, dispatched) {
			break
		}
	}
	for _, e := range s.retention.TakeBefore(s.heldCutoff.Load(), s.inFlight.Contains) {
		s.returnInputs(e.Buffers)
	}
}

// evict trims retention to leave room for the frames in flight.
func (s *Sequencer) evict() {
	limit := s.config.MaxRetained - s.config.MaxRequestsInFlight
	for _, e := range s.retention.Evict(limit, s.inFlight.Contains) {
		s.returnInputs(e.Buffers)
	}
}

func allInternal(m frame.BufferMap) bool {
	if m.Count() == 0 {
		return false
	}
	for _, b := range m {
		if b != nil && !b.Internal {
			return false
		}
	}
	return true
}
