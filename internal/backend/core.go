package backend

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/msageha/camcore/internal/frame"
	"github.com/msageha/camcore/internal/model"
	"github.com/msageha/camcore/internal/params"
	"github.com/msageha/camcore/internal/task"
)

const maxPendingOverrides = 64

// core holds what both variants share: stream configuration, the listener,
// per-sequence overrides and the simulated processing step.
type core struct {
	name     string
	logger   *log.Logger
	logLevel model.LogLevel
	latency  time.Duration

	mu         sync.Mutex
	listener   Listener
	configured bool
	inputs     map[frame.Port]frame.StreamConfig
	outputs    map[frame.Port]frame.StreamConfig
	mode       task.TuningMode
	controls   map[int64]Control
	prepared   map[int64]params.Settings
}

func newCore(name string, cfg model.BackendConfig, logger *log.Logger, level model.LogLevel) core {
	latency := time.Duration(cfg.LatencyMs) * time.Millisecond
	if cfg.LatencyMs < 0 {
		latency = 0
	}
	return core{
		name:     name,
		logger:   logger,
		logLevel: level,
		latency:  latency,
		controls: make(map[int64]Control),
		prepared: make(map[int64]params.Settings),
	}
}

func (c *core) SetListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listener = l
}

func (c *core) configure(inputs, outputs map[frame.Port]frame.StreamConfig, mode task.TuningMode) error {
	if len(inputs) == 0 {
		return fmt.Errorf("%s configure: no input ports", c.name)
	}
	if len(outputs) == 0 {
		return fmt.Errorf("%s configure: no output ports", c.name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inputs = inputs
	c.outputs = outputs
	c.mode = mode
	c.configured = true
	c.log(model.LogLevelInfo, "configured inputs=%d outputs=%d mode=%s", len(inputs), len(outputs), mode)
	return nil
}

func (c *core) isConfigured() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.configured
}

func (c *core) SetControl(seq int64, ctrl Control) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.controls[seq] = ctrl
	trimOldest(c.controls)
}

func (c *core) PrepareParams(settings params.Settings, seq int64, streamID int32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.configured {
		return ErrNotConfigured
	}
	c.prepared[seq] = settings
	trimOldest(c.prepared)
	c.log(model.LogLevelDebug, "prepared params seq=%d stream=%d gain=%.2f", seq, streamID, settings.TotalGain())
	return nil
}

// process simulates one pass: every output receives the input image and
// the record's sequence, then callbacks fire in contract order. Reported
// luma scales with the prepared sensor gain.
func (c *core) process(rec *task.Record) {
	c.mu.Lock()
	l := c.listener
	ctrl := c.controls[rec.Sequence]
	gain := 1.0
	if st, ok := c.prepared[rec.Sequence]; ok && st.TotalGain() > 0 {
		gain = st.TotalGain()
	}
	delete(c.controls, rec.Sequence)
	delete(c.prepared, rec.Sequence)
	c.mu.Unlock()

	if c.latency > 0 {
		time.Sleep(c.latency)
	}

	var src *frame.Buffer
	for _, p := range rec.Inputs.Ports() {
		src = rec.Inputs[p]
		break
	}

	for _, p := range rec.Outputs.Ports() {
		out := rec.Outputs[p]
		if src != nil && !rec.Flags.MetadataOnly {
			out.CopyFrom(src)
		}
		out.Sequence = rec.Sequence
	}
	luma := meanLuma(src)*gain + ctrl["brightness"]
	if l == nil {
		c.log(model.LogLevelWarn, "no listener, dropping completion for seq=%d", rec.Sequence)
		return
	}

	for _, p := range rec.Outputs.Ports() {
		l.OnBufferDone(rec.Sequence, p, rec.Outputs[p])
	}
	l.OnMetadataReady(rec.Sequence, rec.Outputs)
	if !rec.Flags.Fake {
		ts := int64(0)
		if src != nil {
			ts = src.Timestamp
		}
		l.OnStatsReady(StatsEvent{Sequence: rec.Sequence, Timestamp: ts, MeanLuma: luma})
	}
	l.OnTaskDone(rec)
}

func (c *core) log(level model.LogLevel, format string, args ...any) {
	model.Logf(c.logger, c.logLevel, level, c.name, format, args...)
}

func meanLuma(b *frame.Buffer) float64 {
	if b == nil || len(b.Data) == 0 {
		return 0
	}
	sum := 0
	for _, v := range b.Data {
		sum += int(v)
	}
	return float64(sum) / float64(len(b.Data))
}

func trimOldest[V any](m map[int64]V) {
	for len(m) > maxPendingOverrides {
		oldest := int64(-1)
		for k := range m {
			if oldest == -1 || k < oldest {
				oldest = k
			}
		}
		delete(m, oldest)
	}
}
