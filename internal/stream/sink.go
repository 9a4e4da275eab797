package stream

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/msageha/camcore/internal/backend"
	"github.com/msageha/camcore/internal/frame"
	"github.com/msageha/camcore/internal/model"
)

const (
	defaultSinkDepth = 3
	maxCaptures      = 16
)

var (
	ErrUnknownPort   = errors.New("port not configured on sink")
	ErrStreamingPort = errors.New("port is streaming and takes no capture requests")
)

// OutputQueuer accepts empty output buffers. The sequencer implements it.
type OutputQueuer interface {
	QueueOutput(port frame.Port, buf *frame.Buffer) error
}

// Capture is one still or opaque-raw buffer delivered on request.
type Capture struct {
	Port            string    `yaml:"port" json:"port"`
	Sequence        int64     `yaml:"sequence" json:"sequence"`
	SettingSequence int64     `yaml:"setting_sequence" json:"setting_sequence"`
	Timestamp       int64     `yaml:"timestamp" json:"timestamp"`
	TraceID         string    `yaml:"trace_id" json:"trace_id"`
	At              time.Time `yaml:"at" json:"at"`
}

// Sink keeps streaming ports topped up with output buffers and records what
// comes back. Still and opaque-raw ports are only fed through Request.
type Sink struct {
	queuer   OutputQueuer
	streams  map[frame.Port]frame.StreamConfig
	depth    int
	logger   *log.Logger
	logLevel model.LogLevel

	mu        sync.Mutex
	started   bool
	delivered map[frame.Port]uint64
	lastSeq   map[frame.Port]int64
	captures  []Capture
	stats     backend.StatsEvent
	haveStats bool

	requested atomic.Uint64
	metadata  atomic.Uint64
	tasksDone atomic.Uint64
}

func NewSink(outputs map[frame.Port]frame.StreamConfig, depth int, q OutputQueuer, logger *log.Logger, level model.LogLevel) *Sink {
	if depth <= 0 {
		depth = defaultSinkDepth
	}
	streams := make(map[frame.Port]frame.StreamConfig, len(outputs))
	for p, c := range outputs {
		streams[p] = c
	}
	return &Sink{
		queuer:    q,
		streams:   streams,
		depth:     depth,
		logger:    logger,
		logLevel:  level,
		delivered: make(map[frame.Port]uint64),
		lastSeq:   make(map[frame.Port]int64),
	}
}

// streaming ports are refilled automatically after every delivery.
func streaming(u frame.Usage) bool {
	return u == frame.UsagePreview || u == frame.UsageVideo || u == frame.UsageRaw
}

// Start queues depth empty buffers on every streaming port.
func (s *Sink) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	for _, p := range s.ports() {
		c := s.streams[p]
		if !streaming(c.Usage) {
			continue
		}
		for i := 0; i < s.depth; i++ {
			if err := s.queuer.QueueOutput(p, frame.NewBuffer(c.Usage, c.Width, c.Height)); err != nil {
				return fmt.Errorf("prime %s: %w", p, err)
			}
		}
	}
	return nil
}

// Stop ends automatic requeueing. Buffers delivered afterwards are dropped.
func (s *Sink) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
}

// Request queues one buffer on port that must be processed with settings of
// settingSeq or later. A non-zero timestamp on a still port asks for the
// retained frame captured at that time.
func (s *Sink) Request(port frame.Port, settingSeq, timestamp int64) error {
	c, ok := s.streams[port]
	if !ok {
		return fmt.Errorf("request %s: %w", port, ErrUnknownPort)
	}
	if streaming(c.Usage) {
		return fmt.Errorf("request %s: %w", port, ErrStreamingPort)
	}
	b := frame.NewBuffer(c.Usage, c.Width, c.Height)
	b.SettingSequence = settingSeq
	b.Timestamp = timestamp
	if err := s.queuer.QueueOutput(port, b); err != nil {
		return fmt.Errorf("request %s: %w", port, err)
	}
	s.requested.Add(1)
	s.log(model.LogLevelDebug, "requested %s setting_seq=%d timestamp=%d", port, settingSeq, timestamp)
	return nil
}

// OnFrameAvailable records a finished buffer. Streaming buffers go straight
// back to the queue; their Timestamp is cleared so a reused still-sized
// buffer is never mistaken for a ZSL request.
func (s *Sink) OnFrameAvailable(port frame.Port, buf *frame.Buffer) {
	c, known := s.streams[port]

	s.mu.Lock()
	started := s.started
	if buf.Sequence >= 0 {
		s.delivered[port]++
		s.lastSeq[port] = buf.Sequence
		if known && !streaming(c.Usage) {
			s.captures = append(s.captures, Capture{
				Port:            port.String(),
				Sequence:        buf.Sequence,
				SettingSequence: buf.SettingSequence,
				Timestamp:       buf.Timestamp,
				TraceID:         buf.TraceID,
				At:              time.Now(),
			})
			if len(s.captures) > maxCaptures {
				s.captures = s.captures[len(s.captures)-maxCaptures:]
			}
		}
	}
	s.mu.Unlock()

	if !known {
		s.log(model.LogLevelWarn, "frame on unknown %s seq=%d", port, buf.Sequence)
		return
	}
	if !streaming(c.Usage) || !started {
		return
	}
	buf.Sequence = -1
	buf.SettingSequence = frame.Unconstrained
	buf.Timestamp = 0
	buf.TraceID = ""
	if err := s.queuer.QueueOutput(port, buf); err != nil {
		s.log(model.LogLevelWarn, "requeue %s: %v", port, err)
	}
}

func (s *Sink) OnMetadataReady(seq int64, outputs frame.BufferMap) {
	s.metadata.Add(1)
}

func (s *Sink) OnStatsReady(ev backend.StatsEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.haveStats && ev.Sequence < s.stats.Sequence {
		return
	}
	s.stats = ev
	s.haveStats = true
}

func (s *Sink) OnTaskDone(seq int64) {
	s.tasksDone.Add(1)
}

// LastStats returns the statistics of the newest sequence seen so far.
func (s *Sink) LastStats() (backend.StatsEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats, s.haveStats
}

// Captures returns the most recent captures, oldest first.
func (s *Sink) Captures() []Capture {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Capture(nil), s.captures...)
}

type SinkStats struct {
	Delivered    map[string]uint64 `yaml:"delivered" json:"delivered"`
	LastSequence map[string]int64  `yaml:"last_sequence" json:"last_sequence"`
	Requested    uint64            `yaml:"requested" json:"requested"`
	Metadata     uint64            `yaml:"metadata" json:"metadata"`
	TasksDone    uint64            `yaml:"tasks_done" json:"tasks_done"`
	MeanLuma     float64           `yaml:"mean_luma" json:"mean_luma"`
	Captures     int               `yaml:"captures" json:"captures"`
}

func (s *Sink) Stats() SinkStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := SinkStats{
		Delivered:    make(map[string]uint64, len(s.delivered)),
		LastSequence: make(map[string]int64, len(s.lastSeq)),
		Requested:    s.requested.Load(),
		Metadata:     s.metadata.Load(),
		TasksDone:    s.tasksDone.Load(),
		MeanLuma:     s.stats.MeanLuma,
		Captures:     len(s.captures),
	}
	for p, n := range s.delivered {
		st.Delivered[p.String()] = n
	}
	for p, n := range s.lastSeq {
		st.LastSequence[p.String()] = n
	}
	return st
}

func (s *Sink) ports() []frame.Port {
	ports := make([]frame.Port, 0, len(s.streams))
	for p := range s.streams {
		ports = append(ports, p)
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })
	return ports
}

func (s *Sink) log(level model.LogLevel, format string, args ...any) {
	model.Logf(s.logger, s.logLevel, level, "sink", format, args...)
}
