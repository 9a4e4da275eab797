// Package stream simulates the two ends of the pipeline: a sensor that
// produces raw frames into the sequencer and a sink that requests output
// buffers and collects what comes back.
package stream

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/msageha/camcore/internal/frame"
	"github.com/msageha/camcore/internal/model"
)

const (
	defaultSensorBuffers = 12
	defaultFPS           = 30
	payloadBytes         = 64
)

// InputQueuer accepts captured frames. The sequencer implements it.
type InputQueuer interface {
	QueueInput(port frame.Port, buf *frame.Buffer) error
}

// Sensor emits raw frames from a fixed buffer set at a target rate. Buffers
// come back through QBuf once the pipeline is done with them.
type Sensor struct {
	port     frame.Port
	stream   frame.StreamConfig
	fps      int
	queuer   InputQueuer
	logger   *log.Logger
	logLevel model.LogLevel
	now      func() time.Time

	mu    sync.Mutex
	free  []*frame.Buffer
	owned map[*frame.Buffer]bool
	seq   int64

	produced atomic.Uint64
	dropped  atomic.Uint64
	returned atomic.Uint64
	rejected atomic.Uint64
}

func NewSensor(stream frame.StreamConfig, buffers, fps int, q InputQueuer, logger *log.Logger, level model.LogLevel) *Sensor {
	if buffers <= 0 {
		buffers = defaultSensorBuffers
	}
	if fps <= 0 {
		fps = defaultFPS
	}
	s := &Sensor{
		port:     stream.Port,
		stream:   stream,
		fps:      fps,
		queuer:   q,
		logger:   logger,
		logLevel: level,
		now:      time.Now,
		free:     make([]*frame.Buffer, 0, buffers),
		owned:    make(map[*frame.Buffer]bool, buffers),
	}
	for i := 0; i < buffers; i++ {
		b := frame.NewBuffer(stream.Usage, stream.Width, stream.Height)
		b.Data = make([]byte, payloadBytes)
		s.free = append(s.free, b)
		s.owned[b] = true
	}
	return s
}

// SetClock replaces the clock used for frame timestamps.
func (s *Sensor) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Capture fills a free buffer with the next frame and queues it. It returns
// false when every buffer is still held downstream or the queue refused it.
func (s *Sensor) Capture() (int64, bool) {
	s.mu.Lock()
	if len(s.free) == 0 {
		s.mu.Unlock()
		s.dropped.Add(1)
		s.log(model.LogLevelDebug, "no free buffer, frame %d dropped", s.peekSeq())
		return -1, false
	}
	b := s.free[len(s.free)-1]
	s.free = s.free[:len(s.free)-1]
	seq := s.seq
	s.seq++
	ts := s.now().UnixMicro()
	s.mu.Unlock()

	b.Sequence = seq
	b.SettingSequence = frame.Unconstrained
	b.Timestamp = ts
	b.TraceID = uuid.NewString()
	for i := range b.Data {
		b.Data[i] = byte(seq + int64(i))
	}

	if err := s.queuer.QueueInput(s.port, b); err != nil {
		s.rejected.Add(1)
		s.log(model.LogLevelWarn, "queue frame %d: %v", seq, err)
		s.release(b)
		return seq, false
	}
	s.produced.Add(1)
	return seq, true
}

// Run captures at the configured rate until ctx is done.
func (s *Sensor) Run(ctx context.Context) error {
	interval := time.Second / time.Duration(s.fps)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log(model.LogLevelInfo, "streaming %s %dx%d at %d fps", s.port, s.stream.Width, s.stream.Height, s.fps)
	for {
		select {
		case <-ctx.Done():
			s.log(model.LogLevelInfo, "stopped after %d frames (%d dropped)", s.produced.Load(), s.dropped.Load())
			return ctx.Err()
		case <-ticker.C:
			s.Capture()
		}
	}
}

// QBuf takes back a buffer the pipeline no longer needs.
func (s *Sensor) QBuf(port frame.Port, buf *frame.Buffer) {
	if port != s.port {
		s.log(model.LogLevelWarn, "buffer returned on %s, expected %s", port, s.port)
	}
	if !s.release(buf) {
		s.log(model.LogLevelWarn, "ignoring foreign or duplicate buffer seq=%d", buf.Sequence)
		return
	}
	s.returned.Add(1)
}

func (s *Sensor) release(b *frame.Buffer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.owned[b] {
		return false
	}
	for _, f := range s.free {
		if f == b {
			return false
		}
	}
	s.free = append(s.free, b)
	return true
}

func (s *Sensor) peekSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

type SensorStats struct {
	Port     string `yaml:"port" json:"port"`
	FPS      int    `yaml:"fps" json:"fps"`
	Next     int64  `yaml:"next_sequence" json:"next_sequence"`
	Free     int    `yaml:"free_buffers" json:"free_buffers"`
	Produced uint64 `yaml:"produced" json:"produced"`
	Dropped  uint64 `yaml:"dropped" json:"dropped"`
	Rejected uint64 `yaml:"rejected" json:"rejected"`
	Returned uint64 `yaml:"returned" json:"returned"`
}

func (s *Sensor) Stats() SensorStats {
	s.mu.Lock()
	next, free := s.seq, len(s.free)
	s.mu.Unlock()
	return SensorStats{
		Port:     s.port.String(),
		FPS:      s.fps,
		Next:     next,
		Free:     free,
		Produced: s.produced.Load(),
		Dropped:  s.dropped.Load(),
		Rejected: s.rejected.Load(),
		Returned: s.returned.Load(),
	}
}

func (s *Sensor) log(level model.LogLevel, format string, args ...any) {
	model.Logf(s.logger, s.logLevel, level, fmt.Sprintf("sensor/%s", s.port), format, args...)
}
