// Package backend defines the processing-unit contract the sequencer drives and
// provides software and hardware-queue implementations selected by capability.
package backend

import (
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/msageha/camcore/internal/frame"
	"github.com/msageha/camcore/internal/model"
	"github.com/msageha/camcore/internal/params"
	"github.com/msageha/camcore/internal/task"
)

var (
	ErrUnknownCapability = errors.New("unknown backend capability")
	ErrNotConfigured     = errors.New("backend not configured")
)

// Capability selects the backend implementation New builds.
type Capability int

const (
	CapabilitySoftware Capability = iota
	CapabilityHardware
)

func (c Capability) String() string {
	switch c {
	case CapabilitySoftware:
		return "software"
	case CapabilityHardware:
		return "hardware"
	default:
		return fmt.Sprintf("capability(%d)", int(c))
	}
}

// ParseCapability reads the backend.capability config value. Empty means
// software.
func ParseCapability(s string) (Capability, error) {
	switch strings.ToLower(s) {
	case "", "software", "sw":
		return CapabilitySoftware, nil
	case "hardware", "hw":
		return CapabilityHardware, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownCapability, s)
	}
}

// StatsEvent carries per-frame statistics produced while processing.
type StatsEvent struct {
	Sequence  int64
	Timestamp int64
	MeanLuma  float64
}

// Control is a per-sequence override applied when that sequence is processed.
type Control map[string]float64

// Listener receives completion callbacks. Calls arrive on backend goroutines.
type Listener interface {
	OnTaskDone(rec *task.Record)
	OnBufferDone(seq int64, port frame.Port, buf *frame.Buffer)
	OnMetadataReady(seq int64, outputs frame.BufferMap)
	OnStatsReady(ev StatsEvent)
}

// Backend executes task records asynchronously.
type Backend interface {
	Configure(inputs, outputs map[frame.Port]frame.StreamConfig, mode task.TuningMode) error
	Start() error
	Stop()
	// AddTask never blocks on processing. Every output buffer of rec comes
	// back through OnBufferDone followed by one OnTaskDone.
	AddTask(rec *task.Record)
	SetControl(seq int64, ctrl Control)
	PrepareParams(settings params.Settings, seq int64, streamID int32) error
	SetListener(l Listener)
}

// New builds the backend variant for c.
func New(c Capability, cfg model.BackendConfig, logger *log.Logger, level model.LogLevel) (Backend, error) {
	switch c {
	case CapabilitySoftware:
		return newSoftware(cfg, logger, level), nil
	case CapabilityHardware:
		return newHardware(cfg, logger, level), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCapability, c)
	}
}
