// Package task describes units of pipeline work handed to the processing
// backend and tracks their progress until every output buffer is returned.
package task

import (
	"time"

	"github.com/google/uuid"

	"github.com/msageha/camcore/internal/frame"
	"github.com/msageha/camcore/internal/params"
)

type TuningMode string

const (
	TuningModeVideo TuningMode = "video"
	TuningModeStill TuningMode = "still"
)

// Flags qualify how the backend and the sequencer treat a record.
type Flags struct {
	// Fake tasks only seed temporal state; their outputs are never delivered.
	Fake bool
	// YUVReprocessing tasks take their input from the reprocessing port.
	YUVReprocessing bool
	// MetadataOnly tasks carry no consumer-visible image output.
	MetadataOnly bool
}

// Record is one dispatch to the backend. It is not modified after New returns.
type Record struct {
	ID         string
	Sequence   int64
	Inputs     frame.BufferMap
	Outputs    frame.BufferMap
	TuningMode TuningMode
	Flags      Flags
	Settings   params.Settings
	CreatedAt  time.Time
}

// New builds a record. The input and output maps are copied so later queue
// mutations by the caller cannot reach the record.
func New(seq int64, inputs, outputs frame.BufferMap, mode TuningMode, flags Flags, settings params.Settings) *Record {
	return &Record{
		ID:         uuid.NewString(),
		Sequence:   seq,
		Inputs:     inputs.Clone(),
		Outputs:    outputs.Clone(),
		TuningMode: mode,
		Flags:      flags,
		Settings:   settings,
		CreatedAt:  time.Now(),
	}
}

// ValidOutputs is the number of output buffers the backend must return.
func (r *Record) ValidOutputs() int {
	return r.Outputs.Count()
}
