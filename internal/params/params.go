// Package params provides per-sequence algorithm results, per-frame processing
// parameters and the gain table that sizes temporal noise reduction.
package params

import (
	"errors"
	"sort"

	"github.com/msageha/camcore/internal/model"
)

var ErrNoParameters = errors.New("no parameters for sequence")

// Settings is the algorithm-settings snapshot a frame is processed with.
type Settings struct {
	Sequence    int64
	AnalogGain  float64
	DigitalGain float64
	ExposureUs  int64
	TuningMode  string
	Controls    map[string]float64
}

// TotalGain is analog x digital gain; unset digital gain counts as 1.
func (s Settings) TotalGain() float64 {
	d := s.DigitalGain
	if d == 0 {
		d = 1
	}
	return s.AnalogGain * d
}

// Clone deep-copies the controls map.
func (s Settings) Clone() Settings {
	out := s
	if s.Controls != nil {
		out.Controls = make(map[string]float64, len(s.Controls))
		for k, v := range s.Controls {
			out.Controls[k] = v
		}
	}
	return out
}

// Result is the algorithm outcome computed for one sequence.
type Result struct {
	Sequence int64
	Skip     bool
	Outputs  map[string]float64
	Settings Settings
}

type ResultProvider interface {
	Result(seq int64) (Result, bool)
}

type ParameterProvider interface {
	ParametersForSequence(seq int64) (Settings, error)
}

type GainTableProvider interface {
	GainTable() GainTable
}

// GainTable is ascending by Gain.
type GainTable []model.GainEntry

// NewGainTable copies and sorts entries.
func NewGainTable(entries []model.GainEntry) GainTable {
	t := make(GainTable, len(entries))
	copy(t, entries)
	sort.SliceStable(t, func(i, j int) bool { return t[i].Gain < t[j].Gain })
	return t
}

// FrameCount returns the frame count of the entry with the largest threshold
// not above gain. Gains below the first threshold always need one frame.
func (t GainTable) FrameCount(gain float64) int {
	if len(t) == 0 || gain < t[0].Gain {
		return 1
	}
	count := t[0].FrameCount
	for _, e := range t[1:] {
		if gain < e.Gain {
			break
		}
		count = e.FrameCount
	}
	if count < 1 {
		return 1
	}
	return count
}
