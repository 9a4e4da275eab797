// Package frame defines image buffers, stream ports and the per-port buffer maps
// that travel between producers, the sequencer and the processing backend.
package frame

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Port identifies a logical input or output channel.
type Port int32

const (
	MainPort Port = iota
	SecondPort
	ThirdPort
	FourthPort

	// ReprocessInputPort carries application-supplied YUV frames for reprocessing.
	ReprocessInputPort Port = 100
	InvalidPort        Port = -1
)

func (p Port) String() string {
	switch p {
	case ReprocessInputPort:
		return "reprocess"
	case InvalidPort:
		return "invalid"
	default:
		return fmt.Sprintf("port%d", int32(p))
	}
}

// Usage tags what a stream is used for.
type Usage int

const (
	UsagePreview Usage = iota
	UsageVideo
	UsageStill
	UsageRaw
	UsageOpaqueRaw
	UsageInput
)

var usageNames = map[Usage]string{
	UsagePreview:   "preview",
	UsageVideo:     "video",
	UsageStill:     "still",
	UsageRaw:       "raw",
	UsageOpaqueRaw: "opaque_raw",
	UsageInput:     "input",
}

func (u Usage) String() string {
	if s, ok := usageNames[u]; ok {
		return s
	}
	return fmt.Sprintf("usage(%d)", int(u))
}

// ParseUsage converts a config string into a Usage.
func ParseUsage(s string) (Usage, error) {
	for u, name := range usageNames {
		if strings.EqualFold(name, s) {
			return u, nil
		}
	}
	return 0, fmt.Errorf("unknown stream usage %q", s)
}

// Unconstrained marks a buffer whose processing does not depend on the
// parameters of any particular sequence.
const Unconstrained int64 = -1

var ErrAllocation = errors.New("buffer allocation failed")

// Buffer is one unit of image data. It is owned by exactly one queue or map
// entry at a time and moves between them by pointer.
type Buffer struct {
	Sequence        int64
	SettingSequence int64
	Timestamp       int64 // capture time in microseconds; on still outputs a non-zero value requests ZSL pairing
	Usage           Usage
	Internal        bool
	TraceID         string
	Width           int
	Height          int
	Data            []byte
}

// NewBuffer returns an empty, unconstrained buffer.
func NewBuffer(usage Usage, width, height int) *Buffer {
	return &Buffer{
		Sequence:        -1,
		SettingSequence: Unconstrained,
		Usage:           usage,
		Width:           width,
		Height:          height,
	}
}

// CopyFrom copies image content and capture identity from src.
func (b *Buffer) CopyFrom(src *Buffer) {
	b.Sequence = src.Sequence
	b.Timestamp = src.Timestamp
	b.TraceID = src.TraceID
	if cap(b.Data) >= len(src.Data) {
		b.Data = b.Data[:len(src.Data)]
	} else {
		b.Data = make([]byte, len(src.Data))
	}
	copy(b.Data, src.Data)
}

// BufferMap holds at most one buffer per port. Nil entries mean "no buffer".
type BufferMap map[Port]*Buffer

// Ports returns the ports with a non-nil buffer, ascending.
func (m BufferMap) Ports() []Port {
	ports := make([]Port, 0, len(m))
	for p, b := range m {
		if b != nil {
			ports = append(ports, p)
		}
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })
	return ports
}

// Count returns the number of non-nil buffers.
func (m BufferMap) Count() int {
	n := 0
	for _, b := range m {
		if b != nil {
			n++
		}
	}
	return n
}

// SettingSequence returns the setting sequence of the first buffer (by port)
// that is constrained, or Unconstrained.
func (m BufferMap) SettingSequence() int64 {
	for _, p := range m.Ports() {
		if s := m[p].SettingSequence; s != Unconstrained {
			return s
		}
	}
	return Unconstrained
}

// Clone returns a shallow copy of the map. Buffers are shared, not copied.
func (m BufferMap) Clone() BufferMap {
	out := make(BufferMap, len(m))
	for p, b := range m {
		if b != nil {
			out[p] = b
		}
	}
	return out
}

// StreamConfig is the resolved form of a configured stream.
type StreamConfig struct {
	Port   Port
	Usage  Usage
	Width  int
	Height int
	Format string
}
