package frame

import (
	"fmt"
	"sync"
)

// Pool owns a fixed set of internal buffers for one stream.
type Pool struct {
	mu     sync.Mutex
	stream StreamConfig
	free   []*Buffer
	owned  map[*Buffer]bool
}

// NewPool allocates count internal buffers sized for stream.
func NewPool(stream StreamConfig, count int) (*Pool, error) {
	if count <= 0 {
		return nil, fmt.Errorf("%w: pool for %s needs a positive count, got %d", ErrAllocation, stream.Port, count)
	}
	if stream.Width <= 0 || stream.Height <= 0 {
		return nil, fmt.Errorf("%w: invalid geometry %dx%d for %s", ErrAllocation, stream.Width, stream.Height, stream.Port)
	}
	p := &Pool{
		stream: stream,
		free:   make([]*Buffer, 0, count),
		owned:  make(map[*Buffer]bool, count),
	}
	for i := 0; i < count; i++ {
		b := NewBuffer(stream.Usage, stream.Width, stream.Height)
		b.Internal = true
		p.free = append(p.free, b)
		p.owned[b] = true
	}
	return p, nil
}

// Get takes a free buffer. It returns false when the pool is exhausted.
func (p *Pool) Get() (*Buffer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return nil, false
	}
	b := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	return b, true
}

// Put returns a buffer to the pool. Buffers the pool does not own are ignored
// and reported as false.
func (p *Pool) Put(b *Buffer) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.owned[b] {
		return false
	}
	for _, f := range p.free {
		if f == b {
			return false
		}
	}
	b.Sequence = -1
	b.SettingSequence = Unconstrained
	b.Timestamp = 0
	b.TraceID = ""
	p.free = append(p.free, b)
	return true
}

// Owns reports whether b was allocated by this pool.
func (p *Pool) Owns(b *Buffer) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.owned[b]
}

func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

func (p *Pool) Stream() StreamConfig {
	return p.stream
}
