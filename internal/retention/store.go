// Package retention holds input buffers that a later frame may need again:
// opaque-raw reprocessing, zero-shutter-lag capture and temporal reference frames.
package retention

import (
	"container/list"
	"sync"

	"github.com/msageha/camcore/internal/frame"
)

// Entry is one retained input set.
type Entry struct {
	Sequence int64
	Buffers  frame.BufferMap
}

// Store is a sequence-ordered holding area. The front of the list is the
// newest sequence and the back the oldest.
//
// An entry can be pinned while a task that reads it is being built. Pinned
// entries are never evicted; each Acquire or SaveAcquired is paired with one
// Release.
type Store struct {
	mu    sync.Mutex
	items map[int64]*list.Element
	order *list.List
	pins  map[int64]int
}

func NewStore() *Store {
	return &Store{
		items: make(map[int64]*list.Element),
		order: list.New(),
		pins:  make(map[int64]int),
	}
}

// Save retains buffers under seq, replacing any previous entry for seq.
func (s *Store) Save(seq int64, buffers frame.BufferMap) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveLocked(seq, buffers)
}

// SaveAcquired saves buffers and pins the entry in one step.
func (s *Store) SaveAcquired(seq int64, buffers frame.BufferMap) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveLocked(seq, buffers)
	s.pins[seq]++
}

func (s *Store) saveLocked(seq int64, buffers frame.BufferMap) {
	if elem, ok := s.items[seq]; ok {
		elem.Value.(*Entry).Buffers = buffers
		return
	}

	e := &Entry{Sequence: seq, Buffers: buffers}
	// Sequences almost always arrive ascending, so the scan stops at the front.
	for elem := s.order.Front(); elem != nil; elem = elem.Next() {
		if elem.Value.(*Entry).Sequence < seq {
			s.items[seq] = s.order.InsertBefore(e, elem)
			return
		}
	}
	s.items[seq] = s.order.PushBack(e)
}

// Find returns the buffers retained for seq without removing them.
func (s *Store) Find(seq int64) (frame.BufferMap, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	elem, ok := s.items[seq]
	if !ok {
		return nil, false
	}
	return elem.Value.(*Entry).Buffers, true
}

// Acquire is Find that also pins the entry.
func (s *Store) Acquire(seq int64) (frame.BufferMap, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	elem, ok := s.items[seq]
	if !ok {
		return nil, false
	}
	s.pins[seq]++
	return elem.Value.(*Entry).Buffers, true
}

// FindByTimestamp returns the newest entry holding a buffer captured at ts.
func (s *Store) FindByTimestamp(ts int64) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findByTimestampLocked(ts)
}

// AcquireByTimestamp is FindByTimestamp that also pins the entry found.
func (s *Store) AcquireByTimestamp(ts int64) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.findByTimestampLocked(ts)
	if ok {
		s.pins[e.Sequence]++
	}
	return e, ok
}

// Release drops one pin on seq.
func (s *Store) Release(seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := s.pins[seq]; n > 1 {
		s.pins[seq] = n - 1
	} else {
		delete(s.pins, seq)
	}
}

// Pinned reports whether seq carries at least one pin.
func (s *Store) Pinned(seq int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pins[seq] > 0
}

func (s *Store) findByTimestampLocked(ts int64) (Entry, bool) {
	for elem := s.order.Front(); elem != nil; elem = elem.Next() {
		e := elem.Value.(*Entry)
		for _, b := range e.Buffers {
			if b != nil && b.Timestamp == ts {
				return *e, true
			}
		}
	}
	return Entry{}, false
}

func (s *Store) Contains(seq int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.items[seq]
	return ok
}

// Take removes and returns the entry for seq.
func (s *Store) Take(seq int64) (frame.BufferMap, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	elem, ok := s.items[seq]
	if !ok {
		return nil, false
	}
	s.removeElement(elem)
	return elem.Value.(*Entry).Buffers, true
}

// Evict removes oldest entries while the store holds more than limit. When the
// oldest entry is pinned or its sequence is still in flight, eviction stops
// for this call and is retried on the next one.
func (s *Store) Evict(limit int, inFlight func(seq int64) bool) []Entry {
	if limit < 0 {
		limit = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted []Entry
	for s.order.Len() > limit {
		elem := s.order.Back()
		e := elem.Value.(*Entry)
		if s.busyLocked(e.Sequence, inFlight) {
			break
		}
		s.removeElement(elem)
		evicted = append(evicted, *e)
	}
	return evicted
}

// TakeBefore removes every entry older than seq that is neither pinned nor
// in flight, oldest first.
func (s *Store) TakeBefore(seq int64, inFlight func(seq int64) bool) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var taken []Entry
	for elem := s.order.Back(); elem != nil; {
		prev := elem.Prev()
		e := elem.Value.(*Entry)
		if e.Sequence >= seq {
			break
		}
		if !s.busyLocked(e.Sequence, inFlight) {
			s.removeElement(elem)
			taken = append(taken, *e)
		}
		elem = prev
	}
	return taken
}

func (s *Store) busyLocked(seq int64, inFlight func(seq int64) bool) bool {
	if s.pins[seq] > 0 {
		return true
	}
	return inFlight != nil && inFlight(seq)
}

// Drain removes everything, oldest first.
func (s *Store) Drain() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, s.order.Len())
	for elem := s.order.Back(); elem != nil; elem = elem.Prev() {
		out = append(out, *elem.Value.(*Entry))
	}
	s.items = make(map[int64]*list.Element)
	s.order = list.New()
	s.pins = make(map[int64]int)
	return out
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

// Sequences lists retained sequences, oldest first.
func (s *Store) Sequences() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, 0, s.order.Len())
	for elem := s.order.Back(); elem != nil; elem = elem.Prev() {
		out = append(out, elem.Value.(*Entry).Sequence)
	}
	return out
}

func (s *Store) removeElement(elem *list.Element) {
	s.order.Remove(elem)
	delete(s.items, elem.Value.(*Entry).Sequence)
}
