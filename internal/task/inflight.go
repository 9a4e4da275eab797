package task

import (
	"sort"
	"sync"
)

// InFlight is a multiset of sequences submitted to the backend and not yet
// completed. A real task and reference-frame tasks may share a sequence.
type InFlight struct {
	mu     sync.Mutex
	counts map[int64]int
	total  int
}

func NewInFlight() *InFlight {
	return &InFlight{counts: make(map[int64]int)}
}

func (f *InFlight) Add(seq int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[seq]++
	f.total++
}

// Remove drops one occurrence of seq. It reports false if seq was absent.
func (f *InFlight) Remove(seq int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.counts[seq]
	if !ok {
		return false
	}
	if n <= 1 {
		delete(f.counts, seq)
	} else {
		f.counts[seq] = n - 1
	}
	f.total--
	return true
}

func (f *InFlight) Contains(seq int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[seq] > 0
}

func (f *InFlight) Count(seq int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[seq]
}

// Len counts occurrences, not distinct sequences.
func (f *InFlight) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.total
}

// Sequences returns the distinct sequences, ascending.
func (f *InFlight) Sequences() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int64, 0, len(f.counts))
	for s := range f.counts {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (f *InFlight) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts = make(map[int64]int)
	f.total = 0
}
