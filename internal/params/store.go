package params

import (
	"fmt"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"
)

const defaultHistory = 64

// ComputeFunc derives parameters for a sequence that has no stored result.
type ComputeFunc func(seq int64) (Settings, error)

// Store is an in-memory ResultProvider, ParameterProvider and GainTableProvider.
// It keeps the most recent results only.
type Store struct {
	mu      sync.RWMutex
	results map[int64]Result
	order   []int64
	history int
	table   GainTable
	latest  *Settings

	compute ComputeFunc
	group   singleflight.Group
}

func NewStore(history int, table GainTable) *Store {
	if history <= 0 {
		history = defaultHistory
	}
	return &Store{
		results: make(map[int64]Result),
		history: history,
		table:   table,
	}
}

// SetCompute installs the fallback used by ParametersForSequence on a miss.
func (s *Store) SetCompute(f ComputeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.compute = f
}

// SetResult stores r and evicts the oldest results beyond the history bound.
func (s *Store) SetResult(r Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.results[r.Sequence]; !ok {
		s.order = append(s.order, r.Sequence)
	}
	r.Settings.Sequence = r.Sequence
	s.results[r.Sequence] = r
	latest := r.Settings.Clone()
	s.latest = &latest

	for len(s.order) > s.history {
		delete(s.results, s.order[0])
		s.order = s.order[1:]
	}
}

func (s *Store) Result(seq int64) (Result, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[seq]
	return r, ok
}

// ParametersForSequence returns the stored settings for seq. On a miss the
// compute function runs once per sequence no matter how many callers wait;
// without one, the latest known settings are reused.
func (s *Store) ParametersForSequence(seq int64) (Settings, error) {
	s.mu.RLock()
	r, ok := s.results[seq]
	compute := s.compute
	latest := s.latest
	s.mu.RUnlock()

	if ok {
		return r.Settings.Clone(), nil
	}
	if compute == nil {
		if latest == nil {
			return Settings{}, fmt.Errorf("%w %d", ErrNoParameters, seq)
		}
		out := latest.Clone()
		out.Sequence = seq
		return out, nil
	}

	v, err, _ := s.group.Do(strconv.FormatInt(seq, 10), func() (interface{}, error) {
		st, err := compute(seq)
		if err != nil {
			return nil, err
		}
		st.Sequence = seq
		s.SetResult(Result{Sequence: seq, Settings: st})
		return st, nil
	})
	if err != nil {
		return Settings{}, fmt.Errorf("compute parameters for %d: %w", seq, err)
	}
	return v.(Settings).Clone(), nil
}

func (s *Store) SetGainTable(t GainTable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.table = t
}

func (s *Store) GainTable() GainTable {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.table
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.results)
}
