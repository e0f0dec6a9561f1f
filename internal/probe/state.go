package probe

import (
	"sync"
	"sync/atomic"
	"time"
)

// State is the process-wide record of transform activity shared by the
// dispatcher and the harness. Counters only ever grow.
type State struct {
	count atomic.Int64

	mu            sync.Mutex
	last          time.Duration
	longest       time.Duration
	lastFailure   error
	lastFailureAt time.Time
	lastSuccess   time.Time
	now           func() time.Time
}

func NewState() *State {
	return &State{now: time.Now}
}

// Begin counts one attempted transform.
func (s *State) Begin() { s.count.Add(1) }

// Finish records the outcome of a transform counted by Begin.
func (s *State) Finish(elapsed time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = elapsed
	if elapsed > s.longest {
		s.longest = elapsed
	}
	if err != nil {
		s.lastFailure = err
		s.lastFailureAt = s.now()
		return
	}
	s.lastSuccess = s.now()
}

// Count returns the number of attempted transforms.
func (s *State) Count() int64 { return s.count.Load() }

// Snapshot is a consistent copy of State.
type Snapshot struct {
	Count         int64
	Last          time.Duration
	Longest       time.Duration
	LastFailure   error
	LastFailureAt time.Time
	LastSuccess   time.Time
}

func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Count:         s.count.Load(),
		Last:          s.last,
		Longest:       s.longest,
		LastFailure:   s.lastFailure,
		LastFailureAt: s.lastFailureAt,
		LastSuccess:   s.lastSuccess,
	}
}
