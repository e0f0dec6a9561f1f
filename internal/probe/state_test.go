package probe

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestStateConcurrentBegin(t *testing.T) {
	s := NewState()
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.Begin()
			}
		}()
	}
	wg.Wait()
	if got := s.Count(); got != 6400 {
		t.Fatalf("count = %d, want 6400", got)
	}
}

func TestStateFinishTracksLongestAndOutcome(t *testing.T) {
	s := NewState()
	s.Finish(3*time.Second, nil)
	s.Finish(time.Second, errors.New("boom"))

	snap := s.Snapshot()
	if snap.Last != time.Second || snap.Longest != 3*time.Second {
		t.Fatalf("last=%s longest=%s", snap.Last, snap.Longest)
	}
	if snap.LastFailure == nil || snap.LastSuccess.IsZero() || snap.LastFailureAt.IsZero() {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}
