package lifecycle

import (
	"sort"
	"sync"
	"time"
)

// Timer is a scheduled callback that can be canceled.
type Timer interface {
	// Stop cancels the callback. It reports false if the callback already ran
	// or was already stopped.
	Stop() bool
}

// Scheduler is the clock and timer capability used for poll and grace timeouts.
type Scheduler interface {
	Now() time.Time
	Schedule(d time.Duration, fn func()) Timer
}

// ClockScheduler uses the wall clock and time.AfterFunc.
type ClockScheduler struct{}

// Now returns time.Now.
func (ClockScheduler) Now() time.Time { return time.Now() }

// Schedule runs fn on its own goroutine after d.
func (ClockScheduler) Schedule(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// ManualScheduler is a deterministic Scheduler whose clock only moves on Advance.
type ManualScheduler struct {
	mu      sync.Mutex
	now     time.Time
	seq     uint64
	pending []*manualTimer
}

type manualTimer struct {
	s   *ManualScheduler
	at  time.Time
	seq uint64
	fn  func()
}

// NewManualScheduler starts the clock at start.
func NewManualScheduler(start time.Time) *ManualScheduler {
	return &ManualScheduler{now: start}
}

// Now returns the simulated time.
func (s *ManualScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Schedule registers fn to run once the clock reaches now+d.
func (s *ManualScheduler) Schedule(d time.Duration, fn func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	t := &manualTimer{s: s, at: s.now.Add(d), seq: s.seq, fn: fn}
	s.pending = append(s.pending, t)
	return t
}

// Stop removes the timer if it is still pending.
func (t *manualTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for i, p := range t.s.pending {
		if p == t {
			t.s.pending = append(t.s.pending[:i], t.s.pending[i+1:]...)
			return true
		}
	}
	return false
}

// Advance moves the clock forward by d, running due callbacks in deadline
// order on the calling goroutine. Callbacks run without the scheduler lock
// held and may schedule further timers.
func (s *ManualScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now.Add(d)
	s.mu.Unlock()

	for {
		s.mu.Lock()
		sort.Slice(s.pending, func(i, j int) bool {
			if s.pending[i].at.Equal(s.pending[j].at) {
				return s.pending[i].seq < s.pending[j].seq
			}
			return s.pending[i].at.Before(s.pending[j].at)
		})
		if len(s.pending) == 0 || s.pending[0].at.After(target) {
			s.now = target
			s.mu.Unlock()
			return
		}
		next := s.pending[0]
		s.pending = s.pending[1:]
		if next.at.After(s.now) {
			s.now = next.at
		}
		s.mu.Unlock()
		next.fn()
	}
}

// Pending returns the number of timers that have not fired or been stopped.
func (s *ManualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
