// Package looptest provides a virtual-time loop.Scheduler for deterministic
// tests. Callbacks run on the goroutine that calls Advance or Drain; nothing
// runs in the background.
package looptest

import (
	"time"

	"github.com/jmpumuro/judex/internal/loop"
)

// Scheduler is a manually driven loop.Scheduler. It must only be used from a
// single goroutine.
type Scheduler struct {
	now   time.Time
	seq   uint64
	queue []*task
}

var _ loop.Scheduler = (*Scheduler)(nil)

// New returns a Scheduler whose clock starts at start (Unix epoch when zero).
func New(start time.Time) *Scheduler {
	if start.IsZero() {
		start = time.Unix(0, 0).UTC()
	}
	return &Scheduler{now: start}
}

// Now implements loop.Scheduler.
func (s *Scheduler) Now() time.Time {
	return s.now
}

// Post implements loop.Scheduler; fn runs on the next Drain or Advance.
func (s *Scheduler) Post(fn func()) {
	s.AfterFunc(0, fn)
}

// AfterFunc implements loop.Scheduler.
func (s *Scheduler) AfterFunc(d time.Duration, fn func()) loop.Task {
	if d < 0 {
		d = 0
	}
	s.seq++
	t := &task{due: s.now.Add(d), seq: s.seq, fn: fn}
	s.queue = append(s.queue, t)
	return t
}

// Advance moves the clock forward by d, running every callback that falls due
// in timestamp order. Callbacks scheduled while advancing run too if they fall
// inside the window.
func (s *Scheduler) Advance(d time.Duration) {
	target := s.now.Add(d)
	for {
		next := s.popDue(target)
		if next == nil {
			break
		}
		if next.due.After(s.now) {
			s.now = next.due
		}
		next.state = stateRan
		next.fn()
	}
	s.now = target
}

// Drain runs every callback due at the current time.
func (s *Scheduler) Drain() {
	s.Advance(0)
}

// Pending reports how many callbacks are scheduled and not cancelled.
func (s *Scheduler) Pending() int {
	n := 0
	for _, t := range s.queue {
		if t.state == statePending {
			n++
		}
	}
	return n
}

// NextDue reports when the earliest pending callback falls due.
func (s *Scheduler) NextDue() (time.Time, bool) {
	var best *task
	for _, t := range s.queue {
		if t.state != statePending {
			continue
		}
		if best == nil || t.before(best) {
			best = t
		}
	}
	if best == nil {
		return time.Time{}, false
	}
	return best.due, true
}

func (s *Scheduler) popDue(target time.Time) *task {
	bestIdx := -1
	kept := s.queue[:0]
	for _, t := range s.queue {
		if t.state == statePending {
			kept = append(kept, t)
		}
	}
	s.queue = kept
	for i, t := range s.queue {
		if t.due.After(target) {
			continue
		}
		if bestIdx < 0 || t.before(s.queue[bestIdx]) {
			bestIdx = i
		}
	}
	if bestIdx < 0 {
		return nil
	}
	t := s.queue[bestIdx]
	s.queue = append(s.queue[:bestIdx], s.queue[bestIdx+1:]...)
	return t
}

const (
	statePending = iota
	stateRan
	stateStopped
)

type task struct {
	due   time.Time
	seq   uint64
	fn    func()
	state int
}

func (t *task) before(o *task) bool {
	if t.due.Equal(o.due) {
		return t.seq < o.seq
	}
	return t.due.Before(o.due)
}

func (t *task) Stop() bool {
	if t.state != statePending {
		return false
	}
	t.state = stateStopped
	return true
}
