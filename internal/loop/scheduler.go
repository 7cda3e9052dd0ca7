package loop

import "time"

// Task is a scheduled callback that can be cancelled.
type Task interface {
	// Stop cancels the callback. It reports whether the call prevented the
	// callback from running.
	Stop() bool
}

// Scheduler runs callbacks on a single logical thread.
type Scheduler interface {
	// Now reports the scheduler's notion of the current time.
	Now() time.Time
	// Post queues fn to run on the loop as soon as possible. It never runs fn
	// inline.
	Post(fn func())
	// AfterFunc queues fn to run on the loop once d has elapsed.
	AfterFunc(d time.Duration, fn func()) Task
}
