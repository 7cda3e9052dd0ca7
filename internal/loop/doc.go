// Package loop provides the single event-processing goroutine that owns all
// session, identifier and pending-update state, together with the Scheduler
// abstraction used to post work and arm cancellable timers on it. Code that
// runs on a Scheduler never needs locks; ordering between posted callbacks
// and fired timers follows enqueue order.
package loop
