// Package session tracks one event-stream connection per evaluation job and
// turns its events into view-model patches.
//
// A Manager owns every session. All of its state is mutated on a single
// loop.Scheduler goroutine: the exported mutators post work onto the
// scheduler, transports post their callbacks there too, and reads such as
// Lookup must be issued from that goroutine (loop.Loop.Do from elsewhere).
//
// Lifecycle per session:
//
//	Connecting -> Open -> ClosedTerminal
//	     ^          |
//	     |          v
//	     +---- ClosedRetrying -> Failed (retries exhausted)
//
// Disconnect moves any state to Closed.
package session
