package session

import (
	"context"
	"fmt"
	"time"

	"github.com/jmpumuro/judex/internal/stage"
)

// State is a session's position in its connection lifecycle.
type State int

// Session states.
const (
	StateConnecting State = iota
	StateOpen
	StateClosedTerminal
	StateClosedRetrying
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosedTerminal:
		return "closed_terminal"
	case StateClosedRetrying:
		return "closed_retrying"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name produced by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for c := StateConnecting; c <= StateFailed; c++ {
		if c.String() == string(text) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("session: unknown state %q", text)
}

// KeyFor returns the registry key of the session tracking jobID.
func KeyFor(jobID string) string {
	return "stream-" + jobID
}

// Snapshot is a read-only copy of one session.
type Snapshot struct {
	Key          string             `json:"key"`
	JobID        string             `json:"job_id"`
	EntityID     string             `json:"entity_id"`
	State        State              `json:"state"`
	RetryCount   int                `json:"retry_count"`
	ConnectionID string             `json:"connection_id,omitempty"`
	OpenedAt     time.Time          `json:"opened_at"`
	Stages       []stage.Descriptor `json:"stages"`
}

// Reason says why a session left the registry.
type Reason string

// Outcome reasons.
const (
	ReasonCompleted        Reason = "completed"
	ReasonFailed           Reason = "failed"
	ReasonRetriesExhausted Reason = "retries_exhausted"
	ReasonDisconnected     Reason = "disconnected"
)

// Outcome describes a session that has been removed.
type Outcome struct {
	Key        string    `json:"key"`
	JobID      string    `json:"job_id"`
	EntityID   string    `json:"entity_id"`
	Reason     Reason    `json:"reason"`
	RetryCount int       `json:"retry_count"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// Notifier is told about every session that ends. It runs on the loop and
// should hand slow work off.
type Notifier interface {
	Notify(ctx context.Context, outcome Outcome) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, outcome Outcome) error

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, outcome Outcome) error {
	return f(ctx, outcome)
}
