package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrEmptyEvent is returned for blank frames.
	ErrEmptyEvent = errors.New("stream: empty event")
	// ErrMalformedEvent is returned when a frame is not a valid event object.
	ErrMalformedEvent = errors.New("stream: malformed event")
	// ErrNoFields is returned for a JSON object that carries none of the
	// event fields. It wraps ErrMalformedEvent.
	ErrNoFields = fmt.Errorf("%w: no recognized fields", ErrMalformedEvent)
)

// Job status values the server reports.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Event is one server-pushed update. Nil fields were absent on the wire and
// carry no update.
type Event struct {
	ItemID             *string         `json:"item_id,omitempty"`
	Progress           *float64        `json:"progress,omitempty"`
	CurrentStage       *string         `json:"current_stage,omitempty"`
	Status             *string         `json:"status,omitempty"`
	StatusMessage      *string         `json:"status_message,omitempty"`
	Result             json.RawMessage `json:"result,omitempty"`
	EvaluationComplete *bool           `json:"evaluation_complete,omitempty"`
}

type resultHeader struct {
	Verdict *string `json:"verdict"`
}

// Parse decodes one frame. Leading and trailing whitespace is ignored.
func Parse(data []byte) (Event, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Event{}, ErrEmptyEvent
	}
	if data[0] != '{' {
		return Event{}, fmt.Errorf("%w: not a JSON object", ErrMalformedEvent)
	}
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if evt.Result != nil {
		if bytes.Equal(bytes.TrimSpace(evt.Result), []byte("null")) {
			evt.Result = nil
		} else if _, err := evt.verdict(); err != nil {
			return Event{}, err
		}
	}
	if evt.empty() {
		return Event{}, ErrNoFields
	}
	return evt, nil
}

func (e Event) empty() bool {
	return e.ItemID == nil &&
		e.Progress == nil &&
		e.CurrentStage == nil &&
		e.Status == nil &&
		e.StatusMessage == nil &&
		e.Result == nil &&
		e.EvaluationComplete == nil
}

func (e Event) verdict() (*string, error) {
	trimmed := bytes.TrimSpace(e.Result)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: result must be an object", ErrMalformedEvent)
	}
	var hdr resultHeader
	if err := json.Unmarshal(trimmed, &hdr); err != nil {
		return nil, fmt.Errorf("%w: result: %v", ErrMalformedEvent, err)
	}
	return hdr.Verdict, nil
}

// Verdict returns result.verdict when the event carries a result with one.
func (e Event) Verdict() (string, bool) {
	if e.Result == nil {
		return "", false
	}
	v, err := e.verdict()
	if err != nil || v == nil {
		return "", false
	}
	return *v, true
}

// Terminal reports whether the event ends the job's stream.
func (e Event) Terminal() bool {
	if e.EvaluationComplete != nil && *e.EvaluationComplete {
		return true
	}
	if e.Status == nil {
		return false
	}
	switch strings.ToLower(*e.Status) {
	case StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// Item returns the sub-item id, or "" when absent.
func (e Event) Item() string {
	if e.ItemID == nil {
		return ""
	}
	return *e.ItemID
}

// ErrStreamClosed is reported when the server ends a stream without error.
var ErrStreamClosed = errors.New("stream: closed by server")
