package progress

import (
	"bytes"
	"encoding/json"
)

// Patch is a partial update to one local entity. Nil fields mean "no change".
type Patch struct {
	// Progress is the overall percentage in [0,100].
	Progress *float64 `json:"progress,omitempty"`
	// CurrentStage is the pipeline stage id the server last reported.
	CurrentStage *string `json:"current_stage,omitempty"`
	// Status is the job status string (pending, processing, completed, failed...).
	Status *string `json:"status,omitempty"`
	// StatusMessage is free text shown next to the status.
	StatusMessage *string `json:"status_message,omitempty"`
	// Result is the raw evaluation result object.
	Result json.RawMessage `json:"result,omitempty"`
	// Verdict is lifted out of Result for convenience.
	Verdict *string `json:"verdict,omitempty"`
}

// Merge overlays next onto p; fields set in next win.
func (p Patch) Merge(next Patch) Patch {
	if next.Progress != nil {
		p.Progress = next.Progress
	}
	if next.CurrentStage != nil {
		p.CurrentStage = next.CurrentStage
	}
	if next.Status != nil {
		p.Status = next.Status
	}
	if next.StatusMessage != nil {
		p.StatusMessage = next.StatusMessage
	}
	if next.Result != nil {
		p.Result = next.Result
	}
	if next.Verdict != nil {
		p.Verdict = next.Verdict
	}
	return p
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return p.Progress == nil &&
		p.CurrentStage == nil &&
		p.Status == nil &&
		p.StatusMessage == nil &&
		p.Result == nil &&
		p.Verdict == nil
}

// Fields lists the wire names of the attributes the patch sets.
func (p Patch) Fields() []string {
	var out []string
	if p.Progress != nil {
		out = append(out, "progress")
	}
	if p.CurrentStage != nil {
		out = append(out, "current_stage")
	}
	if p.Status != nil {
		out = append(out, "status")
	}
	if p.StatusMessage != nil {
		out = append(out, "status_message")
	}
	if p.Result != nil {
		out = append(out, "result")
	}
	if p.Verdict != nil {
		out = append(out, "verdict")
	}
	return out
}

// Equal compares two patches field by field.
func (p Patch) Equal(o Patch) bool {
	return eqFloat(p.Progress, o.Progress) &&
		eqString(p.CurrentStage, o.CurrentStage) &&
		eqString(p.Status, o.Status) &&
		eqString(p.StatusMessage, o.StatusMessage) &&
		bytes.Equal(p.Result, o.Result) &&
		eqString(p.Verdict, o.Verdict)
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// String returns a pointer to v.
func String(v string) *string { return &v }

func eqFloat(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func eqString(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
