package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmpumuro/judex/internal/progress"
)

// ErrNotFound signals that the requested entity does not exist.
var ErrNotFound = errors.New("entity not found")

// Entity is the local view of one evaluated video (or sub-item).
type Entity struct {
	// ID is the local entity identifier patches are addressed to.
	ID string `json:"id"`
	// Progress is the latest overall percentage in [0,100].
	Progress float64 `json:"progress"`
	// CurrentStage is the pipeline stage last reported by the server.
	CurrentStage string `json:"current_stage,omitempty"`
	// Status is the latest job status (processing, completed, failed...).
	Status string `json:"status,omitempty"`
	// StatusMessage is free text attached to the status.
	StatusMessage string `json:"status_message,omitempty"`
	// Result holds the raw evaluation result once available.
	Result json.RawMessage `json:"result,omitempty"`
	// Verdict is copied from Result.verdict.
	Verdict string `json:"verdict,omitempty"`
	// UpdatedAt is when the last patch was applied.
	UpdatedAt time.Time `json:"updated_at"`
}

// Apply returns e with every field set in patch overwritten.
func (e Entity) Apply(patch progress.Patch, at time.Time) Entity {
	if patch.Progress != nil {
		e.Progress = *patch.Progress
	}
	if patch.CurrentStage != nil {
		e.CurrentStage = *patch.CurrentStage
	}
	if patch.Status != nil {
		e.Status = *patch.Status
	}
	if patch.StatusMessage != nil {
		e.StatusMessage = *patch.StatusMessage
	}
	if patch.Result != nil {
		e.Result = append(json.RawMessage(nil), patch.Result...)
	}
	if patch.Verdict != nil {
		e.Verdict = *patch.Verdict
	}
	e.UpdatedAt = at
	return e
}

// EntityRepository persists the latest snapshot of each entity.
type EntityRepository interface {
	// UpsertEntity applies patch to the stored entity, creating it when absent.
	UpsertEntity(ctx context.Context, entityID string, patch progress.Patch, at time.Time) error
	// GetEntity loads one entity or returns ErrNotFound.
	GetEntity(ctx context.Context, entityID string) (Entity, error)
	// ListEntities returns entities ordered by most recent update.
	ListEntities(ctx context.Context, limit, offset int) ([]Entity, error)
}
