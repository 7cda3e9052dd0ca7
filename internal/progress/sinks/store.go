package sinks

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"

	"github.com/jmpumuro/judex/internal/progress"
	"github.com/jmpumuro/judex/internal/store"
)

// StoreSink persists coalesced patches via a store.EntityRepository. Each
// patch becomes one upsert stamped with the sink's clock.
type StoreSink struct {
	repo  store.EntityRepository
	clock clockwork.Clock
}

// NewStoreSink constructs a StoreSink for the provided repository. A nil clock
// uses the wall clock.
func NewStoreSink(repo store.EntityRepository, clock clockwork.Clock) *StoreSink {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &StoreSink{repo: repo, clock: clock}
}

// ApplyPatch forwards the patch to the repository. It respects ctx deadlines
// and wraps repository errors.
func (s *StoreSink) ApplyPatch(ctx context.Context, entityID string, patch progress.Patch) error {
	if s == nil || s.repo == nil {
		return nil
	}
	if err := s.repo.UpsertEntity(ctx, entityID, patch, s.clock.Now()); err != nil {
		return fmt.Errorf("store patch for %s: %w", entityID, err)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
