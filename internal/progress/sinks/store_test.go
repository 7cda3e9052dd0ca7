package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/jmpumuro/judex/internal/progress"
	"github.com/jmpumuro/judex/internal/storage/memory"
	"github.com/jmpumuro/judex/internal/store"
)

// TestStoreSinkPersistsPatches ensures patches land in the repository stamped with the clock.
func TestStoreSinkPersistsPatches(t *testing.T) {
	t.Parallel()

	repo := memory.NewEntityStore()
	now := time.Unix(1700000000, 0).UTC()
	sink := NewStoreSink(repo, clockwork.NewFakeClockAt(now))
	ctx := context.Background()

	require.NoError(t, sink.ApplyPatch(ctx, "video-1", progress.Patch{
		Progress: progress.Float(25), CurrentStage: progress.String("yolo26_vision"),
	}))
	require.NoError(t, sink.ApplyPatch(ctx, "video-1", progress.Patch{Status: progress.String("completed")}))

	got, err := repo.GetEntity(ctx, "video-1")
	require.NoError(t, err)
	require.InDelta(t, 25, got.Progress, 1e-9)
	require.Equal(t, "yolo26_vision", got.CurrentStage)
	require.Equal(t, "completed", got.Status)
	require.Equal(t, now, got.UpdatedAt)
}

// TestStoreSinkHandlesErrors surfaces repository failures back to the caller.
func TestStoreSinkHandlesErrors(t *testing.T) {
	t.Parallel()

	sink := NewStoreSink(failingRepo{}, nil)
	err := sink.ApplyPatch(context.Background(), "video-1", progress.Patch{Progress: progress.Float(1)})
	require.ErrorContains(t, err, "store patch for video-1")

	var nilSink *StoreSink
	require.NoError(t, nilSink.ApplyPatch(context.Background(), "video-1", progress.Patch{}))
}

type failingRepo struct{}

func (failingRepo) UpsertEntity(context.Context, string, progress.Patch, time.Time) error {
	return errors.New("db down")
}

func (failingRepo) GetEntity(context.Context, string) (store.Entity, error) {
	return store.Entity{}, store.ErrNotFound
}

func (failingRepo) ListEntities(context.Context, int, int) ([]store.Entity, error) {
	return nil, nil
}
