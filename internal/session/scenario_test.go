package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/jmpumuro/judex/internal/loop/looptest"
	"github.com/jmpumuro/judex/internal/progress"
	"github.com/jmpumuro/judex/internal/progress/sinks"
	"github.com/jmpumuro/judex/internal/session"
	"github.com/jmpumuro/judex/internal/stage"
	"github.com/jmpumuro/judex/internal/storage/memory"
	"github.com/jmpumuro/judex/internal/stream/streamtest"
)

type countingSink struct {
	calls int
}

func (c *countingSink) ApplyPatch(context.Context, string, progress.Patch) error {
	c.calls++
	return nil
}

func (c *countingSink) Close(context.Context) error { return nil }

// TestEvaluationLifecycle drives one job from first event to completion
// through the coalescer into the in-memory view model.
func TestEvaluationLifecycle(t *testing.T) {
	t.Parallel()

	sched := looptest.New(time.Time{})
	transport := streamtest.New()
	repo := memory.NewEntityStore()
	counter := &countingSink{}
	coalescer := progress.NewCoalescer(progress.Config{}, sched,
		sinks.NewStoreSink(repo, clockwork.NewFakeClock()), counter)
	mgr, err := session.NewManager(session.Config{
		Transport: transport,
		Scheduler: sched,
		Sink:      coalescer,
	})
	require.NoError(t, err)

	stages := []stage.Descriptor{{ID: "a", Position: 0}, {ID: "b", Position: 1}}
	require.NoError(t, mgr.Connect("job-1", "v1", stages, 0))
	sched.Drain()
	conn := transport.Last("job-1")

	ctx := context.Background()
	conn.Send(`{"current_stage":"a","progress":0.5}`)
	sched.Advance(progress.DefaultFlushDelay)
	e, err := repo.GetEntity(ctx, "v1")
	require.NoError(t, err)
	require.InDelta(t, 25, e.Progress, 1e-9)

	conn.Send(`{"current_stage":"b","progress":1.0}`)
	sched.Advance(progress.DefaultFlushDelay)
	e, _ = repo.GetEntity(ctx, "v1")
	require.InDelta(t, 100, e.Progress, 1e-9)
	require.Equal(t, "b", e.CurrentStage)

	conn.Send(`{"status":"completed","evaluation_complete":true,"result":{"verdict":"SAFE"}}`)
	sched.Drain()
	_, ok := mgr.Lookup(session.KeyFor("job-1"))
	require.False(t, ok, "session leaves the registry before the flush")

	sched.Advance(progress.DefaultFlushDelay)
	e, _ = repo.GetEntity(ctx, "v1")
	require.Equal(t, "completed", e.Status)
	require.Equal(t, "SAFE", e.Verdict)
	require.Equal(t, 3, counter.calls)
}

// TestBurstCoalescesIntoOnePatch checks a burst inside one window reaches the sink once.
func TestBurstCoalescesIntoOnePatch(t *testing.T) {
	t.Parallel()

	sched := looptest.New(time.Time{})
	transport := streamtest.New()
	counter := &countingSink{}
	coalescer := progress.NewCoalescer(progress.Config{}, sched, counter)
	mgr, err := session.NewManager(session.Config{Transport: transport, Scheduler: sched, Sink: coalescer})
	require.NoError(t, err)

	require.NoError(t, mgr.Connect("job-1", "v1", nil, 0))
	sched.Drain()
	conn := transport.Last("job-1")
	for i := 0; i < 20; i++ {
		conn.Send(`{"progress":1}`)
	}
	sched.Advance(progress.DefaultFlushDelay)
	require.Equal(t, 1, counter.calls)
}
