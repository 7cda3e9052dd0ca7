package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jmpumuro/judex/internal/bridge"
	"github.com/jmpumuro/judex/internal/id/uuid"
	"github.com/jmpumuro/judex/internal/loop/looptest"
	"github.com/jmpumuro/judex/internal/progress"
	"github.com/jmpumuro/judex/internal/stage"
	"github.com/jmpumuro/judex/internal/stream/streamtest"
)

type merge struct {
	entityID string
	patch    progress.Patch
}

type mergeRecorder struct {
	merges []merge
}

func (r *mergeRecorder) Merge(entityID string, patch progress.Patch) {
	r.merges = append(r.merges, merge{entityID: entityID, patch: patch})
}

func (r *mergeRecorder) last(t *testing.T) merge {
	t.Helper()
	require.NotEmpty(t, r.merges)
	return r.merges[len(r.merges)-1]
}

type outcomeRecorder struct {
	outcomes []Outcome
}

func (r *outcomeRecorder) Notify(_ context.Context, o Outcome) error {
	r.outcomes = append(r.outcomes, o)
	return nil
}

type harness struct {
	sched     *looptest.Scheduler
	transport *streamtest.Transport
	sink      *mergeRecorder
	notifier  *outcomeRecorder
	bridge    *bridge.Bridge
	mgr       *Manager
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		sched:     looptest.New(time.Time{}),
		transport: streamtest.New(),
		sink:      &mergeRecorder{},
		notifier:  &outcomeRecorder{},
		bridge:    bridge.New(),
	}
	cfg := Config{
		Transport: h.transport,
		Scheduler: h.sched,
		Sink:      h.sink,
		Bridge:    h.bridge,
		Notifier:  h.notifier,
		IDs:       uuid.NewSequence("conn"),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	mgr, err := NewManager(cfg)
	require.NoError(t, err)
	h.mgr = mgr
	return h
}

func twoStages() []stage.Descriptor {
	return []stage.Descriptor{{ID: "a", Position: 0}, {ID: "b", Position: 1}}
}

func (h *harness) connect(t *testing.T, jobID, entityID string) *streamtest.Conn {
	t.Helper()
	require.NoError(t, h.mgr.Connect(jobID, entityID, twoStages(), 0))
	h.sched.Drain()
	conn := h.transport.Last(jobID)
	require.NotNil(t, conn)
	return conn
}

func (h *harness) send(conn *streamtest.Conn, frame string) {
	conn.Send(frame)
	h.sched.Drain()
}

func (h *harness) fail(conn *streamtest.Conn) {
	conn.Fail(nil)
	h.sched.Drain()
}

func TestConnectRegistersSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.connect(t, "job-1", "v1")

	snap, ok := h.mgr.Lookup("stream-job-1")
	require.True(t, ok)
	require.Equal(t, "job-1", snap.JobID)
	require.Equal(t, "v1", snap.EntityID)
	require.Equal(t, StateConnecting, snap.State)
	require.Equal(t, "conn-1", snap.ConnectionID)
	require.Len(t, snap.Stages, 2)
	entity, ok := h.bridge.JobEntity("job-1")
	require.True(t, ok)
	require.Equal(t, "v1", entity)
	require.Equal(t, 1, h.mgr.Len())
}

func TestConnectValidatesInput(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	require.ErrorIs(t, h.mgr.Connect("", "v1", nil, 0), ErrJobIDRequired)
	require.ErrorIs(t, h.mgr.Connect("job-1", " ", nil, 0), ErrEntityIDRequired)

	dup := []stage.Descriptor{{ID: "a", Position: 0}, {ID: "a", Position: 1}}
	require.ErrorIs(t, h.mgr.Connect("job-1", "v1", dup, 0), stage.ErrDuplicateStage)

	h.sched.Drain()
	require.Zero(t, h.mgr.Len())
	require.Empty(t, h.transport.Conns())
}

func TestConnectWithoutStagesUsesConfiguredCatalog(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	require.NoError(t, h.mgr.Connect("job-1", "v1", nil, 0))
	h.sched.Drain()
	h.send(h.transport.Last("job-1"), `{"current_stage":"`+stage.VisionDetection+`","progress":0}`)

	want, ok := stage.DefaultCatalog().Base(stage.VisionDetection)
	require.True(t, ok)
	require.InDelta(t, float64(want), *h.sink.last(t).patch.Progress, 1e-9)
}

func TestMessageBuildsPatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	conn := h.connect(t, "job-1", "v1")

	h.send(conn, `{"current_stage":"a","progress":0.5,"status":"processing","status_message":"detecting"}`)
	got := h.sink.last(t)
	require.Equal(t, "v1", got.entityID)
	require.InDelta(t, 25, *got.patch.Progress, 1e-9)
	require.Equal(t, "a", *got.patch.CurrentStage)
	require.Equal(t, "processing", *got.patch.Status)
	require.Equal(t, "detecting", *got.patch.StatusMessage)
	require.Nil(t, got.patch.Result)

	snap, _ := h.mgr.Lookup("stream-job-1")
	require.Equal(t, StateOpen, snap.State)
}

func TestRawProgressWithoutStageIsClamped(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	conn := h.connect(t, "job-1", "v1")

	h.send(conn, `{"progress":40}`)
	require.InDelta(t, 40, *h.sink.last(t).patch.Progress, 1e-9)
	require.Nil(t, h.sink.last(t).patch.CurrentStage)

	h.send(conn, `{"progress":140}`)
	require.InDelta(t, 100, *h.sink.last(t).patch.Progress, 1e-9)
}

func TestUnknownStageFallsBack(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	conn := h.connect(t, "job-1", "v1")
	h.send(conn, `{"current_stage":"mystery","progress":0.9}`)
	require.InDelta(t, float64(stage.FallbackPercent), *h.sink.last(t).patch.Progress, 1e-9)
}

func TestResultCarriesVerdict(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	conn := h.connect(t, "job-1", "v1")
	h.send(conn, `{"result":{"verdict":"UNSAFE","violations":["violence"]}}`)

	got := h.sink.last(t).patch
	require.Equal(t, "UNSAFE", *got.Verdict)
	require.JSONEq(t, `{"verdict":"UNSAFE","violations":["violence"]}`, string(got.Result))
}

// TestTerminalEventClosesSession walks the two-stage pipeline to completion.
func TestTerminalEventClosesSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	conn := h.connect(t, "job-1", "v1")

	h.send(conn, `{"current_stage":"a","progress":0.5}`)
	require.InDelta(t, 25, *h.sink.last(t).patch.Progress, 1e-9)
	h.send(conn, `{"current_stage":"b","progress":1.0}`)
	require.InDelta(t, 100, *h.sink.last(t).patch.Progress, 1e-9)

	h.send(conn, `{"status":"completed","evaluation_complete":true}`)
	require.Equal(t, "completed", *h.sink.last(t).patch.Status)
	_, ok := h.mgr.Lookup("stream-job-1")
	require.False(t, ok)
	require.Zero(t, h.mgr.Len())
	require.True(t, conn.Closed())
	jobs, items := h.bridge.Len()
	require.Zero(t, jobs)
	require.Zero(t, items)

	require.Len(t, h.notifier.outcomes, 1)
	require.Equal(t, ReasonCompleted, h.notifier.outcomes[0].Reason)
	require.Zero(t, h.sched.Pending())
}

func TestTerminalEventForgetsUnclaimedItems(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.mgr.RegisterItem("item-early", "v1")
	conn := h.connect(t, "job-1", "v1")

	h.send(conn, `{"status":"completed","evaluation_complete":true}`)
	_, ok := h.bridge.ItemEntity("item-early")
	require.False(t, ok)
}

func TestFailedStatusIsTerminal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	conn := h.connect(t, "job-1", "v1")
	h.send(conn, `{"status":"failed","status_message":"decoder crashed"}`)

	require.Zero(t, h.mgr.Len())
	require.Equal(t, ReasonFailed, h.notifier.outcomes[0].Reason)
	require.Equal(t, "decoder crashed", *h.sink.last(t).patch.StatusMessage)
}

func TestMalformedEventIsDropped(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	conn := h.connect(t, "job-1", "v1")

	h.send(conn, `{"progress":`)
	h.send(conn, ``)
	h.send(conn, `{"result":"SAFE"}`)
	require.Empty(t, h.sink.merges)
	require.Equal(t, 1, h.mgr.Len())

	h.send(conn, `{"progress":10}`)
	require.Len(t, h.sink.merges, 1)
}

// TestReconnectAfterBackoff checks the reconnect lands in [2000ms, 2100ms) with retryCount 1.
func TestReconnectAfterBackoff(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	conn := h.connect(t, "job-1", "v1")

	h.fail(conn)
	failedAt := h.sched.Now()
	require.True(t, conn.Closed())
	snap, ok := h.mgr.Lookup("stream-job-1")
	require.True(t, ok)
	require.Equal(t, StateClosedRetrying, snap.State)
	require.Empty(t, snap.ConnectionID)

	h.sched.Advance(1999 * time.Millisecond)
	require.Equal(t, 1, h.transport.Opened("job-1"))

	h.sched.Advance(100 * time.Millisecond)
	require.Equal(t, 2, h.transport.Opened("job-1"))

	snap, _ = h.mgr.Lookup("stream-job-1")
	require.Equal(t, 1, snap.RetryCount)
	require.Equal(t, StateConnecting, snap.State)
	elapsed := snap.OpenedAt.Sub(failedAt)
	require.GreaterOrEqual(t, elapsed, 2000*time.Millisecond)
	require.Less(t, elapsed, 2100*time.Millisecond)
}

func TestBackoffGrowsLinearly(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.connect(t, "job-1", "v1")

	for i, wait := range []time.Duration{2 * time.Second, 4 * time.Second, 6 * time.Second} {
		h.fail(h.transport.Last("job-1"))
		h.sched.Advance(wait - time.Millisecond)
		require.Equal(t, i+1, h.transport.Opened("job-1"), "retry %d fired early", i+1)
		h.sched.Advance(time.Millisecond)
		require.Equal(t, i+2, h.transport.Opened("job-1"))
	}
}

func TestRetriesExhaustedRemovesSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.connect(t, "job-1", "v1")

	for _, wait := range []time.Duration{2 * time.Second, 4 * time.Second, 6 * time.Second} {
		h.fail(h.transport.Last("job-1"))
		h.sched.Advance(wait)
	}
	require.Equal(t, 4, h.transport.Opened("job-1"))

	h.fail(h.transport.Last("job-1"))
	_, ok := h.mgr.Lookup("stream-job-1")
	require.False(t, ok)

	h.sched.Advance(time.Minute)
	require.Equal(t, 4, h.transport.Opened("job-1"))
	require.Zero(t, h.sched.Pending())

	require.Len(t, h.notifier.outcomes, 1)
	out := h.notifier.outcomes[0]
	require.Equal(t, ReasonRetriesExhausted, out.Reason)
	require.Equal(t, 3, out.RetryCount)
	require.Contains(t, out.Error, "injected failure")
	jobs, _ := h.bridge.Len()
	require.Zero(t, jobs)
}

func TestConnectSeedsRetryCount(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	require.NoError(t, h.mgr.Connect("job-1", "v1", twoStages(), 3))
	h.sched.Drain()

	h.fail(h.transport.Last("job-1"))
	require.Zero(t, h.mgr.Len())
	require.Equal(t, ReasonRetriesExhausted, h.notifier.outcomes[0].Reason)
}

func TestFirstMessageResetsRetryCount(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.connect(t, "job-1", "v1")
	h.fail(h.transport.Last("job-1"))
	h.sched.Advance(2 * time.Second)

	snap, _ := h.mgr.Lookup("stream-job-1")
	require.Equal(t, 1, snap.RetryCount)

	h.send(h.transport.Last("job-1"), `{"progress":5}`)
	snap, _ = h.mgr.Lookup("stream-job-1")
	require.Zero(t, snap.RetryCount)
	require.Equal(t, StateOpen, snap.State)
}

func TestUnrecognizedFrameDoesNotResetRetryCount(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.connect(t, "job-1", "v1")

	for _, wait := range []time.Duration{2 * time.Second, 4 * time.Second, 6 * time.Second} {
		h.fail(h.transport.Last("job-1"))
		h.sched.Advance(wait)
		h.send(h.transport.Last("job-1"), `{"heartbeat":1}`)
		h.send(h.transport.Last("job-1"), `{}`)

		snap, ok := h.mgr.Lookup("stream-job-1")
		require.True(t, ok)
		require.NotZero(t, snap.RetryCount)
		require.Equal(t, StateConnecting, snap.State)
	}
	require.Empty(t, h.sink.merges)

	h.fail(h.transport.Last("job-1"))
	_, ok := h.mgr.Lookup("stream-job-1")
	require.False(t, ok)
	require.Equal(t, ReasonRetriesExhausted, h.notifier.outcomes[0].Reason)
}

func TestOpenFailureEntersRetry(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.transport.OpenErr = errors.New("connection refused")
	require.NoError(t, h.mgr.Connect("job-1", "v1", twoStages(), 0))
	h.sched.Drain()

	snap, ok := h.mgr.Lookup("stream-job-1")
	require.True(t, ok)
	require.Equal(t, StateClosedRetrying, snap.State)

	h.transport.OpenErr = nil
	h.sched.Advance(2 * time.Second)
	require.Equal(t, 1, h.transport.Opened("job-1"))
	snap, _ = h.mgr.Lookup("stream-job-1")
	require.Equal(t, StateConnecting, snap.State)
}

func TestDisconnectCancelsReconnect(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	conn := h.connect(t, "job-1", "v1")
	h.fail(conn)

	h.mgr.Disconnect(KeyFor("job-1"))
	h.sched.Drain()
	require.Zero(t, h.mgr.Len())

	h.sched.Advance(10 * time.Second)
	require.Equal(t, 1, h.transport.Opened("job-1"))
	require.Zero(t, h.sched.Pending())
	require.Equal(t, ReasonDisconnected, h.notifier.outcomes[0].Reason)
}

func TestDisconnectClosesConnection(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	conn := h.connect(t, "job-1", "v1")
	h.mgr.Disconnect("stream-job-1")
	h.mgr.Disconnect("stream-unknown")
	h.sched.Drain()

	require.True(t, conn.Closed())
	h.send(conn, `{"progress":10}`)
	require.Empty(t, h.sink.merges)
	require.Len(t, h.notifier.outcomes, 1)
}

func TestDisconnectAllResetsBridge(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	c1 := h.connect(t, "job-1", "v1")
	c2 := h.connect(t, "job-2", "v2")
	h.mgr.RegisterItem("loose-item", "v7")
	h.sched.Drain()

	h.mgr.DisconnectAll()
	h.sched.Drain()

	require.Zero(t, h.mgr.Len())
	require.True(t, c1.Closed())
	require.True(t, c2.Closed())
	jobs, items := h.bridge.Len()
	require.Zero(t, jobs)
	require.Zero(t, items)
	require.Len(t, h.notifier.outcomes, 2)
}

func TestStaleConnectionCallbacksAreIgnored(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	first := h.connect(t, "job-1", "v1")
	h.fail(first)
	h.sched.Advance(2 * time.Second)
	second := h.transport.Last("job-1")
	require.NotSame(t, first, second)

	h.send(first, `{"progress":99}`)
	require.Empty(t, h.sink.merges)

	h.fail(first)
	h.sched.Advance(time.Minute)
	require.Equal(t, 2, h.transport.Opened("job-1"))

	h.send(second, `{"progress":12}`)
	require.InDelta(t, 12, *h.sink.last(t).patch.Progress, 1e-9)
}

func TestReconnectReplacesSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	old := h.connect(t, "job-1", "v1")
	fresh := h.connect(t, "job-1", "v2")

	require.True(t, old.Closed())
	require.Equal(t, 1, h.mgr.Len())
	h.send(old, `{"progress":1}`)
	require.Empty(t, h.sink.merges)

	h.send(fresh, `{"progress":2}`)
	require.Equal(t, "v2", h.sink.last(t).entityID)
	require.Empty(t, h.notifier.outcomes)
}

func TestItemMappingWins(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.mgr.RegisterItem("item-9", "v9")
	conn := h.connect(t, "job-1", "v1")

	h.send(conn, `{"item_id":"item-9","progress":30}`)
	require.Equal(t, "v9", h.sink.last(t).entityID)

	h.send(conn, `{"item_id":"item-unknown","progress":31}`)
	require.Equal(t, "v1", h.sink.last(t).entityID)

	h.mgr.UnregisterItem("item-9")
	h.sched.Drain()
	h.send(conn, `{"item_id":"item-9","progress":32}`)
	require.Equal(t, "v1", h.sink.last(t).entityID)
}

func TestUnmappedJobFallsBackToSessionEntity(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	conn := h.connect(t, "job-1", "v1")
	h.bridge.Reset()

	h.send(conn, `{"progress":50}`)
	require.Equal(t, "v1", h.sink.last(t).entityID)
}

func TestOutOfOrderStagesRegressByDefault(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	conn := h.connect(t, "job-1", "v1")
	h.send(conn, `{"current_stage":"b","progress":0}`)
	h.send(conn, `{"current_stage":"a","progress":0}`)
	require.InDelta(t, 0, *h.sink.last(t).patch.Progress, 1e-9)
}

func TestMonotonicProgressNeverRegresses(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(cfg *Config) { cfg.MonotonicProgress = true })
	conn := h.connect(t, "job-1", "v1")
	h.send(conn, `{"current_stage":"b","progress":0}`)
	h.send(conn, `{"current_stage":"a","progress":0.5}`)

	got := h.sink.last(t).patch
	require.Nil(t, got.Progress)
	require.Equal(t, "a", *got.CurrentStage)

	h.send(conn, `{"current_stage":"b","progress":0.5}`)
	require.InDelta(t, 75, *h.sink.last(t).patch.Progress, 1e-9)
}

func TestNewManagerRequiresCollaborators(t *testing.T) {
	t.Parallel()

	sched := looptest.New(time.Time{})
	_, err := NewManager(Config{Scheduler: sched, Sink: &mergeRecorder{}})
	require.Error(t, err)
	_, err = NewManager(Config{Transport: streamtest.New(), Sink: &mergeRecorder{}})
	require.Error(t, err)
	_, err = NewManager(Config{Transport: streamtest.New(), Scheduler: sched})
	require.Error(t, err)
}

func TestSessionsSortedByKey(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.connect(t, "job-b", "v2")
	h.connect(t, "job-a", "v1")

	got := h.mgr.Sessions()
	require.Len(t, got, 2)
	require.Equal(t, "stream-job-a", got[0].Key)
	require.Equal(t, "stream-job-b", got[1].Key)
}
