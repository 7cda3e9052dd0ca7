package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jmpumuro/judex/internal/config"
	"github.com/jmpumuro/judex/internal/session"
	"github.com/jmpumuro/judex/internal/stage"
	"github.com/jmpumuro/judex/internal/store"
	"github.com/jmpumuro/judex/internal/stream/streamtest"
)

type outcomeLog struct {
	mu       sync.Mutex
	outcomes []session.Outcome
}

func (l *outcomeLog) Notify(_ context.Context, o session.Outcome) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.outcomes = append(l.outcomes, o)
	return nil
}

func (l *outcomeLog) all() []session.Outcome {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]session.Outcome(nil), l.outcomes...)
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Coalesce.FlushDelayMs = 5
	return cfg
}

func TestAppTracksJobToCompletion(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	transport := streamtest.New()
	outcomes := &outcomeLog{}
	app, err := Build(ctx, testConfig(t),
		WithLogger(zap.NewNop()),
		WithTransport(transport),
		WithNotifier(outcomes),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	require.NoError(t, app.Manager().Connect("job-1", "video-1", nil, 0))
	require.Eventually(t, func() bool { return transport.Opened("job-1") == 1 }, time.Second, 5*time.Millisecond)

	conn := transport.Last("job-1")
	conn.Send(`{"current_stage":"` + stage.VisionDetection + `","progress":0,"status":"processing"}`)

	var entity store.Entity
	require.Eventually(t, func() bool {
		entity, err = app.Entities().GetEntity(ctx, "video-1")
		return err == nil
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, 10.0, entity.Progress)
	require.Equal(t, stage.VisionDetection, entity.CurrentStage)

	srv := httptest.NewServer(app.Handler())
	t.Cleanup(srv.Close)
	resp, err := http.Get(srv.URL + "/v1/sessions")
	require.NoError(t, err)
	var body struct {
		Sessions []session.Snapshot `json:"sessions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NoError(t, resp.Body.Close())
	require.Len(t, body.Sessions, 1)
	require.Equal(t, "stream-job-1", body.Sessions[0].Key)

	conn.Send(`{"progress":100,"status":"completed","evaluation_complete":true,"result":{"verdict":"safe"}}`)

	require.Eventually(t, func() bool {
		entity, err = app.Entities().GetEntity(ctx, "video-1")
		return err == nil && entity.Status == "completed"
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, 100.0, entity.Progress)
	require.Equal(t, "safe", entity.Verdict)

	require.Eventually(t, func() bool { return len(outcomes.all()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, session.ReasonCompleted, outcomes.all()[0].Reason)
	require.True(t, conn.Closed())
}

func TestAppCloseDisconnectsSessions(t *testing.T) {
	t.Parallel()

	transport := streamtest.New()
	outcomes := &outcomeLog{}
	app, err := Build(context.Background(), testConfig(t),
		WithLogger(zap.NewNop()),
		WithTransport(transport),
		WithNotifier(outcomes),
	)
	require.NoError(t, err)

	require.NoError(t, app.Manager().Connect("job-2", "video-2", nil, 0))
	require.Eventually(t, func() bool { return transport.Opened("job-2") == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, app.Close(context.Background()))
	require.True(t, transport.Last("job-2").Closed())
	outs := outcomes.all()
	require.Len(t, outs, 1)
	require.Equal(t, session.ReasonDisconnected, outs[0].Reason)
}

func TestBuildSelectsTransport(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	tr, err := newTransport(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, tr)

	cfg.Stream.Transport = config.TransportWebSocket
	cfg.Stream.Headers = map[string]string{"x-api-key": "k"}
	tr, err = newTransport(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, tr)
}

func TestBuildRejectsBadCatalog(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Stages = []stage.Descriptor{{ID: "a", Position: 1}, {ID: "b", Position: 0}}
	_, err := Build(context.Background(), cfg, WithLogger(zap.NewNop()), WithTransport(streamtest.New()))
	require.ErrorIs(t, err, stage.ErrPositionOrder)
}
