package stream

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseFullEvent(t *testing.T) {
	t.Parallel()

	evt, err := Parse([]byte(`{"item_id":"it-1","progress":0.5,"current_stage":"segment_video",` +
		`"status":"processing","status_message":"working","result":{"verdict":"SAFE","score":0.1},"evaluation_complete":false}`))
	require.NoError(t, err)
	require.Equal(t, "it-1", evt.Item())
	require.InDelta(t, 0.5, *evt.Progress, 1e-9)
	require.Equal(t, "segment_video", *evt.CurrentStage)
	require.Equal(t, "processing", *evt.Status)
	require.Equal(t, "working", *evt.StatusMessage)
	verdict, ok := evt.Verdict()
	require.True(t, ok)
	require.Equal(t, "SAFE", verdict)
	require.False(t, evt.Terminal())
}

func TestParseAbsentFieldsStayNil(t *testing.T) {
	t.Parallel()

	evt, err := Parse([]byte(`  {"progress": 40}  `))
	require.NoError(t, err)
	require.Nil(t, evt.CurrentStage)
	require.Nil(t, evt.Status)
	require.Nil(t, evt.Result)
	require.Empty(t, evt.Item())
	_, ok := evt.Verdict()
	require.False(t, ok)
}

func TestParseRejectsBadFrames(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want error
	}{
		{name: "empty", in: "", want: ErrEmptyEvent},
		{name: "blank", in: " \n\t", want: ErrEmptyEvent},
		{name: "not json", in: "hello", want: ErrMalformedEvent},
		{name: "array", in: `[1,2]`, want: ErrMalformedEvent},
		{name: "truncated", in: `{"progress":`, want: ErrMalformedEvent},
		{name: "wrong type", in: `{"progress":"high"}`, want: ErrMalformedEvent},
		{name: "result not object", in: `{"result":"SAFE"}`, want: ErrMalformedEvent},
		{name: "empty object", in: `{}`, want: ErrNoFields},
		{name: "unknown fields only", in: `{"foo":1}`, want: ErrNoFields},
		{name: "heartbeat", in: `{"heartbeat":1}`, want: ErrMalformedEvent},
		{name: "null result only", in: `{"result":null}`, want: ErrNoFields},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(tc.in))
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestParseNullResultIsAbsent(t *testing.T) {
	t.Parallel()

	evt, err := Parse([]byte(`{"result":null}`))
	require.NoError(t, err)
	require.Nil(t, evt.Result)
}

func TestTerminal(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		`{"evaluation_complete":true}`:                      true,
		`{"status":"completed"}`:                            true,
		`{"status":"failed","status_message":"decode err"}`: true,
		`{"status":"COMPLETED"}`:                            true,
		`{"status":"processing"}`:                           false,
		`{"evaluation_complete":false,"status":"pending"}`:  false,
		`{"item_id":"x","status":"completed"}`:              true,
		`{"progress":1}`:                                    false,
	}
	for in, want := range cases {
		evt, err := Parse([]byte(in))
		require.NoError(t, err, in)
		require.Equal(t, want, evt.Terminal(), in)
	}
}

func TestEndpoint(t *testing.T) {
	t.Parallel()

	got, err := Endpoint("http://localhost:8012", "", "job 1")
	require.NoError(t, err)
	require.Equal(t, "http://localhost:8012/v1/evaluations/job%201/events", got)

	got, err = Endpoint("https://api.example.com/base/", "/stream/{job_id}?format=ndjson", "j1")
	require.NoError(t, err)
	require.Equal(t, "https://api.example.com/base/stream/j1?format=ndjson", got)

	_, err = Endpoint("localhost", "", "j1")
	require.Error(t, err)
	_, err = Endpoint("http://localhost", "", "")
	require.Error(t, err)
}

func TestEndpointKeepsEscapedSlash(t *testing.T) {
	t.Parallel()

	got, err := Endpoint("http://localhost", "", "a/b")
	require.NoError(t, err)
	require.Equal(t, "http://localhost/v1/evaluations/a%2Fb/events", got)
}
