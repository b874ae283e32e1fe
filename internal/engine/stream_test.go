package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daryltucker/evalstream/internal/config"
	"github.com/daryltucker/evalstream/internal/fakeapi"
	"github.com/daryltucker/evalstream/internal/model"
)

func newTestClient(t *testing.T, h http.Handler, mutate ...func(*config.Config)) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	cfg := config.DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.Token = "tok"
	cfg.RequestTimeout = 5 * time.Second
	for _, m := range mutate {
		m(cfg)
	}
	return New(cfg)
}

type collected struct {
	events []model.ResultEvent
	err    error
}

func collect(seq func(func(model.ResultEvent, error) bool)) collected {
	var c collected
	for ev, err := range seq {
		if err != nil {
			c.err = err
			break
		}
		c.events = append(c.events, ev)
	}
	return c
}

var twoModelReq = model.RunRequest{Models: []string{"m1", "m2"}, Prompt: "p", Rubric: "r", Trials: 2}

func TestStreamRunnerWireOrderAcrossChunks(t *testing.T) {
	s := fakeapi.New()
	s.Script = func(model.RunRequest) []string {
		return []string{
			`{"run_id":"R"}` + "\n" + `{"model":"m1","trials":1,"sco`,
			`re":1}` + "\n",
			`{"model":"m2","trials":1,"score":0}` + "\n" + `{"model":"m1","trials":2,"score":0.5}`,
			"\n",
		}
	}
	r := NewStreamRunner(newTestClient(t, s.Handler()))

	got := collect(r.Start(context.Background(), twoModelReq))
	require.NoError(t, got.err)
	require.Len(t, got.events, 4)

	assert.Equal(t, model.EventControl, got.events[0].Kind)
	assert.Equal(t, "R", got.events[0].RunID)

	models := []string{}
	for _, ev := range got.events[1:] {
		assert.Equal(t, model.EventUpdate, ev.Kind)
		models = append(models, ev.Update.Model)
	}
	assert.Equal(t, []string{"m1", "m2", "m1"}, models)
	assert.InDelta(t, 0.5, *got.events[3].Update.Score, 1e-9)
}

func TestStreamRunnerSimulatedBackend(t *testing.T) {
	for _, enc := range []string{"", "gzip", "zstd"} {
		t.Run("encoding="+enc, func(t *testing.T) {
			s := fakeapi.New()
			s.Encoding = enc
			r := NewStreamRunner(newTestClient(t, s.Handler()))

			got := collect(r.Start(context.Background(), twoModelReq))
			require.NoError(t, got.err)
			require.Len(t, got.events, 5)
			assert.Equal(t, model.EventControl, got.events[0].Kind)
			assert.Equal(t, "run-1", got.events[0].RunID)
			last := got.events[4].Update
			assert.Equal(t, "m2", last.Model)
			require.NotNil(t, last.Trials)
			assert.Equal(t, 2, *last.Trials)
		})
	}
}

func TestStreamRunnerMalformedAfterUpdates(t *testing.T) {
	s := fakeapi.New()
	s.Script = func(model.RunRequest) []string {
		return []string{
			`{"run_id":"R"}` + "\n",
			`{"model":"m1","trials":1,"score":1}` + "\n",
			"{oops\n",
			`{"model":"m2","trials":1,"score":1}` + "\n",
		}
	}
	r := NewStreamRunner(newTestClient(t, s.Handler()))

	got := collect(r.Start(context.Background(), twoModelReq))
	require.Len(t, got.events, 2)
	require.Error(t, got.err)
	assert.ErrorIs(t, got.err, ErrMalformedEvent)
	assert.NotErrorIs(t, got.err, ErrNetwork)
}

func TestStreamRunnerNon2xx(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, `{"error":"upstream down"}`)
	})
	r := NewStreamRunner(newTestClient(t, h))

	got := collect(r.Start(context.Background(), twoModelReq))
	assert.Empty(t, got.events)
	require.ErrorIs(t, got.err, ErrNetwork)

	var ne *NetworkError
	require.ErrorAs(t, got.err, &ne)
	assert.Equal(t, http.StatusBadGateway, ne.StatusCode)
	assert.Contains(t, ne.Error(), "upstream down")
}

func TestStreamRunnerUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	cfg := config.DefaultConfig()
	cfg.BaseURL = url
	got := collect(NewStreamRunner(New(cfg)).Start(context.Background(), twoModelReq))
	assert.ErrorIs(t, got.err, ErrNetwork)
}

// stallingHandler sends the control line, then holds the connection open
// until the client goes away. It reports that on gone.
func stallingHandler(gone chan<- struct{}) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"run_id":"R"}`)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		close(gone)
	}
}

func TestStreamRunnerIdleTimeout(t *testing.T) {
	gone := make(chan struct{})
	r := NewStreamRunner(newTestClient(t, stallingHandler(gone), func(c *config.Config) {
		c.Compression = false
	}))
	r.IdleTimeout = 50 * time.Millisecond

	got := collect(r.Start(context.Background(), twoModelReq))
	require.Len(t, got.events, 1)
	assert.ErrorIs(t, got.err, ErrIdleTimeout)
	assert.ErrorIs(t, got.err, ErrNetwork)

	select {
	case <-gone:
	case <-time.After(5 * time.Second):
		t.Fatal("server never saw the connection close")
	}
}

func TestStreamRunnerSlowConsumerIsNotIdle(t *testing.T) {
	s := fakeapi.New()
	s.LineDelay = 10 * time.Millisecond
	s.Script = func(model.RunRequest) []string {
		return []string{
			`{"run_id":"R"}` + "\n",
			`{"model":"m1","trials":1,"score":1}` + "\n",
			`{"model":"m2","trials":1,"score":0}` + "\n",
			`{"model":"m1","trials":2,"score":0.5}` + "\n",
		}
	}
	r := NewStreamRunner(newTestClient(t, s.Handler()))
	r.IdleTimeout = 60 * time.Millisecond

	var events int
	for _, err := range r.Start(context.Background(), twoModelReq) {
		require.NoError(t, err)
		events++
		time.Sleep(100 * time.Millisecond)
	}
	assert.Equal(t, 4, events)
}

func TestStreamRunnerContextCancel(t *testing.T) {
	gone := make(chan struct{})
	r := NewStreamRunner(newTestClient(t, stallingHandler(gone)))
	r.IdleTimeout = 0

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var events int
	var gotErr error
	for _, err := range r.Start(ctx, twoModelReq) {
		if err != nil {
			gotErr = err
			break
		}
		events++
		cancel()
	}
	assert.Equal(t, 1, events)
	assert.True(t, errors.Is(gotErr, context.Canceled), "got %v", gotErr)

	select {
	case <-gone:
	case <-time.After(5 * time.Second):
		t.Fatal("server never saw the connection close")
	}
}

func TestStreamRunnerConsumerBreakClosesConnection(t *testing.T) {
	gone := make(chan struct{})
	r := NewStreamRunner(newTestClient(t, stallingHandler(gone)))

	for range r.Start(context.Background(), twoModelReq) {
		break
	}

	select {
	case <-gone:
	case <-time.After(5 * time.Second):
		t.Fatal("server never saw the connection close")
	}
}
