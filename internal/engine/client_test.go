package engine

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daryltucker/evalstream/internal/fakeapi"
	"github.com/daryltucker/evalstream/internal/model"
)

func TestClientHeaders(t *testing.T) {
	var got http.Header
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.Write([]byte(`{"credits":1}`))
	})
	c := newTestClient(t, h)

	_, err := c.Quota(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", got.Get("Authorization"))
	_, err = uuid.Parse(got.Get("X-Request-Id"))
	assert.NoError(t, err, "request id is a uuid")
}

func TestClientQuota(t *testing.T) {
	tests := []struct {
		name string
		body string
		want Quota
	}{
		{"credits absent", `{}`, Quota{Remaining: DefaultCredits}},
		{"credits zero", `{"credits":0}`, Quota{Remaining: 0}},
		{"override", `{"credits":0,"openrouter_token":"sk-or"}`, Quota{Remaining: 0, OverrideToken: "sk-or"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				io.WriteString(w, tt.body)
			}))
			q, err := c.Quota(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, q)
		})
	}

	assert.True(t, Quota{Remaining: 1}.Allows())
	assert.False(t, Quota{}.Allows())
	assert.True(t, Quota{OverrideToken: "x"}.Allows())
}

func TestClientErrorStatus(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"error":"bad token"}`)
	}))

	_, err := c.Quota(context.Background())
	require.ErrorIs(t, err, ErrNetwork)
	var ne *NetworkError
	require.ErrorAs(t, err, &ne)
	assert.Equal(t, http.StatusUnauthorized, ne.StatusCode)
	assert.Equal(t, "GET /api/credits", ne.Op)
	assert.Contains(t, err.Error(), "bad token")
}

func TestClientUpdateEvalBody(t *testing.T) {
	var body map[string]any
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, PathEvalTitle, r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		io.WriteString(w, `{"success":true}`)
	}))

	title := "Mine"
	ok, err := c.UpdateEval(context.Background(), "R", EvalPatch{Title: &title})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, map[string]any{"eval_id": "R", "title": "Mine"}, body)
}

func TestClientNeedsRunID(t *testing.T) {
	c := newTestClient(t, http.NotFoundHandler())

	_, err := c.UpdateEval(context.Background(), "", EvalPatch{})
	assert.ErrorIs(t, err, ErrNoRunID)
	_, err = c.Completions(context.Background(), "", "m")
	assert.ErrorIs(t, err, ErrNoRunID)
	_, err = c.LoadRun(context.Background(), "")
	assert.ErrorIs(t, err, ErrNoRunID)
}

func TestClientAgainstFakeBackend(t *testing.T) {
	s := fakeapi.New()
	s.Token = "tok"
	c := newTestClient(t, s.Handler())
	ctx := context.Background()

	for range NewStreamRunner(c).Start(ctx, model.RunRequest{Models: []string{"m1", "m2"}, Prompt: "p", Rubric: "r", Title: "T", Trials: 3}) {
	}

	comps, err := c.Completions(ctx, "run-1", "m2")
	require.NoError(t, err)
	require.Len(t, comps, 3)
	require.NotNil(t, comps[0].Score)
	assert.InDelta(t, fakeapi.TrialScore("m2", 1), *comps[0].Score, 1e-9)

	run, err := c.LoadRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "p", run.Prompt)
	assert.Equal(t, "r", run.Rubric)
	assert.Equal(t, "T", run.Title)
	assert.Equal(t, []string{"m1", "m2"}, run.Models)
	require.Len(t, run.Results, 2)
	assert.Equal(t, 3, run.Results[1].Trials)

	public := true
	ok, err := c.UpdateEval(ctx, "run-1", EvalPatch{IsPublic: &public})
	require.NoError(t, err)
	assert.True(t, ok)
	_, isPublic, _ := s.RunTitle("run-1")
	assert.True(t, isPublic)

	_, err = c.Completions(ctx, "missing", "m2")
	var ne *NetworkError
	require.ErrorAs(t, err, &ne)
	assert.Equal(t, http.StatusNotFound, ne.StatusCode)
}
