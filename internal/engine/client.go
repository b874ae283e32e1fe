/*
PURPOSE:
  HTTP client for the eval backend.
  Handles run submission, quota lookup, title/publish, completion lookup and
  loading stored runs.

REQUIREMENTS:
  User-specified:
  - Submit a run and expose the streamed response body.
  - Every call carries the bearer credential.

  Implementation-discovered:
  - The run request must not carry an overall client timeout (the stream is
    long-lived); only the wait for response headers is bounded.
  - The backend may compress the stream (zstd or gzip).

ARCHITECTURE INTEGRATION:
  - Called by: internal/engine (StreamRunner, RunController), internal/store, internal/cli
  - Uses: internal/config, internal/model

ERROR HANDLING:
  - Transport failures and non-2xx statuses become *NetworkError.
  - No retries: recovery is user-initiated.

IMPLEMENTATION RULES:
  - Use net/http.
  - Enforce timeouts.
  - Tag each request with X-Request-Id.

USAGE:
  c := engine.New(cfg)
  q, err := c.Quota(ctx)
  body, err := c.OpenRun(ctx, req)

SELF-HEALING INSTRUCTIONS:
  - If backend routes change, update the path constants below.

RELATED FILES:
  - internal/config/config.go
  - internal/engine/stream.go

MAINTENANCE:
  - Update for new backend endpoints.
*/

package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strings"

	"github.com/chainguard-dev/clog"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/daryltucker/evalstream/internal/config"
	"github.com/daryltucker/evalstream/internal/model"
)

// Backend routes.
const (
	PathRun         = "/api/run"
	PathCredits     = "/api/credits"
	PathEvalTitle   = "/api/eval-title"
	PathEvalResults = "/api/eval-results"
	PathEvals       = "/api/evals/"
)

// DefaultCredits applies when the backend does not report a credit count.
const DefaultCredits = 3

// Client handles eval backend interactions.
type Client struct {
	Config *config.Config
	// HTTP serves short request/response calls.
	HTTP *http.Client
	// Stream serves the run request; it has no overall timeout.
	Stream *http.Client
}

// New creates a new Client.
func New(cfg *config.Config) *Client {
	// ResponseHeaderTimeout covers the time until the backend accepts the run
	// and starts streaming. After that only the idle timeout applies.
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = cfg.RequestTimeout

	return &Client{
		Config: cfg,
		HTTP:   &http.Client{Timeout: cfg.RequestTimeout},
		Stream: &http.Client{Transport: transport},
	}
}

// Quota is the user's remaining run allowance.
type Quota struct {
	Remaining int `json:"credits"`
	// OverrideToken is the user's own provider credential; it bypasses quota.
	OverrideToken string `json:"openrouter_token,omitempty"`
}

// Unlimited reports whether the override credential is present.
func (q Quota) Unlimited() bool {
	return q.OverrideToken != ""
}

// Allows reports whether a run may start.
func (q Quota) Allows() bool {
	return q.Remaining > 0 || q.Unlimited()
}

// EvalPatch is the title/publish mutation payload. Nil fields are omitted.
type EvalPatch struct {
	Title    *string `json:"title,omitempty"`
	IsPublic *bool   `json:"is_public,omitempty"`
}

// StoredRun is a previously executed run as kept by the backend.
type StoredRun struct {
	ID       string         `json:"id"`
	Prompt   string         `json:"prompt"`
	Rubric   string         `json:"eval_prompt"`
	Title    string         `json:"title"`
	IsPublic bool           `json:"is_public"`
	Models   []string       `json:"models"`
	Trials   int            `json:"trials"`
	Results  []StoredResult `json:"results"`
}

// StoredResult is one model's persisted aggregate.
type StoredResult struct {
	Model  string  `json:"model"`
	Trials int     `json:"trials"`
	Score  float64 `json:"score"`
}

func (c *Client) url(path string, query url.Values) string {
	u := strings.TrimRight(c.Config.BaseURL, "/") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, payload any) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		blob, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request payload: %w", err)
		}
		body = bytes.NewReader(blob)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path, query), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.Config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Config.Token)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Request-Id", uuid.NewString())
	return req, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, payload, out any) error {
	op := method + " " + path
	req, err := c.newRequest(ctx, method, path, query, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	clog.FromContext(ctx).Debug("Network: request", "op", op, "request_id", req.Header.Get("X-Request-Id"))
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if err := checkStatus(op, resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &NetworkError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func checkStatus(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	blob, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var apiErr struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(blob))
	if json.Unmarshal(blob, &apiErr) == nil && strings.TrimSpace(apiErr.Error) != "" {
		msg = apiErr.Error
	}
	if msg == "" {
		msg = resp.Status
	}
	return &NetworkError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", msg)}
}

// Quota looks up the remaining credits and the optional override credential.
func (c *Client) Quota(ctx context.Context) (Quota, error) {
	var payload struct {
		Credits       *int   `json:"credits"`
		OverrideToken string `json:"openrouter_token"`
	}
	if err := c.doJSON(ctx, http.MethodGet, PathCredits, nil, nil, &payload); err != nil {
		return Quota{}, err
	}
	q := Quota{Remaining: DefaultCredits, OverrideToken: payload.OverrideToken}
	if payload.Credits != nil {
		q.Remaining = *payload.Credits
	}
	return q, nil
}

// UpdateEval applies a title/publish patch and reports the backend's success flag.
func (c *Client) UpdateEval(ctx context.Context, runID string, patch EvalPatch) (bool, error) {
	if runID == "" {
		return false, ErrNoRunID
	}
	body := struct {
		EvalID string `json:"eval_id"`
		EvalPatch
	}{EvalID: runID, EvalPatch: patch}

	var resp struct {
		Success bool `json:"success"`
	}
	if err := c.doJSON(ctx, http.MethodPost, PathEvalTitle, nil, body, &resp); err != nil {
		return false, err
	}
	return resp.Success, nil
}

// Completions fetches the stored per-trial answers for one model of a run.
func (c *Client) Completions(ctx context.Context, runID, modelID string) ([]model.Completion, error) {
	if runID == "" {
		return nil, ErrNoRunID
	}
	q := url.Values{}
	q.Set("eval_id", runID)
	q.Set("model", modelID)

	var resp struct {
		Completions []model.Completion `json:"completions"`
	}
	if err := c.doJSON(ctx, http.MethodGet, PathEvalResults, q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Completions, nil
}

// LoadRun fetches a stored run with its per-model aggregates.
func (c *Client) LoadRun(ctx context.Context, runID string) (*StoredRun, error) {
	if runID == "" {
		return nil, ErrNoRunID
	}
	var run StoredRun
	if err := c.doJSON(ctx, http.MethodGet, PathEvals+url.PathEscape(runID), nil, nil, &run); err != nil {
		return nil, err
	}
	if run.ID == "" {
		run.ID = runID
	}
	return &run, nil
}

// OpenRun submits req and returns the (decompressed) NDJSON body.
// The caller must close it; closing releases the connection.
func (c *Client) OpenRun(ctx context.Context, runReq model.RunRequest) (io.ReadCloser, error) {
	const op = "POST " + PathRun
	log := clog.FromContext(ctx)

	trace := &httptrace.ClientTrace{
		GotConn: func(connInfo httptrace.GotConnInfo) {
			log.Debug("Network: Connected", "remote", connInfo.Conn.RemoteAddr(), "reused", connInfo.Reused)
		},
		GotFirstResponseByte: func() {
			log.Debug("Network: First Byte Received")
		},
	}
	ctx = httptrace.WithClientTrace(ctx, trace)

	req, err := c.newRequest(ctx, http.MethodPost, PathRun, nil, runReq)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/x-ndjson")
	if c.Config.Compression {
		req.Header.Set("Accept-Encoding", "zstd, gzip")
	}
	log.Info("Submitting run", "models", len(runReq.Models), "trials", runReq.Trials, "request_id", req.Header.Get("X-Request-Id"))

	resp, err := c.Stream.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}
	if err := checkStatus(op, resp); err != nil {
		resp.Body.Close()
		return nil, err
	}

	body, err := decodeBody(resp)
	if err != nil {
		resp.Body.Close()
		return nil, &NetworkError{Op: op, Err: err}
	}
	return body, nil
}

func decodeBody(resp *http.Response) (io.ReadCloser, error) {
	switch enc := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))); enc {
	case "", "identity":
		return resp.Body, nil
	case "zstd":
		dec, err := zstd.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		return &decodedBody{Reader: dec, close: dec.Close, body: resp.Body}, nil
	case "gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		return &decodedBody{Reader: zr, close: func() { _ = zr.Close() }, body: resp.Body}, nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", enc)
	}
}

type decodedBody struct {
	io.Reader
	close func()
	body  io.Closer
}

func (d *decodedBody) Close() error {
	d.close()
	return d.body.Close()
}
