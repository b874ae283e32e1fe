// Package fakeapi is a deterministic stand-in for the eval backend. It backs
// the `evalstream mock-server` command and the HTTP tests.
package fakeapi

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/daryltucker/evalstream/internal/model"
)

// Server serves the run, credits, title, results and eval routes.
type Server struct {
	// Token, when set, must be presented as a bearer credential.
	Token string
	// Credits is reported by /api/credits; nil omits the field.
	Credits       *int
	OverrideToken string
	// LineDelay is slept after every streamed line.
	LineDelay time.Duration
	// Encoding is "", "gzip" or "zstd"; used when the client accepts it.
	Encoding string
	// Script, when set, replaces the simulated run. Each string is written
	// and flushed as one chunk, verbatim.
	Script func(req model.RunRequest) []string
	Logger *slog.Logger

	mu     sync.Mutex
	nextID int
	runs   map[string]*storedRun
}

type storedRun struct {
	req      model.RunRequest
	title    string
	public   bool
	order    []string
	results  map[string]*model.ModelRunState
	finished bool
}

// RunFinished reports whether the simulated run streamed every trial.
func (s *Server) RunFinished(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	return ok && run.finished
}

// New returns a server with three credits and no auth requirement.
func New() *Server {
	credits := 3
	return &Server{Credits: &credits, runs: make(map[string]*storedRun)}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/run", s.auth(s.handleRun))
	mux.HandleFunc("GET /api/credits", s.auth(s.handleCredits))
	mux.HandleFunc("POST /api/eval-title", s.auth(s.handleTitle))
	mux.HandleFunc("GET /api/eval-results", s.auth(s.handleResults))
	mux.HandleFunc("GET /api/evals/{id}", s.auth(s.handleEval))
	return mux
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.Token {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

// RunTitle returns the stored title and public flag of a run.
func (s *Server) RunTitle(id string) (title string, public bool, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return "", false, false
	}
	return run.title, run.public, true
}

func (s *Server) handleCredits(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{}
	if s.Credits != nil {
		resp["credits"] = *s.Credits
	}
	if s.OverrideToken != "" {
		resp["openrouter_token"] = s.OverrideToken
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTitle(w http.ResponseWriter, r *http.Request) {
	var body struct {
		EvalID   string  `json:"eval_id"`
		Title    *string `json:"title"`
		IsPublic *bool   `json:"is_public"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	s.mu.Lock()
	run, ok := s.runs[body.EvalID]
	if ok {
		if body.Title != nil {
			run.title = *body.Title
		}
		if body.IsPublic != nil {
			run.public = *body.IsPublic
		}
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]bool{"success": ok})
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("eval_id")
	modelID := r.URL.Query().Get("model")

	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		writeError(w, http.StatusNotFound, "eval not found")
		return
	}
	st, ok := run.results[modelID]
	if !ok {
		writeError(w, http.StatusNotFound, "model not found")
		return
	}
	comps := st.Completions
	if comps == nil {
		comps = []model.Completion{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"completions": comps})
}

func (s *Server) handleEval(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		writeError(w, http.StatusNotFound, "eval not found")
		return
	}
	type result struct {
		Model  string  `json:"model"`
		Trials int     `json:"trials"`
		Score  float64 `json:"score"`
	}
	results := make([]result, 0, len(run.order))
	for _, m := range run.order {
		st := run.results[m]
		results = append(results, result{Model: m, Trials: st.Trials, Score: st.Score})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":          id,
		"prompt":      run.req.Prompt,
		"eval_prompt": run.req.Rubric,
		"title":       run.title,
		"is_public":   run.public,
		"models":      run.req.Models,
		"trials":      run.req.Trials,
		"results":     results,
	})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req model.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sw, err := s.streamWriter(w, flusher, r.Header.Get("Accept-Encoding"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer sw.Close()

	if s.Script != nil {
		for _, chunk := range s.Script(req) {
			if err := sw.WriteChunk([]byte(chunk)); err != nil {
				return
			}
			s.pause(r)
		}
		return
	}

	id, run := s.newRun(req)
	log := s.logger().With("run_id", id)
	log.Info("Run accepted", "models", len(req.Models), "trials", req.Trials)

	if err := sw.WriteLine(map[string]string{"run_id": id}); err != nil {
		return
	}
	for trial := 1; trial <= req.Trials; trial++ {
		for _, m := range req.Models {
			update := s.advance(run, m, trial)
			if err := sw.WriteLine(update); err != nil {
				log.Warn("Client went away", "error", err)
				return
			}
			if !s.pause(r) {
				return
			}
		}
	}

	s.mu.Lock()
	run.finished = true
	s.mu.Unlock()
	log.Info("Run finished")
}

func (s *Server) pause(r *http.Request) bool {
	if s.LineDelay <= 0 {
		return r.Context().Err() == nil
	}
	select {
	case <-r.Context().Done():
		return false
	case <-time.After(s.LineDelay):
		return true
	}
}

func (s *Server) newRun(req model.RunRequest) (string, *storedRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := fmt.Sprintf("run-%d", s.nextID)
	run := &storedRun{req: req, title: req.Title, results: make(map[string]*model.ModelRunState)}
	for _, m := range req.Models {
		if _, dup := run.results[m]; dup {
			continue
		}
		run.order = append(run.order, m)
		run.results[m] = &model.ModelRunState{Model: m}
	}
	s.runs[id] = run
	return id, run
}

type wireUpdate struct {
	Model       string             `json:"model"`
	Trials      int                `json:"trials"`
	Score       float64            `json:"score"`
	Completions []model.Completion `json:"completions"`
}

// advance records one more trial for m and returns the full accumulated state.
func (s *Server) advance(run *storedRun, m string, trial int) wireUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := run.results[m]
	c := model.Completion{Answer: fmt.Sprintf("answer %d from %s", trial, m)}
	if run.req.Rubric != "" {
		score := TrialScore(m, trial)
		c.Score = &score
	}
	st.Completions = append(st.Completions, c)
	st.Trials = len(st.Completions)
	st.Score = 0
	if run.req.Rubric != "" {
		var sum float64
		for _, c := range st.Completions {
			sum += *c.Score
		}
		st.Score = sum / float64(st.Trials)
	}
	return wireUpdate{
		Model:       m,
		Trials:      st.Trials,
		Score:       st.Score,
		Completions: append([]model.Completion(nil), st.Completions...),
	}
}

// TrialScore is the deterministic score the fake judge gives a trial.
func TrialScore(modelID string, trial int) float64 {
	h := fnv.New32a()
	fmt.Fprintf(h, "%s#%d", modelID, trial)
	return float64(h.Sum32()%101) / 100
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg, "code": status})
}
