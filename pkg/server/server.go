// Package server exposes URL extraction over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/cexll/llmcascade/pkg/model"
	"github.com/cexll/llmcascade/pkg/request"
	"github.com/cexll/llmcascade/pkg/workflow/extract"
)

// maxBodyBytes bounds a decoded job payload.
const maxBodyBytes = 4 << 20

// Job is one extraction request.
type Job struct {
	Instructions string `json:"instructions"`
	Material     string `json:"material,omitempty"`
	// HTML marks Material as an HTML document to be reduced to text.
	HTML    bool `json:"html,omitempty"`
	MaxURLs int  `json:"max_urls,omitempty"`
}

// Runner executes jobs. Implementations must be safe for concurrent use.
type Runner interface {
	Run(ctx context.Context, job Job) (*extract.Result, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, job Job) (*extract.Result, error)

func (f RunnerFunc) Run(ctx context.Context, job Job) (*extract.Result, error) {
	return f(ctx, job)
}

// Response is the JSON body of a successful extraction.
type Response struct {
	URLs       []string `json:"urls"`
	Criteria   string   `json:"criteria"`
	DurationMS int64    `json:"duration_ms"`
	Transcript string   `json:"transcript,omitempty"`
}

type errorBody struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	RequestID string `json:"request_id,omitempty"`
}

// Server routes /extract and /health to a Runner.
type Server struct {
	runner Runner
	router *chi.Mux
}

// New creates a Server with pre-wired routes.
func New(runner Runner) *Server {
	srv := &Server{
		runner: runner,
		router: chi.NewRouter(),
	}
	srv.routes()
	return srv
}

func (s *Server) routes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Get("/health", s.handleHealth)
	s.router.Post("/extract", s.handleExtract)
}

// ServeHTTP implements http.Handler and delegates to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	reqID := middleware.GetReqID(r.Context())
	var job Job
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&job); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON payload", Kind: "decode", RequestID: reqID})
		return
	}
	if strings.TrimSpace(job.Instructions) == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "instructions are required", Kind: "validation", RequestID: reqID})
		return
	}
	if job.MaxURLs < 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "max_urls must not be negative", Kind: "validation", RequestID: reqID})
		return
	}
	res, err := s.runner.Run(r.Context(), job)
	if err != nil {
		status, kind := classify(err)
		writeJSON(w, status, errorBody{Error: err.Error(), Kind: kind, RequestID: reqID})
		return
	}
	writeJSON(w, http.StatusOK, NewResponse(res, r.URL.Query().Get("transcript") == "1"))
}

// NewResponse flattens res, optionally including the rendered cascade.
func NewResponse(res *extract.Result, transcript bool) Response {
	out := Response{URLs: []string{}}
	if res == nil {
		return out
	}
	for _, u := range res.URLs {
		out.URLs = append(out.URLs, u.String())
	}
	out.Criteria = res.Criteria
	out.DurationMS = res.Duration.Milliseconds()
	if transcript && res.Flow != nil {
		out.Transcript = res.String()
	}
	return out
}

// classify maps engine errors to an HTTP status and a short kind label.
func classify(err error) (int, string) {
	var (
		limitErr *request.TokenLimitError
		retryErr *request.ExceededRetryCountError
		client   *model.ClientError
	)
	switch {
	case errors.Is(err, extract.ErrNoInstructions), errors.Is(err, extract.ErrNoURLs):
		return http.StatusUnprocessableEntity, "input"
	case errors.As(err, &limitErr):
		return http.StatusRequestEntityTooLarge, "token_limit"
	case errors.As(err, &retryErr):
		return http.StatusBadGateway, "retries_exhausted"
	case errors.As(err, &client):
		return http.StatusBadGateway, "backend"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "canceled"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
