// Package server exposes the QA layer over HTTP: Self-RAG answers,
// corrective grading, confidence scoring, single-answer evaluation and the
// experiment lifecycle.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/fractal-lba/ragguard/internal/abtest"
	"github.com/fractal-lba/ragguard/internal/confidence"
	"github.com/fractal-lba/ragguard/internal/eval"
	"github.com/fractal-lba/ragguard/internal/grader"
	"github.com/fractal-lba/ragguard/internal/metrics"
	"github.com/fractal-lba/ragguard/internal/selfrag"
)

// maxBodyBytes caps request bodies. Evaluation requests carry whole
// documents, so this is larger than a typical API limit.
const maxBodyBytes = 4 << 20

var errBodyTooLarge = errors.New("request body too large")

// Deps are the components the server routes to. Nil components disable
// their routes.
type Deps struct {
	Grader         *grader.Grader
	Orchestrator   *selfrag.Orchestrator
	Retrieve       selfrag.RetrieveFunc
	Scorer         *confidence.Scorer
	DeepConfidence bool
	Evaluator      *eval.Evaluator
	Engine         *abtest.Engine
	KPI            *metrics.AnswerKPITracker
	Metrics        *metrics.Metrics
	Gatherer       prometheus.Gatherer
	Logger         *slog.Logger
}

// Options are transport settings.
type Options struct {
	TokenRate   int // requests per second across /v1 routes; burst is twice this
	MetricsUser string
	MetricsPass string
}

// Server holds the handlers' dependencies.
type Server struct {
	deps        Deps
	logger      *slog.Logger
	limiter     *rate.Limiter
	metricsAuth struct {
		enabled  bool
		user     string
		password string
	}
	mux *http.ServeMux
}

// New builds a Server and registers its routes.
func New(d Deps, opts Options) *Server {
	if opts.TokenRate <= 0 {
		opts.TokenRate = 100
	}
	s := &Server{
		deps:    d,
		logger:  d.Logger,
		limiter: rate.NewLimiter(rate.Limit(opts.TokenRate), opts.TokenRate*2),
		mux:     http.NewServeMux(),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.metricsAuth.enabled = opts.MetricsUser != ""
	s.metricsAuth.user = opts.MetricsUser
	s.metricsAuth.password = opts.MetricsPass
	s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) routes() {
	if s.deps.Orchestrator != nil {
		s.handle("POST /v1/answer", s.handleAnswer)
	}
	if s.deps.Grader != nil {
		s.handle("POST /v1/grade", s.handleGrade)
	}
	if s.deps.Scorer != nil {
		s.handle("POST /v1/confidence", s.handleConfidence)
	}
	if s.deps.Evaluator != nil {
		s.handle("POST /v1/evaluate", s.handleEvaluate)
	}
	if s.deps.Engine != nil {
		s.handle("POST /v1/experiments", s.handleCreateExperiment)
		s.handle("GET /v1/experiments", s.handleListExperiments)
		s.handle("GET /v1/experiments/{id}", s.handleGetExperiment)
		s.handle("POST /v1/experiments/{id}/start", s.handleTransition(s.deps.Engine.Start))
		s.handle("POST /v1/experiments/{id}/pause", s.handleTransition(s.deps.Engine.Pause))
		s.handle("POST /v1/experiments/{id}/cancel", s.handleTransition(s.deps.Engine.Cancel))
		s.handle("GET /v1/experiments/{id}/assign", s.handleAssign)
		s.handle("POST /v1/experiments/{id}/results", s.handleRecordResult)
		s.handle("GET /v1/experiments/{id}/report", s.handleReport)
	}
	if s.deps.KPI != nil {
		s.handle("GET /v1/kpis", s.handleKPIs)
	}
	s.mux.Handle("/metrics", s.metricsHandler())
	s.mux.HandleFunc("/health", handleHealth)
}

// handle registers h behind the rate limiter and records the outcome per
// route pattern.
func (s *Server) handle(pattern string, h http.HandlerFunc) {
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() { s.deps.Metrics.HTTPRequest(pattern, rec.status) }()

		if !s.limiter.Allow() {
			rec.Header().Set("Retry-After", "10")
			http.Error(rec, "Too many requests", http.StatusTooManyRequests)
			return
		}
		h(rec, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) metricsHandler() http.Handler {
	handler := promhttp.Handler()
	if s.deps.Gatherer != nil {
		handler = promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})
	}

	if !s.metricsAuth.enabled {
		return handler
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.metricsAuth.user || pass != s.metricsAuth.password {
			w.Header().Set("WWW-Authenticate", `Basic realm="Metrics"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// decode reads a JSON body into v and writes a 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err == nil && len(body) > maxBodyBytes {
		err = errBodyTooLarge
	}
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
