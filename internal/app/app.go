// Package app assembles the QA components from configuration. Both
// binaries share it.
package app

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fractal-lba/ragguard/internal/abtest"
	"github.com/fractal-lba/ragguard/internal/cache"
	"github.com/fractal-lba/ragguard/internal/confidence"
	"github.com/fractal-lba/ragguard/internal/config"
	"github.com/fractal-lba/ragguard/internal/critique"
	"github.com/fractal-lba/ragguard/internal/eval"
	"github.com/fractal-lba/ragguard/internal/grader"
	"github.com/fractal-lba/ragguard/internal/llm"
	"github.com/fractal-lba/ragguard/internal/metrics"
	"github.com/fractal-lba/ragguard/internal/pipeline"
	"github.com/fractal-lba/ragguard/internal/retrieval"
	"github.com/fractal-lba/ragguard/internal/selfrag"
)

// App holds the wired components.
type App struct {
	Config       config.Config
	LLM          llm.Completer
	Cache        cache.Store
	Grader       *grader.Grader
	Critic       *critique.Critic
	Orchestrator *selfrag.Orchestrator
	Scorer       *confidence.Scorer
	Evaluator    *eval.Evaluator
	Engine       *abtest.Engine
	Retriever    *retrieval.HTTPRetriever // nil when retrieval.url is unset
	Metrics      *metrics.Metrics
	KPI          *metrics.AnswerKPITracker
	Logger       *slog.Logger
}

// Option adjusts assembly.
type Option func(*settings)

type settings struct {
	completer llm.Completer
	recorder  eval.Recorder
}

// WithCompleter replaces the provider client built from config.
func WithCompleter(c llm.Completer) Option {
	return func(s *settings) { s.completer = c }
}

// WithRecorder journals every evaluated case.
func WithRecorder(r eval.Recorder) Option {
	return func(s *settings) { s.recorder = r }
}

// New builds every component from cfg. Metrics are registered on reg when
// it is non-nil.
func New(cfg config.Config, reg prometheus.Registerer, logger *slog.Logger, opts ...Option) (*App, error) {
	var st settings
	for _, opt := range opts {
		opt(&st)
	}
	if logger == nil {
		logger = slog.Default()
	}

	a := &App{Config: cfg, Logger: logger}
	if reg != nil {
		a.Metrics = metrics.New(reg)
		a.KPI = metrics.NewAnswerKPITracker(reg)
	}

	base := st.completer
	if base == nil {
		var err error
		base, err = llm.New(cfg.LLMClientConfig())
		if err != nil {
			return nil, err
		}
	}
	a.LLM = llm.NewInstrumented(
		llm.NewRateLimited(base, cfg.LLM.RequestsPerSecond, cfg.LLM.Burst),
		cfg.LLM.Provider, cfg.LLM.Model, a.Metrics,
	)

	store, err := cache.Open(cfg.CacheOptions())
	if err != nil {
		return nil, fmt.Errorf("open grade cache: %w", err)
	}
	a.Cache = store

	a.Grader = grader.New(a.LLM, store, cfg.GraderConfig(),
		grader.WithLogger(logger.With("component", "grader")), grader.WithMetrics(a.Metrics))
	a.Critic = critique.New(a.LLM,
		critique.WithLogger(logger.With("component", "critique")), critique.WithMetrics(a.Metrics))
	a.Orchestrator = selfrag.New(a.Grader, a.Critic, cfg.SelfRAGOptions(),
		selfrag.WithLogger(logger.With("component", "selfrag")), selfrag.WithMetrics(a.Metrics), selfrag.WithKPI(a.KPI))
	a.Scorer = confidence.New(a.LLM,
		confidence.WithWeights(cfg.Confidence.Weights),
		confidence.WithLogger(logger.With("component", "confidence")), confidence.WithMetrics(a.Metrics))

	evalOpts := []eval.Option{
		eval.WithLogger(logger.With("component", "eval")),
		eval.WithMetrics(a.Metrics),
		eval.WithConfidence(a.Scorer),
	}
	if st.recorder != nil {
		evalOpts = append(evalOpts, eval.WithRecorder(st.recorder))
	}
	a.Evaluator = eval.New(a.LLM, a.Grader, a.Critic, cfg.EvalConfig(), evalOpts...)

	a.Engine, err = abtest.New(cfg.ExperimentConfig(),
		abtest.WithLogger(logger.With("component", "abtest")), abtest.WithMetrics(a.Metrics))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("load experiments: %w", err)
	}

	if cfg.Retrieval.URL != "" {
		a.Retriever = retrieval.NewHTTPRetriever(cfg.Retrieval.URL, cfg.Retrieval.TopK, cfg.Retrieval.Timeout)
	}
	return a, nil
}

// Retrieve returns the configured retriever, or nil.
func (a *App) Retrieve() selfrag.RetrieveFunc {
	if a.Retriever == nil {
		return nil
	}
	return a.Retriever.Func()
}

// Pipelines returns a builder for experiment variants sharing this app's
// components.
func (a *App) Pipelines() *pipeline.Builder {
	return &pipeline.Builder{
		Grader:   a.Grader,
		Critic:   a.Critic,
		Retrieve: a.Retrieve(),
		Defaults: a.Config.SelfRAGOptions(),
		Logger:   a.Logger.With("component", "selfrag"),
		Metrics:  a.Metrics,
		KPI:      a.KPI,
	}
}

// Close persists experiments and releases the cache.
func (a *App) Close() error {
	return errors.Join(a.Engine.Close(), a.Cache.Close())
}
