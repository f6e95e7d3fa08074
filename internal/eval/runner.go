// Package eval scores RAG answers with five RAGAS-style metrics and runs
// test suites through a pipeline in bounded concurrent windows.
package eval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/fractal-lba/ragguard/internal/api"
	"github.com/fractal-lba/ragguard/internal/confidence"
	"github.com/fractal-lba/ragguard/internal/critique"
	"github.com/fractal-lba/ragguard/internal/grader"
	"github.com/fractal-lba/ragguard/internal/llm"
	"github.com/fractal-lba/ragguard/internal/metrics"
	tracing "github.com/fractal-lba/ragguard/pkg/otel"
	"github.com/fractal-lba/ragguard/pkg/text"
)

const tracerName = "ragguard/eval"

// Evaluator runs and scores test cases.
type Evaluator struct {
	llm      llm.Completer
	grader   *grader.Grader
	critic   *critique.Critic
	scorer   *confidence.Scorer
	recorder Recorder
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	tokens   *text.Tokenizer
	now      func() time.Time
}

// Option configures an Evaluator.
type Option func(*Evaluator)

func WithLogger(l *slog.Logger) Option {
	return func(e *Evaluator) { e.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Evaluator) { e.metrics = m }
}

// WithConfidence attaches a heuristic confidence score to every result.
func WithConfidence(s *confidence.Scorer) Option {
	return func(e *Evaluator) { e.scorer = s }
}

// WithRecorder streams finished cases to r.
func WithRecorder(r Recorder) Option {
	return func(e *Evaluator) { e.recorder = r }
}

// New creates an Evaluator. Zero fields of cfg take their defaults.
func New(c llm.Completer, g *grader.Grader, critic *critique.Critic, cfg Config, opts ...Option) *Evaluator {
	def := DefaultConfig()
	if cfg.Weights.Validate() != nil {
		cfg.Weights = def.Weights
	}
	if cfg.PassThreshold <= 0 {
		cfg.PassThreshold = def.PassThreshold
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.CaseTimeout <= 0 {
		cfg.CaseTimeout = def.CaseTimeout
	}
	if cfg.MaxDocuments <= 0 {
		cfg.MaxDocuments = def.MaxDocuments
	}
	e := &Evaluator{
		llm:    c,
		grader: g,
		critic: critic,
		cfg:    cfg,
		logger: slog.Default(),
		tokens: text.NewTokenizer(true, 1),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the effective configuration.
func (e *Evaluator) Config() Config { return e.cfg }

// EvaluateCase runs tc through pipeline and scores the output. The pipeline
// call and the scoring share one CaseTimeout budget.
func (e *Evaluator) EvaluateCase(ctx context.Context, tc TestCase, pipeline Pipeline) (api.EvalResult, error) {
	if err := tc.Validate(); err != nil {
		return api.EvalResult{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CaseTimeout)
	defer cancel()

	start := e.now()
	out, err := pipeline(ctx, tc.Query)
	if err != nil {
		return api.EvalResult{}, fmt.Errorf("case %q: pipeline: %w", tc.ID, err)
	}
	elapsed := e.now().Sub(start)

	result := e.score(ctx, tc, out.Answer, out.Documents)
	if err := ctx.Err(); err != nil {
		return api.EvalResult{}, fmt.Errorf("case %q: %w", tc.ID, err)
	}
	result.ProcessingTime = elapsed
	return result, nil
}

// EvaluateAnswer scores an answer that was produced elsewhere.
func (e *Evaluator) EvaluateAnswer(ctx context.Context, tc TestCase, answer string, docs []api.ScoredDocument) (api.EvalResult, error) {
	if err := tc.Validate(); err != nil {
		return api.EvalResult{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CaseTimeout)
	defer cancel()

	result := e.score(ctx, tc, answer, docs)
	if err := ctx.Err(); err != nil {
		return api.EvalResult{}, fmt.Errorf("case %q: %w", tc.ID, err)
	}
	return result, nil
}

// score computes the five metrics concurrently.
func (e *Evaluator) score(ctx context.Context, tc TestCase, answer string, docs []api.ScoredDocument) api.EvalResult {
	ctx, span := tracing.StartSpan(ctx, tracerName, "eval.score_case")
	defer span.End()

	var m api.EvalMetrics
	var g errgroup.Group
	g.Go(func() error { m.Faithfulness = e.Faithfulness(ctx, answer, docs); return nil })
	g.Go(func() error { m.AnswerRelevance = e.AnswerRelevance(ctx, tc.Query, answer); return nil })
	g.Go(func() error { m.ContextPrecision = e.ContextPrecision(ctx, tc.Query, docs); return nil })
	g.Go(func() error { m.ContextRecall = e.ContextRecall(ctx, tc, answer, docs); return nil })
	g.Go(func() error { m.HallucinationRate = e.HallucinationRate(ctx, answer, docs); return nil })
	_ = g.Wait()

	result := api.EvalResult{
		CaseID:        tc.ID,
		Query:         tc.Query,
		Metrics:       m,
		OverallScore:  Composite(m, e.cfg.Weights),
		Answer:        answer,
		DocumentsUsed: len(docs),
		Timestamp:     e.now(),
	}
	if e.scorer != nil {
		if cs, err := e.scorer.QuickScore(tc.Query, answer, docs); err == nil {
			result.Confidence = &cs
		}
	}
	span.SetAttributes(tracing.EvalAttributes("", tc.ID, result.OverallScore)...)
	return result
}

// FailedResult is the zero-score result recorded for a case that errored.
// Its hallucination rate is 1 so that the composite is 0.
func FailedResult(tc TestCase, err error, now time.Time) api.EvalResult {
	zero := api.MetricScore{Score: 0, Details: "case failed"}
	return api.EvalResult{
		CaseID: tc.ID,
		Query:  tc.Query,
		Metrics: api.EvalMetrics{
			Faithfulness:      zero,
			AnswerRelevance:   zero,
			ContextPrecision:  zero,
			ContextRecall:     zero,
			HallucinationRate: api.MetricScore{Score: 1, Details: "case failed"},
		},
		OverallScore: 0,
		Error:        err.Error(),
		Timestamp:    now,
	}
}

// Run evaluates cases in windows of Concurrency. A failing case yields a
// FailedResult, so the run has one result per case in input order.
// Cancelling ctx aborts the run.
func (e *Evaluator) Run(ctx context.Context, name string, cases []TestCase, pipeline Pipeline) (api.EvalRunResult, error) {
	if len(cases) == 0 {
		return api.EvalRunResult{}, ErrNoTestCases
	}
	runID := uuid.NewString()
	ctx, span := tracing.StartSpan(ctx, tracerName, "eval.run", tracing.EvalAttributes(runID, "", 0)...)
	defer span.End()

	started := e.now()
	results := make([]api.EvalResult, len(cases))

	for lo := 0; lo < len(cases); lo += e.cfg.Concurrency {
		if err := ctx.Err(); err != nil {
			tracing.RecordError(span, err, "evaluation run cancelled")
			return api.EvalRunResult{}, fmt.Errorf("eval run %s: %w", runID, err)
		}
		hi := min(lo+e.cfg.Concurrency, len(cases))

		var g errgroup.Group
		for i := lo; i < hi; i++ {
			g.Go(func() error {
				results[i] = e.runCase(ctx, cases[i], pipeline)
				return nil
			})
		}
		_ = g.Wait()

		for i := lo; i < hi; i++ {
			e.observe(results[i])
		}
		e.logger.Info("evaluation window complete", "run_id", runID, "done", hi, "total", len(cases))
	}
	if err := ctx.Err(); err != nil {
		tracing.RecordError(span, err, "evaluation run cancelled")
		return api.EvalRunResult{}, fmt.Errorf("eval run %s: %w", runID, err)
	}

	run := Aggregate(results, e.cfg.PassThreshold)
	run.RunID = runID
	run.Name = name
	run.StartedAt = started
	run.Duration = e.now().Sub(started)
	span.SetAttributes(tracing.AttrEvalScore.Float64(run.AvgOverallScore))
	return run, nil
}

func (e *Evaluator) runCase(ctx context.Context, tc TestCase, pipeline Pipeline) api.EvalResult {
	result, err := e.EvaluateCase(ctx, tc, pipeline)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			e.logger.Warn("test case failed", "case_id", tc.ID, "error", err)
		}
		return FailedResult(tc, err, e.now())
	}
	return result
}

func (e *Evaluator) observe(r api.EvalResult) {
	outcome := "passed"
	switch {
	case r.Error != "":
		outcome = "errored"
	case r.OverallScore < e.cfg.PassThreshold:
		outcome = "failed"
	}
	e.metrics.EvalCase(outcome, r.OverallScore)

	if e.recorder != nil {
		if err := e.recorder.Record(r); err != nil {
			e.logger.Error("failed to record evaluation result", "case_id", r.CaseID, "error", err)
		}
	}
}

// Aggregate summarises results. Percentiles use sort-and-index without
// interpolation. Errored cases count as failed.
func Aggregate(results []api.EvalResult, passThreshold float64) api.EvalRunResult {
	run := api.EvalRunResult{
		TotalCases:    len(results),
		PassThreshold: passThreshold,
		Results:       results,
	}
	if len(results) == 0 {
		run.Results = []api.EvalResult{}
		return run
	}

	var faith, rel, prec, rec, hall, overall []float64
	for _, r := range results {
		faith = append(faith, r.Metrics.Faithfulness.Score)
		rel = append(rel, r.Metrics.AnswerRelevance.Score)
		prec = append(prec, r.Metrics.ContextPrecision.Score)
		rec = append(rec, r.Metrics.ContextRecall.Score)
		hall = append(hall, r.Metrics.HallucinationRate.Score)
		overall = append(overall, r.OverallScore)

		if r.OverallScore >= passThreshold {
			run.PassedCases++
		}
		if r.Error != "" {
			run.ErroredCases++
		}
	}
	run.FailedCases = run.TotalCases - run.PassedCases

	run.Averages = api.MetricAverages{
		Faithfulness:      mean(faith),
		AnswerRelevance:   mean(rel),
		ContextPrecision:  mean(prec),
		ContextRecall:     mean(rec),
		HallucinationRate: mean(hall),
	}
	run.AvgOverallScore = mean(overall)
	run.P50OverallScore = percentile(overall, 0.50)
	run.P95OverallScore = percentile(overall, 0.95)
	run.MinOverallScore = minimum(overall)
	return run
}

// Filter returns the cases carrying tag. An empty tag returns all cases.
func Filter(cases []TestCase, tag string) []TestCase {
	if tag == "" {
		return cases
	}
	var out []TestCase
	for _, tc := range cases {
		for _, t := range tc.Tags {
			if strings.EqualFold(t, tag) {
				out = append(out, tc)
				break
			}
		}
	}
	return out
}
