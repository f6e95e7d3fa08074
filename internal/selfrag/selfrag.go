// Package selfrag drives the self-reflective answer loop: retrieve, grade,
// optionally refine, generate with citations, critique, check for
// hallucinations, and iterate until an answer is confident enough or the
// iteration budget is spent.
package selfrag

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fractal-lba/ragguard/internal/api"
	"github.com/fractal-lba/ragguard/internal/critique"
	"github.com/fractal-lba/ragguard/internal/grader"
	"github.com/fractal-lba/ragguard/internal/metrics"
	tracing "github.com/fractal-lba/ragguard/pkg/otel"
)

const tracerName = "ragguard/selfrag"

// State names a step of the loop. States appear in logs and span attributes.
type State string

const (
	StateRetrieve  State = "retrieve"
	StateGrade     State = "grade"
	StateRefine    State = "refine"
	StateGenerate  State = "generate"
	StateCritique  State = "critique"
	StateVerify    State = "verify"
	StateAccept    State = "accept"
	StateIterate   State = "iterate"
	StateExhausted State = "exhausted"
)

// RetrieveFunc returns candidate documents for query.
type RetrieveFunc func(ctx context.Context, query string) ([]api.ScoredDocument, error)

// Options bound the loop.
type Options struct {
	MaxIterations int
	MinConfidence float64
}

// DefaultOptions returns the standard loop budget.
func DefaultOptions() Options {
	return Options{MaxIterations: 3, MinConfidence: 0.6}
}

// Orchestrator runs the loop. It is safe for concurrent use.
type Orchestrator struct {
	grader  *grader.Grader
	critic  *critique.Critic
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics
	kpi     *metrics.AnswerKPITracker
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithKPI records every answer and retrieval decision on t.
func WithKPI(t *metrics.AnswerKPITracker) Option {
	return func(o *Orchestrator) { o.kpi = t }
}

// New creates an Orchestrator. Zero option fields take their defaults.
func New(g *grader.Grader, c *critique.Critic, opts Options, options ...Option) *Orchestrator {
	def := DefaultOptions()
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = def.MaxIterations
	}
	if opts.MinConfidence <= 0 {
		opts.MinConfidence = def.MinConfidence
	}
	o := &Orchestrator{
		grader: g,
		critic: c,
		opts:   opts,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(o)
	}
	return o
}

// Options returns the effective loop budget.
func (o *Orchestrator) Options() Options { return o.opts }

// Confidence combines retrieval quality, critique support and hallucination
// score into the loop's acceptance signal.
func Confidence(avgGrade, supportScore, hallucinationScore float64) float64 {
	return 0.3*avgGrade + 0.4*supportScore + 0.3*(1-hallucinationScore)
}

// FailedAnswer is the answer text of FailedResult.
const FailedAnswer = "I could not find reliable information to answer this question."

// FailedResult is returned when no iteration produced an answer.
func FailedResult(maxIterations int, warnings []string) api.SelfRAGResult {
	if warnings == nil {
		warnings = []string{}
	}
	return api.SelfRAGResult{
		Answer:     FailedAnswer,
		IsReliable: false,
		Confidence: 0,
		Sources:    []api.ScoredDocument{},
		Metadata: api.SelfRAGMetadata{
			Iterations: maxIterations,
			Citations:  []api.Citation{},
			Warnings:   warnings,
		},
	}
}

// Run answers query using retrieve. It returns the first answer whose
// confidence reaches MinConfidence without hallucinations, otherwise the
// most confident answer seen, otherwise FailedResult. The only error is
// cancellation of ctx.
func (o *Orchestrator) Run(ctx context.Context, query string, retrieve RetrieveFunc) (api.SelfRAGResult, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "selfrag.run")
	defer span.End()

	var (
		best         *api.SelfRAGResult
		bestDegraded bool
		warnings     []string
		current      = query
	)
	warn := func(iter int, state State, msg string, args ...any) {
		w := fmt.Sprintf(msg, args...)
		warnings = append(warnings, w)
		o.logger.Warn(w, "iteration", iter, "state", string(state))
	}

	for iter := 1; iter <= o.opts.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			tracing.RecordError(span, err, "cancelled")
			return api.SelfRAGResult{}, err
		}
		tracing.AddEvent(span, string(StateRetrieve), tracing.IterationAttributes(iter, string(StateRetrieve), 0)...)

		docs, err := retrieve(ctx, current)
		if err != nil {
			if ctx.Err() != nil {
				return api.SelfRAGResult{}, ctx.Err()
			}
			warn(iter, StateRetrieve, "retrieval failed on iteration %d: %v", iter, err)
			continue
		}
		if len(docs) == 0 {
			warn(iter, StateRetrieve, "no documents retrieved on iteration %d", iter)
			continue
		}

		batch, err := o.grader.GradeDocuments(ctx, current, docs)
		if err != nil {
			return api.SelfRAGResult{}, err
		}
		action := grader.DecideAction(batch.AvgScore, len(batch.Relevant))
		o.kpi.RecordRetrieval(action == api.ActionWebSearch)
		if action == api.ActionWebSearch {
			warn(iter, StateGrade, "retrieved evidence is weak (avg grade %.2f); web search recommended", batch.AvgScore)
		}

		if batch.NeedsMoreRetrieval && iter < o.opts.MaxIterations {
			refined, err := o.grader.RefineQuery(ctx, current, batch.Irrelevant)
			if err != nil {
				o.metrics.Degraded("refine")
				o.logger.Warn("query refinement failed", "iteration", iter, "error", err)
			} else {
				o.logger.Debug("query refined", "iteration", iter, "from", current, "to", refined)
				current = refined
			}
			continue
		}

		sources := batch.Relevant
		if len(sources) == 0 {
			sources = make([]api.ScoredDocument, len(batch.Graded))
			for i, gd := range batch.Graded {
				sources[i] = gd.Document.WithScore(gd.Grade.Score)
			}
			warn(iter, StateGenerate, "no document passed relevance grading; answering from all retrieved documents")
		}

		answer, err := o.critic.Generate(ctx, query, sources)
		if err != nil {
			if ctx.Err() != nil {
				return api.SelfRAGResult{}, ctx.Err()
			}
			warn(iter, StateGenerate, "generation failed on iteration %d: %v", iter, err)
			continue
		}

		gen, critiqueDegraded := o.critic.Critique(ctx, query, answer, sources)
		check, checkDegraded := o.critic.DetectHallucinations(ctx, answer, sources)
		confidence := Confidence(batch.AvgScore, gen.SupportScore, check.Score)

		result := api.SelfRAGResult{
			Answer:     answer,
			IsReliable: confidence >= o.opts.MinConfidence && !check.HasHallucinations,
			Confidence: confidence,
			Sources:    sources,
			Metadata: api.SelfRAGMetadata{
				RetrievalQuality:   batch.AvgScore,
				AnswerSupport:      gen.SupportScore,
				HallucinationScore: check.Score,
				Iterations:         iter,
				Citations:          gen.Citations,
				Warnings:           resultWarnings(warnings, gen, check),
			},
		}
		tracing.AddEvent(span, string(StateVerify), tracing.IterationAttributes(iter, string(StateVerify), confidence)...)

		if best == nil || result.Confidence > best.Confidence {
			r := result
			best = &r
			bestDegraded = critiqueDegraded || checkDegraded
		}
		if result.IsReliable {
			o.finish(StateAccept, result, critiqueDegraded || checkDegraded)
			return result, nil
		}
		o.logger.Info("answer below confidence target", "iteration", iter,
			"confidence", confidence, "hallucinations", check.HasHallucinations)
	}

	if best != nil {
		o.finish(StateIterate, *best, bestDegraded)
		return *best, nil
	}
	failed := FailedResult(o.opts.MaxIterations, warnings)
	o.finish(StateExhausted, failed, false)
	return failed, nil
}

func (o *Orchestrator) finish(state State, r api.SelfRAGResult, degraded bool) {
	outcome := map[State]string{
		StateAccept:    "accepted",
		StateIterate:   "best_effort",
		StateExhausted: "exhausted",
	}[state]
	o.metrics.SelfRAG(outcome, r.Metadata.Iterations)
	o.kpi.RecordAnswer(r.IsReliable, r.Confidence, degraded)
}

func resultWarnings(run []string, gen api.GenerationResult, check api.HallucinationCheck) []string {
	out := append([]string{}, run...)
	if n := len(gen.UnsupportedClaims); n > 0 {
		out = append(out, fmt.Sprintf("%d claim(s) not supported by sources", n))
	}
	if check.HasHallucinations {
		out = append(out, fmt.Sprintf("answer may contain ungrounded statements (score %.2f)", check.Score))
	}
	return out
}
