// Package confidence computes a five-dimension trust signal for a
// (query, answer, documents) triple. The fast path is fully heuristic; the
// deep path asks an LLM for the generation, attribution and factual
// dimensions and falls back to the heuristics when that fails.
package confidence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/fractal-lba/ragguard/internal/api"
	"github.com/fractal-lba/ragguard/internal/critique"
	"github.com/fractal-lba/ragguard/internal/llm"
	"github.com/fractal-lba/ragguard/internal/metrics"
)

// ErrEmptyAnswer is returned when there is no answer to score.
var ErrEmptyAnswer = errors.New("confidence: answer is empty")

// Weights of the five dimensions. They must sum to 1.
type Weights struct {
	Retrieval   float64 `yaml:"retrieval" json:"retrieval"`
	Generation  float64 `yaml:"generation" json:"generation"`
	Attribution float64 `yaml:"attribution" json:"attribution"`
	Factual     float64 `yaml:"factual" json:"factual"`
	Temporal    float64 `yaml:"temporal" json:"temporal"`
}

// DefaultWeights returns the standard dimension weights.
func DefaultWeights() Weights {
	return Weights{
		Retrieval:   0.25,
		Generation:  0.20,
		Attribution: 0.25,
		Factual:     0.15,
		Temporal:    0.15,
	}
}

// Sum returns the total weight.
func (w Weights) Sum() float64 {
	return w.Retrieval + w.Generation + w.Attribution + w.Factual + w.Temporal
}

// Validate checks that weights are non-negative and sum to 1.
func (w Weights) Validate() error {
	for _, v := range []float64{w.Retrieval, w.Generation, w.Attribution, w.Factual, w.Temporal} {
		if v < 0 {
			return fmt.Errorf("confidence weights must be non-negative: %+v", w)
		}
	}
	if math.Abs(w.Sum()-1) > 1e-6 {
		return fmt.Errorf("confidence weights sum to %.4f, want 1", w.Sum())
	}
	return nil
}

// Combine returns Σ dimension·weight, clamped to [0, 1].
func (w Weights) Combine(d api.ConfidenceDimensions) float64 {
	return api.Clamp01(d.Retrieval*w.Retrieval +
		d.Generation*w.Generation +
		d.Attribution*w.Attribution +
		d.Factual*w.Factual +
		d.Temporal*w.Temporal)
}

// Scorer computes confidence scores.
type Scorer struct {
	llm     llm.Completer
	weights Weights
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a Scorer.
type Option func(*Scorer)

// WithWeights overrides the dimension weights. Invalid weights are ignored.
func WithWeights(w Weights) Option {
	return func(s *Scorer) {
		if w.Validate() == nil {
			s.weights = w
		}
	}
}

// WithClock sets the time source used for document freshness.
func WithClock(now func() time.Time) Option {
	return func(s *Scorer) { s.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Scorer) { s.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scorer) { s.metrics = m }
}

// New creates a Scorer. c may be nil, in which case deep analysis always
// uses the heuristics.
func New(c llm.Completer, opts ...Option) *Scorer {
	s := &Scorer{
		llm:     c,
		weights: DefaultWeights(),
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Weights returns the weights in use.
func (s *Scorer) Weights() Weights { return s.weights }

// QuickScore scores with heuristics only.
func (s *Scorer) QuickScore(query, answer string, docs []api.ScoredDocument) (api.ConfidenceScore, error) {
	if strings.TrimSpace(answer) == "" {
		return api.ConfidenceScore{}, ErrEmptyAnswer
	}
	return s.build(s.heuristicDimensions(answer, docs), docs, ""), nil
}

// Score scores answer. With deep set, generation, attribution and factual
// come from an LLM judgment when one is available.
func (s *Scorer) Score(ctx context.Context, query, answer string, docs []api.ScoredDocument, deep bool) (api.ConfidenceScore, error) {
	if strings.TrimSpace(answer) == "" {
		return api.ConfidenceScore{}, ErrEmptyAnswer
	}
	dims := s.heuristicDimensions(answer, docs)
	if !deep || s.llm == nil {
		return s.build(dims, docs, ""), nil
	}

	judged, reasoning, ok := s.deepDimensions(ctx, query, answer, docs)
	if ok {
		dims.Generation = judged.Generation
		dims.Attribution = judged.Attribution
		dims.Factual = judged.Factual
	}
	return s.build(dims, docs, reasoning), nil
}

// ScoreResult scores the output of the self-reflective loop against the
// sources it answered from.
func (s *Scorer) ScoreResult(ctx context.Context, query string, r api.SelfRAGResult, deep bool) (api.ConfidenceScore, error) {
	return s.Score(ctx, query, r.Answer, r.Sources, deep)
}

func (s *Scorer) heuristicDimensions(answer string, docs []api.ScoredDocument) api.ConfidenceDimensions {
	now := s.now()
	return api.ConfidenceDimensions{
		Retrieval:   RetrievalScore(docs),
		Generation:  GenerationScore(answer),
		Attribution: AttributionScore(answer, docs),
		Factual:     FactualScore(docs, now),
		Temporal:    TemporalScore(docs, now),
	}
}

var deepSchema = llm.MustCompileSchema("confidence_analysis", `{
	"type": "object",
	"required": ["generation", "attribution", "factual"],
	"properties": {
		"generation": {"type": "number", "minimum": 0, "maximum": 1},
		"attribution": {"type": "number", "minimum": 0, "maximum": 1},
		"factual": {"type": "number", "minimum": 0, "maximum": 1},
		"reasoning": {"type": "string"}
	}
}`)

type deepReply struct {
	Generation  float64 `json:"generation"`
	Attribution float64 `json:"attribution"`
	Factual     float64 `json:"factual"`
	Reasoning   string  `json:"reasoning"`
}

const deepPrompt = `Assess how much an answer can be trusted given its sources.

Question: %s

Sources:
%s

Answer:
%s

Rate from 0.0 to 1.0:
- generation: is the answer specific, coherent and free of hedging?
- attribution: are its statements traceable to the sources?
- factual: are the facts consistent across sources and plausible?

Reply with JSON: {"generation": n, "attribution": n, "factual": n, "reasoning": "<two sentences>"}`

func (s *Scorer) deepDimensions(ctx context.Context, query, answer string, docs []api.ScoredDocument) (deepReply, string, bool) {
	prompt := fmt.Sprintf(deepPrompt, query, critique.FormatContext(docs, 1000), answer)
	res := llm.CompleteJSON[deepReply](ctx, s.llm, prompt, llm.Options{
		Task:        llm.TaskConfidence,
		Temperature: 0,
		MaxTokens:   400,
	}, deepSchema)
	if !res.OK() {
		if res.IsParseError() {
			s.metrics.ParseError(llm.TaskConfidence)
		}
		s.metrics.Degraded(llm.TaskConfidence)
		s.logger.Warn("deep confidence analysis degraded, using heuristics", "error", res.Err)
		return deepReply{}, "", false
	}
	return res.Value, strings.TrimSpace(res.Value.Reasoning), true
}

func (s *Scorer) build(dims api.ConfidenceDimensions, docs []api.ScoredDocument, reasoning string) api.ConfidenceScore {
	overall := s.weights.Combine(dims)
	level := Level(overall, dims)
	s.metrics.ConfidenceLevel(string(level))

	explanation := Explain(overall, level, dims)
	if reasoning != "" {
		explanation += " " + reasoning
	}
	return api.ConfidenceScore{
		Overall:     overall,
		Dimensions:  dims,
		Level:       level,
		Explanation: explanation,
		Warnings:    Warnings(dims, len(docs)),
	}
}

// Level maps an overall score to a confidence level. High additionally
// requires every dimension to be at least 0.3.
func Level(overall float64, dims api.ConfidenceDimensions) api.ConfidenceLevel {
	switch {
	case overall >= 0.8 && dims.Min() >= 0.3:
		return api.LevelHigh
	case overall >= 0.6:
		return api.LevelMedium
	case overall >= 0.4:
		return api.LevelLow
	default:
		return api.LevelUncertain
	}
}
