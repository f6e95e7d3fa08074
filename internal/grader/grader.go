// Package grader implements corrective retrieval: it grades each retrieved
// document's relevance to a query with an LLM judgment, caches the verdicts,
// and decides whether to use the evidence, refine the query, or escalate to
// web search.
package grader

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fractal-lba/ragguard/internal/api"
	"github.com/fractal-lba/ragguard/internal/cache"
	"github.com/fractal-lba/ragguard/internal/llm"
	"github.com/fractal-lba/ragguard/internal/metrics"
	tracing "github.com/fractal-lba/ragguard/pkg/otel"
)

const tracerName = "ragguard/grader"

// Config holds grading parameters.
type Config struct {
	Threshold    float64       // minimum grade score for a relevant document
	MaxDocuments int           // documents graded per batch; the rest are ignored
	CacheTTL     time.Duration // lifetime of cached grades
	MaxContent   int           // document characters sent to the judge
}

// DefaultConfig returns the standard grading parameters.
func DefaultConfig() Config {
	return Config{
		Threshold:    0.5,
		MaxDocuments: 10,
		CacheTTL:     time.Hour,
		MaxContent:   2000,
	}
}

// Grader grades retrieved documents against a query.
type Grader struct {
	llm     llm.Completer
	cache   cache.Store
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a Grader.
type Option func(*Grader)

// WithLogger sets the logger used for degraded-path warnings.
func WithLogger(l *slog.Logger) Option {
	return func(g *Grader) { g.logger = l }
}

// WithMetrics records cache, fallback and action metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Grader) { g.metrics = m }
}

// New creates a Grader. store may be nil to disable caching.
func New(c llm.Completer, store cache.Store, cfg Config, opts ...Option) *Grader {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.MaxDocuments <= 0 {
		cfg.MaxDocuments = def.MaxDocuments
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if cfg.MaxContent <= 0 {
		cfg.MaxContent = def.MaxContent
	}
	g := &Grader{
		llm:    c,
		cache:  store,
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Config returns the effective configuration.
func (g *Grader) Config() Config { return g.cfg }

// DegradedGrade is served when the relevance judge is unavailable or its
// reply cannot be parsed. Grading never blocks the pipeline, so the document
// is kept with a neutral score.
func DegradedGrade() api.RetrievalGrade {
	return api.RetrievalGrade{IsRelevant: true, Score: 0.5, Reason: "relevance grading unavailable"}
}

var gradeSchema = llm.MustCompileSchema("relevance_grade", `{
	"type": "object",
	"required": ["relevant", "score"],
	"properties": {
		"relevant": {"type": "boolean"},
		"score": {"type": "number", "minimum": 0, "maximum": 1},
		"reason": {"type": "string"}
	}
}`)

type gradeReply struct {
	Relevant bool    `json:"relevant"`
	Score    float64 `json:"score"`
	Reason   string  `json:"reason"`
}

const gradePrompt = `You are grading whether a retrieved document helps answer a user question.

Question: %s

Document title: %s
Document content:
%s

Reply with JSON: {"relevant": true|false, "score": <0.0-1.0 relevance>, "reason": "<one sentence>"}`

// GradeDocument grades one document. Verdicts are cached per
// (query, document id); judge failures yield DegradedGrade, which is not cached.
func (g *Grader) GradeDocument(ctx context.Context, query string, doc api.ScoredDocument) api.RetrievalGrade {
	key := cache.Key(query, doc.ID)

	if g.cache != nil {
		cached, err := g.cache.Get(ctx, key)
		if err != nil {
			g.logger.Warn("grade cache read failed", "doc_id", doc.ID, "error", err)
		} else if cached != nil {
			g.metrics.GradeCache(true)
			return *cached
		}
		g.metrics.GradeCache(false)
	}

	prompt := fmt.Sprintf(gradePrompt, query, doc.Title, truncate(doc.Content, g.cfg.MaxContent))
	res := llm.CompleteJSON[gradeReply](ctx, g.llm, prompt, llm.Options{
		Task:        llm.TaskGrade,
		Temperature: 0,
		MaxTokens:   200,
	}, gradeSchema)
	if !res.OK() {
		if res.IsParseError() {
			g.metrics.ParseError(llm.TaskGrade)
		}
		g.metrics.Degraded("grade")
		g.logger.Warn("relevance grading degraded", "doc_id", doc.ID, "error", res.Err)
		return DegradedGrade()
	}

	grade := api.RetrievalGrade{
		IsRelevant: res.Value.Relevant,
		Score:      res.Value.Score,
		Reason:     res.Value.Reason,
	}
	if g.cache != nil {
		if err := g.cache.Set(ctx, key, &grade, g.cfg.CacheTTL); err != nil {
			g.logger.Warn("grade cache write failed", "doc_id", doc.ID, "error", err)
		}
	}
	return grade
}

// GradedDocument pairs a document with its verdict.
type GradedDocument struct {
	Document api.ScoredDocument `json:"document"`
	Grade    api.RetrievalGrade `json:"grade"`
}

// BatchGrade is the verdict on a batch of documents. Relevant and
// Irrelevant hold copies of the documents carrying their graded score;
// Graded preserves input order.
type BatchGrade struct {
	Relevant           []api.ScoredDocument `json:"relevant"`
	Irrelevant         []api.ScoredDocument `json:"irrelevant"`
	Graded             []GradedDocument     `json:"graded"`
	AvgScore           float64              `json:"avg_score"`
	NeedsMoreRetrieval bool                 `json:"needs_more_retrieval"`
}

// GradeDocuments grades at most MaxDocuments documents concurrently and
// partitions them. AvgScore is taken over every graded document. The only
// error is cancellation of ctx.
func (g *Grader) GradeDocuments(ctx context.Context, query string, docs []api.ScoredDocument) (BatchGrade, error) {
	if len(docs) > g.cfg.MaxDocuments {
		docs = docs[:g.cfg.MaxDocuments]
	}

	ctx, span := tracing.StartSpan(ctx, tracerName, "grader.grade_documents")
	defer span.End()

	grades := make([]api.RetrievalGrade, len(docs))
	eg, egCtx := errgroup.WithContext(ctx)
	for i, doc := range docs {
		eg.Go(func() error {
			grades[i] = g.GradeDocument(egCtx, query, doc)
			return nil
		})
	}
	_ = eg.Wait()
	if err := ctx.Err(); err != nil {
		tracing.RecordError(span, err, "grading cancelled")
		return BatchGrade{}, err
	}

	batch := Partition(docs, grades, g.cfg.Threshold)
	span.SetAttributes(tracing.GradeAttributes(len(docs), len(batch.Relevant), batch.AvgScore, "")...)
	return batch, nil
}

// Partition splits graded documents at threshold. grades[i] is the verdict
// on docs[i].
func Partition(docs []api.ScoredDocument, grades []api.RetrievalGrade, threshold float64) BatchGrade {
	batch := BatchGrade{
		Relevant:   []api.ScoredDocument{},
		Irrelevant: []api.ScoredDocument{},
		Graded:     make([]GradedDocument, len(docs)),
	}

	total := 0.0
	for i, doc := range docs {
		grade := grades[i]
		batch.Graded[i] = GradedDocument{Document: doc, Grade: grade}
		total += grade.Score

		regraded := doc.WithScore(grade.Score)
		if grade.IsRelevant && grade.Score >= threshold {
			batch.Relevant = append(batch.Relevant, regraded)
		} else {
			batch.Irrelevant = append(batch.Irrelevant, regraded)
		}
	}

	if len(docs) > 0 {
		batch.AvgScore = total / float64(len(docs))
	}
	batch.NeedsMoreRetrieval = len(batch.Relevant) < 2 || batch.AvgScore < 0.4
	return batch
}

// DecideAction chooses the corrective step for a graded batch.
func DecideAction(avgScore float64, relevant int) api.RetrievalAction {
	switch {
	case avgScore >= 0.7 && relevant >= 3:
		return api.ActionUse
	case avgScore >= 0.4 || relevant >= 1:
		return api.ActionRefine
	default:
		return api.ActionWebSearch
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func clean(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "\"'`")
	return strings.TrimSpace(s)
}
