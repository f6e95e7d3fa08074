package eval

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"

	"github.com/fractal-lba/ragguard/internal/api"
	"github.com/fractal-lba/ragguard/internal/critique"
	"github.com/fractal-lba/ragguard/internal/llm"
)

var faithfulnessSchema = llm.MustCompileSchema("faithfulness", `{
	"type": "object",
	"required": ["supported_claims", "total_claims"],
	"properties": {
		"claims": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["claim", "verdict"],
				"properties": {
					"claim": {"type": "string"},
					"verdict": {"enum": ["SUPPORTED", "PARTIALLY_SUPPORTED", "NOT_SUPPORTED"]}
				}
			}
		},
		"supported_claims": {"type": "integer", "minimum": 0},
		"total_claims": {"type": "integer", "minimum": 0}
	}
}`)

type claimVerdict struct {
	Claim   string `json:"claim"`
	Verdict string `json:"verdict"`
}

type faithfulnessReply struct {
	Claims          []claimVerdict `json:"claims"`
	SupportedClaims int            `json:"supported_claims"`
	TotalClaims     int            `json:"total_claims"`
}

const faithfulnessPrompt = `Break the answer into atomic factual claims and check each against the context.

Context:
%s

Answer:
%s

For each claim give a verdict: SUPPORTED, PARTIALLY_SUPPORTED or NOT_SUPPORTED.
Reply with JSON: {"claims": [{"claim": "...", "verdict": "..."}], "supported_claims": n, "total_claims": n}`

// Faithfulness is the share of answer claims supported by the documents.
func (e *Evaluator) Faithfulness(ctx context.Context, answer string, docs []api.ScoredDocument) api.MetricScore {
	if strings.TrimSpace(answer) == "" || len(docs) == 0 {
		return api.MetricScore{Score: 0, Details: "nothing to check: empty answer or no documents"}
	}
	docs = docs[:min(e.cfg.MaxDocuments, len(docs))]

	prompt := fmt.Sprintf(faithfulnessPrompt, critique.FormatContext(docs, 1500), answer)
	res := llm.CompleteJSON[faithfulnessReply](ctx, e.llm, prompt, llm.Options{
		Task:        llm.TaskFaithfulness,
		Temperature: 0,
		MaxTokens:   800,
	}, faithfulnessSchema)
	if !res.OK() {
		return e.failedMetric(llm.TaskFaithfulness, res.IsParseError(), res.Err)
	}

	r := res.Value
	if r.TotalClaims == 0 {
		return api.MetricScore{Score: 0, Details: "no claims extracted"}
	}
	return api.MetricScore{
		Score:   api.Clamp01(float64(r.SupportedClaims) / float64(r.TotalClaims)),
		Details: fmt.Sprintf("%d of %d claims supported", r.SupportedClaims, r.TotalClaims),
		Metadata: map[string]any{
			"claims":           r.Claims,
			"supported_claims": r.SupportedClaims,
			"total_claims":     r.TotalClaims,
		},
	}
}

var relevanceSchema = llm.MustCompileSchema("answer_relevance", `{
	"type": "object",
	"required": ["relevance"],
	"properties": {
		"topicality": {"type": "number", "minimum": 0, "maximum": 1},
		"completeness": {"type": "number", "minimum": 0, "maximum": 1},
		"conciseness": {"type": "number", "minimum": 0, "maximum": 1},
		"relevance": {"type": "number", "minimum": 0, "maximum": 1},
		"reasoning": {"type": "string"}
	}
}`)

type relevanceReply struct {
	Topicality   float64 `json:"topicality"`
	Completeness float64 `json:"completeness"`
	Conciseness  float64 `json:"conciseness"`
	Relevance    float64 `json:"relevance"`
	Reasoning    string  `json:"reasoning"`
}

const relevancePrompt = `Rate how well the answer addresses the question.

Question: %s

Answer:
%s

Score from 0.0 to 1.0:
- topicality: does it stay on the question?
- completeness: does it answer every part of it?
- conciseness: is it free of padding?
- relevance: overall fit.
Reply with JSON: {"topicality": n, "completeness": n, "conciseness": n, "relevance": n, "reasoning": "..."}`

// AnswerRelevance rates how well the answer addresses the query. The
// metadata carries the judge's sub-scores and a lexical overlap.
func (e *Evaluator) AnswerRelevance(ctx context.Context, query, answer string) api.MetricScore {
	if strings.TrimSpace(answer) == "" {
		return api.MetricScore{Score: 0, Details: "empty answer"}
	}
	res := llm.CompleteJSON[relevanceReply](ctx, e.llm, fmt.Sprintf(relevancePrompt, query, answer), llm.Options{
		Task:        llm.TaskRelevance,
		Temperature: 0,
		MaxTokens:   300,
	}, relevanceSchema)
	if !res.OK() {
		return e.failedMetric(llm.TaskRelevance, res.IsParseError(), res.Err)
	}
	r := res.Value
	return api.MetricScore{
		Score:   r.Relevance,
		Details: strings.TrimSpace(r.Reasoning),
		Metadata: map[string]any{
			"topicality":   r.Topicality,
			"completeness": r.Completeness,
			"conciseness":  r.Conciseness,
			// content-word Jaccard between query and answer, for spotting
			// judge scores that disagree with the text
			"lexical_overlap": e.tokens.Overlap(query, answer),
		},
	}
}

// ContextPrecision is the share of retrieved documents the grader finds
// relevant. If grading fails, documents with a retrieval score of at least
// 0.5 count as relevant.
func (e *Evaluator) ContextPrecision(ctx context.Context, query string, docs []api.ScoredDocument) api.MetricScore {
	if len(docs) == 0 {
		return api.MetricScore{Score: 0, Details: "no documents retrieved"}
	}

	batch, err := e.grader.GradeDocuments(ctx, query, docs)
	if err != nil {
		e.metrics.Degraded("context_precision")
		e.logger.Warn("context precision grading failed, using retrieval scores", "error", err)
		var relevant int
		for _, d := range docs {
			if d.Score >= 0.5 {
				relevant++
			}
		}
		return api.MetricScore{
			Score:    float64(relevant) / float64(len(docs)),
			Details:  fmt.Sprintf("%d of %d documents scored >= 0.5 at retrieval", relevant, len(docs)),
			Metadata: map[string]any{"fallback": true},
		}
	}

	return api.MetricScore{
		Score:   float64(len(batch.Relevant)) / float64(len(docs)),
		Details: fmt.Sprintf("%d of %d documents relevant", len(batch.Relevant), len(docs)),
		Metadata: map[string]any{
			"avg_grade": batch.AvgScore,
		},
	}
}

var recallSchema = llm.MustCompileSchema("context_recall", `{
	"type": "object",
	"required": ["recall"],
	"properties": {
		"recall": {"type": "number", "minimum": 0, "maximum": 1},
		"reasoning": {"type": "string"}
	}
}`)

type recallReply struct {
	Recall    float64 `json:"recall"`
	Reasoning string  `json:"reasoning"`
}

const recallPrompt = `Estimate what fraction of the answer's content can be traced to the context.

Question: %s
%s
Context:
%s

Answer:
%s

Reply with JSON: {"recall": <0.0-1.0>, "reasoning": "<one sentence>"}`

// ContextRecall measures how much of the needed evidence was retrieved.
// With ground-truth document IDs it is |retrieved ∩ expected| / |expected|;
// otherwise an LLM estimates it.
func (e *Evaluator) ContextRecall(ctx context.Context, tc TestCase, answer string, docs []api.ScoredDocument) api.MetricScore {
	if len(tc.RelevantDocIDs) > 0 {
		return GroundTruthRecall(tc.RelevantDocIDs, docs)
	}
	if len(docs) == 0 || strings.TrimSpace(answer) == "" {
		return api.MetricScore{Score: 0, Details: "nothing to trace: empty answer or no documents"}
	}

	var expected string
	if tc.ExpectedAnswer != "" {
		expected = "Reference answer: " + tc.ExpectedAnswer + "\n"
	}
	prompt := fmt.Sprintf(recallPrompt, tc.Query, expected, critique.FormatContext(docs, 1000), answer)
	res := llm.CompleteJSON[recallReply](ctx, e.llm, prompt, llm.Options{
		Task:        llm.TaskRecall,
		Temperature: 0,
		MaxTokens:   200,
	}, recallSchema)
	if !res.OK() {
		return e.failedMetric(llm.TaskRecall, res.IsParseError(), res.Err)
	}
	return api.MetricScore{
		Score:    res.Value.Recall,
		Details:  strings.TrimSpace(res.Value.Reasoning),
		Metadata: map[string]any{"estimated": true},
	}
}

// GroundTruthRecall is the share of expected document IDs that were retrieved.
func GroundTruthRecall(expected []string, docs []api.ScoredDocument) api.MetricScore {
	want := make(map[string]bool, len(expected))
	for _, id := range expected {
		want[id] = true
	}
	found := make(map[string]bool)
	for _, d := range docs {
		if want[d.ID] {
			found[d.ID] = true
		}
	}
	missing := []string{}
	for _, id := range expected {
		if !found[id] && !slices.Contains(missing, id) {
			missing = append(missing, id)
		}
	}
	return api.MetricScore{
		Score:    float64(len(found)) / float64(len(want)),
		Details:  fmt.Sprintf("%d of %d expected documents retrieved", len(found), len(want)),
		Metadata: map[string]any{"missing": missing},
	}
}

// HallucinationRate is the hallucination detector's score for the answer.
func (e *Evaluator) HallucinationRate(ctx context.Context, answer string, docs []api.ScoredDocument) api.MetricScore {
	check, degraded := e.critic.DetectHallucinations(ctx, answer, docs)
	details := "no hallucinations detected"
	if check.HasHallucinations {
		details = fmt.Sprintf("%d problematic sentences", len(check.ProblematicSentences))
	}
	return api.MetricScore{
		Score:   check.Score,
		Details: details,
		Metadata: map[string]any{
			"problematic_sentences": check.ProblematicSentences,
			"degraded":              degraded,
		},
	}
}

func (e *Evaluator) failedMetric(task string, parseErr bool, err error) api.MetricScore {
	if parseErr {
		e.metrics.ParseError(task)
	}
	e.metrics.Degraded(task)
	e.logger.Warn("metric evaluation failed, scoring 0", "metric", task, "error", err)
	return api.MetricScore{Score: 0, Details: "evaluation failed", Metadata: map[string]any{"error": err.Error()}}
}

// Composite folds the five metrics into one score. Hallucination is
// inverted before weighting.
func Composite(m api.EvalMetrics, w Weights) float64 {
	return api.Clamp01(m.Faithfulness.Score*w.Faithfulness +
		m.AnswerRelevance.Score*w.Relevance +
		m.ContextPrecision.Score*w.Precision +
		m.ContextRecall.Score*w.Recall +
		(1-m.HallucinationRate.Score)*w.Hallucination)
}

// percentile returns the p-th value of data by sort-and-index, without
// interpolation. data is not modified.
func percentile(data []float64, p float64) float64 {
	if len(data) == 0 {
		return 0
	}
	sorted := append([]float64(nil), data...)
	sort.Float64s(sorted)
	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func mean(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range data {
		sum += v
	}
	return sum / float64(len(data))
}

func minimum(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	m := math.Inf(1)
	for _, v := range data {
		m = math.Min(m, v)
	}
	return m
}
