// Package critique holds the LLM-backed judgments shared by the
// self-reflective loop and the evaluation harness: grounded answer
// generation, claim-level self-critique, and hallucination detection.
package critique

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fractal-lba/ragguard/internal/api"
	"github.com/fractal-lba/ragguard/internal/llm"
	"github.com/fractal-lba/ragguard/internal/metrics"
	"github.com/fractal-lba/ragguard/pkg/text"
)

// HallucinationThreshold is the score at or above which an answer is
// reported as hallucinated.
const HallucinationThreshold = 0.5

// ErrNoDocuments is returned by Generate when there is nothing to ground on.
var ErrNoDocuments = errors.New("critique: no documents to generate from")

// Critic runs generation and verification calls against one completer.
type Critic struct {
	llm        llm.Completer
	logger     *slog.Logger
	metrics    *metrics.Metrics
	maxContent int
}

// Option configures a Critic.
type Option func(*Critic)

func WithLogger(l *slog.Logger) Option {
	return func(c *Critic) { c.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Critic) { c.metrics = m }
}

// WithMaxContent bounds the characters of each document placed in prompts.
func WithMaxContent(n int) Option {
	return func(c *Critic) { c.maxContent = n }
}

// New creates a Critic.
func New(c llm.Completer, opts ...Option) *Critic {
	cr := &Critic{llm: c, logger: slog.Default(), maxContent: 1500}
	for _, opt := range opts {
		opt(cr)
	}
	return cr
}

// FormatContext renders documents as a numbered context block; citation [n]
// refers to docs[n-1].
func FormatContext(docs []api.ScoredDocument, maxContent int) string {
	var sb strings.Builder
	for i, d := range docs {
		fmt.Fprintf(&sb, "[%d] %s", i+1, d.Title)
		if d.Source != "" {
			fmt.Fprintf(&sb, " (%s)", d.Source)
		}
		sb.WriteString("\n")
		content := []rune(d.Content)
		if maxContent > 0 && len(content) > maxContent {
			content = append(content[:maxContent], []rune("...")...)
		}
		sb.WriteString(string(content))
		sb.WriteString("\n\n")
	}
	return strings.TrimSpace(sb.String())
}

const generatePrompt = `Answer the question using only the numbered sources below.
Cite every factual statement inline with the source number in brackets, e.g. [1] or [2][3].
If the sources do not contain the answer, say so plainly.

Sources:
%s

Question: %s

Answer:`

// Generate writes an answer to query grounded in docs with inline [n]
// citations.
func (c *Critic) Generate(ctx context.Context, query string, docs []api.ScoredDocument) (string, error) {
	if len(docs) == 0 {
		return "", ErrNoDocuments
	}
	prompt := fmt.Sprintf(generatePrompt, FormatContext(docs, c.maxContent), query)
	answer, err := c.llm.Complete(ctx, prompt, llm.Options{
		Task:        llm.TaskGenerate,
		Temperature: 0.3,
		MaxTokens:   800,
	})
	if err != nil {
		return "", fmt.Errorf("generate answer: %w", err)
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return "", llm.ErrEmptyCompletion
	}
	return answer, nil
}

var critiqueSchema = llm.MustCompileSchema("self_critique", `{
	"type": "object",
	"required": ["supported", "support_score"],
	"properties": {
		"supported": {"type": "boolean"},
		"support_score": {"type": "number", "minimum": 0, "maximum": 1},
		"unsupported_claims": {"type": "array", "items": {"type": "string"}},
		"citations": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["claim", "source"],
				"properties": {
					"claim": {"type": "string"},
					"source": {"type": "integer"},
					"quote": {"type": "string"}
				}
			}
		}
	}
}`)

type critiqueReply struct {
	Supported         bool     `json:"supported"`
	SupportScore      float64  `json:"support_score"`
	UnsupportedClaims []string `json:"unsupported_claims"`
	Citations         []struct {
		Claim  string `json:"claim"`
		Source int    `json:"source"`
		Quote  string `json:"quote"`
	} `json:"citations"`
}

const critiquePrompt = `Check the answer below claim by claim against the numbered sources.
For every claim decide whether a source supports it.

Sources:
%s

Question: %s

Answer:
%s

Reply with JSON:
{"supported": true|false,
 "support_score": <0.0-1.0 fraction of claims supported>,
 "unsupported_claims": ["..."],
 "citations": [{"claim": "...", "source": <source number>, "quote": "<supporting excerpt>"}]}`

// DegradedCritique is served when self-critique is unavailable. It leans
// toward accepting the answer.
func DegradedCritique(answer string) api.GenerationResult {
	return api.GenerationResult{
		Answer:            answer,
		IsSupported:       true,
		SupportScore:      0.7,
		UnsupportedClaims: []string{},
		Citations:         []api.Citation{},
	}
}

// Critique verdicts each claim of answer against docs. Citations keep only
// source numbers that refer to one of docs and are converted to 0-based
// indices. degraded reports that DegradedCritique was served.
func (c *Critic) Critique(ctx context.Context, query, answer string, docs []api.ScoredDocument) (result api.GenerationResult, degraded bool) {
	prompt := fmt.Sprintf(critiquePrompt, FormatContext(docs, c.maxContent), query, answer)
	res := llm.CompleteJSON[critiqueReply](ctx, c.llm, prompt, llm.Options{
		Task:        llm.TaskCritique,
		Temperature: 0,
		MaxTokens:   800,
	}, critiqueSchema)
	if !res.OK() {
		c.degraded(llm.TaskCritique, res.IsParseError(), res.Err)
		return DegradedCritique(answer), true
	}

	out := api.GenerationResult{
		Answer:            answer,
		IsSupported:       res.Value.Supported,
		SupportScore:      res.Value.SupportScore,
		UnsupportedClaims: nonNil(res.Value.UnsupportedClaims),
		Citations:         []api.Citation{},
	}
	for _, cit := range res.Value.Citations {
		idx := cit.Source - 1
		if idx < 0 || idx >= len(docs) {
			continue
		}
		out.Citations = append(out.Citations, api.Citation{
			Claim:       cit.Claim,
			SourceIndex: idx,
			Quote:       cit.Quote,
		})
	}
	return out, false
}

var hallucinationSchema = llm.MustCompileSchema("hallucination_check", `{
	"type": "object",
	"required": ["hallucination_score"],
	"properties": {
		"hallucination_score": {"type": "number", "minimum": 0, "maximum": 1},
		"problematic_sentences": {"type": "array", "items": {"type": "string"}},
		"suggestions": {"type": "array", "items": {"type": "string"}}
	}
}`)

type hallucinationReply struct {
	Score                float64  `json:"hallucination_score"`
	ProblematicSentences []string `json:"problematic_sentences"`
	Suggestions          []string `json:"suggestions"`
}

const hallucinationPrompt = `You are a fact checker. List every sentence of the answer that is not
grounded in the provided context, then rate how much of the answer is ungrounded.

Context:
%s

Answer:
%s

Reply with JSON:
{"hallucination_score": <0.0 fully grounded - 1.0 fully ungrounded>,
 "problematic_sentences": ["..."],
 "suggestions": ["..."]}`

// DegradedHallucinationCheck is served when hallucination detection is
// unavailable. It reports no hallucinations.
func DegradedHallucinationCheck() api.HallucinationCheck {
	return api.HallucinationCheck{
		HasHallucinations:    false,
		Score:                0,
		ProblematicSentences: []string{},
		Suggestions:          []string{},
	}
}

// UngroundedCheck is reported for a non-empty answer with no context: none
// of it can be grounded.
func UngroundedCheck(answer string) api.HallucinationCheck {
	sentences := text.Sentences(answer)
	if sentences == nil {
		sentences = []string{}
	}
	return api.HallucinationCheck{
		HasHallucinations:    true,
		Score:                1,
		ProblematicSentences: sentences,
		Suggestions:          []string{"retrieve supporting documents before answering"},
	}
}

// DetectHallucinations fact-checks answer against docs. HasHallucinations
// is derived from the score at HallucinationThreshold. degraded reports that
// DegradedHallucinationCheck was served.
func (c *Critic) DetectHallucinations(ctx context.Context, answer string, docs []api.ScoredDocument) (check api.HallucinationCheck, degraded bool) {
	if strings.TrimSpace(answer) == "" {
		return api.HallucinationCheck{ProblematicSentences: []string{}, Suggestions: []string{}}, false
	}
	if len(docs) == 0 {
		return UngroundedCheck(answer), false
	}

	prompt := fmt.Sprintf(hallucinationPrompt, FormatContext(docs, c.maxContent), answer)
	res := llm.CompleteJSON[hallucinationReply](ctx, c.llm, prompt, llm.Options{
		Task:        llm.TaskHallucination,
		Temperature: 0,
		MaxTokens:   600,
	}, hallucinationSchema)
	if !res.OK() {
		c.degraded(llm.TaskHallucination, res.IsParseError(), res.Err)
		return DegradedHallucinationCheck(), true
	}

	return api.HallucinationCheck{
		HasHallucinations:    res.Value.Score >= HallucinationThreshold,
		Score:                res.Value.Score,
		ProblematicSentences: nonNil(res.Value.ProblematicSentences),
		Suggestions:          nonNil(res.Value.Suggestions),
	}, false
}

func (c *Critic) degraded(task string, parseErr bool, err error) {
	if parseErr {
		c.metrics.ParseError(task)
	}
	c.metrics.Degraded(task)
	c.logger.Warn("judgment degraded", "task", task, "error", err)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
