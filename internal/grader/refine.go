package grader

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fractal-lba/ragguard/internal/api"
	"github.com/fractal-lba/ragguard/internal/llm"
)

// ErrEmptyRefinement is returned when the judge proposes an empty query.
var ErrEmptyRefinement = errors.New("grader: refined query is empty")

const refinePrompt = `The search query below retrieved weak or off-topic documents.
Rewrite it once so that a search engine is more likely to return relevant evidence.
Keep the user's intent. Reply with the rewritten query only.

Original query: %s
%s`

// RefineQuery asks the LLM to rewrite query once. irrelevant may carry
// documents that missed, to steer the rewrite away from them.
func (g *Grader) RefineQuery(ctx context.Context, query string, irrelevant []api.ScoredDocument) (string, error) {
	var hint string
	if len(irrelevant) > 0 {
		var sb strings.Builder
		sb.WriteString("Off-topic results it returned:\n")
		for i, d := range irrelevant {
			if i == 3 {
				break
			}
			fmt.Fprintf(&sb, "- %s\n", d.Title)
		}
		hint = sb.String()
	}

	raw, err := g.llm.Complete(ctx, fmt.Sprintf(refinePrompt, query, hint), llm.Options{
		Task:        llm.TaskRefine,
		Temperature: 0.3,
		MaxTokens:   100,
	})
	if err != nil {
		return "", fmt.Errorf("refine query: %w", err)
	}
	refined := clean(strings.SplitN(strings.TrimSpace(raw), "\n", 2)[0])
	if refined == "" {
		return "", ErrEmptyRefinement
	}
	return refined, nil
}

// Correction is the outcome of one corrective retrieval step.
type Correction struct {
	Action api.RetrievalAction `json:"action"`
	Query  string              `json:"query"`
	Batch  BatchGrade          `json:"batch"`
}

// Correct grades docs, decides the corrective action and, for refine,
// rewrites the query. A failed rewrite falls back to use with the original
// query.
func (g *Grader) Correct(ctx context.Context, query string, docs []api.ScoredDocument) (Correction, error) {
	batch, err := g.GradeDocuments(ctx, query, docs)
	if err != nil {
		return Correction{}, err
	}

	c := Correction{
		Action: DecideAction(batch.AvgScore, len(batch.Relevant)),
		Query:  query,
		Batch:  batch,
	}
	if c.Action == api.ActionRefine {
		refined, err := g.RefineQuery(ctx, query, batch.Irrelevant)
		if err != nil {
			g.metrics.Degraded("refine")
			g.logger.Warn("query refinement failed, using retrieved documents", "error", err)
			c.Action = api.ActionUse
		} else {
			c.Query = refined
		}
	}
	g.metrics.Action(string(c.Action))
	return c, nil
}
