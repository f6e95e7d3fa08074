package eval

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fractal-lba/ragguard/internal/api"
)

// RenderReport writes a plain-text summary of a run followed by one row per
// case.
func RenderReport(w io.Writer, run api.EvalRunResult) error {
	var b strings.Builder

	title := run.Name
	if title == "" {
		title = "evaluation"
	}
	fmt.Fprintf(&b, "# %s (%s)\n\n", title, run.RunID)
	fmt.Fprintf(&b, "Cases:     %d total, %d passed, %d failed (%d errored)\n",
		run.TotalCases, run.PassedCases, run.FailedCases, run.ErroredCases)
	fmt.Fprintf(&b, "Threshold: %.2f\n", run.PassThreshold)
	fmt.Fprintf(&b, "Overall:   avg %.3f, p50 %.3f, p95 %.3f, min %.3f\n",
		run.AvgOverallScore, run.P50OverallScore, run.P95OverallScore, run.MinOverallScore)
	if run.Duration > 0 {
		fmt.Fprintf(&b, "Duration:  %s\n", run.Duration.Round(time.Millisecond))
	}

	b.WriteString("\n## Metric averages\n\n")
	a := run.Averages
	fmt.Fprintf(&b, "| Faithfulness | Relevance | Precision | Recall | Hallucination |\n")
	fmt.Fprintf(&b, "|--------------|-----------|-----------|--------|---------------|\n")
	fmt.Fprintf(&b, "| %.3f | %.3f | %.3f | %.3f | %.3f |\n\n",
		a.Faithfulness, a.AnswerRelevance, a.ContextPrecision, a.ContextRecall, a.HallucinationRate)

	if _, err := io.WriteString(w, b.String()); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CASE\tOVERALL\tFAITH\tREL\tPREC\tREC\tHALL\tSTATUS")
	for _, r := range run.Results {
		m := r.Metrics
		fmt.Fprintf(tw, "%s\t%.3f\t%.2f\t%.2f\t%.2f\t%.2f\t%.2f\t%s\n",
			r.CaseID, r.OverallScore,
			m.Faithfulness.Score, m.AnswerRelevance.Score, m.ContextPrecision.Score,
			m.ContextRecall.Score, m.HallucinationRate.Score,
			status(r, run.PassThreshold))
	}
	return tw.Flush()
}

func status(r api.EvalResult, threshold float64) string {
	switch {
	case r.Error != "":
		return "ERROR: " + r.Error
	case r.OverallScore >= threshold:
		return "PASS"
	default:
		return "FAIL"
	}
}
