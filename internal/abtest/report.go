package abtest

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/fractal-lba/ragguard/internal/api"
)

// RenderReport writes a plain-text experiment report.
func RenderReport(w io.Writer, r *api.ExperimentReport) error {
	exp := r.Experiment
	fmt.Fprintf(w, "# Experiment %s (%s)\n\n", exp.Name, exp.ID)
	fmt.Fprintf(w, "Status: %s\n", exp.Status)
	if r.Winner != nil {
		fmt.Fprintf(w, "Winner: %s (+%.1f%%, confidence %.2f)\n", r.Winner.VariantID, r.Winner.Improvement, r.Winner.Confidence)
	}
	fmt.Fprintf(w, "Recommendation: %s\n\n", r.Recommendation)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tVARIANT\tSAMPLES\tOVERALL\tSTDDEV\tFAITH\tREL\tPREC\tREC\tHALL\tLATENCY")
	for i, v := range r.Ranking {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%.3f\t%.3f\t%.2f\t%.2f\t%.2f\t%.2f\t%.2f\t%s\n",
			i+1, v.VariantID, v.Samples, v.AvgOverallScore, v.StdDevOverallScore,
			v.AvgFaithfulness, v.AvgRelevance, v.AvgPrecision, v.AvgRecall, v.AvgHallucination, v.AvgProcessingTime)
	}
	return tw.Flush()
}
