package abtest

import (
	"hash/fnv"
	"math"
	"time"

	"github.com/fractal-lba/ragguard/internal/api"
)

// NormalCDF approximates the standard normal CDF with the
// Abramowitz-Stegun polynomial (26.2.17). Absolute error is below 7.5e-8.
func NormalCDF(x float64) float64 {
	t := 1 / (1 + 0.2316419*math.Abs(x))
	d := 0.3989423 * math.Exp(-x*x/2)
	p := d * t * (0.3193815 + t*(-0.3565638+t*(1.781478+t*(-1.821256+t*1.330274))))
	if x > 0 {
		return 1 - p
	}
	return p
}

// ZScore is the two-sample z statistic for a difference in means with
// standard errors sqrt(σ₁²/n₁ + σ₂²/n₂). A zero standard error with a
// positive delta yields +Inf.
func ZScore(delta, sd1 float64, n1 int, sd2 float64, n2 int) float64 {
	se := math.Sqrt(sd1*sd1/float64(n1) + sd2*sd2/float64(n2))
	if se == 0 {
		if delta > 0 {
			return math.Inf(1)
		}
		return 0
	}
	return delta / se
}

// bucket maps a user to [0, 1) deterministically per experiment.
func bucket(userID, experimentID string) float64 {
	h := fnv.New32a()
	h.Write([]byte(userID + experimentID))
	return float64(h.Sum32()%10000) / 10000
}

// recompute rebuilds every running average of r from its full history:
// the five metrics, the overall score and processing time.
func recompute(r *api.VariantResult) {
	n := len(r.EvalResults)
	r.Samples = n
	if n == 0 {
		*r = api.VariantResult{VariantID: r.VariantID, EvalResults: r.EvalResults}
		return
	}

	var overall, faith, rel, prec, rec, hall float64
	var elapsed time.Duration
	scores := make([]float64, n)
	for i, e := range r.EvalResults {
		overall += e.OverallScore
		faith += e.Metrics.Faithfulness.Score
		rel += e.Metrics.AnswerRelevance.Score
		prec += e.Metrics.ContextPrecision.Score
		rec += e.Metrics.ContextRecall.Score
		hall += e.Metrics.HallucinationRate.Score
		elapsed += e.ProcessingTime
		scores[i] = e.OverallScore
	}
	fn := float64(n)
	r.AvgOverallScore = overall / fn
	r.AvgFaithfulness = faith / fn
	r.AvgRelevance = rel / fn
	r.AvgPrecision = prec / fn
	r.AvgRecall = rec / fn
	r.AvgHallucination = hall / fn
	r.AvgProcessingTime = elapsed / time.Duration(n)
	r.StdDevOverallScore = sampleStdDev(scores, r.AvgOverallScore)
}

// sampleStdDev uses the n-1 denominator.
func sampleStdDev(data []float64, mean float64) float64 {
	if len(data) <= 1 {
		return 0
	}
	sumSq := 0.0
	for _, v := range data {
		diff := v - mean
		sumSq += diff * diff
	}
	return math.Sqrt(sumSq / float64(len(data)-1))
}
