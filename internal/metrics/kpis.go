package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// AnswerKPITracker tracks answer-level trust KPIs: how many answers were
// served as reliable, how many were contained (returned flagged unreliable),
// and how often graded retrievals escalated to web search.
type AnswerKPITracker struct {
	mu sync.RWMutex

	containmentRate prometheus.Gauge
	escalationRate  prometheus.Gauge
	degradedRate    prometheus.Gauge
	confidence      prometheus.Histogram

	reliable      int64
	contained     int64
	degraded      int64
	confidenceSum float64
	retrievals    int64
	escalated     int64
}

// NewAnswerKPITracker creates a tracker registered on reg.
func NewAnswerKPITracker(reg prometheus.Registerer) *AnswerKPITracker {
	f := promauto.With(reg)
	return &AnswerKPITracker{
		containmentRate: f.NewGauge(prometheus.GaugeOpts{
			Name: "ragguard_hallucination_containment_rate",
			Help: "Percentage of answers flagged unreliable instead of served as trusted",
		}),
		escalationRate: f.NewGauge(prometheus.GaugeOpts{
			Name: "ragguard_web_search_escalation_rate",
			Help: "Percentage of graded retrievals escalated to web search",
		}),
		degradedRate: f.NewGauge(prometheus.GaugeOpts{
			Name: "ragguard_degraded_answer_rate",
			Help: "Percentage of answers produced with at least one degraded LLM judgment",
		}),
		confidence: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ragguard_answer_confidence",
			Help:    "Distribution of self-reflective answer confidence",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
	}
}

// RecordAnswer records one answer produced by the self-reflective loop.
func (t *AnswerKPITracker) RecordAnswer(reliable bool, confidence float64, degraded bool) {
	if t == nil {
		return
	}
	t.mu.Lock()
	if reliable {
		t.reliable++
	} else {
		t.contained++
	}
	if degraded {
		t.degraded++
	}
	t.confidenceSum += confidence
	t.mu.Unlock()

	t.confidence.Observe(confidence)
	t.publish()
}

// RecordRetrieval records a graded retrieval and whether it escalated.
func (t *AnswerKPITracker) RecordRetrieval(escalated bool) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.retrievals++
	if escalated {
		t.escalated++
	}
	t.mu.Unlock()
	t.publish()
}

func (t *AnswerKPITracker) publish() {
	r := t.Report()
	t.containmentRate.Set(r.ContainmentRate)
	t.escalationRate.Set(r.EscalationRate)
	t.degradedRate.Set(r.DegradedRate)
}

// KPIReport is a point-in-time KPI summary. Rates are percentages (0-100).
type KPIReport struct {
	GeneratedAt     time.Time `json:"generated_at"`
	TotalAnswers    int64     `json:"total_answers"`
	ReliableAnswers int64     `json:"reliable_answers"`
	ContainmentRate float64   `json:"containment_rate"`
	DegradedRate    float64   `json:"degraded_rate"`
	MeanConfidence  float64   `json:"mean_confidence"`
	Retrievals      int64     `json:"retrievals"`
	EscalationRate  float64   `json:"escalation_rate"`
}

// Report returns the current KPI summary.
func (t *AnswerKPITracker) Report() KPIReport {
	t.mu.RLock()
	defer t.mu.RUnlock()

	total := t.reliable + t.contained
	r := KPIReport{
		GeneratedAt:     time.Now(),
		TotalAnswers:    total,
		ReliableAnswers: t.reliable,
		Retrievals:      t.retrievals,
	}
	if total > 0 {
		r.ContainmentRate = float64(t.contained) / float64(total) * 100
		r.DegradedRate = float64(t.degraded) / float64(total) * 100
		r.MeanConfidence = t.confidenceSum / float64(total)
	}
	if t.retrievals > 0 {
		r.EscalationRate = float64(t.escalated) / float64(t.retrievals) * 100
	}
	return r
}
