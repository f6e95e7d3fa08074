package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the QA pipeline.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	LLMCalls    *prometheus.CounterVec
	LLMLatency  *prometheus.HistogramVec
	LLMErrors   *prometheus.CounterVec
	ParseErrors *prometheus.CounterVec
	Fallbacks   *prometheus.CounterVec

	GradeCacheHits   prometheus.Counter
	GradeCacheMisses prometheus.Counter
	Actions          *prometheus.CounterVec

	SelfRAGIterations prometheus.Histogram
	SelfRAGOutcomes   *prometheus.CounterVec
	ConfidenceLevels  *prometheus.CounterVec

	EvalCases             *prometheus.CounterVec
	EvalOverallScore      prometheus.Histogram
	ExperimentResults     *prometheus.CounterVec
	ExperimentTransitions *prometheus.CounterVec

	HTTPRequests *prometheus.CounterVec
}

// New creates and registers all metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		LLMCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ragguard_llm_calls_total",
				Help: "Number of LLM completions issued, by task",
			},
			[]string{"task"},
		),
		LLMLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ragguard_llm_latency_seconds",
				Help:    "LLM completion latency, by task",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
			},
			[]string{"task"},
		),
		LLMErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ragguard_llm_errors_total",
				Help: "Number of failed LLM completions, by task",
			},
			[]string{"task"},
		),
		ParseErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ragguard_llm_parse_errors_total",
				Help: "Number of LLM replies rejected by schema validation, by task",
			},
			[]string{"task"},
		),
		Fallbacks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ragguard_degraded_results_total",
				Help: "Number of degraded results served in place of an LLM judgment, by site",
			},
			[]string{"site"},
		),
		GradeCacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "ragguard_grade_cache_hits_total",
			Help: "Number of relevance grades served from cache",
		}),
		GradeCacheMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "ragguard_grade_cache_misses_total",
			Help: "Number of relevance grades computed by the LLM",
		}),
		Actions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ragguard_retrieval_actions_total",
				Help: "Corrective retrieval actions chosen (use, refine, web_search)",
			},
			[]string{"action"},
		),
		SelfRAGIterations: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ragguard_selfrag_iterations",
			Help:    "Iterations consumed per self-reflective answer",
			Buckets: prometheus.LinearBuckets(1, 1, 6),
		}),
		SelfRAGOutcomes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ragguard_selfrag_outcomes_total",
				Help: "Self-reflective loop outcomes (accepted, best_effort, exhausted)",
			},
			[]string{"outcome"},
		),
		ConfidenceLevels: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ragguard_confidence_levels_total",
				Help: "Confidence scores produced, by level",
			},
			[]string{"level"},
		),
		EvalCases: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ragguard_eval_cases_total",
				Help: "Evaluated test cases, by outcome (passed, failed, errored)",
			},
			[]string{"outcome"},
		),
		EvalOverallScore: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ragguard_eval_overall_score",
			Help:    "Distribution of per-case composite scores",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		ExperimentResults: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ragguard_experiment_results_total",
				Help: "Results recorded on experiment variants, by outcome (ok, errored)",
			},
			[]string{"outcome"},
		),
		ExperimentTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ragguard_experiment_transitions_total",
				Help: "Experiment lifecycle transitions, by target status",
			},
			[]string{"status"},
		),
		HTTPRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ragguard_http_requests_total",
				Help: "HTTP requests served, by route and status code",
			},
			[]string{"route", "code"},
		),
	}
}

// ObserveLLM records one completion for task.
func (m *Metrics) ObserveLLM(task string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.LLMCalls.WithLabelValues(task).Inc()
	m.LLMLatency.WithLabelValues(task).Observe(elapsed.Seconds())
	if err != nil {
		m.LLMErrors.WithLabelValues(task).Inc()
	}
}

// ParseError records a reply for task that failed schema validation.
func (m *Metrics) ParseError(task string) {
	if m == nil {
		return
	}
	m.ParseErrors.WithLabelValues(task).Inc()
}

// Degraded records a fallback served at site.
func (m *Metrics) Degraded(site string) {
	if m == nil {
		return
	}
	m.Fallbacks.WithLabelValues(site).Inc()
}

// GradeCache records a grade cache lookup.
func (m *Metrics) GradeCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.GradeCacheHits.Inc()
	} else {
		m.GradeCacheMisses.Inc()
	}
}

// Action records a corrective retrieval action.
func (m *Metrics) Action(action string) {
	if m == nil {
		return
	}
	m.Actions.WithLabelValues(action).Inc()
}

// SelfRAG records the outcome of one self-reflective answer.
func (m *Metrics) SelfRAG(outcome string, iterations int) {
	if m == nil {
		return
	}
	m.SelfRAGOutcomes.WithLabelValues(outcome).Inc()
	m.SelfRAGIterations.Observe(float64(iterations))
}

// ConfidenceLevel records a produced confidence level.
func (m *Metrics) ConfidenceLevel(level string) {
	if m == nil {
		return
	}
	m.ConfidenceLevels.WithLabelValues(level).Inc()
}

// EvalCase records one evaluated test case.
func (m *Metrics) EvalCase(outcome string, overall float64) {
	if m == nil {
		return
	}
	m.EvalCases.WithLabelValues(outcome).Inc()
	m.EvalOverallScore.Observe(overall)
}

// ExperimentResult records a result appended to a variant. Experiment and
// variant IDs are caller-chosen, so they stay out of the labels.
func (m *Metrics) ExperimentResult(errored bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if errored {
		outcome = "errored"
	}
	m.ExperimentResults.WithLabelValues(outcome).Inc()
}

// ExperimentTransition records an experiment entering status.
func (m *Metrics) ExperimentTransition(status string) {
	if m == nil {
		return
	}
	m.ExperimentTransitions.WithLabelValues(status).Inc()
}

// HTTPRequest records a served request.
func (m *Metrics) HTTPRequest(route string, code int) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, statusLabel(code)).Inc()
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
