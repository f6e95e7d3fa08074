package api

import (
	"fmt"
	"math"
	"time"
)

// ScoredDocument is a retrieved evidence unit.
type ScoredDocument struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Content     string     `json:"content"`
	Source      string     `json:"source,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	Score       float64    `json:"score"`
}

// WithScore returns a copy of the document carrying a re-graded score.
func (d ScoredDocument) WithScore(score float64) ScoredDocument {
	d.Score = score
	return d
}

// RetrievalGrade is the grader's verdict on one document.
type RetrievalGrade struct {
	IsRelevant bool    `json:"is_relevant"`
	Score      float64 `json:"score"`
	Reason     string  `json:"reason,omitempty"`
}

// RetrievalAction is the corrective step chosen after grading a batch.
type RetrievalAction string

const (
	ActionUse       RetrievalAction = "use"
	ActionRefine    RetrievalAction = "refine"
	ActionWebSearch RetrievalAction = "web_search"
)

// Citation links a claim in an answer to one of the supplied documents.
// SourceIndex is 0-based into the documents of the attempt that produced it.
type Citation struct {
	Claim       string `json:"claim"`
	SourceIndex int    `json:"source_index"`
	Quote       string `json:"quote,omitempty"`
}

// GenerationResult is one generation attempt after self-critique.
type GenerationResult struct {
	Answer            string     `json:"answer"`
	IsSupported       bool       `json:"is_supported"`
	SupportScore      float64    `json:"support_score"`
	UnsupportedClaims []string   `json:"unsupported_claims"`
	Citations         []Citation `json:"citations"`
}

// HallucinationCheck is a fact-check of an answer against documents.
// Score is 0 for a faithful answer and 1 for a fully hallucinated one.
type HallucinationCheck struct {
	HasHallucinations    bool     `json:"has_hallucinations"`
	Score                float64  `json:"score"`
	ProblematicSentences []string `json:"problematic_sentences"`
	Suggestions          []string `json:"suggestions"`
}

// ConfidenceLevel buckets an overall confidence score.
type ConfidenceLevel string

const (
	LevelHigh      ConfidenceLevel = "high"
	LevelMedium    ConfidenceLevel = "medium"
	LevelLow       ConfidenceLevel = "low"
	LevelUncertain ConfidenceLevel = "uncertain"
)

// ConfidenceDimensions holds the five sub-scores of a confidence signal.
type ConfidenceDimensions struct {
	Retrieval   float64 `json:"retrieval"`
	Generation  float64 `json:"generation"`
	Attribution float64 `json:"attribution"`
	Factual     float64 `json:"factual"`
	Temporal    float64 `json:"temporal"`
}

// Min returns the smallest dimension.
func (d ConfidenceDimensions) Min() float64 {
	return math.Min(d.Retrieval, math.Min(d.Generation, math.Min(d.Attribution, math.Min(d.Factual, d.Temporal))))
}

// ConfidenceScore is a calibrated trust signal.
type ConfidenceScore struct {
	Overall     float64              `json:"overall"`
	Dimensions  ConfidenceDimensions `json:"dimensions"`
	Level       ConfidenceLevel      `json:"level"`
	Explanation string               `json:"explanation"`
	Warnings    []string             `json:"warnings"`
}

// SelfRAGMetadata describes how a SelfRAGResult was produced.
type SelfRAGMetadata struct {
	RetrievalQuality   float64    `json:"retrieval_quality"`
	AnswerSupport      float64    `json:"answer_support"`
	HallucinationScore float64    `json:"hallucination_score"`
	Iterations         int        `json:"iterations"`
	Citations          []Citation `json:"citations"`
	Warnings           []string   `json:"warnings"`
}

// SelfRAGResult is the terminal output of the self-reflective loop.
type SelfRAGResult struct {
	Answer     string           `json:"answer"`
	IsReliable bool             `json:"is_reliable"`
	Confidence float64          `json:"confidence"`
	Sources    []ScoredDocument `json:"sources"`
	Metadata   SelfRAGMetadata  `json:"metadata"`
}

// MetricScore is the output of a single evaluation metric.
type MetricScore struct {
	Score    float64        `json:"score"`
	Details  string         `json:"details"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// EvalMetrics groups the five per-case metrics.
type EvalMetrics struct {
	Faithfulness      MetricScore `json:"faithfulness"`
	AnswerRelevance   MetricScore `json:"answer_relevance"`
	ContextPrecision  MetricScore `json:"context_precision"`
	ContextRecall     MetricScore `json:"context_recall"`
	HallucinationRate MetricScore `json:"hallucination_rate"`
}

// EvalResult is one test case's evaluation.
type EvalResult struct {
	CaseID         string           `json:"case_id"`
	Query          string           `json:"query"`
	Metrics        EvalMetrics      `json:"metrics"`
	OverallScore   float64          `json:"overall_score"`
	Answer         string           `json:"answer"`
	DocumentsUsed  int              `json:"documents_used"`
	ProcessingTime time.Duration    `json:"processing_time_ns,omitempty"`
	Confidence     *ConfidenceScore `json:"confidence,omitempty"`
	Error          string           `json:"error,omitempty"`
	Timestamp      time.Time        `json:"timestamp"`
}

// MetricAverages holds per-metric means over a set of results.
type MetricAverages struct {
	Faithfulness      float64 `json:"faithfulness"`
	AnswerRelevance   float64 `json:"answer_relevance"`
	ContextPrecision  float64 `json:"context_precision"`
	ContextRecall     float64 `json:"context_recall"`
	HallucinationRate float64 `json:"hallucination_rate"`
}

// EvalRunResult is the aggregated report of a batch evaluation.
type EvalRunResult struct {
	RunID           string         `json:"run_id"`
	Name            string         `json:"name,omitempty"`
	TotalCases      int            `json:"total_cases"`
	PassedCases     int            `json:"passed_cases"`
	FailedCases     int            `json:"failed_cases"`
	ErroredCases    int            `json:"errored_cases"`
	PassThreshold   float64        `json:"pass_threshold"`
	Averages        MetricAverages `json:"averages"`
	AvgOverallScore float64        `json:"avg_overall_score"`
	P50OverallScore float64        `json:"p50_overall_score"`
	P95OverallScore float64        `json:"p95_overall_score"`
	MinOverallScore float64        `json:"min_overall_score"`
	Results         []EvalResult   `json:"results"`
	StartedAt       time.Time      `json:"started_at"`
	Duration        time.Duration  `json:"duration_ns"`
}

// ExperimentStatus is a state of the experiment lifecycle.
type ExperimentStatus string

const (
	StatusDraft     ExperimentStatus = "draft"
	StatusRunning   ExperimentStatus = "running"
	StatusPaused    ExperimentStatus = "paused"
	StatusCompleted ExperimentStatus = "completed"
	StatusCancelled ExperimentStatus = "cancelled"
)

// Variant is one competing pipeline configuration.
type Variant struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Config      map[string]any `json:"config,omitempty"`
}

// VariantResult holds running statistics for one variant.
type VariantResult struct {
	VariantID          string        `json:"variant_id"`
	Samples            int           `json:"samples"`
	EvalResults        []EvalResult  `json:"eval_results"`
	AvgOverallScore    float64       `json:"avg_overall_score"`
	AvgFaithfulness    float64       `json:"avg_faithfulness"`
	AvgRelevance       float64       `json:"avg_relevance"`
	AvgPrecision       float64       `json:"avg_precision"`
	AvgRecall          float64       `json:"avg_recall"`
	AvgHallucination   float64       `json:"avg_hallucination"`
	AvgProcessingTime  time.Duration `json:"avg_processing_time_ns"`
	StdDevOverallScore float64       `json:"stddev_overall_score"`
}

// Experiment is an A/B test and its lifecycle state.
type Experiment struct {
	ID                   string                    `json:"id"`
	Name                 string                    `json:"name"`
	Description          string                    `json:"description,omitempty"`
	Status               ExperimentStatus          `json:"status"`
	Variants             []Variant                 `json:"variants"`
	TrafficSplit         map[string]float64        `json:"traffic_split"`
	MinSamplesPerVariant int                       `json:"min_samples_per_variant"`
	Results              map[string]*VariantResult `json:"results"`
	CreatedAt            time.Time                 `json:"created_at"`
	StartedAt            *time.Time                `json:"started_at,omitempty"`
	EndedAt              *time.Time                `json:"ended_at,omitempty"`
}

// Winner names the variant that won an experiment.
type Winner struct {
	VariantID   string  `json:"variant_id"`
	Confidence  float64 `json:"confidence"`
	Improvement float64 `json:"improvement"`
}

// ExperimentReport summarises an experiment's outcome.
type ExperimentReport struct {
	Experiment     *Experiment     `json:"experiment"`
	Ranking        []VariantResult `json:"ranking"`
	Winner         *Winner         `json:"winner,omitempty"`
	Recommendation string          `json:"recommendation"`
	GeneratedAt    time.Time       `json:"generated_at"`
}

// Clamp01 limits x to [0, 1]; NaN becomes 0.
func Clamp01(x float64) float64 {
	if math.IsNaN(x) || x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

// ValidateDocuments checks that every document carries an ID and a score in [0, 1].
func ValidateDocuments(docs []ScoredDocument) error {
	for i, d := range docs {
		if d.ID == "" {
			return fmt.Errorf("document %d: missing id", i)
		}
		if d.Score < 0 || d.Score > 1 || math.IsNaN(d.Score) {
			return fmt.Errorf("document %s: score %.3f out of range [0,1]", d.ID, d.Score)
		}
	}
	return nil
}
