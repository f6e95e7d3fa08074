package eval

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/fractal-lba/ragguard/internal/api"
)

var (
	// ErrEmptyQuery is returned for a test case without a query.
	ErrEmptyQuery = errors.New("eval: test case has an empty query")
	// ErrNoTestCases is returned when a run is started with no cases.
	ErrNoTestCases = errors.New("eval: no test cases")
)

// TestCase is one query to run through a pipeline and score.
type TestCase struct {
	ID             string   `yaml:"id" json:"id"`
	Name           string   `yaml:"name,omitempty" json:"name,omitempty"`
	Query          string   `yaml:"query" json:"query"`
	ExpectedAnswer string   `yaml:"expected_answer,omitempty" json:"expected_answer,omitempty"`
	RelevantDocIDs []string `yaml:"relevant_doc_ids,omitempty" json:"relevant_doc_ids,omitempty"`
	Tags           []string `yaml:"tags,omitempty" json:"tags,omitempty"`
}

// Validate checks that the case can be evaluated.
func (tc TestCase) Validate() error {
	if tc.Query == "" {
		return fmt.Errorf("case %q: %w", tc.ID, ErrEmptyQuery)
	}
	return nil
}

// PipelineOutput is what a pipeline produced for one query.
type PipelineOutput struct {
	Answer    string               `json:"answer"`
	Documents []api.ScoredDocument `json:"documents"`
}

// Pipeline answers a query. It is the system under test.
type Pipeline func(ctx context.Context, query string) (PipelineOutput, error)

// Weights of the five metrics in the composite score. The hallucination
// weight applies to 1 - hallucination rate.
type Weights struct {
	Faithfulness  float64 `yaml:"faithfulness" json:"faithfulness"`
	Relevance     float64 `yaml:"relevance" json:"relevance"`
	Precision     float64 `yaml:"precision" json:"precision"`
	Recall        float64 `yaml:"recall" json:"recall"`
	Hallucination float64 `yaml:"hallucination" json:"hallucination"`
}

// DefaultWeights returns the standard composite weights.
func DefaultWeights() Weights {
	return Weights{
		Faithfulness:  0.25,
		Relevance:     0.25,
		Precision:     0.20,
		Recall:        0.15,
		Hallucination: 0.15,
	}
}

// Validate checks that weights are non-negative and sum to 1.
func (w Weights) Validate() error {
	sum := w.Faithfulness + w.Relevance + w.Precision + w.Recall + w.Hallucination
	if w.Faithfulness < 0 || w.Relevance < 0 || w.Precision < 0 || w.Recall < 0 || w.Hallucination < 0 {
		return fmt.Errorf("eval weights must be non-negative: %+v", w)
	}
	if math.Abs(sum-1) > 1e-6 {
		return fmt.Errorf("eval weights sum to %.4f, want 1", sum)
	}
	return nil
}

// Config holds harness parameters.
type Config struct {
	Weights       Weights
	PassThreshold float64       // minimum overall score of a passing case
	Concurrency   int           // cases evaluated per window
	CaseTimeout   time.Duration // budget for one pipeline call and its scoring
	MaxDocuments  int           // documents shown to the faithfulness judge
}

// DefaultConfig returns the standard harness parameters.
func DefaultConfig() Config {
	return Config{
		Weights:       DefaultWeights(),
		PassThreshold: 0.7,
		Concurrency:   3,
		CaseTimeout:   2 * time.Minute,
		MaxDocuments:  5,
	}
}

// Recorder receives each finished case, in input order.
type Recorder interface {
	Record(result api.EvalResult) error
}
