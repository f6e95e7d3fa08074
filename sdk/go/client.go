// Package ragguard is a Go client for the ragguard HTTP API.
package ragguard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/fractal-lba/ragguard/internal/api"
)

// Wire types shared with the server.
type (
	ScoredDocument   = api.ScoredDocument
	RetrievalGrade   = api.RetrievalGrade
	RetrievalAction  = api.RetrievalAction
	SelfRAGResult    = api.SelfRAGResult
	ConfidenceScore  = api.ConfidenceScore
	EvalResult       = api.EvalResult
	Experiment       = api.Experiment
	Variant          = api.Variant
	ExperimentReport = api.ExperimentReport
)

var (
	// ErrNotFound is returned for 404 responses.
	ErrNotFound = errors.New("ragguard: not found")
	// ErrConflict is returned when an experiment is in the wrong state.
	ErrConflict = errors.New("ragguard: conflict")
	// ErrRateLimited is returned for 429 responses.
	ErrRateLimited = errors.New("ragguard: rate limit exceeded")
)

// APIError is any other non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// Client is the ragguard API client.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for baseURL. Answers and evaluations run
// several LLM calls, so the default timeout is generous.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 3 * time.Minute,
		},
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// AnswerRequest asks for a Self-RAG answer. Documents, when given, replace
// the server's retriever.
type AnswerRequest struct {
	Query          string           `json:"query"`
	Documents      []ScoredDocument `json:"documents,omitempty"`
	WithConfidence bool             `json:"with_confidence,omitempty"`
}

type AnswerResponse struct {
	Result     SelfRAGResult    `json:"result"`
	Confidence *ConfidenceScore `json:"confidence,omitempty"`
}

type GradeResponse struct {
	Action             RetrievalAction  `json:"action"`
	Query              string           `json:"query"`
	Relevant           []ScoredDocument `json:"relevant"`
	Irrelevant         []ScoredDocument `json:"irrelevant"`
	Grades             []RetrievalGrade `json:"grades"`
	AvgScore           float64          `json:"avg_score"`
	NeedsMoreRetrieval bool             `json:"needs_more_retrieval"`
}

// EvaluateRequest scores an answer against one test case.
type EvaluateRequest struct {
	ID             string           `json:"id,omitempty"`
	Query          string           `json:"query"`
	ExpectedAnswer string           `json:"expected_answer,omitempty"`
	RelevantDocIDs []string         `json:"relevant_doc_ids,omitempty"`
	Answer         string           `json:"answer"`
	Documents      []ScoredDocument `json:"documents"`
}

// NewExperiment describes an experiment to create.
type NewExperiment struct {
	Name                 string             `json:"name"`
	Description          string             `json:"description,omitempty"`
	Variants             []Variant          `json:"variants"`
	TrafficSplit         map[string]float64 `json:"traffic_split,omitempty"`
	MinSamplesPerVariant int                `json:"min_samples_per_variant,omitempty"`
}

// Answer runs the self-reflective loop on the server.
func (c *Client) Answer(ctx context.Context, req AnswerRequest) (*AnswerResponse, error) {
	var out AnswerResponse
	if err := c.do(ctx, http.MethodPost, "/v1/answer", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Grade grades docs for query and returns the corrective action.
func (c *Client) Grade(ctx context.Context, query string, docs []ScoredDocument) (*GradeResponse, error) {
	body := map[string]any{"query": query, "documents": docs}
	var out GradeResponse
	if err := c.do(ctx, http.MethodPost, "/v1/grade", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Confidence scores answer against docs. deep requests an LLM judgment.
func (c *Client) Confidence(ctx context.Context, query, answer string, docs []ScoredDocument, deep bool) (*ConfidenceScore, error) {
	body := map[string]any{"query": query, "answer": answer, "documents": docs, "deep": deep}
	var out ConfidenceScore
	if err := c.do(ctx, http.MethodPost, "/v1/confidence", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Evaluate scores an answer with the five evaluation metrics.
func (c *Client) Evaluate(ctx context.Context, req EvaluateRequest) (*EvalResult, error) {
	var out EvalResult
	if err := c.do(ctx, http.MethodPost, "/v1/evaluate", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CreateExperiment(ctx context.Context, spec NewExperiment) (*Experiment, error) {
	var out Experiment
	if err := c.do(ctx, http.MethodPost, "/v1/experiments", spec, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListExperiments(ctx context.Context) ([]Experiment, error) {
	var out []Experiment
	if err := c.do(ctx, http.MethodGet, "/v1/experiments", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetExperiment(ctx context.Context, id string) (*Experiment, error) {
	var out Experiment
	if err := c.do(ctx, http.MethodGet, "/v1/experiments/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) StartExperiment(ctx context.Context, id string) (*Experiment, error) {
	return c.transition(ctx, id, "start")
}

func (c *Client) PauseExperiment(ctx context.Context, id string) (*Experiment, error) {
	return c.transition(ctx, id, "pause")
}

func (c *Client) CancelExperiment(ctx context.Context, id string) (*Experiment, error) {
	return c.transition(ctx, id, "cancel")
}

func (c *Client) transition(ctx context.Context, id, action string) (*Experiment, error) {
	var out Experiment
	path := fmt.Sprintf("/v1/experiments/%s/%s", url.PathEscape(id), action)
	if err := c.do(ctx, http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AssignVariant returns the variant serving userID. An empty userID gets a
// random draw.
func (c *Client) AssignVariant(ctx context.Context, experimentID, userID string) (string, error) {
	path := fmt.Sprintf("/v1/experiments/%s/assign", url.PathEscape(experimentID))
	if userID != "" {
		path += "?user_id=" + url.QueryEscape(userID)
	}
	var out struct {
		VariantID string `json:"variant_id"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return "", err
	}
	return out.VariantID, nil
}

// RecordResult adds an evaluation to a variant of a running experiment.
func (c *Client) RecordResult(ctx context.Context, experimentID, variantID string, result EvalResult) error {
	path := fmt.Sprintf("/v1/experiments/%s/results", url.PathEscape(experimentID))
	body := map[string]any{"variant_id": variantID, "result": result}
	return c.do(ctx, http.MethodPost, path, body, nil)
}

func (c *Client) Report(ctx context.Context, experimentID string) (*ExperimentReport, error) {
	var out ExperimentReport
	path := fmt.Sprintf("/v1/experiments/%s/report", url.PathEscape(experimentID))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// HealthCheck checks if the API is healthy
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status: %d", resp.StatusCode)
	}

	return nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", "ragguard-go-sdk/0.1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, bytes.TrimSpace(respBody))
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrConflict, bytes.TrimSpace(respBody))
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		return &APIError{StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(respBody))}
	}
}
