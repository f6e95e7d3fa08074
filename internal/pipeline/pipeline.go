// Package pipeline provides the answer pipelines the evaluation harness
// and the experiment engine run queries through.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/fractal-lba/ragguard/internal/api"
	"github.com/fractal-lba/ragguard/internal/critique"
	"github.com/fractal-lba/ragguard/internal/eval"
	"github.com/fractal-lba/ragguard/internal/grader"
	"github.com/fractal-lba/ragguard/internal/metrics"
	"github.com/fractal-lba/ragguard/internal/selfrag"
)

// Kinds accepted by Builder.Build.
const (
	KindSelfRAG    = "selfrag"
	KindCorrective = "corrective"
	KindRemote     = "remote"
)

var (
	ErrUnknownKind = errors.New("pipeline: unknown kind")
	// ErrNoRetriever is returned when a local pipeline is requested without
	// a retriever.
	ErrNoRetriever = errors.New("pipeline: no retriever configured")
)

// SelfRAG answers with the full self-reflective loop and reports the
// documents the accepted answer was generated from.
func SelfRAG(o *selfrag.Orchestrator, retrieve selfrag.RetrieveFunc) eval.Pipeline {
	return func(ctx context.Context, query string) (eval.PipelineOutput, error) {
		res, err := o.Run(ctx, query, retrieve)
		if err != nil {
			return eval.PipelineOutput{}, err
		}
		return eval.PipelineOutput{Answer: res.Answer, Documents: res.Sources}, nil
	}
}

// Corrective is a single pass of corrective retrieval: grade, re-retrieve
// once with the refined query when the grader asks for it, then generate
// from the relevant documents. With no relevant documents it generates from
// everything retrieved.
func Corrective(g *grader.Grader, c *critique.Critic, retrieve selfrag.RetrieveFunc) eval.Pipeline {
	return func(ctx context.Context, query string) (eval.PipelineOutput, error) {
		docs, err := retrieve(ctx, query)
		if err != nil {
			return eval.PipelineOutput{}, fmt.Errorf("retrieve: %w", err)
		}
		corr, err := g.Correct(ctx, query, docs)
		if err != nil {
			return eval.PipelineOutput{}, err
		}
		if corr.Action == api.ActionRefine && corr.Query != query {
			more, err := retrieve(ctx, corr.Query)
			if err == nil && len(more) > 0 {
				docs = more
				if corr.Batch, err = g.GradeDocuments(ctx, corr.Query, more); err != nil {
					return eval.PipelineOutput{}, err
				}
			}
		}

		use := corr.Batch.Relevant
		if len(use) == 0 {
			use = docs
		}
		answer, err := c.Generate(ctx, query, use)
		if err != nil {
			return eval.PipelineOutput{}, err
		}
		return eval.PipelineOutput{Answer: answer, Documents: use}, nil
	}
}

type remoteRequest struct {
	Query string `json:"query"`
}

// Remote POSTs {"query": ...} to url and expects {"answer", "documents"}
// back. It evaluates RAG systems running outside this process.
func Remote(url string, timeout time.Duration) eval.Pipeline {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	client := &http.Client{Timeout: timeout}
	return func(ctx context.Context, query string) (eval.PipelineOutput, error) {
		body, err := json.Marshal(remoteRequest{Query: query})
		if err != nil {
			return eval.PipelineOutput{}, fmt.Errorf("failed to marshal request: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return eval.PipelineOutput{}, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return eval.PipelineOutput{}, fmt.Errorf("pipeline request failed: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		if err != nil {
			return eval.PipelineOutput{}, fmt.Errorf("failed to read response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return eval.PipelineOutput{}, fmt.Errorf("pipeline error (%d): %s", resp.StatusCode, bytes.TrimSpace(respBody))
		}
		var out eval.PipelineOutput
		if err := json.Unmarshal(respBody, &out); err != nil {
			return eval.PipelineOutput{}, fmt.Errorf("failed to decode response: %w", err)
		}
		return out, nil
	}
}

// Builder turns experiment variant configs into pipelines that share one
// grader, critic and retriever.
type Builder struct {
	Grader   *grader.Grader
	Critic   *critique.Critic
	Retrieve selfrag.RetrieveFunc
	Defaults selfrag.Options
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	KPI      *metrics.AnswerKPITracker
}

// Build reads cfg["kind"] (default selfrag). Self-RAG variants may set
// max_iterations and min_confidence; remote variants need url and may set
// timeout as a duration string.
func (b *Builder) Build(cfg map[string]any) (eval.Pipeline, error) {
	kind := KindSelfRAG
	if v, ok := cfg["kind"].(string); ok && v != "" {
		kind = v
	}
	if kind != KindRemote && b.Retrieve == nil {
		return nil, fmt.Errorf("%w for %s variant", ErrNoRetriever, kind)
	}
	switch kind {
	case KindSelfRAG:
		opts := b.Defaults
		if n, ok := number(cfg["max_iterations"]); ok {
			opts.MaxIterations = int(n)
		}
		if f, ok := number(cfg["min_confidence"]); ok {
			opts.MinConfidence = f
		}
		options := []selfrag.Option{selfrag.WithMetrics(b.Metrics), selfrag.WithKPI(b.KPI)}
		if b.Logger != nil {
			options = append(options, selfrag.WithLogger(b.Logger))
		}
		return SelfRAG(selfrag.New(b.Grader, b.Critic, opts, options...), b.Retrieve), nil
	case KindCorrective:
		return Corrective(b.Grader, b.Critic, b.Retrieve), nil
	case KindRemote:
		url, _ := cfg["url"].(string)
		if url == "" {
			return nil, fmt.Errorf("pipeline: remote variant needs a url")
		}
		var timeout time.Duration
		if s, ok := cfg["timeout"].(string); ok {
			d, err := time.ParseDuration(s)
			if err != nil {
				return nil, fmt.Errorf("pipeline: remote timeout: %w", err)
			}
			timeout = d
		}
		return Remote(url, timeout), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// ForVariants builds one pipeline per variant, keyed by variant ID.
func (b *Builder) ForVariants(variants []api.Variant) (map[string]eval.Pipeline, error) {
	out := make(map[string]eval.Pipeline, len(variants))
	for _, v := range variants {
		p, err := b.Build(v.Config)
		if err != nil {
			return nil, fmt.Errorf("variant %s: %w", v.ID, err)
		}
		out[v.ID] = p
	}
	return out, nil
}

// number accepts the numeric types YAML and JSON decoders produce.
func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
