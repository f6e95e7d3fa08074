// Package retrieval adapts a remote document search service to the
// Self-RAG loop.
package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fractal-lba/ragguard/internal/api"
	"github.com/fractal-lba/ragguard/internal/selfrag"
)

// maxResponseBytes caps the search response body.
const maxResponseBytes = 8 << 20

// SearchRequest is the body POSTed to the search service.
type SearchRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

// SearchResponse is what the search service returns.
type SearchResponse struct {
	Documents []api.ScoredDocument `json:"documents"`
}

// HTTPRetriever calls a search endpoint over HTTP.
type HTTPRetriever struct {
	url    string
	topK   int
	client *http.Client
}

// NewHTTPRetriever creates a retriever for url returning at most topK
// documents per query.
func NewHTTPRetriever(url string, topK int, timeout time.Duration) *HTTPRetriever {
	if topK <= 0 {
		topK = 10
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPRetriever{
		url:    url,
		topK:   topK,
		client: &http.Client{Timeout: timeout},
	}
}

// Retrieve returns the documents for query. Scores outside [0,1] are
// clamped and documents without an ID are dropped.
func (r *HTTPRetriever) Retrieve(ctx context.Context, query string) ([]api.ScoredDocument, error) {
	body, err := json.Marshal(SearchRequest{Query: query, TopK: r.topK})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal search request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read search response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search error (%d): %s", resp.StatusCode, bytes.TrimSpace(respBody))
	}

	var out SearchResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}
	docs := make([]api.ScoredDocument, 0, min(len(out.Documents), r.topK))
	for _, d := range out.Documents {
		if d.ID == "" {
			continue
		}
		d.Score = api.Clamp01(d.Score)
		docs = append(docs, d)
		if len(docs) == r.topK {
			break
		}
	}
	return docs, nil
}

// Func returns r.Retrieve as a selfrag.RetrieveFunc.
func (r *HTTPRetriever) Func() selfrag.RetrieveFunc {
	return r.Retrieve
}

// Static returns a RetrieveFunc that always yields docs.
func Static(docs []api.ScoredDocument) selfrag.RetrieveFunc {
	return func(context.Context, string) ([]api.ScoredDocument, error) {
		out := make([]api.ScoredDocument, len(docs))
		copy(out, docs)
		return out, nil
	}
}
