package llm_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/fractal-lba/ragguard/internal/llm"
	"github.com/fractal-lba/ragguard/internal/llm/llmtest"
	"github.com/fractal-lba/ragguard/internal/metrics"
)

func TestNew(t *testing.T) {
	if _, err := llm.New(llm.Config{Provider: "openai"}); err == nil {
		t.Error("llm.New() without api key should fail")
	}
	if _, err := llm.New(llm.Config{Provider: "cohere", APIKey: "k"}); err == nil {
		t.Error("llm.New() with unknown provider should fail")
	}
	if c, err := llm.New(llm.Config{Provider: "anthropic", APIKey: "k"}); err != nil || c == nil {
		t.Errorf("llm.New(anthropic) = (%v, %v), want completer", c, err)
	}
}

func TestOpenAIComplete(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"c1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"  {\"score\": 0.4}  "},"finish_reason":"stop"}]}`)
	}))
	defer srv.Close()

	c := llm.NewOpenAI(llm.Config{APIKey: "test", BaseURL: srv.URL + "/v1", Model: "gpt-test"})
	text, err := c.Complete(context.Background(), "grade this", llm.Options{JSONMode: true, MaxTokens: 50})
	if err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	if text != `{"score": 0.4}` {
		t.Errorf("Complete() = %q, want trimmed JSON", text)
	}
	if gotBody["model"] != "gpt-test" {
		t.Errorf("request model = %v, want gpt-test", gotBody["model"])
	}
	if rf, ok := gotBody["response_format"].(map[string]any); !ok || rf["type"] != "json_object" {
		t.Errorf("response_format = %v, want json_object", gotBody["response_format"])
	}
}

func TestOpenAIEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"c1","object":"chat.completion","choices":[]}`)
	}))
	defer srv.Close()

	c := llm.NewOpenAI(llm.Config{APIKey: "test", BaseURL: srv.URL + "/v1"})
	if _, err := c.Complete(context.Background(), "p", llm.Options{}); !errors.Is(err, llm.ErrEmptyCompletion) {
		t.Errorf("Complete() error = %v, want llm.ErrEmptyCompletion", err)
	}
}

func TestRateLimitedHonorsContext(t *testing.T) {
	script := llmtest.New().On(llm.TaskGrade, "ok")
	rl := llm.NewRateLimited(script, 0.001, 1)

	if _, err := rl.Complete(context.Background(), "p", llm.Options{Task: llm.TaskGrade}); err != nil {
		t.Fatalf("first Complete() error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := rl.Complete(ctx, "p", llm.Options{Task: llm.TaskGrade}); err == nil {
		t.Error("second Complete() should fail once the burst is spent and ctx expires")
	}
	if got := script.Calls(llm.TaskGrade); got != 1 {
		t.Errorf("underlying calls = %d, want 1", got)
	}
}

func TestRateLimitedUnlimited(t *testing.T) {
	script := llmtest.New().On(llm.TaskGrade, "ok")
	rl := llm.NewRateLimited(script, 0, 0)
	for i := 0; i < 20; i++ {
		if _, err := rl.Complete(context.Background(), "p", llm.Options{Task: llm.TaskGrade}); err != nil {
			t.Fatalf("Complete() #%d error: %v", i, err)
		}
	}
}

func TestInstrumented(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	script := llmtest.New().On(llm.TaskGrade, "ok").Fail(llm.TaskRefine)
	c := llm.NewInstrumented(script, "scripted", "none", m)

	_, _ = c.Complete(context.Background(), "p", llm.Options{Task: llm.TaskGrade})
	if _, err := c.Complete(context.Background(), "p", llm.Options{Task: llm.TaskRefine}); err == nil {
		t.Error("Complete(refine) should surface the scripted failure")
	}

	if got := testutil.ToFloat64(m.LLMCalls.WithLabelValues(llm.TaskGrade)); got != 1 {
		t.Errorf("LLMCalls[grade] = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.LLMErrors.WithLabelValues(llm.TaskRefine)); got != 1 {
		t.Errorf("LLMErrors[refine] = %v, want 1", got)
	}
}
