package selfrag

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fractal-lba/ragguard/internal/api"
	"github.com/fractal-lba/ragguard/internal/critique"
	"github.com/fractal-lba/ragguard/internal/grader"
	"github.com/fractal-lba/ragguard/internal/llm"
	"github.com/fractal-lba/ragguard/internal/llm/llmtest"
	"github.com/fractal-lba/ragguard/internal/metrics"
)

const (
	relevantGrade   = `{"relevant": true, "score": 0.9}`
	irrelevantGrade = `{"relevant": false, "score": 0.2}`
	goodCritique    = `{"supported": true, "support_score": 0.9, "citations": [{"claim": "c", "source": 1}]}`
	cleanCheck      = `{"hallucination_score": 0.1}`
	dirtyCheck      = `{"hallucination_score": 0.6, "problematic_sentences": ["made up"]}`
)

func corpus(n int) []api.ScoredDocument {
	out := make([]api.ScoredDocument, n)
	for i := range out {
		out[i] = api.ScoredDocument{ID: fmt.Sprintf("d%d", i), Title: fmt.Sprintf("t%d", i), Content: "evidence", Score: 0.7}
	}
	return out
}

func fixed(docs []api.ScoredDocument) RetrieveFunc {
	return func(context.Context, string) ([]api.ScoredDocument, error) { return docs, nil }
}

func newOrchestrator(script *llmtest.Scripted, opts Options) *Orchestrator {
	return New(grader.New(script, nil, grader.DefaultConfig()), critique.New(script), opts)
}

func TestConfidence(t *testing.T) {
	got := Confidence(0.8, 0.6, 0.2)
	want := 0.3*0.8 + 0.4*0.6 + 0.3*0.8
	if math.Abs(got-want) > 1e-12 {
		t.Errorf("Confidence(0.8, 0.6, 0.2) = %v, want %v", got, want)
	}
	if got := Confidence(1, 1, 0); math.Abs(got-1) > 1e-12 {
		t.Errorf("Confidence(1, 1, 0) = %v, want 1", got)
	}
}

func TestRunEmptyRetrievalExhausts(t *testing.T) {
	script := llmtest.New()
	o := newOrchestrator(script, DefaultOptions())

	res, err := o.Run(context.Background(), "q", fixed(nil))
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if res.Answer != FailedAnswer || res.Confidence != 0 || res.IsReliable {
		t.Errorf("Run() = %+v, want canned failure", res)
	}
	if res.Metadata.Iterations != 3 {
		t.Errorf("Metadata.Iterations = %d, want 3", res.Metadata.Iterations)
	}
	if len(res.Metadata.Warnings) != 3 {
		t.Errorf("Warnings = %v, want one per empty retrieval", res.Metadata.Warnings)
	}
	if n := script.Calls(llm.TaskGenerate); n != 0 {
		t.Errorf("generate calls = %d, want 0", n)
	}
}

func TestRunRetrievalErrorsCountAsEmpty(t *testing.T) {
	o := newOrchestrator(llmtest.New(), Options{MaxIterations: 2})
	retrieve := func(context.Context, string) ([]api.ScoredDocument, error) {
		return nil, errors.New("index offline")
	}

	res, err := o.Run(context.Background(), "q", retrieve)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if res.Answer != FailedAnswer || res.Metadata.Iterations != 2 {
		t.Errorf("Run() = %+v, want failure after 2 iterations", res)
	}
}

func TestRunAcceptsConfidentAnswer(t *testing.T) {
	script := llmtest.New().
		On(llm.TaskGrade, relevantGrade).
		On(llm.TaskGenerate, "Rates held [1].").
		On(llm.TaskCritique, goodCritique).
		On(llm.TaskHallucination, cleanCheck)
	reg := prometheus.NewRegistry()
	kpi := metrics.NewAnswerKPITracker(reg)
	o := New(grader.New(script, nil, grader.DefaultConfig()), critique.New(script), DefaultOptions(), WithKPI(kpi))

	res, err := o.Run(context.Background(), "q", fixed(corpus(4)))
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	want := Confidence(0.9, 0.9, 0.1)
	if !res.IsReliable || math.Abs(res.Confidence-want) > 1e-9 {
		t.Errorf("Run() = (reliable=%v, confidence=%v), want (true, %v)", res.IsReliable, res.Confidence, want)
	}
	if res.Metadata.Iterations != 1 || len(res.Sources) != 4 {
		t.Errorf("Run() iterations=%d sources=%d, want 1 and 4", res.Metadata.Iterations, len(res.Sources))
	}
	if len(res.Metadata.Citations) != 1 || res.Metadata.Citations[0].SourceIndex != 0 {
		t.Errorf("Citations = %+v, want one citation of source 0", res.Metadata.Citations)
	}
	if r := kpi.Report(); r.ReliableAnswers != 1 {
		t.Errorf("KPI reliable answers = %d, want 1", r.ReliableAnswers)
	}
}

func TestRunHallucinationBlocksAcceptance(t *testing.T) {
	script := llmtest.New().
		On(llm.TaskGrade, relevantGrade).
		On(llm.TaskGenerate, "Rates held [1].").
		On(llm.TaskCritique, goodCritique).
		On(llm.TaskHallucination, dirtyCheck)
	o := newOrchestrator(script, DefaultOptions())

	res, err := o.Run(context.Background(), "q", fixed(corpus(4)))
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if res.IsReliable {
		t.Error("answer with hallucinations must not be reliable")
	}
	if res.Confidence < 0.6 {
		t.Errorf("Confidence = %v, want best result above target despite rejection", res.Confidence)
	}
	if n := script.Calls(llm.TaskGenerate); n != 3 {
		t.Errorf("generate calls = %d, want 3 (every iteration)", n)
	}
	if res.Metadata.Iterations != 1 {
		t.Errorf("best result iteration = %d, want 1 (ties keep the first)", res.Metadata.Iterations)
	}
	if !containsWarning(res.Metadata.Warnings, "ungrounded") {
		t.Errorf("Warnings = %v, want hallucination warning", res.Metadata.Warnings)
	}
}

func TestRunRefinesWeakRetrieval(t *testing.T) {
	script := llmtest.New().
		On(llm.TaskGrade, relevantGrade).
		On(llm.TaskRefine, "refined q").
		On(llm.TaskGenerate, "Answer [1].").
		On(llm.TaskCritique, goodCritique).
		On(llm.TaskHallucination, cleanCheck)
	o := newOrchestrator(script, DefaultOptions())

	var mu sync.Mutex
	var queries []string
	retrieve := func(_ context.Context, q string) ([]api.ScoredDocument, error) {
		mu.Lock()
		queries = append(queries, q)
		mu.Unlock()
		if q == "refined q" {
			return corpus(4), nil
		}
		return corpus(1), nil
	}

	res, err := o.Run(context.Background(), "original q", retrieve)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(queries) != 2 || queries[0] != "original q" || queries[1] != "refined q" {
		t.Errorf("retrieval queries = %v, want [original q, refined q]", queries)
	}
	if !res.IsReliable || res.Metadata.Iterations != 2 {
		t.Errorf("Run() = (reliable=%v, iterations=%d), want (true, 2)", res.IsReliable, res.Metadata.Iterations)
	}
	if p := script.Prompts(llm.TaskGenerate)[0]; !strings.Contains(p, "Question: original q") {
		t.Error("answer should be generated for the user's original question")
	}
}

func TestRunLastIterationGeneratesDespiteWeakRetrieval(t *testing.T) {
	script := llmtest.New().
		On(llm.TaskGrade, relevantGrade).
		On(llm.TaskGenerate, "Answer [1].").
		On(llm.TaskCritique, goodCritique).
		On(llm.TaskHallucination, cleanCheck)
	o := newOrchestrator(script, Options{MaxIterations: 1})

	res, err := o.Run(context.Background(), "q", fixed(corpus(1)))
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if script.Calls(llm.TaskRefine) != 0 {
		t.Error("no refinement expected on the last iteration")
	}
	if res.Answer != "Answer [1]." {
		t.Errorf("Answer = %q, want generated answer", res.Answer)
	}
}

func TestRunDegradedJudgmentsStillAnswer(t *testing.T) {
	script := llmtest.New().
		On(llm.TaskGrade, relevantGrade).
		On(llm.TaskGenerate, "Answer [1].").
		Fail(llm.TaskCritique).
		On(llm.TaskHallucination, "not json")
	o := newOrchestrator(script, DefaultOptions())

	res, err := o.Run(context.Background(), "q", fixed(corpus(4)))
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	want := Confidence(0.9, 0.7, 0)
	if !res.IsReliable || math.Abs(res.Confidence-want) > 1e-9 {
		t.Errorf("Run() = (reliable=%v, confidence=%v), want (true, %v)", res.IsReliable, res.Confidence, want)
	}
}

func TestRunFallsBackToAllDocuments(t *testing.T) {
	script := llmtest.New().
		On(llm.TaskGrade, irrelevantGrade).
		On(llm.TaskGenerate, "Not much to go on.").
		On(llm.TaskCritique, `{"supported": false, "support_score": 0.3}`).
		On(llm.TaskHallucination, cleanCheck)
	o := newOrchestrator(script, Options{MaxIterations: 1})

	res, err := o.Run(context.Background(), "q", fixed(corpus(3)))
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(res.Sources) != 3 || res.Sources[0].Score != 0.2 {
		t.Errorf("Sources = %+v, want all 3 graded documents", res.Sources)
	}
	if !containsWarning(res.Metadata.Warnings, "web search") || !containsWarning(res.Metadata.Warnings, "no document passed") {
		t.Errorf("Warnings = %v, want escalation and fallback warnings", res.Metadata.Warnings)
	}
	if res.IsReliable {
		t.Errorf("Confidence %v from weak evidence should not be reliable", res.Confidence)
	}
}

func TestRunCancelled(t *testing.T) {
	o := newOrchestrator(llmtest.New(), DefaultOptions())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := o.Run(ctx, "q", fixed(corpus(2))); !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
}

func containsWarning(ws []string, sub string) bool {
	for _, w := range ws {
		if strings.Contains(w, sub) {
			return true
		}
	}
	return false
}
