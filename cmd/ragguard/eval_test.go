package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/fractal-lba/ragguard/internal/api"
	"github.com/fractal-lba/ragguard/internal/critique"
	"github.com/fractal-lba/ragguard/internal/eval"
	"github.com/fractal-lba/ragguard/internal/grader"
	"github.com/fractal-lba/ragguard/internal/journal"
	"github.com/fractal-lba/ragguard/internal/llm"
	"github.com/fractal-lba/ragguard/internal/llm/llmtest"
)

func journaled(t *testing.T, results ...api.EvalResult) []api.EvalResult {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.jsonl")
	j, err := journal.Open(path)
	if err != nil {
		t.Fatalf("journal.Open() error = %v", err)
	}
	for _, r := range results {
		if err := j.Record(r); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	prior, err := journal.Replay(path)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	return prior
}

func suiteEvaluator(t *testing.T, ran *[]string) func(context.Context, []eval.TestCase) (api.EvalRunResult, error) {
	t.Helper()
	script := llmtest.New().
		On(llm.TaskFaithfulness, `{"supported_claims": 1, "total_claims": 1}`).
		On(llm.TaskRelevance, `{"relevance": 0.9}`).
		On(llm.TaskGrade, `{"relevant": true, "score": 0.9}`).
		On(llm.TaskRecall, `{"recall": 0.9}`).
		On(llm.TaskHallucination, `{"hallucination_score": 0}`)
	ev := eval.New(script, grader.New(script, nil, grader.DefaultConfig()), critique.New(script), eval.DefaultConfig())
	pipeline := func(context.Context, string) (eval.PipelineOutput, error) {
		return eval.PipelineOutput{
			Answer:    "Paris is the capital of France.",
			Documents: []api.ScoredDocument{{ID: "d1", Title: "France", Content: "Paris is the capital of France.", Score: 0.9}},
		}, nil
	}
	return func(ctx context.Context, todo []eval.TestCase) (api.EvalRunResult, error) {
		for _, tc := range todo {
			*ran = append(*ran, tc.ID)
		}
		return ev.Run(ctx, "suite", todo, pipeline)
	}
}

func TestResumeSuiteReportsWholeSuite(t *testing.T) {
	prior := journaled(t,
		api.EvalResult{CaseID: "a", OverallScore: 0.9},
		api.EvalResult{CaseID: "b", OverallScore: 0.2},
		api.EvalResult{CaseID: "c", Error: "deadline exceeded"},
	)
	cases := []eval.TestCase{{ID: "a", Query: "qa"}, {ID: "b", Query: "qb"}, {ID: "c", Query: "qc"}, {ID: "d", Query: "qd"}}

	var ran []string
	run, err := resumeSuite(context.Background(), "suite", cases, prior, 0.7, suiteEvaluator(t, &ran))
	if err != nil {
		t.Fatalf("resumeSuite() error = %v", err)
	}

	if len(ran) != 2 || ran[0] != "c" || ran[1] != "d" {
		t.Errorf("evaluated %v, want [c d]", ran)
	}
	var ids []string
	for _, r := range run.Results {
		ids = append(ids, r.CaseID)
	}
	if len(ids) != 4 || ids[0] != "a" || ids[1] != "b" || ids[2] != "c" || ids[3] != "d" {
		t.Errorf("reported cases %v, want [a b c d]", ids)
	}
	if run.TotalCases != 4 || run.PassedCases != 3 || run.FailedCases != 1 {
		t.Errorf("counts = %d/%d/%d, want 4 total, 3 passed, 1 failed", run.TotalCases, run.PassedCases, run.FailedCases)
	}
	if run.RunID == "" || run.Name != "suite" {
		t.Errorf("run = %q %q, want the fresh run's ID and the suite name", run.RunID, run.Name)
	}

	if err := checkPassRate(run, 0.8); err == nil {
		t.Error("checkPassRate(0.8) = nil, want the journaled failure to count")
	}
	if err := checkPassRate(run, 0.75); err != nil {
		t.Errorf("checkPassRate(0.75) error = %v", err)
	}
}

func TestResumeSuiteAllJournaled(t *testing.T) {
	prior := journaled(t,
		api.EvalResult{CaseID: "a", OverallScore: 0.9},
		api.EvalResult{CaseID: "b", OverallScore: 0.2},
	)
	cases := []eval.TestCase{{ID: "a", Query: "qa"}, {ID: "b", Query: "qb"}}

	var ran []string
	run, err := resumeSuite(context.Background(), "suite", cases, prior, 0.7, suiteEvaluator(t, &ran))
	if err != nil {
		t.Fatalf("resumeSuite() error = %v", err)
	}
	if len(ran) != 0 {
		t.Errorf("evaluated %v, want nothing", ran)
	}
	if run.TotalCases != 2 || run.PassedCases != 1 {
		t.Errorf("counts = %d total, %d passed, want 2 and 1", run.TotalCases, run.PassedCases)
	}
	if err := checkPassRate(run, 1); err == nil {
		t.Error("checkPassRate(1) = nil, want an error for the failing case")
	}
}

func TestResumeSuiteWithoutJournal(t *testing.T) {
	cases := []eval.TestCase{{ID: "a", Query: "qa"}}
	var ran []string
	run, err := resumeSuite(context.Background(), "suite", cases, nil, 0.7, suiteEvaluator(t, &ran))
	if err != nil {
		t.Fatalf("resumeSuite() error = %v", err)
	}
	if len(ran) != 1 || run.TotalCases != 1 || run.PassedCases != 1 {
		t.Errorf("ran %v, run %d total %d passed, want one passing case", ran, run.TotalCases, run.PassedCases)
	}
	if err := checkPassRate(api.EvalRunResult{}, 1); err != nil {
		t.Errorf("checkPassRate(empty) error = %v", err)
	}
}
