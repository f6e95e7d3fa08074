package confidence

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/fractal-lba/ragguard/internal/api"
	"github.com/fractal-lba/ragguard/internal/llm"
	"github.com/fractal-lba/ragguard/internal/llm/llmtest"
	"github.com/fractal-lba/ragguard/internal/metrics"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func ago(d time.Duration) *time.Time {
	t := now.Add(-d)
	return &t
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestDefaultWeights(t *testing.T) {
	w := DefaultWeights()
	if !approx(w.Sum(), 1) {
		t.Errorf("DefaultWeights().Sum() = %v, want 1", w.Sum())
	}
	if err := w.Validate(); err != nil {
		t.Errorf("DefaultWeights().Validate() = %v, want nil", err)
	}

	bad := w
	bad.Temporal = 0.3
	if err := bad.Validate(); err == nil {
		t.Error("Validate() accepted weights summing to 1.15")
	}
	neg := Weights{Retrieval: 1.2, Generation: -0.2}
	if err := neg.Validate(); err == nil {
		t.Error("Validate() accepted a negative weight")
	}
}

func TestWithWeightsIgnoresInvalid(t *testing.T) {
	s := New(nil, WithWeights(Weights{Retrieval: 2}))
	if s.Weights() != DefaultWeights() {
		t.Errorf("Weights() = %+v, want defaults", s.Weights())
	}
	custom := Weights{Retrieval: 0.5, Attribution: 0.5}
	s = New(nil, WithWeights(custom))
	if s.Weights() != custom {
		t.Errorf("Weights() = %+v, want %+v", s.Weights(), custom)
	}
}

func TestLevel(t *testing.T) {
	even := func(v float64) api.ConfidenceDimensions {
		return api.ConfidenceDimensions{Retrieval: v, Generation: v, Attribution: v, Factual: v, Temporal: v}
	}
	weak := even(0.95)
	weak.Temporal = 0.1

	tests := []struct {
		name    string
		overall float64
		dims    api.ConfidenceDimensions
		want    api.ConfidenceLevel
	}{
		{"high", 0.85, even(0.85), api.LevelHigh},
		{"high overall with weak dimension", 0.85, weak, api.LevelMedium},
		{"high boundary", 0.8, even(0.3), api.LevelHigh},
		{"medium", 0.6, even(0.6), api.LevelMedium},
		{"low", 0.45, even(0.45), api.LevelLow},
		{"uncertain", 0.2, even(0.2), api.LevelUncertain},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Level(tt.overall, tt.dims); got != tt.want {
				t.Errorf("Level(%v) = %s, want %s", tt.overall, got, tt.want)
			}
		})
	}
}

func TestRetrievalScore(t *testing.T) {
	scored := func(scores ...float64) []api.ScoredDocument {
		docs := make([]api.ScoredDocument, len(scores))
		for i, s := range scores {
			docs[i] = api.ScoredDocument{ID: "d", Score: s}
		}
		return docs
	}

	tests := []struct {
		name string
		docs []api.ScoredDocument
		want float64
	}{
		{"empty", nil, 0},
		{"agreeing top three", scored(0.7, 0.9, 0.8), 0.8},
		{"spread penalty", scored(0.9, 0.5, 0.4), 0.5},
		{"large set bonus", scored(0.6, 0.6, 0.6, 0.1, 0.1), 0.7},
		{"clamped", scored(0.95, 0.95, 0.95, 0.9, 0.9), 1},
		{"single", scored(0.4), 0.4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RetrievalScore(tt.docs); !approx(got, tt.want) {
				t.Errorf("RetrievalScore() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFreshness(t *testing.T) {
	tests := []struct {
		age  time.Duration
		want float64
	}{
		{12 * time.Hour, 1.0},
		{3 * day, 0.9},
		{20 * day, 0.7},
		{60 * day, 0.5},
		{200 * day, 0.3},
		{-time.Hour, 1.0},
	}
	for _, tt := range tests {
		if got := Freshness(tt.age); got != tt.want {
			t.Errorf("Freshness(%v) = %v, want %v", tt.age, got, tt.want)
		}
	}
}

func TestTemporalScore(t *testing.T) {
	if got := TemporalScore(nil, now); got != 0.5 {
		t.Errorf("TemporalScore(nil) = %v, want 0.5", got)
	}

	mixed := []api.ScoredDocument{
		{ID: "a", PublishedAt: ago(12 * time.Hour)},
		{ID: "b"},
	}
	if got := TemporalScore(mixed, now); !approx(got, 0.75) {
		t.Errorf("TemporalScore(fresh, undated) = %v, want 0.75", got)
	}

	var six []api.ScoredDocument
	for i := 0; i < 5; i++ {
		six = append(six, api.ScoredDocument{ID: "fresh", PublishedAt: ago(time.Hour)})
	}
	six = append(six, api.ScoredDocument{ID: "stale", PublishedAt: ago(400 * day)})
	if got := TemporalScore(six, now); got != 1 {
		t.Errorf("TemporalScore() over six docs = %v, want 1 (only first five count)", got)
	}
}

func TestGenerationScore(t *testing.T) {
	rich := "In 2023 the company reported revenue growth of 12% to $5 billion, driven by strong demand across regions.\n\n" +
		"Key drivers:\n- cloud services expansion\n- hardware refresh cycles"
	hedged := "It might be true, perhaps, but it is unclear and I am not sure; it seems it could be otherwise, uncertain overall."

	tests := []struct {
		name   string
		answer string
		want   float64
	}{
		{"short", "Yes.", 0.3},
		{"short and hedged", "It might be, perhaps.", 0.2},
		{"specific and structured", rich, 0.85},
		{"hedging capped", hedged, 0.4},
		{"plain medium length", strings.Repeat("word ", 14), 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GenerationScore(tt.answer); !approx(got, tt.want) {
				t.Errorf("GenerationScore() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAttributionScore(t *testing.T) {
	docs := []api.ScoredDocument{{
		ID:      "eiffel",
		Title:   "Eiffel Tower",
		Content: "The Eiffel Tower was completed in 1889 in Paris, France for the World Fair.",
	}}

	answer := "The Eiffel Tower was completed in 1889 for the World Fair. " +
		"The tower stands in Paris, France today. " +
		"Bananas contain significant potassium amounts naturally."
	if got := AttributionScore(answer, docs); !approx(got, 2.0/3.0) {
		t.Errorf("AttributionScore() = %v, want 2/3", got)
	}

	if got := AttributionScore("Yes. It is. Short one.", docs); got != 0.5 {
		t.Errorf("AttributionScore(no eligible sentences) = %v, want 0.5", got)
	}
	if got := AttributionScore(answer, nil); got != 0 {
		t.Errorf("AttributionScore(no docs) = %v, want 0", got)
	}
	if got := AttributionScore("Yes. It is. Short one.", nil); got != 0 {
		t.Errorf("AttributionScore(no docs, no eligible sentences) = %v, want 0", got)
	}
}

func TestFactualScore(t *testing.T) {
	if got := FactualScore(nil, now); !approx(got, 0.6) {
		t.Errorf("FactualScore(nil) = %v, want 0.6", got)
	}

	corroborated := []api.ScoredDocument{
		{ID: "a", Source: "https://www.reuters.com/markets", PublishedAt: ago(2 * day)},
		{ID: "b", Source: "example.org", PublishedAt: ago(3 * day)},
		{ID: "c", Source: "example.org"},
	}
	if got := FactualScore(corroborated, now); !approx(got, 0.95) {
		t.Errorf("FactualScore(corroborated) = %v, want 0.95", got)
	}

	singleSource := []api.ScoredDocument{
		{ID: "a", Source: "blog.example"},
		{ID: "b", Source: "blog.example"},
		{ID: "c", Source: "BLOG.example"},
	}
	if got := FactualScore(singleSource, now); !approx(got, 0.6) {
		t.Errorf("FactualScore(single source) = %v, want 0.6", got)
	}
}

func TestWarnings(t *testing.T) {
	weak := api.ConfidenceDimensions{Retrieval: 0.3, Generation: 0.9, Attribution: 0.9, Factual: 0.9, Temporal: 0.4}
	if got := Warnings(weak, 1); len(got) != 3 {
		t.Errorf("Warnings(weak, 1 doc) = %q, want 3 warnings", got)
	}

	strong := api.ConfidenceDimensions{Retrieval: 0.9, Generation: 0.9, Attribution: 0.9, Factual: 0.9, Temporal: 0.9}
	got := Warnings(strong, 3)
	if got == nil || len(got) != 0 {
		t.Errorf("Warnings(strong, 3 docs) = %#v, want empty non-nil", got)
	}
	if got := Warnings(strong, 0); len(got) != 1 || !strings.Contains(got[0], "limited sources") {
		t.Errorf("Warnings(strong, 0 docs) = %q, want limited sources", got)
	}
}

func fixture() (string, []api.ScoredDocument) {
	docs := []api.ScoredDocument{
		{ID: "a", Title: "Eiffel Tower", Content: "The Eiffel Tower was completed in 1889 in Paris.", Source: "bbc.co.uk", Score: 0.9, PublishedAt: ago(2 * day)},
		{ID: "b", Title: "Paris landmarks", Content: "Paris landmarks include the Eiffel Tower and the Louvre.", Source: "example.org", Score: 0.8, PublishedAt: ago(10 * day)},
	}
	return "The Eiffel Tower was completed in 1889 in Paris.", docs
}

func TestQuickScore(t *testing.T) {
	s := New(nil, WithClock(func() time.Time { return now }))
	answer, docs := fixture()

	got, err := s.QuickScore("When was the Eiffel Tower built?", answer, docs)
	if err != nil {
		t.Fatalf("QuickScore() error = %v", err)
	}
	if want := DefaultWeights().Combine(got.Dimensions); !approx(got.Overall, want) {
		t.Errorf("Overall = %v, want weighted sum %v", got.Overall, want)
	}
	if got.Dimensions.Attribution != 1 {
		t.Errorf("Attribution = %v, want 1", got.Dimensions.Attribution)
	}
	if !approx(got.Dimensions.Temporal, 0.8) {
		t.Errorf("Temporal = %v, want 0.8", got.Dimensions.Temporal)
	}
	if got.Level != Level(got.Overall, got.Dimensions) {
		t.Errorf("Level = %s, inconsistent with overall %v", got.Level, got.Overall)
	}
	if !strings.Contains(got.Explanation, string(got.Level)) {
		t.Errorf("Explanation %q does not name level %s", got.Explanation, got.Level)
	}
}

func TestEmptyAnswer(t *testing.T) {
	s := New(llmtest.New())
	_, docs := fixture()
	if _, err := s.QuickScore("q", "  ", docs); !errors.Is(err, ErrEmptyAnswer) {
		t.Errorf("QuickScore(blank) error = %v, want ErrEmptyAnswer", err)
	}
	if _, err := s.Score(context.Background(), "q", "", docs, true); !errors.Is(err, ErrEmptyAnswer) {
		t.Errorf("Score(blank) error = %v, want ErrEmptyAnswer", err)
	}
}

func TestScoreDeep(t *testing.T) {
	script := llmtest.New().On(llm.TaskConfidence,
		`{"generation": 0.9, "attribution": 0.8, "factual": 0.7, "reasoning": "Well sourced."}`)
	s := New(script, WithClock(func() time.Time { return now }))
	answer, docs := fixture()

	got, err := s.Score(context.Background(), "q", answer, docs, true)
	if err != nil {
		t.Fatalf("Score() error = %v", err)
	}
	d := got.Dimensions
	if d.Generation != 0.9 || d.Attribution != 0.8 || d.Factual != 0.7 {
		t.Errorf("Dimensions = %+v, want generation 0.9 attribution 0.8 factual 0.7", d)
	}
	if d.Retrieval != RetrievalScore(docs) {
		t.Errorf("Retrieval = %v, want heuristic %v", d.Retrieval, RetrievalScore(docs))
	}
	if !strings.HasSuffix(got.Explanation, "Well sourced.") {
		t.Errorf("Explanation = %q, want reasoning appended", got.Explanation)
	}
	if script.Calls(llm.TaskConfidence) != 1 {
		t.Errorf("confidence calls = %d, want 1", script.Calls(llm.TaskConfidence))
	}
}

func TestScoreDeepFallsBack(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	clock := WithClock(func() time.Time { return now })
	answer, docs := fixture()

	quick, err := New(nil, clock).QuickScore("q", answer, docs)
	if err != nil {
		t.Fatalf("QuickScore() error = %v", err)
	}

	for name, script := range map[string]*llmtest.Scripted{
		"llm error":      llmtest.New().Fail(llm.TaskConfidence),
		"malformed json": llmtest.New().On(llm.TaskConfidence, `{"generation": "high"}`),
	} {
		t.Run(name, func(t *testing.T) {
			got, err := New(script, clock, WithMetrics(m)).Score(context.Background(), "q", answer, docs, true)
			if err != nil {
				t.Fatalf("Score() error = %v", err)
			}
			if got.Dimensions != quick.Dimensions || got.Overall != quick.Overall {
				t.Errorf("Score() = %+v, want heuristic %+v", got.Dimensions, quick.Dimensions)
			}
		})
	}
	if got := testutil.ToFloat64(m.Fallbacks.WithLabelValues(llm.TaskConfidence)); got != 2 {
		t.Errorf("fallbacks = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ParseErrors.WithLabelValues(llm.TaskConfidence)); got != 1 {
		t.Errorf("parse errors = %v, want 1", got)
	}
}

func TestScoreShallowSkipsLLM(t *testing.T) {
	script := llmtest.New()
	answer, docs := fixture()
	if _, err := New(script).Score(context.Background(), "q", answer, docs, false); err != nil {
		t.Fatalf("Score() error = %v", err)
	}
	if n := script.Calls(llm.TaskConfidence); n != 0 {
		t.Errorf("confidence calls = %d, want 0", n)
	}
}

func TestScoreResult(t *testing.T) {
	s := New(nil, WithClock(func() time.Time { return now }))
	answer, docs := fixture()
	r := api.SelfRAGResult{Answer: answer, Sources: docs[:1]}

	got, err := s.ScoreResult(context.Background(), "q", r, false)
	if err != nil {
		t.Fatalf("ScoreResult() error = %v", err)
	}
	found := false
	for _, w := range got.Warnings {
		if strings.Contains(w, "limited sources") {
			found = true
		}
	}
	if !found {
		t.Errorf("Warnings = %q, want limited sources for a single document", got.Warnings)
	}
}
