package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fractal-lba/ragguard/internal/eval"
)

func writeTemp(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadExperimentSpec(t *testing.T) {
	path := writeTemp(t, "exp.yaml", `
name: refine-budget
description: one vs three iterations
min_samples_per_variant: 10
traffic_split:
  fast: 0.5
  thorough: 0.5
variants:
  - id: fast
    pipeline:
      kind: selfrag
      max_iterations: 1
  - id: thorough
    name: Three iterations
    pipeline:
      kind: selfrag
      max_iterations: 3
`)
	spec, err := loadExperimentSpec(path)
	if err != nil {
		t.Fatalf("loadExperimentSpec() error = %v", err)
	}
	if spec.Name != "refine-budget" || spec.MinSamplesPerVariant != 10 || len(spec.Variants) != 2 {
		t.Fatalf("spec = %+v", spec)
	}
	if got := spec.Variants[0].Config["max_iterations"]; got != 1 {
		t.Errorf("fast max_iterations = %v (%T), want 1", got, got)
	}
	if spec.TrafficSplit["thorough"] != 0.5 {
		t.Errorf("traffic split = %v", spec.TrafficSplit)
	}
}

func TestLoadDocuments(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    int
		wantErr bool
	}{
		{"array", `[{"id": "a", "content": "x", "score": 0.5}]`, 1, false},
		{"wrapped", `{"documents": [{"id": "a", "score": 0.5}, {"id": "b", "score": 0.1}]}`, 2, false},
		{"bad score", `[{"id": "a", "score": 3}]`, 0, true},
		{"not json", `docs`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			docs, err := loadDocuments(writeTemp(t, "docs.json", tt.body))
			if (err != nil) != tt.wantErr {
				t.Fatalf("loadDocuments() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(docs) != tt.want {
				t.Errorf("len(docs) = %d, want %d", len(docs), tt.want)
			}
		})
	}
	if docs, err := loadDocuments(""); docs != nil || err != nil {
		t.Errorf("loadDocuments(\"\") = (%v, %v), want (nil, nil)", docs, err)
	}
}

func TestPending(t *testing.T) {
	cases := []eval.TestCase{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	got := pending(cases, map[string]bool{"b": true})
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "c" {
		t.Errorf("pending() = %+v, want a, c", got)
	}
}
