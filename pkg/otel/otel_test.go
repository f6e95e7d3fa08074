package otel

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig("ragguard-test")

	if config.ServiceName != "ragguard-test" {
		t.Errorf("Expected service name 'ragguard-test', got '%s'", config.ServiceName)
	}
	if config.CollectorEndpoint == "" {
		t.Error("Collector endpoint should not be empty")
	}
	if config.SamplingRate < 0.0 || config.SamplingRate > 1.0 {
		t.Errorf("Sampling rate out of bounds: %.2f", config.SamplingRate)
	}
}

func TestLLMAttributes(t *testing.T) {
	attrs := LLMAttributes("openai", "gpt-4o-mini", "grade", true)
	if len(attrs) != 4 {
		t.Fatalf("Expected 4 attributes, got %d", len(attrs))
	}

	found := false
	for _, attr := range attrs {
		if attr.Key == AttrLLMTask && attr.Value.AsString() == "grade" {
			found = true
		}
	}
	if !found {
		t.Error("task attribute not found")
	}
}

func TestGradeAttributes(t *testing.T) {
	if attrs := GradeAttributes(10, 4, 0.62, "refine"); len(attrs) != 4 {
		t.Errorf("Expected 4 attributes with action, got %d", len(attrs))
	}
	if attrs := GradeAttributes(10, 4, 0.62, ""); len(attrs) != 3 {
		t.Errorf("Expected 3 attributes without action, got %d", len(attrs))
	}
}

func TestEvalAndExperimentAttributes(t *testing.T) {
	if attrs := EvalAttributes("run-1", "", 0); len(attrs) != 1 {
		t.Errorf("Expected 1 attribute for run span, got %d", len(attrs))
	}
	if attrs := EvalAttributes("run-1", "case-7", 0.71); len(attrs) != 3 {
		t.Errorf("Expected 3 attributes for case span, got %d", len(attrs))
	}
	if attrs := ExperimentAttributes("exp-1", "control"); len(attrs) != 2 {
		t.Errorf("Expected 2 attributes, got %d", len(attrs))
	}
	if attrs := IterationAttributes(2, "critique", 0.55); len(attrs) != 3 {
		t.Errorf("Expected 3 attributes, got %d", len(attrs))
	}
}

func TestStartSpan(t *testing.T) {
	// Uses the global no-op tracer since OTel is not initialized
	ctx, span := StartSpan(context.Background(), "test-tracer", "test-span",
		attribute.String("test.key", "test.value"),
	)
	if ctx == nil {
		t.Error("Context should not be nil")
	}
	if span == nil {
		t.Fatal("Span should not be nil")
	}

	RecordError(span, nil, "")
	AddEvent(span, "test-event", attribute.String("key", "value"))
	span.End()
}
