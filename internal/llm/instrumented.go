package llm

import (
	"context"
	"time"

	"github.com/fractal-lba/ragguard/internal/metrics"
	tracing "github.com/fractal-lba/ragguard/pkg/otel"
)

const tracerName = "ragguard/llm"

// Instrumented wraps a completer with a span and Prometheus observations
// per call.
type Instrumented struct {
	next     Completer
	provider string
	model    string
	metrics  *metrics.Metrics
}

// NewInstrumented wraps next. m may be nil.
func NewInstrumented(next Completer, provider, model string, m *metrics.Metrics) *Instrumented {
	return &Instrumented{next: next, provider: provider, model: model, metrics: m}
}

func (i *Instrumented) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "llm.complete",
		tracing.LLMAttributes(i.provider, i.model, opts.Task, opts.JSONMode)...)
	defer span.End()

	start := time.Now()
	text, err := i.next.Complete(ctx, prompt, opts)
	elapsed := time.Since(start)

	i.metrics.ObserveLLM(opts.Task, elapsed, err)
	span.SetAttributes(tracing.AttrLatencyMs.Float64(float64(elapsed.Microseconds()) / 1000))
	if err != nil {
		tracing.RecordError(span, err, "completion failed")
	}
	return text, err
}
