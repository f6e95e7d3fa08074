// Package llm is the completion boundary of the QA pipeline. Every judgment
// the grader, critic, scorer and harness need from a model goes through a
// Completer; structured replies are validated against a JSON schema before use.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Tasks label completions for metrics, tracing and scripted test doubles.
const (
	TaskGrade         = "grade"
	TaskRefine        = "refine"
	TaskGenerate      = "generate"
	TaskCritique      = "critique"
	TaskHallucination = "hallucination"
	TaskConfidence    = "confidence"
	TaskFaithfulness  = "faithfulness"
	TaskRelevance     = "relevance"
	TaskRecall        = "recall"
)

// Options tune a single completion.
type Options struct {
	Temperature float64
	MaxTokens   int
	JSONMode    bool
	Task        string
}

// Completer produces a text completion for a prompt.
type Completer interface {
	Complete(ctx context.Context, prompt string, opts Options) (string, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, prompt string, opts Options) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	return f(ctx, prompt, opts)
}

// ErrEmptyCompletion is returned when a provider replies without text.
var ErrEmptyCompletion = errors.New("llm: empty completion")

// Config selects and configures a provider.
type Config struct {
	Provider string // openai | anthropic
	Model    string
	APIKey   string
	BaseURL  string
	Timeout  time.Duration
}

// New builds the completer for cfg.Provider.
func New(cfg Config) (Completer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm: api key required for provider %q", cfg.Provider)
	}
	switch cfg.Provider {
	case "openai", "":
		return NewOpenAI(cfg), nil
	case "anthropic":
		return NewAnthropic(cfg), nil
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", cfg.Provider)
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
