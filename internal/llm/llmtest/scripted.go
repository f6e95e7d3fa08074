// Package llmtest provides a scripted Completer for tests.
package llmtest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fractal-lba/ragguard/internal/llm"
)

// ErrScripted is returned for tasks scripted to fail.
var ErrScripted = errors.New("llmtest: scripted failure")

// Reply computes a completion for a prompt.
type Reply func(prompt string) (string, error)

// Scripted answers completions by task. Unscripted tasks fail with an error
// so tests notice unexpected calls.
type Scripted struct {
	mu      sync.Mutex
	replies map[string]Reply
	calls   map[string]int
	prompts map[string][]string
}

// New creates an empty script.
func New() *Scripted {
	return &Scripted{
		replies: make(map[string]Reply),
		calls:   make(map[string]int),
		prompts: make(map[string][]string),
	}
}

// On sets a fixed reply for task.
func (s *Scripted) On(task, reply string) *Scripted {
	return s.OnFunc(task, func(string) (string, error) { return reply, nil })
}

// Fail makes task return ErrScripted.
func (s *Scripted) Fail(task string) *Scripted {
	return s.OnFunc(task, func(string) (string, error) { return "", ErrScripted })
}

// OnFunc sets a computed reply for task.
func (s *Scripted) OnFunc(task string, r Reply) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[task] = r
	return s
}

// Sequence replies with each value in turn, repeating the last one.
func (s *Scripted) Sequence(task string, replies ...string) *Scripted {
	var mu sync.Mutex
	n := 0
	return s.OnFunc(task, func(string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		r := replies[min(n, len(replies)-1)]
		n++
		return r, nil
	})
}

func (s *Scripted) Complete(ctx context.Context, prompt string, opts llm.Options) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	s.calls[opts.Task]++
	s.prompts[opts.Task] = append(s.prompts[opts.Task], prompt)
	r, ok := s.replies[opts.Task]
	s.mu.Unlock()

	if !ok {
		return "", fmt.Errorf("llmtest: no reply scripted for task %q", opts.Task)
	}
	return r(prompt)
}

// Calls returns how many completions were requested for task.
func (s *Scripted) Calls(task string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[task]
}

// Prompts returns the prompts sent for task, in call order.
func (s *Scripted) Prompts(task string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.prompts[task]...)
}
