package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Schema is a compiled JSON schema for one structured reply shape.
type Schema struct {
	name     string
	compiled *jsonschema.Schema
}

// MustCompileSchema compiles src or panics. Schemas are package-level
// literals, so a failure is a programming error.
func MustCompileSchema(name, src string) *Schema {
	return &Schema{
		name:     name,
		compiled: jsonschema.MustCompileString(name+".json", src),
	}
}

// Name returns the schema name.
func (s *Schema) Name() string { return s.name }

// ParseError reports a reply that could not be decoded into the expected shape.
type ParseError struct {
	Schema string
	Raw    string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("llm: %s reply rejected: %v", e.Schema, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

var errNoJSONObject = errors.New("no JSON object in reply")

// Decode extracts the first JSON object from raw, validates it against
// schema and unmarshals it into T. Any failure is a *ParseError.
func Decode[T any](raw string, schema *Schema) (T, error) {
	var out T

	body, ok := extractObject(raw)
	if !ok {
		return out, &ParseError{Schema: schema.name, Raw: raw, Err: errNoJSONObject}
	}

	var doc any
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return out, &ParseError{Schema: schema.name, Raw: raw, Err: err}
	}
	if err := schema.compiled.Validate(doc); err != nil {
		return out, &ParseError{Schema: schema.name, Raw: raw, Err: err}
	}
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return out, &ParseError{Schema: schema.name, Raw: raw, Err: err}
	}
	return out, nil
}

// Result is the outcome of a structured completion. Exactly one of Value
// (when Err is nil) or Err is meaningful. Err is either a transport error
// from the Completer or a *ParseError.
type Result[T any] struct {
	Value T
	Err   error
}

// OK reports whether the reply decoded successfully.
func (r Result[T]) OK() bool { return r.Err == nil }

// IsParseError reports whether the failure came from decoding, not transport.
func (r Result[T]) IsParseError() bool {
	var pe *ParseError
	return errors.As(r.Err, &pe)
}

// CompleteJSON runs a JSON-mode completion and decodes the reply.
func CompleteJSON[T any](ctx context.Context, c Completer, prompt string, opts Options, schema *Schema) Result[T] {
	opts.JSONMode = true
	raw, err := c.Complete(ctx, prompt, opts)
	if err != nil {
		return Result[T]{Err: err}
	}
	v, err := Decode[T](raw, schema)
	return Result[T]{Value: v, Err: err}
}

// extractObject strips markdown code fences and returns the outermost
// {...} span of s.
func extractObject(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}
