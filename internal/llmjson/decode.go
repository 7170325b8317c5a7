// Package llmjson decodes JSON-only model replies into typed values.
//
// Every memory-pipeline call that asks the model for structured output goes
// through [Decode] or [Complete]. The result is tagged: either Ok with a value,
// or carrying an error that wraps one of [ErrTransport], [ErrParse] or
// [ErrInvalid]. Callers pick an explicit fallback with [Result.Or]; a decode
// failure never panics and never escapes as anything but a value.
package llmjson

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/surfacecoaster/Aventura-custom/pkg/provider/llm"
)

// Failure classes carried by a non-Ok [Result].
var (
	ErrTransport = errors.New("llmjson: transport")
	ErrParse     = errors.New("llmjson: parse")
	ErrInvalid   = errors.New("llmjson: invalid")
)

// Validator is implemented by reply types that can reject a syntactically
// valid but semantically unusable decode (missing required fields).
type Validator interface {
	Validate() error
}

// Result is the tagged outcome of decoding a model reply.
type Result[T any] struct {
	Value T
	Err   error

	// Raw is the reply text as received, kept for logging.
	Raw string
}

// Ok reports whether decoding succeeded.
func (r Result[T]) Ok() bool { return r.Err == nil }

// Or returns the decoded value, or fallback when decoding failed.
func (r Result[T]) Or(fallback T) T {
	if r.Err != nil {
		return fallback
	}
	return r.Value
}

// Decode strips markdown fences from content and unmarshals the JSON object
// it contains into T. When the reply wraps the object in prose, the outermost
// {...} span is tried as a second chance.
func Decode[T any](content string) Result[T] {
	res := Result[T]{Raw: content}

	cleaned := StripMarkdown(content)
	if cleaned == "" {
		res.Err = fmt.Errorf("%w: empty reply", ErrParse)
		return res
	}

	var v T
	err := json.Unmarshal([]byte(cleaned), &v)
	if err != nil {
		if span, ok := objectSpan(cleaned); ok {
			var retry T
			if json.Unmarshal([]byte(span), &retry) == nil {
				v, err = retry, nil
			}
		}
	}
	if err != nil {
		res.Err = fmt.Errorf("%w: %w", ErrParse, err)
		return res
	}

	if val, ok := any(&v).(Validator); ok {
		if err := val.Validate(); err != nil {
			res.Err = fmt.Errorf("%w: %w", ErrInvalid, err)
			return res
		}
	}

	res.Value = v
	return res
}

// Complete sends req to p in JSON mode and decodes the reply into T.
// Transport failures are reported through the Result, never through a
// separate error.
func Complete[T any](ctx context.Context, p llm.Provider, req llm.CompletionRequest) Result[T] {
	req.JSON = true
	resp, err := p.Complete(ctx, req)
	if err != nil {
		return Result[T]{Err: fmt.Errorf("%w: %w", ErrTransport, err)}
	}
	if resp == nil {
		return Result[T]{Err: fmt.Errorf("%w: nil response", ErrTransport)}
	}
	return Decode[T](resp.Content)
}

// StripMarkdown removes a surrounding ```json ... ``` or ``` ... ``` fence.
func StripMarkdown(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"```json", "```JSON", "```"} {
		if after, ok := strings.CutPrefix(s, prefix); ok {
			s = after
			break
		}
	}
	if before, ok := strings.CutSuffix(s, "```"); ok {
		s = before
	}
	return strings.TrimSpace(s)
}

func objectSpan(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}
