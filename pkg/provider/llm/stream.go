package llm

import (
	"errors"
	"strings"
)

// ErrStreamEnded is returned by [Collect] when a stream closes without a
// final chunk, which happens when the producer's context was cancelled.
var ErrStreamEnded = errors.New("llm: stream ended before completion")

// Collect drains ch and returns the concatenated text. Each non-empty text
// fragment is passed to onText (if non-nil) as it arrives. A chunk with
// FinishReason [FinishReasonError] turns into a returned error.
func Collect(ch <-chan Chunk, onText func(string)) (string, error) {
	var b strings.Builder
	finished := false
	for c := range ch {
		if c.FinishReason == FinishReasonError {
			return b.String(), errors.New("llm: stream: " + c.Text)
		}
		if c.Text != "" {
			b.WriteString(c.Text)
			if onText != nil {
				onText(c.Text)
			}
		}
		if c.Done() {
			finished = true
		}
	}
	if !finished {
		return b.String(), ErrStreamEnded
	}
	return b.String(), nil
}
