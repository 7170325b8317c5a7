// Package llm defines the Provider interface for Large Language Model backends.
//
// A provider wraps a remote or local model API (OpenAI, Anthropic, a local
// Ollama instance, ...) and exposes the two capabilities the story pipeline
// needs: a blocking completion used for JSON-contract calls (classification,
// chapter analysis, retrieval) and a streaming completion used for narration.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends or
// when the supplied context is cancelled.
package llm

import "context"

// Message roles understood by every provider.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// FinishReasonError marks the final chunk of a stream that failed after it
// started. The chunk's Text carries the error message.
const FinishReasonError = "error"

// Message is a single role-tagged message in a conversation.
type Message struct {
	// Role is one of RoleSystem, RoleUser or RoleAssistant.
	Role string

	// Content is the text content of the message.
	Content string
}

// Usage holds token accounting information returned by the LLM backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the LLM needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history.
	Messages []Message

	// Model overrides the provider's configured model when non-empty. This lets
	// one credential serve a cheap classification model and a stronger
	// narration model.
	Model string

	// Temperature controls output randomness in the range [0.0, 2.0]. Zero
	// means use the provider default.
	Temperature float64

	// MaxTokens caps the number of completion tokens. Zero means use the
	// provider default.
	MaxTokens int

	// SystemPrompt is an optional instruction injected before the conversation
	// history as a "system"-role message.
	SystemPrompt string

	// JSON asks for a bare JSON object reply on backends with a structured
	// output mode. The prompt must still describe the object.
	JSON bool
}

// Chunk is a single fragment emitted by a streaming completion.
type Chunk struct {
	// Text is the incremental text content of this chunk.
	Text string

	// FinishReason is set on the final chunk: "stop", "length",
	// [FinishReasonError] or "" for non-final chunks.
	FinishReason string
}

// Done reports whether c is the last chunk of a stream.
func (c Chunk) Done() bool { return c.FinishReason != "" }

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// StreamCompletion sends req to the model and returns a channel that emits
	// Chunk values as they arrive. The channel is closed by the implementation
	// when generation finishes or ctx is cancelled.
	//
	// Errors after the stream has started are surfaced as a Chunk with
	// FinishReason [FinishReasonError]; the error return is non-nil only when
	// the stream could not be started.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete sends req to the model and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates the number of tokens messages would consume in the
	// model's context window. It need not be exact but should not undercount.
	CountTokens(messages []Message) (int, error)
}

// EstimateTokens is the shared character-based heuristic used by adapters
// that have no tokenizer: roughly four characters per token plus a small
// per-message overhead for role and formatting tokens.
func EstimateTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += (len(m.Content) + 3) / 4
		total += 4
	}
	return total
}
