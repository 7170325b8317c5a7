// Package embeddings defines the Provider interface for vector embedding backends.
//
// Embeddings are optional in Aventura. When configured, chapter summaries are
// embedded at creation time and the retrieval step pre-ranks chapters by
// cosine similarity to the user's input before asking the model to choose,
// which keeps the retrieval prompt small for long stories.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider is the abstraction over any text-embedding backend.
//
// All embedding vectors returned by a single Provider instance share the same
// dimensionality (returned by Dimensions).
type Provider interface {
	// Embed computes the embedding vector for a single text string.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes embedding vectors for texts in a single provider call.
	// The i-th element of the result corresponds to texts[i]. On error the
	// whole slice is nil.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed length of every vector produced.
	Dimensions() int

	// ModelID returns the provider-specific model identifier.
	ModelID() string
}
