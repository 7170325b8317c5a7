// Package mock provides a table-driven embeddings.Provider for tests.
//
// Retrieval tests place chapter summaries and queries at known positions in
// vector space through Vectors. Any text not in the table embeds to
// EmbedResult.
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/surfacecoaster/Aventura-custom/pkg/provider/embeddings"
)

// Provider is a mock implementation of embeddings.Provider.
type Provider struct {
	// Vectors maps input text to its vector.
	Vectors map[string][]float32

	// EmbedResult is the vector for texts missing from Vectors.
	EmbedResult []float32

	// Err fails every Embed and EmbedBatch call when non-nil.
	Err error

	// Dims is returned by Dimensions. Zero reports len(EmbedResult).
	Dims int

	// Model is returned by ModelID. Default: "mock-embed".
	Model string

	mu    sync.Mutex
	texts []string
}

func (p *Provider) lookup(text string) []float32 {
	if v, ok := p.Vectors[text]; ok {
		return v
	}
	return p.EmbedResult
}

// Embed records text and returns its table vector.
func (p *Provider) Embed(_ context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.texts = append(p.texts, text)
	if p.Err != nil {
		return nil, p.Err
	}
	return p.lookup(text), nil
}

// EmbedBatch records every text and returns their table vectors in order.
func (p *Provider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.texts = append(p.texts, texts...)
	if p.Err != nil {
		return nil, p.Err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = p.lookup(t)
	}
	return out, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int {
	if p.Dims > 0 {
		return p.Dims
	}
	return len(p.EmbedResult)
}

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string {
	if p.Model == "" {
		return "mock-embed"
	}
	return p.Model
}

// Texts returns every text embedded so far, in call order.
func (p *Provider) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.texts)
}

var _ embeddings.Provider = (*Provider)(nil)
