// Package mock provides a scripted llm.Provider for tests.
//
// One Provider usually plays every model role in a test: the narrator streams
// StreamChunks while the JSON-contract callers (classifier, chapter analysis,
// retrieval) get CompleteResponse, or whatever CompleteFunc routes them to.
//
//	p := &mock.Provider{
//	    CompleteResponse: &llm.CompletionResponse{Content: `{"characters":[]}`},
//	}
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/surfacecoaster/Aventura-custom/pkg/provider/llm"
)

// Call is one recorded request.
type Call struct {
	Req    llm.CompletionRequest
	Stream bool
}

// Provider is a mock implementation of llm.Provider. The zero value streams
// nothing and completes with nil, nil.
type Provider struct {
	// StreamChunks are sent, in order, on every stream.
	StreamChunks []llm.Chunk
	// StreamErr fails StreamCompletion before a channel is opened.
	StreamErr error

	CompleteResponse *llm.CompletionResponse
	CompleteErr      error
	// CompleteFunc takes precedence over CompleteResponse and CompleteErr.
	CompleteFunc func(req llm.CompletionRequest) (*llm.CompletionResponse, error)

	// TokenCount fixes CountTokens. Zero uses llm.EstimateTokens.
	TokenCount int

	mu    sync.Mutex
	calls []Call
}

// StreamCompletion emits a copy of StreamChunks and closes the channel, or
// stops early when ctx is cancelled.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.calls = append(p.calls, Call{Req: req, Stream: true})
	chunks, err := slices.Clone(p.StreamChunks), p.StreamErr
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(out)
		for _, c := range chunks {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Complete answers from CompleteFunc when set, otherwise from
// CompleteResponse and CompleteErr.
func (p *Provider) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.calls = append(p.calls, Call{Req: req})
	fn, resp, err := p.CompleteFunc, p.CompleteResponse, p.CompleteErr
	p.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return resp, err
}

// CountTokens implements llm.Provider.
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	if p.TokenCount > 0 {
		return p.TokenCount, nil
	}
	return llm.EstimateTokens(messages), nil
}

// SetStream swaps the scripted stream between turns.
func (p *Provider) SetStream(chunks []llm.Chunk, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StreamChunks, p.StreamErr = chunks, err
}

// Calls returns the recorded Complete calls in order.
func (p *Provider) Calls() []Call { return p.filter(false) }

// Streams returns the recorded StreamCompletion calls in order.
func (p *Provider) Streams() []Call { return p.filter(true) }

// CompleteCallCount is len(p.Calls()).
func (p *Provider) CompleteCallCount() int { return len(p.Calls()) }

func (p *Provider) filter(stream bool) []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Call
	for _, c := range p.calls {
		if c.Stream == stream {
			out = append(out, c)
		}
	}
	return out
}

var _ llm.Provider = (*Provider)(nil)
