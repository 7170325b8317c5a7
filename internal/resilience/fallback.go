package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/surfacecoaster/Aventura-custom/internal/observe"
	"github.com/surfacecoaster/Aventura-custom/pkg/provider/llm"
)

// ErrAllFailed is returned when every entry in a [Group] failed or had an
// open circuit breaker.
var ErrAllFailed = errors.New("resilience: all providers failed")

// GroupConfig configures a [Group].
type GroupConfig struct {
	// Breaker is the template for each entry's circuit breaker. Name is
	// replaced with the entry name.
	Breaker BreakerConfig

	// Kind labels provider metrics, e.g. "llm".
	Kind string

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

type groupEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// Group holds a primary and zero or more fallback values of the same
// provider type, each behind its own circuit breaker. Entries are tried in
// registration order.
type Group[T any] struct {
	cfg     GroupConfig
	log     *slog.Logger
	entries []groupEntry[T]
}

// NewGroup creates a [Group] with primary as the first entry.
func NewGroup[T any](primaryName string, primary T, cfg GroupConfig) *Group[T] {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Breaker.Logger == nil {
		cfg.Breaker.Logger = cfg.Logger
	}
	g := &Group[T]{cfg: cfg, log: cfg.Logger}
	g.Add(primaryName, primary)
	return g
}

// Add appends a fallback. Call it before the group is shared.
func (g *Group[T]) Add(name string, v T) {
	bc := g.cfg.Breaker
	bc.Name = name
	g.entries = append(g.entries, groupEntry[T]{name: name, value: v, breaker: NewCircuitBreaker(bc)})
}

// Names returns the entry names in try order.
func (g *Group[T]) Names() []string {
	out := make([]string, len(g.entries))
	for i, e := range g.entries {
		out[i] = e.name
	}
	return out
}

// Do calls fn on each entry in turn until one succeeds. Entries with an open
// breaker are skipped. When ctx ends no further entries are tried and the
// context error is returned.
func Do[T, R any](ctx context.Context, g *Group[T], fn func(T) (R, error)) (R, error) {
	var (
		zero R
		errs []error
	)
	for i := range g.entries {
		e := &g.entries[i]
		var out R
		err := e.breaker.Execute(ctx, func() error {
			var err error
			out, err = fn(e.value)
			return err
		})
		if err == nil {
			g.cfg.Metrics.RecordProviderRequest(ctx, e.name, g.cfg.Kind, "ok")
			return out, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}
		errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
		if errors.Is(err, ErrCircuitOpen) {
			g.log.Debug("resilience: skipping provider, circuit open", "provider", e.name)
			continue
		}
		g.cfg.Metrics.RecordProviderRequest(ctx, e.name, g.cfg.Kind, "error")
		g.cfg.Metrics.RecordProviderError(ctx, e.name, g.cfg.Kind)
		g.log.Warn("resilience: provider failed, trying next", "provider", e.name, "err", err)
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}

// ─────────────────────────────────────────────────────────────────────────────
// LLM
// ─────────────────────────────────────────────────────────────────────────────

// LLMFallback is an [llm.Provider] that fails over across several backends.
type LLMFallback struct {
	group *Group[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred
// backend. cfg.Kind defaults to "llm".
func NewLLMFallback(primaryName string, primary llm.Provider, cfg GroupConfig) *LLMFallback {
	if cfg.Kind == "" {
		cfg.Kind = "llm"
	}
	return &LLMFallback{group: NewGroup(primaryName, primary, cfg)}
}

// AddFallback registers another backend, tried after those already added.
func (f *LLMFallback) AddFallback(name string, p llm.Provider) {
	f.group.Add(name, p)
}

// Names returns the backend names in try order.
func (f *LLMFallback) Names() []string { return f.group.Names() }

// Complete implements [llm.Provider].
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return Do(ctx, f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// StreamCompletion implements [llm.Provider]. Only opening the stream fails
// over; an error after the first chunk reaches the caller as a
// [llm.FinishReasonError] chunk.
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return Do(ctx, f.group, func(p llm.Provider) (<-chan llm.Chunk, error) {
		return p.StreamCompletion(ctx, req)
	})
}

// CountTokens uses the primary backend's counter.
func (f *LLMFallback) CountTokens(messages []llm.Message) (int, error) {
	return f.group.entries[0].value.CountTokens(messages)
}
