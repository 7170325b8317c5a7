package ctxbuild

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/surfacecoaster/Aventura-custom/internal/llmjson"
	"github.com/surfacecoaster/Aventura-custom/internal/observe"
	"github.com/surfacecoaster/Aventura-custom/pkg/provider/llm"
)

const curatorPromptTemplate = `You choose background entries for the narrator of an interactive fiction story.

You are given candidate entries (with ids) that are not yet in the narrator's context, the recent story and the player's next input.
Pick at most %d entries the narrator is likely to need for the next passage, most useful first.

Rules:
- Use ONLY ids from the candidate list.
- Pick nothing when no entry is clearly useful.

Respond with ONLY a JSON object in this exact format (no markdown, no prose):
{"ids": []}`

type curation struct {
	IDs []string `json:"ids"`
}

// CuratorOption is a functional option for [NewLLMCurator].
type CuratorOption func(*LLMCurator)

// WithCuratorModel overrides the provider's default model.
func WithCuratorModel(model string) CuratorOption {
	return func(c *LLMCurator) { c.model = model }
}

// WithCuratorLogger sets the logger.
func WithCuratorLogger(l *slog.Logger) CuratorOption {
	return func(c *LLMCurator) { c.log = l }
}

// WithCuratorMetrics records call latency on m.
func WithCuratorMetrics(m *observe.Metrics) CuratorOption {
	return func(c *LLMCurator) { c.metrics = m }
}

// LLMCurator is a [Curator] that asks a language model to rank candidates.
type LLMCurator struct {
	llm     llm.Provider
	model   string
	log     *slog.Logger
	metrics *observe.Metrics
}

var _ Curator = (*LLMCurator)(nil)

// NewLLMCurator returns a curator backed by provider.
func NewLLMCurator(provider llm.Provider, opts ...CuratorOption) *LLMCurator {
	c := &LLMCurator{llm: provider, log: slog.Default()}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Curate implements [Curator]. Any transport or decode failure is returned
// as an error.
func (c *LLMCurator) Curate(ctx context.Context, req Request, candidates []Item, limit int) ([]string, error) {
	if len(candidates) == 0 || limit < 1 {
		return nil, nil
	}

	ctx, span := observe.StartSpan(ctx, "ctxbuild.Curate")
	defer span.End()

	creq := llm.CompletionRequest{
		SystemPrompt: fmt.Sprintf(curatorPromptTemplate, limit),
		Model:        c.model,
		Temperature:  0.2,
		MaxTokens:    512,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: buildCuratorMessage(req, candidates)},
		},
	}

	start := time.Now()
	res := llmjson.Complete[curation](ctx, c.llm, creq)
	var callErr error
	if errors.Is(res.Err, llmjson.ErrTransport) {
		callErr = res.Err
	}
	c.metrics.RecordLLMCall(ctx, "curate", time.Since(start), callErr)
	if !res.Ok() {
		observe.EndSpan(span, res.Err)
		return nil, fmt.Errorf("ctxbuild: curate: %w", res.Err)
	}
	c.log.Debug("ctxbuild: curated", "candidates", len(candidates), "picked", len(res.Value.IDs))
	return res.Value.IDs, nil
}

func buildCuratorMessage(req Request, candidates []Item) string {
	var sb strings.Builder
	sb.WriteString("CANDIDATES:\n")
	for _, it := range candidates {
		fmt.Fprintf(&sb, "- id=%s | %s | %s\n", it.ID, it.Kind, it.Line)
	}

	var recent []string
	for _, e := range req.RecentEntries {
		if s := strings.TrimSpace(e.Content); s != "" {
			recent = append(recent, s)
		}
	}
	if len(recent) > 0 {
		sb.WriteString("\nRECENT STORY:\n")
		sb.WriteString(strings.Join(recent, "\n"))
		sb.WriteByte('\n')
	}

	sb.WriteString("\nPLAYER INPUT:\n")
	sb.WriteString(strings.TrimSpace(req.UserInput))
	return sb.String()
}
