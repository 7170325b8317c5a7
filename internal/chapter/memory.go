// Package chapter implements chapter memory: deciding when a run of story
// entries should be compressed into a chapter, summarising it, and choosing
// which past chapters to pull back into the narration context.
//
// Every model-assisted step uses a JSON-only contract decoded through
// [llmjson]. A failed or unparseable reply degrades to a safe default (no
// chapter, no retrieval, or a mechanical summary) and is logged; none of them
// aborts a turn. Index arithmetic ([Eligible], [CandidateRange], [ClampEnd])
// is mechanical and never trusts model output.
package chapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/surfacecoaster/Aventura-custom/internal/llmjson"
	"github.com/surfacecoaster/Aventura-custom/internal/observe"
	"github.com/surfacecoaster/Aventura-custom/internal/story"
	"github.com/surfacecoaster/Aventura-custom/pkg/provider/embeddings"
	"github.com/surfacecoaster/Aventura-custom/pkg/provider/llm"
)

// ErrRange is returned when a chapter's entry range does not fit the log.
var ErrRange = errors.New("chapter: entry range out of bounds")

// ErrUnparseable is returned by [Memory.Resummarize] when the model reply
// could not be decoded; the existing chapter is left as it was.
var ErrUnparseable = errors.New("chapter: unparseable summary")

const (
	defaultTemperature = 0.3
	defaultMaxTokens   = 1536

	// priorContextChapters is how many earlier chapters are shown to the
	// summariser for continuity.
	priorContextChapters = 3
)

// Eligible reports whether enough entries have accumulated past lastEnd for
// a new chapter: total-lastEnd >= threshold+buffer.
func Eligible(total, lastEnd int, cfg story.MemoryConfig) bool {
	return total-lastEnd >= cfg.ChapterThreshold+cfg.ChapterBuffer
}

// CandidateRange returns the inclusive bounds within which a chapter end may
// be chosen: [lastEnd, total-buffer]. The trailing buffer entries are never
// part of a candidate chapter.
func CandidateRange(total, lastEnd int, cfg story.MemoryConfig) (start, end int) {
	return lastEnd, total - cfg.ChapterBuffer
}

// ClampEnd clamps a proposed exclusive end index into [lastEnd+1,
// total-buffer] so the committed chapter covers at least one entry and never
// reaches into the buffer.
func ClampEnd(idx, total, lastEnd int, cfg story.MemoryConfig) int {
	lo, hi := lastEnd+1, total-cfg.ChapterBuffer
	if hi < lo {
		hi = lo
	}
	return max(lo, min(idx, hi))
}

// CandidateSource finds the chapters nearest to a query vector. Storage
// backends with a vector index implement it; without one, ranking falls back
// to in-memory cosine similarity over [story.Chapter.Embedding].
type CandidateSource interface {
	NearestChapters(ctx context.Context, storyID string, query []float32, k int) ([]story.Chapter, error)
}

// Option is a functional option for configuring a [Memory].
type Option func(*Memory)

// WithModel overrides the provider's default model for memory calls.
func WithModel(model string) Option {
	return func(m *Memory) { m.model = model }
}

// WithTemperature sets the sampling temperature. Default: 0.3.
func WithTemperature(temp float64) Option {
	return func(m *Memory) { m.temperature = temp }
}

// WithMaxTokens caps reply length. Default: 1536.
func WithMaxTokens(n int) Option {
	return func(m *Memory) { m.maxTokens = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Memory) { m.log = l }
}

// WithMetrics records call latency and chapter counters on met.
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Memory) { m.metrics = met }
}

// WithEmbeddings enables chapter embeddings: new summaries are embedded and
// retrieval candidates can be pre-ranked by similarity to the user input.
func WithEmbeddings(p embeddings.Provider) Option {
	return func(m *Memory) { m.embedder = p }
}

// WithCandidateLimit limits the chapters shown to the retrieval model to the
// n most similar to the user input. Requires [WithEmbeddings]; 0 disables
// pre-ranking.
func WithCandidateLimit(n int) Option {
	return func(m *Memory) { m.candidateLimit = n }
}

// WithCandidateSource delegates similarity ranking to src.
func WithCandidateSource(src CandidateSource) Option {
	return func(m *Memory) { m.source = src }
}

// WithClock replaces time.Now for chapter timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Memory) { m.now = now }
}

// Memory runs the model-assisted chapter operations. It holds no story state
// and is safe for concurrent use across stories.
type Memory struct {
	llm            llm.Provider
	model          string
	temperature    float64
	maxTokens      int
	embedder       embeddings.Provider
	candidateLimit int
	source         CandidateSource
	now            func() time.Time
	log            *slog.Logger
	metrics        *observe.Metrics
}

// New returns a [Memory] backed by provider.
func New(provider llm.Provider, opts ...Option) *Memory {
	m := &Memory{
		llm:         provider,
		temperature: defaultTemperature,
		maxTokens:   defaultMaxTokens,
		now:         time.Now,
		log:         slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// complete runs one JSON-only call and records its latency under purpose.
func complete[T any](ctx context.Context, m *Memory, purpose, system, user string) llmjson.Result[T] {
	req := llm.CompletionRequest{
		SystemPrompt: system,
		Model:        m.model,
		Temperature:  m.temperature,
		MaxTokens:    m.maxTokens,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: user}},
	}
	start := time.Now()
	res := llmjson.Complete[T](ctx, m.llm, req)
	var callErr error
	if errors.Is(res.Err, llmjson.ErrTransport) {
		callErr = res.Err
	}
	m.metrics.RecordLLMCall(ctx, purpose, time.Since(start), callErr)
	return res
}

// writeEntries renders entries with their absolute log index. Retry markers
// are bookkeeping and never shown to the model.
func writeEntries(sb *strings.Builder, entries []story.Entry, firstIndex int) {
	for i, e := range entries {
		if e.Type == story.EntryRetry {
			continue
		}
		fmt.Fprintf(sb, "[%d] (%s) %s\n", firstIndex+i, entryLabel(e.Type), strings.TrimSpace(e.Content))
	}
}

func entryLabel(t story.EntryType) string {
	switch t {
	case story.EntryUserAction:
		return "player"
	case story.EntryNarration:
		return "narrator"
	default:
		return string(t)
	}
}
