package chapter

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/surfacecoaster/Aventura-custom/internal/observe"
	"github.com/surfacecoaster/Aventura-custom/internal/story"
)

const retrievalPromptTemplate = `You decide which earlier chapters of an interactive fiction story the narrator needs to recall before writing the next passage.

You are given the candidate chapters (with ids), the most recent story entries and the player's next input.
Select at most %d chapters whose events, characters, places or open threads are relevant to what is about to happen.

Rules:
- Use ONLY ids from the candidate list. Never invent ids.
- Select nothing when no chapter is clearly relevant.

Respond with ONLY a JSON object in this exact format (no markdown, no prose):
{"relevantChapterIds": [], "reasoning": ""}`

// Decision is the outcome of a retrieval decision.
type Decision struct {
	// IDs are chapter ids, known to exist, deduplicated, in model order and
	// capped at the configured maximum.
	IDs       []string `json:"relevantChapterIds"`
	Reasoning string   `json:"reasoning,omitempty"`
}

// Empty reports whether no chapter was selected.
func (d Decision) Empty() bool { return len(d.IDs) == 0 }

// DecideRetrieval asks the model which chapters are relevant to userInput.
// With retrieval disabled or no chapters it returns an empty decision without
// a call. Returned ids are filtered against the candidate set, deduplicated
// and capped at cfg.MaxChaptersPerRetrieval. Failures yield an empty
// decision.
func (m *Memory) DecideRetrieval(ctx context.Context, userInput string, recent []story.Entry, chapters []story.Chapter, cfg story.MemoryConfig) Decision {
	if !cfg.EnableRetrieval || len(chapters) == 0 || cfg.MaxChaptersPerRetrieval < 1 {
		return Decision{}
	}

	ctx, span := observe.StartSpan(ctx, "chapter.DecideRetrieval")
	defer span.End()

	candidates := m.rankCandidates(ctx, userInput, chapters)

	res := complete[Decision](ctx, m, "retrieval",
		fmt.Sprintf(retrievalPromptTemplate, cfg.MaxChaptersPerRetrieval),
		buildRetrievalMessage(userInput, recent, candidates))
	if !res.Ok() {
		m.log.Warn("chapter: retrieval decision failed", "err", res.Err, "chapters", len(chapters))
		return Decision{}
	}

	known := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		known[c.ID] = true
	}
	var ids []string
	for _, id := range res.Value.IDs {
		id = strings.TrimSpace(id)
		if !known[id] {
			if id != "" {
				m.log.Debug("chapter: dropping unknown chapter id", "id", id)
			}
			continue
		}
		known[id] = false
		ids = append(ids, id)
		if len(ids) == cfg.MaxChaptersPerRetrieval {
			break
		}
	}
	m.metrics.RecordRetrieval(ctx, len(ids))
	return Decision{IDs: ids, Reasoning: strings.TrimSpace(res.Value.Reasoning)}
}

func buildRetrievalMessage(userInput string, recent []story.Entry, candidates []story.Chapter) string {
	var sb strings.Builder
	sb.WriteString("CANDIDATE CHAPTERS:\n")
	for _, c := range candidates {
		fmt.Fprintf(&sb, "- id=%s | Chapter %d: %s\n  %s\n", c.ID, c.Number, c.Title, strings.TrimSpace(c.Summary))
		if len(c.Keywords) > 0 {
			fmt.Fprintf(&sb, "  keywords: %s\n", strings.Join(c.Keywords, ", "))
		}
	}
	if len(recent) > 0 {
		sb.WriteString("\nRECENT ENTRIES:\n")
		writeEntries(&sb, recent, 0)
	}
	sb.WriteString("\nPLAYER INPUT:\n")
	sb.WriteString(strings.TrimSpace(userInput))
	return sb.String()
}

// rankCandidates narrows chapters to the candidateLimit most similar to
// userInput. Without an embedder, a limit, or more chapters than the limit,
// all chapters are returned. Ranking failures fall back to all chapters.
func (m *Memory) rankCandidates(ctx context.Context, userInput string, chapters []story.Chapter) []story.Chapter {
	if m.embedder == nil || m.candidateLimit <= 0 || len(chapters) <= m.candidateLimit {
		return chapters
	}
	query, err := m.embedder.Embed(ctx, userInput)
	if err != nil || len(query) == 0 {
		m.log.Warn("chapter: query embedding failed, using all chapters", "err", err)
		return chapters
	}

	if m.source != nil {
		near, err := m.source.NearestChapters(ctx, chapters[0].StoryID, query, m.candidateLimit)
		if ranked := intersectChapters(near, chapters); err == nil && len(ranked) > 0 {
			return ranked
		}
		m.log.Warn("chapter: vector search failed, ranking in memory", "err", err, "hits", len(near))
	}
	return RankBySimilarity(query, chapters, m.candidateLimit)
}

// intersectChapters keeps the chapters of ranked that are also in chapters,
// in ranked order. The stored index may lag behind the caller's chapters.
func intersectChapters(ranked, chapters []story.Chapter) []story.Chapter {
	byID := make(map[string]story.Chapter, len(chapters))
	for _, c := range chapters {
		byID[c.ID] = c
	}
	var out []story.Chapter
	for _, r := range ranked {
		if c, ok := byID[r.ID]; ok {
			out = append(out, c)
			delete(byID, r.ID)
		}
	}
	return out
}

// RankBySimilarity returns the k chapters whose embeddings are most similar
// to query, highest first. Chapters without an embedding rank last, ties by
// chapter number.
func RankBySimilarity(query []float32, chapters []story.Chapter, k int) []story.Chapter {
	type scored struct {
		ch    story.Chapter
		score float64
	}
	all := make([]scored, len(chapters))
	for i, c := range chapters {
		all[i] = scored{ch: c, score: cosine(query, c.Embedding)}
	}
	slices.SortStableFunc(all, func(a, b scored) int {
		if c := cmp.Compare(b.score, a.score); c != 0 {
			return c
		}
		return cmp.Compare(a.ch.Number, b.ch.Number)
	})
	out := make([]story.Chapter, 0, min(k, len(all)))
	for _, s := range all[:min(k, len(all))] {
		out = append(out, s.ch)
	}
	return out
}

// cosine returns the cosine similarity of a and b, or -2 when either is
// empty or their lengths differ.
func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return -2
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return -2
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// BuildRetrievedContextBlock renders the chapters selected by d, in chapter
// number order, as a labelled block for the narration context. It returns
// the empty string when nothing is selected.
func BuildRetrievedContextBlock(chapters []story.Chapter, d Decision) string {
	if d.Empty() {
		return ""
	}
	want := make(map[string]bool, len(d.IDs))
	for _, id := range d.IDs {
		want[id] = true
	}
	var sel []story.Chapter
	for _, c := range chapters {
		if want[c.ID] {
			sel = append(sel, c)
			want[c.ID] = false
		}
	}
	if len(sel) == 0 {
		return ""
	}
	slices.SortFunc(sel, func(a, b story.Chapter) int { return cmp.Compare(a.Number, b.Number) })

	var sb strings.Builder
	sb.WriteString("[RETRIEVED CHAPTERS]\n")
	for i, c := range sel {
		if i > 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, "Chapter %d: %s\n", c.Number, c.Title)
		sb.WriteString(strings.TrimSpace(c.Summary))
		sb.WriteByte('\n')
	}
	return sb.String()
}
