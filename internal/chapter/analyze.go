package chapter

import (
	"context"
	"fmt"
	"strings"

	"github.com/surfacecoaster/Aventura-custom/internal/observe"
	"github.com/surfacecoaster/Aventura-custom/internal/story"
)

const analysisPromptTemplate = `You decide where chapters end in an ongoing interactive fiction story.

You are shown the entries of the current, not yet summarised part of the story, each prefixed with its index.
Pick a natural break point: a scene change, a time skip, a revelation, or the resolution of a conflict.

Rules:
- optimalEndIndex is the index of the FIRST entry that belongs to the NEXT chapter. Every entry before it is part of this chapter.
- optimalEndIndex must be between %d and %d inclusive.
- If there is no natural break yet, set shouldCreateChapter to false.

Respond with ONLY a JSON object in this exact format (no markdown, no prose):
{"shouldCreateChapter": true, "optimalEndIndex": 0, "suggestedTitle": "", "reason": ""}`

// Analysis is the outcome of a chapter boundary decision.
type Analysis struct {
	ShouldCreate bool

	// OptimalEndIndex is the exclusive end of the proposed chapter, already
	// clamped into the candidate range. Zero when ShouldCreate is false.
	OptimalEndIndex int

	SuggestedTitle string
	Reason         string
}

type analysisReply struct {
	ShouldCreateChapter bool   `json:"shouldCreateChapter"`
	OptimalEndIndex     *int   `json:"optimalEndIndex"`
	SuggestedTitle      string `json:"suggestedTitle"`
	Reason              string `json:"reason"`
}

// AnalyzeForChapter decides whether the entries after lastEnd should become
// a chapter and where it ends. It makes no model call unless the log is
// [Eligible]. A declined or unparseable reply yields ShouldCreate=false; the
// check fires again next turn with a larger window.
func (m *Memory) AnalyzeForChapter(ctx context.Context, entries []story.Entry, lastEnd int, cfg story.MemoryConfig) Analysis {
	total := len(entries)
	if lastEnd < 0 || lastEnd > total || !Eligible(total, lastEnd, cfg) {
		return Analysis{}
	}
	start, end := CandidateRange(total, lastEnd, cfg)
	lo := ClampEnd(start, total, lastEnd, cfg)

	ctx, span := observe.StartSpan(ctx, "chapter.AnalyzeForChapter")
	defer span.End()

	var sb strings.Builder
	writeEntries(&sb, entries[start:end], start)

	res := complete[analysisReply](ctx, m, "chapter_analyze",
		fmt.Sprintf(analysisPromptTemplate, lo, end), sb.String())
	if !res.Ok() {
		m.log.Warn("chapter: boundary analysis failed", "err", res.Err, "last_end", lastEnd, "total", total)
		return Analysis{}
	}
	reply := res.Value
	if !reply.ShouldCreateChapter {
		m.log.Debug("chapter: no natural break yet", "reason", reply.Reason, "total", total)
		return Analysis{Reason: reply.Reason}
	}

	idx := end
	if reply.OptimalEndIndex != nil {
		idx = *reply.OptimalEndIndex
	}
	return Analysis{
		ShouldCreate:    true,
		OptimalEndIndex: ClampEnd(idx, total, lastEnd, cfg),
		SuggestedTitle:  strings.TrimSpace(reply.SuggestedTitle),
		Reason:          reply.Reason,
	}
}
