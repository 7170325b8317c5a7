package chapter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/surfacecoaster/Aventura-custom/internal/llmjson"
	"github.com/surfacecoaster/Aventura-custom/internal/observe"
	"github.com/surfacecoaster/Aventura-custom/internal/story"
)

const summaryPrompt = `You write chapter summaries for an ongoing interactive fiction story.

Summarise ONLY the entries given under CHAPTER ENTRIES. Earlier chapters are listed for continuity; do not repeat them.
Preserve: key decisions, revealed information, promises made, items gained or lost, injuries, and how relationships changed.
Write the summary in past tense, third person, in at most two paragraphs.

Respond with ONLY a JSON object in this exact format (no markdown, no prose):
{
  "title": "",
  "summary": "",
  "keywords": [],
  "characters": [],
  "locations": [],
  "plotThreads": [],
  "emotionalTone": ""
}`

// excerptRunes bounds each excerpt in a mechanical summary.
const excerptRunes = 240

// Summary is the structured description of one chapter's entries.
type Summary struct {
	Title         string   `json:"title"`
	Summary       string   `json:"summary"`
	Keywords      []string `json:"keywords"`
	Characters    []string `json:"characters"`
	Locations     []string `json:"locations"`
	PlotThreads   []string `json:"plotThreads"`
	EmotionalTone string   `json:"emotionalTone"`
}

// Validate rejects replies without summary text.
func (s *Summary) Validate() error {
	if strings.TrimSpace(s.Summary) == "" {
		return errors.New("summary is empty")
	}
	return nil
}

// SummarizeChapter produces the summary of entries. prior chapters are given
// to the model as continuity context. An unparseable reply falls back to
// [MechanicalSummary] so a chapter is never lost; a transport failure is
// returned so the caller can retry on a later turn.
func (m *Memory) SummarizeChapter(ctx context.Context, entries []story.Entry, prior []story.Chapter) (Summary, error) {
	s, parsed, err := m.summarize(ctx, entries, prior)
	if err != nil {
		return Summary{}, err
	}
	if !parsed {
		return MechanicalSummary(entries), nil
	}
	return s, nil
}

func (m *Memory) summarize(ctx context.Context, entries []story.Entry, prior []story.Chapter) (Summary, bool, error) {
	if len(entries) == 0 {
		return Summary{}, false, fmt.Errorf("chapter: summarize: %w", ErrRange)
	}

	ctx, span := observe.StartSpan(ctx, "chapter.Summarize")
	defer span.End()

	res := complete[Summary](ctx, m, "chapter_summarize", summaryPrompt, buildSummaryMessage(entries, prior))
	if errors.Is(res.Err, llmjson.ErrTransport) {
		return Summary{}, false, fmt.Errorf("chapter: summarize: %w", res.Err)
	}
	if !res.Ok() {
		m.log.Warn("chapter: summary reply unparseable", "err", res.Err, "entries", len(entries))
		return Summary{}, false, nil
	}
	return tidySummary(res.Value), true, nil
}

func buildSummaryMessage(entries []story.Entry, prior []story.Chapter) string {
	var sb strings.Builder
	if len(prior) > 0 {
		sb.WriteString("EARLIER CHAPTERS:\n")
		from := max(0, len(prior)-priorContextChapters)
		for _, c := range prior[from:] {
			fmt.Fprintf(&sb, "Chapter %d: %s\n%s\n\n", c.Number, c.Title, strings.TrimSpace(c.Summary))
		}
	}
	sb.WriteString("CHAPTER ENTRIES:\n")
	writeEntries(&sb, entries, 0)
	return sb.String()
}

func tidySummary(s Summary) Summary {
	s.Title = strings.TrimSpace(s.Title)
	s.Summary = strings.TrimSpace(s.Summary)
	s.EmotionalTone = strings.TrimSpace(s.EmotionalTone)
	s.Keywords = tidyList(s.Keywords)
	s.Characters = tidyList(s.Characters)
	s.Locations = tidyList(s.Locations)
	s.PlotThreads = tidyList(s.PlotThreads)
	return s
}

func tidyList(in []string) []string {
	var out []string
	seen := make(map[string]bool, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		k := strings.ToLower(v)
		if v == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, v)
	}
	return out
}

// MechanicalSummary builds a summary without a model: excerpts of the first
// and last narrated entries of the range.
func MechanicalSummary(entries []story.Entry) Summary {
	var texts []string
	for _, e := range entries {
		if e.Type == story.EntryRetry || strings.TrimSpace(e.Content) == "" {
			continue
		}
		texts = append(texts, strings.TrimSpace(e.Content))
	}
	switch len(texts) {
	case 0:
		return Summary{Summary: "(no content)"}
	case 1:
		return Summary{Summary: excerpt(texts[0])}
	}
	return Summary{Summary: excerpt(texts[0]) + " ... " + excerpt(texts[len(texts)-1])}
}

func excerpt(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= excerptRunes {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:excerptRunes])) + "..."
}

// CreateChapter analyses the log and, when a chapter is due, summarises and
// returns it, numbered len(chapters)+1 and covering [lastEnd, end). It
// returns nil, nil when no chapter is due. The returned chapter is not
// persisted.
func (m *Memory) CreateChapter(ctx context.Context, entries []story.Entry, chapters []story.Chapter, cfg story.MemoryConfig) (*story.Chapter, error) {
	lastEnd := story.LastChapterEnd(chapters)
	a := m.AnalyzeForChapter(ctx, entries, lastEnd, cfg)
	if !a.ShouldCreate {
		return nil, nil
	}
	end := a.OptimalEndIndex
	rng := entries[lastEnd:end]

	sum, err := m.SummarizeChapter(ctx, rng, chapters)
	if err != nil {
		return nil, err
	}

	number := len(chapters) + 1
	title := sum.Title
	if title == "" {
		title = a.SuggestedTitle
	}
	if title == "" {
		title = fmt.Sprintf("Chapter %d", number)
	}

	now := m.now()
	ch := &story.Chapter{
		ID:            uuid.NewString(),
		StoryID:       rng[0].StoryID,
		Number:        number,
		Title:         title,
		Summary:       sum.Summary,
		StartEntryID:  rng[0].ID,
		EndEntryID:    rng[len(rng)-1].ID,
		StartIndex:    lastEnd,
		EndIndex:      end,
		EntryCount:    len(rng),
		Keywords:      sum.Keywords,
		Characters:    sum.Characters,
		Locations:     sum.Locations,
		PlotThreads:   sum.PlotThreads,
		EmotionalTone: sum.EmotionalTone,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	ch.Embedding = m.embed(ctx, ch)
	m.metrics.RecordChapterCreated(ctx)
	m.log.Info("chapter: created",
		"story_id", ch.StoryID,
		"chapter", ch.Number,
		"start", ch.StartIndex,
		"end", ch.EndIndex,
		"title", ch.Title,
	)
	return ch, nil
}

// Resummarize regenerates ch's summary and metadata from the same entry
// range. The old summary is never shown to the model, and only chapters
// numbered below ch are given as context. On [ErrUnparseable] or a transport
// error ch is returned unchanged together with the error.
func (m *Memory) Resummarize(ctx context.Context, ch story.Chapter, entries []story.Entry, prior []story.Chapter) (story.Chapter, error) {
	if ch.StartIndex < 0 || ch.EndIndex > len(entries) || ch.StartIndex >= ch.EndIndex {
		return ch, fmt.Errorf("chapter: resummarize %d [%d,%d) of %d entries: %w",
			ch.Number, ch.StartIndex, ch.EndIndex, len(entries), ErrRange)
	}

	var earlier []story.Chapter
	for _, c := range prior {
		if c.Number < ch.Number {
			earlier = append(earlier, c)
		}
	}

	sum, parsed, err := m.summarize(ctx, entries[ch.StartIndex:ch.EndIndex], earlier)
	if err != nil {
		return ch, err
	}
	if !parsed {
		return ch, fmt.Errorf("chapter: resummarize %d: %w", ch.Number, ErrUnparseable)
	}

	out := ch.Clone()
	if sum.Title != "" {
		out.Title = sum.Title
	}
	out.Summary = sum.Summary
	out.Keywords = sum.Keywords
	out.Characters = sum.Characters
	out.Locations = sum.Locations
	out.PlotThreads = sum.PlotThreads
	out.EmotionalTone = sum.EmotionalTone
	out.UpdatedAt = m.now()
	if v := m.embed(ctx, &out); v != nil {
		out.Embedding = v
	}
	return out, nil
}

// embed returns the vector for ch's summary, or nil when embeddings are not
// configured or the call fails.
func (m *Memory) embed(ctx context.Context, ch *story.Chapter) []float32 {
	if m.embedder == nil {
		return nil
	}
	v, err := m.embedder.Embed(ctx, embeddingText(*ch))
	if err != nil {
		m.log.Warn("chapter: embedding failed", "chapter", ch.Number, "err", err)
		return nil
	}
	return v
}

func embeddingText(ch story.Chapter) string {
	var sb strings.Builder
	sb.WriteString(ch.Title)
	sb.WriteString("\n")
	sb.WriteString(ch.Summary)
	if len(ch.Keywords) > 0 {
		sb.WriteString("\nKeywords: ")
		sb.WriteString(strings.Join(ch.Keywords, ", "))
	}
	return sb.String()
}
