package chapter_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/surfacecoaster/Aventura-custom/internal/chapter"
	"github.com/surfacecoaster/Aventura-custom/internal/story"
	embmock "github.com/surfacecoaster/Aventura-custom/pkg/provider/embeddings/mock"
	"github.com/surfacecoaster/Aventura-custom/pkg/provider/llm"
	"github.com/surfacecoaster/Aventura-custom/pkg/provider/llm/mock"
)

func cfg() story.MemoryConfig {
	return story.DefaultMemoryConfig() // threshold 50, buffer 10
}

func makeEntries(n int) []story.Entry {
	out := make([]story.Entry, n)
	for i := range out {
		typ := story.EntryNarration
		if i%2 == 0 {
			typ = story.EntryUserAction
		}
		out[i] = story.Entry{
			ID:       fmt.Sprintf("e%d", i),
			StoryID:  "s1",
			Type:     typ,
			Content:  fmt.Sprintf("entry number %d", i),
			Position: i,
		}
	}
	return out
}

func replying(content string) *mock.Provider {
	return &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: content}}
}

// routed answers analysis and summary prompts differently.
func routed(analysis, summary string) *mock.Provider {
	return &mock.Provider{
		CompleteFunc: func(req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			if strings.Contains(req.SystemPrompt, "decide where chapters end") {
				return &llm.CompletionResponse{Content: analysis}, nil
			}
			return &llm.CompletionResponse{Content: summary}, nil
		},
	}
}

const goodSummary = `{"title": "The Amulet", "summary": "Elena gave the hero an amulet.", "keywords": ["amulet", "Amulet", " "], "characters": ["Elena"], "locations": ["Mill Road"], "plotThreads": ["missing brother"], "emotionalTone": "hopeful"}`

func TestEligible(t *testing.T) {
	t.Parallel()

	tests := []struct {
		total, lastEnd int
		want           bool
	}{
		{40, 0, false},
		{59, 0, false},
		{60, 0, true},
		{61, 0, true},
		{100, 41, false},
		{100, 40, true},
	}
	for _, tc := range tests {
		if got := chapter.Eligible(tc.total, tc.lastEnd, cfg()); got != tc.want {
			t.Errorf("Eligible(%d, %d) = %v, want %v", tc.total, tc.lastEnd, got, tc.want)
		}
	}
}

func TestCandidateRange(t *testing.T) {
	t.Parallel()

	start, end := chapter.CandidateRange(61, 0, cfg())
	if start != 0 || end != 51 {
		t.Errorf("CandidateRange(61, 0) = [%d, %d], want [0, 51]", start, end)
	}
}

func TestClampEnd_AlwaysInRange(t *testing.T) {
	t.Parallel()

	c := cfg()
	for _, tc := range []struct{ total, lastEnd int }{{61, 0}, {100, 30}, {60, 0}, {200, 137}} {
		lo, hi := tc.lastEnd+1, tc.total-c.ChapterBuffer
		for idx := -50; idx <= tc.total+50; idx++ {
			got := chapter.ClampEnd(idx, tc.total, tc.lastEnd, c)
			if got < lo || got > hi {
				t.Fatalf("ClampEnd(%d, %d, %d) = %d, outside [%d, %d]", idx, tc.total, tc.lastEnd, got, lo, hi)
			}
			if idx >= lo && idx <= hi && got != idx {
				t.Fatalf("ClampEnd(%d) = %d, in-range index must be kept", idx, got)
			}
		}
	}
}

func TestAnalyzeForChapter_NotEligibleMakesNoCall(t *testing.T) {
	t.Parallel()

	p := replying(`{"shouldCreateChapter": true, "optimalEndIndex": 20}`)
	m := chapter.New(p)

	a := m.AnalyzeForChapter(context.Background(), makeEntries(40), 0, cfg())
	if a.ShouldCreate {
		t.Error("ShouldCreate = true for 40 entries, want false")
	}
	if p.CompleteCallCount() != 0 {
		t.Errorf("Complete calls = %d, want 0", p.CompleteCallCount())
	}
}

func TestAnalyzeForChapter_CandidateWindow(t *testing.T) {
	t.Parallel()

	p := replying(`{"shouldCreateChapter": true, "optimalEndIndex": 30, "suggestedTitle": " The Mill "}`)
	m := chapter.New(p)

	a := m.AnalyzeForChapter(context.Background(), makeEntries(61), 0, cfg())
	if !a.ShouldCreate || a.OptimalEndIndex != 30 || a.SuggestedTitle != "The Mill" {
		t.Fatalf("Analysis = %+v, want create at 30 titled The Mill", a)
	}
	req := p.Calls()[0].Req
	if !strings.Contains(req.SystemPrompt, "between 1 and 51") {
		t.Errorf("system prompt does not state the range [1, 51]:\n%s", req.SystemPrompt)
	}
	msg := req.Messages[0].Content
	if !strings.Contains(msg, "[50] ") {
		t.Error("candidate window is missing entry 50")
	}
	if strings.Contains(msg, "[51] ") {
		t.Error("candidate window includes buffered entry 51")
	}
}

func TestAnalyzeForChapter_Replies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		reply      string
		wantCreate bool
		wantEnd    int
	}{
		{"index beyond buffer clamps", `{"shouldCreateChapter": true, "optimalEndIndex": 500}`, true, 51},
		{"negative index clamps", `{"shouldCreateChapter": true, "optimalEndIndex": -3}`, true, 1},
		{"missing index defaults to range end", `{"shouldCreateChapter": true}`, true, 51},
		{"declined", `{"shouldCreateChapter": false, "reason": "mid-scene"}`, false, 0},
		{"unparseable", `the chapter should end at 30`, false, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			a := chapter.New(replying(tc.reply)).AnalyzeForChapter(context.Background(), makeEntries(61), 0, cfg())
			if a.ShouldCreate != tc.wantCreate || a.OptimalEndIndex != tc.wantEnd {
				t.Errorf("Analysis = %+v, want create=%v end=%d", a, tc.wantCreate, tc.wantEnd)
			}
		})
	}
}

func TestAnalyzeForChapter_TransportErrorDeclines(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{CompleteErr: errors.New("timeout")}
	a := chapter.New(p).AnalyzeForChapter(context.Background(), makeEntries(61), 0, cfg())
	if a.ShouldCreate {
		t.Error("ShouldCreate = true after transport error, want false")
	}
}

func TestSummarizeChapter(t *testing.T) {
	t.Parallel()

	entries := makeEntries(6)

	t.Run("parsed", func(t *testing.T) {
		t.Parallel()
		s, err := chapter.New(replying(goodSummary)).SummarizeChapter(context.Background(), entries, nil)
		if err != nil {
			t.Fatalf("SummarizeChapter() error = %v", err)
		}
		if s.Title != "The Amulet" || s.EmotionalTone != "hopeful" {
			t.Errorf("summary = %+v", s)
		}
		if !slices.Equal(s.Keywords, []string{"amulet"}) {
			t.Errorf("Keywords = %q, want [amulet]", s.Keywords)
		}
	})

	t.Run("unparseable falls back", func(t *testing.T) {
		t.Parallel()
		s, err := chapter.New(replying("sorry, no")).SummarizeChapter(context.Background(), entries, nil)
		if err != nil {
			t.Fatalf("SummarizeChapter() error = %v", err)
		}
		if !strings.Contains(s.Summary, "entry number 0") || !strings.Contains(s.Summary, "entry number 5") {
			t.Errorf("fallback summary = %q, want first and last excerpts", s.Summary)
		}
	})

	t.Run("empty summary falls back", func(t *testing.T) {
		t.Parallel()
		s, err := chapter.New(replying(`{"title": "x", "summary": ""}`)).SummarizeChapter(context.Background(), entries, nil)
		if err != nil {
			t.Fatalf("SummarizeChapter() error = %v", err)
		}
		if s.Summary == "" {
			t.Error("fallback summary is empty")
		}
	})

	t.Run("transport error", func(t *testing.T) {
		t.Parallel()
		p := &mock.Provider{CompleteErr: errors.New("connection refused")}
		if _, err := chapter.New(p).SummarizeChapter(context.Background(), entries, nil); err == nil {
			t.Fatal("SummarizeChapter() error = nil, want transport error")
		}
	})
}

func TestSummarizeChapter_PriorContext(t *testing.T) {
	t.Parallel()

	p := replying(goodSummary)
	prior := []story.Chapter{
		{Number: 1, Title: "One", Summary: "first summary"},
		{Number: 2, Title: "Two", Summary: "second summary"},
		{Number: 3, Title: "Three", Summary: "third summary"},
		{Number: 4, Title: "Four", Summary: "fourth summary"},
	}
	if _, err := chapter.New(p).SummarizeChapter(context.Background(), makeEntries(4), prior); err != nil {
		t.Fatalf("SummarizeChapter() error = %v", err)
	}
	msg := p.Calls()[0].Req.Messages[0].Content
	if strings.Contains(msg, "first summary") {
		t.Error("prompt includes more than the last three prior chapters")
	}
	if !strings.Contains(msg, "fourth summary") {
		t.Error("prompt is missing the most recent prior chapter")
	}
}

func TestCreateChapter(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := routed(`{"shouldCreateChapter": true, "optimalEndIndex": 30, "suggestedTitle": "Ignored"}`, goodSummary)
	m := chapter.New(p, chapter.WithClock(func() time.Time { return fixed }))

	ch, err := m.CreateChapter(context.Background(), makeEntries(61), nil, cfg())
	if err != nil {
		t.Fatalf("CreateChapter() error = %v", err)
	}
	if ch == nil {
		t.Fatal("CreateChapter() = nil, want a chapter")
	}
	if ch.Number != 1 || ch.StartIndex != 0 || ch.EndIndex != 30 || ch.EntryCount != 30 {
		t.Errorf("chapter range = #%d [%d,%d) count %d, want #1 [0,30) count 30", ch.Number, ch.StartIndex, ch.EndIndex, ch.EntryCount)
	}
	if ch.StartEntryID != "e0" || ch.EndEntryID != "e29" {
		t.Errorf("entry ids = %s..%s, want e0..e29", ch.StartEntryID, ch.EndEntryID)
	}
	if ch.Title != "The Amulet" || ch.StoryID != "s1" || !ch.CreatedAt.Equal(fixed) {
		t.Errorf("chapter = %+v", ch)
	}
	if ch.ID == "" {
		t.Error("chapter has no id")
	}
}

func TestCreateChapter_Subsequent(t *testing.T) {
	t.Parallel()

	p := routed(`{"shouldCreateChapter": true}`, goodSummary)
	prior := []story.Chapter{{ID: "c1", Number: 1, StartIndex: 0, EndIndex: 30}}

	ch, err := chapter.New(p).CreateChapter(context.Background(), makeEntries(100), prior, cfg())
	if err != nil {
		t.Fatalf("CreateChapter() error = %v", err)
	}
	if ch == nil || ch.Number != 2 || ch.StartIndex != 30 || ch.EndIndex != 90 {
		t.Fatalf("chapter = %+v, want #2 [30,90)", ch)
	}
}

func TestCreateChapter_NotDue(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		provider *mock.Provider
		entries  int
	}{
		{"not eligible", routed(`{"shouldCreateChapter": true}`, goodSummary), 40},
		{"declined", routed(`{"shouldCreateChapter": false}`, goodSummary), 61},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ch, err := chapter.New(tc.provider).CreateChapter(context.Background(), makeEntries(tc.entries), nil, cfg())
			if err != nil || ch != nil {
				t.Errorf("CreateChapter() = %+v, %v, want nil, nil", ch, err)
			}
		})
	}
}

func TestCreateChapter_SummaryTransportError(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{
		CompleteFunc: func(req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			if strings.Contains(req.SystemPrompt, "decide where chapters end") {
				return &llm.CompletionResponse{Content: `{"shouldCreateChapter": true}`}, nil
			}
			return nil, errors.New("503")
		},
	}
	ch, err := chapter.New(p).CreateChapter(context.Background(), makeEntries(61), nil, cfg())
	if err == nil || ch != nil {
		t.Errorf("CreateChapter() = %+v, %v, want nil and an error", ch, err)
	}
}

func TestCreateChapter_Embeds(t *testing.T) {
	t.Parallel()

	emb := &embmock.Provider{EmbedResult: []float32{1, 0, 0}}
	p := routed(`{"shouldCreateChapter": true}`, goodSummary)

	ch, err := chapter.New(p, chapter.WithEmbeddings(emb)).CreateChapter(context.Background(), makeEntries(61), nil, cfg())
	if err != nil {
		t.Fatalf("CreateChapter() error = %v", err)
	}
	if !slices.Equal(ch.Embedding, []float32{1, 0, 0}) {
		t.Errorf("Embedding = %v, want [1 0 0]", ch.Embedding)
	}
	if n := len(emb.Texts()); n != 1 {
		t.Errorf("embedded %d texts, want 1", n)
	}
}

func TestResummarize(t *testing.T) {
	t.Parallel()

	p := replying(goodSummary)
	entries := makeEntries(90)
	chapters := []story.Chapter{
		{ID: "c1", Number: 1, Title: "One", Summary: "earlier events", StartIndex: 0, EndIndex: 30},
		{ID: "c2", Number: 2, Title: "Two", Summary: "OLD SUMMARY SENTINEL", StartIndex: 30, EndIndex: 60},
		{ID: "c3", Number: 3, Title: "Three", Summary: "later events", StartIndex: 60, EndIndex: 80},
	}

	got, err := chapter.New(p).Resummarize(context.Background(), chapters[1], entries, chapters)
	if err != nil {
		t.Fatalf("Resummarize() error = %v", err)
	}
	if got.Summary != "Elena gave the hero an amulet." || got.Number != 2 || got.StartIndex != 30 || got.EndIndex != 60 {
		t.Errorf("Resummarize() = %+v", got)
	}

	msg := p.Calls()[0].Req.Messages[0].Content
	if strings.Contains(msg, "OLD SUMMARY SENTINEL") {
		t.Error("prompt contains the summary being replaced")
	}
	if strings.Contains(msg, "later events") {
		t.Error("prompt contains a later chapter")
	}
	if !strings.Contains(msg, "earlier events") {
		t.Error("prompt is missing the earlier chapter")
	}
	if !strings.Contains(msg, "entry number 30") || strings.Contains(msg, "entry number 60") {
		t.Error("prompt does not cover exactly the chapter range")
	}
}

func TestResummarize_Failures(t *testing.T) {
	t.Parallel()

	ch := story.Chapter{ID: "c1", Number: 1, Summary: "keep me", StartIndex: 0, EndIndex: 10}

	got, err := chapter.New(replying("nope")).Resummarize(context.Background(), ch, makeEntries(20), nil)
	if !errors.Is(err, chapter.ErrUnparseable) {
		t.Errorf("Resummarize() error = %v, want ErrUnparseable", err)
	}
	if got.Summary != "keep me" {
		t.Errorf("Summary = %q, want unchanged", got.Summary)
	}

	_, err = chapter.New(replying(goodSummary)).Resummarize(context.Background(), ch, makeEntries(5), nil)
	if !errors.Is(err, chapter.ErrRange) {
		t.Errorf("Resummarize() error = %v, want ErrRange", err)
	}
}

func testChapters() []story.Chapter {
	return []story.Chapter{
		{ID: "c1", StoryID: "s1", Number: 1, Title: "The Mill", Summary: "A fire at the mill.", Embedding: []float32{1, 0}},
		{ID: "c2", StoryID: "s1", Number: 2, Title: "The Amulet", Summary: "Elena's amulet.", Embedding: []float32{0, 1}},
		{ID: "c3", StoryID: "s1", Number: 3, Title: "The Road", Summary: "Travel north.", Embedding: []float32{0.7, 0.7}},
	}
}

func TestDecideRetrieval_SkipsModel(t *testing.T) {
	t.Parallel()

	disabled := cfg()
	disabled.EnableRetrieval = false

	tests := []struct {
		name     string
		chapters []story.Chapter
		cfg      story.MemoryConfig
	}{
		{"retrieval disabled", testChapters(), disabled},
		{"no chapters", nil, cfg()},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p := replying(`{"relevantChapterIds": ["c1"]}`)
			d := chapter.New(p).DecideRetrieval(context.Background(), "where is the amulet", nil, tc.chapters, tc.cfg)
			if !d.Empty() {
				t.Errorf("Decision = %+v, want empty", d)
			}
			if p.CompleteCallCount() != 0 {
				t.Errorf("Complete calls = %d, want 0", p.CompleteCallCount())
			}
		})
	}
}

func TestDecideRetrieval_FiltersDedupesCaps(t *testing.T) {
	t.Parallel()

	c := cfg()
	c.MaxChaptersPerRetrieval = 2
	p := replying(`{"relevantChapterIds": ["c2", "c99", "c2", " c1 ", "c3"], "reasoning": "amulet"}`)

	d := chapter.New(p).DecideRetrieval(context.Background(), "where is the amulet", makeEntries(3), testChapters(), c)
	if !slices.Equal(d.IDs, []string{"c2", "c1"}) {
		t.Errorf("IDs = %q, want [c2 c1]", d.IDs)
	}
	if d.Reasoning != "amulet" {
		t.Errorf("Reasoning = %q, want amulet", d.Reasoning)
	}
}

func TestDecideRetrieval_GarbageIsEmpty(t *testing.T) {
	t.Parallel()

	d := chapter.New(replying("chapter two")).DecideRetrieval(context.Background(), "x", nil, testChapters(), cfg())
	if !d.Empty() {
		t.Errorf("Decision = %+v, want empty", d)
	}
}

func TestDecideRetrieval_EmbeddingPreRank(t *testing.T) {
	t.Parallel()

	emb := &embmock.Provider{Vectors: map[string][]float32{"the amulet glows": {0, 1}}}
	p := replying(`{"relevantChapterIds": ["c2", "c1"]}`)
	m := chapter.New(p, chapter.WithEmbeddings(emb), chapter.WithCandidateLimit(2))

	d := m.DecideRetrieval(context.Background(), "the amulet glows", nil, testChapters(), cfg())
	if got := emb.Texts(); !slices.Equal(got, []string{"the amulet glows"}) {
		t.Errorf("embedded texts = %q, want the query only", got)
	}

	msg := p.Calls()[0].Req.Messages[0].Content
	if strings.Contains(msg, "id=c1 ") {
		t.Errorf("least similar chapter c1 was offered to the model:\n%s", msg)
	}
	if !strings.Contains(msg, "id=c2 ") || !strings.Contains(msg, "id=c3 ") {
		t.Errorf("nearest chapters missing from prompt:\n%s", msg)
	}
	// c1 was not a candidate, so it cannot be selected.
	if !slices.Equal(d.IDs, []string{"c2"}) {
		t.Errorf("IDs = %q, want [c2]", d.IDs)
	}
}

type fakeSource struct {
	calls int
	out   []story.Chapter
}

func (f *fakeSource) NearestChapters(_ context.Context, _ string, _ []float32, k int) ([]story.Chapter, error) {
	f.calls++
	return f.out[:min(k, len(f.out))], nil
}

func TestDecideRetrieval_CandidateSource(t *testing.T) {
	t.Parallel()

	chs := testChapters()
	src := &fakeSource{out: []story.Chapter{chs[0]}}
	emb := &embmock.Provider{EmbedResult: []float32{1, 1}}
	p := replying(`{"relevantChapterIds": ["c1"]}`)
	m := chapter.New(p, chapter.WithEmbeddings(emb), chapter.WithCandidateLimit(1), chapter.WithCandidateSource(src))

	d := m.DecideRetrieval(context.Background(), "fire", nil, chs, cfg())
	if src.calls != 1 {
		t.Errorf("NearestChapters calls = %d, want 1", src.calls)
	}
	if !slices.Equal(d.IDs, []string{"c1"}) {
		t.Errorf("IDs = %q, want [c1]", d.IDs)
	}
}

func TestDecideRetrieval_CandidateSourceLimitedToGivenChapters(t *testing.T) {
	t.Parallel()

	chs := testChapters()
	stale := story.Chapter{ID: "c9", StoryID: chs[0].StoryID, Number: 9, Title: "Deleted", Summary: "Gone."}
	src := &fakeSource{out: []story.Chapter{stale, chs[1]}}
	emb := &embmock.Provider{EmbedResult: []float32{1, 1}}
	p := replying(`{"relevantChapterIds": ["c9", "c2"]}`)
	m := chapter.New(p, chapter.WithEmbeddings(emb), chapter.WithCandidateLimit(2), chapter.WithCandidateSource(src))

	d := m.DecideRetrieval(context.Background(), "fire", nil, chs, cfg())
	if msg := p.Calls()[0].Req.Messages[0].Content; strings.Contains(msg, "id=c9 ") {
		t.Errorf("chapter outside the story was offered to the model:\n%s", msg)
	}
	if !slices.Equal(d.IDs, []string{"c2"}) {
		t.Errorf("IDs = %q, want [c2]", d.IDs)
	}
}

func TestRankBySimilarity(t *testing.T) {
	t.Parallel()

	chs := testChapters()
	chs = append(chs, story.Chapter{ID: "c4", Number: 4})

	got := chapter.RankBySimilarity([]float32{1, 0}, chs, 4)
	var ids []string
	for _, c := range got {
		ids = append(ids, c.ID)
	}
	if !slices.Equal(ids, []string{"c1", "c3", "c2", "c4"}) {
		t.Errorf("RankBySimilarity() = %q, want [c1 c3 c2 c4]", ids)
	}
}

func TestBuildRetrievedContextBlock(t *testing.T) {
	t.Parallel()

	chs := testChapters()
	got := chapter.BuildRetrievedContextBlock(chs, chapter.Decision{IDs: []string{"c3", "c1"}})
	want := "[RETRIEVED CHAPTERS]\n" +
		"Chapter 1: The Mill\nA fire at the mill.\n" +
		"\n" +
		"Chapter 3: The Road\nTravel north.\n"
	if got != want {
		t.Errorf("BuildRetrievedContextBlock() =\n%q\nwant\n%q", got, want)
	}

	if got := chapter.BuildRetrievedContextBlock(chs, chapter.Decision{}); got != "" {
		t.Errorf("empty decision rendered %q, want empty", got)
	}
	if got := chapter.BuildRetrievedContextBlock(chs, chapter.Decision{IDs: []string{"missing"}}); got != "" {
		t.Errorf("unknown ids rendered %q, want empty", got)
	}
}
