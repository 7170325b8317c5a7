package turn_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/surfacecoaster/Aventura-custom/internal/chapter"
	"github.com/surfacecoaster/Aventura-custom/internal/classify"
	"github.com/surfacecoaster/Aventura-custom/internal/entity"
	"github.com/surfacecoaster/Aventura-custom/internal/store"
	"github.com/surfacecoaster/Aventura-custom/internal/story"
	"github.com/surfacecoaster/Aventura-custom/internal/turn"
	"github.com/surfacecoaster/Aventura-custom/pkg/provider/llm"
	"github.com/surfacecoaster/Aventura-custom/pkg/provider/llm/mock"
)

func narration(parts ...string) []llm.Chunk {
	out := make([]llm.Chunk, 0, len(parts)+1)
	for _, p := range parts {
		out = append(out, llm.Chunk{Text: p})
	}
	return append(out, llm.Chunk{FinishReason: "stop"})
}

// elenaClassifier adds Elena whenever she appears in the narration.
func elenaClassifier() *mock.Provider {
	return &mock.Provider{
		CompleteFunc: func(req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			for _, m := range req.Messages {
				if strings.Contains(m.Content, "Elena waves") {
					return &llm.CompletionResponse{Content: `{"newCharacters": [{"name": "Elena", "description": "A miller", "relationship": "ally"}]}`}, nil
				}
			}
			return &llm.CompletionResponse{Content: `{}`}, nil
		},
	}
}

type fixture struct {
	narrator *mock.Provider
	store    *store.MemStore
	engine   *turn.Engine
	session  *turn.Session
}

func newFixture(t *testing.T, mutate func(*turn.Config)) *fixture {
	t.Helper()
	f := &fixture{
		narrator: &mock.Provider{StreamChunks: narration("The mill ", "creaks.")},
		store:    store.NewMemStore(),
	}
	cfg := turn.Config{
		Narrator:     f.narrator,
		Store:        f.store,
		SystemPrompt: "You narrate.",
		Now:          func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := turn.NewEngine(cfg)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	s, err := e.Session(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	f.engine, f.session = e, s
	return f
}

func stateJSON(t *testing.T, st store.State) string {
	t.Helper()
	b, err := json.Marshal(st)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}

func TestNewEngine_RequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := turn.NewEngine(turn.Config{})
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"narrator", "store"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestSubmit(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	var streamed []string
	res, err := f.session.SubmitStream(ctx, "  I open the door.  ", func(s string) { streamed = append(streamed, s) })
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.session.Wait()

	if res.Action.Content != "I open the door." || res.Action.Type != story.EntryUserAction {
		t.Errorf("action entry = %+v", res.Action)
	}
	if res.Narration.Content != "The mill creaks." || res.Narration.Type != story.EntryNarration {
		t.Errorf("narration entry = %+v", res.Narration)
	}
	if res.Position != 1 {
		t.Errorf("position = %d, want 1", res.Position)
	}
	if strings.Join(streamed, "|") != "The mill |creaks." {
		t.Errorf("streamed = %q", streamed)
	}

	entries := f.session.Entries()
	if len(entries) != 2 || entries[0].Position != 0 || entries[1].Position != 1 {
		t.Fatalf("entries = %+v", entries)
	}

	saved, err := f.store.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(saved.Entries) != 2 {
		t.Errorf("persisted %d entries, want 2", len(saved.Entries))
	}
}

func TestSubmit_NarrationRequest(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(c *turn.Config) { c.NarrationModel = "narrator-1" })
	ctx := context.Background()

	if _, err := f.session.Submit(ctx, "I look around."); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := f.session.Submit(ctx, "I walk north."); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	req := f.narrator.Streams()[1].Req
	if req.Model != "narrator-1" {
		t.Errorf("model = %q", req.Model)
	}
	if !strings.HasPrefix(req.SystemPrompt, "You narrate.") {
		t.Errorf("system prompt = %q", req.SystemPrompt)
	}
	wantRoles := []string{llm.RoleUser, llm.RoleAssistant, llm.RoleUser}
	if len(req.Messages) != len(wantRoles) {
		t.Fatalf("got %d messages, want %d", len(req.Messages), len(wantRoles))
	}
	for i, m := range req.Messages {
		if m.Role != wantRoles[i] {
			t.Errorf("message %d role = %s, want %s", i, m.Role, wantRoles[i])
		}
	}
	if req.Messages[2].Content != "I walk north." {
		t.Errorf("last message = %q", req.Messages[2].Content)
	}
}

func TestSubmit_ContextReachesNarrator(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	seed := &entity.SeedFile{
		Story: entity.SeedMeta{Title: "Mill", Genre: "folk horror"},
		Locations: []entity.Location{
			{Name: "Old Mill", Description: "A creaking mill.", Current: true},
		},
	}
	if _, err := f.session.ImportSeed(ctx, seed); err != nil {
		t.Fatalf("ImportSeed: %v", err)
	}
	if _, err := f.session.Submit(ctx, "I listen."); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	req := f.narrator.Streams()[0].Req
	if !strings.Contains(req.SystemPrompt, "Old Mill") {
		t.Errorf("system prompt lacks current location:\n%s", req.SystemPrompt)
	}
	if got := f.session.State().Genre; got != "folk horror" {
		t.Errorf("genre = %q", got)
	}
}

func TestSubmit_EmptyAction(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	if _, err := f.session.Submit(context.Background(), "   "); !errors.Is(err, turn.ErrEmptyAction) {
		t.Fatalf("err = %v, want ErrEmptyAction", err)
	}
	if len(f.narrator.Streams()) != 0 {
		t.Error("narrator called for empty action")
	}
}

func TestSubmit_NarrationFailureRestores(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		chunks []llm.Chunk
		err    error
	}{
		{name: "stream refused", err: errors.New("503")},
		{name: "mid-stream error", chunks: []llm.Chunk{{Text: "The"}, {FinishReason: llm.FinishReasonError, Text: "reset"}}},
		{name: "blank narration", chunks: narration("   ")},
		{name: "truncated stream", chunks: []llm.Chunk{{Text: "The mill"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, func(c *turn.Config) { c.Classifier = classify.New(elenaClassifier()) })
			ctx := context.Background()

			f.narrator.SetStream(narration("Elena waves."), nil)
			if _, err := f.session.Submit(ctx, "I wave."); err != nil {
				t.Fatalf("first Submit: %v", err)
			}
			f.session.Wait()
			before := stateJSON(t, f.session.State())

			f.narrator.SetStream(tt.chunks, tt.err)
			_, err := f.session.Submit(ctx, "I mention Elena to the herald.")
			if !errors.Is(err, turn.ErrNarration) {
				t.Fatalf("err = %v, want ErrNarration", err)
			}
			f.session.Wait()

			if after := stateJSON(t, f.session.State()); after != before {
				t.Errorf("state changed after failed narration\nbefore: %s\nafter:  %s", before, after)
			}
		})
	}
}

func TestRetry_AfterFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	f.narrator.SetStream(nil, errors.New("timeout"))
	if _, err := f.session.Submit(ctx, "I climb the stairs."); !errors.Is(err, turn.ErrNarration) {
		t.Fatalf("err = %v, want ErrNarration", err)
	}
	if n := len(f.session.Entries()); n != 0 {
		t.Fatalf("%d entries after failed turn, want 0", n)
	}

	f.narrator.SetStream(narration("The stairs groan."), nil)
	res, err := f.session.Retry(ctx, nil)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if res.Action.Content != "I climb the stairs." {
		t.Errorf("retried action = %q", res.Action.Content)
	}

	entries := f.session.Entries()
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	for _, e := range entries {
		if e.Type == story.EntryRetry {
			t.Error("retry marker leaked into the entry log")
		}
	}

	log := f.session.RetryLog(ctx)
	if len(log) != 1 || log[0].Action != "I climb the stairs." {
		t.Errorf("retry log = %+v", log)
	}
}

func TestRetry_RegeneratesLastTurn(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(c *turn.Config) { c.Classifier = classify.New(elenaClassifier()) })
	ctx := context.Background()

	if _, err := f.session.Submit(ctx, "I enter the mill."); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.session.Wait()
	before := stateJSON(t, f.session.State())

	f.narrator.SetStream(narration("Elena waves."), nil)
	if _, err := f.session.Submit(ctx, "I call out."); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.session.Wait()
	if len(f.session.World().Characters) != 1 {
		t.Fatalf("classification did not add Elena: %+v", f.session.World().Characters)
	}

	f.narrator.SetStream(narration("Nobody answers."), nil)
	res, err := f.session.Retry(ctx, nil)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	f.session.Wait()

	if res.Position != 2 {
		t.Errorf("position = %d, want 2", res.Position)
	}
	entries := f.session.Entries()
	if len(entries) != 4 || entries[3].Content != "Nobody answers." {
		t.Fatalf("entries = %+v", entries)
	}
	if chars := f.session.World().Characters; len(chars) != 0 {
		t.Errorf("characters from the replaced turn survived: %+v", chars)
	}

	// The snapshot the retry ran from is the state before the replaced turn.
	f.narrator.SetStream(nil, errors.New("down"))
	if _, err := f.session.Retry(ctx, nil); !errors.Is(err, turn.ErrNarration) {
		t.Fatalf("err = %v, want ErrNarration", err)
	}
	if after := stateJSON(t, f.session.State()); after != before {
		t.Errorf("state after failed retry differs from pre-turn snapshot\nbefore: %s\nafter:  %s", before, after)
	}
}

func TestSubmit_FailedNarrationKeepsEarlierClassification(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	classifier := &mock.Provider{
		CompleteFunc: func(req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			<-release
			return elenaClassifier().CompleteFunc(req)
		},
	}
	f := newFixture(t, func(c *turn.Config) { c.Classifier = classify.New(classifier) })
	ctx := context.Background()

	f.narrator.SetStream(narration("Elena waves at you."), nil)
	if _, err := f.session.Submit(ctx, "I enter the mill."); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	// Turn 1 is classified while turn 2 is already being submitted.
	time.AfterFunc(20*time.Millisecond, func() { close(release) })

	f.narrator.SetStream(nil, errors.New("model overloaded"))
	if _, err := f.session.Submit(ctx, "I wave back."); !errors.Is(err, turn.ErrNarration) {
		t.Fatalf("err = %v, want ErrNarration", err)
	}
	if chars := f.session.World().Characters; len(chars) != 1 || chars[0].Name != "Elena" {
		t.Fatalf("characters after failed turn = %+v, want Elena", chars)
	}

	f.narrator.SetStream(narration("The wheel turns."), nil)
	if _, err := f.session.Submit(ctx, "I wave back."); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.session.Wait()
	if n := len(f.session.World().Characters); n != 1 {
		t.Errorf("got %d characters after the next turn, want 1", n)
	}
}

func TestRetry_NoSnapshot(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	if _, err := f.session.Retry(context.Background(), nil); !errors.Is(err, turn.ErrNoSnapshot) {
		t.Fatalf("err = %v, want ErrNoSnapshot", err)
	}
}

// gatedProvider blocks its stream until release is closed.
type gatedProvider struct {
	mock.Provider
	started chan struct{}
	release chan struct{}
}

func (g *gatedProvider) StreamCompletion(ctx context.Context, _ llm.CompletionRequest) (<-chan llm.Chunk, error) {
	close(g.started)
	ch := make(chan llm.Chunk)
	go func() {
		defer close(ch)
		select {
		case <-g.release:
		case <-ctx.Done():
			return
		}
		for _, c := range narration("Done.") {
			ch <- c
		}
	}()
	return ch, nil
}

func TestSubmit_OneTurnInFlight(t *testing.T) {
	t.Parallel()
	g := &gatedProvider{started: make(chan struct{}), release: make(chan struct{})}
	e, err := turn.NewEngine(turn.Config{Narrator: g, Store: store.NewMemStore()})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	ctx := context.Background()
	s, err := e.Session(ctx, "s1")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}

	var wg sync.WaitGroup
	var firstErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, firstErr = s.Submit(ctx, "first")
	}()
	<-g.started

	if _, err := s.Submit(ctx, "second"); !errors.Is(err, turn.ErrBusy) {
		t.Errorf("concurrent Submit err = %v, want ErrBusy", err)
	}
	if _, err := s.Retry(ctx, nil); !errors.Is(err, turn.ErrBusy) {
		t.Errorf("concurrent Retry err = %v, want ErrBusy", err)
	}

	close(g.release)
	wg.Wait()
	if firstErr != nil {
		t.Fatalf("first Submit: %v", firstErr)
	}
	if n := len(s.Entries()); n != 2 {
		t.Errorf("got %d entries, want 2", n)
	}
}

const chapterSummary = `{"title": "The Mill", "summary": "The hero explored the mill.", "keywords": ["mill"], "characters": [], "locations": ["Old Mill"], "plotThreads": [], "emotionalTone": "tense"}`

func chapterProvider() *mock.Provider {
	return &mock.Provider{
		CompleteFunc: func(req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			if strings.Contains(req.SystemPrompt, "decide where chapters end") {
				return &llm.CompletionResponse{Content: `{"shouldCreateChapter": true, "optimalEndIndex": 2}`}, nil
			}
			return &llm.CompletionResponse{Content: chapterSummary}, nil
		},
	}
}

func TestAutoChapter(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(c *turn.Config) {
		c.Memory = chapter.New(chapterProvider())
		c.DefaultMemory = story.MemoryConfig{
			ChapterThreshold:        2,
			ChapterBuffer:           0,
			AutoSummarize:           true,
			MaxChaptersPerRetrieval: 3,
		}
	})
	ctx := context.Background()

	if _, err := f.session.Submit(ctx, "I enter the mill."); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.session.Wait()

	chapters := f.session.Chapters()
	if len(chapters) != 1 {
		t.Fatalf("got %d chapters, want 1", len(chapters))
	}
	ch := chapters[0]
	if ch.Number != 1 || ch.StartIndex != 0 || ch.EndIndex != 2 || ch.Title != "The Mill" {
		t.Errorf("chapter = %+v", ch)
	}

	saved, err := f.store.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(saved.Chapters) != 1 {
		t.Errorf("persisted %d chapters, want 1", len(saved.Chapters))
	}

	// Entries covered by a chapter are no longer sent verbatim.
	if _, err := f.session.Submit(ctx, "I leave."); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.session.Wait()
	req := f.narrator.Streams()[1].Req
	if len(req.Messages) != 1 || req.Messages[0].Content != "I leave." {
		t.Errorf("messages = %+v", req.Messages)
	}
}

func TestAutoChapter_Disabled(t *testing.T) {
	t.Parallel()
	mem := chapterProvider()
	f := newFixture(t, func(c *turn.Config) {
		c.Memory = chapter.New(mem)
		c.DefaultMemory = story.MemoryConfig{ChapterThreshold: 2, MaxChaptersPerRetrieval: 3}
	})

	if _, err := f.session.Submit(context.Background(), "I enter the mill."); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.session.Wait()
	if n := len(f.session.Chapters()); n != 0 {
		t.Errorf("got %d chapters with auto-summarize off", n)
	}
	if n := mem.CompleteCallCount(); n != 0 {
		t.Errorf("chapter memory made %d calls", n)
	}
}

func TestResummarize(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(c *turn.Config) {
		c.Memory = chapter.New(chapterProvider())
		c.DefaultMemory = story.MemoryConfig{ChapterThreshold: 2, AutoSummarize: true, MaxChaptersPerRetrieval: 3}
	})
	ctx := context.Background()

	if _, err := f.session.Resummarize(ctx, 1); !errors.Is(err, turn.ErrChapterNotFound) {
		t.Fatalf("err = %v, want ErrChapterNotFound", err)
	}

	if _, err := f.session.Submit(ctx, "I enter the mill."); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.session.Wait()

	ch, err := f.session.Resummarize(ctx, 1)
	if err != nil {
		t.Fatalf("Resummarize: %v", err)
	}
	if ch.Summary != "The hero explored the mill." {
		t.Errorf("summary = %q", ch.Summary)
	}
	if got := f.session.Chapters()[0].Summary; got != ch.Summary {
		t.Errorf("stored summary = %q", got)
	}
}

func TestResummarize_MemoryDisabled(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	if _, err := f.session.Resummarize(context.Background(), 1); !errors.Is(err, turn.ErrMemoryDisabled) {
		t.Fatalf("err = %v, want ErrMemoryDisabled", err)
	}
}

func TestSetMemoryConfig(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	if err := f.session.SetMemoryConfig(ctx, story.MemoryConfig{}); err == nil {
		t.Error("expected validation error")
	}

	want := story.DefaultMemoryConfig()
	want.ChapterThreshold = 12
	if err := f.session.SetMemoryConfig(ctx, want); err != nil {
		t.Fatalf("SetMemoryConfig: %v", err)
	}
	if got := f.session.MemoryConfig(); got != want {
		t.Errorf("config = %+v", got)
	}
	saved, err := f.store.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if saved.Config.ChapterThreshold != 12 {
		t.Errorf("persisted threshold = %d", saved.Config.ChapterThreshold)
	}
}

func TestEngine_ReloadsPersistedStory(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.session.Submit(ctx, "I wake."); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.engine.Close(ctx)

	e, err := turn.NewEngine(turn.Config{Narrator: f.narrator, Store: f.store})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	s, err := e.Session(ctx, "s1")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if n := len(s.Entries()); n != 2 {
		t.Errorf("reloaded %d entries, want 2", n)
	}

	ids, err := e.Stories(ctx)
	if err != nil {
		t.Fatalf("Stories: %v", err)
	}
	if len(ids) != 1 || ids[0] != "s1" {
		t.Errorf("stories = %v", ids)
	}
}

func TestEngine_SameSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	s, err := f.engine.Session(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if s != f.session {
		t.Error("Session returned a second instance for the same story")
	}
	if _, err := f.engine.Session(context.Background(), ""); err == nil {
		t.Error("expected error for empty story id")
	}
}

func TestPreview_DoesNotMutate(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	seed := &entity.SeedFile{Characters: []entity.Character{{Name: "Elena", Description: "A miller."}}}
	if _, err := f.session.ImportSeed(ctx, seed); err != nil {
		t.Fatalf("ImportSeed: %v", err)
	}
	before := stateJSON(t, f.session.State())

	res := f.session.Preview(ctx, "Where is Elena?")
	if !strings.Contains(res.ContextBlock, "Elena") {
		t.Errorf("preview context lacks Elena:\n%s", res.ContextBlock)
	}
	if after := stateJSON(t, f.session.State()); after != before {
		t.Error("Preview changed session state")
	}
}
