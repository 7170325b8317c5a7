package turn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/surfacecoaster/Aventura-custom/internal/activation"
	"github.com/surfacecoaster/Aventura-custom/internal/chapter"
	"github.com/surfacecoaster/Aventura-custom/internal/classify"
	"github.com/surfacecoaster/Aventura-custom/internal/ctxbuild"
	"github.com/surfacecoaster/Aventura-custom/internal/entity"
	"github.com/surfacecoaster/Aventura-custom/internal/observe"
	"github.com/surfacecoaster/Aventura-custom/internal/store"
	"github.com/surfacecoaster/Aventura-custom/internal/story"
	"github.com/surfacecoaster/Aventura-custom/pkg/provider/llm"
)

// SettingRetryLog is the story setting holding the JSON [RetryRecord] list.
// Retries are kept out of the entry log so they never reach the narrator.
const SettingRetryLog = "retry_log"

// maxRetryRecords bounds the persisted retry log.
const maxRetryRecords = 50

// RetryRecord marks one [Session.Retry].
type RetryRecord struct {
	Action string    `json:"action"`
	At     time.Time `json:"at"`
}

// TurnResult is the outcome of a successful turn.
type TurnResult struct {
	Action    story.Entry
	Narration story.Entry

	// Position is the turn number the context was built at.
	Position int

	Context   ctxbuild.Result
	Retrieval chapter.Decision

	Duration time.Duration
}

// Session is the live state of one story. Turns are serialised; reads may
// happen concurrently with a turn and with background tasks.
type Session struct {
	id    string
	cfg   *Config
	guard *MemoryGuard
	tasks *TaskRunner
	log   *slog.Logger

	// turnMu is held for the whole of a turn.
	turnMu sync.Mutex

	mu       sync.Mutex
	entries  []story.Entry
	chapters []story.Chapter
	entities *entity.MemStore
	tracker  *activation.Tracker
	memCfg   story.MemoryConfig
	genre    string

	backup     *store.State
	lastAction string
}

func newSession(cfg *Config, guard *MemoryGuard, st store.State) *Session {
	tracker := activation.New()
	tracker.Load(st.Activation)
	log := cfg.Logger.With("story_id", st.StoryID)
	return &Session{
		id:       st.StoryID,
		cfg:      cfg,
		guard:    guard,
		tasks:    NewTaskRunner(log, cfg.Metrics, cfg.TaskTimeout),
		log:      log,
		entries:  story.CloneEntries(st.Entries),
		chapters: story.CloneChapters(st.Chapters),
		entities: entity.NewMemStoreFrom(st.World),
		tracker:  tracker,
		memCfg:   st.Config,
		genre:    st.Genre,
	}
}

// ID returns the story id.
func (s *Session) ID() string { return s.id }

// ─────────────────────────────────────────────────────────────────────────────
// Snapshots
// ─────────────────────────────────────────────────────────────────────────────

// State returns a deep copy of everything the session holds.
func (s *Session) State() store.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Session) stateLocked() store.State {
	return store.State{
		StoryID:    s.id,
		Entries:    story.CloneEntries(s.entries),
		World:      s.entities.Snapshot(),
		Chapters:   story.CloneChapters(s.chapters),
		Activation: s.tracker.Data(),
		Config:     s.memCfg,
		Genre:      s.genre,
	}
}

// restore replaces the session state with a copy of st.
func (s *Session) restore(st store.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = story.CloneEntries(st.Entries)
	s.chapters = story.CloneChapters(st.Chapters)
	s.entities.Restore(st.World)
	s.tracker.Load(st.Activation)
	s.memCfg = st.Config
	s.genre = st.Genre
}

// Entries returns a copy of the entry log.
func (s *Session) Entries() []story.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return story.CloneEntries(s.entries)
}

// Chapters returns a copy of the chapters.
func (s *Session) Chapters() []story.Chapter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return story.CloneChapters(s.chapters)
}

// World returns a copy of the world state.
func (s *Session) World() entity.World {
	return s.entities.Snapshot()
}

// MemoryConfig returns the story's memory configuration.
func (s *Session) MemoryConfig() story.MemoryConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.memCfg
}

// SetMemoryConfig validates and stores cfg. It applies from the next turn.
func (s *Session) SetMemoryConfig(ctx context.Context, cfg story.MemoryConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("turn: set memory config: %w", err)
	}
	s.mu.Lock()
	s.memCfg = cfg
	st := s.stateLocked()
	s.mu.Unlock()
	s.guard.Save(ctx, st)
	return nil
}

// SetGenre sets the genre hint given to the classifier.
func (s *Session) SetGenre(ctx context.Context, genre string) {
	s.mu.Lock()
	s.genre = strings.TrimSpace(genre)
	st := s.stateLocked()
	s.mu.Unlock()
	s.guard.Save(ctx, st)
}

// ImportSeed adds every entity of seed to the world and persists the story.
// The seed's genre, when set, replaces the story's.
func (s *Session) ImportSeed(ctx context.Context, seed *entity.SeedFile) (int, error) {
	n, err := entity.ImportSeed(ctx, s.entities, seed)
	if err != nil {
		return n, fmt.Errorf("turn: %w", err)
	}
	s.mu.Lock()
	if g := strings.TrimSpace(seed.Story.Genre); g != "" {
		s.genre = g
	}
	st := s.stateLocked()
	s.mu.Unlock()
	s.guard.Save(ctx, st)
	s.log.Info("turn: seed imported", "records", n, "title", seed.Story.Title)
	return n, nil
}

// Degraded reports whether the most recent write to the store failed.
func (s *Session) Degraded() bool {
	return s.guard.IsDegraded()
}

// Wait blocks until the session's background tasks have finished.
func (s *Session) Wait() {
	s.tasks.Wait()
}

// ─────────────────────────────────────────────────────────────────────────────
// Turns
// ─────────────────────────────────────────────────────────────────────────────

// Submit runs one turn for action. See [Session.SubmitStream].
func (s *Session) Submit(ctx context.Context, action string) (TurnResult, error) {
	return s.SubmitStream(ctx, action, nil)
}

// SubmitStream runs one turn, passing each narration fragment to sink (if
// non-nil) as it arrives.
//
// The state before the turn is kept as the retry snapshot. If narration
// fails the session is restored to it and the error wraps [ErrNarration].
// Classification and chapter creation run in the background after the turn
// returns; see [Session.Wait].
func (s *Session) SubmitStream(ctx context.Context, action string, sink func(string)) (TurnResult, error) {
	action = strings.TrimSpace(action)
	if action == "" {
		return TurnResult{}, ErrEmptyAction
	}
	if !s.turnMu.TryLock() {
		return TurnResult{}, ErrBusy
	}
	defer s.turnMu.Unlock()
	return s.submit(ctx, action, sink)
}

// Retry rolls the story back to the snapshot taken before the most recent
// turn and runs that turn's action again. It works both after a failed
// narration and to regenerate a successful one.
func (s *Session) Retry(ctx context.Context, sink func(string)) (TurnResult, error) {
	if !s.turnMu.TryLock() {
		return TurnResult{}, ErrBusy
	}
	defer s.turnMu.Unlock()

	s.mu.Lock()
	backup, action := s.backup, s.lastAction
	s.mu.Unlock()
	if backup == nil {
		return TurnResult{}, ErrNoSnapshot
	}

	// Results of the turn being replaced must land before the rollback.
	s.tasks.Wait()
	s.restore(*backup)
	s.guard.Save(ctx, *backup)
	s.recordRetry(ctx, action)
	s.log.Info("turn: retrying", "action_len", len(action))

	return s.submit(ctx, action, sink)
}

func (s *Session) submit(ctx context.Context, action string, sink func(string)) (TurnResult, error) {
	ctx, span := observe.StartSpan(observe.WithStoryID(ctx, s.id), "turn.submit")
	start := s.cfg.Now()

	// Background results of earlier turns belong in the snapshot, or a failed
	// narration would roll them back for good.
	s.tasks.Wait()

	s.mu.Lock()
	backup := s.stateLocked()
	s.backup = &backup
	s.lastAction = action
	actionEntry := s.appendLocked(story.EntryUserAction, action)
	st := s.stateLocked()
	s.mu.Unlock()

	position := story.TurnNumber(st.Entries)
	prior := st.Entries[:len(st.Entries)-1]

	decision, retrieved := s.retrieve(ctx, action, prior, st.Chapters, st.Config)
	built := s.cfg.Context.Build(ctx, ctxbuild.Request{
		World:            st.World,
		UserInput:        action,
		RecentEntries:    prior,
		Position:         position,
		Activation:       s.tracker,
		RetrievedContext: retrieved,
	})

	text, err := s.narrate(ctx, s.narrationRequest(st, built.ContextBlock), sink)
	if err != nil {
		s.restore(backup)
		s.log.Warn("turn: narration failed, state restored", "position", position, "err", err)
		err = fmt.Errorf("%w: %w", ErrNarration, err)
		observe.EndSpan(span, err)
		return TurnResult{}, err
	}

	s.mu.Lock()
	narration := s.appendLocked(story.EntryNarration, text)
	s.entities.Touch(action+"\n"+text, position)
	final := s.stateLocked()
	s.mu.Unlock()

	s.guard.Save(ctx, final)
	s.schedule(ctx, final, action, text, position)

	d := s.cfg.Now().Sub(start)
	s.cfg.Metrics.RecordTurn(ctx, d)
	s.log.Info("turn: completed",
		"position", position,
		"context_items", len(built.All),
		"retrieved_chapters", len(decision.IDs),
		"duration", d,
	)
	observe.EndSpan(span, nil)
	return TurnResult{
		Action:    actionEntry,
		Narration: narration,
		Position:  position,
		Context:   built,
		Retrieval: decision,
		Duration:  d,
	}, nil
}

func (s *Session) appendLocked(t story.EntryType, content string) story.Entry {
	e := story.Entry{
		ID:        uuid.NewString(),
		StoryID:   s.id,
		Type:      t,
		Content:   content,
		Position:  story.NextPosition(s.entries),
		CreatedAt: s.cfg.Now().UTC(),
	}
	s.entries = append(s.entries, e)
	return e
}

// retrieve runs the retrieval decision and renders the selected chapters.
func (s *Session) retrieve(ctx context.Context, action string, prior []story.Entry, chapters []story.Chapter, cfg story.MemoryConfig) (chapter.Decision, string) {
	if s.cfg.Memory == nil {
		return chapter.Decision{}, ""
	}
	recent := story.Tail(prior, s.cfg.RecentWindow)
	d := s.cfg.Memory.DecideRetrieval(ctx, action, recent, chapters, cfg)
	return d, chapter.BuildRetrievedContextBlock(chapters, d)
}

// narrationRequest assembles the narrator prompt: the system prompt with the
// selected context, then the uncompressed tail of the log as alternating
// user and assistant messages. The last message is the current action.
func (s *Session) narrationRequest(st store.State, contextBlock string) llm.CompletionRequest {
	system := s.cfg.SystemPrompt
	if contextBlock != "" {
		system += "\n\n" + contextBlock
	}

	from := story.LastChapterEnd(st.Chapters)
	if from > len(st.Entries) {
		from = len(st.Entries)
	}
	var msgs []llm.Message
	for _, e := range st.Entries[from:] {
		switch e.Type {
		case story.EntryUserAction:
			msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: e.Content})
		case story.EntryNarration:
			msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: e.Content})
		}
	}
	if len(msgs) > s.cfg.HistoryLimit {
		msgs = msgs[len(msgs)-s.cfg.HistoryLimit:]
	}

	return llm.CompletionRequest{
		SystemPrompt: system,
		Messages:     msgs,
		Model:        s.cfg.NarrationModel,
		Temperature:  s.cfg.Temperature,
		MaxTokens:    s.cfg.MaxTokens,
	}
}

// narrate streams the narration. Blank output is an error.
func (s *Session) narrate(ctx context.Context, req llm.CompletionRequest, sink func(string)) (string, error) {
	start := time.Now()
	text, err := s.stream(ctx, req, sink)
	s.cfg.Metrics.RecordLLMCall(ctx, "narration", time.Since(start), err)
	return text, err
}

func (s *Session) stream(ctx context.Context, req llm.CompletionRequest, sink func(string)) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, err := s.cfg.Narrator.StreamCompletion(ctx, req)
	if err != nil {
		return "", err
	}
	text, err := llm.Collect(ch, sink)
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("turn: narration: empty response")
	}
	return text, nil
}

// recordRetry appends a marker to the persisted retry log.
func (s *Session) recordRetry(ctx context.Context, action string) {
	var records []RetryRecord
	if raw := s.guard.Setting(ctx, s.id, SettingRetryLog); raw != "" {
		if err := json.Unmarshal([]byte(raw), &records); err != nil {
			s.log.Warn("turn: discarding unreadable retry log", "err", err)
			records = nil
		}
	}
	records = append(records, RetryRecord{Action: action, At: s.cfg.Now().UTC()})
	if len(records) > maxRetryRecords {
		records = records[len(records)-maxRetryRecords:]
	}
	raw, err := json.Marshal(records)
	if err != nil {
		s.log.Warn("turn: encode retry log", "err", err)
		return
	}
	s.guard.PutSetting(ctx, s.id, SettingRetryLog, string(raw))
}

// RetryLog returns the persisted retry markers, oldest first.
func (s *Session) RetryLog(ctx context.Context) []RetryRecord {
	raw := s.guard.Setting(ctx, s.id, SettingRetryLog)
	if raw == "" {
		return nil
	}
	var records []RetryRecord
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		return nil
	}
	return records
}

// ─────────────────────────────────────────────────────────────────────────────
// Background memory work
// ─────────────────────────────────────────────────────────────────────────────

// schedule starts classification and chapter creation for the turn that
// produced st. Both read st and apply their results to the live session.
func (s *Session) schedule(ctx context.Context, st store.State, action, narration string, position int) {
	if s.cfg.Classifier != nil {
		in := classify.InputFromWorld(st.World, narration, action, st.Genre)
		s.tasks.Go(ctx, "classify", func(ctx context.Context) error {
			res := s.cfg.Classifier.Classify(ctx, in)
			if res.Empty() {
				return nil
			}
			s.applyClassification(ctx, res, position)
			return nil
		})
	}

	if s.cfg.Memory != nil && st.Config.AutoSummarize &&
		chapter.Eligible(len(st.Entries), story.LastChapterEnd(st.Chapters), st.Config) {
		s.tasks.Go(ctx, "chapter", func(ctx context.Context) error {
			ch, err := s.cfg.Memory.CreateChapter(ctx, st.Entries, st.Chapters, st.Config)
			if err != nil {
				return fmt.Errorf("turn: create chapter: %w", err)
			}
			if ch != nil {
				s.applyChapter(ctx, *ch)
			}
			return nil
		})
	}
}

func (s *Session) applyClassification(ctx context.Context, res classify.Result, position int) {
	s.mu.Lock()
	rep := s.entities.Apply(res.Delta(), position)
	st := s.stateLocked()
	s.mu.Unlock()

	s.log.Debug("turn: classification applied",
		"added", rep.Added,
		"updated", rep.Updated,
		"skipped", rep.Skipped,
		"moved", rep.Moved,
	)
	s.guard.Save(ctx, st)
}

// applyChapter appends ch unless the log or chapter list changed under it
// (a retry, or another chapter landing first).
func (s *Session) applyChapter(ctx context.Context, ch story.Chapter) {
	s.mu.Lock()
	if ch.Number != len(s.chapters)+1 ||
		ch.EndIndex < 1 ||
		ch.StartIndex != story.LastChapterEnd(s.chapters) ||
		ch.EndIndex > len(s.entries) ||
		s.entries[ch.EndIndex-1].ID != ch.EndEntryID {
		s.mu.Unlock()
		s.log.Info("turn: dropping stale chapter", "chapter", ch.Number)
		return
	}
	s.chapters = append(s.chapters, ch)
	st := s.stateLocked()
	s.mu.Unlock()
	s.guard.Save(ctx, st)
}

// Resummarize regenerates the summary of chapter number from its entries.
// On failure the chapter is left unchanged.
func (s *Session) Resummarize(ctx context.Context, number int) (story.Chapter, error) {
	if s.cfg.Memory == nil {
		return story.Chapter{}, ErrMemoryDisabled
	}
	st := s.State()
	ch, ok := story.ChapterByNumber(st.Chapters, number)
	if !ok {
		return story.Chapter{}, fmt.Errorf("turn: resummarize %d: %w", number, ErrChapterNotFound)
	}

	out, err := s.cfg.Memory.Resummarize(ctx, ch, st.Entries, st.Chapters)
	if err != nil {
		return ch, fmt.Errorf("turn: resummarize %d: %w", number, err)
	}

	s.mu.Lock()
	replaced := false
	for i := range s.chapters {
		if s.chapters[i].ID == out.ID {
			s.chapters[i] = out
			replaced = true
			break
		}
	}
	st = s.stateLocked()
	s.mu.Unlock()
	if !replaced {
		return ch, fmt.Errorf("turn: resummarize %d: %w", number, ErrChapterNotFound)
	}
	s.guard.Save(ctx, st)
	return out, nil
}

// Preview builds the context the next turn would use for input without
// changing any state.
func (s *Session) Preview(ctx context.Context, input string) ctxbuild.Result {
	st := s.State()
	tracker := activation.New()
	tracker.Load(st.Activation)
	_, retrieved := s.retrieve(ctx, input, st.Entries, st.Chapters, st.Config)
	return s.cfg.Context.Build(ctx, ctxbuild.Request{
		World:            st.World,
		UserInput:        input,
		RecentEntries:    st.Entries,
		Position:         story.TurnNumber(st.Entries) + 1,
		Activation:       tracker,
		RetrievedContext: retrieved,
	})
}
