// Package turn runs the story turn pipeline: one player action in, one
// narration out, with the memory pipeline (entity classification, chapter
// creation, retrieval and context selection) wrapped around it.
//
// An [Engine] owns one [Session] per story. A session serialises turns,
// snapshots its state before each turn so a failed or unwanted generation can
// be rolled back exactly, and defers the slow memory work to background
// tasks whose results are applied when they finish.
package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/surfacecoaster/Aventura-custom/internal/chapter"
	"github.com/surfacecoaster/Aventura-custom/internal/classify"
	"github.com/surfacecoaster/Aventura-custom/internal/ctxbuild"
	"github.com/surfacecoaster/Aventura-custom/internal/observe"
	"github.com/surfacecoaster/Aventura-custom/internal/store"
	"github.com/surfacecoaster/Aventura-custom/internal/story"
	"github.com/surfacecoaster/Aventura-custom/pkg/provider/llm"
)

// Sentinel errors returned by sessions.
var (
	// ErrNarration wraps a failed narration. The session state has been
	// restored to what it was before the turn, so the turn can be retried.
	ErrNarration = errors.New("turn: narration failed")

	// ErrNoSnapshot is returned by [Session.Retry] before the first turn.
	ErrNoSnapshot = errors.New("turn: no snapshot to retry from")

	// ErrBusy is returned when a turn is already in flight for the story.
	ErrBusy = errors.New("turn: a turn is already in progress")

	// ErrEmptyAction is returned for blank player input.
	ErrEmptyAction = errors.New("turn: empty action")

	// ErrChapterNotFound is returned by [Session.Resummarize] for an unknown
	// chapter number.
	ErrChapterNotFound = errors.New("turn: chapter not found")

	// ErrMemoryDisabled is returned by operations that need chapter memory
	// when the engine was built without it.
	ErrMemoryDisabled = errors.New("turn: chapter memory is not configured")
)

const (
	defaultHistoryLimit = 20
	defaultRecentWindow = 6
	defaultTaskTimeout  = 2 * time.Minute
	defaultSystemPrompt = "You are the narrator of an interactive story. Continue the story in " +
		"response to the player's action. Write in second person and present tense. " +
		"Stay consistent with the world state you are given. Never act or speak for the player."
)

// Config holds the dependencies of an [Engine].
type Config struct {
	// Narrator streams the story narration. Required.
	Narrator llm.Provider

	// Store persists story state. Required.
	Store store.Store

	NarrationModel string
	Temperature    float64
	MaxTokens      int

	// SystemPrompt replaces the built-in narrator prompt when set. The
	// selected world context is appended to it every turn.
	SystemPrompt string

	// HistoryLimit caps the uncompressed entries sent with each narration
	// request. Zero uses 20.
	HistoryLimit int

	// RecentWindow is how many entries the retrieval decision sees. Zero
	// uses 6.
	RecentWindow int

	// Classifier extracts world changes after each turn. Nil disables
	// classification.
	Classifier *classify.Classifier

	// Memory creates chapters and decides retrieval. Nil disables both.
	Memory *chapter.Memory

	// Context selects world entries for the narrator. Nil uses
	// ctxbuild.New() with default limits.
	Context *ctxbuild.Builder

	// DefaultMemory is the memory configuration given to new stories. The
	// zero value uses story.DefaultMemoryConfig.
	DefaultMemory story.MemoryConfig

	// TaskTimeout bounds each background task. Zero uses two minutes.
	TaskTimeout time.Duration

	Logger  *slog.Logger
	Metrics *observe.Metrics

	// Now returns the current time. Nil uses time.Now.
	Now func() time.Time
}

// Engine manages the sessions of every open story.
//
// All methods are safe for concurrent use.
type Engine struct {
	cfg   Config
	guard *MemoryGuard
	log   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewEngine validates cfg, fills in defaults and returns an engine.
func NewEngine(cfg Config) (*Engine, error) {
	var errs []error
	if cfg.Narrator == nil {
		errs = append(errs, errors.New("narrator provider is required"))
	}
	if cfg.Store == nil {
		errs = append(errs, errors.New("store is required"))
	}
	if cfg.DefaultMemory != (story.MemoryConfig{}) {
		if err := cfg.DefaultMemory.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("default memory config: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("turn: new engine: %w", err)
	}

	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = defaultRecentWindow
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = defaultTaskTimeout
	}
	if cfg.DefaultMemory == (story.MemoryConfig{}) {
		cfg.DefaultMemory = story.DefaultMemoryConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Context == nil {
		cfg.Context = ctxbuild.New(ctxbuild.WithLogger(cfg.Logger), ctxbuild.WithMetrics(cfg.Metrics))
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Engine{
		cfg:      cfg,
		guard:    NewMemoryGuard(cfg.Store, cfg.Logger),
		log:      cfg.Logger,
		sessions: make(map[string]*Session),
	}, nil
}

// Session returns the open session for storyID, loading it from the store
// on first use. A story that has never been saved starts empty.
func (e *Engine) Session(ctx context.Context, storyID string) (*Session, error) {
	if storyID == "" {
		return nil, errors.New("turn: session: story id is required")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.sessions[storyID]; ok {
		return s, nil
	}

	st, err := e.guard.Load(ctx, storyID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		st = store.NewState(storyID)
		st.Config = e.cfg.DefaultMemory
	case err != nil:
		return nil, fmt.Errorf("turn: load story %q: %w", storyID, err)
	}

	s := newSession(&e.cfg, e.guard, st)
	e.sessions[storyID] = s
	e.cfg.Metrics.SessionOpened(ctx)
	e.log.Info("turn: session opened",
		"story_id", storyID,
		"entries", len(st.Entries),
		"chapters", len(st.Chapters),
	)
	return s, nil
}

// Stories lists the persisted story ids.
func (e *Engine) Stories(ctx context.Context) ([]string, error) {
	ids, err := e.cfg.Store.Stories(ctx)
	if err != nil {
		return nil, fmt.Errorf("turn: list stories: %w", err)
	}
	return ids, nil
}

// Degraded reports whether the most recent write to the store failed.
func (e *Engine) Degraded() bool {
	return e.guard.IsDegraded()
}

// Close waits for every session's background tasks to finish and forgets
// the sessions. The store is not closed.
func (e *Engine) Close(ctx context.Context) {
	e.mu.Lock()
	sessions := e.sessions
	e.sessions = make(map[string]*Session)
	e.mu.Unlock()

	for id, s := range sessions {
		s.Wait()
		e.cfg.Metrics.SessionClosed(ctx)
		e.log.Debug("turn: session closed", "story_id", id)
	}
}
