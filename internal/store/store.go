// Package store persists story state: the entry log, the world entities,
// lorebook entries, chapters and the per-story settings blobs (memory
// configuration and activation data).
//
// The turn pipeline treats a [Store] as opaque CRUD scoped by story id. A
// story is loaded once into a [State] snapshot, mutated in memory, and
// written back with [Store.Save]. Implementations:
//
//   - [MemStore] in this package, for tests and ephemeral sessions
//   - sqlite, the default local store (modernc.org/sqlite)
//   - postgres, with a pgvector column for chapter embeddings
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"

	"github.com/surfacecoaster/Aventura-custom/internal/entity"
	"github.com/surfacecoaster/Aventura-custom/internal/story"
)

// ErrNotFound is returned when a story or setting does not exist.
var ErrNotFound = errors.New("store: not found")

// Well-known setting keys.
const (
	SettingMemoryConfig = "memory_config"
	SettingActivation   = "activation"
	SettingGenre        = "genre"
)

// State is everything persisted for one story.
type State struct {
	StoryID  string
	Entries  []story.Entry
	World    entity.World
	Chapters []story.Chapter

	// Activation is the activation tracker's id → turn map.
	Activation map[string]int

	Config story.MemoryConfig

	// Genre is a free-form hint passed to the classifier.
	Genre string
}

// NewState returns the state of a story that has no entries yet.
func NewState(storyID string) State {
	return State{
		StoryID:    storyID,
		World:      entity.World{StoryID: storyID},
		Activation: map[string]int{},
		Config:     story.DefaultMemoryConfig(),
	}
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	return State{
		StoryID:    s.StoryID,
		Entries:    story.CloneEntries(s.Entries),
		World:      s.World.Clone(),
		Chapters:   story.CloneChapters(s.Chapters),
		Activation: maps.Clone(s.Activation),
		Config:     s.Config,
		Genre:      s.Genre,
	}
}

// Store is the persistence capability used by the turn engine.
//
// Implementations must be safe for concurrent use across stories.
type Store interface {
	// Load returns the persisted state of storyID, or [ErrNotFound].
	Load(ctx context.Context, storyID string) (State, error)

	// Save replaces everything persisted for st.StoryID with st, atomically.
	// Settings other than the well-known keys are kept.
	Save(ctx context.Context, st State) error

	// Stories lists the ids of every persisted story, sorted.
	Stories(ctx context.Context) ([]string, error)

	// Setting returns a raw settings blob, or [ErrNotFound].
	Setting(ctx context.Context, storyID, key string) (string, error)

	// PutSetting writes a raw settings blob. The story need not exist.
	PutSetting(ctx context.Context, storyID, key, value string) error

	Close() error
}

// ─────────────────────────────────────────────────────────────────────────────
// Settings encoding shared by the SQL stores
// ─────────────────────────────────────────────────────────────────────────────

// EncodeSettings renders the settings blobs of st.
func EncodeSettings(st State) (map[string]string, error) {
	cfg, err := json.Marshal(st.Config)
	if err != nil {
		return nil, fmt.Errorf("store: encode memory config: %w", err)
	}
	act := st.Activation
	if act == nil {
		act = map[string]int{}
	}
	activation, err := json.Marshal(act)
	if err != nil {
		return nil, fmt.Errorf("store: encode activation: %w", err)
	}
	return map[string]string{
		SettingMemoryConfig: string(cfg),
		SettingActivation:   string(activation),
		SettingGenre:        st.Genre,
	}, nil
}

// DecodeSettings applies settings blobs to st. Missing keys leave defaults in
// place; unknown keys are ignored.
func DecodeSettings(st *State, settings map[string]string) error {
	if st.Activation == nil {
		st.Activation = map[string]int{}
	}
	if v, ok := settings[SettingMemoryConfig]; ok && v != "" {
		cfg := story.DefaultMemoryConfig()
		if err := json.Unmarshal([]byte(v), &cfg); err != nil {
			return fmt.Errorf("store: decode memory config: %w", err)
		}
		st.Config = cfg
	}
	if v, ok := settings[SettingActivation]; ok && v != "" {
		if err := json.Unmarshal([]byte(v), &st.Activation); err != nil {
			return fmt.Errorf("store: decode activation: %w", err)
		}
	}
	st.Genre = settings[SettingGenre]
	return nil
}
