// Package sqlite is the default local [store.Store], backed by a single
// SQLite file through the pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/surfacecoaster/Aventura-custom/internal/entity"
	"github.com/surfacecoaster/Aventura-custom/internal/store"
	"github.com/surfacecoaster/Aventura-custom/internal/story"
)

var _ store.Store = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS stories (
    id          TEXT PRIMARY KEY,
    created_at  TEXT NOT NULL,
    updated_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS story_entries (
    story_id    TEXT    NOT NULL,
    id          TEXT    NOT NULL,
    type        TEXT    NOT NULL,
    content     TEXT    NOT NULL,
    position    INTEGER NOT NULL,
    created_at  TEXT    NOT NULL,
    PRIMARY KEY (story_id, position)
);

CREATE TABLE IF NOT EXISTS world_entities (
    story_id    TEXT    NOT NULL,
    kind        TEXT    NOT NULL,
    id          TEXT    NOT NULL,
    ord         INTEGER NOT NULL,
    name        TEXT    NOT NULL,
    data        TEXT    NOT NULL,
    PRIMARY KEY (story_id, kind, id)
);

CREATE TABLE IF NOT EXISTS lorebook_entries (
    story_id         TEXT    NOT NULL,
    id               TEXT    NOT NULL,
    ord              INTEGER NOT NULL,
    name             TEXT    NOT NULL,
    type             TEXT    NOT NULL,
    description      TEXT    NOT NULL DEFAULT '',
    hidden_info      TEXT    NOT NULL DEFAULT '',
    aliases          TEXT    NOT NULL DEFAULT '[]',
    state            TEXT,
    adventure_state  TEXT,
    creative_state   TEXT,
    injection        TEXT    NOT NULL,
    first_mentioned  INTEGER NOT NULL DEFAULT -1,
    last_mentioned   INTEGER NOT NULL DEFAULT -1,
    mention_count    INTEGER NOT NULL DEFAULT 0,
    created_by       TEXT    NOT NULL DEFAULT 'user',
    PRIMARY KEY (story_id, id)
);

CREATE TABLE IF NOT EXISTS chapters (
    story_id        TEXT    NOT NULL,
    id              TEXT    NOT NULL,
    number          INTEGER NOT NULL,
    title           TEXT    NOT NULL,
    summary         TEXT    NOT NULL,
    start_entry_id  TEXT    NOT NULL,
    end_entry_id    TEXT    NOT NULL,
    start_index     INTEGER NOT NULL,
    end_index       INTEGER NOT NULL,
    entry_count     INTEGER NOT NULL,
    keywords        TEXT,
    characters      TEXT,
    locations       TEXT,
    plot_threads    TEXT,
    emotional_tone  TEXT    NOT NULL DEFAULT '',
    embedding       TEXT,
    created_at      TEXT    NOT NULL,
    updated_at      TEXT    NOT NULL,
    PRIMARY KEY (story_id, number)
);

CREATE TABLE IF NOT EXISTS story_settings (
    story_id  TEXT NOT NULL,
    key       TEXT NOT NULL,
    value     TEXT NOT NULL,
    PRIMARY KEY (story_id, key)
);
`

// Store is a SQLite-backed [store.Store]. Safe for concurrent use; writes
// are serialised by SQLite.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and migrates its schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite store: create dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Load
// ─────────────────────────────────────────────────────────────────────────────

// Load implements [store.Store].
func (s *Store) Load(ctx context.Context, storyID string) (store.State, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM stories WHERE id = ?`, storyID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return store.State{}, store.ErrNotFound
	}
	if err != nil {
		return store.State{}, fmt.Errorf("sqlite store: load story: %w", err)
	}

	st := store.NewState(storyID)
	if st.Entries, err = s.loadEntries(ctx, storyID); err != nil {
		return store.State{}, err
	}
	if st.World, err = s.loadWorld(ctx, storyID); err != nil {
		return store.State{}, err
	}
	if st.Chapters, err = s.loadChapters(ctx, storyID); err != nil {
		return store.State{}, err
	}
	settings, err := s.loadSettings(ctx, storyID)
	if err != nil {
		return store.State{}, err
	}
	if err := store.DecodeSettings(&st, settings); err != nil {
		return store.State{}, err
	}
	return st, nil
}

func (s *Store) loadEntries(ctx context.Context, storyID string) ([]story.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, content, position, created_at
		FROM   story_entries
		WHERE  story_id = ?
		ORDER  BY position`, storyID)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: load entries: %w", err)
	}
	defer rows.Close()

	var out []story.Entry
	for rows.Next() {
		e := story.Entry{StoryID: storyID}
		var created string
		if err := rows.Scan(&e.ID, &e.Type, &e.Content, &e.Position, &created); err != nil {
			return nil, fmt.Errorf("sqlite store: scan entry: %w", err)
		}
		if e.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("sqlite store: entry %s: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) loadWorld(ctx context.Context, storyID string) (entity.World, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, id, ord, name, data
		FROM   world_entities
		WHERE  story_id = ?
		ORDER  BY kind, ord`, storyID)
	if err != nil {
		return entity.World{}, fmt.Errorf("sqlite store: load world: %w", err)
	}
	var ents []store.EntityRow
	for rows.Next() {
		var r store.EntityRow
		var data string
		if err := rows.Scan(&r.Kind, &r.ID, &r.Ord, &r.Name, &data); err != nil {
			rows.Close()
			return entity.World{}, fmt.Errorf("sqlite store: scan entity: %w", err)
		}
		r.Data = []byte(data)
		ents = append(ents, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return entity.World{}, fmt.Errorf("sqlite store: load world: %w", err)
	}

	w, err := store.DecodeWorld(storyID, ents)
	if err != nil {
		return entity.World{}, err
	}

	lrows, err := s.db.QueryContext(ctx, `
		SELECT id, ord, name, type, description, hidden_info, aliases, state,
		       adventure_state, creative_state, injection, first_mentioned,
		       last_mentioned, mention_count, created_by
		FROM   lorebook_entries
		WHERE  story_id = ?
		ORDER  BY ord`, storyID)
	if err != nil {
		return entity.World{}, fmt.Errorf("sqlite store: load lorebook: %w", err)
	}
	defer lrows.Close()
	for lrows.Next() {
		var (
			r                          store.LoreRow
			aliases, injection         string
			state, adventure, creative sql.NullString
		)
		if err := lrows.Scan(&r.ID, &r.Ord, &r.Name, &r.Type, &r.Description, &r.HiddenInfo,
			&aliases, &state, &adventure, &creative, &injection,
			&r.FirstMentioned, &r.LastMentioned, &r.MentionCount, &r.CreatedBy); err != nil {
			return entity.World{}, fmt.Errorf("sqlite store: scan lore: %w", err)
		}
		r.Aliases = []byte(aliases)
		r.Injection = []byte(injection)
		r.State = []byte(state.String)
		r.AdventureState = []byte(adventure.String)
		r.CreativeState = []byte(creative.String)
		e, err := store.DecodeLore(storyID, r)
		if err != nil {
			return entity.World{}, err
		}
		w.Lorebook = append(w.Lorebook, e)
	}
	return w, lrows.Err()
}

func (s *Store) loadChapters(ctx context.Context, storyID string) ([]story.Chapter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, number, title, summary, start_entry_id, end_entry_id,
		       start_index, end_index, entry_count, keywords, characters,
		       locations, plot_threads, emotional_tone, embedding,
		       created_at, updated_at
		FROM   chapters
		WHERE  story_id = ?
		ORDER  BY number`, storyID)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: load chapters: %w", err)
	}
	defer rows.Close()

	var out []story.Chapter
	for rows.Next() {
		c := story.Chapter{StoryID: storyID}
		var (
			keywords, characters, locations, threads, embedding sql.NullString
			created, updated                                    string
		)
		if err := rows.Scan(&c.ID, &c.Number, &c.Title, &c.Summary, &c.StartEntryID, &c.EndEntryID,
			&c.StartIndex, &c.EndIndex, &c.EntryCount, &keywords, &characters,
			&locations, &threads, &c.EmotionalTone, &embedding, &created, &updated); err != nil {
			return nil, fmt.Errorf("sqlite store: scan chapter: %w", err)
		}
		for _, f := range []struct {
			src sql.NullString
			dst *[]string
		}{
			{keywords, &c.Keywords},
			{characters, &c.Characters},
			{locations, &c.Locations},
			{threads, &c.PlotThreads},
		} {
			if *f.dst, err = store.DecodeStrings([]byte(f.src.String)); err != nil {
				return nil, fmt.Errorf("sqlite store: chapter %d: %w", c.Number, err)
			}
		}
		if embedding.Valid && embedding.String != "" {
			if err := json.Unmarshal([]byte(embedding.String), &c.Embedding); err != nil {
				return nil, fmt.Errorf("sqlite store: chapter %d embedding: %w", c.Number, err)
			}
		}
		if c.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("sqlite store: chapter %d: %w", c.Number, err)
		}
		if c.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, fmt.Errorf("sqlite store: chapter %d: %w", c.Number, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) loadSettings(ctx context.Context, storyID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM story_settings WHERE story_id = ?`, storyID)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: load settings: %w", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("sqlite store: scan setting: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// ─────────────────────────────────────────────────────────────────────────────
// Save
// ─────────────────────────────────────────────────────────────────────────────

// Save implements [store.Store]. Everything happens in one transaction.
func (s *Store) Save(ctx context.Context, st store.State) error {
	ents, err := store.EncodeWorld(st.World)
	if err != nil {
		return err
	}
	settings, err := store.EncodeSettings(st)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite store: begin: %w", err)
	}
	defer tx.Rollback()

	now := formatTime(time.Now())
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO stories (id, created_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET updated_at = excluded.updated_at`,
		st.StoryID, now, now); err != nil {
		return fmt.Errorf("sqlite store: upsert story: %w", err)
	}
	for _, table := range []string{"story_entries", "world_entities", "lorebook_entries", "chapters"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE story_id = ?`, st.StoryID); err != nil {
			return fmt.Errorf("sqlite store: clear %s: %w", table, err)
		}
	}

	for _, e := range st.Entries {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO story_entries (story_id, id, type, content, position, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			st.StoryID, e.ID, string(e.Type), e.Content, e.Position, formatTime(e.CreatedAt)); err != nil {
			return fmt.Errorf("sqlite store: insert entry %d: %w", e.Position, err)
		}
	}
	for _, r := range ents {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO world_entities (story_id, kind, id, ord, name, data)
			VALUES (?, ?, ?, ?, ?, ?)`,
			st.StoryID, r.Kind, r.ID, r.Ord, r.Name, string(r.Data)); err != nil {
			return fmt.Errorf("sqlite store: insert %s %s: %w", r.Kind, r.ID, err)
		}
	}
	for i, e := range st.World.Lorebook {
		r, err := store.EncodeLore(e, i)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO lorebook_entries
			    (story_id, id, ord, name, type, description, hidden_info, aliases, state,
			     adventure_state, creative_state, injection, first_mentioned,
			     last_mentioned, mention_count, created_by)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			st.StoryID, r.ID, r.Ord, r.Name, r.Type, r.Description, r.HiddenInfo,
			string(r.Aliases), string(r.State), string(r.AdventureState), string(r.CreativeState),
			string(r.Injection), r.FirstMentioned, r.LastMentioned, r.MentionCount, r.CreatedBy); err != nil {
			return fmt.Errorf("sqlite store: insert lore %s: %w", r.ID, err)
		}
	}
	for _, c := range st.Chapters {
		var embedding any
		if c.Embedding != nil {
			b, err := json.Marshal(c.Embedding)
			if err != nil {
				return fmt.Errorf("sqlite store: encode embedding: %w", err)
			}
			embedding = string(b)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chapters
			    (story_id, id, number, title, summary, start_entry_id, end_entry_id,
			     start_index, end_index, entry_count, keywords, characters, locations,
			     plot_threads, emotional_tone, embedding, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			st.StoryID, c.ID, c.Number, c.Title, c.Summary, c.StartEntryID, c.EndEntryID,
			c.StartIndex, c.EndIndex, c.EntryCount,
			string(store.EncodeStrings(c.Keywords)), string(store.EncodeStrings(c.Characters)),
			string(store.EncodeStrings(c.Locations)), string(store.EncodeStrings(c.PlotThreads)),
			c.EmotionalTone, embedding, formatTime(c.CreatedAt), formatTime(c.UpdatedAt)); err != nil {
			return fmt.Errorf("sqlite store: insert chapter %d: %w", c.Number, err)
		}
	}
	for k, v := range settings {
		if err := putSetting(ctx, tx, st.StoryID, k, v); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite store: commit: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func putSetting(ctx context.Context, db execer, storyID, key, value string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO story_settings (story_id, key, value) VALUES (?, ?, ?)
		ON CONFLICT (story_id, key) DO UPDATE SET value = excluded.value`,
		storyID, key, value)
	if err != nil {
		return fmt.Errorf("sqlite store: put setting %s: %w", key, err)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Stories and settings
// ─────────────────────────────────────────────────────────────────────────────

// Stories implements [store.Store].
func (s *Store) Stories(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM stories ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: list stories: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlite store: scan story: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Setting implements [store.Store].
func (s *Store) Setting(ctx context.Context, storyID, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM story_settings WHERE story_id = ? AND key = ?`, storyID, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("sqlite store: get setting %s: %w", key, err)
	}
	return v, nil
}

// PutSetting implements [store.Store].
func (s *Store) PutSetting(ctx context.Context, storyID, key, value string) error {
	return putSetting(ctx, s.db, storyID, key, value)
}
