// Package postgres is a PostgreSQL-backed [store.Store]. Chapter embeddings
// live in a pgvector column with an HNSW index, so the store also serves as
// the [chapter.CandidateSource] for similarity pre-ranking.
//
// The pgvector extension must be available in the target database; [Migrate]
// installs it with CREATE EXTENSION IF NOT EXISTS.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	"golang.org/x/sync/errgroup"

	"github.com/surfacecoaster/Aventura-custom/internal/chapter"
	"github.com/surfacecoaster/Aventura-custom/internal/entity"
	"github.com/surfacecoaster/Aventura-custom/internal/store"
	"github.com/surfacecoaster/Aventura-custom/internal/story"
)

var (
	_ store.Store             = (*Store)(nil)
	_ chapter.CandidateSource = (*Store)(nil)
)

// Store holds a single [pgxpool.Pool]. All operations are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, registers pgvector types on every connection and
// runs [Migrate].
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// ─────────────────────────────────────────────────────────────────────────────
// Load
// ─────────────────────────────────────────────────────────────────────────────

// Load implements [store.Store]. The tables are read concurrently.
func (s *Store) Load(ctx context.Context, storyID string) (store.State, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM stories WHERE id = $1)`, storyID).Scan(&exists); err != nil {
		return store.State{}, fmt.Errorf("postgres store: load story: %w", err)
	}
	if !exists {
		return store.State{}, store.ErrNotFound
	}

	st := store.NewState(storyID)
	var (
		world    entity.World
		lore     []entity.LorebookEntry
		settings map[string]string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		st.Entries, err = s.loadEntries(gctx, storyID)
		return err
	})
	g.Go(func() (err error) {
		world, err = s.loadWorld(gctx, storyID)
		return err
	})
	g.Go(func() (err error) {
		lore, err = s.loadLore(gctx, storyID)
		return err
	})
	g.Go(func() (err error) {
		st.Chapters, err = s.loadChapters(gctx, storyID)
		return err
	})
	g.Go(func() (err error) {
		settings, err = s.loadSettings(gctx, storyID)
		return err
	})
	if err := g.Wait(); err != nil {
		return store.State{}, err
	}

	world.Lorebook = lore
	st.World = world
	if err := store.DecodeSettings(&st, settings); err != nil {
		return store.State{}, err
	}
	return st, nil
}

func (s *Store) loadEntries(ctx context.Context, storyID string) ([]story.Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, type, content, position, created_at
		FROM   story_entries
		WHERE  story_id = $1
		ORDER  BY position`, storyID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: load entries: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (story.Entry, error) {
		e := story.Entry{StoryID: storyID}
		var typ string
		if err := row.Scan(&e.ID, &typ, &e.Content, &e.Position, &e.CreatedAt); err != nil {
			return story.Entry{}, err
		}
		e.Type = story.EntryType(typ)
		e.CreatedAt = e.CreatedAt.UTC()
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan entries: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return entries, nil
}

func (s *Store) loadWorld(ctx context.Context, storyID string) (entity.World, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT kind, id, ord, name, data
		FROM   world_entities
		WHERE  story_id = $1
		ORDER  BY kind, ord`, storyID)
	if err != nil {
		return entity.World{}, fmt.Errorf("postgres store: load world: %w", err)
	}
	ents, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.EntityRow, error) {
		var r store.EntityRow
		err := row.Scan(&r.Kind, &r.ID, &r.Ord, &r.Name, &r.Data)
		return r, err
	})
	if err != nil {
		return entity.World{}, fmt.Errorf("postgres store: scan world: %w", err)
	}
	return store.DecodeWorld(storyID, ents)
}

func (s *Store) loadLore(ctx context.Context, storyID string) ([]entity.LorebookEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, ord, name, type, description, hidden_info, aliases, state,
		       adventure_state, creative_state, injection, first_mentioned,
		       last_mentioned, mention_count, created_by
		FROM   lorebook_entries
		WHERE  story_id = $1
		ORDER  BY ord`, storyID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: load lorebook: %w", err)
	}
	lrows, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.LoreRow, error) {
		var r store.LoreRow
		err := row.Scan(&r.ID, &r.Ord, &r.Name, &r.Type, &r.Description, &r.HiddenInfo,
			&r.Aliases, &r.State, &r.AdventureState, &r.CreativeState, &r.Injection,
			&r.FirstMentioned, &r.LastMentioned, &r.MentionCount, &r.CreatedBy)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan lorebook: %w", err)
	}

	var out []entity.LorebookEntry
	for _, r := range lrows {
		e, err := store.DecodeLore(storyID, r)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

const chapterColumns = `
	id, number, title, summary, start_entry_id, end_entry_id, start_index,
	end_index, entry_count, keywords, characters, locations, plot_threads,
	emotional_tone, embedding, created_at, updated_at`

func scanChapter(storyID string) pgx.RowToFunc[story.Chapter] {
	return func(row pgx.CollectableRow) (story.Chapter, error) {
		c := story.Chapter{StoryID: storyID}
		var (
			keywords, characters, locations, threads []byte
			vec                                      *pgvector.Vector
		)
		if err := row.Scan(&c.ID, &c.Number, &c.Title, &c.Summary, &c.StartEntryID, &c.EndEntryID,
			&c.StartIndex, &c.EndIndex, &c.EntryCount, &keywords, &characters, &locations,
			&threads, &c.EmotionalTone, &vec, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return story.Chapter{}, err
		}
		var err error
		for _, f := range []struct {
			src []byte
			dst *[]string
		}{
			{keywords, &c.Keywords},
			{characters, &c.Characters},
			{locations, &c.Locations},
			{threads, &c.PlotThreads},
		} {
			if *f.dst, err = store.DecodeStrings(f.src); err != nil {
				return story.Chapter{}, err
			}
		}
		if vec != nil {
			c.Embedding = vec.Slice()
		}
		c.CreatedAt = c.CreatedAt.UTC()
		c.UpdatedAt = c.UpdatedAt.UTC()
		return c, nil
	}
}

func (s *Store) loadChapters(ctx context.Context, storyID string) ([]story.Chapter, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+chapterColumns+`
		FROM   chapters
		WHERE  story_id = $1
		ORDER  BY number`, storyID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: load chapters: %w", err)
	}
	chapters, err := pgx.CollectRows(rows, scanChapter(storyID))
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan chapters: %w", err)
	}
	if len(chapters) == 0 {
		return nil, nil
	}
	return chapters, nil
}

func (s *Store) loadSettings(ctx context.Context, storyID string) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, value FROM story_settings WHERE story_id = $1`, storyID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: load settings: %w", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("postgres store: scan setting: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// ─────────────────────────────────────────────────────────────────────────────
// Save
// ─────────────────────────────────────────────────────────────────────────────

// Save implements [store.Store]. The story's rows are replaced in one
// transaction, with the inserts sent as a single batch.
func (s *Store) Save(ctx context.Context, st store.State) error {
	ents, err := store.EncodeWorld(st.World)
	if err != nil {
		return err
	}
	settings, err := store.EncodeSettings(st)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres store: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	batch := &pgx.Batch{}
	batch.Queue(`
		INSERT INTO stories (id) VALUES ($1)
		ON CONFLICT (id) DO UPDATE SET updated_at = now()`, st.StoryID)
	for _, table := range []string{"story_entries", "world_entities", "lorebook_entries", "chapters"} {
		batch.Queue(`DELETE FROM `+table+` WHERE story_id = $1`, st.StoryID)
	}
	for _, e := range st.Entries {
		batch.Queue(`
			INSERT INTO story_entries (story_id, id, type, content, position, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			st.StoryID, e.ID, string(e.Type), e.Content, e.Position, e.CreatedAt)
	}
	for _, r := range ents {
		batch.Queue(`
			INSERT INTO world_entities (story_id, kind, id, ord, name, data)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			st.StoryID, r.Kind, r.ID, r.Ord, r.Name, r.Data)
	}
	for i, e := range st.World.Lorebook {
		r, err := store.EncodeLore(e, i)
		if err != nil {
			return err
		}
		batch.Queue(`
			INSERT INTO lorebook_entries
			    (story_id, id, ord, name, type, description, hidden_info, aliases, state,
			     adventure_state, creative_state, injection, first_mentioned,
			     last_mentioned, mention_count, created_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
			st.StoryID, r.ID, r.Ord, r.Name, r.Type, r.Description, r.HiddenInfo,
			r.Aliases, r.State, r.AdventureState, r.CreativeState, r.Injection,
			r.FirstMentioned, r.LastMentioned, r.MentionCount, r.CreatedBy)
	}
	for _, c := range st.Chapters {
		var vec *pgvector.Vector
		if len(c.Embedding) > 0 {
			v := pgvector.NewVector(c.Embedding)
			vec = &v
		}
		batch.Queue(`
			INSERT INTO chapters
			    (story_id, id, number, title, summary, start_entry_id, end_entry_id,
			     start_index, end_index, entry_count, keywords, characters, locations,
			     plot_threads, emotional_tone, embedding, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
			st.StoryID, c.ID, c.Number, c.Title, c.Summary, c.StartEntryID, c.EndEntryID,
			c.StartIndex, c.EndIndex, c.EntryCount,
			store.EncodeStrings(c.Keywords), store.EncodeStrings(c.Characters),
			store.EncodeStrings(c.Locations), store.EncodeStrings(c.PlotThreads),
			c.EmotionalTone, vec, c.CreatedAt, c.UpdatedAt)
	}
	for k, v := range settings {
		batch.Queue(upsertSetting, st.StoryID, k, v)
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres store: save %s: %w", st.StoryID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres store: commit: %w", err)
	}
	return nil
}

const upsertSetting = `
	INSERT INTO story_settings (story_id, key, value) VALUES ($1, $2, $3)
	ON CONFLICT (story_id, key) DO UPDATE SET value = EXCLUDED.value`

// ─────────────────────────────────────────────────────────────────────────────
// Stories, settings and vector search
// ─────────────────────────────────────────────────────────────────────────────

// Stories implements [store.Store].
func (s *Store) Stories(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM stories ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list stories: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan stories: %w", err)
	}
	return ids, nil
}

// Setting implements [store.Store].
func (s *Store) Setting(ctx context.Context, storyID, key string) (string, error) {
	var v string
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM story_settings WHERE story_id = $1 AND key = $2`, storyID, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("postgres store: get setting %s: %w", key, err)
	}
	return v, nil
}

// PutSetting implements [store.Store].
func (s *Store) PutSetting(ctx context.Context, storyID, key, value string) error {
	if _, err := s.pool.Exec(ctx, upsertSetting, storyID, key, value); err != nil {
		return fmt.Errorf("postgres store: put setting %s: %w", key, err)
	}
	return nil
}

// NearestChapters implements [chapter.CandidateSource]. It returns the k
// chapters of storyID whose embeddings are closest to query by cosine
// distance, most similar first. Chapters without an embedding are skipped.
func (s *Store) NearestChapters(ctx context.Context, storyID string, query []float32, k int) ([]story.Chapter, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+chapterColumns+`
		FROM   chapters
		WHERE  story_id = $1 AND embedding IS NOT NULL
		ORDER  BY embedding <=> $2, number
		LIMIT  $3`, storyID, pgvector.NewVector(query), k)
	if err != nil {
		return nil, fmt.Errorf("postgres store: nearest chapters: %w", err)
	}
	chapters, err := pgx.CollectRows(rows, scanChapter(storyID))
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan nearest chapters: %w", err)
	}
	return chapters, nil
}
