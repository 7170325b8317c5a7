package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlStories = `
CREATE TABLE IF NOT EXISTS stories (
    id          TEXT         PRIMARY KEY,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS story_entries (
    story_id    TEXT         NOT NULL,
    id          TEXT         NOT NULL,
    type        TEXT         NOT NULL,
    content     TEXT         NOT NULL,
    position    INTEGER      NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL,
    PRIMARY KEY (story_id, position)
);

CREATE TABLE IF NOT EXISTS story_settings (
    story_id  TEXT  NOT NULL,
    key       TEXT  NOT NULL,
    value     TEXT  NOT NULL,
    PRIMARY KEY (story_id, key)
);
`

const ddlWorld = `
CREATE TABLE IF NOT EXISTS world_entities (
    story_id  TEXT     NOT NULL,
    kind      TEXT     NOT NULL,
    id        TEXT     NOT NULL,
    ord       INTEGER  NOT NULL,
    name      TEXT     NOT NULL,
    data      JSONB    NOT NULL,
    PRIMARY KEY (story_id, kind, id)
);

CREATE INDEX IF NOT EXISTS idx_world_entities_name
    ON world_entities (story_id, lower(name));

CREATE TABLE IF NOT EXISTS lorebook_entries (
    story_id         TEXT     NOT NULL,
    id               TEXT     NOT NULL,
    ord              INTEGER  NOT NULL,
    name             TEXT     NOT NULL,
    type             TEXT     NOT NULL,
    description      TEXT     NOT NULL DEFAULT '',
    hidden_info      TEXT     NOT NULL DEFAULT '',
    aliases          JSONB    NOT NULL DEFAULT '[]',
    state            JSONB,
    adventure_state  JSONB,
    creative_state   JSONB,
    injection        JSONB    NOT NULL,
    first_mentioned  INTEGER  NOT NULL DEFAULT -1,
    last_mentioned   INTEGER  NOT NULL DEFAULT -1,
    mention_count    INTEGER  NOT NULL DEFAULT 0,
    created_by       TEXT     NOT NULL DEFAULT 'user',
    PRIMARY KEY (story_id, id)
);
`

// ddlChapters returns the chapter DDL with the embedding dimension
// substituted. The dimension is fixed at schema creation time.
func ddlChapters(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS chapters (
    story_id        TEXT         NOT NULL,
    id              TEXT         NOT NULL,
    number          INTEGER      NOT NULL,
    title           TEXT         NOT NULL,
    summary         TEXT         NOT NULL,
    start_entry_id  TEXT         NOT NULL,
    end_entry_id    TEXT         NOT NULL,
    start_index     INTEGER      NOT NULL,
    end_index       INTEGER      NOT NULL,
    entry_count     INTEGER      NOT NULL,
    keywords        JSONB,
    characters      JSONB,
    locations       JSONB,
    plot_threads    JSONB,
    emotional_tone  TEXT         NOT NULL DEFAULT '',
    embedding       vector(%d),
    created_at      TIMESTAMPTZ  NOT NULL,
    updated_at      TIMESTAMPTZ  NOT NULL,
    PRIMARY KEY (story_id, number)
);

CREATE INDEX IF NOT EXISTS idx_chapters_embedding
    ON chapters USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates every table, index and extension the store needs. It is
// idempotent and safe to call on every start.
//
// embeddingDimensions must match the embeddings model (1536 for OpenAI
// text-embedding-3-small). Changing it after the first migration requires a
// manual schema change.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlStories,
		ddlWorld,
		ddlChapters(embeddingDimensions),
	}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
