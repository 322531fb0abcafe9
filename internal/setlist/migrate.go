package setlist

import (
	"context"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"
)

func AutoMigrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS pgcrypto`); err != nil {
		log.Printf("setlist-service: migrate pgcrypto: %v", err)
	}

	_, err := pool.Exec(ctx, `
      CREATE TABLE IF NOT EXISTS setlists (
          id               uuid PRIMARY KEY DEFAULT gen_random_uuid(),
          owner_id         TEXT NOT NULL,
          name             TEXT NOT NULL,
          venue            TEXT NOT NULL DEFAULT '',
          date             TIMESTAMPTZ,
          duration_minutes INT NOT NULL DEFAULT 0,
          is_public        BOOLEAN NOT NULL DEFAULT FALSE,
          is_archived      BOOLEAN NOT NULL DEFAULT FALSE,
          version          INT NOT NULL DEFAULT 1,
          last_edited_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
          created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
          deleted_at       TIMESTAMPTZ
      )
    `)
	if err != nil {
		log.Printf("setlist-service: migrate setlists: %v", err)
		return err
	}

	if _, err := pool.Exec(ctx, `
      CREATE TABLE IF NOT EXISTS setlist_songs (
          setlist_id   uuid NOT NULL REFERENCES setlists(id) ON DELETE CASCADE,
          song_id      TEXT NOT NULL,
          position     INT NOT NULL,
          notes        TEXT NOT NULL DEFAULT '',
          custom_key   TEXT,
          custom_tempo INT,
          PRIMARY KEY (setlist_id, song_id)
      )
    `); err != nil {
		return err
	}

	if _, err := pool.Exec(ctx, `
      CREATE UNIQUE INDEX IF NOT EXISTS idx_setlist_songs_position
      ON setlist_songs(setlist_id, position)
    `); err != nil {
		return err
	}

	if _, err := pool.Exec(ctx, `
      CREATE TABLE IF NOT EXISTS setlist_collaborators (
          setlist_id uuid NOT NULL REFERENCES setlists(id) ON DELETE CASCADE,
          user_id    TEXT NOT NULL,
          created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
          PRIMARY KEY (setlist_id, user_id)
      )
    `); err != nil {
		return err
	}

	// One row per committed change; feeds the conflict policy and the
	// change history endpoint.
	if _, err := pool.Exec(ctx, `
      CREATE TABLE IF NOT EXISTS setlist_changes (
          setlist_id   uuid NOT NULL REFERENCES setlists(id) ON DELETE CASCADE,
          version      INT NOT NULL,
          operation    TEXT NOT NULL,
          song_id      TEXT NOT NULL DEFAULT '',
          committed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
          PRIMARY KEY (setlist_id, version)
      )
    `); err != nil {
		return err
	}

	return nil
}
