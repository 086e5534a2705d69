package postgres

import (
	"context"
	"time"
)

var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		hashed_password TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		is_superuser BOOLEAN NOT NULL DEFAULT FALSE,
		is_verified BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE TABLE IF NOT EXISTS user_invite_code (
		id SERIAL PRIMARY KEY,
		invite_code TEXT NOT NULL,
		claimed_by TEXT
	);`,
	`CREATE TABLE IF NOT EXISTS tracks (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL,
		track_type TEXT NOT NULL DEFAULT 'track',
		visibility TEXT NOT NULL DEFAULT 'private',
		resource JSONB NOT NULL DEFAULT '{}'::jsonb,
		images JSONB NOT NULL DEFAULT '[]'::jsonb,
		meta JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_tracks_user_id ON tracks (user_id);`,
	`CREATE INDEX IF NOT EXISTS idx_tracks_meta ON tracks USING gin (meta);`,
	`CREATE TABLE IF NOT EXISTS collections (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		collection_type TEXT NOT NULL DEFAULT 'collection',
		user_id UUID NOT NULL,
		visibility TEXT NOT NULL DEFAULT 'private',
		meta JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_collections_user_id ON collections (user_id);`,
	`CREATE TABLE IF NOT EXISTS collection_tracks (
		collection_id UUID NOT NULL REFERENCES collections (id) ON DELETE CASCADE,
		track_id UUID NOT NULL REFERENCES tracks (id) ON DELETE CASCADE,
		position INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (collection_id, track_id)
	);`,
	`CREATE TABLE IF NOT EXISTS track_relationships (
		id UUID PRIMARY KEY,
		source_id UUID NOT NULL,
		target_id UUID NOT NULL,
		relationship_type TEXT NOT NULL,
		meta JSONB NOT NULL DEFAULT '{}'::jsonb
	);`,
	`CREATE INDEX IF NOT EXISTS idx_track_relationships_source ON track_relationships (source_id);`,
	`CREATE INDEX IF NOT EXISTS idx_track_relationships_target ON track_relationships (target_id);`,
	`CREATE TABLE IF NOT EXISTS plugin_data (
		id UUID PRIMARY KEY,
		track_id UUID NOT NULL REFERENCES tracks (id) ON DELETE CASCADE,
		user_id UUID NOT NULL,
		plugin_name TEXT NOT NULL,
		plugin_version TEXT NOT NULL DEFAULT '',
		key TEXT NOT NULL,
		value TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_plugin_data_track_id ON plugin_data (track_id);`,
	`CREATE TABLE IF NOT EXISTS scenes (
		id SERIAL PRIMARY KEY,
		user_id UUID NOT NULL,
		name TEXT NOT NULL,
		author TEXT NOT NULL DEFAULT '',
		date TEXT NOT NULL DEFAULT '',
		channels JSONB NOT NULL DEFAULT '[]'::jsonb,
		tempo INTEGER NOT NULL DEFAULT 0
	);`,
	`CREATE INDEX IF NOT EXISTS idx_scenes_user_id ON scenes (user_id);`,
}

// EnsureSchema creates all tables and indexes if they do not exist yet.
func (l *Library) EnsureSchema(ctx context.Context) error {
	db, err := l.DB.Get(l.DSN)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	for _, ddl := range schemaDDL {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return err
		}
	}
	return nil
}
