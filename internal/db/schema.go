package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// CreateSchema creates all tables needed for the application.
// Safe to call multiple times - uses IF NOT EXISTS.
func CreateSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

const schema = `
-- Votable models
CREATE TABLE IF NOT EXISTS items (
    id TEXT PRIMARY KEY CHECK (id ~ '^[A-Za-z0-9._-]{1,255}$'),
    name TEXT NOT NULL,
    company TEXT NOT NULL,
    release_year INTEGER,
    logo TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

-- Derived counters, one row per item
CREATE TABLE IF NOT EXISTS item_aggregates (
    item_id TEXT PRIMARY KEY REFERENCES items(id),
    total BIGINT NOT NULL DEFAULT 0,
    positive BIGINT NOT NULL DEFAULT 0 CHECK (positive >= 0),
    negative BIGINT NOT NULL DEFAULT 0 CHECK (negative >= 0),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CHECK (total = positive - negative)
);

CREATE INDEX IF NOT EXISTS idx_item_aggregates_total ON item_aggregates(total DESC, item_id);

-- Live votes; a retracted vote has no row
CREATE TABLE IF NOT EXISTS votes (
    fingerprint TEXT NOT NULL,
    item_id TEXT NOT NULL REFERENCES items(id),
    value SMALLINT NOT NULL CHECK (value IN (-1, 1)),
    previous_value SMALLINT NOT NULL DEFAULT 0 CHECK (previous_value IN (-1, 0, 1)),
    ip_hash TEXT,
    user_agent TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (fingerprint, item_id)
);

CREATE INDEX IF NOT EXISTS idx_votes_item_id ON votes(item_id);

-- Append-only audit log
CREATE TABLE IF NOT EXISTS vote_events (
    id BIGSERIAL PRIMARY KEY,
    fingerprint TEXT NOT NULL,
    item_id TEXT NOT NULL REFERENCES items(id),
    value SMALLINT NOT NULL CHECK (value IN (-1, 0, 1)),
    previous_value SMALLINT NOT NULL CHECK (previous_value IN (-1, 0, 1)),
    ip_hash TEXT,
    user_agent TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_vote_events_created_at ON vote_events(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_vote_events_item_created ON vote_events(item_id, created_at DESC);

-- Hourly and daily summaries of vote_events
CREATE TABLE IF NOT EXISTS vote_rollups (
    granularity TEXT NOT NULL CHECK (granularity IN ('hour', 'day')),
    bucket_start TIMESTAMPTZ NOT NULL,
    item_id TEXT NOT NULL REFERENCES items(id),
    upvotes BIGINT NOT NULL DEFAULT 0,
    downvotes BIGINT NOT NULL DEFAULT 0,
    retractions BIGINT NOT NULL DEFAULT 0,
    events BIGINT NOT NULL DEFAULT 0,
    PRIMARY KEY (granularity, bucket_start, item_id)
);
`
