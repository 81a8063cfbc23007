package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// schema is applied at startup; every statement is idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS games (
	id            UUID PRIMARY KEY,
	room_code     TEXT NOT NULL UNIQUE,
	phase         TEXT NOT NULL,
	status        TEXT NOT NULL,
	current_round INT NOT NULL DEFAULT 1,
	settings      JSONB NOT NULL,
	host_id       UUID,
	version       BIGINT NOT NULL DEFAULT 1,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS players (
	id           UUID PRIMARY KEY,
	game_id      UUID NOT NULL REFERENCES games(id) ON DELETE CASCADE,
	name         TEXT NOT NULL,
	score        INT NOT NULL DEFAULT 0,
	is_connected BOOLEAN NOT NULL DEFAULT true,
	joined_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_seen_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (game_id, name)
);

CREATE TABLE IF NOT EXISTS cards (
	id              UUID PRIMARY KEY,
	game_id         UUID NOT NULL REFERENCES games(id) ON DELETE CASCADE,
	round_number    INT NOT NULL,
	card_type       TEXT NOT NULL,
	text            TEXT NOT NULL,
	owner_player_id UUID
);
CREATE INDEX IF NOT EXISTS cards_game_round_idx ON cards (game_id, round_number);

CREATE TABLE IF NOT EXISTS submissions (
	id             UUID PRIMARY KEY,
	game_id        UUID NOT NULL REFERENCES games(id) ON DELETE CASCADE,
	player_id      UUID NOT NULL,
	round_number   INT NOT NULL,
	prompt_card_id UUID NOT NULL,
	response_cards UUID[] NOT NULL,
	vote_count     INT NOT NULL DEFAULT 0,
	auto_submitted BOOLEAN NOT NULL DEFAULT false,
	submitted_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (game_id, player_id, round_number)
);

CREATE TABLE IF NOT EXISTS votes (
	id            UUID PRIMARY KEY,
	game_id       UUID NOT NULL REFERENCES games(id) ON DELETE CASCADE,
	voter_id      UUID NOT NULL,
	submission_id UUID NOT NULL,
	round_number  INT NOT NULL,
	auto_voted    BOOLEAN NOT NULL DEFAULT false,
	voted_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (game_id, voter_id, round_number)
);

CREATE TABLE IF NOT EXISTS timers (
	game_id              UUID PRIMARY KEY REFERENCES games(id) ON DELETE CASCADE,
	phase                TEXT NOT NULL,
	round_number         INT NOT NULL,
	duration_sec         INT NOT NULL,
	started_at           TIMESTAMPTZ NOT NULL,
	is_active            BOOLEAN NOT NULL DEFAULT true,
	is_paused            BOOLEAN NOT NULL DEFAULT false,
	paused_remaining_sec INT
);
`

// setupDatabase applies the schema over a short-lived lib/pq connection,
// then opens the pgx pool the store runs on.
func setupDatabase(ctx context.Context, cfg DatabaseConfig) (*pgxpool.Pool, error) {
	bootstrap, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open bootstrap connection: %w", err)
	}
	defer bootstrap.Close()

	if err := bootstrap.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := bootstrap.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	pool, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pgx pool: %w", err)
	}

	log.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Str("database", cfg.Database).
		Msg("connected to database")
	return pool, nil
}
