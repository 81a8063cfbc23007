package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/partydeck/server/internal/gameerr"
	"github.com/partydeck/server/internal/models"
)

// notifyChannel is the single LISTEN/NOTIFY channel; payloads carry the
// game id so subscribers can filter.
const notifyChannel = "party_changes"

const pgUniqueViolation = "23505"

// Postgres is the production record store. Change events ride on
// LISTEN/NOTIFY: pg_notify fires inside the mutating transaction, so a
// committed change always reaches connected listeners.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an existing pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func (p *Postgres) notify(ctx context.Context, tx pgx.Tx, event ChangeEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal change event")
		return
	}
	if _, err := tx.Exec(ctx, "SELECT pg_notify($1, $2)", notifyChannel, string(payload)); err != nil {
		log.Error().Err(err).Str("game_id", event.GameID.String()).Msg("failed to notify change")
	}
}

// inTx runs fn inside a transaction, rolling back on error.
func (p *Postgres) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return gameerr.Connection("begin transaction", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return gameerr.Connection("commit transaction", err)
	}
	return nil
}

// Subscribe listens for change events scoped to one game. The listener
// holds a dedicated connection until cancel is called.
func (p *Postgres) Subscribe(ctx context.Context, gameID uuid.UUID) (<-chan ChangeEvent, func()) {
	out := make(chan ChangeEvent, subscriberBuffer)
	listenCtx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(out)
		conn, err := p.pool.Acquire(listenCtx)
		if err != nil {
			log.Error().Err(err).Msg("failed to acquire listen connection")
			return
		}
		defer conn.Release()

		if _, err := conn.Exec(listenCtx, "LISTEN "+notifyChannel); err != nil {
			log.Error().Err(err).Msg("failed to LISTEN")
			return
		}

		for {
			notification, err := conn.Conn().WaitForNotification(listenCtx)
			if err != nil {
				if listenCtx.Err() == nil {
					log.Error().Err(err).Msg("notification wait failed")
				}
				return
			}
			var event ChangeEvent
			if err := json.Unmarshal([]byte(notification.Payload), &event); err != nil {
				log.Error().Err(err).Msg("malformed change notification")
				continue
			}
			if event.GameID != gameID {
				continue
			}
			select {
			case out <- event:
			default:
				log.Warn().Str("game_id", gameID.String()).Msg("subscriber buffer full, dropping change event")
			}
		}
	}()

	return out, cancel
}

// ---- games ----

const gameColumns = `id, room_code, phase, status, current_round, settings, host_id, version, created_at, updated_at`

func scanGame(row pgx.Row) (*models.Game, error) {
	var g models.Game
	var settings []byte
	err := row.Scan(&g.ID, &g.RoomCode, &g.Phase, &g.Status, &g.CurrentRound, &settings, &g.HostID, &g.Version, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, gameerr.ErrGameNotFound
		}
		return nil, gameerr.Connection("scan game", err)
	}
	if err := json.Unmarshal(settings, &g.Settings); err != nil {
		return nil, fmt.Errorf("decode game settings: %w", err)
	}
	return &g, nil
}

func (p *Postgres) CreateGame(ctx context.Context, game *models.Game) error {
	settings, err := json.Marshal(game.Settings)
	if err != nil {
		return fmt.Errorf("encode game settings: %w", err)
	}
	return p.inTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO games (id, room_code, phase, status, current_round, settings, host_id, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 1)
			RETURNING `+gameColumns,
			game.ID, game.RoomCode, game.Phase, game.Status, game.CurrentRound, settings, game.HostID)
		created, err := scanGame(row)
		if err != nil {
			if isUniqueViolation(err) {
				return gameerr.ErrRoomCodeTaken
			}
			return err
		}
		*game = *created
		p.notify(ctx, tx, ChangeEvent{Table: TableGames, Op: OpInsert, GameID: game.ID, RecordID: game.ID, At: game.CreatedAt})
		return nil
	})
}

func (p *Postgres) GetGame(ctx context.Context, id uuid.UUID) (*models.Game, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+gameColumns+` FROM games WHERE id = $1`, id)
	return scanGame(row)
}

func (p *Postgres) ListActiveGameIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := p.pool.Query(ctx, `SELECT id FROM games WHERE status = $1`, models.GameStatusActive)
	if err != nil {
		return nil, gameerr.Connection("list active games", err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, gameerr.Connection("scan game id", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (p *Postgres) GetGameByRoomCode(ctx context.Context, code string) (*models.Game, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+gameColumns+` FROM games WHERE room_code = $1`, code)
	return scanGame(row)
}

func (p *Postgres) UpdateGamePhaseCAS(ctx context.Context, id uuid.UUID, expected, target models.Phase) (*models.Game, error) {
	var updated *models.Game
	err := p.inTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE games SET phase = $1, version = version + 1, updated_at = now()
			WHERE id = $2 AND phase = $3
			RETURNING `+gameColumns,
			target, id, expected)
		g, err := scanGame(row)
		if err != nil {
			if errors.Is(err, gameerr.ErrGameNotFound) {
				// Distinguish a missing row from a lost race.
				if _, getErr := p.GetGame(ctx, id); getErr != nil {
					return getErr
				}
				return gameerr.ErrPhaseConflict
			}
			return err
		}
		updated = g
		p.notify(ctx, tx, ChangeEvent{Table: TableGames, Op: OpUpdate, GameID: id, RecordID: id, At: g.UpdatedAt})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (p *Postgres) UpdateGame(ctx context.Context, id uuid.UUID, mutate GameMutator) (*models.Game, error) {
	var updated *models.Game
	err := p.inTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+gameColumns+` FROM games WHERE id = $1 FOR UPDATE`, id)
		g, err := scanGame(row)
		if err != nil {
			return err
		}
		if err := mutate(g); err != nil {
			return err
		}
		settings, err := json.Marshal(g.Settings)
		if err != nil {
			return fmt.Errorf("encode game settings: %w", err)
		}
		row = tx.QueryRow(ctx, `
			UPDATE games
			SET room_code = $2, phase = $3, status = $4, current_round = $5,
			    settings = $6, host_id = $7, version = version + 1, updated_at = now()
			WHERE id = $1
			RETURNING `+gameColumns,
			id, g.RoomCode, g.Phase, g.Status, g.CurrentRound, settings, g.HostID)
		updated, err = scanGame(row)
		if err != nil {
			return err
		}
		p.notify(ctx, tx, ChangeEvent{Table: TableGames, Op: OpUpdate, GameID: id, RecordID: id, At: updated.UpdatedAt})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (p *Postgres) DeleteGame(ctx context.Context, id uuid.UUID) error {
	return p.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM games WHERE id = $1`, id)
		if err != nil {
			return gameerr.Connection("delete game", err)
		}
		if tag.RowsAffected() == 0 {
			return gameerr.ErrGameNotFound
		}
		p.notify(ctx, tx, ChangeEvent{Table: TableGames, Op: OpDelete, GameID: id, RecordID: id})
		return nil
	})
}

// ---- players ----

const playerColumns = `id, game_id, name, score, is_connected, joined_at, last_seen_at`

func scanPlayer(row pgx.Row) (*models.Player, error) {
	var p models.Player
	err := row.Scan(&p.ID, &p.GameID, &p.Name, &p.Score, &p.IsConnected, &p.JoinedAt, &p.LastSeenAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, gameerr.ErrPlayerNotFound
		}
		return nil, gameerr.Connection("scan player", err)
	}
	return &p, nil
}

func (p *Postgres) CreatePlayer(ctx context.Context, player *models.Player) error {
	return p.inTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO players (id, game_id, name, score, is_connected, joined_at, last_seen_at)
			VALUES ($1, $2, $3, $4, $5, now(), now())
			RETURNING `+playerColumns,
			player.ID, player.GameID, player.Name, player.Score, player.IsConnected)
		created, err := scanPlayer(row)
		if err != nil {
			if isUniqueViolation(err) {
				return gameerr.Validation("name %q already taken in this game", player.Name)
			}
			return err
		}
		*player = *created
		p.notify(ctx, tx, ChangeEvent{Table: TablePlayers, Op: OpInsert, GameID: player.GameID, RecordID: player.ID, At: player.JoinedAt})
		return nil
	})
}

func (p *Postgres) GetPlayer(ctx context.Context, id uuid.UUID) (*models.Player, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+playerColumns+` FROM players WHERE id = $1`, id)
	return scanPlayer(row)
}

func (p *Postgres) ListPlayersByGame(ctx context.Context, gameID uuid.UUID) ([]models.Player, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+playerColumns+` FROM players WHERE game_id = $1 ORDER BY joined_at, id`, gameID)
	if err != nil {
		return nil, gameerr.Connection("list players", err)
	}
	defer rows.Close()

	var out []models.Player
	for rows.Next() {
		pl, err := scanPlayer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *pl)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdatePlayerConnection(ctx context.Context, id uuid.UUID, connected bool) (*models.Player, error) {
	var updated *models.Player
	err := p.inTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE players SET is_connected = $2, last_seen_at = now()
			WHERE id = $1
			RETURNING `+playerColumns, id, connected)
		pl, err := scanPlayer(row)
		if err != nil {
			return err
		}
		updated = pl
		p.notify(ctx, tx, ChangeEvent{Table: TablePlayers, Op: OpUpdate, GameID: pl.GameID, RecordID: id, At: pl.LastSeenAt})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (p *Postgres) TouchPlayer(ctx context.Context, id uuid.UUID) error {
	tag, err := p.pool.Exec(ctx, `UPDATE players SET last_seen_at = now(), is_connected = true WHERE id = $1`, id)
	if err != nil {
		return gameerr.Connection("touch player", err)
	}
	if tag.RowsAffected() == 0 {
		return gameerr.ErrPlayerNotFound
	}
	return nil
}

func (p *Postgres) IncrementPlayerScore(ctx context.Context, id uuid.UUID, delta int) (*models.Player, error) {
	if delta < 0 {
		return nil, gameerr.Validation("score delta must be non-negative")
	}
	var updated *models.Player
	err := p.inTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE players SET score = score + $2 WHERE id = $1
			RETURNING `+playerColumns, id, delta)
		pl, err := scanPlayer(row)
		if err != nil {
			return err
		}
		updated = pl
		p.notify(ctx, tx, ChangeEvent{Table: TablePlayers, Op: OpUpdate, GameID: pl.GameID, RecordID: id})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (p *Postgres) ZeroScores(ctx context.Context, gameID uuid.UUID) error {
	return p.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `UPDATE players SET score = 0 WHERE game_id = $1`, gameID); err != nil {
			return gameerr.Connection("zero scores", err)
		}
		p.notify(ctx, tx, ChangeEvent{Table: TablePlayers, Op: OpUpdate, GameID: gameID, RecordID: gameID})
		return nil
	})
}

func (p *Postgres) RemovePlayer(ctx context.Context, id uuid.UUID) error {
	return p.inTx(ctx, func(tx pgx.Tx) error {
		var gameID uuid.UUID
		err := tx.QueryRow(ctx, `DELETE FROM players WHERE id = $1 RETURNING game_id`, id).Scan(&gameID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return gameerr.ErrPlayerNotFound
			}
			return gameerr.Connection("remove player", err)
		}
		p.notify(ctx, tx, ChangeEvent{Table: TablePlayers, Op: OpDelete, GameID: gameID, RecordID: id})
		return nil
	})
}

// ---- cards ----

func (p *Postgres) CreateCardsBatch(ctx context.Context, cards []models.Card) error {
	if len(cards) == 0 {
		return nil
	}
	return p.inTx(ctx, func(tx pgx.Tx) error {
		rows := make([][]any, len(cards))
		for i, c := range cards {
			rows[i] = []any{c.ID, c.GameID, c.RoundNumber, c.Type, c.Text, c.OwnerPlayerID}
		}
		_, err := tx.CopyFrom(ctx,
			pgx.Identifier{"cards"},
			[]string{"id", "game_id", "round_number", "card_type", "text", "owner_player_id"},
			pgx.CopyFromRows(rows))
		if err != nil {
			return gameerr.Connection("batch insert cards", err)
		}
		p.notify(ctx, tx, ChangeEvent{Table: TableCards, Op: OpInsert, GameID: cards[0].GameID, RecordID: cards[0].ID})
		return nil
	})
}

const cardColumns = `id, game_id, round_number, card_type, text, owner_player_id`

func scanCards(rows pgx.Rows) ([]models.Card, error) {
	defer rows.Close()
	var out []models.Card
	for rows.Next() {
		var c models.Card
		if err := rows.Scan(&c.ID, &c.GameID, &c.RoundNumber, &c.Type, &c.Text, &c.OwnerPlayerID); err != nil {
			return nil, gameerr.Connection("scan card", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *Postgres) ListCardsByRound(ctx context.Context, gameID uuid.UUID, round int) ([]models.Card, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+cardColumns+` FROM cards WHERE game_id = $1 AND round_number = $2`, gameID, round)
	if err != nil {
		return nil, gameerr.Connection("list cards", err)
	}
	return scanCards(rows)
}

func (p *Postgres) ListPlayerHand(ctx context.Context, gameID uuid.UUID, round int, playerID uuid.UUID) ([]models.Card, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+cardColumns+` FROM cards
		WHERE game_id = $1 AND round_number = $2 AND card_type = $3 AND owner_player_id = $4
		ORDER BY id`,
		gameID, round, models.CardTypeResponse, playerID)
	if err != nil {
		return nil, gameerr.Connection("list player hand", err)
	}
	return scanCards(rows)
}

func (p *Postgres) GetPromptCard(ctx context.Context, gameID uuid.UUID, round int) (*models.Card, error) {
	var c models.Card
	err := p.pool.QueryRow(ctx, `
		SELECT `+cardColumns+` FROM cards
		WHERE game_id = $1 AND round_number = $2 AND card_type = $3`,
		gameID, round, models.CardTypePrompt).
		Scan(&c.ID, &c.GameID, &c.RoundNumber, &c.Type, &c.Text, &c.OwnerPlayerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, gameerr.State("no prompt card for round %d", round)
		}
		return nil, gameerr.Connection("get prompt card", err)
	}
	return &c, nil
}

func (p *Postgres) DeleteCardsByRound(ctx context.Context, gameID uuid.UUID, round int) error {
	return p.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM cards WHERE game_id = $1 AND round_number = $2`, gameID, round); err != nil {
			return gameerr.Connection("delete round cards", err)
		}
		p.notify(ctx, tx, ChangeEvent{Table: TableCards, Op: OpDelete, GameID: gameID, RecordID: gameID})
		return nil
	})
}

// ---- submissions ----

const submissionColumns = `id, game_id, player_id, round_number, prompt_card_id, response_cards, vote_count, auto_submitted, submitted_at`

func scanSubmission(row pgx.Row) (*models.Submission, error) {
	var s models.Submission
	err := row.Scan(&s.ID, &s.GameID, &s.PlayerID, &s.RoundNumber, &s.PromptCardID, &s.ResponseCards, &s.VoteCount, &s.AutoSubmitted, &s.SubmittedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, gameerr.State("submission not found")
		}
		return nil, gameerr.Connection("scan submission", err)
	}
	return &s, nil
}

func (p *Postgres) CreateSubmission(ctx context.Context, sub *models.Submission) error {
	return p.inTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO submissions (id, game_id, player_id, round_number, prompt_card_id, response_cards, vote_count, auto_submitted, submitted_at)
			VALUES ($1, $2, $3, $4, $5, $6, 0, $7, now())
			RETURNING `+submissionColumns,
			sub.ID, sub.GameID, sub.PlayerID, sub.RoundNumber, sub.PromptCardID, sub.ResponseCards, sub.AutoSubmitted)
		created, err := scanSubmission(row)
		if err != nil {
			if isUniqueViolation(err) {
				return gameerr.ErrAlreadySubmitted
			}
			return err
		}
		*sub = *created
		p.notify(ctx, tx, ChangeEvent{Table: TableSubmissions, Op: OpInsert, GameID: sub.GameID, RecordID: sub.ID, At: sub.SubmittedAt})
		return nil
	})
}

func (p *Postgres) GetSubmission(ctx context.Context, id uuid.UUID) (*models.Submission, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id = $1`, id)
	return scanSubmission(row)
}

func (p *Postgres) ListSubmissionsByRound(ctx context.Context, gameID uuid.UUID, round int) ([]models.Submission, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+submissionColumns+` FROM submissions
		WHERE game_id = $1 AND round_number = $2 ORDER BY submitted_at`,
		gameID, round)
	if err != nil {
		return nil, gameerr.Connection("list submissions", err)
	}
	defer rows.Close()

	var out []models.Submission
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (p *Postgres) IncrementVoteCount(ctx context.Context, id uuid.UUID) (*models.Submission, error) {
	var updated *models.Submission
	err := p.inTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE submissions SET vote_count = vote_count + 1 WHERE id = $1
			RETURNING `+submissionColumns, id)
		s, err := scanSubmission(row)
		if err != nil {
			return err
		}
		updated = s
		p.notify(ctx, tx, ChangeEvent{Table: TableSubmissions, Op: OpUpdate, GameID: s.GameID, RecordID: id})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ---- votes ----

func (p *Postgres) CreateVote(ctx context.Context, vote *models.Vote) error {
	return p.inTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO votes (id, game_id, voter_id, submission_id, round_number, auto_voted, voted_at)
			VALUES ($1, $2, $3, $4, $5, $6, now())
			RETURNING id, game_id, voter_id, submission_id, round_number, auto_voted, voted_at`,
			vote.ID, vote.GameID, vote.VoterID, vote.SubmissionID, vote.RoundNumber, vote.AutoVoted)
		var v models.Vote
		if err := row.Scan(&v.ID, &v.GameID, &v.VoterID, &v.SubmissionID, &v.RoundNumber, &v.AutoVoted, &v.VotedAt); err != nil {
			if isUniqueViolation(err) {
				return gameerr.ErrAlreadyVoted
			}
			return gameerr.Connection("create vote", err)
		}
		*vote = v
		p.notify(ctx, tx, ChangeEvent{Table: TableVotes, Op: OpInsert, GameID: v.GameID, RecordID: v.ID, At: v.VotedAt})
		return nil
	})
}

func (p *Postgres) ListVotesByRound(ctx context.Context, gameID uuid.UUID, round int) ([]models.Vote, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, game_id, voter_id, submission_id, round_number, auto_voted, voted_at
		FROM votes WHERE game_id = $1 AND round_number = $2`,
		gameID, round)
	if err != nil {
		return nil, gameerr.Connection("list votes", err)
	}
	defer rows.Close()

	var out []models.Vote
	for rows.Next() {
		var v models.Vote
		if err := rows.Scan(&v.ID, &v.GameID, &v.VoterID, &v.SubmissionID, &v.RoundNumber, &v.AutoVoted, &v.VotedAt); err != nil {
			return nil, gameerr.Connection("scan vote", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ---- timers ----

const timerColumns = `game_id, phase, round_number, duration_sec, started_at, is_active, is_paused, paused_remaining_sec`

func scanTimer(row pgx.Row) (*models.TimerState, error) {
	var t models.TimerState
	err := row.Scan(&t.GameID, &t.Phase, &t.RoundNumber, &t.DurationSec, &t.StartedAt, &t.IsActive, &t.IsPaused, &t.PausedRemainingSec)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, gameerr.ErrTimerNotFound
		}
		return nil, gameerr.Connection("scan timer", err)
	}
	return &t, nil
}

func (p *Postgres) UpsertTimer(ctx context.Context, t *models.TimerState) error {
	return p.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO timers (game_id, phase, round_number, duration_sec, started_at, is_active, is_paused, paused_remaining_sec)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (game_id) DO UPDATE SET
				phase = EXCLUDED.phase,
				round_number = EXCLUDED.round_number,
				duration_sec = EXCLUDED.duration_sec,
				started_at = EXCLUDED.started_at,
				is_active = EXCLUDED.is_active,
				is_paused = EXCLUDED.is_paused,
				paused_remaining_sec = EXCLUDED.paused_remaining_sec`,
			t.GameID, t.Phase, t.RoundNumber, t.DurationSec, t.StartedAt, t.IsActive, t.IsPaused, t.PausedRemainingSec)
		if err != nil {
			return gameerr.Connection("upsert timer", err)
		}
		p.notify(ctx, tx, ChangeEvent{Table: TableTimers, Op: OpUpdate, GameID: t.GameID, RecordID: t.GameID, At: t.StartedAt})
		return nil
	})
}

func (p *Postgres) GetTimer(ctx context.Context, gameID uuid.UUID) (*models.TimerState, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+timerColumns+` FROM timers WHERE game_id = $1`, gameID)
	return scanTimer(row)
}

func (p *Postgres) DeactivateTimer(ctx context.Context, gameID uuid.UUID) error {
	return p.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `UPDATE timers SET is_active = false WHERE game_id = $1`, gameID); err != nil {
			return gameerr.Connection("deactivate timer", err)
		}
		p.notify(ctx, tx, ChangeEvent{Table: TableTimers, Op: OpUpdate, GameID: gameID, RecordID: gameID})
		return nil
	})
}

// ---- round-scoped purge ----

func (p *Postgres) PurgeRoundScoped(ctx context.Context, gameID uuid.UUID) error {
	return p.inTx(ctx, func(tx pgx.Tx) error {
		for _, stmt := range []string{
			`DELETE FROM votes WHERE game_id = $1`,
			`DELETE FROM submissions WHERE game_id = $1`,
			`DELETE FROM cards WHERE game_id = $1`,
			`DELETE FROM timers WHERE game_id = $1`,
		} {
			if _, err := tx.Exec(ctx, stmt, gameID); err != nil {
				return gameerr.Connection("purge round-scoped rows", err)
			}
		}
		p.notify(ctx, tx, ChangeEvent{Table: TableCards, Op: OpDelete, GameID: gameID, RecordID: gameID})
		return nil
	})
}
