// Package scoring computes round winners, awards points, detects game end
// and produces final rankings. It is the only writer of player scores.
package scoring

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/partydeck/server/internal/events"
	"github.com/partydeck/server/internal/gameerr"
	"github.com/partydeck/server/internal/models"
	"github.com/partydeck/server/internal/store"
)

// Store defines what the scoring engine needs from the record store.
type Store interface {
	GetGame(ctx context.Context, id uuid.UUID) (*models.Game, error)
	UpdateGame(ctx context.Context, id uuid.UUID, mutate store.GameMutator) (*models.Game, error)
	GetPlayer(ctx context.Context, id uuid.UUID) (*models.Player, error)
	ListPlayersByGame(ctx context.Context, gameID uuid.UUID) ([]models.Player, error)
	ListSubmissionsByRound(ctx context.Context, gameID uuid.UUID, round int) ([]models.Submission, error)
	IncrementPlayerScore(ctx context.Context, id uuid.UUID, delta int) (*models.Player, error)
	ZeroScores(ctx context.Context, gameID uuid.UUID) error
	PurgeRoundScoped(ctx context.Context, gameID uuid.UUID) error
}

// App is the scoring engine.
type App struct {
	store     Store
	publisher events.Publisher

	// processed guards against double-award for the same round; the phase
	// CAS already serializes callers but round-end may be invoked directly.
	processedMu sync.Mutex
	processed   map[uuid.UUID]map[int]bool
}

// NewApp creates a scoring engine.
func NewApp(st Store, publisher events.Publisher) *App {
	return &App{
		store:     st,
		publisher: publisher,
		processed: make(map[uuid.UUID]map[int]bool),
	}
}

// RoundResult holds the outcome of one round.
type RoundResult struct {
	Round    int
	Winners  []store.RoundWinner
	MaxVotes int
	HasTie   bool
}

// GameEnd reports whether the game crossed its target score.
type GameEnd struct {
	ShouldEnd bool
	Winners   []models.Player // every player at or above target
}

// CalculateRoundWinners finds the submissions holding the maximum vote
// count. A zero maximum means no winners and no award.
func (a *App) CalculateRoundWinners(ctx context.Context, gameID uuid.UUID, round int) (*RoundResult, error) {
	subs, err := a.store.ListSubmissionsByRound(ctx, gameID, round)
	if err != nil {
		return nil, err
	}

	maxVotes := 0
	for _, s := range subs {
		if s.VoteCount > maxVotes {
			maxVotes = s.VoteCount
		}
	}

	result := &RoundResult{Round: round, MaxVotes: maxVotes}
	if maxVotes == 0 {
		return result, nil
	}

	for _, s := range subs {
		if s.VoteCount != maxVotes {
			continue
		}
		player, err := a.store.GetPlayer(ctx, s.PlayerID)
		if err != nil {
			// The author left or was kicked after submitting; their
			// submission cannot win.
			if errors.Is(err, gameerr.ErrPlayerNotFound) {
				continue
			}
			return nil, err
		}
		result.Winners = append(result.Winners, store.RoundWinner{Submission: s, Player: *player})
	}
	result.HasTie = len(result.Winners) > 1
	return result, nil
}

// AwardPoints gives every winner one flat point regardless of margin.
// Tied winners each receive the full award; it is never split.
func (a *App) AwardPoints(ctx context.Context, winners []store.RoundWinner) ([]models.Player, error) {
	updated := make([]models.Player, 0, len(winners))
	for _, w := range winners {
		player, err := a.store.IncrementPlayerScore(ctx, w.Player.ID, 1)
		if err != nil {
			return nil, err
		}
		updated = append(updated, *player)
	}
	return updated, nil
}

// ProcessRoundEnd computes winners, awards points and publishes the round
// result. Calling it twice for the same round is a no-op.
func (a *App) ProcessRoundEnd(ctx context.Context, gameID uuid.UUID, round int) (*RoundResult, error) {
	a.processedMu.Lock()
	if a.processed[gameID][round] {
		a.processedMu.Unlock()
		log.Debug().
			Str("game_id", gameID.String()).
			Int("round", round).
			Msg("round end already processed, skipping")
		return a.CalculateRoundWinners(ctx, gameID, round)
	}
	if a.processed[gameID] == nil {
		a.processed[gameID] = make(map[int]bool)
	}
	a.processed[gameID][round] = true
	a.processedMu.Unlock()

	result, err := a.CalculateRoundWinners(ctx, gameID, round)
	if err != nil {
		a.clearProcessed(gameID, round)
		return nil, err
	}

	awarded, err := a.AwardPoints(ctx, result.Winners)
	if err != nil {
		// Unmark so a retry can still award the round.
		a.clearProcessed(gameID, round)
		return nil, err
	}

	entries := make([]events.RoundWinnerEntry, len(result.Winners))
	for i, w := range result.Winners {
		entries[i] = events.RoundWinnerEntry{
			PlayerID:     w.Player.ID.String(),
			PlayerName:   w.Player.Name,
			SubmissionID: w.Submission.ID.String(),
			VoteCount:    w.Submission.VoteCount,
			NewScore:     awarded[i].Score,
		}
	}
	if err := a.publisher.Publish(ctx, gameID, events.EventRoundEnded, events.RoundEndedPayload{
		Round:    round,
		Winners:  entries,
		HasTie:   result.HasTie,
		MaxVotes: result.MaxVotes,
	}); err != nil {
		log.Error().Err(err).Str("game_id", gameID.String()).Msg("failed to publish RoundEnded")
	}

	log.Info().
		Str("game_id", gameID.String()).
		Int("round", round).
		Int("winners", len(result.Winners)).
		Int("max_votes", result.MaxVotes).
		Bool("has_tie", result.HasTie).
		Msg("round end processed")
	return result, nil
}

func (a *App) clearProcessed(gameID uuid.UUID, round int) {
	a.processedMu.Lock()
	if rounds, ok := a.processed[gameID]; ok {
		delete(rounds, round)
	}
	a.processedMu.Unlock()
}

// CheckGameEnd reports whether any player reached the target score.
// Simultaneous threshold ties produce multiple game winners.
func (a *App) CheckGameEnd(ctx context.Context, gameID uuid.UUID) (*GameEnd, error) {
	game, err := a.store.GetGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	players, err := a.store.ListPlayersByGame(ctx, gameID)
	if err != nil {
		return nil, err
	}

	end := &GameEnd{}
	for _, p := range players {
		if p.Score >= game.Settings.TargetScore {
			end.ShouldEnd = true
			end.Winners = append(end.Winners, p)
		}
	}
	return end, nil
}

// Rankings orders players by score descending, name ascending for
// deterministic ties. Rank is 1-based with equal scores sharing a rank.
func (a *App) Rankings(ctx context.Context, gameID uuid.UUID) ([]events.RankingEntry, error) {
	players, err := a.store.ListPlayersByGame(ctx, gameID)
	if err != nil {
		return nil, err
	}

	sort.Slice(players, func(i, j int) bool {
		if players[i].Score != players[j].Score {
			return players[i].Score > players[j].Score
		}
		return players[i].Name < players[j].Name
	})

	out := make([]events.RankingEntry, len(players))
	rank := 0
	prevScore := -1
	for i, p := range players {
		if p.Score != prevScore {
			rank = i + 1
			prevScore = p.Score
		}
		out[i] = events.RankingEntry{PlayerID: p.ID.String(), Name: p.Name, Score: p.Score, Rank: rank}
	}
	return out, nil
}

// FinalizeGame freezes the game in its terminal state and publishes the
// final rankings. Final winners are the subset at the maximum score.
func (a *App) FinalizeGame(ctx context.Context, gameID uuid.UUID) ([]events.RankingEntry, error) {
	game, err := a.store.UpdateGame(ctx, gameID, func(g *models.Game) error {
		if g.Status == models.GameStatusFinished {
			return gameerr.ErrGameFinished
		}
		g.Status = models.GameStatusFinished
		return nil
	})
	if err != nil {
		return nil, err
	}

	rankings, err := a.Rankings(ctx, gameID)
	if err != nil {
		return nil, err
	}

	var winners []string
	if len(rankings) > 0 {
		topScore := rankings[0].Score
		for _, r := range rankings {
			if r.Score == topScore {
				winners = append(winners, r.PlayerID)
			}
		}
	}

	if err := a.publisher.Publish(ctx, gameID, events.EventGameFinished, events.GameFinishedPayload{
		FinalRankings: rankings,
		Winners:       winners,
		TargetScore:   game.Settings.TargetScore,
	}); err != nil {
		log.Error().Err(err).Str("game_id", gameID.String()).Msg("failed to publish GameFinished")
	}

	log.Info().Str("game_id", gameID.String()).Int("players", len(rankings)).Msg("game finalized")
	return rankings, nil
}

// ResetGame wipes all round-scoped rows, zeroes scores and returns the
// game to the lobby at round 1.
func (a *App) ResetGame(ctx context.Context, gameID uuid.UUID) error {
	if err := a.store.PurgeRoundScoped(ctx, gameID); err != nil {
		return err
	}
	if err := a.store.ZeroScores(ctx, gameID); err != nil {
		return err
	}
	game, err := a.store.UpdateGame(ctx, gameID, func(g *models.Game) error {
		g.Phase = models.PhaseLobby
		g.Status = models.GameStatusActive
		g.CurrentRound = 1
		return nil
	})
	if err != nil {
		return err
	}

	a.processedMu.Lock()
	delete(a.processed, gameID)
	a.processedMu.Unlock()

	if err := a.publisher.Publish(ctx, gameID, events.EventGameReset, events.GameResetPayload{ResetAt: game.UpdatedAt}); err != nil {
		log.Error().Err(err).Str("game_id", gameID.String()).Msg("failed to publish GameReset")
	}
	return nil
}
