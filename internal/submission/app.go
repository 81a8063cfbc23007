// Package submission enforces one submission per player per round and
// tracks the completion fraction that drives the Submission -> Voting
// advance.
package submission

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/partydeck/server/internal/events"
	"github.com/partydeck/server/internal/gameerr"
	"github.com/partydeck/server/internal/models"
)

// Store defines what the submission manager needs from the record store.
type Store interface {
	GetGame(ctx context.Context, id uuid.UUID) (*models.Game, error)
	GetPlayer(ctx context.Context, id uuid.UUID) (*models.Player, error)
	ListPlayersByGame(ctx context.Context, gameID uuid.UUID) ([]models.Player, error)
	ListPlayerHand(ctx context.Context, gameID uuid.UUID, round int, playerID uuid.UUID) ([]models.Card, error)
	GetPromptCard(ctx context.Context, gameID uuid.UUID, round int) (*models.Card, error)
	CreateSubmission(ctx context.Context, sub *models.Submission) error
	ListSubmissionsByRound(ctx context.Context, gameID uuid.UUID, round int) ([]models.Submission, error)
}

// App is the submission manager.
type App struct {
	store     Store
	publisher events.Publisher
}

// NewApp creates a submission manager.
func NewApp(st Store, publisher events.Publisher) *App {
	return &App{store: st, publisher: publisher}
}

// Status is the completion read-model for the current round.
type Status struct {
	Round     int     `json:"round"`
	Submitted int     `json:"submitted"`
	Eligible  int     `json:"eligible"`
	Fraction  float64 `json:"fraction"`
	Complete  bool    `json:"complete"`
}

// Submit records a player's chosen cards. Resubmission fails with
// AlreadySubmitted and never overwrites. Returns the updated completion
// status so the orchestrator can advance when the fraction reaches 1.
func (a *App) Submit(ctx context.Context, gameID, playerID, promptCardID uuid.UUID, responseCardIDs []uuid.UUID) (*Status, error) {
	if len(responseCardIDs) == 0 {
		return nil, gameerr.Validation("at least one response card is required")
	}

	game, err := a.store.GetGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if game.Phase != models.PhaseSubmission {
		return nil, &gameerr.Error{
			Kind: gameerr.KindGameState,
			Msg:  fmt.Sprintf("submissions are closed in phase %s", game.Phase),
			Err:  gameerr.ErrInvalidTransition,
		}
	}

	player, err := a.store.GetPlayer(ctx, playerID)
	if err != nil {
		return nil, err
	}
	if player.GameID != gameID {
		return nil, gameerr.Validation("player %s does not belong to this game", playerID)
	}

	prompt, err := a.store.GetPromptCard(ctx, gameID, game.CurrentRound)
	if err != nil {
		return nil, err
	}
	if prompt.ID != promptCardID {
		return nil, gameerr.Validation("prompt card %s is not this round's prompt", promptCardID)
	}

	hand, err := a.store.ListPlayerHand(ctx, gameID, game.CurrentRound, playerID)
	if err != nil {
		return nil, err
	}
	owned := make(map[uuid.UUID]bool, len(hand))
	for _, c := range hand {
		owned[c.ID] = true
	}
	seen := make(map[uuid.UUID]bool, len(responseCardIDs))
	for _, id := range responseCardIDs {
		if !owned[id] {
			return nil, gameerr.Validation("card %s is not in the player's hand", id)
		}
		if seen[id] {
			return nil, gameerr.Validation("card %s selected twice", id)
		}
		seen[id] = true
	}

	sub := &models.Submission{
		ID:            uuid.New(),
		GameID:        gameID,
		PlayerID:      playerID,
		RoundNumber:   game.CurrentRound,
		PromptCardID:  promptCardID,
		ResponseCards: responseCardIDs,
	}
	if err := a.createAndAnnounce(ctx, game, sub); err != nil {
		return nil, err
	}
	return a.RoundStatus(ctx, gameID)
}

// AutoSubmit records the default submission (first card in hand) for a
// player who missed the deadline or disconnected. Idempotent: an existing
// submission wins and no error surfaces.
func (a *App) AutoSubmit(ctx context.Context, gameID, playerID uuid.UUID) error {
	game, err := a.store.GetGame(ctx, gameID)
	if err != nil {
		return err
	}
	if game.Phase != models.PhaseSubmission {
		return nil // phase already moved on; nothing to force
	}

	prompt, err := a.store.GetPromptCard(ctx, gameID, game.CurrentRound)
	if err != nil {
		return err
	}
	hand, err := a.store.ListPlayerHand(ctx, gameID, game.CurrentRound, playerID)
	if err != nil {
		return err
	}
	if len(hand) == 0 {
		return gameerr.State("player %s has no cards to auto-submit", playerID)
	}

	sub := &models.Submission{
		ID:            uuid.New(),
		GameID:        gameID,
		PlayerID:      playerID,
		RoundNumber:   game.CurrentRound,
		PromptCardID:  prompt.ID,
		ResponseCards: []uuid.UUID{hand[0].ID},
		AutoSubmitted: true,
	}
	if err := a.createAndAnnounce(ctx, game, sub); err != nil {
		if gameerr.KindOf(err) == gameerr.KindGameState {
			return nil // already submitted; auto-action is a no-op
		}
		return err
	}
	return nil
}

func (a *App) createAndAnnounce(ctx context.Context, game *models.Game, sub *models.Submission) error {
	if err := a.store.CreateSubmission(ctx, sub); err != nil {
		if errors.Is(err, gameerr.ErrAlreadySubmitted) {
			return &gameerr.Error{Kind: gameerr.KindGameState, Msg: "player already submitted this round", Err: err}
		}
		return err
	}

	status, err := a.RoundStatus(ctx, game.ID)
	if err != nil {
		log.Error().Err(err).Str("game_id", game.ID.String()).Msg("failed to compute submission status")
		return nil
	}
	if err := a.publisher.Publish(ctx, game.ID, events.EventSubmissionMade, events.SubmissionMadePayload{
		PlayerID:      sub.PlayerID.String(),
		Round:         sub.RoundNumber,
		AutoSubmitted: sub.AutoSubmitted,
		Submitted:     status.Submitted,
		Eligible:      status.Eligible,
		Fraction:      status.Fraction,
	}); err != nil {
		log.Error().Err(err).Str("game_id", game.ID.String()).Msg("failed to publish SubmissionMade")
	}
	return nil
}

// RoundStatus computes submitted / connected-eligible for the current
// round. Disconnected players who already submitted still count in the
// numerator; disconnected non-submitters leave the denominator so they
// cannot block completion forever.
func (a *App) RoundStatus(ctx context.Context, gameID uuid.UUID) (*Status, error) {
	game, err := a.store.GetGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	players, err := a.store.ListPlayersByGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	subs, err := a.store.ListSubmissionsByRound(ctx, gameID, game.CurrentRound)
	if err != nil {
		return nil, err
	}

	submittedBy := make(map[uuid.UUID]bool, len(subs))
	for _, s := range subs {
		submittedBy[s.PlayerID] = true
	}

	eligible, submitted := 0, 0
	for _, p := range players {
		if p.IsConnected || submittedBy[p.ID] {
			eligible++
			if submittedBy[p.ID] {
				submitted++
			}
		}
	}

	status := &Status{Round: game.CurrentRound, Submitted: submitted, Eligible: eligible}
	if eligible > 0 {
		status.Fraction = float64(submitted) / float64(eligible)
		status.Complete = submitted == eligible
	}
	return status, nil
}

// NonSubmitters lists connected players without a submission this round,
// the target set for expiry auto-submission.
func (a *App) NonSubmitters(ctx context.Context, gameID uuid.UUID) ([]models.Player, error) {
	game, err := a.store.GetGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	players, err := a.store.ListPlayersByGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	subs, err := a.store.ListSubmissionsByRound(ctx, gameID, game.CurrentRound)
	if err != nil {
		return nil, err
	}

	submittedBy := make(map[uuid.UUID]bool, len(subs))
	for _, s := range subs {
		submittedBy[s.PlayerID] = true
	}

	var out []models.Player
	for _, p := range players {
		if p.IsConnected && !submittedBy[p.ID] {
			out = append(out, p)
		}
	}
	return out, nil
}
