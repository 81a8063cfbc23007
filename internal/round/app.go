// Package round drives the fixed-phase round lifecycle. All phase movement
// funnels through AdvancePhase, which compare-and-sets against the current
// phase so racing triggers (last submitter vs. timer expiry) can never
// double-advance.
package round

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/partydeck/server/internal/content"
	"github.com/partydeck/server/internal/events"
	"github.com/partydeck/server/internal/gameerr"
	"github.com/partydeck/server/internal/models"
	"github.com/partydeck/server/internal/store"
)

// Store defines what the lifecycle manager needs from the record store.
type Store interface {
	GetGame(ctx context.Context, id uuid.UUID) (*models.Game, error)
	UpdateGamePhaseCAS(ctx context.Context, id uuid.UUID, expected, target models.Phase) (*models.Game, error)
	UpdateGame(ctx context.Context, id uuid.UUID, mutate store.GameMutator) (*models.Game, error)
	ListPlayersByGame(ctx context.Context, gameID uuid.UUID) ([]models.Player, error)
	CreateCardsBatch(ctx context.Context, cards []models.Card) error
	ListCardsByRound(ctx context.Context, gameID uuid.UUID, round int) ([]models.Card, error)
	DeleteCardsByRound(ctx context.Context, gameID uuid.UUID, round int) error
}

// App is the round lifecycle manager.
type App struct {
	store     Store
	content   content.Source
	publisher events.Publisher
	clock     clockwork.Clock
}

// NewApp creates a lifecycle manager.
func NewApp(st Store, src content.Source, publisher events.Publisher, clock clockwork.Clock) *App {
	return &App{store: st, content: src, publisher: publisher, clock: clock}
}

// Trigger names what caused a phase advance, for event payloads.
type Trigger string

const (
	TriggerHost       Trigger = "host"
	TriggerCompletion Trigger = "completion"
	TriggerTimer      Trigger = "timer"
)

// StartRound deals a new round. Preconditions: caller is host, phase is
// Lobby or Results, enough connected players. On success the game sits in
// Submission with a full disjoint deal; on validation failure it stays in
// Distribution and the caller may retry.
func (a *App) StartRound(ctx context.Context, gameID, callerID uuid.UUID) (*models.Game, error) {
	game, err := a.store.GetGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if game.Status == models.GameStatusFinished {
		return nil, &gameerr.Error{Kind: gameerr.KindGameState, Msg: "game is finished", Err: gameerr.ErrGameFinished}
	}
	if game.HostID == nil || *game.HostID != callerID {
		return nil, &gameerr.Error{Kind: gameerr.KindPermission, Msg: "only the host can start a round", Err: gameerr.ErrNotHost}
	}
	if game.Phase != models.PhaseLobby && game.Phase != models.PhaseResults {
		return nil, &gameerr.Error{
			Kind: gameerr.KindGameState,
			Msg:  fmt.Sprintf("cannot start round from phase %s", game.Phase),
			Err:  gameerr.ErrInvalidTransition,
		}
	}

	players, err := a.store.ListPlayersByGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	connected := connectedPlayers(players)
	if len(connected) < game.Settings.MinPlayers {
		return nil, &gameerr.Error{
			Kind: gameerr.KindGameState,
			Msg:  fmt.Sprintf("need at least %d connected players, have %d", game.Settings.MinPlayers, len(connected)),
			Err:  gameerr.ErrTooFewPlayers,
		}
	}

	fromPhase := game.Phase
	game, err = a.store.UpdateGamePhaseCAS(ctx, gameID, fromPhase, models.PhaseDistribution)
	if err != nil {
		if errors.Is(err, gameerr.ErrPhaseConflict) {
			return nil, &gameerr.Error{Kind: gameerr.KindGameState, Msg: "round start lost a phase race", Err: err}
		}
		return nil, err
	}

	// Entering from Results means a fresh round number.
	if fromPhase == models.PhaseResults {
		game, err = a.store.UpdateGame(ctx, gameID, func(g *models.Game) error {
			g.CurrentRound++
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	a.publishAdvance(ctx, game, string(fromPhase), string(models.PhaseDistribution), TriggerHost)

	prompt, err := a.dealRound(ctx, game, connected)
	if err != nil {
		// Keep Distribution and let the caller retry; purge any partial deal
		// so a re-deal stays pairwise disjoint.
		if purgeErr := a.store.DeleteCardsByRound(ctx, gameID, game.CurrentRound); purgeErr != nil {
			log.Error().Err(purgeErr).Str("game_id", gameID.String()).Msg("failed to purge partial deal")
		}
		return nil, gameerr.Connection("card distribution failed", err)
	}

	if err := a.ValidateDistribution(ctx, game, connected); err != nil {
		if purgeErr := a.store.DeleteCardsByRound(ctx, gameID, game.CurrentRound); purgeErr != nil {
			log.Error().Err(purgeErr).Str("game_id", gameID.String()).Msg("failed to purge invalid deal")
		}
		return nil, gameerr.Connection("card distribution validation failed", err)
	}

	if err := a.publisher.Publish(ctx, gameID, events.EventRoundStarted, events.RoundStartedPayload{
		Round:          game.CurrentRound,
		PromptCardID:   prompt.String(),
		CardsPerPlayer: game.Settings.CardsPerPlayer,
		StartedAt:      a.clock.Now(),
	}); err != nil {
		log.Error().Err(err).Str("game_id", gameID.String()).Msg("failed to publish RoundStarted")
	}

	return a.AdvancePhase(ctx, gameID, models.PhaseSubmission, TriggerCompletion)
}

// AdvancePhase moves the game along the fixed transition table. The CAS on
// the current phase makes duplicate triggers idempotent: the loser of a
// race gets ErrPhaseConflict wrapped in a game-state error and must
// re-read.
func (a *App) AdvancePhase(ctx context.Context, gameID uuid.UUID, target models.Phase, trigger Trigger) (*models.Game, error) {
	game, err := a.store.GetGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if game.Status == models.GameStatusFinished {
		return nil, &gameerr.Error{Kind: gameerr.KindGameState, Msg: "game is finished", Err: gameerr.ErrGameFinished}
	}
	if !game.Phase.CanTransitionTo(target) {
		return nil, &gameerr.Error{
			Kind: gameerr.KindGameState,
			Msg:  fmt.Sprintf("transition %s -> %s is not allowed", game.Phase, target),
			Err:  gameerr.ErrInvalidTransition,
		}
	}

	if game.Phase == models.PhaseDistribution && target == models.PhaseSubmission {
		players, err := a.store.ListPlayersByGame(ctx, gameID)
		if err != nil {
			return nil, err
		}
		if err := a.ValidateDistribution(ctx, game, connectedPlayers(players)); err != nil {
			return nil, gameerr.Connection("distribution not ready", err)
		}
	}

	fromPhase := game.Phase
	updated, err := a.store.UpdateGamePhaseCAS(ctx, gameID, fromPhase, target)
	if err != nil {
		if errors.Is(err, gameerr.ErrPhaseConflict) {
			return nil, &gameerr.Error{Kind: gameerr.KindGameState, Msg: "phase advanced concurrently", Err: err}
		}
		return nil, err
	}

	a.publishAdvance(ctx, updated, string(fromPhase), string(target), trigger)
	return updated, nil
}

// dealRound generates content and partitions it into one prompt plus
// disjoint hands in a single batch write, before any player reads a hand.
func (a *App) dealRound(ctx context.Context, game *models.Game, connected []models.Player) (uuid.UUID, error) {
	need := len(connected) * game.Settings.CardsPerPlayer
	rc, err := a.content.GenerateRoundContent(ctx, content.Request{
		GameID:       game.ID,
		Round:        game.CurrentRound,
		PlayerCount:  len(connected),
		MinResponses: need,
		Theme:        game.Settings.Theme,
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("generate round content: %w", err)
	}
	if len(rc.Responses) < need {
		return uuid.Nil, fmt.Errorf("content source returned %d responses, need %d", len(rc.Responses), need)
	}

	promptID := uuid.New()
	cards := make([]models.Card, 0, need+1)
	cards = append(cards, models.Card{
		ID:          promptID,
		GameID:      game.ID,
		RoundNumber: game.CurrentRound,
		Type:        models.CardTypePrompt,
		Text:        rc.Prompt,
	})

	next := 0
	for _, player := range connected {
		owner := player.ID
		for i := 0; i < game.Settings.CardsPerPlayer; i++ {
			cards = append(cards, models.Card{
				ID:            uuid.New(),
				GameID:        game.ID,
				RoundNumber:   game.CurrentRound,
				Type:          models.CardTypeResponse,
				Text:          rc.Responses[next],
				OwnerPlayerID: &owner,
			})
			next++
		}
	}

	if err := a.store.CreateCardsBatch(ctx, cards); err != nil {
		return uuid.Nil, fmt.Errorf("insert round cards: %w", err)
	}

	log.Info().
		Str("game_id", game.ID.String()).
		Int("round", game.CurrentRound).
		Int("players", len(connected)).
		Int("cards", len(cards)).
		Msg("round dealt")
	return promptID, nil
}

// ValidateDistribution checks the invariants of a completed deal: one
// prompt, every connected player holding exactly the configured hand size,
// and no card text repeated within the round.
func (a *App) ValidateDistribution(ctx context.Context, game *models.Game, connected []models.Player) error {
	cards, err := a.store.ListCardsByRound(ctx, game.ID, game.CurrentRound)
	if err != nil {
		return err
	}

	prompts := 0
	handSizes := make(map[uuid.UUID]int)
	texts := make(map[string]bool)
	for _, c := range cards {
		switch c.Type {
		case models.CardTypePrompt:
			prompts++
		case models.CardTypeResponse:
			if c.OwnerPlayerID == nil {
				return fmt.Errorf("response card %s has no owner", c.ID)
			}
			handSizes[*c.OwnerPlayerID]++
			if texts[c.Text] {
				return fmt.Errorf("duplicate card text dealt: %q", c.Text)
			}
			texts[c.Text] = true
		}
	}

	if prompts != 1 {
		return fmt.Errorf("expected exactly 1 prompt card, found %d", prompts)
	}
	for _, player := range connected {
		if got := handSizes[player.ID]; got != game.Settings.CardsPerPlayer {
			return fmt.Errorf("player %s holds %d cards, expected %d", player.ID, got, game.Settings.CardsPerPlayer)
		}
	}
	return nil
}

func (a *App) publishAdvance(ctx context.Context, game *models.Game, from, to string, trigger Trigger) {
	if err := a.publisher.Publish(ctx, game.ID, events.EventPhaseAdvanced, events.PhaseAdvancedPayload{
		Round:     game.CurrentRound,
		FromPhase: from,
		ToPhase:   to,
		Trigger:   string(trigger),
	}); err != nil {
		log.Error().Err(err).Str("game_id", game.ID.String()).Msg("failed to publish PhaseAdvanced")
	}
}

func connectedPlayers(players []models.Player) []models.Player {
	var out []models.Player
	for _, p := range players {
		if p.IsConnected {
			out = append(out, p)
		}
	}
	return out
}
