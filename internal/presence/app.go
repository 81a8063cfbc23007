// Package presence tracks player connectivity through heartbeats and
// explicit signals, migrates the host on disconnect, and hard-removes
// players who stay gone past the grace window.
package presence

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/partydeck/server/internal/events"
	"github.com/partydeck/server/internal/gameerr"
	"github.com/partydeck/server/internal/models"
	"github.com/partydeck/server/internal/store"
)

const (
	// HeartbeatInterval is how often clients are expected to check in.
	HeartbeatInterval = 30 * time.Second
	// GraceWindow is how long a disconnected player keeps their seat.
	GraceWindow = 5 * time.Minute
	// sweepInterval is how often the monitor scans for stale players.
	sweepInterval = 15 * time.Second
)

// Store defines what the presence manager needs from the record store.
type Store interface {
	GetGame(ctx context.Context, id uuid.UUID) (*models.Game, error)
	UpdateGame(ctx context.Context, id uuid.UUID, mutate store.GameMutator) (*models.Game, error)
	ListActiveGameIDs(ctx context.Context) ([]uuid.UUID, error)
	GetPlayer(ctx context.Context, id uuid.UUID) (*models.Player, error)
	ListPlayersByGame(ctx context.Context, gameID uuid.UUID) ([]models.Player, error)
	UpdatePlayerConnection(ctx context.Context, id uuid.UUID, connected bool) (*models.Player, error)
	TouchPlayer(ctx context.Context, id uuid.UUID) error
	RemovePlayer(ctx context.Context, id uuid.UUID) error
}

// GameResetter resets an emptied game back to the lobby.
type GameResetter interface {
	ResetGame(ctx context.Context, gameID uuid.UUID) error
}

// MissedRecorder records placeholder actions for disconnected non-actors
// during timed phases so the completion denominator converges, and
// re-checks completion after a departure shrinks that denominator.
type MissedRecorder interface {
	AutoSubmit(ctx context.Context, gameID, playerID uuid.UUID) error
	AutoVote(ctx context.Context, gameID, voterID uuid.UUID) error
	SyncCompletion(ctx context.Context, gameID uuid.UUID) error
}

// App is the player presence manager.
type App struct {
	store     Store
	publisher events.Publisher
	clock     clockwork.Clock
	resetter  GameResetter
	missed    MissedRecorder
}

// NewApp creates a presence manager.
func NewApp(st Store, publisher events.Publisher, clock clockwork.Clock, resetter GameResetter, missed MissedRecorder) *App {
	return &App{store: st, publisher: publisher, clock: clock, resetter: resetter, missed: missed}
}

// Heartbeat records a client check-in and revives a soft-disconnected
// player.
func (a *App) Heartbeat(ctx context.Context, playerID uuid.UUID) error {
	return a.store.TouchPlayer(ctx, playerID)
}

// Connect marks a player connected (join, reconnect, tab became visible).
func (a *App) Connect(ctx context.Context, playerID uuid.UUID) error {
	player, err := a.store.UpdatePlayerConnection(ctx, playerID, true)
	if err != nil {
		return err
	}

	// Reconnecting into a game with no host claims the seat.
	game, err := a.store.GetGame(ctx, player.GameID)
	if err != nil {
		return err
	}
	if game.HostID == nil {
		return a.electHost(ctx, game.ID, nil)
	}
	return nil
}

// Disconnect marks a player disconnected and migrates the host if needed.
// The player row survives until the grace window expires.
func (a *App) Disconnect(ctx context.Context, playerID uuid.UUID) error {
	player, err := a.store.UpdatePlayerConnection(ctx, playerID, false)
	if err != nil {
		return err
	}
	return a.afterDeparture(ctx, player.GameID, playerID, false)
}

// Leave removes a player permanently at their own request.
func (a *App) Leave(ctx context.Context, playerID uuid.UUID) error {
	return a.remove(ctx, playerID, "left")
}

// Kick removes a player at the host's request. Caller authorization
// happens at the orchestrator.
func (a *App) Kick(ctx context.Context, playerID uuid.UUID) error {
	return a.remove(ctx, playerID, "kicked")
}

func (a *App) remove(ctx context.Context, playerID uuid.UUID, reason string) error {
	player, err := a.store.GetPlayer(ctx, playerID)
	if err != nil {
		return err
	}
	if err := a.store.RemovePlayer(ctx, playerID); err != nil {
		return err
	}

	if err := a.publisher.Publish(ctx, player.GameID, events.EventPlayerLeft, events.PlayerLeftPayload{
		PlayerID: playerID.String(),
		Name:     player.Name,
		Reason:   reason,
	}); err != nil {
		log.Error().Err(err).Str("game_id", player.GameID.String()).Msg("failed to publish PlayerLeft")
	}

	return a.afterDeparture(ctx, player.GameID, playerID, true)
}

// afterDeparture restores the host invariant after a player disconnects or
// is removed: migrate the host seat, or reset the game when nobody is
// left connected.
func (a *App) afterDeparture(ctx context.Context, gameID, departedID uuid.UUID, removed bool) error {
	game, err := a.store.GetGame(ctx, gameID)
	if err != nil {
		if errors.Is(err, gameerr.ErrGameNotFound) {
			return nil
		}
		return err
	}

	players, err := a.store.ListPlayersByGame(ctx, gameID)
	if err != nil {
		return err
	}
	connected := 0
	for _, p := range players {
		if p.IsConnected {
			connected++
		}
	}

	if connected == 0 {
		log.Info().Str("game_id", gameID.String()).Msg("no connected players remain, resetting game")
		if _, err := a.store.UpdateGame(ctx, gameID, func(g *models.Game) error {
			g.HostID = nil
			return nil
		}); err != nil {
			return err
		}
		return a.resetter.ResetGame(ctx, gameID)
	}

	hostGone := game.HostID != nil && *game.HostID == departedID
	if hostGone || game.HostID == nil {
		var previous *uuid.UUID
		if hostGone {
			previous = game.HostID
		}
		if err := a.electHost(ctx, gameID, previous); err != nil {
			return err
		}
	}

	// A disconnected non-actor during a timed phase gets a placeholder
	// entry so the completion fraction can still reach 1. Removed players
	// get none: their row is gone, so a placeholder would orphan a
	// submission or vote — they leave the denominator instead. Either way
	// the departure may be what completes the phase, so re-check.
	if game.Phase == models.PhaseSubmission || game.Phase == models.PhaseVoting {
		if !removed {
			var err error
			if game.Phase == models.PhaseSubmission {
				err = a.missed.AutoSubmit(ctx, gameID, departedID)
			} else {
				err = a.missed.AutoVote(ctx, gameID, departedID)
			}
			if err != nil {
				log.Warn().Err(err).Str("player_id", departedID.String()).Msg("failed to record missed action")
			}
		}
		if err := a.missed.SyncCompletion(ctx, gameID); err != nil {
			log.Warn().Err(err).Str("game_id", gameID.String()).Msg("failed to re-check phase completion after departure")
		}
	}
	return nil
}

// electHost hands the host seat to the earliest-joined connected player.
func (a *App) electHost(ctx context.Context, gameID uuid.UUID, previous *uuid.UUID) error {
	players, err := a.store.ListPlayersByGame(ctx, gameID)
	if err != nil {
		return err
	}

	var successor *models.Player
	for i := range players {
		if players[i].IsConnected {
			successor = &players[i] // list is ordered by join time
			break
		}
	}
	if successor == nil {
		return nil
	}

	if _, err := a.store.UpdateGame(ctx, gameID, func(g *models.Game) error {
		id := successor.ID
		g.HostID = &id
		return nil
	}); err != nil {
		return err
	}

	payload := events.HostTransferredPayload{NewHostID: successor.ID.String()}
	if previous != nil {
		payload.PreviousHostID = previous.String()
	}
	if err := a.publisher.Publish(ctx, gameID, events.EventHostTransferred, payload); err != nil {
		log.Error().Err(err).Str("game_id", gameID.String()).Msg("failed to publish HostTransferred")
	}

	log.Info().
		Str("game_id", gameID.String()).
		Str("new_host", successor.ID.String()).
		Msg("host migrated")
	return nil
}

// TransferHost moves the host seat explicitly. The orchestrator has
// already verified the caller.
func (a *App) TransferHost(ctx context.Context, gameID, newHostID uuid.UUID) error {
	target, err := a.store.GetPlayer(ctx, newHostID)
	if err != nil {
		return err
	}
	if target.GameID != gameID {
		return gameerr.Validation("player %s does not belong to this game", newHostID)
	}
	if !target.IsConnected {
		return gameerr.State("cannot transfer host to a disconnected player")
	}

	var previous *uuid.UUID
	if _, err := a.store.UpdateGame(ctx, gameID, func(g *models.Game) error {
		previous = g.HostID
		g.HostID = &target.ID
		return nil
	}); err != nil {
		return err
	}

	payload := events.HostTransferredPayload{NewHostID: newHostID.String()}
	if previous != nil {
		payload.PreviousHostID = previous.String()
	}
	if err := a.publisher.Publish(ctx, gameID, events.EventHostTransferred, payload); err != nil {
		log.Error().Err(err).Str("game_id", gameID.String()).Msg("failed to publish HostTransferred")
	}
	return nil
}

// Run sweeps for stale players until ctx is cancelled: connected players
// who stopped heartbeating go soft-disconnected, and disconnected players
// past the grace window are hard-removed.
func (a *App) Run(ctx context.Context) {
	log.Info().
		Dur("heartbeat", HeartbeatInterval).
		Dur("grace", GraceWindow).
		Msg("presence monitor started")

	ticker := a.clock.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("presence monitor stopped")
			return
		case <-ticker.Chan():
			a.sweep(ctx)
		}
	}
}

func (a *App) sweep(ctx context.Context) {
	gameIDs, err := a.store.ListActiveGameIDs(ctx)
	if err != nil {
		log.Error().Err(err).Msg("presence sweep failed to list games")
		return
	}

	now := a.clock.Now()
	for _, gameID := range gameIDs {
		players, err := a.store.ListPlayersByGame(ctx, gameID)
		if err != nil {
			log.Error().Err(err).Str("game_id", gameID.String()).Msg("presence sweep failed to list players")
			continue
		}
		for _, p := range players {
			stale := now.Sub(p.LastSeenAt)
			switch {
			case !p.IsConnected && stale > GraceWindow:
				log.Info().
					Str("game_id", gameID.String()).
					Str("player_id", p.ID.String()).
					Dur("stale", stale).
					Msg("grace window expired, removing player")
				if err := a.remove(ctx, p.ID, "timed_out"); err != nil {
					log.Error().Err(err).Str("player_id", p.ID.String()).Msg("failed to remove stale player")
				}
			case p.IsConnected && stale > 2*HeartbeatInterval:
				log.Info().
					Str("game_id", gameID.String()).
					Str("player_id", p.ID.String()).
					Dur("stale", stale).
					Msg("heartbeat lost, marking disconnected")
				if err := a.Disconnect(ctx, p.ID); err != nil {
					log.Error().Err(err).Str("player_id", p.ID.String()).Msg("failed to mark player disconnected")
				}
			}
		}
	}
}
