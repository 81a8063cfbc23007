// Package session is the orchestration facade: it composes the round
// lifecycle, submission, voting, scoring, timer and presence managers into
// the operations clients actually call, and owns the glue between phase
// completion, timers and round-end processing.
package session

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/partydeck/server/internal/events"
	"github.com/partydeck/server/internal/gameerr"
	"github.com/partydeck/server/internal/models"
	"github.com/partydeck/server/internal/round"
	"github.com/partydeck/server/internal/scoring"
	"github.com/partydeck/server/internal/store"
	"github.com/partydeck/server/internal/submission"
	"github.com/partydeck/server/internal/timersync"
	"github.com/partydeck/server/internal/voting"
)

const (
	roomCodeLength   = 6
	roomCodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789" // no I, L, O, 0, 1
	roomCodeRetries  = 5
)

// DefaultSettings are applied where a create request leaves a field zero.
var DefaultSettings = models.GameSettings{
	TargetScore:        5,
	MaxPlayers:         8,
	MinPlayers:         3,
	CardsPerPlayer:     5,
	SubmissionTimerSec: 90,
	VotingTimerSec:     60,
}

// Store defines what the orchestrator needs directly from the record
// store; most access goes through the composed managers.
type Store interface {
	CreateGame(ctx context.Context, game *models.Game) error
	GetGame(ctx context.Context, id uuid.UUID) (*models.Game, error)
	GetGameByRoomCode(ctx context.Context, code string) (*models.Game, error)
	CreatePlayer(ctx context.Context, player *models.Player) error
	GetPlayer(ctx context.Context, id uuid.UUID) (*models.Player, error)
	ListPlayersByGame(ctx context.Context, gameID uuid.UUID) ([]models.Player, error)
	UpdateGame(ctx context.Context, id uuid.UUID, mutate store.GameMutator) (*models.Game, error)
	ListPlayerHand(ctx context.Context, gameID uuid.UUID, round int, playerID uuid.UUID) ([]models.Card, error)
}

// Presence is the slice of the presence manager the orchestrator calls.
type Presence interface {
	Heartbeat(ctx context.Context, playerID uuid.UUID) error
	Connect(ctx context.Context, playerID uuid.UUID) error
	Disconnect(ctx context.Context, playerID uuid.UUID) error
	Leave(ctx context.Context, playerID uuid.UUID) error
	Kick(ctx context.Context, playerID uuid.UUID) error
	TransferHost(ctx context.Context, gameID, newHostID uuid.UUID) error
}

// App is the session orchestrator.
type App struct {
	store       Store
	rounds      *round.App
	submissions *submission.App
	votes       *voting.App
	scores      *scoring.App
	timers      *timersync.App
	presence    Presence
	publisher   events.Publisher
	clock       clockwork.Clock
}

// NewApp wires the orchestrator and registers it as the timer expiry
// handler.
func NewApp(
	st Store,
	rounds *round.App,
	submissions *submission.App,
	votes *voting.App,
	scores *scoring.App,
	timers *timersync.App,
	presence Presence,
	publisher events.Publisher,
	clock clockwork.Clock,
) *App {
	a := &App{
		store:       st,
		rounds:      rounds,
		submissions: submissions,
		votes:       votes,
		scores:      scores,
		timers:      timers,
		presence:    presence,
		publisher:   publisher,
		clock:       clock,
	}
	timers.SetExpiryHandler(a)
	return a
}

// CreateGame opens a new session in the lobby with the creator seated as
// host.
func (a *App) CreateGame(ctx context.Context, hostName string, settings models.GameSettings) (*models.Game, *models.Player, error) {
	if hostName == "" {
		return nil, nil, gameerr.Validation("host name is required")
	}
	applyDefaults(&settings)
	if settings.MinPlayers < 2 {
		return nil, nil, gameerr.Validation("minPlayers must be at least 2")
	}
	if settings.MaxPlayers < settings.MinPlayers {
		return nil, nil, gameerr.Validation("maxPlayers must be at least minPlayers")
	}
	if settings.TargetScore < 1 {
		return nil, nil, gameerr.Validation("targetScore must be positive")
	}
	if settings.CardsPerPlayer < 1 {
		return nil, nil, gameerr.Validation("cardsPerPlayer must be positive")
	}
	if settings.SubmissionTimerSec < 0 || settings.VotingTimerSec < 0 {
		return nil, nil, gameerr.Validation("timer durations cannot be negative")
	}

	game := &models.Game{
		ID:           uuid.New(),
		Phase:        models.PhaseLobby,
		Status:       models.GameStatusActive,
		CurrentRound: 1,
		Settings:     settings,
	}

	var err error
	for attempt := 0; attempt < roomCodeRetries; attempt++ {
		game.RoomCode = newRoomCode()
		if err = a.store.CreateGame(ctx, game); err == nil {
			break
		}
		if !errors.Is(err, gameerr.ErrRoomCodeTaken) {
			return nil, nil, err
		}
	}
	if err != nil {
		return nil, nil, gameerr.Connection("could not allocate a unique room code", err)
	}

	host, err := a.seatPlayer(ctx, game, hostName)
	if err != nil {
		return nil, nil, err
	}
	game, err = a.store.UpdateGame(ctx, game.ID, func(g *models.Game) error {
		id := host.ID
		g.HostID = &id
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	log.Info().
		Str("game_id", game.ID.String()).
		Str("room_code", game.RoomCode).
		Str("host", host.ID.String()).
		Msg("game created")
	return game, host, nil
}

// JoinGame seats a player in an existing lobby by room code.
func (a *App) JoinGame(ctx context.Context, roomCode, name string) (*models.Game, *models.Player, error) {
	if name == "" {
		return nil, nil, gameerr.Validation("player name is required")
	}

	game, err := a.store.GetGameByRoomCode(ctx, roomCode)
	if err != nil {
		return nil, nil, err
	}
	if game.Status == models.GameStatusFinished {
		return nil, nil, &gameerr.Error{Kind: gameerr.KindGameState, Msg: "game is finished", Err: gameerr.ErrGameFinished}
	}
	if game.Phase != models.PhaseLobby {
		return nil, nil, &gameerr.Error{
			Kind: gameerr.KindGameState,
			Msg:  "game already in progress, joining is closed",
			Err:  gameerr.ErrInvalidTransition,
		}
	}

	players, err := a.store.ListPlayersByGame(ctx, game.ID)
	if err != nil {
		return nil, nil, err
	}
	if len(players) >= game.Settings.MaxPlayers {
		return nil, nil, gameerr.State("game is full (%d players)", game.Settings.MaxPlayers)
	}

	player, err := a.seatPlayer(ctx, game, name)
	if err != nil {
		return nil, nil, err
	}
	return game, player, nil
}

func (a *App) seatPlayer(ctx context.Context, game *models.Game, name string) (*models.Player, error) {
	player := &models.Player{
		ID:          uuid.New(),
		GameID:      game.ID,
		Name:        name,
		IsConnected: true,
	}
	if err := a.store.CreatePlayer(ctx, player); err != nil {
		return nil, err
	}

	players, err := a.store.ListPlayersByGame(ctx, game.ID)
	if err != nil {
		return nil, err
	}
	if err := a.publisher.Publish(ctx, game.ID, events.EventPlayerJoined, events.PlayerJoinedPayload{
		PlayerID:    player.ID.String(),
		Name:        player.Name,
		IsHost:      game.HostID == nil, // first seat becomes host
		PlayerCount: len(players),
		JoinedAt:    player.JoinedAt,
	}); err != nil {
		log.Error().Err(err).Str("game_id", game.ID.String()).Msg("failed to publish PlayerJoined")
	}
	return player, nil
}

// StartRound begins a new round at the host's request and arms the
// submission timer once the deal lands.
func (a *App) StartRound(ctx context.Context, gameID, callerID uuid.UUID) (*models.Game, error) {
	game, err := a.rounds.StartRound(ctx, gameID, callerID)
	if err != nil {
		return nil, err
	}
	a.armTimer(ctx, game, models.PhaseSubmission)
	return game, nil
}

// Submit records a player's cards and advances to Voting when the last
// eligible player submits.
func (a *App) Submit(ctx context.Context, gameID, playerID, promptCardID uuid.UUID, responseCardIDs []uuid.UUID) (*submission.Status, error) {
	status, err := a.submissions.Submit(ctx, gameID, playerID, promptCardID, responseCardIDs)
	if err != nil {
		return nil, err
	}
	if status.Complete {
		a.advanceToVoting(ctx, gameID, round.TriggerCompletion)
	}
	return status, nil
}

// Vote records a vote and runs round-end processing when the last eligible
// voter votes.
func (a *App) Vote(ctx context.Context, gameID, voterID, submissionID uuid.UUID) (*voting.Status, error) {
	status, err := a.votes.Vote(ctx, gameID, voterID, submissionID)
	if err != nil {
		return nil, err
	}
	if status.Complete {
		a.endRound(ctx, gameID, round.TriggerCompletion)
	}
	return status, nil
}

// HandleTimerExpiry is the timer synchronizer callback. It force-completes
// the expired phase: placeholders for every missing action, then the same
// advance path a natural completion takes. The phase CAS downstream makes
// a racing natural completion harmless.
func (a *App) HandleTimerExpiry(ctx context.Context, gameID uuid.UUID, phase models.Phase, roundNum int) {
	game, err := a.store.GetGame(ctx, gameID)
	if err != nil {
		log.Error().Err(err).Str("game_id", gameID.String()).Msg("timer expiry: game fetch failed")
		return
	}
	if game.Phase != phase || game.CurrentRound != roundNum {
		log.Debug().
			Str("game_id", gameID.String()).
			Str("expired_phase", string(phase)).
			Str("current_phase", string(game.Phase)).
			Msg("stale timer expiry, ignoring")
		return
	}

	switch phase {
	case models.PhaseSubmission:
		pending, err := a.submissions.NonSubmitters(ctx, gameID)
		if err != nil {
			log.Error().Err(err).Str("game_id", gameID.String()).Msg("timer expiry: listing non-submitters failed")
			return
		}
		for _, p := range pending {
			if err := a.submissions.AutoSubmit(ctx, gameID, p.ID); err != nil {
				log.Warn().Err(err).Str("player_id", p.ID.String()).Msg("auto-submit failed")
			}
		}
		a.advanceToVoting(ctx, gameID, round.TriggerTimer)

	case models.PhaseVoting:
		pending, err := a.votes.NonVoters(ctx, gameID)
		if err != nil {
			log.Error().Err(err).Str("game_id", gameID.String()).Msg("timer expiry: listing non-voters failed")
			return
		}
		for _, p := range pending {
			if err := a.votes.AutoVote(ctx, gameID, p.ID); err != nil {
				log.Warn().Err(err).Str("player_id", p.ID.String()).Msg("auto-vote failed")
			}
		}
		a.endRound(ctx, gameID, round.TriggerTimer)
	}
}

// SyncCompletion re-derives the current phase's completion fraction and
// feeds the advance intent in when it has reached 1. Departures shrink the
// eligible denominator without any new submit or vote arriving, so the
// presence manager calls this after every departure during a timed phase.
func (a *App) SyncCompletion(ctx context.Context, gameID uuid.UUID) error {
	game, err := a.store.GetGame(ctx, gameID)
	if err != nil {
		return err
	}
	switch game.Phase {
	case models.PhaseSubmission:
		status, err := a.submissions.RoundStatus(ctx, gameID)
		if err != nil {
			return err
		}
		if status.Complete {
			a.advanceToVoting(ctx, gameID, round.TriggerCompletion)
		}
	case models.PhaseVoting:
		status, err := a.votes.RoundStatus(ctx, gameID)
		if err != nil {
			return err
		}
		if status.Complete {
			a.endRound(ctx, gameID, round.TriggerCompletion)
		}
	}
	return nil
}

// advanceToVoting moves Submission -> Voting and swaps the timers. Losing
// the phase race means another trigger got there first; nothing to do.
func (a *App) advanceToVoting(ctx context.Context, gameID uuid.UUID, trigger round.Trigger) {
	game, err := a.rounds.AdvancePhase(ctx, gameID, models.PhaseVoting, trigger)
	if err != nil {
		if errors.Is(err, gameerr.ErrPhaseConflict) {
			log.Debug().Str("game_id", gameID.String()).Msg("voting advance lost phase race")
			return
		}
		log.Error().Err(err).Str("game_id", gameID.String()).Msg("failed to advance to voting")
		return
	}
	if err := a.timers.Cancel(ctx, gameID); err != nil && !errors.Is(err, gameerr.ErrTimerNotFound) {
		log.Error().Err(err).Str("game_id", gameID.String()).Msg("failed to cancel submission timer")
	}
	a.armTimer(ctx, game, models.PhaseVoting)
}

// endRound moves Voting -> Results and, for the winner of the phase race
// only, processes scores and checks the game end condition.
func (a *App) endRound(ctx context.Context, gameID uuid.UUID, trigger round.Trigger) {
	game, err := a.rounds.AdvancePhase(ctx, gameID, models.PhaseResults, trigger)
	if err != nil {
		if errors.Is(err, gameerr.ErrPhaseConflict) {
			log.Debug().Str("game_id", gameID.String()).Msg("round end lost phase race")
			return
		}
		log.Error().Err(err).Str("game_id", gameID.String()).Msg("failed to advance to results")
		return
	}
	if err := a.timers.Cancel(ctx, gameID); err != nil && !errors.Is(err, gameerr.ErrTimerNotFound) {
		log.Error().Err(err).Str("game_id", gameID.String()).Msg("failed to cancel voting timer")
	}

	if _, err := a.scores.ProcessRoundEnd(ctx, gameID, game.CurrentRound); err != nil {
		log.Error().Err(err).Str("game_id", gameID.String()).Msg("round end processing failed")
		return
	}

	end, err := a.scores.CheckGameEnd(ctx, gameID)
	if err != nil {
		log.Error().Err(err).Str("game_id", gameID.String()).Msg("game end check failed")
		return
	}
	if end.ShouldEnd {
		if _, err := a.scores.FinalizeGame(ctx, gameID); err != nil {
			log.Error().Err(err).Str("game_id", gameID.String()).Msg("game finalization failed")
		}
	}
}

// armTimer starts the countdown for a timed phase just entered.
func (a *App) armTimer(ctx context.Context, game *models.Game, phase models.Phase) {
	duration := game.Settings.SubmissionTimerSec
	if phase == models.PhaseVoting {
		duration = game.Settings.VotingTimerSec
	}
	if duration <= 0 {
		return // untimed game
	}
	if _, err := a.timers.Start(ctx, game.ID, phase, game.CurrentRound, duration); err != nil {
		log.Error().Err(err).
			Str("game_id", game.ID.String()).
			Str("phase", string(phase)).
			Msg("failed to start phase timer")
	}
}

// PauseGame freezes the running phase timer. Host only.
func (a *App) PauseGame(ctx context.Context, gameID, callerID uuid.UUID) (*models.TimerState, error) {
	if err := a.requireHost(ctx, gameID, callerID); err != nil {
		return nil, err
	}
	return a.timers.Pause(ctx, gameID)
}

// ResumeGame unfreezes a paused timer. Host only.
func (a *App) ResumeGame(ctx context.Context, gameID, callerID uuid.UUID) (*models.TimerState, error) {
	if err := a.requireHost(ctx, gameID, callerID); err != nil {
		return nil, err
	}
	return a.timers.Resume(ctx, gameID)
}

// ResetGame wipes all round state and returns to the lobby. Host only.
func (a *App) ResetGame(ctx context.Context, gameID, callerID uuid.UUID) error {
	if err := a.requireHost(ctx, gameID, callerID); err != nil {
		return err
	}
	if err := a.timers.Cancel(ctx, gameID); err != nil && !errors.Is(err, gameerr.ErrTimerNotFound) {
		log.Error().Err(err).Str("game_id", gameID.String()).Msg("failed to cancel timer during reset")
	}
	return a.scores.ResetGame(ctx, gameID)
}

// TransferHost hands the host seat to another player. Host only.
func (a *App) TransferHost(ctx context.Context, gameID, callerID, newHostID uuid.UUID) error {
	if err := a.requireHost(ctx, gameID, callerID); err != nil {
		return err
	}
	return a.presence.TransferHost(ctx, gameID, newHostID)
}

// KickPlayer removes a player at the host's request. Host only; the host
// cannot kick themselves (use LeaveGame).
func (a *App) KickPlayer(ctx context.Context, gameID, callerID, targetID uuid.UUID) error {
	if err := a.requireHost(ctx, gameID, callerID); err != nil {
		return err
	}
	if callerID == targetID {
		return gameerr.Validation("host cannot kick themselves")
	}
	target, err := a.store.GetPlayer(ctx, targetID)
	if err != nil {
		return err
	}
	if target.GameID != gameID {
		return gameerr.Validation("player %s does not belong to this game", targetID)
	}
	return a.presence.Kick(ctx, targetID)
}

// LeaveGame removes the calling player.
func (a *App) LeaveGame(ctx context.Context, playerID uuid.UUID) error {
	return a.presence.Leave(ctx, playerID)
}

// Heartbeat forwards a client check-in.
func (a *App) Heartbeat(ctx context.Context, playerID uuid.UUID) error {
	return a.presence.Heartbeat(ctx, playerID)
}

// GameSnapshot is the read-model a reconnecting client needs to render.
type GameSnapshot struct {
	Game    *models.Game       `json:"game"`
	Players []models.Player    `json:"players"`
	Timer   *models.TimerState `json:"timer,omitempty"`
}

// Snapshot returns the full current state of a game.
func (a *App) Snapshot(ctx context.Context, gameID uuid.UUID) (*GameSnapshot, error) {
	game, err := a.store.GetGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	players, err := a.store.ListPlayersByGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	snap := &GameSnapshot{Game: game, Players: players}
	if game.Phase.Timed() {
		timer, err := a.timers.State(ctx, gameID)
		if err == nil {
			snap.Timer = timer
		} else if !errors.Is(err, gameerr.ErrTimerNotFound) {
			return nil, err
		}
	}
	return snap, nil
}

// SubmissionStatus exposes the submission read-model.
func (a *App) SubmissionStatus(ctx context.Context, gameID uuid.UUID) (*submission.Status, error) {
	return a.submissions.RoundStatus(ctx, gameID)
}

// VotingStatus exposes the voting read-model.
func (a *App) VotingStatus(ctx context.Context, gameID uuid.UUID) (*voting.Status, error) {
	return a.votes.RoundStatus(ctx, gameID)
}

// Rankings exposes the current standings.
func (a *App) Rankings(ctx context.Context, gameID uuid.UUID) ([]events.RankingEntry, error) {
	return a.scores.Rankings(ctx, gameID)
}

// PlayerHand lists a player's response cards for the current round.
func (a *App) PlayerHand(ctx context.Context, gameID, playerID uuid.UUID) ([]models.Card, error) {
	game, err := a.store.GetGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	return a.store.ListPlayerHand(ctx, gameID, game.CurrentRound, playerID)
}

func (a *App) requireHost(ctx context.Context, gameID, callerID uuid.UUID) error {
	game, err := a.store.GetGame(ctx, gameID)
	if err != nil {
		return err
	}
	if game.HostID == nil || *game.HostID != callerID {
		return &gameerr.Error{Kind: gameerr.KindPermission, Msg: "only the host may do this", Err: gameerr.ErrNotHost}
	}
	return nil
}

func applyDefaults(s *models.GameSettings) {
	if s.TargetScore == 0 {
		s.TargetScore = DefaultSettings.TargetScore
	}
	if s.MaxPlayers == 0 {
		s.MaxPlayers = DefaultSettings.MaxPlayers
	}
	if s.MinPlayers == 0 {
		s.MinPlayers = DefaultSettings.MinPlayers
	}
	if s.CardsPerPlayer == 0 {
		s.CardsPerPlayer = DefaultSettings.CardsPerPlayer
	}
	if s.SubmissionTimerSec == 0 {
		s.SubmissionTimerSec = DefaultSettings.SubmissionTimerSec
	}
	if s.VotingTimerSec == 0 {
		s.VotingTimerSec = DefaultSettings.VotingTimerSec
	}
	if s.Theme == "" {
		s.Theme = DefaultSettings.Theme
	}
}

// newRoomCode draws a short join code from an alphabet without lookalike
// characters.
func newRoomCode() string {
	code := make([]byte, roomCodeLength)
	for i := range code {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(roomCodeAlphabet))))
		if err != nil {
			panic(err) // crypto/rand failure is unrecoverable
		}
		code[i] = roomCodeAlphabet[n.Int64()]
	}
	return string(code)
}
