// Package voting enforces one vote per eligible voter per round, bans
// self-votes, and keeps the live tally that drives round-end processing.
package voting

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

// Store defines what the voting manager needs from the record store.
type Store interface {
	GetGame(ctx context.Context, id uuid.UUID) (*models.Game, error)
	GetPlayer(ctx context.Context, id uuid.UUID) (*models.Player, error)
	ListPlayersByGame(ctx context.Context, gameID uuid.UUID) ([]models.Player, error)
	GetSubmission(ctx context.Context, id uuid.UUID) (*models.Submission, error)
	ListSubmissionsByRound(ctx context.Context, gameID uuid.UUID, round int) ([]models.Submission, error)
	CreateVote(ctx context.Context, vote *models.Vote) error
	ListVotesByRound(ctx context.Context, gameID uuid.UUID, round int) ([]models.Vote, error)
	IncrementVoteCount(ctx context.Context, id uuid.UUID) (*models.Submission, error)
}

// App is the voting manager.
type App struct {
	store     Store
	publisher events.Publisher
}

// NewApp creates a voting manager.
func NewApp(st Store, publisher events.Publisher) *App {
	return &App{store: st, publisher: publisher}
}

// Status is the voting read-model for the current round.
type Status struct {
	Round    int               `json:"round"`
	Voted    int               `json:"voted"`
	Eligible int               `json:"eligible"`
	Fraction float64           `json:"fraction"`
	Complete bool              `json:"complete"`
	Tally    map[uuid.UUID]int `json:"tally"` // submission id -> vote count
}

// Vote casts a vote. Self-votes are rejected as bad input; a second vote in
// the same round fails with AlreadyVoted and changes nothing. The target
// submission's voteCount goes up by exactly one.
func (a *App) Vote(ctx context.Context, gameID, voterID, submissionID uuid.UUID) (*Status, error) {
	game, err := a.store.GetGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if game.Phase != models.PhaseVoting {
		return nil, &gameerr.Error{
			Kind: gameerr.KindGameState,
			Msg:  fmt.Sprintf("voting is closed in phase %s", game.Phase),
			Err:  gameerr.ErrInvalidTransition,
		}
	}

	voter, err := a.store.GetPlayer(ctx, voterID)
	if err != nil {
		return nil, err
	}
	if voter.GameID != gameID {
		return nil, gameerr.Validation("voter %s does not belong to this game", voterID)
	}

	sub, err := a.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	if sub.GameID != gameID || sub.RoundNumber != game.CurrentRound {
		return nil, gameerr.Validation("submission %s is not part of the current round", submissionID)
	}
	if sub.PlayerID == voterID {
		return nil, &gameerr.Error{Kind: gameerr.KindValidation, Msg: "cannot vote for own submission", Err: gameerr.ErrSelfVote}
	}

	vote := &models.Vote{
		ID:           uuid.New(),
		GameID:       gameID,
		VoterID:      voterID,
		SubmissionID: submissionID,
		RoundNumber:  game.CurrentRound,
	}
	if err := a.createAndAnnounce(ctx, game, vote); err != nil {
		return nil, err
	}
	return a.RoundStatus(ctx, gameID)
}

// AutoVote casts the default vote (earliest submission not authored by the
// voter) for a player who missed the deadline. Idempotent.
func (a *App) AutoVote(ctx context.Context, gameID, voterID uuid.UUID) error {
	game, err := a.store.GetGame(ctx, gameID)
	if err != nil {
		return err
	}
	if game.Phase != models.PhaseVoting {
		return nil // phase already moved on; nothing to force
	}

	subs, err := a.store.ListSubmissionsByRound(ctx, gameID, game.CurrentRound)
	if err != nil {
		return err
	}
	var target *models.Submission
	for i := range subs {
		if subs[i].PlayerID != voterID {
			target = &subs[i]
			break
		}
	}
	if target == nil {
		return gameerr.State("no eligible submission for auto-vote by %s", voterID)
	}

	vote := &models.Vote{
		ID:           uuid.New(),
		GameID:       gameID,
		VoterID:      voterID,
		SubmissionID: target.ID,
		RoundNumber:  game.CurrentRound,
		AutoVoted:    true,
	}
	if err := a.createAndAnnounce(ctx, game, vote); err != nil {
		if gameerr.KindOf(err) == gameerr.KindGameState {
			return nil // already voted; auto-action is a no-op
		}
		return err
	}
	return nil
}

func (a *App) createAndAnnounce(ctx context.Context, game *models.Game, vote *models.Vote) error {
	if err := a.store.CreateVote(ctx, vote); err != nil {
		if errors.Is(err, gameerr.ErrAlreadyVoted) {
			return &gameerr.Error{Kind: gameerr.KindGameState, Msg: "player already voted this round", Err: err}
		}
		return err
	}
	if _, err := a.store.IncrementVoteCount(ctx, vote.SubmissionID); err != nil {
		return err
	}

	status, err := a.RoundStatus(ctx, game.ID)
	if err != nil {
		log.Error().Err(err).Str("game_id", game.ID.String()).Msg("failed to compute voting status")
		return nil
	}
	tally := make(map[string]int, len(status.Tally))
	for id, count := range status.Tally {
		tally[id.String()] = count
	}
	if err := a.publisher.Publish(ctx, game.ID, events.EventVoteCast, events.VoteCastPayload{
		Round:     vote.RoundNumber,
		AutoVoted: vote.AutoVoted,
		Voted:     status.Voted,
		Eligible:  status.Eligible,
		Tally:     tally,
	}); err != nil {
		log.Error().Err(err).Str("game_id", game.ID.String()).Msg("failed to publish VoteCast")
	}
	return nil
}

// RoundStatus computes voted / connected-eligible plus the live tally.
// Like submissions, a disconnected player who already voted stays in both
// counts while a disconnected non-voter drops out of the denominator.
func (a *App) RoundStatus(ctx context.Context, gameID uuid.UUID) (*Status, error) {
	game, err := a.store.GetGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	players, err := a.store.ListPlayersByGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	votes, err := a.store.ListVotesByRound(ctx, gameID, game.CurrentRound)
	if err != nil {
		return nil, err
	}
	subs, err := a.store.ListSubmissionsByRound(ctx, gameID, game.CurrentRound)
	if err != nil {
		return nil, err
	}

	votedBy := make(map[uuid.UUID]bool, len(votes))
	for _, v := range votes {
		votedBy[v.VoterID] = true
	}

	eligible, voted := 0, 0
	for _, p := range players {
		if p.IsConnected || votedBy[p.ID] {
			eligible++
			if votedBy[p.ID] {
				voted++
			}
		}
	}

	tally := make(map[uuid.UUID]int, len(subs))
	for _, s := range subs {
		tally[s.ID] = s.VoteCount
	}

	status := &Status{Round: game.CurrentRound, Voted: voted, Eligible: eligible, Tally: tally}
	if eligible > 0 {
		status.Fraction = float64(voted) / float64(eligible)
		status.Complete = voted == eligible
	}
	return status, nil
}

// NonVoters lists connected players without a vote this round, the target
// set for expiry auto-voting.
func (a *App) NonVoters(ctx context.Context, gameID uuid.UUID) ([]models.Player, error) {
	game, err := a.store.GetGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	players, err := a.store.ListPlayersByGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	votes, err := a.store.ListVotesByRound(ctx, gameID, game.CurrentRound)
	if err != nil {
		return nil, err
	}

	votedBy := make(map[uuid.UUID]bool, len(votes))
	for _, v := range votes {
		votedBy[v.VoterID] = true
	}

	var out []models.Player
	for _, p := range players {
		if p.IsConnected && !votedBy[p.ID] {
			out = append(out, p)
		}
	}
	return out, nil
}
