package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/partydeck/server/internal/content"
	"github.com/partydeck/server/internal/events"
	"github.com/partydeck/server/internal/gameerr"
	"github.com/partydeck/server/internal/models"
	"github.com/partydeck/server/internal/presence"
	"github.com/partydeck/server/internal/round"
	"github.com/partydeck/server/internal/scoring"
	"github.com/partydeck/server/internal/store"
	"github.com/partydeck/server/internal/submission"
	"github.com/partydeck/server/internal/timersync"
	"github.com/partydeck/server/internal/voting"
)

type missedAdapter struct {
	submissions *submission.App
	votes       *voting.App
	sessions    *App
}

func (m *missedAdapter) AutoSubmit(ctx context.Context, gameID, playerID uuid.UUID) error {
	return m.submissions.AutoSubmit(ctx, gameID, playerID)
}

func (m *missedAdapter) AutoVote(ctx context.Context, gameID, voterID uuid.UUID) error {
	return m.votes.AutoVote(ctx, gameID, voterID)
}

func (m *missedAdapter) SyncCompletion(ctx context.Context, gameID uuid.UUID) error {
	return m.sessions.SyncCompletion(ctx, gameID)
}

type fixture struct {
	app      *App
	store    *store.Memory
	clock    *clockwork.FakeClock
	timers   *timersync.App
	presence *presence.App
	cancel   context.CancelFunc
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	clock := clockwork.NewFakeClock()
	mem := store.NewMemory(clock)
	bus := events.NewBus(clock)

	rounds := round.NewApp(mem, content.NewStaticSource(7), bus, clock)
	submissions := submission.NewApp(mem, bus)
	votes := voting.NewApp(mem, bus)
	scores := scoring.NewApp(mem, bus)
	timers := timersync.NewApp(mem, bus, clock)
	missed := &missedAdapter{submissions: submissions, votes: votes}
	pres := presence.NewApp(mem, bus, clock, scores, missed)
	app := NewApp(mem, rounds, submissions, votes, scores, timers, pres, bus, clock)
	missed.sessions = app

	go timers.Run(ctx)
	t.Cleanup(cancel)
	return &fixture{app: app, store: mem, clock: clock, timers: timers, presence: pres, cancel: cancel}
}

// seatGame creates a game plus extra players joined by room code.
func (f *fixture) seatGame(t *testing.T, names ...string) (*models.Game, []*models.Player) {
	t.Helper()
	ctx := context.Background()
	settings := models.GameSettings{
		TargetScore:        2,
		MinPlayers:         3,
		MaxPlayers:         8,
		CardsPerPlayer:     3,
		SubmissionTimerSec: 90,
		VotingTimerSec:     60,
	}
	game, host, err := f.app.CreateGame(ctx, names[0], settings)
	if err != nil {
		t.Fatalf("CreateGame: %v", err)
	}
	players := []*models.Player{host}
	for _, name := range names[1:] {
		_, p, err := f.app.JoinGame(ctx, game.RoomCode, name)
		if err != nil {
			t.Fatalf("JoinGame(%s): %v", name, err)
		}
		players = append(players, p)
	}
	return game, players
}

func (f *fixture) phase(t *testing.T, gameID uuid.UUID) models.Phase {
	t.Helper()
	game, err := f.store.GetGame(context.Background(), gameID)
	if err != nil {
		t.Fatalf("GetGame: %v", err)
	}
	return game.Phase
}

// submitAll pushes every player's first hand card through Submit.
func (f *fixture) submitAll(t *testing.T, gameID uuid.UUID, players []*models.Player) {
	t.Helper()
	ctx := context.Background()
	game, err := f.store.GetGame(ctx, gameID)
	if err != nil {
		t.Fatalf("GetGame: %v", err)
	}
	prompt, err := f.store.GetPromptCard(ctx, gameID, game.CurrentRound)
	if err != nil {
		t.Fatalf("GetPromptCard: %v", err)
	}
	for _, p := range players {
		hand, err := f.store.ListPlayerHand(ctx, gameID, game.CurrentRound, p.ID)
		if err != nil {
			t.Fatalf("ListPlayerHand: %v", err)
		}
		if _, err := f.app.Submit(ctx, gameID, p.ID, prompt.ID, []uuid.UUID{hand[0].ID}); err != nil {
			t.Fatalf("Submit(%s): %v", p.Name, err)
		}
	}
}

func TestCreateGameSeatsHost(t *testing.T) {
	f := newFixture(t)
	game, players := f.seatGame(t, "ana")

	if game.RoomCode == "" || len(game.RoomCode) != 6 {
		t.Fatalf("room code = %q, want 6 chars", game.RoomCode)
	}
	got, err := f.store.GetGame(context.Background(), game.ID)
	if err != nil {
		t.Fatalf("GetGame: %v", err)
	}
	if got.HostID == nil || *got.HostID != players[0].ID {
		t.Fatal("creator should hold the host seat")
	}
	if got.Phase != models.PhaseLobby {
		t.Fatalf("phase = %s, want LOBBY", got.Phase)
	}
}

func TestJoinGameValidation(t *testing.T) {
	f := newFixture(t)
	game, _ := f.seatGame(t, "ana", "ben")
	ctx := context.Background()

	if _, _, err := f.app.JoinGame(ctx, "ZZZZZZ", "zoe"); !errors.Is(err, gameerr.ErrGameNotFound) {
		t.Fatalf("expected ErrGameNotFound, got %v", err)
	}
	if _, _, err := f.app.JoinGame(ctx, game.RoomCode, "ana"); gameerr.KindOf(err) != gameerr.KindValidation {
		t.Fatalf("expected duplicate-name rejection, got %v", err)
	}
}

func TestJoinGameClosedAfterStart(t *testing.T) {
	f := newFixture(t)
	game, players := f.seatGame(t, "ana", "ben", "cara")
	ctx := context.Background()

	if _, err := f.app.StartRound(ctx, game.ID, players[0].ID); err != nil {
		t.Fatalf("StartRound: %v", err)
	}
	if _, _, err := f.app.JoinGame(ctx, game.RoomCode, "dre"); !errors.Is(err, gameerr.ErrInvalidTransition) {
		t.Fatalf("expected joining-closed rejection, got %v", err)
	}
}

// TestFullRoundFlow walks one complete round: deal, submit, vote, results,
// then the next round from the results screen.
func TestFullRoundFlow(t *testing.T) {
	f := newFixture(t)
	game, players := f.seatGame(t, "p1", "p2", "p3", "p4")
	ctx := context.Background()
	host := players[0]

	if _, err := f.app.StartRound(ctx, game.ID, host.ID); err != nil {
		t.Fatalf("StartRound: %v", err)
	}
	if got := f.phase(t, game.ID); got != models.PhaseSubmission {
		t.Fatalf("phase = %s, want SUBMISSION", got)
	}
	if _, err := f.timers.State(ctx, game.ID); err != nil {
		t.Fatalf("submission timer should be running: %v", err)
	}

	f.submitAll(t, game.ID, players)
	if got := f.phase(t, game.ID); got != models.PhaseVoting {
		t.Fatalf("phase = %s, want VOTING after last submission", got)
	}

	// p1, p2, p4 vote for p3's submission; p3 votes for p4's.
	subs, err := f.store.ListSubmissionsByRound(ctx, game.ID, 1)
	if err != nil {
		t.Fatalf("ListSubmissionsByRound: %v", err)
	}
	byPlayer := make(map[uuid.UUID]uuid.UUID, len(subs))
	for _, s := range subs {
		byPlayer[s.PlayerID] = s.ID
	}
	for _, voter := range []*models.Player{players[0], players[1], players[3]} {
		if _, err := f.app.Vote(ctx, game.ID, voter.ID, byPlayer[players[2].ID]); err != nil {
			t.Fatalf("Vote(%s): %v", voter.Name, err)
		}
	}
	if _, err := f.app.Vote(ctx, game.ID, players[2].ID, byPlayer[players[3].ID]); err != nil {
		t.Fatalf("Vote(p3): %v", err)
	}

	if got := f.phase(t, game.ID); got != models.PhaseResults {
		t.Fatalf("phase = %s, want RESULTS after last vote", got)
	}
	winner, err := f.store.GetPlayer(ctx, players[2].ID)
	if err != nil {
		t.Fatalf("GetPlayer: %v", err)
	}
	if winner.Score != 1 {
		t.Fatalf("winner score = %d, want 1", winner.Score)
	}

	// Host advances into the next round from the results screen.
	next, err := f.app.StartRound(ctx, game.ID, host.ID)
	if err != nil {
		t.Fatalf("StartRound(round 2): %v", err)
	}
	if next.CurrentRound != 2 || next.Phase != models.PhaseSubmission {
		t.Fatalf("game = round %d phase %s, want round 2 SUBMISSION", next.CurrentRound, next.Phase)
	}
}

func TestSubmissionTimerExpiryForcesAdvance(t *testing.T) {
	f := newFixture(t)
	game, players := f.seatGame(t, "p1", "p2", "p3")
	ctx := context.Background()

	if _, err := f.app.StartRound(ctx, game.ID, players[0].ID); err != nil {
		t.Fatalf("StartRound: %v", err)
	}
	// Only p1 submits before the deadline.
	prompt, err := f.store.GetPromptCard(ctx, game.ID, 1)
	if err != nil {
		t.Fatalf("GetPromptCard: %v", err)
	}
	hand, err := f.store.ListPlayerHand(ctx, game.ID, 1, players[0].ID)
	if err != nil {
		t.Fatalf("ListPlayerHand: %v", err)
	}
	if _, err := f.app.Submit(ctx, game.ID, players[0].ID, prompt.ID, []uuid.UUID{hand[0].ID}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	f.clock.Advance(90 * time.Second)
	waitForPhase(t, f, game.ID, models.PhaseVoting)

	subs, err := f.store.ListSubmissionsByRound(ctx, game.ID, 1)
	if err != nil {
		t.Fatalf("ListSubmissionsByRound: %v", err)
	}
	if len(subs) != 3 {
		t.Fatalf("submissions = %d, want 3 (expiry fills placeholders)", len(subs))
	}
	auto := 0
	for _, s := range subs {
		if s.AutoSubmitted {
			auto++
		}
	}
	if auto != 2 {
		t.Fatalf("auto submissions = %d, want 2", auto)
	}
}

func TestVotingTimerExpiryEndsRound(t *testing.T) {
	f := newFixture(t)
	game, players := f.seatGame(t, "p1", "p2", "p3")
	ctx := context.Background()

	if _, err := f.app.StartRound(ctx, game.ID, players[0].ID); err != nil {
		t.Fatalf("StartRound: %v", err)
	}
	f.submitAll(t, game.ID, players)
	if got := f.phase(t, game.ID); got != models.PhaseVoting {
		t.Fatalf("phase = %s, want VOTING", got)
	}

	// Nobody votes; expiry auto-votes everyone and closes the round.
	f.clock.Advance(60 * time.Second)
	waitForPhase(t, f, game.ID, models.PhaseResults)

	votes, err := f.store.ListVotesByRound(ctx, game.ID, 1)
	if err != nil {
		t.Fatalf("ListVotesByRound: %v", err)
	}
	if len(votes) != 3 {
		t.Fatalf("votes = %d, want 3", len(votes))
	}
}

func TestTimerOutlivesRequestContext(t *testing.T) {
	f := newFixture(t)
	game, players := f.seatGame(t, "p1", "p2", "p3")

	// The countdown is armed inside an API request; the request context
	// dies as soon as the handler returns, the timer must not.
	reqCtx, cancelReq := context.WithCancel(context.Background())
	if _, err := f.app.StartRound(reqCtx, game.ID, players[0].ID); err != nil {
		t.Fatalf("StartRound: %v", err)
	}
	cancelReq()

	f.clock.Advance(91 * time.Second)
	waitForPhase(t, f, game.ID, models.PhaseVoting)
}

func TestLastSubmitterDisconnectAdvancesToVoting(t *testing.T) {
	f := newFixture(t)
	game, players := f.seatGame(t, "p1", "p2", "p3")
	ctx := context.Background()

	if _, err := f.app.StartRound(ctx, game.ID, players[0].ID); err != nil {
		t.Fatalf("StartRound: %v", err)
	}
	prompt, err := f.store.GetPromptCard(ctx, game.ID, 1)
	if err != nil {
		t.Fatalf("GetPromptCard: %v", err)
	}
	for _, p := range players[:2] {
		hand, err := f.store.ListPlayerHand(ctx, game.ID, 1, p.ID)
		if err != nil {
			t.Fatalf("ListPlayerHand: %v", err)
		}
		if _, err := f.app.Submit(ctx, game.ID, p.ID, prompt.ID, []uuid.UUID{hand[0].ID}); err != nil {
			t.Fatalf("Submit(%s): %v", p.Name, err)
		}
	}

	// The only pending submitter drops; the fraction reaches 1 through
	// the placeholder and the phase must advance without waiting for the
	// timer.
	if err := f.presence.Disconnect(ctx, players[2].ID); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if got := f.phase(t, game.ID); got != models.PhaseVoting {
		t.Fatalf("phase = %s, want VOTING after the denominator converged", got)
	}
	subs, err := f.store.ListSubmissionsByRound(ctx, game.ID, 1)
	if err != nil {
		t.Fatalf("ListSubmissionsByRound: %v", err)
	}
	if len(subs) != 3 {
		t.Fatalf("submissions = %d, want 3 incl. the placeholder", len(subs))
	}
}

func TestLastVoterLeaveEndsRound(t *testing.T) {
	f := newFixture(t)
	game, players := f.seatGame(t, "p1", "p2", "p3")
	ctx := context.Background()

	if _, err := f.app.StartRound(ctx, game.ID, players[0].ID); err != nil {
		t.Fatalf("StartRound: %v", err)
	}
	f.submitAll(t, game.ID, players)

	subs, err := f.store.ListSubmissionsByRound(ctx, game.ID, 1)
	if err != nil {
		t.Fatalf("ListSubmissionsByRound: %v", err)
	}
	byPlayer := make(map[uuid.UUID]uuid.UUID, len(subs))
	for _, s := range subs {
		byPlayer[s.PlayerID] = s.ID
	}
	if _, err := f.app.Vote(ctx, game.ID, players[0].ID, byPlayer[players[1].ID]); err != nil {
		t.Fatalf("Vote: %v", err)
	}
	if _, err := f.app.Vote(ctx, game.ID, players[1].ID, byPlayer[players[0].ID]); err != nil {
		t.Fatalf("Vote: %v", err)
	}

	// The only pending voter leaves for good: no ghost vote appears, the
	// denominator shrinks to the two cast votes and the round ends.
	if err := f.app.LeaveGame(ctx, players[2].ID); err != nil {
		t.Fatalf("LeaveGame: %v", err)
	}
	if got := f.phase(t, game.ID); got != models.PhaseResults {
		t.Fatalf("phase = %s, want RESULTS after the last voter left", got)
	}
	votes, err := f.store.ListVotesByRound(ctx, game.ID, 1)
	if err != nil {
		t.Fatalf("ListVotesByRound: %v", err)
	}
	if len(votes) != 2 {
		t.Fatalf("votes = %d, want 2 (no placeholder for a removed player)", len(votes))
	}
	for _, p := range players[:2] {
		got, err := f.store.GetPlayer(ctx, p.ID)
		if err != nil {
			t.Fatalf("GetPlayer: %v", err)
		}
		if got.Score != 1 {
			t.Fatalf("%s score = %d, want 1 (tied winners)", got.Name, got.Score)
		}
	}
}

func TestKickedSubmitterCannotWinRound(t *testing.T) {
	f := newFixture(t)
	game, players := f.seatGame(t, "p1", "p2", "p3", "p4")
	ctx := context.Background()

	if _, err := f.app.StartRound(ctx, game.ID, players[0].ID); err != nil {
		t.Fatalf("StartRound: %v", err)
	}
	f.submitAll(t, game.ID, players)
	if got := f.phase(t, game.ID); got != models.PhaseVoting {
		t.Fatalf("phase = %s, want VOTING", got)
	}

	// p4 is kicked after submitting; their orphaned submission stays
	// votable but must neither win nor wedge round-end processing.
	if err := f.app.KickPlayer(ctx, game.ID, players[0].ID, players[3].ID); err != nil {
		t.Fatalf("KickPlayer: %v", err)
	}
	subs, err := f.store.ListSubmissionsByRound(ctx, game.ID, 1)
	if err != nil {
		t.Fatalf("ListSubmissionsByRound: %v", err)
	}
	byPlayer := make(map[uuid.UUID]uuid.UUID, len(subs))
	for _, s := range subs {
		byPlayer[s.PlayerID] = s.ID
	}
	ghost := byPlayer[players[3].ID]
	for _, voter := range players[:3] {
		if _, err := f.app.Vote(ctx, game.ID, voter.ID, ghost); err != nil {
			t.Fatalf("Vote(%s): %v", voter.Name, err)
		}
	}

	if got := f.phase(t, game.ID); got != models.PhaseResults {
		t.Fatalf("phase = %s, want RESULTS", got)
	}
	for _, p := range players[:3] {
		got, err := f.store.GetPlayer(ctx, p.ID)
		if err != nil {
			t.Fatalf("GetPlayer: %v", err)
		}
		if got.Score != 0 {
			t.Fatalf("%s score = %d, want 0 (orphaned submission cannot win)", got.Name, got.Score)
		}
	}

	// The game is not wedged: the host deals the next round normally.
	next, err := f.app.StartRound(ctx, game.ID, players[0].ID)
	if err != nil {
		t.Fatalf("StartRound(round 2): %v", err)
	}
	if next.CurrentRound != 2 {
		t.Fatalf("round = %d, want 2", next.CurrentRound)
	}
}

func TestCreateGameRejectsNegativeSettings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bad := []models.GameSettings{
		{TargetScore: -1},
		{CardsPerPlayer: -2},
		{SubmissionTimerSec: -30},
		{VotingTimerSec: -30},
	}
	for _, settings := range bad {
		if _, _, err := f.app.CreateGame(ctx, "ana", settings); gameerr.KindOf(err) != gameerr.KindValidation {
			t.Fatalf("settings %+v: expected validation rejection, got %v", settings, err)
		}
	}
}

func TestGameFinishesAtTargetScore(t *testing.T) {
	f := newFixture(t)
	game, players := f.seatGame(t, "p1", "p2", "p3")
	ctx := context.Background()
	host := players[0]

	// Target score is 2; feed p2 two round wins.
	for roundNum := 1; roundNum <= 2; roundNum++ {
		if _, err := f.app.StartRound(ctx, game.ID, host.ID); err != nil {
			t.Fatalf("StartRound(round %d): %v", roundNum, err)
		}
		f.submitAll(t, game.ID, players)

		subs, err := f.store.ListSubmissionsByRound(ctx, game.ID, roundNum)
		if err != nil {
			t.Fatalf("ListSubmissionsByRound: %v", err)
		}
		var target uuid.UUID
		for _, s := range subs {
			if s.PlayerID == players[1].ID {
				target = s.ID
			}
		}
		for _, voter := range []*models.Player{players[0], players[2]} {
			if _, err := f.app.Vote(ctx, game.ID, voter.ID, target); err != nil {
				t.Fatalf("Vote: %v", err)
			}
		}
		var other uuid.UUID
		for _, s := range subs {
			if s.PlayerID != players[1].ID {
				other = s.ID
				break
			}
		}
		if _, err := f.app.Vote(ctx, game.ID, players[1].ID, other); err != nil {
			t.Fatalf("Vote(p2): %v", err)
		}
	}

	got, err := f.store.GetGame(ctx, game.ID)
	if err != nil {
		t.Fatalf("GetGame: %v", err)
	}
	if got.Status != models.GameStatusFinished {
		t.Fatalf("status = %s, want FINISHED at target score", got.Status)
	}
	if _, err := f.app.StartRound(ctx, game.ID, host.ID); !errors.Is(err, gameerr.ErrGameFinished) {
		t.Fatalf("expected ErrGameFinished, got %v", err)
	}
}

func TestPauseResumeHostOnly(t *testing.T) {
	f := newFixture(t)
	game, players := f.seatGame(t, "p1", "p2", "p3")
	ctx := context.Background()

	if _, err := f.app.StartRound(ctx, game.ID, players[0].ID); err != nil {
		t.Fatalf("StartRound: %v", err)
	}
	if _, err := f.app.PauseGame(ctx, game.ID, players[1].ID); !errors.Is(err, gameerr.ErrNotHost) {
		t.Fatalf("expected ErrNotHost, got %v", err)
	}

	state, err := f.app.PauseGame(ctx, game.ID, players[0].ID)
	if err != nil {
		t.Fatalf("PauseGame: %v", err)
	}
	if !state.IsPaused {
		t.Fatal("timer should be paused")
	}
	state, err = f.app.ResumeGame(ctx, game.ID, players[0].ID)
	if err != nil {
		t.Fatalf("ResumeGame: %v", err)
	}
	if state.IsPaused {
		t.Fatal("timer should be running again")
	}
}

func TestResetGameReturnsToLobby(t *testing.T) {
	f := newFixture(t)
	game, players := f.seatGame(t, "p1", "p2", "p3")
	ctx := context.Background()

	if _, err := f.app.StartRound(ctx, game.ID, players[0].ID); err != nil {
		t.Fatalf("StartRound: %v", err)
	}
	if err := f.app.ResetGame(ctx, game.ID, players[0].ID); err != nil {
		t.Fatalf("ResetGame: %v", err)
	}
	if got := f.phase(t, game.ID); got != models.PhaseLobby {
		t.Fatalf("phase = %s, want LOBBY", got)
	}
	cards, err := f.store.ListCardsByRound(ctx, game.ID, 1)
	if err != nil {
		t.Fatalf("ListCardsByRound: %v", err)
	}
	if len(cards) != 0 {
		t.Fatalf("cards = %d after reset, want 0", len(cards))
	}
}

func TestKickPlayer(t *testing.T) {
	f := newFixture(t)
	game, players := f.seatGame(t, "p1", "p2", "p3")
	ctx := context.Background()

	if err := f.app.KickPlayer(ctx, game.ID, players[1].ID, players[2].ID); !errors.Is(err, gameerr.ErrNotHost) {
		t.Fatalf("expected ErrNotHost, got %v", err)
	}
	if err := f.app.KickPlayer(ctx, game.ID, players[0].ID, players[0].ID); gameerr.KindOf(err) != gameerr.KindValidation {
		t.Fatalf("expected self-kick rejection, got %v", err)
	}
	if err := f.app.KickPlayer(ctx, game.ID, players[0].ID, players[2].ID); err != nil {
		t.Fatalf("KickPlayer: %v", err)
	}
	if _, err := f.store.GetPlayer(ctx, players[2].ID); !errors.Is(err, gameerr.ErrPlayerNotFound) {
		t.Fatalf("expected removed player, got %v", err)
	}
}

func TestSnapshotIncludesTimer(t *testing.T) {
	f := newFixture(t)
	game, players := f.seatGame(t, "p1", "p2", "p3")
	ctx := context.Background()

	if _, err := f.app.StartRound(ctx, game.ID, players[0].ID); err != nil {
		t.Fatalf("StartRound: %v", err)
	}
	snap, err := f.app.Snapshot(ctx, game.ID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap.Players) != 3 {
		t.Fatalf("players = %d, want 3", len(snap.Players))
	}
	if snap.Timer == nil || snap.Timer.DurationSec != 90 {
		t.Fatalf("snapshot timer = %+v, want 90s submission timer", snap.Timer)
	}
}

// waitForPhase polls until the expiry pipeline lands the game in the
// wanted phase; the work happens on background workers.
func waitForPhase(t *testing.T, f *fixture, gameID uuid.UUID, want models.Phase) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		game, err := f.store.GetGame(context.Background(), gameID)
		if err != nil {
			t.Fatalf("GetGame: %v", err)
		}
		if game.Phase == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("phase never reached %s", want)
}
