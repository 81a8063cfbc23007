package round

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/partydeck/server/internal/content"
	"github.com/partydeck/server/internal/events"
	"github.com/partydeck/server/internal/gameerr"
	"github.com/partydeck/server/internal/models"
	"github.com/partydeck/server/internal/store"
)

type fixture struct {
	app   *App
	store *store.Memory
	game  *models.Game
	host  *models.Player
	peers []*models.Player
}

func newFixture(t *testing.T, playerCount int) *fixture {
	t.Helper()
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	mem := store.NewMemory(clock)
	bus := events.NewBus(clock)
	app := NewApp(mem, content.NewStaticSource(1), bus, clock)

	game := &models.Game{
		ID:           uuid.New(),
		RoomCode:     "ROUNDS",
		Phase:        models.PhaseLobby,
		Status:       models.GameStatusActive,
		CurrentRound: 1,
		Settings:     models.GameSettings{TargetScore: 3, MinPlayers: 3, MaxPlayers: 8, CardsPerPlayer: 3},
	}
	if err := mem.CreateGame(ctx, game); err != nil {
		t.Fatalf("CreateGame: %v", err)
	}

	f := &fixture{app: app, store: mem, game: game}
	names := []string{"host", "bea", "carl", "dina", "edgar", "fia", "gus", "hana"}
	for i := 0; i < playerCount; i++ {
		p := &models.Player{ID: uuid.New(), GameID: game.ID, Name: names[i], IsConnected: true}
		if err := mem.CreatePlayer(ctx, p); err != nil {
			t.Fatalf("CreatePlayer: %v", err)
		}
		if i == 0 {
			f.host = p
		} else {
			f.peers = append(f.peers, p)
		}
	}
	game, err := mem.UpdateGame(ctx, game.ID, func(g *models.Game) error {
		id := f.host.ID
		g.HostID = &id
		return nil
	})
	if err != nil {
		t.Fatalf("set host: %v", err)
	}
	f.game = game
	return f
}

func TestStartRoundDealsDisjointHands(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()

	game, err := f.app.StartRound(ctx, f.game.ID, f.host.ID)
	if err != nil {
		t.Fatalf("StartRound: %v", err)
	}
	if game.Phase != models.PhaseSubmission {
		t.Fatalf("phase = %s, want SUBMISSION", game.Phase)
	}

	cards, err := f.store.ListCardsByRound(ctx, f.game.ID, 1)
	if err != nil {
		t.Fatalf("ListCardsByRound: %v", err)
	}
	prompts := 0
	owners := make(map[uuid.UUID]int)
	seen := make(map[uuid.UUID]bool)
	for _, c := range cards {
		if seen[c.ID] {
			t.Fatalf("card %s dealt twice", c.ID)
		}
		seen[c.ID] = true
		switch c.Type {
		case models.CardTypePrompt:
			prompts++
		case models.CardTypeResponse:
			owners[*c.OwnerPlayerID]++
		}
	}
	if prompts != 1 {
		t.Fatalf("prompts = %d, want 1", prompts)
	}
	if len(owners) != 4 {
		t.Fatalf("hands dealt to %d players, want 4", len(owners))
	}
	for owner, n := range owners {
		if n != 3 {
			t.Fatalf("player %s holds %d cards, want 3", owner, n)
		}
	}
}

func TestStartRoundRequiresHost(t *testing.T) {
	f := newFixture(t, 4)
	if _, err := f.app.StartRound(context.Background(), f.game.ID, f.peers[0].ID); !errors.Is(err, gameerr.ErrNotHost) {
		t.Fatalf("expected ErrNotHost, got %v", err)
	}
}

func TestStartRoundRequiresMinPlayers(t *testing.T) {
	f := newFixture(t, 2)
	if _, err := f.app.StartRound(context.Background(), f.game.ID, f.host.ID); !errors.Is(err, gameerr.ErrTooFewPlayers) {
		t.Fatalf("expected ErrTooFewPlayers, got %v", err)
	}
}

func TestStartRoundRejectsWrongPhase(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()
	if _, err := f.app.StartRound(ctx, f.game.ID, f.host.ID); err != nil {
		t.Fatalf("StartRound: %v", err)
	}
	// Game now sits in Submission; a second start must be rejected.
	if _, err := f.app.StartRound(ctx, f.game.ID, f.host.ID); !errors.Is(err, gameerr.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestStartRoundFromResultsIncrementsRound(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()
	if _, err := f.app.StartRound(ctx, f.game.ID, f.host.ID); err != nil {
		t.Fatalf("StartRound: %v", err)
	}
	if _, err := f.app.AdvancePhase(ctx, f.game.ID, models.PhaseVoting, TriggerCompletion); err != nil {
		t.Fatalf("advance to voting: %v", err)
	}
	if _, err := f.app.AdvancePhase(ctx, f.game.ID, models.PhaseResults, TriggerCompletion); err != nil {
		t.Fatalf("advance to results: %v", err)
	}

	game, err := f.app.StartRound(ctx, f.game.ID, f.host.ID)
	if err != nil {
		t.Fatalf("StartRound from results: %v", err)
	}
	if game.CurrentRound != 2 {
		t.Fatalf("round = %d, want 2", game.CurrentRound)
	}
}

func TestAdvancePhaseRejectsIllegalEdges(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()

	// Lobby -> Voting is not in the table.
	if _, err := f.app.AdvancePhase(ctx, f.game.ID, models.PhaseVoting, TriggerHost); !errors.Is(err, gameerr.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestAdvancePhaseCASLoserGetsConflict(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()
	if _, err := f.app.StartRound(ctx, f.game.ID, f.host.ID); err != nil {
		t.Fatalf("StartRound: %v", err)
	}

	if _, err := f.app.AdvancePhase(ctx, f.game.ID, models.PhaseVoting, TriggerCompletion); err != nil {
		t.Fatalf("first advance: %v", err)
	}
	// The same trigger firing again must observe the conflict, not
	// double-advance.
	_, err := f.app.AdvancePhase(ctx, f.game.ID, models.PhaseVoting, TriggerTimer)
	if !errors.Is(err, gameerr.ErrInvalidTransition) && !errors.Is(err, gameerr.ErrPhaseConflict) {
		t.Fatalf("expected transition rejection, got %v", err)
	}
	game, err := f.store.GetGame(ctx, f.game.ID)
	if err != nil {
		t.Fatalf("GetGame: %v", err)
	}
	if game.Phase != models.PhaseVoting {
		t.Fatalf("phase = %s, want VOTING", game.Phase)
	}
}

func TestStartRoundOnFinishedGame(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()
	if _, err := f.store.UpdateGame(ctx, f.game.ID, func(g *models.Game) error {
		g.Status = models.GameStatusFinished
		return nil
	}); err != nil {
		t.Fatalf("finish game: %v", err)
	}
	if _, err := f.app.StartRound(ctx, f.game.ID, f.host.ID); !errors.Is(err, gameerr.ErrGameFinished) {
		t.Fatalf("expected ErrGameFinished, got %v", err)
	}
}
