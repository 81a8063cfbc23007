package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/partydeck/server/internal/events"
	"github.com/partydeck/server/internal/gameerr"
	"github.com/partydeck/server/internal/models"
	"github.com/partydeck/server/internal/store"
)

type fakeResetter struct {
	mu    sync.Mutex
	calls []uuid.UUID
}

func (r *fakeResetter) ResetGame(ctx context.Context, gameID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, gameID)
	return nil
}

func (r *fakeResetter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type fakeMissed struct {
	mu      sync.Mutex
	submits []uuid.UUID
	votes   []uuid.UUID
	syncs   int
}

func (m *fakeMissed) AutoSubmit(ctx context.Context, gameID, playerID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submits = append(m.submits, playerID)
	return nil
}

func (m *fakeMissed) AutoVote(ctx context.Context, gameID, voterID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.votes = append(m.votes, voterID)
	return nil
}

func (m *fakeMissed) SyncCompletion(ctx context.Context, gameID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncs++
	return nil
}

func (m *fakeMissed) syncCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.syncs
}

type fixture struct {
	app      *App
	store    *store.Memory
	clock    *clockwork.FakeClock
	resetter *fakeResetter
	missed   *fakeMissed
	game     *models.Game
	players  []*models.Player
}

func newFixture(t *testing.T, playerCount int) *fixture {
	t.Helper()
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	mem := store.NewMemory(clock)
	resetter := &fakeResetter{}
	missed := &fakeMissed{}
	app := NewApp(mem, events.NewBus(clock), clock, resetter, missed)

	game := &models.Game{
		ID:           uuid.New(),
		RoomCode:     "PRESNC",
		Phase:        models.PhaseLobby,
		Status:       models.GameStatusActive,
		CurrentRound: 1,
		Settings:     models.GameSettings{MinPlayers: 2, MaxPlayers: 8},
	}
	if err := mem.CreateGame(ctx, game); err != nil {
		t.Fatalf("CreateGame: %v", err)
	}

	f := &fixture{app: app, store: mem, clock: clock, resetter: resetter, missed: missed, game: game}
	names := []string{"ana", "ben", "cara", "dre"}
	for i := 0; i < playerCount; i++ {
		p := &models.Player{ID: uuid.New(), GameID: game.ID, Name: names[i], IsConnected: true}
		if err := mem.CreatePlayer(ctx, p); err != nil {
			t.Fatalf("CreatePlayer: %v", err)
		}
		f.players = append(f.players, p)
		clock.Advance(time.Second) // distinct join times for host ordering
	}
	game, err := mem.UpdateGame(ctx, game.ID, func(g *models.Game) error {
		id := f.players[0].ID
		g.HostID = &id
		return nil
	})
	if err != nil {
		t.Fatalf("set host: %v", err)
	}
	f.game = game
	return f
}

func (f *fixture) hostID(t *testing.T) uuid.UUID {
	t.Helper()
	game, err := f.store.GetGame(context.Background(), f.game.ID)
	if err != nil {
		t.Fatalf("GetGame: %v", err)
	}
	if game.HostID == nil {
		t.Fatal("game has no host")
	}
	return *game.HostID
}

func TestHostMigratesToEarliestJoinedOnDisconnect(t *testing.T) {
	f := newFixture(t, 3)
	if err := f.app.Disconnect(context.Background(), f.players[0].ID); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if got := f.hostID(t); got != f.players[1].ID {
		t.Fatalf("host = %s, want ben (earliest joined connected)", got)
	}
}

func TestHostMigratesOnLeave(t *testing.T) {
	f := newFixture(t, 3)
	if err := f.app.Leave(context.Background(), f.players[0].ID); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if got := f.hostID(t); got != f.players[1].ID {
		t.Fatalf("host = %s, want ben", got)
	}
	if _, err := f.store.GetPlayer(context.Background(), f.players[0].ID); !errors.Is(err, gameerr.ErrPlayerNotFound) {
		t.Fatalf("expected removed player, got %v", err)
	}
}

func TestNonHostDisconnectKeepsHost(t *testing.T) {
	f := newFixture(t, 3)
	if err := f.app.Disconnect(context.Background(), f.players[2].ID); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if got := f.hostID(t); got != f.players[0].ID {
		t.Fatalf("host = %s, want ana unchanged", got)
	}
}

func TestAllDisconnectedResetsGame(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	if err := f.app.Disconnect(ctx, f.players[1].ID); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := f.app.Disconnect(ctx, f.players[0].ID); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if f.resetter.count() != 1 {
		t.Fatalf("resets = %d, want 1", f.resetter.count())
	}
}

func TestReconnectIntoHostlessGameClaimsSeat(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	if err := f.app.Disconnect(ctx, f.players[1].ID); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := f.app.Disconnect(ctx, f.players[0].ID); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	if err := f.app.Connect(ctx, f.players[1].ID); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := f.hostID(t); got != f.players[1].ID {
		t.Fatalf("host = %s, want the reconnected player", got)
	}
}

func TestDisconnectDuringSubmissionRecordsMissedAction(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	if _, err := f.store.UpdateGame(ctx, f.game.ID, func(g *models.Game) error {
		g.Phase = models.PhaseSubmission
		return nil
	}); err != nil {
		t.Fatalf("set phase: %v", err)
	}

	if err := f.app.Disconnect(ctx, f.players[2].ID); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	f.missed.mu.Lock()
	defer f.missed.mu.Unlock()
	if len(f.missed.submits) != 1 || f.missed.submits[0] != f.players[2].ID {
		t.Fatalf("missed submits = %v, want cara", f.missed.submits)
	}
}

func TestKickDuringSubmissionRecordsNoPlaceholder(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	if _, err := f.store.UpdateGame(ctx, f.game.ID, func(g *models.Game) error {
		g.Phase = models.PhaseSubmission
		return nil
	}); err != nil {
		t.Fatalf("set phase: %v", err)
	}

	// A removed player's row is gone; a placeholder submission would be
	// owned by nobody. They leave the denominator instead, and completion
	// is re-checked.
	if err := f.app.Kick(ctx, f.players[2].ID); err != nil {
		t.Fatalf("Kick: %v", err)
	}
	f.missed.mu.Lock()
	submits := len(f.missed.submits)
	f.missed.mu.Unlock()
	if submits != 0 {
		t.Fatalf("missed submits = %d, want 0 for a removed player", submits)
	}
	if f.missed.syncCount() != 1 {
		t.Fatalf("completion re-checks = %d, want 1", f.missed.syncCount())
	}
}

func TestHostDisconnectDuringSubmissionRecordsPlaceholder(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	if _, err := f.store.UpdateGame(ctx, f.game.ID, func(g *models.Game) error {
		g.Phase = models.PhaseSubmission
		return nil
	}); err != nil {
		t.Fatalf("set phase: %v", err)
	}

	// Host migration must not swallow the departed host's missed entry.
	if err := f.app.Disconnect(ctx, f.players[0].ID); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if got := f.hostID(t); got != f.players[1].ID {
		t.Fatalf("host = %s, want ben", got)
	}
	f.missed.mu.Lock()
	defer f.missed.mu.Unlock()
	if len(f.missed.submits) != 1 || f.missed.submits[0] != f.players[0].ID {
		t.Fatalf("missed submits = %v, want the departed host", f.missed.submits)
	}
}

func TestTransferHostValidation(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	if _, err := f.store.UpdatePlayerConnection(ctx, f.players[2].ID, false); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if err := f.app.TransferHost(ctx, f.game.ID, f.players[2].ID); gameerr.KindOf(err) != gameerr.KindGameState {
		t.Fatalf("expected rejection for disconnected target, got %v", err)
	}

	if err := f.app.TransferHost(ctx, f.game.ID, f.players[1].ID); err != nil {
		t.Fatalf("TransferHost: %v", err)
	}
	if got := f.hostID(t); got != f.players[1].ID {
		t.Fatalf("host = %s, want ben", got)
	}
}

func TestSweepMarksStalePlayersDisconnected(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	// ana and ben keep heartbeating, cara goes silent.
	f.clock.Advance(2*HeartbeatInterval + time.Second)
	if err := f.app.Heartbeat(ctx, f.players[0].ID); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if err := f.app.Heartbeat(ctx, f.players[1].ID); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	f.app.sweep(ctx)

	cara, err := f.store.GetPlayer(ctx, f.players[2].ID)
	if err != nil {
		t.Fatalf("GetPlayer: %v", err)
	}
	if cara.IsConnected {
		t.Fatal("stale player should be marked disconnected")
	}
	ana, err := f.store.GetPlayer(ctx, f.players[0].ID)
	if err != nil {
		t.Fatalf("GetPlayer: %v", err)
	}
	if !ana.IsConnected {
		t.Fatal("heartbeating player must stay connected")
	}
}

func TestSweepRemovesPlayersPastGraceWindow(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	if err := f.app.Disconnect(ctx, f.players[2].ID); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	f.clock.Advance(GraceWindow + time.Second)
	// Keep the others fresh so only cara is swept.
	f.app.Heartbeat(ctx, f.players[0].ID)
	f.app.Heartbeat(ctx, f.players[1].ID)

	f.app.sweep(ctx)

	if _, err := f.store.GetPlayer(ctx, f.players[2].ID); !errors.Is(err, gameerr.ErrPlayerNotFound) {
		t.Fatalf("expected removal past grace window, got %v", err)
	}
	players, err := f.store.ListPlayersByGame(ctx, f.game.ID)
	if err != nil {
		t.Fatalf("ListPlayersByGame: %v", err)
	}
	if len(players) != 2 {
		t.Fatalf("players = %d, want 2", len(players))
	}
}
