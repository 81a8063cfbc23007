package timersync

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

type recordingHandler struct {
	mu    sync.Mutex
	calls []expiry
	fired chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{fired: make(chan struct{}, 16)}
}

func (h *recordingHandler) HandleTimerExpiry(ctx context.Context, gameID uuid.UUID, phase models.Phase, round int) {
	h.mu.Lock()
	h.calls = append(h.calls, expiry{gameID: gameID, phase: phase, round: round})
	h.mu.Unlock()
	h.fired <- struct{}{}
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

type fixture struct {
	app     *App
	store   *store.Memory
	clock   *clockwork.FakeClock
	handler *recordingHandler
	game    *models.Game
	cancel  context.CancelFunc
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	clock := clockwork.NewFakeClock()
	mem := store.NewMemory(clock)
	app := NewApp(mem, events.NewBus(clock), clock)
	handler := newRecordingHandler()
	app.SetExpiryHandler(handler)

	game := &models.Game{
		ID:           uuid.New(),
		RoomCode:     "TIMERS",
		Phase:        models.PhaseSubmission,
		Status:       models.GameStatusActive,
		CurrentRound: 1,
	}
	if err := mem.CreateGame(ctx, game); err != nil {
		t.Fatalf("CreateGame: %v", err)
	}

	go app.Run(ctx)
	t.Cleanup(cancel)
	return &fixture{app: app, store: mem, clock: clock, handler: handler, game: game, cancel: cancel}
}

func waitForExpiry(t *testing.T, h *recordingHandler) {
	t.Helper()
	select {
	case <-h.fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer expiry never reached the handler")
	}
}

func TestStartRejectsUntimedPhase(t *testing.T) {
	f := newFixture(t)
	if _, err := f.app.Start(context.Background(), f.game.ID, models.PhaseLobby, 1, 30); gameerr.KindOf(err) != gameerr.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestTimerExpiryReachesHandler(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.app.Start(ctx, f.game.ID, models.PhaseSubmission, 1, 90); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.clock.Advance(90 * time.Second)
	waitForExpiry(t, f.handler)

	f.handler.mu.Lock()
	call := f.handler.calls[0]
	f.handler.mu.Unlock()
	if call.gameID != f.game.ID || call.phase != models.PhaseSubmission || call.round != 1 {
		t.Fatalf("handler call = %+v", call)
	}
}

func TestTimerSurvivesCallerContextCancel(t *testing.T) {
	f := newFixture(t)

	// Timers are armed from request handlers whose contexts are cancelled
	// as soon as the response goes out; the countdown must not die with
	// them.
	reqCtx, cancelReq := context.WithCancel(context.Background())
	if _, err := f.app.Start(reqCtx, f.game.ID, models.PhaseSubmission, 1, 90); err != nil {
		t.Fatalf("Start: %v", err)
	}
	cancelReq()

	f.clock.Advance(91 * time.Second)
	waitForExpiry(t, f.handler)

	f.handler.mu.Lock()
	defer f.handler.mu.Unlock()
	if f.handler.calls[0].phase != models.PhaseSubmission {
		t.Fatalf("fired phase = %s, want SUBMISSION", f.handler.calls[0].phase)
	}
}

func TestRemainingCountsDown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	state, err := f.app.Start(ctx, f.game.ID, models.PhaseSubmission, 1, 90)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := state.Remaining(f.clock.Now()); got != 90 {
		t.Fatalf("remaining = %d, want 90", got)
	}
	f.clock.Advance(30 * time.Second)
	state, err = f.app.State(ctx, f.game.ID)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if got := state.Remaining(f.clock.Now()); got != 60 {
		t.Fatalf("remaining = %d, want 60", got)
	}
}

func TestPauseFreezesRemaining(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.app.Start(ctx, f.game.ID, models.PhaseSubmission, 1, 90); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.clock.Advance(30 * time.Second)

	state, err := f.app.Pause(ctx, f.game.ID)
	if err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if !state.IsPaused || state.PausedRemainingSec == nil || *state.PausedRemainingSec != 60 {
		t.Fatalf("paused state = %+v, want 60s snapshot", state)
	}

	// Wall time passing while paused must not drain the countdown or fire
	// the expiry.
	f.clock.Advance(10 * time.Minute)
	state, err = f.app.State(ctx, f.game.ID)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if got := state.Remaining(f.clock.Now()); got != 60 {
		t.Fatalf("remaining while paused = %d, want 60", got)
	}
	if f.handler.count() != 0 {
		t.Fatal("paused timer must not expire")
	}
}

func TestResumeContinuesFromSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.app.Start(ctx, f.game.ID, models.PhaseSubmission, 1, 90); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.clock.Advance(30 * time.Second)
	if _, err := f.app.Pause(ctx, f.game.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	f.clock.Advance(5 * time.Minute)

	state, err := f.app.Resume(ctx, f.game.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if got := state.Remaining(f.clock.Now()); got != 60 {
		t.Fatalf("remaining after resume = %d, want 60", got)
	}

	f.clock.Advance(60 * time.Second)
	waitForExpiry(t, f.handler)
}

func TestPauseWithoutRunningTimer(t *testing.T) {
	f := newFixture(t)
	if _, err := f.app.Pause(context.Background(), f.game.ID); !errors.Is(err, gameerr.ErrTimerNotFound) && gameerr.KindOf(err) != gameerr.KindGameState {
		t.Fatalf("expected missing-timer rejection, got %v", err)
	}
}

func TestCancelStopsExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.app.Start(ctx, f.game.ID, models.PhaseSubmission, 1, 30); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := f.app.Cancel(ctx, f.game.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	f.clock.Advance(time.Minute)

	select {
	case <-f.handler.fired:
		t.Fatal("cancelled timer must not expire")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRestartReplacesTimer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.app.Start(ctx, f.game.ID, models.PhaseSubmission, 1, 30); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Restarting for the next phase replaces the countdown; only the new
	// one may fire.
	if _, err := f.app.Start(ctx, f.game.ID, models.PhaseVoting, 1, 60); err != nil {
		t.Fatalf("restart: %v", err)
	}

	f.clock.Advance(60 * time.Second)
	waitForExpiry(t, f.handler)

	f.handler.mu.Lock()
	defer f.handler.mu.Unlock()
	if len(f.handler.calls) != 1 {
		t.Fatalf("handler calls = %d, want 1", len(f.handler.calls))
	}
	if f.handler.calls[0].phase != models.PhaseVoting {
		t.Fatalf("fired phase = %s, want VOTING", f.handler.calls[0].phase)
	}
}
