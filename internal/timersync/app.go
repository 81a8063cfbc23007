// Package timersync owns the phase-scoped countdowns. Each game holds at
// most one active timer, anchored to the authoritative clock; clients only
// ever derive remaining time from the anchor. Expiry fires server-side
// auto-actions and feeds a phase-advance intent back to the orchestrator,
// and duplicate expiry signals are absorbed by the phase CAS downstream.
package timersync

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/partydeck/server/internal/events"
	"github.com/partydeck/server/internal/gameerr"
	"github.com/partydeck/server/internal/models"
)

// resyncInterval is how often active timers re-broadcast their anchor so
// drifting clients can correct.
const resyncInterval = 10 * time.Second

// Store defines what the synchronizer needs from the record store.
type Store interface {
	GetGame(ctx context.Context, id uuid.UUID) (*models.Game, error)
	UpsertTimer(ctx context.Context, t *models.TimerState) error
	GetTimer(ctx context.Context, gameID uuid.UUID) (*models.TimerState, error)
	DeactivateTimer(ctx context.Context, gameID uuid.UUID) error
}

// ExpiryHandler receives the expiry intent for a timed phase. The handler
// performs auto-actions and advances the phase; it must be idempotent.
type ExpiryHandler interface {
	HandleTimerExpiry(ctx context.Context, gameID uuid.UUID, phase models.Phase, round int)
}

// App is the timer synchronizer.
type App struct {
	store     Store
	publisher events.Publisher
	clock     clockwork.Clock
	handler   ExpiryHandler

	numWorkers int
	workCh     chan expiry

	// runCtx outlives any caller context: timers are armed from API
	// request handlers whose contexts die when the response is written,
	// while the countdown must keep running until expiry or cancel.
	runCtx    context.Context
	runCancel context.CancelFunc

	timersMu     sync.Mutex
	activeTimers map[uuid.UUID]clockwork.Timer
	resyncStops  map[uuid.UUID]context.CancelFunc

	inFlightMu sync.Mutex
	inFlight   map[uuid.UUID]bool
}

type expiry struct {
	gameID uuid.UUID
	phase  models.Phase
	round  int
}

// NewApp creates a synchronizer. SetExpiryHandler must be called before
// any timer is started.
func NewApp(st Store, publisher events.Publisher, clock clockwork.Clock) *App {
	runCtx, runCancel := context.WithCancel(context.Background())
	return &App{
		store:        st,
		publisher:    publisher,
		clock:        clock,
		numWorkers:   4,
		workCh:       make(chan expiry, 16),
		runCtx:       runCtx,
		runCancel:    runCancel,
		activeTimers: make(map[uuid.UUID]clockwork.Timer),
		resyncStops:  make(map[uuid.UUID]context.CancelFunc),
		inFlight:     make(map[uuid.UUID]bool),
	}
}

// SetExpiryHandler wires the orchestrator in after construction; the two
// depend on each other so one side has to connect late.
func (a *App) SetExpiryHandler(h ExpiryHandler) { a.handler = h }

// Run processes expiry work until ctx is cancelled.
func (a *App) Run(ctx context.Context) {
	log.Info().Int("workers", a.numWorkers).Msg("timer synchronizer started")

	var wg sync.WaitGroup
	for i := 0; i < a.numWorkers; i++ {
		wg.Add(1)
		go a.worker(ctx, &wg, i)
	}
	<-ctx.Done()
	a.runCancel() // tear down outstanding expiry goroutines and resync loops
	wg.Wait()
	log.Info().Msg("timer synchronizer stopped")
}

func (a *App) worker(ctx context.Context, wg *sync.WaitGroup, id int) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-a.workCh:
			if a.handler != nil {
				a.handler.HandleTimerExpiry(ctx, e.gameID, e.phase, e.round)
			}
			a.inFlightMu.Lock()
			delete(a.inFlight, e.gameID)
			a.inFlightMu.Unlock()
		}
	}
}

// Start anchors a countdown for a timed phase and schedules the one-shot
// expiry timer. Any previous timer for the game is replaced.
func (a *App) Start(ctx context.Context, gameID uuid.UUID, phase models.Phase, round, durationSec int) (*models.TimerState, error) {
	if !phase.Timed() {
		return nil, gameerr.Validation("phase %s has no timer", phase)
	}
	if durationSec <= 0 {
		return nil, gameerr.Validation("timer duration must be positive")
	}

	state := &models.TimerState{
		GameID:      gameID,
		Phase:       phase,
		RoundNumber: round,
		DurationSec: durationSec,
		StartedAt:   a.clock.Now(),
		IsActive:    true,
	}
	if err := a.store.UpsertTimer(ctx, state); err != nil {
		return nil, err
	}

	a.schedule(gameID, phase, round, time.Duration(durationSec)*time.Second)
	a.startResync(gameID)
	a.publishTimer(ctx, gameID, events.EventTimerStarted, state)

	log.Info().
		Str("game_id", gameID.String()).
		Str("phase", string(phase)).
		Int("round", round).
		Int("duration_sec", durationSec).
		Msg("timer started")
	return state, nil
}

// Pause snapshots the remaining seconds and stops the expiry timer.
func (a *App) Pause(ctx context.Context, gameID uuid.UUID) (*models.TimerState, error) {
	state, err := a.store.GetTimer(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if !state.IsActive || state.IsPaused {
		return nil, gameerr.State("no running timer to pause")
	}

	remaining := state.Remaining(a.clock.Now())
	state.IsPaused = true
	state.PausedRemainingSec = &remaining
	if err := a.store.UpsertTimer(ctx, state); err != nil {
		return nil, err
	}

	a.cancelTimer(gameID)
	a.stopResync(gameID)
	a.publishTimer(ctx, gameID, events.EventTimerPaused, state)
	return state, nil
}

// Resume rebases the anchor so remaining time picks up exactly where the
// pause snapshot left it.
func (a *App) Resume(ctx context.Context, gameID uuid.UUID) (*models.TimerState, error) {
	state, err := a.store.GetTimer(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if !state.IsActive || !state.IsPaused || state.PausedRemainingSec == nil {
		return nil, gameerr.State("no paused timer to resume")
	}

	remaining := *state.PausedRemainingSec
	elapsed := state.DurationSec - remaining
	state.StartedAt = a.clock.Now().Add(-time.Duration(elapsed) * time.Second)
	state.IsPaused = false
	state.PausedRemainingSec = nil
	if err := a.store.UpsertTimer(ctx, state); err != nil {
		return nil, err
	}

	a.schedule(gameID, state.Phase, state.RoundNumber, time.Duration(remaining)*time.Second)
	a.startResync(gameID)
	a.publishTimer(ctx, gameID, events.EventTimerResumed, state)
	return state, nil
}

// Cancel deactivates the timer when its phase completes normally.
func (a *App) Cancel(ctx context.Context, gameID uuid.UUID) error {
	a.cancelTimer(gameID)
	a.stopResync(gameID)
	return a.store.DeactivateTimer(ctx, gameID)
}

// State returns the current timer row.
func (a *App) State(ctx context.Context, gameID uuid.UUID) (*models.TimerState, error) {
	return a.store.GetTimer(ctx, gameID)
}

// schedule installs the one-shot expiry timer, replacing any existing one
// for the game. The goroutine rides on the run context, not the caller's,
// so the countdown survives the request that armed it.
func (a *App) schedule(gameID uuid.UUID, phase models.Phase, round int, wait time.Duration) {
	timer := a.clock.NewTimer(wait)
	a.replaceTimer(gameID, timer)

	go func() {
		select {
		case <-timer.Chan():
			a.removeTimer(gameID)
			a.enqueueExpiry(gameID, phase, round)
		case <-a.runCtx.Done():
			stopAndDrainTimer(timer)
			a.removeTimer(gameID)
		}
	}()
}

func (a *App) enqueueExpiry(gameID uuid.UUID, phase models.Phase, round int) {
	a.inFlightMu.Lock()
	if a.inFlight[gameID] {
		a.inFlightMu.Unlock()
		log.Debug().Str("game_id", gameID.String()).Msg("expiry already in flight, skipping")
		return
	}
	a.inFlight[gameID] = true
	a.inFlightMu.Unlock()

	select {
	case a.workCh <- expiry{gameID: gameID, phase: phase, round: round}:
		log.Info().
			Str("game_id", gameID.String()).
			Str("phase", string(phase)).
			Int("round", round).
			Msg("timer expired, queued for processing")
	default:
		a.inFlightMu.Lock()
		delete(a.inFlight, gameID)
		a.inFlightMu.Unlock()
		log.Warn().Str("game_id", gameID.String()).Msg("expiry work channel full, dropping")
	}
}

// replaceTimer atomically swaps in a new timer, cancelling any existing
// one so a stale expiry can never fire after a restart or resume.
func (a *App) replaceTimer(gameID uuid.UUID, newTimer clockwork.Timer) {
	a.timersMu.Lock()
	defer a.timersMu.Unlock()
	if existing, ok := a.activeTimers[gameID]; ok {
		stopAndDrainTimer(existing)
	}
	a.activeTimers[gameID] = newTimer
}

func (a *App) cancelTimer(gameID uuid.UUID) {
	a.timersMu.Lock()
	defer a.timersMu.Unlock()
	if timer, ok := a.activeTimers[gameID]; ok {
		stopAndDrainTimer(timer)
		delete(a.activeTimers, gameID)
	}
}

func (a *App) removeTimer(gameID uuid.UUID) {
	a.timersMu.Lock()
	defer a.timersMu.Unlock()
	delete(a.activeTimers, gameID)
}

// stopAndDrainTimer stops a timer and drains its channel so the goroutine
// waiting on it cannot leak a stale fire.
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}

// startResync broadcasts the timer anchor periodically while it runs so
// clients with drifting clocks re-derive remaining time. Like schedule,
// the loop is scoped to the run context.
func (a *App) startResync(gameID uuid.UUID) {
	a.stopResync(gameID)

	resyncCtx, cancel := context.WithCancel(a.runCtx)
	a.timersMu.Lock()
	a.resyncStops[gameID] = cancel
	a.timersMu.Unlock()

	go func() {
		ticker := a.clock.NewTicker(resyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-resyncCtx.Done():
				return
			case <-ticker.Chan():
				state, err := a.store.GetTimer(resyncCtx, gameID)
				if err != nil || !state.IsActive || state.IsPaused {
					continue
				}
				a.publishTimer(resyncCtx, gameID, events.EventTimerResync, state)
			}
		}
	}()
}

func (a *App) stopResync(gameID uuid.UUID) {
	a.timersMu.Lock()
	defer a.timersMu.Unlock()
	if cancel, ok := a.resyncStops[gameID]; ok {
		cancel()
		delete(a.resyncStops, gameID)
	}
}

func (a *App) publishTimer(ctx context.Context, gameID uuid.UUID, eventType events.EventType, state *models.TimerState) {
	now := a.clock.Now()
	if err := a.publisher.Publish(ctx, gameID, eventType, events.TimerPayload{
		Phase:        string(state.Phase),
		Round:        state.RoundNumber,
		DurationSec:  state.DurationSec,
		StartedAt:    state.StartedAt,
		RemainingSec: state.Remaining(now),
		ServerNow:    now,
		IsPaused:     state.IsPaused,
	}); err != nil {
		log.Error().Err(err).Str("game_id", gameID.String()).Msg("failed to publish timer event")
	}
}
