package store

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/partydeck/server/internal/gameerr"
	"github.com/partydeck/server/internal/models"
)

const subscriberBuffer = 256

// Memory is an in-process record store. A single lock serializes all
// mutations; change events fan out to per-game subscribers after the lock
// is released.
type Memory struct {
	mu          sync.RWMutex
	games       map[uuid.UUID]*models.Game
	roomCodes   map[string]uuid.UUID
	players     map[uuid.UUID]*models.Player
	cards       map[uuid.UUID]*models.Card
	submissions map[uuid.UUID]*models.Submission
	votes       map[uuid.UUID]*models.Vote
	timers      map[uuid.UUID]*models.TimerState

	subMu  sync.Mutex
	subs   map[uuid.UUID]map[int]chan ChangeEvent
	nextID int

	clock clockwork.Clock
}

// NewMemory creates an empty in-memory store.
func NewMemory(clock clockwork.Clock) *Memory {
	return &Memory{
		games:       make(map[uuid.UUID]*models.Game),
		roomCodes:   make(map[string]uuid.UUID),
		players:     make(map[uuid.UUID]*models.Player),
		cards:       make(map[uuid.UUID]*models.Card),
		submissions: make(map[uuid.UUID]*models.Submission),
		votes:       make(map[uuid.UUID]*models.Vote),
		timers:      make(map[uuid.UUID]*models.TimerState),
		subs:        make(map[uuid.UUID]map[int]chan ChangeEvent),
		clock:       clock,
	}
}

// Subscribe returns a change-event stream for one game. The returned cancel
// func releases the subscription. Delivery is at-least-once while the
// buffer keeps up; slow subscribers lose events and must refetch.
func (m *Memory) Subscribe(ctx context.Context, gameID uuid.UUID) (<-chan ChangeEvent, func()) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	id := m.nextID
	m.nextID++
	ch := make(chan ChangeEvent, subscriberBuffer)
	if m.subs[gameID] == nil {
		m.subs[gameID] = make(map[int]chan ChangeEvent)
	}
	m.subs[gameID][id] = ch

	cancel := func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		if set, ok := m.subs[gameID]; ok {
			if _, ok := set[id]; ok {
				delete(set, id)
				close(ch)
				if len(set) == 0 {
					delete(m.subs, gameID)
				}
			}
		}
	}
	return ch, cancel
}

func (m *Memory) notify(table Table, op Op, gameID, recordID uuid.UUID) {
	event := ChangeEvent{Table: table, Op: op, GameID: gameID, RecordID: recordID, At: m.clock.Now()}

	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs[gameID] {
		select {
		case ch <- event:
		default:
			log.Warn().
				Str("game_id", gameID.String()).
				Str("table", string(table)).
				Msg("subscriber buffer full, dropping change event")
		}
	}
}

// ---- games ----

func (m *Memory) CreateGame(ctx context.Context, game *models.Game) error {
	m.mu.Lock()
	if _, exists := m.roomCodes[game.RoomCode]; exists {
		m.mu.Unlock()
		return gameerr.ErrRoomCodeTaken
	}
	g := *game
	g.Version = 1
	g.CreatedAt = m.clock.Now()
	g.UpdatedAt = g.CreatedAt
	m.games[g.ID] = &g
	m.roomCodes[g.RoomCode] = g.ID
	m.mu.Unlock()

	*game = g
	m.notify(TableGames, OpInsert, g.ID, g.ID)
	return nil
}

func (m *Memory) GetGame(ctx context.Context, id uuid.UUID) (*models.Game, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.games[id]
	if !ok {
		return nil, gameerr.ErrGameNotFound
	}
	cp := *g
	return &cp, nil
}

// ListActiveGameIDs feeds the presence sweeper.
func (m *Memory) ListActiveGameIDs(ctx context.Context) ([]uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []uuid.UUID
	for id, g := range m.games {
		if g.Status == models.GameStatusActive {
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *Memory) GetGameByRoomCode(ctx context.Context, code string) (*models.Game, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.roomCodes[code]
	if !ok {
		return nil, gameerr.ErrGameNotFound
	}
	cp := *m.games[id]
	return &cp, nil
}

// UpdateGamePhaseCAS advances the phase only when the stored phase still
// equals expected. The losing side of a race observes ErrPhaseConflict.
func (m *Memory) UpdateGamePhaseCAS(ctx context.Context, id uuid.UUID, expected, target models.Phase) (*models.Game, error) {
	m.mu.Lock()
	g, ok := m.games[id]
	if !ok {
		m.mu.Unlock()
		return nil, gameerr.ErrGameNotFound
	}
	if g.Phase != expected {
		m.mu.Unlock()
		return nil, gameerr.ErrPhaseConflict
	}
	g.Phase = target
	g.Version++
	g.UpdatedAt = m.clock.Now()
	cp := *g
	m.mu.Unlock()

	m.notify(TableGames, OpUpdate, id, id)
	return &cp, nil
}

// UpdateGame applies mutate to the game row under the store lock.
func (m *Memory) UpdateGame(ctx context.Context, id uuid.UUID, mutate GameMutator) (*models.Game, error) {
	m.mu.Lock()
	g, ok := m.games[id]
	if !ok {
		m.mu.Unlock()
		return nil, gameerr.ErrGameNotFound
	}
	if err := mutate(g); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	g.Version++
	g.UpdatedAt = m.clock.Now()
	cp := *g
	m.mu.Unlock()

	m.notify(TableGames, OpUpdate, id, id)
	return &cp, nil
}

func (m *Memory) DeleteGame(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	g, ok := m.games[id]
	if !ok {
		m.mu.Unlock()
		return gameerr.ErrGameNotFound
	}
	delete(m.roomCodes, g.RoomCode)
	delete(m.games, id)
	for pid, p := range m.players {
		if p.GameID == id {
			delete(m.players, pid)
		}
	}
	m.deleteRoundScopedLocked(id)
	m.mu.Unlock()

	m.notify(TableGames, OpDelete, id, id)
	return nil
}

// ---- players ----

func (m *Memory) CreatePlayer(ctx context.Context, player *models.Player) error {
	m.mu.Lock()
	for _, p := range m.players {
		if p.GameID == player.GameID && p.Name == player.Name {
			m.mu.Unlock()
			return gameerr.Validation("name %q already taken in this game", player.Name)
		}
	}
	p := *player
	p.JoinedAt = m.clock.Now()
	p.LastSeenAt = p.JoinedAt
	m.players[p.ID] = &p
	m.mu.Unlock()

	*player = p
	m.notify(TablePlayers, OpInsert, p.GameID, p.ID)
	return nil
}

func (m *Memory) GetPlayer(ctx context.Context, id uuid.UUID) (*models.Player, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.players[id]
	if !ok {
		return nil, gameerr.ErrPlayerNotFound
	}
	cp := *p
	return &cp, nil
}

// ListPlayersByGame returns all players of a game ordered by join time.
func (m *Memory) ListPlayersByGame(ctx context.Context, gameID uuid.UUID) ([]models.Player, error) {
	m.mu.RLock()
	var out []models.Player
	for _, p := range m.players {
		if p.GameID == gameID {
			out = append(out, *p)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out, nil
}

func (m *Memory) UpdatePlayerConnection(ctx context.Context, id uuid.UUID, connected bool) (*models.Player, error) {
	m.mu.Lock()
	p, ok := m.players[id]
	if !ok {
		m.mu.Unlock()
		return nil, gameerr.ErrPlayerNotFound
	}
	p.IsConnected = connected
	p.LastSeenAt = m.clock.Now()
	cp := *p
	m.mu.Unlock()

	m.notify(TablePlayers, OpUpdate, cp.GameID, id)
	return &cp, nil
}

func (m *Memory) TouchPlayer(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	p, ok := m.players[id]
	if !ok {
		m.mu.Unlock()
		return gameerr.ErrPlayerNotFound
	}
	p.LastSeenAt = m.clock.Now()
	p.IsConnected = true
	m.mu.Unlock()
	return nil
}

func (m *Memory) IncrementPlayerScore(ctx context.Context, id uuid.UUID, delta int) (*models.Player, error) {
	if delta < 0 {
		return nil, gameerr.Validation("score delta must be non-negative")
	}
	m.mu.Lock()
	p, ok := m.players[id]
	if !ok {
		m.mu.Unlock()
		return nil, gameerr.ErrPlayerNotFound
	}
	p.Score += delta
	cp := *p
	m.mu.Unlock()

	m.notify(TablePlayers, OpUpdate, cp.GameID, id)
	return &cp, nil
}

func (m *Memory) ZeroScores(ctx context.Context, gameID uuid.UUID) error {
	m.mu.Lock()
	for _, p := range m.players {
		if p.GameID == gameID {
			p.Score = 0
		}
	}
	m.mu.Unlock()

	m.notify(TablePlayers, OpUpdate, gameID, gameID)
	return nil
}

func (m *Memory) RemovePlayer(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	p, ok := m.players[id]
	if !ok {
		m.mu.Unlock()
		return gameerr.ErrPlayerNotFound
	}
	gameID := p.GameID
	delete(m.players, id)
	m.mu.Unlock()

	m.notify(TablePlayers, OpDelete, gameID, id)
	return nil
}

// ---- cards ----

// CreateCardsBatch inserts a freshly generated round pool in one shot.
// Callers partition the pool before any player reads a hand.
func (m *Memory) CreateCardsBatch(ctx context.Context, cards []models.Card) error {
	if len(cards) == 0 {
		return nil
	}
	m.mu.Lock()
	for i := range cards {
		c := cards[i]
		m.cards[c.ID] = &c
	}
	m.mu.Unlock()

	m.notify(TableCards, OpInsert, cards[0].GameID, cards[0].ID)
	return nil
}

func (m *Memory) ListCardsByRound(ctx context.Context, gameID uuid.UUID, round int) ([]models.Card, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Card
	for _, c := range m.cards {
		if c.GameID == gameID && c.RoundNumber == round {
			out = append(out, *c)
		}
	}
	return out, nil
}

// ListPlayerHand returns the response cards owned by one player this round.
func (m *Memory) ListPlayerHand(ctx context.Context, gameID uuid.UUID, round int, playerID uuid.UUID) ([]models.Card, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Card
	for _, c := range m.cards {
		if c.GameID == gameID && c.RoundNumber == round &&
			c.Type == models.CardTypeResponse &&
			c.OwnerPlayerID != nil && *c.OwnerPlayerID == playerID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (m *Memory) GetPromptCard(ctx context.Context, gameID uuid.UUID, round int) (*models.Card, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.cards {
		if c.GameID == gameID && c.RoundNumber == round && c.Type == models.CardTypePrompt {
			cp := *c
			return &cp, nil
		}
	}
	return nil, gameerr.State("no prompt card for round %d", round)
}

// DeleteCardsByRound purges one round's cards so a failed distribution can
// re-deal from scratch.
func (m *Memory) DeleteCardsByRound(ctx context.Context, gameID uuid.UUID, round int) error {
	m.mu.Lock()
	for id, c := range m.cards {
		if c.GameID == gameID && c.RoundNumber == round {
			delete(m.cards, id)
		}
	}
	m.mu.Unlock()

	m.notify(TableCards, OpDelete, gameID, gameID)
	return nil
}

// ---- submissions ----

func (m *Memory) CreateSubmission(ctx context.Context, sub *models.Submission) error {
	m.mu.Lock()
	for _, s := range m.submissions {
		if s.GameID == sub.GameID && s.PlayerID == sub.PlayerID && s.RoundNumber == sub.RoundNumber {
			m.mu.Unlock()
			return gameerr.ErrAlreadySubmitted
		}
	}
	s := *sub
	s.SubmittedAt = m.clock.Now()
	m.submissions[s.ID] = &s
	m.mu.Unlock()

	*sub = s
	m.notify(TableSubmissions, OpInsert, s.GameID, s.ID)
	return nil
}

func (m *Memory) GetSubmission(ctx context.Context, id uuid.UUID) (*models.Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.submissions[id]
	if !ok {
		return nil, gameerr.State("submission %s not found", id)
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) ListSubmissionsByRound(ctx context.Context, gameID uuid.UUID, round int) ([]models.Submission, error) {
	m.mu.RLock()
	var out []models.Submission
	for _, s := range m.submissions {
		if s.GameID == gameID && s.RoundNumber == round {
			out = append(out, *s)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out, nil
}

// IncrementVoteCount bumps a submission's tally by exactly one.
func (m *Memory) IncrementVoteCount(ctx context.Context, id uuid.UUID) (*models.Submission, error) {
	m.mu.Lock()
	s, ok := m.submissions[id]
	if !ok {
		m.mu.Unlock()
		return nil, gameerr.State("submission %s not found", id)
	}
	s.VoteCount++
	cp := *s
	m.mu.Unlock()

	m.notify(TableSubmissions, OpUpdate, cp.GameID, id)
	return &cp, nil
}

// ---- votes ----

func (m *Memory) CreateVote(ctx context.Context, vote *models.Vote) error {
	m.mu.Lock()
	for _, v := range m.votes {
		if v.GameID == vote.GameID && v.VoterID == vote.VoterID && v.RoundNumber == vote.RoundNumber {
			m.mu.Unlock()
			return gameerr.ErrAlreadyVoted
		}
	}
	v := *vote
	v.VotedAt = m.clock.Now()
	m.votes[v.ID] = &v
	m.mu.Unlock()

	*vote = v
	m.notify(TableVotes, OpInsert, v.GameID, v.ID)
	return nil
}

func (m *Memory) ListVotesByRound(ctx context.Context, gameID uuid.UUID, round int) ([]models.Vote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Vote
	for _, v := range m.votes {
		if v.GameID == gameID && v.RoundNumber == round {
			out = append(out, *v)
		}
	}
	return out, nil
}

// ---- timers ----

// UpsertTimer stores the single timer row for a game.
func (m *Memory) UpsertTimer(ctx context.Context, t *models.TimerState) error {
	m.mu.Lock()
	cp := *t
	m.timers[t.GameID] = &cp
	m.mu.Unlock()

	m.notify(TableTimers, OpUpdate, t.GameID, t.GameID)
	return nil
}

func (m *Memory) GetTimer(ctx context.Context, gameID uuid.UUID) (*models.TimerState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.timers[gameID]
	if !ok {
		return nil, gameerr.ErrTimerNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) DeactivateTimer(ctx context.Context, gameID uuid.UUID) error {
	m.mu.Lock()
	t, ok := m.timers[gameID]
	if ok {
		t.IsActive = false
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	m.notify(TableTimers, OpUpdate, gameID, gameID)
	return nil
}

// ---- round-scoped purge ----

// PurgeRoundScoped deletes every card, submission, vote and timer row of a
// game. Used by full reset.
func (m *Memory) PurgeRoundScoped(ctx context.Context, gameID uuid.UUID) error {
	m.mu.Lock()
	m.deleteRoundScopedLocked(gameID)
	m.mu.Unlock()

	m.notify(TableCards, OpDelete, gameID, gameID)
	return nil
}

func (m *Memory) deleteRoundScopedLocked(gameID uuid.UUID) {
	for id, c := range m.cards {
		if c.GameID == gameID {
			delete(m.cards, id)
		}
	}
	for id, s := range m.submissions {
		if s.GameID == gameID {
			delete(m.submissions, id)
		}
	}
	for id, v := range m.votes {
		if v.GameID == gameID {
			delete(m.votes, id)
		}
	}
	delete(m.timers, gameID)
}
