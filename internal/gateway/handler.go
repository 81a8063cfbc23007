package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/partydeck/server/internal/gameerr"
	"github.com/partydeck/server/internal/models"
	"github.com/partydeck/server/internal/session"
)

// Service exposes the session orchestrator over HTTP plus the WebSocket
// event feed.
type Service struct {
	sessions *session.App
	cm       *ConnectionManager
	bus      *BusConsumer // nil when events flow through NATS
}

// NewService builds the HTTP edge. bus may be nil when a JetStream
// consumer relays events instead.
func NewService(sessions *session.App, cm *ConnectionManager, bus *BusConsumer) *Service {
	return &Service{sessions: sessions, cm: cm, bus: bus}
}

// Routes returns the full route table.
func (s *Service) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	mux.HandleFunc("POST /games", s.handleCreateGame)
	mux.HandleFunc("POST /games/join", s.handleJoinGame)
	mux.HandleFunc("GET /games/{gameID}", s.handleSnapshot)
	mux.HandleFunc("GET /games/{gameID}/hand", s.handleHand)
	mux.HandleFunc("GET /games/{gameID}/submissions", s.handleSubmissionStatus)
	mux.HandleFunc("GET /games/{gameID}/votes", s.handleVotingStatus)
	mux.HandleFunc("GET /games/{gameID}/rankings", s.handleRankings)

	mux.HandleFunc("POST /games/{gameID}/rounds", s.handleStartRound)
	mux.HandleFunc("POST /games/{gameID}/submissions", s.handleSubmit)
	mux.HandleFunc("POST /games/{gameID}/votes", s.handleVote)
	mux.HandleFunc("POST /games/{gameID}/pause", s.handlePause)
	mux.HandleFunc("POST /games/{gameID}/resume", s.handleResume)
	mux.HandleFunc("POST /games/{gameID}/reset", s.handleReset)
	mux.HandleFunc("POST /games/{gameID}/host", s.handleTransferHost)
	mux.HandleFunc("POST /games/{gameID}/kick", s.handleKick)
	mux.HandleFunc("POST /games/{gameID}/leave", s.handleLeave)
	return mux
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleWebSocket upgrades a client onto the game's event feed. The player
// must already be seated via the join endpoint.
func (s *Service) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	gameID, err := uuid.Parse(r.URL.Query().Get("game_id"))
	if err != nil {
		writeError(w, gameerr.Validation("invalid game_id"))
		return
	}
	playerID, err := uuid.Parse(r.URL.Query().Get("player_id"))
	if err != nil {
		writeError(w, gameerr.Validation("invalid player_id"))
		return
	}

	snap, err := s.sessions.Snapshot(r.Context(), gameID)
	if err != nil {
		writeError(w, err)
		return
	}
	seated := false
	for _, p := range snap.Players {
		if p.ID == playerID {
			seated = true
			break
		}
	}
	if !seated {
		writeError(w, gameerr.Permission("player is not part of this game"))
		return
	}

	if s.bus != nil {
		s.bus.Watch(r.Context(), gameID)
	}
	if err := s.cm.Upgrade(w, r, gameID, playerID); err != nil {
		log.Error().Err(err).Str("game_id", gameID.String()).Msg("websocket upgrade failed")
	}
}

type createGameRequest struct {
	HostName string              `json:"host_name"`
	Settings models.GameSettings `json:"settings"`
}

type seatResponse struct {
	Game   *models.Game   `json:"game"`
	Player *models.Player `json:"player"`
}

func (s *Service) handleCreateGame(w http.ResponseWriter, r *http.Request) {
	var req createGameRequest
	if !decode(w, r, &req) {
		return
	}
	game, host, err := s.sessions.CreateGame(r.Context(), req.HostName, req.Settings)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, seatResponse{Game: game, Player: host})
}

type joinGameRequest struct {
	RoomCode string `json:"room_code"`
	Name     string `json:"name"`
}

func (s *Service) handleJoinGame(w http.ResponseWriter, r *http.Request) {
	var req joinGameRequest
	if !decode(w, r, &req) {
		return
	}
	game, player, err := s.sessions.JoinGame(r.Context(), req.RoomCode, req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, seatResponse{Game: game, Player: player})
}

func (s *Service) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	gameID, ok := pathID(w, r, "gameID")
	if !ok {
		return
	}
	snap, err := s.sessions.Snapshot(r.Context(), gameID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Service) handleHand(w http.ResponseWriter, r *http.Request) {
	gameID, ok := pathID(w, r, "gameID")
	if !ok {
		return
	}
	playerID, err := uuid.Parse(r.URL.Query().Get("player_id"))
	if err != nil {
		writeError(w, gameerr.Validation("invalid player_id"))
		return
	}
	hand, err := s.sessions.PlayerHand(r.Context(), gameID, playerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cards": hand})
}

func (s *Service) handleSubmissionStatus(w http.ResponseWriter, r *http.Request) {
	gameID, ok := pathID(w, r, "gameID")
	if !ok {
		return
	}
	status, err := s.sessions.SubmissionStatus(r.Context(), gameID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Service) handleVotingStatus(w http.ResponseWriter, r *http.Request) {
	gameID, ok := pathID(w, r, "gameID")
	if !ok {
		return
	}
	status, err := s.sessions.VotingStatus(r.Context(), gameID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Service) handleRankings(w http.ResponseWriter, r *http.Request) {
	gameID, ok := pathID(w, r, "gameID")
	if !ok {
		return
	}
	rankings, err := s.sessions.Rankings(r.Context(), gameID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rankings": rankings})
}

type callerRequest struct {
	PlayerID uuid.UUID `json:"player_id"`
}

func (s *Service) handleStartRound(w http.ResponseWriter, r *http.Request) {
	gameID, ok := pathID(w, r, "gameID")
	if !ok {
		return
	}
	var req callerRequest
	if !decode(w, r, &req) {
		return
	}
	game, err := s.sessions.StartRound(r.Context(), gameID, req.PlayerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, game)
}

type submitRequest struct {
	PlayerID        uuid.UUID   `json:"player_id"`
	PromptCardID    uuid.UUID   `json:"prompt_card_id"`
	ResponseCardIDs []uuid.UUID `json:"response_card_ids"`
}

func (s *Service) handleSubmit(w http.ResponseWriter, r *http.Request) {
	gameID, ok := pathID(w, r, "gameID")
	if !ok {
		return
	}
	var req submitRequest
	if !decode(w, r, &req) {
		return
	}
	status, err := s.sessions.Submit(r.Context(), gameID, req.PlayerID, req.PromptCardID, req.ResponseCardIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type voteRequest struct {
	PlayerID     uuid.UUID `json:"player_id"`
	SubmissionID uuid.UUID `json:"submission_id"`
}

func (s *Service) handleVote(w http.ResponseWriter, r *http.Request) {
	gameID, ok := pathID(w, r, "gameID")
	if !ok {
		return
	}
	var req voteRequest
	if !decode(w, r, &req) {
		return
	}
	status, err := s.sessions.Vote(r.Context(), gameID, req.PlayerID, req.SubmissionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Service) handlePause(w http.ResponseWriter, r *http.Request) {
	gameID, ok := pathID(w, r, "gameID")
	if !ok {
		return
	}
	var req callerRequest
	if !decode(w, r, &req) {
		return
	}
	state, err := s.sessions.PauseGame(r.Context(), gameID, req.PlayerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Service) handleResume(w http.ResponseWriter, r *http.Request) {
	gameID, ok := pathID(w, r, "gameID")
	if !ok {
		return
	}
	var req callerRequest
	if !decode(w, r, &req) {
		return
	}
	state, err := s.sessions.ResumeGame(r.Context(), gameID, req.PlayerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Service) handleReset(w http.ResponseWriter, r *http.Request) {
	gameID, ok := pathID(w, r, "gameID")
	if !ok {
		return
	}
	var req callerRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.sessions.ResetGame(r.Context(), gameID, req.PlayerID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

type transferHostRequest struct {
	PlayerID  uuid.UUID `json:"player_id"`
	NewHostID uuid.UUID `json:"new_host_id"`
}

func (s *Service) handleTransferHost(w http.ResponseWriter, r *http.Request) {
	gameID, ok := pathID(w, r, "gameID")
	if !ok {
		return
	}
	var req transferHostRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.sessions.TransferHost(r.Context(), gameID, req.PlayerID, req.NewHostID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "transferred"})
}

type kickRequest struct {
	PlayerID uuid.UUID `json:"player_id"`
	TargetID uuid.UUID `json:"target_id"`
}

func (s *Service) handleKick(w http.ResponseWriter, r *http.Request) {
	gameID, ok := pathID(w, r, "gameID")
	if !ok {
		return
	}
	var req kickRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.sessions.KickPlayer(r.Context(), gameID, req.PlayerID, req.TargetID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "kicked"})
}

func (s *Service) handleLeave(w http.ResponseWriter, r *http.Request) {
	if _, ok := pathID(w, r, "gameID"); !ok {
		return
	}
	var req callerRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.sessions.LeaveGame(r.Context(), req.PlayerID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "left"})
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		writeError(w, gameerr.Validation("invalid %s", name))
		return uuid.Nil, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, gameerr.Validation("invalid request body"))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

type errorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind,omitempty"`
	Retryable bool   `json:"retryable"`
}

// writeError maps the error taxonomy onto HTTP statuses: bad input 400,
// permission 403, missing rows 404, precondition failures 409, transient
// store trouble 503.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, gameerr.ErrGameNotFound),
		errors.Is(err, gameerr.ErrPlayerNotFound),
		errors.Is(err, gameerr.ErrTimerNotFound):
		code = http.StatusNotFound
	default:
		switch gameerr.KindOf(err) {
		case gameerr.KindValidation:
			code = http.StatusBadRequest
		case gameerr.KindPermission:
			code = http.StatusForbidden
		case gameerr.KindGameState, gameerr.KindSynchronization:
			code = http.StatusConflict
		case gameerr.KindConnection:
			code = http.StatusServiceUnavailable
		}
	}

	resp := errorResponse{Error: err.Error(), Kind: string(gameerr.KindOf(err))}
	var ge *gameerr.Error
	if errors.As(err, &ge) {
		resp.Retryable = ge.Retryable()
	}
	writeJSON(w, code, resp)
}
