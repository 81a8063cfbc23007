package models

import (
	"time"

	"github.com/google/uuid"
)

// Phase defines the top-level phase of a game round lifecycle.
type Phase string

const (
	PhaseLobby        Phase = "LOBBY"
	PhaseDistribution Phase = "DISTRIBUTION"
	PhaseSubmission   Phase = "SUBMISSION"
	PhaseVoting       Phase = "VOTING"
	PhaseResults      Phase = "RESULTS"
)

// GameStatus defines the lifecycle status of a game session.
type GameStatus string

const (
	GameStatusActive   GameStatus = "ACTIVE"
	GameStatusFinished GameStatus = "FINISHED"
)

// phaseTransitions is the fixed transition table. Any edge not listed here
// is invalid.
var phaseTransitions = map[Phase][]Phase{
	PhaseLobby:        {PhaseDistribution},
	PhaseDistribution: {PhaseSubmission},
	PhaseSubmission:   {PhaseVoting},
	PhaseVoting:       {PhaseResults},
	PhaseResults:      {PhaseDistribution, PhaseLobby},
}

// CanTransitionTo reports whether the phase table allows p -> target.
func (p Phase) CanTransitionTo(target Phase) bool {
	for _, next := range phaseTransitions[p] {
		if next == target {
			return true
		}
	}
	return false
}

// Timed reports whether the phase owns a countdown timer.
func (p Phase) Timed() bool {
	return p == PhaseSubmission || p == PhaseVoting
}

// GameSettings holds per-game tuning.
type GameSettings struct {
	TargetScore        int    `json:"target_score"`
	MaxPlayers         int    `json:"max_players"`
	MinPlayers         int    `json:"min_players"`
	CardsPerPlayer     int    `json:"cards_per_player"`
	SubmissionTimerSec int    `json:"submission_timer_sec"`
	VotingTimerSec     int    `json:"voting_timer_sec"`
	Theme              string `json:"theme,omitempty"`
}

// Game represents one game session.
type Game struct {
	ID           uuid.UUID    `json:"id"`
	RoomCode     string       `json:"room_code"`
	Phase        Phase        `json:"phase"`
	Status       GameStatus   `json:"status"`
	CurrentRound int          `json:"current_round"`
	Settings     GameSettings `json:"settings"`
	HostID       *uuid.UUID   `json:"host_id,omitempty"` // nil only while no connected player remains
	Version      int64        `json:"version"`           // row version for CAS updates
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}
