// Package events defines the typed change events the orchestrator fans out
// to clients, plus the publisher implementations that carry them.
package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType names every event a game session can emit.
type EventType string

const (
	EventPlayerJoined    EventType = "PlayerJoined"
	EventPlayerLeft      EventType = "PlayerLeft"
	EventHostTransferred EventType = "HostTransferred"
	EventRoundStarted    EventType = "RoundStarted"
	EventPhaseAdvanced   EventType = "PhaseAdvanced"
	EventSubmissionMade  EventType = "SubmissionMade"
	EventVoteCast        EventType = "VoteCast"
	EventTimerStarted    EventType = "TimerStarted"
	EventTimerPaused     EventType = "TimerPaused"
	EventTimerResumed    EventType = "TimerResumed"
	EventTimerResync     EventType = "TimerResync"
	EventRoundEnded      EventType = "RoundEnded"
	EventGameFinished    EventType = "GameFinished"
	EventGameReset       EventType = "GameReset"
)

// PlayerJoinedPayload announces a new player in the lobby.
type PlayerJoinedPayload struct {
	PlayerID    string    `json:"player_id"`
	Name        string    `json:"name"`
	IsHost      bool      `json:"is_host"`
	PlayerCount int       `json:"player_count"`
	JoinedAt    time.Time `json:"joined_at"`
}

// PlayerLeftPayload announces a leave, kick or grace-window removal.
type PlayerLeftPayload struct {
	PlayerID string `json:"player_id"`
	Name     string `json:"name"`
	Reason   string `json:"reason"` // "left", "kicked", "timed_out"
}

// HostTransferredPayload announces host migration.
type HostTransferredPayload struct {
	PreviousHostID string `json:"previous_host_id,omitempty"`
	NewHostID      string `json:"new_host_id"`
}

// RoundStartedPayload announces a new round entering Distribution.
type RoundStartedPayload struct {
	Round          int       `json:"round"`
	PromptCardID   string    `json:"prompt_card_id"`
	CardsPerPlayer int       `json:"cards_per_player"`
	StartedAt      time.Time `json:"started_at"`
}

// PhaseAdvancedPayload announces a phase transition.
type PhaseAdvancedPayload struct {
	Round     int    `json:"round"`
	FromPhase string `json:"from_phase"`
	ToPhase   string `json:"to_phase"`
	Trigger   string `json:"trigger"` // "host", "completion", "timer"
}

// SubmissionMadePayload updates the submission completion fraction. Card
// contents stay hidden until Voting.
type SubmissionMadePayload struct {
	PlayerID      string  `json:"player_id"`
	Round         int     `json:"round"`
	AutoSubmitted bool    `json:"auto_submitted"`
	Submitted     int     `json:"submitted"`
	Eligible      int     `json:"eligible"`
	Fraction      float64 `json:"fraction"`
}

// VoteCastPayload updates the live tally.
type VoteCastPayload struct {
	Round     int            `json:"round"`
	AutoVoted bool           `json:"auto_voted"`
	Voted     int            `json:"voted"`
	Eligible  int            `json:"eligible"`
	Tally     map[string]int `json:"tally"` // submission id -> vote count
}

// TimerPayload carries the authoritative countdown anchor. Clients derive
// remaining time from StartedAt against server time, never local clocks.
type TimerPayload struct {
	Phase        string    `json:"phase"`
	Round        int       `json:"round"`
	DurationSec  int       `json:"duration_sec"`
	StartedAt    time.Time `json:"started_at"`
	RemainingSec int       `json:"remaining_sec"`
	ServerNow    time.Time `json:"server_now"`
	IsPaused     bool      `json:"is_paused"`
}

// RoundWinnerEntry is one winning submission in a round result.
type RoundWinnerEntry struct {
	PlayerID     string `json:"player_id"`
	PlayerName   string `json:"player_name"`
	SubmissionID string `json:"submission_id"`
	VoteCount    int    `json:"vote_count"`
	NewScore     int    `json:"new_score"`
}

// RoundEndedPayload announces winners and awards for a round.
type RoundEndedPayload struct {
	Round    int                `json:"round"`
	Winners  []RoundWinnerEntry `json:"winners"`
	HasTie   bool               `json:"has_tie"`
	MaxVotes int                `json:"max_votes"`
}

// RankingEntry is one row of the final standings.
type RankingEntry struct {
	PlayerID string `json:"player_id"`
	Name     string `json:"name"`
	Score    int    `json:"score"`
	Rank     int    `json:"rank"`
}

// GameFinishedPayload announces the terminal state.
type GameFinishedPayload struct {
	FinalRankings []RankingEntry `json:"final_rankings"`
	Winners       []string       `json:"winners"` // player ids at max score
	TargetScore   int            `json:"target_score"`
}

// GameResetPayload announces a full reset back to the lobby.
type GameResetPayload struct {
	ResetAt time.Time `json:"reset_at"`
}

// Envelope wraps every published event.
type Envelope struct {
	EventID   uuid.UUID `json:"event_id"`
	EventType EventType `json:"event_type"`
	GameID    uuid.UUID `json:"game_id"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}
