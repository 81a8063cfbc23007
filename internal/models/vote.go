package models

import (
	"time"

	"github.com/google/uuid"
)

// Vote represents one vote cast in a round. Unique per (game, voter, round);
// a voter can never vote for their own submission.
type Vote struct {
	ID           uuid.UUID `json:"id"`
	GameID       uuid.UUID `json:"game_id"`
	VoterID      uuid.UUID `json:"voter_id"`
	SubmissionID uuid.UUID `json:"submission_id"`
	RoundNumber  int       `json:"round_number"`
	AutoVoted    bool      `json:"auto_voted"`
	VotedAt      time.Time `json:"voted_at"`
}
