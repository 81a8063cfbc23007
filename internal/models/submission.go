package models

import (
	"time"

	"github.com/google/uuid"
)

// Submission represents a player's chosen response cards for one round.
// Unique per (game, player, round).
type Submission struct {
	ID            uuid.UUID   `json:"id"`
	GameID        uuid.UUID   `json:"game_id"`
	PlayerID      uuid.UUID   `json:"player_id"`
	RoundNumber   int         `json:"round_number"`
	PromptCardID  uuid.UUID   `json:"prompt_card_id"`
	ResponseCards []uuid.UUID `json:"response_cards"`
	VoteCount     int         `json:"vote_count"` // monotonic, never decremented
	AutoSubmitted bool        `json:"auto_submitted"`
	SubmittedAt   time.Time   `json:"submitted_at"`
}
