package models

import "github.com/google/uuid"

// CardType defines whether a card is the round's shared prompt or a
// player-held response.
type CardType string

const (
	CardTypePrompt   CardType = "PROMPT"
	CardTypeResponse CardType = "RESPONSE"
)

// Card represents a single card dealt for a round. Cards are scoped to
// (game, round) and superseded on the next round, never mutated.
type Card struct {
	ID            uuid.UUID  `json:"id"`
	GameID        uuid.UUID  `json:"game_id"`
	RoundNumber   int        `json:"round_number"`
	Type          CardType   `json:"type"`
	Text          string     `json:"text"`
	OwnerPlayerID *uuid.UUID `json:"owner_player_id,omitempty"` // nil for the shared prompt
}
