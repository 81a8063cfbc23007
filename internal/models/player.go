package models

import (
	"time"

	"github.com/google/uuid"
)

// Player represents a participant in one game.
type Player struct {
	ID          uuid.UUID  `json:"id"`
	GameID      uuid.UUID  `json:"game_id"`
	Name        string     `json:"name"`
	Score       int        `json:"score"` // only the scoring engine increments this
	IsConnected bool       `json:"is_connected"`
	JoinedAt    time.Time  `json:"joined_at"`
	LastSeenAt  time.Time  `json:"last_seen_at"`
}
