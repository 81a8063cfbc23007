package models

import (
	"time"

	"github.com/google/uuid"
)

// TimerState is the authoritative countdown for a timed phase. At most one
// active timer exists per game; clients derive remaining time from
// StartedAt against the shared clock, never from their local clocks.
type TimerState struct {
	GameID               uuid.UUID `json:"game_id"`
	Phase                Phase     `json:"phase"`
	RoundNumber          int       `json:"round_number"`
	DurationSec          int       `json:"duration_sec"`
	StartedAt            time.Time `json:"started_at"`
	IsActive             bool      `json:"is_active"`
	IsPaused             bool      `json:"is_paused"`
	PausedRemainingSec   *int      `json:"paused_remaining_sec,omitempty"`
}

// Remaining returns the seconds left on the timer at the given
// authoritative time. A paused timer reports its snapshot.
func (t TimerState) Remaining(now time.Time) int {
	if t.IsPaused && t.PausedRemainingSec != nil {
		return *t.PausedRemainingSec
	}
	elapsed := int(now.Sub(t.StartedAt) / time.Second)
	remaining := t.DurationSec - elapsed
	if remaining < 0 {
		return 0
	}
	return remaining
}
