// Package store implements the keyed record store behind every manager.
// Two implementations exist: Memory for tests and local play, Postgres for
// real deployments. Both deliver change events at-least-once; subscribers
// treat events as hints and refetch rather than trusting payload ordering.
package store

import (
	"time"

	"github.com/google/uuid"

	"github.com/partydeck/server/internal/models"
)

// Table identifies the entity a change event refers to.
type Table string

const (
	TableGames       Table = "games"
	TablePlayers     Table = "players"
	TableCards       Table = "cards"
	TableSubmissions Table = "submissions"
	TableVotes       Table = "votes"
	TableTimers      Table = "timers"
)

// Op identifies the kind of mutation behind a change event.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// ChangeEvent notifies subscribers that rows scoped to a game changed.
type ChangeEvent struct {
	Table    Table     `json:"table"`
	Op       Op        `json:"op"`
	GameID   uuid.UUID `json:"game_id"`
	RecordID uuid.UUID `json:"record_id"`
	At       time.Time `json:"at"`
}

// GameMutator is applied to a snapshot of the game row under the store's
// per-game serialization. Returning an error aborts the update.
type GameMutator func(g *models.Game) error

// RoundWinner pairs a submission with its author for round-end processing.
type RoundWinner struct {
	Submission models.Submission
	Player     models.Player
}
