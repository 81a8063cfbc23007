// Package content supplies the prompt and response texts dealt each round.
// The engine treats generation as an external collaborator: any Source can
// sit in front (an LLM, a curated API), and the static pool is always
// available as a non-fatal fallback.
package content

import (
	"context"

	"github.com/google/uuid"
)

// Request describes one round's content needs.
type Request struct {
	GameID       uuid.UUID
	Round        int
	PlayerCount  int
	MinResponses int // playerCount x cardsPerPlayer
	Theme        string
}

// RoundContent is one shared prompt plus a pool of distinct response texts.
type RoundContent struct {
	Prompt    string
	Responses []string
}

// Source produces round content. Implementations must return at least
// req.MinResponses distinct response texts or an error.
type Source interface {
	GenerateRoundContent(ctx context.Context, req Request) (*RoundContent, error)
}
