package main

import (
	"context"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/partydeck/server/internal/content"
	"github.com/partydeck/server/internal/events"
	"github.com/partydeck/server/internal/gateway"
	"github.com/partydeck/server/internal/presence"
	"github.com/partydeck/server/internal/round"
	"github.com/partydeck/server/internal/scoring"
	"github.com/partydeck/server/internal/session"
	"github.com/partydeck/server/internal/submission"
	"github.com/partydeck/server/internal/timersync"
	"github.com/partydeck/server/internal/voting"
)

// Services holds the wired application graph.
type Services struct {
	Sessions    *session.App
	Presence    *presence.App
	Timers      *timersync.App
	Connections *gateway.ConnectionManager
	Gateway     *gateway.Service
}

// Store is the union of every manager's store dependency; both the
// in-memory and postgres implementations satisfy it.
type Store interface {
	session.Store
	round.Store
	submission.Store
	voting.Store
	scoring.Store
	timersync.Store
	presence.Store
}

// setupServices wires the dependency graph: store and publisher at the
// bottom, the per-concern managers above them, the session orchestrator
// on top, and the gateway at the edge.
func setupServices(st Store, publisher events.Publisher, bus *events.Bus, clock clockwork.Clock, contentSeed int64) *Services {
	src := content.NewStaticSource(contentSeed)

	rounds := round.NewApp(st, src, publisher, clock)
	submissions := submission.NewApp(st, publisher)
	votes := voting.NewApp(st, publisher)
	scores := scoring.NewApp(st, publisher)
	timers := timersync.NewApp(st, publisher, clock)

	missed := &missedRecorder{submissions: submissions, votes: votes}
	pres := presence.NewApp(st, publisher, clock, scores, missed)

	sessions := session.NewApp(st, rounds, submissions, votes, scores, timers, pres, publisher, clock)
	missed.sessions = sessions // presence and session depend on each other

	cm := gateway.NewConnectionManager(gateway.DefaultConnectionConfig(), pres)
	var busConsumer *gateway.BusConsumer
	if bus != nil {
		busConsumer = gateway.NewBusConsumer(bus, cm)
	}
	gw := gateway.NewService(sessions, cm, busConsumer)

	return &Services{
		Sessions:    sessions,
		Presence:    pres,
		Timers:      timers,
		Connections: cm,
		Gateway:     gw,
	}
}

// missedRecorder adapts the submission and voting managers plus the
// orchestrator's completion re-check to the presence manager's departure
// hook. The sessions field is set after wiring.
type missedRecorder struct {
	submissions *submission.App
	votes       *voting.App
	sessions    *session.App
}

func (m *missedRecorder) AutoSubmit(ctx context.Context, gameID, playerID uuid.UUID) error {
	return m.submissions.AutoSubmit(ctx, gameID, playerID)
}

func (m *missedRecorder) AutoVote(ctx context.Context, gameID, voterID uuid.UUID) error {
	return m.votes.AutoVote(ctx, gameID, voterID)
}

func (m *missedRecorder) SyncCompletion(ctx context.Context, gameID uuid.UUID) error {
	return m.sessions.SyncCompletion(ctx, gameID)
}
