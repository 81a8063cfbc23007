package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/partydeck/server/internal/gameerr"
	"github.com/partydeck/server/internal/retry"
)

const (
	// StreamName is the JetStream stream all game events land on.
	StreamName = "PARTY_EVENTS"
	// SubjectPrefix scopes one subject per game: party.games.<id>.<type>.
	SubjectPrefix = "party.games"
)

// Subject builds the publish subject for one event.
func Subject(gameID uuid.UUID, eventType EventType) string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, gameID, eventType)
}

// GameIDFromSubject extracts the game id from a stream subject.
func GameIDFromSubject(subject string) (uuid.UUID, error) {
	parts := strings.Split(subject, ".")
	if len(parts) != 4 {
		return uuid.Nil, fmt.Errorf("unexpected subject format: %s", subject)
	}
	return uuid.Parse(parts[2])
}

// Publisher fans out game events to connected clients.
type Publisher interface {
	Publish(ctx context.Context, gameID uuid.UUID, eventType EventType, payload any) error
}

// JetStreamPublisher publishes envelopes to NATS JetStream. Transient
// publish failures retry with backoff; a dropped event would leave every
// client of the game with a stale view until the next snapshot fetch.
type JetStreamPublisher struct {
	js     jetstream.JetStream
	clock  clockwork.Clock
	policy retry.Policy
}

// NewJetStreamPublisher ensures the stream exists and returns a publisher.
func NewJetStreamPublisher(ctx context.Context, nc *nats.Conn, clock clockwork.Clock) (*JetStreamPublisher, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     StreamName,
		Subjects: []string{SubjectPrefix + ".>"},
		MaxAge:   24 * time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure stream: %w", err)
	}
	policy := retry.DefaultPolicy()
	policy.InitialDelay = 100 * time.Millisecond
	policy.MaxDelay = 2 * time.Second
	policy.MaxAttempts = 3
	return &JetStreamPublisher{js: js, clock: clock, policy: policy}, nil
}

func (p *JetStreamPublisher) Publish(ctx context.Context, gameID uuid.UUID, eventType EventType, payload any) error {
	envelope := Envelope{
		EventID:   uuid.New(),
		EventType: eventType,
		GameID:    gameID,
		Timestamp: p.clock.Now(),
		Payload:   payload,
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal event envelope: %w", err)
	}
	err = retry.Do(ctx, p.clock, p.policy, "publish "+string(eventType), func() error {
		if _, err := p.js.Publish(ctx, Subject(gameID, eventType), data); err != nil {
			return gameerr.Connection("publish "+string(eventType), err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.Debug().
		Str("game_id", gameID.String()).
		Str("event_type", string(eventType)).
		Msg("event published")
	return nil
}

// Bus is an in-process publisher for tests and single-node deployments.
// Subscribers receive every envelope published for their game.
type Bus struct {
	mu     sync.Mutex
	subs   map[uuid.UUID]map[int]chan Envelope
	nextID int
	clock  clockwork.Clock
}

// NewBus creates an empty bus.
func NewBus(clock clockwork.Clock) *Bus {
	return &Bus{subs: make(map[uuid.UUID]map[int]chan Envelope), clock: clock}
}

func (b *Bus) Publish(ctx context.Context, gameID uuid.UUID, eventType EventType, payload any) error {
	envelope := Envelope{
		EventID:   uuid.New(),
		EventType: eventType,
		GameID:    gameID,
		Timestamp: b.clock.Now(),
		Payload:   payload,
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[gameID] {
		select {
		case ch <- envelope:
		default:
			log.Warn().
				Str("game_id", gameID.String()).
				Str("event_type", string(eventType)).
				Msg("bus subscriber full, dropping event")
		}
	}
	return nil
}

// Subscribe returns an envelope stream for one game and a cancel func.
func (b *Bus) Subscribe(gameID uuid.UUID) (<-chan Envelope, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Envelope, 64)
	if b.subs[gameID] == nil {
		b.subs[gameID] = make(map[int]chan Envelope)
	}
	b.subs[gameID][id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if set, ok := b.subs[gameID]; ok {
			if _, ok := set[id]; ok {
				delete(set, id)
				close(ch)
				if len(set) == 0 {
					delete(b.subs, gameID)
				}
			}
		}
	}
	return ch, cancel
}
