package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/partydeck/server/internal/events"
)

// ConsumerConfig holds JetStream consumer tuning.
type ConsumerConfig struct {
	URL           string
	ConsumerName  string
	MaxDeliver    int
	AckWait       time.Duration
	MaxAckPending int
	ReconnectWait time.Duration
}

// DefaultConsumerConfig returns the production defaults.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		URL:           nats.DefaultURL,
		ConsumerName:  "party-gateway",
		MaxDeliver:    5,
		AckWait:       30 * time.Second,
		MaxAckPending: 256,
		ReconnectWait: 2 * time.Second,
	}
}

// EventConsumer pulls game event envelopes off JetStream and relays them
// verbatim to the game's connection pool. The envelope is already the wire
// format clients expect, so no re-encoding happens here.
type EventConsumer struct {
	cm       *ConnectionManager
	nc       *nats.Conn
	consumer jetstream.Consumer
	config   ConsumerConfig
}

// NewEventConsumer connects to NATS and ensures the durable consumer.
func NewEventConsumer(ctx context.Context, cm *ConnectionManager, config ConsumerConfig) (*EventConsumer, error) {
	nc, err := nats.Connect(config.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}
	stream, err := js.Stream(ctx, events.StreamName)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("get stream %s: %w", events.StreamName, err)
	}
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          config.ConsumerName,
		Durable:       config.ConsumerName,
		FilterSubject: events.SubjectPrefix + ".>",
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    config.MaxDeliver,
		AckWait:       config.AckWait,
		MaxAckPending: config.MaxAckPending,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure consumer: %w", err)
	}

	return &EventConsumer{cm: cm, nc: nc, consumer: consumer, config: config}, nil
}

// Run consumes until ctx is cancelled.
func (ec *EventConsumer) Run(ctx context.Context) error {
	log.Info().Str("consumer", ec.config.ConsumerName).Msg("event consumer started")

	consumeCtx, err := ec.consumer.Consume(func(msg jetstream.Msg) {
		if err := ec.relay(msg); err != nil {
			log.Error().Err(err).Str("subject", msg.Subject()).Msg("failed to relay event")
			if nakErr := msg.Nak(); nakErr != nil {
				log.Error().Err(nakErr).Msg("failed to NAK message")
			}
			return
		}
		if ackErr := msg.Ack(); ackErr != nil {
			log.Error().Err(ackErr).Msg("failed to ACK message")
		}
	})
	if err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}
	defer consumeCtx.Stop()

	<-ctx.Done()
	log.Info().Msg("event consumer stopped")
	return nil
}

func (ec *EventConsumer) relay(msg jetstream.Msg) error {
	gameID, err := events.GameIDFromSubject(msg.Subject())
	if err != nil {
		return err
	}
	ec.cm.BroadcastToGame(gameID, msg.Data())
	return nil
}

// Close tears down the NATS connection.
func (ec *EventConsumer) Close() {
	if ec.nc != nil {
		ec.nc.Close()
	}
}

// BusConsumer bridges the in-process event bus to the connection pools for
// single-node deployments without NATS.
type BusConsumer struct {
	bus *events.Bus
	cm  *ConnectionManager

	mu      sync.Mutex
	watched map[uuid.UUID]bool
}

// NewBusConsumer creates the bridge.
func NewBusConsumer(bus *events.Bus, cm *ConnectionManager) *BusConsumer {
	return &BusConsumer{bus: bus, cm: cm, watched: make(map[uuid.UUID]bool)}
}

// Watch starts forwarding a game's envelopes to its connection pool.
// Idempotent; the forwarder runs until ctx is cancelled.
func (bc *BusConsumer) Watch(ctx context.Context, gameID uuid.UUID) {
	bc.mu.Lock()
	if bc.watched[gameID] {
		bc.mu.Unlock()
		return
	}
	bc.watched[gameID] = true
	bc.mu.Unlock()

	ch, cancel := bc.bus.Subscribe(gameID)
	go func() {
		defer func() {
			cancel()
			bc.mu.Lock()
			delete(bc.watched, gameID)
			bc.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case envelope, ok := <-ch:
				if !ok {
					return
				}
				data, err := json.Marshal(envelope)
				if err != nil {
					log.Error().Err(err).Str("game_id", gameID.String()).Msg("failed to marshal envelope")
					continue
				}
				bc.cm.BroadcastToGame(gameID, data)
			}
		}
	}()
}
