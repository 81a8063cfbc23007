package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/partydeck/server/internal/events"
	"github.com/partydeck/server/internal/gateway"
	"github.com/partydeck/server/internal/models"
	"github.com/partydeck/server/internal/session"
	"github.com/partydeck/server/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if path := getEnv("CONFIG_PATH", ""); path != "" {
		config, err := loadConfig(path)
		if err != nil {
			log.Fatal().Err(err).Str("path", path).Msg("failed to load config")
		}
		overlayDefaults(defaultSettings(config))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := clockwork.NewRealClock()
	backend := getEnv("STORE_BACKEND", "memory")

	// Store backend.
	var st Store
	switch backend {
	case "postgres":
		pool, err := setupDatabase(ctx, databaseConfigFromEnv())
		if err != nil {
			log.Fatal().Err(err).Msg("failed to set up database")
		}
		defer pool.Close()
		st = store.NewPostgres(pool)
	case "memory":
		st = store.NewMemory(clock)
	default:
		log.Fatal().Str("backend", backend).Msg("unknown STORE_BACKEND")
	}

	// Event fan-out: JetStream when NATS_URL is set, in-process bus
	// otherwise.
	var (
		publisher events.Publisher
		bus       *events.Bus
		nc        *nats.Conn
	)
	if natsURL := getEnv("NATS_URL", ""); natsURL != "" {
		var err error
		nc, err = nats.Connect(natsURL, nats.MaxReconnects(-1), nats.ReconnectWait(2*time.Second))
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to NATS")
		}
		defer nc.Close()
		publisher, err = events.NewJetStreamPublisher(ctx, nc, clock)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to set up JetStream publisher")
		}
	} else {
		bus = events.NewBus(clock)
		publisher = bus
	}

	services := setupServices(st, publisher, bus, clock, time.Now().UnixNano())

	go services.Timers.Run(ctx)
	go services.Presence.Run(ctx)
	go services.Connections.Run(ctx)

	if nc != nil {
		consumerConfig := gateway.DefaultConsumerConfig()
		consumerConfig.URL = getEnv("NATS_URL", nats.DefaultURL)
		consumer, err := gateway.NewEventConsumer(ctx, services.Connections, consumerConfig)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to set up event consumer")
		}
		defer consumer.Close()
		go func() {
			if err := consumer.Run(ctx); err != nil {
				log.Error().Err(err).Msg("event consumer failed")
			}
		}()
	}

	server := setupServer(services)
	go func() {
		log.Info().Str("addr", server.Addr).Str("backend", backend).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}
}

// overlayDefaults copies non-zero yaml defaults over the built-in game
// settings defaults.
func overlayDefaults(s models.GameSettings) {
	d := &session.DefaultSettings
	if s.TargetScore != 0 {
		d.TargetScore = s.TargetScore
	}
	if s.MaxPlayers != 0 {
		d.MaxPlayers = s.MaxPlayers
	}
	if s.MinPlayers != 0 {
		d.MinPlayers = s.MinPlayers
	}
	if s.CardsPerPlayer != 0 {
		d.CardsPerPlayer = s.CardsPerPlayer
	}
	if s.SubmissionTimerSec != 0 {
		d.SubmissionTimerSec = s.SubmissionTimerSec
	}
	if s.VotingTimerSec != 0 {
		d.VotingTimerSec = s.VotingTimerSec
	}
	if s.Theme != "" {
		d.Theme = s.Theme
	}
}
