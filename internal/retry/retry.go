// Package retry implements bounded exponential backoff with jitter for
// store and transport calls. Terminal failures (bad input, violated
// preconditions, vanished games) stop the loop immediately; only
// connection-class errors are retried.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/partydeck/server/internal/gameerr"
)

// Policy tunes a retry loop.
type Policy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFrac   float64 // 0..1 fraction of the delay randomized
	MaxAttempts  int
}

// DefaultPolicy mirrors the reconnect behavior of the realtime transport:
// 1s initial delay doubling to a 30s cap over at most 5 attempts.
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
		JitterFrac:   0.2,
		MaxAttempts:  5,
	}
}

// Do runs fn until it succeeds, returns a terminal error, or attempts run
// out. Sleeps ride on the injected clock so tests can fake time.
func Do(ctx context.Context, clock clockwork.Clock, policy Policy, op string, fn func() error) error {
	delay := policy.InitialDelay
	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if gameerr.IsTerminal(err) {
			return err
		}
		if attempt >= policy.MaxAttempts {
			log.Error().Err(err).Str("op", op).Int("attempts", attempt).Msg("giving up after retries")
			return err
		}

		wait := delay
		if policy.JitterFrac > 0 {
			jitter := time.Duration(rand.Float64() * policy.JitterFrac * float64(delay))
			wait = delay - jitter/2 + jitter
		}
		log.Warn().Err(err).Str("op", op).Int("attempt", attempt).Dur("wait", wait).Msg("retrying after transient error")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clock.After(wait):
		}

		delay = time.Duration(float64(delay) * policy.Multiplier)
		if delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}
}
