package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/partydeck/server/internal/gameerr"
)

func quickPolicy() Policy {
	return Policy{InitialDelay: time.Second, MaxDelay: 4 * time.Second, Multiplier: 2, MaxAttempts: 3}
}

func TestDoStopsOnTerminalError(t *testing.T) {
	clock := clockwork.NewFakeClock()
	calls := 0
	err := Do(context.Background(), clock, quickPolicy(), "op", func() error {
		calls++
		return gameerr.Validation("bad input")
	})
	if gameerr.KindOf(err) != gameerr.KindValidation {
		t.Fatalf("expected the terminal error back, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (terminal errors never retry)", calls)
	}
}

func TestDoRetriesTransientUntilSuccess(t *testing.T) {
	clock := clockwork.NewFakeClock()
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- Do(context.Background(), clock, quickPolicy(), "op", func() error {
			calls++
			if calls < 3 {
				return gameerr.Connection("store down", errors.New("dial refused"))
			}
			return nil
		})
	}()

	for i := 0; i < 2; i++ {
		clock.BlockUntil(1)
		clock.Advance(5 * time.Second)
	}
	if err := <-done; err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDoGivesUpAfterMaxAttempts(t *testing.T) {
	clock := clockwork.NewFakeClock()
	calls := 0
	transient := gameerr.Connection("store down", errors.New("dial refused"))
	done := make(chan error, 1)
	go func() {
		done <- Do(context.Background(), clock, quickPolicy(), "op", func() error {
			calls++
			return transient
		})
	}()

	for i := 0; i < 2; i++ {
		clock.BlockUntil(1)
		clock.Advance(5 * time.Second)
	}
	if err := <-done; !errors.Is(err, transient) {
		t.Fatalf("expected the last transient error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want MaxAttempts", calls)
	}
}

func TestDoHonorsContextCancellation(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, clock, quickPolicy(), "op", func() error {
			return gameerr.Connection("store down", errors.New("dial refused"))
		})
	}()

	clock.BlockUntil(1)
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
