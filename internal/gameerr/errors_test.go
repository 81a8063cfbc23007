package gameerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	if got := KindOf(Validation("bad")); got != KindValidation {
		t.Fatalf("kind = %s, want VALIDATION", got)
	}
	if got := KindOf(fmt.Errorf("wrapped: %w", State("wrong phase"))); got != KindGameState {
		t.Fatalf("kind through wrapping = %s, want GAME_STATE", got)
	}
	if got := KindOf(errors.New("plain")); got != "" {
		t.Fatalf("kind of plain error = %q, want empty", got)
	}
}

func TestRetryableOnlyForConnection(t *testing.T) {
	cases := []struct {
		err  *Error
		want bool
	}{
		{Validation("bad"), false},
		{State("wrong phase"), false},
		{Permission("not host"), false},
		{Connection("store down", errors.New("dial")), true},
		{Synchronization("diverged", nil), false},
	}
	for _, tc := range cases {
		if got := tc.err.Retryable(); got != tc.want {
			t.Fatalf("%s retryable = %v, want %v", tc.err.Kind, got, tc.want)
		}
	}
}

func TestSentinelsMatchThroughWrapping(t *testing.T) {
	err := &Error{Kind: KindGameState, Msg: "cannot start", Err: ErrTooFewPlayers}
	if !errors.Is(err, ErrTooFewPlayers) {
		t.Fatal("sentinel must match through the categorized error")
	}
	if errors.Is(err, ErrNotHost) {
		t.Fatal("unrelated sentinel must not match")
	}
}

func TestIsTerminal(t *testing.T) {
	if !IsTerminal(ErrGameNotFound) {
		t.Fatal("vanished game is terminal")
	}
	if !IsTerminal(&Error{Kind: KindGameState, Msg: "finished", Err: ErrGameFinished}) {
		t.Fatal("finished game is terminal")
	}
	if !IsTerminal(Permission("not host")) {
		t.Fatal("permission failures are terminal")
	}
	if IsTerminal(Connection("store down", errors.New("dial"))) {
		t.Fatal("connection failures must keep retrying")
	}
	if IsTerminal(errors.New("unclassified")) {
		t.Fatal("unclassified errors are assumed transient")
	}
}
