// Package gameerr defines the error taxonomy shared by every manager. The
// category decides retry behavior at the API boundary: validation and game
// state errors are never retried, connection errors retry with backoff,
// synchronization errors clear themselves after a forced refetch.
package gameerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers that need to decide on retry or
// surfacing behavior without string matching.
type Kind string

const (
	KindValidation      Kind = "VALIDATION"
	KindGameState       Kind = "GAME_STATE"
	KindPermission      Kind = "PERMISSION"
	KindConnection      Kind = "CONNECTION"
	KindSynchronization Kind = "SYNCHRONIZATION"
)

// Error is a categorized game error.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the caller may retry the operation. Only
// connection errors qualify.
func (e *Error) Retryable() bool { return e.Kind == KindConnection }

// Validation builds an input-validation error (bad input, never retried).
func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

// State builds a precondition-violation error (wrong phase, duplicate
// submit/vote, too few players).
func State(format string, args ...any) *Error {
	return &Error{Kind: KindGameState, Msg: fmt.Sprintf(format, args...)}
}

// Permission builds a host-only violation error. Fails fast, never retried.
func Permission(format string, args ...any) *Error {
	return &Error{Kind: KindPermission, Msg: fmt.Sprintf(format, args...)}
}

// Connection wraps a store/transport failure that may be retried.
func Connection(msg string, err error) *Error {
	return &Error{Kind: KindConnection, Msg: msg, Err: err}
}

// Synchronization marks a diverged client view; informational, resolved by
// a full refetch.
func Synchronization(msg string, err error) *Error {
	return &Error{Kind: KindSynchronization, Msg: msg, Err: err}
}

// KindOf extracts the kind of err, or "" when err is not a game error.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return ""
}

// Sentinel precondition failures. Wrapped into *Error by the managers so
// callers can match with errors.Is.
var (
	ErrGameNotFound      = errors.New("game not found")
	ErrPlayerNotFound    = errors.New("player not found")
	ErrInvalidTransition = errors.New("invalid phase transition")
	ErrPhaseConflict     = errors.New("phase changed concurrently")
	ErrAlreadySubmitted  = errors.New("player already submitted this round")
	ErrAlreadyVoted      = errors.New("player already voted this round")
	ErrSelfVote          = errors.New("cannot vote for own submission")
	ErrNotHost           = errors.New("caller is not the host")
	ErrTooFewPlayers     = errors.New("not enough connected players")
	ErrGameFull          = errors.New("game is full")
	ErrGameFinished      = errors.New("game already finished")
	ErrTimerNotFound     = errors.New("no active timer")
	ErrRoomCodeTaken     = errors.New("room code already in use")
)

// IsTerminal reports whether a retry loop should stop: the game is gone or
// the precondition can never hold again.
func IsTerminal(err error) bool {
	if errors.Is(err, ErrGameNotFound) || errors.Is(err, ErrGameFinished) {
		return true
	}
	switch KindOf(err) {
	case KindValidation, KindGameState, KindPermission:
		return true
	}
	return false
}
