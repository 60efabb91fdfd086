package assignment

import (
	"errors"
	"fmt"
)

// Error kinds returned by the engine. Callers match them with errors.Is; the
// wrapped message carries the human-readable reason.
var (
	ErrValidation    = errors.New("assignment: validation")
	ErrAuthorization = errors.New("assignment: not authorized")
	ErrConflict      = errors.New("assignment: conflict")
	ErrStaleState    = errors.New("assignment: stale state")
	ErrNotFound      = errors.New("assignment: not found")
	ErrTerminalState = errors.New("assignment: terminal state")
)

// ErrPlacementExists is returned when a second placement is attempted for an
// assignment. It is a conflict.
var ErrPlacementExists = fmt.Errorf("%w: placement already exists", ErrConflict)

// Kind classifies an engine error.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindAuthorization Kind = "authorization"
	KindConflict      Kind = "conflict"
	KindStaleState    Kind = "stale_state"
	KindNotFound      Kind = "not_found"
	KindTerminalState Kind = "terminal_state"
	KindInternal      Kind = "internal"
)

// KindOf reports the kind of err, or KindInternal for infrastructure failures.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrAuthorization):
		return KindAuthorization
	case errors.Is(err, ErrStaleState):
		return KindStaleState
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrTerminalState):
		return KindTerminalState
	default:
		return KindInternal
	}
}

// Retryable reports whether the caller may reload and try again.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindStaleState, KindConflict:
		return true
	default:
		return false
	}
}
