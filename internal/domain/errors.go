package domain

import "errors"

// Kind is the machine-checkable class of an error. Transports map kinds to
// status codes; reasons are short human-readable strings with no internal
// detail.
type Kind string

const (
	KindUnauthorized Kind = "unauthorized"
	KindForbidden    Kind = "forbidden"
	KindConflict     Kind = "conflict"
	KindNotFound     Kind = "not_found"
	KindInvalid      Kind = "invalid"
	KindInternal     Kind = "internal"
)

// Error carries a kind plus a reason suitable for clients.
type Error struct {
	Kind   Kind
	Reason string
}

func (e *Error) Error() string { return string(e.Kind) + ": " + e.Reason }

func Unauthorized(reason string) *Error { return &Error{Kind: KindUnauthorized, Reason: reason} }
func Forbidden(reason string) *Error    { return &Error{Kind: KindForbidden, Reason: reason} }
func Conflict(reason string) *Error     { return &Error{Kind: KindConflict, Reason: reason} }
func NotFound(reason string) *Error     { return &Error{Kind: KindNotFound, Reason: reason} }
func Invalid(reason string) *Error      { return &Error{Kind: KindInvalid, Reason: reason} }
func Internal(reason string) *Error     { return &Error{Kind: KindInternal, Reason: reason} }

// ErrorKind extracts the kind of err, defaulting to internal for errors that
// did not originate in the match engine.
func ErrorKind(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && ErrorKind(err) == kind
}

// Shared outcomes of the lock arbiter. Stores return these so the service can
// tell "the match is not taking buzzes" apart from "someone beat you to it".
var (
	ErrNotAcceptingBuzz = Conflict("not accepting buzz")
	ErrAlreadyLocked    = Conflict("locked by another player")
	ErrNotLockOwner     = Forbidden("not your turn")
)
