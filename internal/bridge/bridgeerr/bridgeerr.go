// Package bridgeerr defines the error taxonomy from spec.md §7 and the HTTP
// status each kind maps to.
package bridgeerr

import (
	"errors"
	"net/http"
)

// Kind classifies a bridge error per spec.md §7.
type Kind int

const (
	// KindInvalidRequest marks a malformed request (missing field, bad JSON,
	// missing multipart boundary). Surfaced as HTTP 400.
	KindInvalidRequest Kind = iota
	// KindNotFound marks an unknown thread or plan id. Surfaced as HTTP 404.
	KindNotFound
	// KindSpawnFailure marks a failed or non-zero-exit agent subprocess.
	// Never surfaced over HTTP directly — converted to an SSE error event.
	KindSpawnFailure
	// KindCancelled marks operator-initiated subprocess termination.
	KindCancelled
	// KindParseFailure marks a non-fatal structured-output parse problem.
	KindParseFailure
	// KindPersistenceFailure marks a non-fatal decision/thread store write failure.
	KindPersistenceFailure
	// KindPortExhaustion marks a fatal startup error: no free port in the window.
	KindPortExhaustion
)

// Error is a typed bridge error carrying a Kind alongside the usual message.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// HTTPStatus maps a Kind to the HTTP status code a handler should return.
// Kinds that are never surfaced directly (SpawnFailure, Cancelled,
// ParseFailure) map to 500 as a fallback only. PersistenceFailure also maps
// to 500; handlers return it when a thread or model write fails.
func HTTPStatus(err error) int {
	var be *Error
	if !errors.As(err, &be) {
		return http.StatusInternalServerError
	}
	switch be.Kind {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindPortExhaustion:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Is reports whether err is a bridgeerr.Error of the given kind.
func Is(err error, kind Kind) bool {
	var be *Error
	if !errors.As(err, &be) {
		return false
	}
	return be.Kind == kind
}
