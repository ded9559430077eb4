package syncclient

import (
	"errors"
	"fmt"
)

// Kind classifies every error the client surfaces to the UI. Raw transport
// and crypto errors never cross the coordinator boundary un-normalized.
type Kind string

const (
	// KindSessionInvalid: unknown, expired, or canceled pairing session.
	// Recovery is always a fresh session, never a retry of this one.
	KindSessionInvalid Kind = "session_invalid"

	// KindAuthenticationFailed: signature, AEAD tag, or SAS mismatch.
	// Fatal to the session and never auto-retried.
	KindAuthenticationFailed Kind = "authentication_failed"

	// KindNetwork: transport failure or timeout. Retryable by the user
	// and distinct from protocol expiry.
	KindNetwork Kind = "network"

	// KindNoAccessToken: the server no longer accepts our credentials.
	// Not a pairing error; resets the sync state machine to FRESH.
	KindNoAccessToken Kind = "no_access_token"

	// KindInvalidInput: the caller's input was rejected before any
	// protocol step ran.
	KindInvalidInput Kind = "invalid_input"

	// KindInternal: a local failure that is none of the above.
	KindInternal Kind = "internal"
)

// Error is the single tagged error type crossing the coordinator boundary.
// Code carries the server's machine-readable error code when the error
// originated from an HTTP response.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.cause }

func newError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// KindOf extracts the Kind from an error, or KindInternal for anything that
// is not a client Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// CodeOf extracts the server error code, if any.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
