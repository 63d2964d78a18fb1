package api

import "net/http"

// Error is a protocol error: a fixed wire code plus the HTTP status it
// maps to. The cause, if any, is kept for logging and never sent to the
// client.
type Error struct {
	Code   string
	Status int
	// Storage marks internal faults, document store failures foremost.
	// They keep the legacy invalid_token wire code for compatibility,
	// but are logged as what they are.
	Storage bool
	cause   error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.cause != nil {
		return e.Code + ": " + e.cause.Error()
	}
	return e.Code
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.cause
}

func (e *Error) withCause(err error) *Error {
	clone := *e
	clone.cause = err
	return &clone
}

var (
	errMissingParameter = &Error{Code: "missing_parameter", Status: http.StatusBadRequest}
	errInvalidSerial    = &Error{Code: "invalid_serial", Status: http.StatusBadRequest}
	errNoSuchSerial     = &Error{Code: "invalid_serial", Status: http.StatusNotFound}
	errWrongKey         = &Error{Code: "wrong_key", Status: http.StatusUnauthorized}
	errWrongPassword    = &Error{Code: "wrong_password", Status: http.StatusUnauthorized}
	errInvalidToken     = &Error{Code: "invalid_token", Status: http.StatusBadRequest}
	errAlreadyClaimed   = &Error{Code: "garden_already_claimed", Status: http.StatusForbidden}
	errNicknameConflict = &Error{Code: "garden_nickname_conflict", Status: http.StatusForbidden}
	errTooManyGardens   = &Error{Code: "too_many_gardens", Status: http.StatusForbidden}
	errNotClaimed       = &Error{Code: "garden_not_claimed", Status: http.StatusForbidden}
)

// storageError wraps a document store fault. The legacy service collapsed
// these into invalid_token inside the claim handlers; the wire code stays
// for compatibility, the logs do not lie about the cause.
func storageError(err error) *Error {
	return &Error{Code: "invalid_token", Status: http.StatusBadRequest, Storage: true, cause: err}
}
