package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrNoToken indicates that a user has no push token stored.
	ErrNoToken = errors.New("no push token")
	// ErrNotFound indicates that a datastore path holds no value.
	ErrNotFound = errors.New("not found")
)

// AuthError is returned when the identity provider exchange fails.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// TransportError is returned when the push gateway cannot be reached.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// LookupError is returned when a user's push token cannot be resolved.
type LookupError struct {
	UID string
	Err error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("lookup token for user %s: %v", e.UID, e.Err)
}

func (e *LookupError) Unwrap() error { return e.Err }
