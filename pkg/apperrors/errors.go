package apperrors

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrConflict               = errors.New("conflict")
	ErrInvalidCredentials     = errors.New("invalid credentials")
	ErrTransientIO            = errors.New("transient provider failure")
	ErrUnsupportedProvider    = errors.New("unsupported provider")
	ErrConnectionDisabled     = errors.New("connection disabled")
	ErrCredentialsKeyMismatch = errors.New("connection credentials were encrypted with a different key")
)

// MalformedPayloadError marks a single snapshot entry or activity candidate
// whose provider payload could not be decoded. Passes skip and log these
// entries rather than aborting; a failed provider call aborts the whole
// pass instead.
type MalformedPayloadError struct {
	Provider   string
	ExternalID string
	Err        error
}

func (e *MalformedPayloadError) Error() string {
	return fmt.Sprintf("malformed %s payload for %q: %v", e.Provider, e.ExternalID, e.Err)
}

func (e *MalformedPayloadError) Unwrap() error { return e.Err }

// IsMalformedPayload reports whether err is a per-item payload decode
// failure.
func IsMalformedPayload(err error) bool {
	var mpe *MalformedPayloadError
	return errors.As(err, &mpe)
}

// UnresolvedTargetError marks an activity candidate whose external id maps
// to no monitored inventory item. Dropped and logged, never an error for
// the pass.
type UnresolvedTargetError struct {
	Provider   string
	ExternalID string
}

func (e *UnresolvedTargetError) Error() string {
	return fmt.Sprintf("%s activity references unmonitored target %q", e.Provider, e.ExternalID)
}
