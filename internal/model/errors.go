package model

import (
	"errors"
	"fmt"
)

// Sentinel errors for the core taxonomy. Handlers and callers branch with
// errors.Is; wrapped context travels with %w.
var (
	// ErrValidation: bad input. Reported to the caller, never retried.
	ErrValidation = errors.New("validation failed")

	// ErrPermission: authorization failure. Reported, never retried.
	ErrPermission = errors.New("permission denied")

	// ErrEncryption: fatal to the operation. Never degrades to plaintext.
	ErrEncryption = errors.New("encryption failed")

	// ErrNetwork: transient transport failure. Retried internally with
	// backoff; surfaced only after attempts are exhausted.
	ErrNetwork = errors.New("network error")

	// ErrConflict: concurrent mutation resolved by policy; logged when
	// resolution discarded local state.
	ErrConflict = errors.New("conflict")

	// ErrEditWindowExpired: edit attempted outside the bounded window.
	ErrEditWindowExpired = errors.New("edit window expired")

	// ErrRateLimited: notification frequency cap hit. Suppressed and
	// recorded, not surfaced as a caller error.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrNotFound: referenced entity does not exist or is not visible.
	ErrNotFound = errors.New("not found")

	// ErrCanceled: the caller canceled an in-flight operation.
	ErrCanceled = errors.New("canceled")
)

// ValidationError wraps ErrValidation with a field-level reason.
func ValidationError(field, reason string) error {
	return fmt.Errorf("%w: %s: %s", ErrValidation, field, reason)
}

// PermissionError wraps ErrPermission with the denied action.
func PermissionError(action string) error {
	return fmt.Errorf("%w: %s", ErrPermission, action)
}
