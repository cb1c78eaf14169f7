package domain

import (
	"errors"
	"fmt"
)

// Error categories. A record-level failure never aborts the rest of the
// batch; each category carries its own recovery semantics:
//
//	ErrConfiguration — malformed rule or condition: skip, log, continue
//	ErrData          — record missing a required field: non-match / zero feature
//	ErrModel         — anomaly fitting failed: fall back to rule-only scoring
//	ErrStateConflict — concurrent run on a locked session: retryable reject
var (
	ErrConfiguration = errors.New("configuration error")
	ErrData          = errors.New("data error")
	ErrModel         = errors.New("model error")
	ErrStateConflict = errors.New("state conflict")
)

// ErrNotFound is returned by repositories when the requested entity does
// not exist.
var ErrNotFound = errors.New("not found")

// ConfigurationError wraps ErrConfiguration with the offending entity.
func ConfigurationError(entity string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrConfiguration, entity, err)
}

// ModelError wraps ErrModel with a reason.
func ModelError(reason string) error {
	return fmt.Errorf("%w: %s", ErrModel, reason)
}

// SessionLockedError wraps ErrStateConflict for a locked session.
func SessionLockedError(sessionID string) error {
	return fmt.Errorf("%w: session %s is locked by another run", ErrStateConflict, sessionID)
}

// Retryable reports whether an error is safe to retry once the conflicting
// run completes.
func Retryable(err error) bool {
	return errors.Is(err, ErrStateConflict)
}
