// Package uuidv7 issues time-ordered identifiers for pooled handles.
// V7 identifiers sort by creation time, which keeps pool listings and
// cleanup reports in a stable, readable order.
package uuidv7

import "github.com/google/uuid"

// New returns a UUIDv7 value (time-ordered) or panics if generation fails.
func New() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewString returns a string representation of a UUIDv7.
func NewString() string {
	return New().String()
}
