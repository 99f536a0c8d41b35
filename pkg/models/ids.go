package models

import "github.com/google/uuid"

// NewActionID returns a globally unique action identifier
func NewActionID() string {
	return uuid.NewString()
}

// NewCorrelationID returns an identifier binding one request to one reply or
// callback. Never reused across unrelated requests.
func NewCorrelationID() string {
	return uuid.NewString()
}

// NewTraceID returns the identifier propagated across every action derived
// from one root request
func NewTraceID() string {
	return uuid.NewString()
}
