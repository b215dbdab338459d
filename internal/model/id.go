package model

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewID generates a new ULID string for use as an entity identifier.
func NewID() string {
	return ulid.Make().String()
}

// NewCallbackToken generates the unguessable token a composer uses to report
// back on a workflow.
func NewCallbackToken() string {
	return uuid.NewString()
}
