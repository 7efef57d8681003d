package common

import (
	"github.com/google/uuid"
)

// NewJobID generates a short opaque job id.
// Format: first 8 hex characters of a UUID, e.g. "3f1a9c2b".
func NewJobID() string {
	return uuid.New().String()[:8]
}
