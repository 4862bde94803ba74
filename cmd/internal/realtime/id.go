package realtime

import (
	"time"

	"chatrelay/cmd/identity/ids"
)

// NewConnectionID returns a ULID used as connection id.
// ULID is preferable to random hex for tracing and ordering in logs.
func NewConnectionID(now time.Time) (string, error) {
	return ids.NewULID(now)
}
