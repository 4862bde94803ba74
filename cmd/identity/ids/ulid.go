// Package ids provides id primitives (ULID) used across the relay.
package ids

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (26 chars).
// ULIDs are lexicographically sortable and work well in distributed systems.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Monotonic generates strictly increasing ULIDs.
//
// Timestamps never go backwards: if the clock steps back, the last issued
// millisecond is reused and the monotonic entropy increments instead.
type Monotonic struct {
	mu      sync.Mutex
	entropy io.Reader
	lastMS  uint64
}

// NewMonotonic constructs a generator seeded from crypto/rand.
func NewMonotonic() *Monotonic {
	return &Monotonic{entropy: ulid.Monotonic(rand.Reader, 0)}
}

// Next returns the next id and the (possibly clamped) timestamp it encodes.
func (m *Monotonic) Next(now time.Time) (string, time.Time, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ms := ulid.Timestamp(now)
	if ms < m.lastMS {
		ms = m.lastMS
	}

	id, err := ulid.New(ms, m.entropy)
	if err != nil {
		return "", time.Time{}, err
	}
	m.lastMS = ms
	return id.String(), ulid.Time(ms).UTC(), nil
}
