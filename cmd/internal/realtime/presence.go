package realtime

import (
	"sort"
	"time"

	"chatrelay/cmd/identity"

	v1 "chatrelay/shared/contracts/realtime/v1"
)

// PresenceEntry is one user present in a room.
type PresenceEntry struct {
	UserID          string
	DisplayName     string
	AvatarURL       string
	LastSeenAt      time.Time
	ConnectionCount int
}

// PresenceTable maps user id to presence for a single room.
//
// It is not safe for concurrent use: only the owning Room's actor goroutine
// touches it. An entry exists iff its ConnectionCount > 0.
type PresenceTable struct {
	entries map[string]*PresenceEntry
}

// NewPresenceTable returns an empty table.
func NewPresenceTable() *PresenceTable {
	return &PresenceTable{entries: make(map[string]*PresenceEntry)}
}

// Join counts one more connection for id. It reports true when this is the
// user's first connection, i.e. a joined delta must be broadcast.
func (p *PresenceTable) Join(id identity.Identity, now time.Time) bool {
	if !id.IsAuthenticated() {
		return false
	}

	if e, ok := p.entries[id.UserID]; ok {
		e.ConnectionCount++
		e.LastSeenAt = now
		return false
	}

	p.entries[id.UserID] = &PresenceEntry{
		UserID:          id.UserID,
		DisplayName:     id.DisplayName,
		AvatarURL:       id.AvatarURL,
		LastSeenAt:      now,
		ConnectionCount: 1,
	}
	return true
}

// Leave counts one connection fewer for userID. It reports true when the
// count reached zero and the entry was removed.
func (p *PresenceTable) Leave(userID string) bool {
	e, ok := p.entries[userID]
	if !ok {
		return false
	}

	e.ConnectionCount--
	if e.ConnectionCount > 0 {
		return false
	}
	delete(p.entries, userID)
	return true
}

// Touch refreshes LastSeenAt for a present user.
func (p *PresenceTable) Touch(userID string, now time.Time) {
	if e, ok := p.entries[userID]; ok && now.After(e.LastSeenAt) {
		e.LastSeenAt = now
	}
}

// Count returns the connection count for userID (0 when absent).
func (p *PresenceTable) Count(userID string) int {
	if e, ok := p.entries[userID]; ok {
		return e.ConnectionCount
	}
	return 0
}

// Len returns the number of distinct users present.
func (p *PresenceTable) Len() int { return len(p.entries) }

// Snapshot returns a copy of all entries ordered by user id.
func (p *PresenceTable) Snapshot() []PresenceEntry {
	out := make([]PresenceEntry, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func presenceToWire(entries []PresenceEntry) []v1.PresenceEntry {
	out := make([]v1.PresenceEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, v1.PresenceEntry{
			UserID:          e.UserID,
			DisplayName:     e.DisplayName,
			AvatarURL:       e.AvatarURL,
			LastSeenAt:      e.LastSeenAt,
			ConnectionCount: e.ConnectionCount,
		})
	}
	return out
}
