package realtime

import (
	"context"
	"sync"
)

const (
	memMaxChatsPerRoom = 10_000
)

// InMemorySink is a dev-only fallback when no database is configured.
// It supports:
//   - SaveChat: idempotent by message id and by (author, client nonce)
//   - SaveReaction: deduplicated per user/target/emoji
type InMemorySink struct {
	mu    sync.Mutex
	rooms map[string]*memRoom
}

type memRoom struct {
	byID      map[string]struct{}
	byNonce   map[string]struct{} // author_id + "\x00" + client_nonce
	chats     []ChatEvent
	reactions map[ReactionEvent]struct{}
	order     []ReactionEvent
}

// NewInMemorySink constructs an in-memory EventSink implementation.
func NewInMemorySink() *InMemorySink {
	return &InMemorySink{rooms: make(map[string]*memRoom)}
}

// Close closes the sink (noop for in-memory).
func (s *InMemorySink) Close() error { return nil }

func (s *InMemorySink) room(id string) *memRoom {
	r := s.rooms[id]
	if r == nil {
		r = &memRoom{
			byID:      make(map[string]struct{}),
			byNonce:   make(map[string]struct{}),
			chats:     make([]ChatEvent, 0, 64),
			reactions: make(map[ReactionEvent]struct{}),
		}
		s.rooms[id] = r
	}
	return r
}

// SaveChat stores a chat event once.
func (s *InMemorySink) SaveChat(ctx context.Context, ev ChatEvent) error {
	if err := ev.validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.room(ev.RoomID)
	if _, ok := r.byID[ev.MessageID]; ok {
		return nil
	}
	nonceKey := ev.AuthorID + "\x00" + ev.ClientNonce
	if ev.ClientNonce != "" {
		if _, ok := r.byNonce[nonceKey]; ok {
			return nil
		}
		r.byNonce[nonceKey] = struct{}{}
	}
	r.byID[ev.MessageID] = struct{}{}
	r.chats = append(r.chats, ev)

	// Bound memory to avoid unbounded growth in dev.
	if len(r.chats) > memMaxChatsPerRoom {
		r.chats = r.chats[len(r.chats)-memMaxChatsPerRoom:]
	}
	return nil
}

// SaveReaction stores a reaction once per (target, user, emoji).
func (s *InMemorySink) SaveReaction(ctx context.Context, ev ReactionEvent) error {
	if err := ev.validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	key := ReactionEvent{RoomID: ev.RoomID, TargetMessageID: ev.TargetMessageID, Emoji: ev.Emoji, UserID: ev.UserID}

	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.room(ev.RoomID)
	if _, ok := r.reactions[key]; ok {
		return nil
	}
	r.reactions[key] = struct{}{}
	r.order = append(r.order, ev)
	return nil
}

// Chats returns a copy of stored chat events for roomID in arrival order.
func (s *InMemorySink) Chats(roomID string) []ChatEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rooms[roomID]
	if r == nil {
		return nil
	}
	return append([]ChatEvent(nil), r.chats...)
}

// Reactions returns a copy of stored reactions for roomID in arrival order.
func (s *InMemorySink) Reactions(roomID string) []ReactionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rooms[roomID]
	if r == nil {
		return nil
	}
	return append([]ReactionEvent(nil), r.order...)
}

var _ EventSink = (*InMemorySink)(nil)
