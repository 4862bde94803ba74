package realtime

import (
	"context"
	"errors"
	"time"
)

// ChatEvent is a chat message handed to the persistence collaborator after
// the relay assigned its id and sequence.
type ChatEvent struct {
	RoomID      string
	MessageID   string
	Seq         int64
	AuthorID    string
	AuthorName  string
	Text        string
	ClientNonce string
	CreatedAt   time.Time
}

// ReactionEvent is a reaction handed to the persistence collaborator.
type ReactionEvent struct {
	RoomID          string
	TargetMessageID string
	Emoji           string
	UserID          string
	CreatedAt       time.Time
}

// EventSink is the durable-storage boundary. The relay only writes; history
// reads belong to the web API.
//
// Requirements:
//   - SaveChat is idempotent per (room_id, message_id)
//   - SaveReaction deduplicates per (room_id, target_message_id, user_id, emoji)
type EventSink interface {
	SaveChat(ctx context.Context, ev ChatEvent) error
	SaveReaction(ctx context.Context, ev ReactionEvent) error
	Close() error
}

// ErrInvalidEvent marks events that can never be stored; they are not retried.
var ErrInvalidEvent = errors.New("realtime: invalid event")

func (ev ChatEvent) validate() error {
	if ev.RoomID == "" || ev.MessageID == "" || ev.AuthorID == "" {
		return ErrInvalidEvent
	}
	return nil
}

func (ev ReactionEvent) validate() error {
	if ev.RoomID == "" || ev.TargetMessageID == "" || ev.UserID == "" || ev.Emoji == "" {
		return ErrInvalidEvent
	}
	return nil
}
