package realtime

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestInMemorySink_ChatIdempotent(t *testing.T) {
	t.Parallel()

	s := NewInMemorySink()
	ctx := context.Background()
	now := time.Now().UTC()

	ev := ChatEvent{RoomID: "r", MessageID: "m1", Seq: 1, AuthorID: "a", Text: "hi", ClientNonce: "n1", CreatedAt: now}
	for i := 0; i < 3; i++ {
		if err := s.SaveChat(ctx, ev); err != nil {
			t.Fatalf("SaveChat: %v", err)
		}
	}

	dupNonce := ev
	dupNonce.MessageID = "m2"
	if err := s.SaveChat(ctx, dupNonce); err != nil {
		t.Fatalf("SaveChat: %v", err)
	}

	if got := len(s.Chats("r")); got != 1 {
		t.Fatalf("stored=%d want 1", got)
	}
}

func TestInMemorySink_ReactionDedup(t *testing.T) {
	t.Parallel()

	s := NewInMemorySink()
	ctx := context.Background()

	ev := ReactionEvent{RoomID: "r", TargetMessageID: "m1", Emoji: "👍", UserID: "a", CreatedAt: time.Now()}
	_ = s.SaveReaction(ctx, ev)
	ev.CreatedAt = ev.CreatedAt.Add(time.Second)
	_ = s.SaveReaction(ctx, ev)
	_ = s.SaveReaction(ctx, ReactionEvent{RoomID: "r", TargetMessageID: "m1", Emoji: "🎉", UserID: "a"})

	if got := len(s.Reactions("r")); got != 2 {
		t.Fatalf("reactions=%d want 2", got)
	}
}

func TestInMemorySink_InvalidEvent(t *testing.T) {
	t.Parallel()

	s := NewInMemorySink()
	if err := s.SaveChat(context.Background(), ChatEvent{RoomID: "r"}); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
	if err := s.SaveReaction(context.Background(), ReactionEvent{RoomID: "r"}); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
}
