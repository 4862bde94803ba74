package realtime

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisStreamPrefix = "relay:room"
	defaultRedisStreamMaxLen = 100_000
)

// RedisSink appends events to one Redis stream per room. The owning store
// consumes the streams and is responsible for dedupe and durability.
//
// The client is owned by the caller; Close() is a no-op.
type RedisSink struct {
	client redis.UniversalClient
	prefix string
	maxLen int64
}

// RedisOption configures RedisSink behavior.
type RedisOption func(*RedisSink)

// WithStreamPrefix sets the stream key prefix (default "relay:room").
func WithStreamPrefix(prefix string) RedisOption {
	return func(s *RedisSink) {
		if p := strings.TrimSpace(prefix); p != "" {
			s.prefix = p
		}
	}
}

// WithStreamMaxLen caps each stream (approximate trimming).
func WithStreamMaxLen(n int64) RedisOption {
	return func(s *RedisSink) {
		if n > 0 {
			s.maxLen = n
		}
	}
}

// NewRedisSink constructs a stream-backed EventSink.
func NewRedisSink(client redis.UniversalClient, opts ...RedisOption) (*RedisSink, error) {
	if client == nil {
		return nil, errors.New("realtime: nil redis client")
	}
	s := &RedisSink{
		client: client,
		prefix: defaultRedisStreamPrefix,
		maxLen: defaultRedisStreamMaxLen,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Close is a no-op because the client is owned by the caller.
func (s *RedisSink) Close() error { return nil }

// StreamKey returns the stream that receives events for roomID.
func (s *RedisSink) StreamKey(roomID string) string {
	return s.prefix + ":" + roomID
}

// SaveChat appends a chat_message entry.
func (s *RedisSink) SaveChat(ctx context.Context, ev ChatEvent) error {
	if err := ev.validate(); err != nil {
		return err
	}
	return s.add(ctx, ev.RoomID, map[string]any{
		"kind":         "chat_message",
		"message_id":   ev.MessageID,
		"seq":          strconv.FormatInt(ev.Seq, 10),
		"author_id":    ev.AuthorID,
		"author_name":  ev.AuthorName,
		"text":         ev.Text,
		"client_nonce": ev.ClientNonce,
		"created_at":   ev.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
}

// SaveReaction appends a reaction entry.
func (s *RedisSink) SaveReaction(ctx context.Context, ev ReactionEvent) error {
	if err := ev.validate(); err != nil {
		return err
	}
	return s.add(ctx, ev.RoomID, map[string]any{
		"kind":              "reaction",
		"target_message_id": ev.TargetMessageID,
		"user_id":           ev.UserID,
		"emoji":             ev.Emoji,
		"created_at":        ev.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
}

func (s *RedisSink) add(ctx context.Context, roomID string, values map[string]any) error {
	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.StreamKey(roomID),
		MaxLen: s.maxLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("redis xadd: %w", err)
	}
	return nil
}

var _ EventSink = (*RedisSink)(nil)
