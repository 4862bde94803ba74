// Package realtime contains the chat relay: connections, per-room actors,
// presence, the routing registry, the WebSocket gateway and the persistence
// hand-off to the durable store.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSink is an EventSink backed by PostgreSQL.
//
// Ownership model:
// - PostgresSink does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Idempotency is enforced by primary/unique keys plus ON CONFLICT DO NOTHING,
// so retried writes from the persister are harmless.
type PostgresSink struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresSink behavior.
type PostgresOption func(*PostgresSink) error

// WithSchema sets the DB schema used by this sink (default: "relay").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresSink) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("realtime: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("realtime: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresSink constructs a Postgres-backed EventSink.
func NewPostgresSink(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresSink, error) {
	st := &PostgresSink{
		pool:   pool,
		schema: "relay",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("realtime: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresSink) Close() error { return nil }

// SaveChat inserts a chat message; duplicates by id or (author, nonce) are ignored.
func (s *PostgresSink) SaveChat(ctx context.Context, ev ChatEvent) error {
	if s == nil || s.pool == nil {
		return errors.New("realtime: nil sink")
	}
	if err := ev.validate(); err != nil {
		return err
	}

	createdAt := ev.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	messages := pgIdent(s.schema, "chat_messages")

	var nonce *string
	if ev.ClientNonce != "" {
		nonce = &ev.ClientNonce
	}

	if _, err := s.pool.Exec(ctx,
		`INSERT INTO `+messages+` (
		     room_id, message_id, seq, author_id, author_name, text, client_nonce, created_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT DO NOTHING`,
		ev.RoomID, ev.MessageID, ev.Seq, ev.AuthorID, ev.AuthorName, ev.Text, nonce, createdAt,
	); err != nil {
		return fmt.Errorf("insert chat message: %w", err)
	}
	return nil
}

// SaveReaction inserts a reaction; repeated reactions are deduplicated here.
func (s *PostgresSink) SaveReaction(ctx context.Context, ev ReactionEvent) error {
	if s == nil || s.pool == nil {
		return errors.New("realtime: nil sink")
	}
	if err := ev.validate(); err != nil {
		return err
	}

	createdAt := ev.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	reactions := pgIdent(s.schema, "message_reactions")

	if _, err := s.pool.Exec(ctx,
		`INSERT INTO `+reactions+` (room_id, target_message_id, user_id, emoji, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (room_id, target_message_id, user_id, emoji) DO NOTHING`,
		ev.RoomID, ev.TargetMessageID, ev.UserID, ev.Emoji, createdAt,
	); err != nil {
		return fmt.Errorf("insert reaction: %w", err)
	}
	return nil
}

// Ping checks that the sink can reach the database.
func (s *PostgresSink) Ping(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return errors.New("realtime: nil sink")
	}
	var one int
	return s.pool.QueryRow(ctx, `SELECT 1`).Scan(&one)
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}

var _ EventSink = (*PostgresSink)(nil)
