package realtime

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

func newTestPostgresSink(t *testing.T) (*PostgresSink, *pgxpool.Pool) {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv("RELAY_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("RELAY_TEST_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	t.Cleanup(pool.Close)

	schema, err := os.ReadFile("../../../migrations/0001_relay.sql")
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	if _, err := pool.Exec(ctx, string(schema)); err != nil {
		t.Fatalf("apply migration: %v", err)
	}

	sink, err := NewPostgresSink(pool)
	if err != nil {
		t.Fatalf("NewPostgresSink: %v", err)
	}
	if err := sink.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	return sink, pool
}

func TestPostgresSink_ChatIdempotent(t *testing.T) {
	sink, pool := newTestPostgresSink(t)
	ctx := context.Background()

	roomID := "it-room-" + time.Now().UTC().Format("150405.000000000")
	ev := ChatEvent{
		RoomID:      roomID,
		MessageID:   "01HZZZZZZZZZZZZZZZZZZZZZZ1",
		Seq:         1,
		AuthorID:    "u1",
		AuthorName:  "Ada",
		Text:        "hello",
		ClientNonce: "n1",
		CreatedAt:   time.Now().UTC(),
	}
	for i := 0; i < 2; i++ {
		if err := sink.SaveChat(ctx, ev); err != nil {
			t.Fatalf("SaveChat #%d: %v", i, err)
		}
	}

	var n int
	if err := pool.QueryRow(ctx, `SELECT count(*) FROM relay.chat_messages WHERE room_id = $1`, roomID).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("rows=%d want 1", n)
	}
}

func TestPostgresSink_ReactionDedup(t *testing.T) {
	sink, pool := newTestPostgresSink(t)
	ctx := context.Background()

	roomID := "it-react-" + time.Now().UTC().Format("150405.000000000")
	ev := ReactionEvent{RoomID: roomID, TargetMessageID: "m1", Emoji: "👍", UserID: "u1", CreatedAt: time.Now().UTC()}
	for i := 0; i < 3; i++ {
		if err := sink.SaveReaction(ctx, ev); err != nil {
			t.Fatalf("SaveReaction: %v", err)
		}
	}

	var n int
	if err := pool.QueryRow(ctx, `SELECT count(*) FROM relay.message_reactions WHERE room_id = $1`, roomID).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("rows=%d want 1", n)
	}
}

func TestWithSchema_RejectsInvalidIdentifier(t *testing.T) {
	t.Parallel()

	st := &PostgresSink{}
	if err := WithSchema("relay; DROP TABLE x")(st); err == nil {
		t.Fatalf("expected invalid schema error")
	}
	if err := WithSchema("relay_v2")(st); err != nil || st.schema != "relay_v2" {
		t.Fatalf("valid schema rejected: %v", err)
	}
}
