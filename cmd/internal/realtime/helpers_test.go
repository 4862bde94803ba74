package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chatrelay/cmd/identity"
	"chatrelay/cmd/internal/auth/session"

	v1 "chatrelay/shared/contracts/realtime/v1"
)

// testFrame is a union of every server message shape.
type testFrame struct {
	Type string `json:"type"`

	RoomID       string `json:"room_id"`
	ConnectionID string `json:"connection_id"`

	ID          string    `json:"id"`
	Seq         int64     `json:"seq"`
	AuthorID    string    `json:"author_id"`
	AuthorName  string    `json:"author_name"`
	Text        string    `json:"text"`
	CreatedAt   time.Time `json:"created_at"`
	ClientNonce string    `json:"client_nonce"`

	TargetMessageID string `json:"target_message_id"`
	Emoji           string `json:"emoji"`

	UserID string `json:"user_id"`
	Joined bool   `json:"joined"`

	Entries []v1.PresenceEntry `json:"entries"`

	Code   string `json:"code"`
	Detail string `json:"detail"`
}

func decodeFrame(t *testing.T, raw []byte) testFrame {
	t.Helper()
	var f testFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatalf("decode frame %q: %v", raw, err)
	}
	return f
}

var testConnSeq atomic.Int64

func staticValidator(userID string) session.Validator {
	return session.ValidatorFunc(func(context.Context, string) (identity.Identity, error) {
		return identity.New(userID, "User "+userID, ""), nil
	})
}

// newAdmittedConn returns an Authenticated connection for userID that is
// not yet a room member.
func newAdmittedConn(t *testing.T, roomID, userID string, sendQueue int) *Connection {
	t.Helper()

	id := fmt.Sprintf("conn-%d", testConnSeq.Add(1))
	c := NewConnection(context.Background(), discardLogger(), id, roomID, 8, sendQueue)
	if err := c.Admit(staticValidator(userID), "token-"+userID, false); err != nil {
		t.Fatalf("Admit(%s): %v", userID, err)
	}
	t.Cleanup(func() { c.Close(CloseNormal) })
	return c
}

// nextFrame waits for the next outbound frame queued for c.
func nextFrame(t *testing.T, c *Connection) testFrame {
	t.Helper()
	select {
	case raw := <-c.Out():
		return decodeFrame(t, raw)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for frame on %s", c.ID)
		return testFrame{}
	}
}

func expectType(t *testing.T, c *Connection, typ string) testFrame {
	t.Helper()
	f := nextFrame(t, c)
	if f.Type != typ {
		t.Fatalf("%s: frame type=%q want %q (%+v)", c.ID, f.Type, typ, f)
	}
	return f
}

// syncRoom waits until every command posted to r so far has run.
func syncRoom(t *testing.T, r *Room) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := r.Members(ctx); err != nil {
		t.Fatalf("sync room: %v", err)
	}
}

type recordingPublisher struct {
	mu        sync.Mutex
	chats     []ChatEvent
	reactions []ReactionEvent
}

func (p *recordingPublisher) PublishChat(ev ChatEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chats = append(p.chats, ev)
}

func (p *recordingPublisher) PublishReaction(ev ReactionEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reactions = append(p.reactions, ev)
}

func (p *recordingPublisher) Chats() []ChatEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ChatEvent(nil), p.chats...)
}

func (p *recordingPublisher) Reactions() []ReactionEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ReactionEvent(nil), p.reactions...)
}
