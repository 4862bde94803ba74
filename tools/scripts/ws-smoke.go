// Package main provides a CI-friendly WebSocket smoke test for the chat relay.
//
// It validates:
//   - handshake + subprotocol selection
//   - connected then presence snapshot on admission
//   - presence delta when a second user joins
//   - send_chat fanout with one shared message id
//   - ping is never echoed
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "chatrelay/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20 // 1MiB

// frame is a loose view over every server variant.
type frame struct {
	Type         string             `json:"type"`
	RoomID       string             `json:"room_id"`
	ConnectionID string             `json:"connection_id"`
	ID           string             `json:"id"`
	Seq          int64              `json:"seq"`
	AuthorID     string             `json:"author_id"`
	Text         string             `json:"text"`
	ClientNonce  string             `json:"client_nonce"`
	UserID       string             `json:"user_id"`
	Joined       bool               `json:"joined"`
	Entries      []v1.PresenceEntry `json:"entries"`
	Code         string             `json:"code"`
	Detail       string             `json:"detail"`
}

type smokeClient struct {
	name   string
	conn   *websocket.Conn
	connID string

	inbox chan frame
	errCh chan error
}

func main() {
	var (
		baseURL = flag.String("url", "ws://127.0.0.1:8080", "Relay base URL (ws or wss)")
		room    = flag.String("room", "smoke-room", "Room ID to join")
		tokenA  = flag.String("token-a", "", "Bearer token for client A")
		tokenB  = flag.String("token-b", "", "Bearer token for client B")
		origin  = flag.String("origin", "", "Origin header to send (browser-like WS handshake)")
		text    = flag.String("text", "hello relay", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if strings.TrimSpace(*tokenA) == "" || strings.TrimSpace(*tokenB) == "" {
		fatalf("-token-a and -token-b are required")
	}
	wsURL, err := roomURL(*baseURL, *room)
	if err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	a := mustConnect(root, "A", wsURL, *tokenA, *origin, *timeout)
	defer closeWS(a.conn)
	snapA := a.mustRead(root, v1.TypePresenceSnapshot, *timeout)

	b := mustConnect(root, "B", wsURL, *tokenB, *origin, *timeout)
	defer closeWS(b.conn)
	snapB := b.mustRead(root, v1.TypePresenceSnapshot, *timeout)

	if *verbose {
		fmt.Printf("connected: A=%s (snapshot=%d) B=%s (snapshot=%d)\n", a.connID, len(snapA.Entries), b.connID, len(snapB.Entries))
	}

	// A sees B's arrival only when B is a different user.
	if len(snapB.Entries) > len(snapA.Entries) {
		delta := a.mustRead(root, v1.TypePresenceDelta, *timeout)
		if !delta.Joined {
			fatalf("presence delta (A): expected joined=true")
		}
	}

	mustWrite(root, a.conn, v1.Ping{Type: v1.TypePing}, *timeout)

	nonce := fmt.Sprintf("smoke-%d", time.Now().UnixNano())
	mustWrite(root, a.conn, v1.SendChat{Type: v1.TypeSendChat, Text: *text, ClientNonce: nonce}, *timeout)

	gotA := a.mustRead(root, v1.TypeChatMessage, *timeout)
	gotB := b.mustRead(root, v1.TypeChatMessage, *timeout)

	if gotA.ID == "" || gotA.ID != gotB.ID {
		fatalf("chat id mismatch: A=%q B=%q", gotA.ID, gotB.ID)
	}
	if gotA.Seq != gotB.Seq {
		fatalf("chat seq mismatch: A=%d B=%d", gotA.Seq, gotB.Seq)
	}
	if gotA.ClientNonce != nonce {
		fatalf("nonce not echoed to sender: got=%q want=%q", gotA.ClientNonce, nonce)
	}
	if gotB.Text != strings.TrimSpace(*text) {
		fatalf("text mismatch (B): got=%q want=%q", gotB.Text, *text)
	}

	fmt.Printf("OK: room=%s id=%s seq=%d author=%s\n", *room, gotA.ID, gotA.Seq, gotA.AuthorID)
}

func roomURL(base, room string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", errors.New("missing host")
	}
	if strings.TrimSpace(room) == "" {
		return "", errors.New("missing room")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/rooms/" + url.PathEscape(room) + "/ws"
	return u.String(), nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, token, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, v1.Subprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan frame, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	hello := c.mustRead(parent, v1.TypeConnected, stepTimeout)
	if strings.TrimSpace(hello.ConnectionID) == "" {
		fatalf("connected missing connection_id (%s)", name)
	}
	c.connID = hello.ConnectionID

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}
			if mt != websocket.MessageText {
				c.fail(fmt.Errorf("unsupported message type: %v", mt))
				return
			}

			var f frame
			if err := json.Unmarshal(data, &f); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}

			select {
			case c.inbox <- f:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

// mustRead waits for wantType, skipping presence deltas it was not asked for.
func (c *smokeClient) mustRead(parent context.Context, wantType string, stepTimeout time.Duration) frame {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case f, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			switch f.Type {
			case wantType:
				return f
			case v1.TypeError:
				fatalf("server error (%s): code=%q detail=%q", c.name, f.Code, f.Detail)
			case v1.TypePresenceDelta:
				continue
			default:
				fatalf("unexpected frame type (%s): got=%q want=%q", c.name, f.Type, wantType)
			}
		}
	}
}

func mustWrite(parent context.Context, conn *websocket.Conn, msg any, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(msg)
	if err != nil {
		fatalf("marshal frame: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
