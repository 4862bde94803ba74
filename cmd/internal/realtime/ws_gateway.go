package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"chatrelay/cmd/internal/auth/session"

	v1 "chatrelay/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

// HandleRoomWS upgrades a connect request into a room session.
//
// Route and origin checks run before the upgrade; the credential is
// validated after the upgrade so the client learns the outcome from a close
// code, and before the room registry is consulted, so a rejected session
// never loads a room.
func (s *Server) HandleRoomWS(w http.ResponseWriter, r *http.Request) {
	roomID, token, err := RouteConnect(r)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ErrMissingToken) {
			status = http.StatusUnauthorized
		}
		s.log.Info("ws.reject.route", "err", err, "remote", r.RemoteAddr)
		http.Error(w, http.StatusText(status), status)
		return
	}

	if err := s.enforceOrigin(r); err != nil {
		s.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, s.acceptOptions())
	if err != nil {
		s.log.Error("ws.accept.fail", "err", err)
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	s.serveRoom(conn, roomID, token)
}

func (s *Server) acceptOptions() *websocket.AcceptOptions {
	return &websocket.AcceptOptions{
		// Selected when the client offers it; not mandatory.
		Subprotocols: []string{v1.Subprotocol},

		// Authorize allowed origin hosts for cross-origin handshakes.
		OriginPatterns: s.originPatterns,

		// Dev-only escape hatch.
		InsecureSkipVerify: s.cfg.DevInsecure,
	}
}

func (s *Server) serveRoom(conn *websocket.Conn, roomID, token string) {
	connID, err := NewConnectionID(time.Now().UTC())
	if err != nil {
		s.log.Error("ws.id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "internal error")
		return
	}

	c := NewConnection(s.baseCtx, s.log, connID, roomID, s.cfg.InboundQueueSize, s.cfg.SendQueueSize)
	if !s.track(c) {
		_ = conn.Close(CloseShutdown.Code, CloseShutdown.Text)
		return
	}
	defer s.untrack(c)

	s.metrics.ConnectionOpened()
	defer s.metrics.ConnectionClosed()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		s.readLoop(conn, c)
	}()
	go func() {
		defer wg.Done()
		s.writeLoop(conn, c)
	}()
	go func() {
		defer wg.Done()
		s.watchdog(conn, c)
	}()

	var room *Room
	defer func() {
		c.Close(CloseNormal)
		if room != nil {
			// A timed-out Leave is still applied by the room.
			ctx, cancel := context.WithTimeout(context.Background(), closeGrace)
			if err := room.Leave(ctx, c); err != nil && !errors.Is(err, ErrRoomStopped) {
				c.log.Warn("ws.leave.slow", "err", err)
			}
			cancel()
			s.registry.Release(room)
		}

		reason := c.CloseReason()
		_ = conn.Close(reason.Code, reason.Text)
		wg.Wait()
	}()

	start := time.Now()
	if err := c.Admit(s.validator, token, s.cfg.RetryTransientAuth); err != nil {
		reason := session.Reason(err)
		s.metrics.AuthFailed(reason)
		c.log.Info("ws.auth.fail", "reason", reason, "took_ms", time.Since(start).Milliseconds(), "err", err)
		return
	}

	room, err = s.registry.Acquire(roomID)
	if err != nil {
		c.Close(CloseShutdown)
		return
	}
	if err := room.Admit(c.Context(), c); err != nil {
		if errors.Is(err, ErrRoomStopped) {
			c.Close(CloseShutdown)
		}
		c.log.Info("ws.admit.fail", "err", err)
		return
	}

	id := c.Identity()
	c.log.Info("ws.admit", "user_id", id.UserID)

	s.dispatch(c, room)
}

// dispatch feeds inbound frames to the room in arrival order until the
// connection closes.
func (s *Server) dispatch(c *Connection, room *Room) {
	rl := NewRateLimiter(s.cfg.RateEvents, s.cfg.RateWindow)

	for {
		select {
		case <-c.Done():
			return
		case raw := <-c.In():
			if !rl.Allow(time.Now()) {
				c.SendError(v1.CodeRateLimited, "too many messages")
				c.Close(CloseRateLimited)
				return
			}

			msg, err := v1.DecodeClientMessage(raw)
			if err != nil {
				s.metrics.Malformed()
				code, detail := decodeFailure(err)
				c.SendError(code, detail)
				continue
			}
			s.metrics.MessageReceived(msg.Type)

			if err := room.Handle(c.Context(), c, msg); err != nil {
				if errors.Is(err, ErrRoomStopped) {
					c.Close(CloseShutdown)
				}
				return
			}
		}
	}
}

func decodeFailure(err error) (code, detail string) {
	var de *v1.DecodeError
	if errors.As(err, &de) {
		return de.Code, de.Detail
	}
	return v1.CodeBadMessage, err.Error()
}

// readLoop moves transport frames onto the inbound queue. It exits when the
// transport fails or the connection closes.
func (s *Server) readLoop(conn *websocket.Conn, c *Connection) {
	for {
		// Not bound to c's context: cancelling a Read tears the socket down
		// with a policy-violation status, and Close must pick the code.
		mt, data, err := conn.Read(context.Background())
		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose, readErrConnClosed:
				c.Close(ClosePeerGone)
			default:
				if c.State() != StateClosed {
					c.log.Info("ws.read.fail", "close_status", websocket.CloseStatus(err), "err", err)
				}
				c.Close(ClosePeerGone)
			}
			return
		}
		if mt != websocket.MessageText && mt != websocket.MessageBinary {
			continue
		}
		if !c.PushInbound(data) {
			return
		}
	}
}

// writeLoop drains the outbound queue onto the transport with a per-write
// timeout. Frames still queued at close are discarded.
func (s *Server) writeLoop(conn *websocket.Conn, c *Connection) {
	for {
		select {
		case <-c.Done():
			return
		case frame := <-c.Out():
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
			err := conn.Write(ctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				c.log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
				c.Close(CloseWriteFailed)
				return
			}
		}
	}
}

// watchdog pings the transport and closes connections that stay silent
// past the idle timeout. Transport pongs do not count as traffic.
func (s *Server) watchdog(conn *websocket.Conn, c *Connection) {
	hb := time.NewTicker(s.cfg.HeartbeatInterval)
	defer hb.Stop()

	idleEvery := s.cfg.ReadIdleTimeout / 4
	if idleEvery < 10*time.Millisecond {
		idleEvery = 10 * time.Millisecond
	}
	idle := time.NewTicker(idleEvery)
	defer idle.Stop()

	failures := 0
	for {
		select {
		case <-c.Done():
			return

		case now := <-idle.C:
			if c.IdleFor(now) >= s.cfg.ReadIdleTimeout {
				c.Close(CloseIdle)
				return
			}

		case <-hb.C:
			ctx, cancel := context.WithTimeout(c.Context(), s.cfg.HeartbeatTimeout)
			err := conn.Ping(ctx)
			cancel()

			if err != nil {
				if c.State() == StateClosed {
					return
				}
				failures++
				c.log.Info("ws.ping.fail", "failures", failures, "err", err)
				if failures >= maxPingFailures {
					c.Close(CloseHeartbeat)
					return
				}
				continue
			}
			failures = 0
		}
	}
}

// HandleHealthWS serves an anonymous WebSocket used by load balancers and
// uptime probes. It never touches a room.
func (s *Server) HandleHealthWS(w http.ResponseWriter, r *http.Request) {
	if err := s.enforceOrigin(r); err != nil {
		s.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, s.acceptOptions())
	if err != nil {
		s.log.Error("ws.accept.fail", "err", err)
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	if !s.trackHealth(conn) {
		_ = conn.Close(CloseShutdown.Code, CloseShutdown.Text)
		return
	}
	defer s.untrackHealth(conn)

	idle := time.AfterFunc(s.cfg.ReadIdleTimeout, func() {
		_ = conn.Close(CloseIdle.Code, CloseIdle.Text)
	})
	defer idle.Stop()

	write := func(m v1.ServerMessage) error {
		frame, err := v1.Encode(m)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
		defer cancel()
		return conn.Write(ctx, websocket.MessageText, frame)
	}

	if err := write(v1.Connected{}); err != nil {
		_ = conn.CloseNow()
		return
	}

	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "bye")
			return
		}
		idle.Reset(s.cfg.ReadIdleTimeout)

		msg, err := v1.DecodeClientMessage(data)
		switch {
		case err != nil:
			code, detail := decodeFailure(err)
			err = write(v1.ErrorPayload{Code: code, Detail: detail})
		case msg.Type != v1.TypePing:
			err = write(v1.ErrorPayload{Code: v1.CodeUnsupported, Detail: "health connection accepts ping only"})
		}
		if err != nil {
			_ = conn.CloseNow()
			return
		}
	}
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrConnClosed
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func (s *Server) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if s.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(s.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range s.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins keeps websocket.Accept's own origin
// check in agreement with enforceOrigin. "*" maps to a match-all pattern.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		if strings.TrimSpace(a) == "*" {
			return []string{"*"}
		}
		h := originHostOnly(a)
		if h == "" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
