package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"chatrelay/cmd/identity"
	"chatrelay/cmd/internal/auth/session"
	"chatrelay/cmd/internal/metrics"

	v1 "chatrelay/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

var roomIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]{0,127}$`)

// Route rejection errors. They are returned before any Room is touched.
var (
	ErrInvalidRoomID = errors.New("realtime: invalid room id")
	ErrMissingToken  = errors.New("realtime: missing token")
)

// Server is the relay: it owns the room registry, admits WebSocket
// connections into rooms and tracks them for shutdown.
type Server struct {
	log       *slog.Logger
	cfg       Config
	validator session.Validator
	registry  *Registry
	metrics   *metrics.Relay

	// Derived for websocket.Accept origin checks.
	originPatterns []string

	baseCtx context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	draining bool
	conns    map[*Connection]struct{}
	health   map[*websocket.Conn]struct{}
	wg       sync.WaitGroup
}

// NewServer wires a relay server. A nil validator rejects every session and
// a nil publisher discards events.
func NewServer(log *slog.Logger, cfg Config, v session.Validator, pub Publisher, m *metrics.Relay) *Server {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if v == nil {
		v = session.ValidatorFunc(func(context.Context, string) (identity.Identity, error) {
			return identity.Identity{}, &session.FailureError{Kind: session.ErrUnavailable}
		})
	}
	cfg = cfg.normalized()

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		log:            log,
		cfg:            cfg,
		validator:      v,
		metrics:        m,
		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),
		baseCtx:        ctx,
		cancel:         cancel,
		conns:          make(map[*Connection]struct{}),
		health:         make(map[*websocket.Conn]struct{}),
	}
	s.registry = NewRegistry(log, cfg.EmptyRoomGrace, func(roomID string) *Room {
		return NewRoom(log, roomID, cfg.MailboxSize, WithPublisher(pub), WithRoomMetrics(m))
	}, m)
	return s
}

// Registry exposes the routing table.
func (s *Server) Registry() *Registry { return s.registry }

// Register mounts the relay routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /rooms/{roomID}/ws", s.HandleRoomWS)
	mux.HandleFunc("GET /rooms/{roomID}/presence", s.HandlePresence)
	mux.HandleFunc("GET /healthz/ws", s.HandleHealthWS)
}

// RouteConnect extracts and validates the room id and credential of a
// connect request. It never creates or touches a Room.
func RouteConnect(r *http.Request) (roomID, token string, err error) {
	roomID = r.PathValue("roomID")
	if !validRoomID(roomID) {
		return "", "", ErrInvalidRoomID
	}
	token = requestToken(r)
	if token == "" {
		return "", "", ErrMissingToken
	}
	return roomID, token, nil
}

func validRoomID(id string) bool {
	return len(id) <= maxRoomIDBytes && roomIDPattern.MatchString(id)
}

// requestToken prefers the Authorization header; browsers that cannot set
// headers on a WebSocket handshake may pass ?token= instead.
func requestToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) > len("bearer ") && strings.EqualFold(h[:len("bearer ")], "bearer ") {
		if tok := strings.TrimSpace(h[len("bearer "):]); tok != "" {
			return tok
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// HandlePresence serves a read-only presence snapshot of a loaded room.
func (s *Server) HandlePresence(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomID")
	if !validRoomID(roomID) {
		http.Error(w, "invalid room id", http.StatusBadRequest)
		return
	}
	room, ok := s.registry.Lookup(roomID)
	if !ok {
		http.Error(w, "room not loaded", http.StatusNotFound)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	entries, err := room.Presence(ctx)
	if err != nil {
		if errors.Is(err, ErrRoomStopped) {
			http.Error(w, "room not loaded", http.StatusNotFound)
			return
		}
		http.Error(w, "room busy", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		RoomID  string             `json:"room_id"`
		Entries []v1.PresenceEntry `json:"entries"`
	}{RoomID: roomID, Entries: presenceToWire(entries)})
}

func (s *Server) track(c *Connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c *Connection) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.wg.Done()
}

func (s *Server) trackHealth(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return false
	}
	s.health[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrackHealth(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.health, conn)
	s.mu.Unlock()
	s.wg.Done()
}

// Shutdown closes every live connection with a going-away status, waits for
// their handlers to return (bounded by ctx) and unloads all rooms.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	conns := make([]*Connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	health := make([]*websocket.Conn, 0, len(s.health))
	for h := range s.health {
		health = append(health, h)
	}
	s.mu.Unlock()

	s.log.Info("relay.shutdown", "connections", len(conns), "health_connections", len(health))

	for _, c := range conns {
		c.Close(CloseShutdown)
	}
	for _, h := range health {
		go func(h *websocket.Conn) { _ = h.Close(CloseShutdown.Code, CloseShutdown.Text) }(h)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	s.cancel()
	s.registry.Close()
	return err
}
