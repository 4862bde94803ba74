package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"chatrelay/cmd/identity/ids"
	"chatrelay/cmd/internal/metrics"

	v1 "chatrelay/shared/contracts/realtime/v1"
)

// ErrRoomStopped is returned when a command is posted to a stopped room.
var ErrRoomStopped = errors.New("realtime: room stopped")

// RoomOption customizes a Room.
type RoomOption func(*Room)

// WithClock overrides the time source used for message timestamps.
func WithClock(now func() time.Time) RoomOption {
	return func(r *Room) {
		if now != nil {
			r.now = now
		}
	}
}

// WithPublisher sets where chat and reaction events are handed off for storage.
func WithPublisher(p Publisher) RoomOption {
	return func(r *Room) {
		if p != nil {
			r.publisher = p
		}
	}
}

// WithRoomMetrics attaches metrics collectors.
func WithRoomMetrics(m *metrics.Relay) RoomOption {
	return func(r *Room) { r.metrics = m }
}

// Room serializes all state mutation and fan-out for one conversation.
//
// A single goroutine drains the mailbox and is the only code that touches
// members, presence, seq and the id generator. Fan-out never blocks: each
// member has its own bounded queue and a full queue evicts that member.
type Room struct {
	ID string

	log       *slog.Logger
	metrics   *metrics.Relay
	publisher Publisher
	now       func() time.Time

	mailbox  chan func()
	quit     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once

	// Leaves bypass the mailbox so a saturated room cannot lose one.
	leaveMu     sync.Mutex
	leaving     []leaveRequest
	leaveSignal chan struct{}

	// Owned by the run goroutine.
	members  map[*Connection]struct{}
	presence *PresenceTable
	seq      int64
	ids      *ids.Monotonic
}

// NewRoom starts the room's actor goroutine.
func NewRoom(log *slog.Logger, id string, mailboxSize int, opts ...RoomOption) *Room {
	if log == nil {
		log = slog.Default()
	}
	if mailboxSize <= 0 {
		mailboxSize = defaultMailboxSize
	}
	r := &Room{
		ID:          id,
		log:         log.With("room_id", id),
		publisher:   nopPublisher{},
		now:         time.Now,
		mailbox:     make(chan func(), mailboxSize),
		quit:        make(chan struct{}),
		stopped:     make(chan struct{}),
		leaveSignal: make(chan struct{}, 1),
		members:     make(map[*Connection]struct{}),
		presence:    NewPresenceTable(),
		ids:         ids.NewMonotonic(),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.run()
	return r
}

func (r *Room) run() {
	defer close(r.stopped)
	for {
		select {
		case <-r.leaveSignal:
			r.drainLeaves()
		case fn := <-r.mailbox:
			r.drainLeaves()
			fn()
		case <-r.quit:
			return
		}
	}
}

// Stop terminates the actor. Queued commands that have not run are dropped.
func (r *Room) Stop() {
	r.stopOnce.Do(func() { close(r.quit) })
	<-r.stopped
}

// Stopped is closed once the actor has exited.
func (r *Room) Stopped() <-chan struct{} { return r.stopped }

// post queues fn on the mailbox, waiting for space while ctx allows.
func (r *Room) post(ctx context.Context, fn func()) error {
	select {
	case <-r.quit:
		return ErrRoomStopped
	default:
	}
	select {
	case r.mailbox <- fn:
		return nil
	case <-r.quit:
		return ErrRoomStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// do runs fn in the room context and waits for it to finish.
func (r *Room) do(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	if err := r.post(ctx, func() {
		fn()
		close(ran)
	}); err != nil {
		return err
	}
	select {
	case <-ran:
		return nil
	case <-r.stopped:
		return ErrRoomStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Admit adds an authenticated connection to the broadcast set.
//
// The connection receives Connected then a PresenceSnapshot of the room as it
// was before this join, strictly before any other frame. If this is the
// user's first connection, every member (the new one included) then observes
// a joined PresenceDelta.
func (r *Room) Admit(ctx context.Context, c *Connection) error {
	var err error
	if perr := r.do(ctx, func() { err = r.admit(c) }); perr != nil {
		return perr
	}
	return err
}

func (r *Room) admit(c *Connection) error {
	if c.State() != StateAuthenticated {
		return ErrConnectionClosed
	}
	if _, ok := r.members[c]; ok {
		return nil
	}

	connected, err := v1.Encode(v1.Connected{RoomID: r.ID, ConnectionID: c.ID})
	if err != nil {
		return err
	}
	snapshot, err := v1.Encode(v1.PresenceSnapshot{Entries: presenceToWire(r.presence.Snapshot())})
	if err != nil {
		return err
	}
	for _, frame := range [][]byte{connected, snapshot} {
		switch c.enqueue(frame) {
		case enqueueFull:
			c.Close(CloseSlowConsumer)
			r.metrics.Evicted(CloseSlowConsumer.Label)
			return ErrConnectionClosed
		case enqueueSkipped:
			return ErrConnectionClosed
		}
	}

	id := c.Identity()
	r.members[c] = struct{}{}
	r.metrics.ConnectionAdmitted()
	r.log.Info("room.admit", "connection_id", c.ID, "user_id", id.UserID, "members", len(r.members))

	if r.presence.Join(id, r.now().UTC()) {
		r.broadcast(v1.PresenceDelta{UserID: id.UserID, Joined: true})
	}
	return nil
}

type leaveRequest struct {
	c    *Connection
	done chan struct{}
}

// Leave removes c from the room. Leaving twice, or leaving a room the
// connection never entered, has no effect.
//
// The request is never dropped: it is applied before the next mailbox
// command even if ctx expires first. ctx only bounds how long Leave waits.
func (r *Room) Leave(ctx context.Context, c *Connection) error {
	select {
	case <-r.quit:
		return ErrRoomStopped
	default:
	}

	done := make(chan struct{})
	r.leaveMu.Lock()
	r.leaving = append(r.leaving, leaveRequest{c: c, done: done})
	r.leaveMu.Unlock()

	select {
	case r.leaveSignal <- struct{}{}:
	default:
	}

	select {
	case <-done:
		return nil
	case <-r.stopped:
		return ErrRoomStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Room) drainLeaves() {
	r.leaveMu.Lock()
	pending := r.leaving
	r.leaving = nil
	r.leaveMu.Unlock()

	for _, req := range pending {
		r.removeMember(req.c)
		close(req.done)
	}
}

func (r *Room) removeMember(c *Connection) {
	if _, ok := r.members[c]; !ok {
		return
	}
	delete(r.members, c)

	id := c.Identity()
	r.log.Info("room.leave", "connection_id", c.ID, "user_id", id.UserID, "members", len(r.members))
	if r.presence.Leave(id.UserID) {
		r.broadcast(v1.PresenceDelta{UserID: id.UserID, Joined: false})
	}
}

// Handle queues one decoded client message for c. It blocks only while the
// mailbox is full.
func (r *Room) Handle(ctx context.Context, c *Connection, msg v1.ClientMessage) error {
	return r.post(ctx, func() { r.handle(c, msg) })
}

func (r *Room) handle(c *Connection, msg v1.ClientMessage) {
	if _, ok := r.members[c]; !ok {
		return
	}
	id := c.Identity()
	now := r.now().UTC()

	switch msg.Type {
	case v1.TypeSendChat:
		m := msg.SendChat
		msgID, createdAt, err := r.ids.Next(now)
		if err != nil {
			r.log.Error("room.id.fail", "err", err)
			c.SendError(v1.CodeBadMessage, "could not assign message id")
			return
		}
		r.seq++
		r.presence.Touch(id.UserID, now)

		r.publisher.PublishChat(ChatEvent{
			RoomID:      r.ID,
			MessageID:   msgID,
			Seq:         r.seq,
			AuthorID:    id.UserID,
			AuthorName:  id.DisplayName,
			Text:        m.Text,
			ClientNonce: m.ClientNonce,
			CreatedAt:   createdAt,
		})
		r.broadcast(v1.ChatMessage{
			ID:          msgID,
			Seq:         r.seq,
			AuthorID:    id.UserID,
			AuthorName:  id.DisplayName,
			Text:        m.Text,
			CreatedAt:   createdAt,
			ClientNonce: m.ClientNonce,
		})

	case v1.TypeAddReaction:
		m := msg.AddReaction
		r.presence.Touch(id.UserID, now)
		r.publisher.PublishReaction(ReactionEvent{
			RoomID:          r.ID,
			TargetMessageID: m.TargetMessageID,
			Emoji:           m.Emoji,
			UserID:          id.UserID,
			CreatedAt:       now,
		})
		r.broadcast(v1.Reaction{
			TargetMessageID: m.TargetMessageID,
			Emoji:           m.Emoji,
			UserID:          id.UserID,
		})

	case v1.TypePing:
		r.presence.Touch(id.UserID, now)

	default:
		c.SendError(v1.CodeUnsupported, "unsupported type: "+msg.Type)
	}
}

// broadcast encodes msg once and enqueues it to every member. Members whose
// queue is full are evicted after the loop so every remaining member sees
// the same sequence.
func (r *Room) broadcast(msg v1.ServerMessage) {
	frame, err := v1.Encode(msg)
	if err != nil {
		r.log.Error("room.encode.fail", "type", msg.MessageType(), "err", err)
		return
	}

	var slow []*Connection
	for c := range r.members {
		if c.enqueue(frame) == enqueueFull {
			slow = append(slow, c)
		}
	}
	r.metrics.Broadcast(msg.MessageType())

	for _, c := range slow {
		r.evict(c, CloseSlowConsumer)
	}
}

func (r *Room) evict(c *Connection, reason CloseReason) {
	c.Close(reason)
	r.metrics.Evicted(reason.Label)
	r.log.Warn("room.evict", "connection_id", c.ID, "reason", reason.Label)
	r.removeMember(c)
}

// Presence returns a copy of the room's presence table.
func (r *Room) Presence(ctx context.Context) ([]PresenceEntry, error) {
	var out []PresenceEntry
	if err := r.do(ctx, func() { out = r.presence.Snapshot() }); err != nil {
		return nil, err
	}
	return out, nil
}

// Members reports the size of the broadcast set.
func (r *Room) Members(ctx context.Context) (int, error) {
	var n int
	if err := r.do(ctx, func() { n = len(r.members) }); err != nil {
		return 0, err
	}
	return n, nil
}

type nopPublisher struct{}

func (nopPublisher) PublishChat(ChatEvent)         {}
func (nopPublisher) PublishReaction(ReactionEvent) {}
