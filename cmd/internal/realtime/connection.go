package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"chatrelay/cmd/identity"
	"chatrelay/cmd/internal/auth/session"

	v1 "chatrelay/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

// ConnState is the lifecycle state of a Connection.
type ConnState int32

const (
	StatePending ConnState = iota
	StateAuthenticated
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseReason describes why a connection was closed and how the transport
// close frame should look.
type CloseReason struct {
	Code  websocket.StatusCode
	Text  string
	Label string
}

// Close reasons used by the relay. Codes in the 4000 range are application-defined.
var (
	CloseNormal       = CloseReason{Code: websocket.StatusNormalClosure, Text: "bye", Label: "normal"}
	ClosePeerGone     = CloseReason{Code: websocket.StatusNormalClosure, Text: "peer closed", Label: "peer_gone"}
	CloseAuthFailed   = CloseReason{Code: 4401, Text: "auth failed", Label: "auth_failed"}
	CloseIdle         = CloseReason{Code: 4408, Text: "idle timeout", Label: "idle"}
	CloseRateLimited  = CloseReason{Code: 4429, Text: "rate limited", Label: "rate_limited"}
	CloseSlowConsumer = CloseReason{Code: 4009, Text: "slow consumer", Label: "slow_consumer"}
	CloseWriteFailed  = CloseReason{Code: websocket.StatusInternalError, Text: "write failed", Label: "write_failed"}
	CloseHeartbeat    = CloseReason{Code: websocket.StatusGoingAway, Text: "heartbeat failed", Label: "heartbeat"}
	CloseShutdown     = CloseReason{Code: websocket.StatusGoingAway, Text: "server shutdown", Label: "shutdown"}
)

// ErrConnectionClosed is returned when an operation races with Close.
var ErrConnectionClosed = errors.New("realtime: connection closed")

// enqueueResult is the outcome of a non-blocking outbound enqueue.
type enqueueResult uint8

const (
	enqueued enqueueResult = iota
	enqueueSkipped
	enqueueFull
)

// Connection is one transport session bound to exactly one room.
//
// It owns two directional queues: In (frames read from the transport) and
// Out (encoded frames to write). Out is never closed, so concurrent
// broadcasters cannot panic; Done signals shutdown instead. Close is idempotent.
type Connection struct {
	ID     string
	RoomID string

	log *slog.Logger

	state atomic.Int32
	id    atomic.Pointer[identity.Identity]

	in  chan []byte
	out chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	done      chan struct{}
	closeOnce sync.Once
	reason    atomic.Pointer[CloseReason]

	lastActive atomic.Int64
}

// NewConnection constructs a Pending connection with bounded queues.
func NewConnection(parent context.Context, log *slog.Logger, id, roomID string, inboundSize, sendQueueSize int) *Connection {
	if inboundSize <= 0 {
		inboundSize = defaultInboundQueueSize
	}
	if sendQueueSize <= 0 {
		sendQueueSize = defaultSendQueueSize
	}
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)

	c := &Connection{
		ID:     id,
		RoomID: roomID,
		log:    log.With("connection_id", id, "room_id", roomID),
		in:     make(chan []byte, inboundSize),
		out:    make(chan []byte, sendQueueSize),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.state.Store(int32(StatePending))
	c.Touch(time.Now())
	return c
}

// State returns the current lifecycle state.
func (c *Connection) State() ConnState {
	return ConnState(c.state.Load())
}

// Identity returns the identity bound at admission.
// It is the zero identity while Pending.
func (c *Connection) Identity() identity.Identity {
	if c.State() == StatePending {
		return identity.Identity{}
	}
	if id := c.id.Load(); id != nil {
		return *id
	}
	return identity.Identity{}
}

// Context is cancelled when the connection closes.
func (c *Connection) Context() context.Context { return c.ctx }

// Done returns a channel that is closed when the connection is shutting down.
func (c *Connection) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Out exposes the outbound queue to the transport writer.
func (c *Connection) Out() <-chan []byte { return c.out }

// In exposes the inbound queue to the room dispatcher.
func (c *Connection) In() <-chan []byte { return c.in }

// PushInbound queues a raw frame read from the transport. It blocks while
// the inbound queue is full and returns false once the connection is closed.
func (c *Connection) PushInbound(raw []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.in <- raw:
		c.Touch(time.Now())
		return true
	case <-c.done:
		return false
	}
}

// Touch records transport activity for idle detection.
func (c *Connection) Touch(now time.Time) {
	c.lastActive.Store(now.UnixNano())
}

// IdleFor reports how long the connection has been silent.
func (c *Connection) IdleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, c.lastActive.Load()))
}

// Admit validates token and transitions Pending -> Authenticated.
//
// The validator call is the only suspension point and runs under the
// connection context, so closing the transport cancels it. A transient
// failure is retried once when retry is set. Any failure closes the
// connection with CloseAuthFailed.
func (c *Connection) Admit(v session.Validator, token string, retry bool) error {
	if c.State() != StatePending {
		return ErrConnectionClosed
	}

	id, err := v.Validate(c.ctx, token)
	if err != nil && retry && session.IsTransient(err) && c.ctx.Err() == nil {
		c.log.Info("ws.admit.retry", "reason", session.Reason(err))
		id, err = v.Validate(c.ctx, token)
	}
	if err == nil && !id.IsAuthenticated() {
		err = &session.FailureError{Kind: session.ErrInvalidSession}
	}
	if err != nil {
		if !errors.Is(err, session.ErrAuthFailure) {
			err = &session.FailureError{Kind: session.ErrUnavailable, Cause: err}
		}
		c.Close(CloseAuthFailed)
		return err
	}

	c.id.Store(&id)
	if !c.state.CompareAndSwap(int32(StatePending), int32(StateAuthenticated)) {
		return ErrConnectionClosed
	}
	return nil
}

// enqueue hands an encoded frame to the writer without blocking.
// Frames for Pending or Closed connections are skipped.
func (c *Connection) enqueue(frame []byte) enqueueResult {
	if c.State() != StateAuthenticated {
		return enqueueSkipped
	}
	select {
	case <-c.done:
		return enqueueSkipped
	default:
	}
	select {
	case c.out <- frame:
		return enqueued
	default:
		return enqueueFull
	}
}

// SendError delivers a non-fatal error to this connection only.
// A saturated queue closes the connection as a slow consumer.
func (c *Connection) SendError(code, detail string) {
	frame, err := v1.Encode(v1.ErrorPayload{Code: code, Detail: detail})
	if err != nil {
		return
	}
	if c.enqueue(frame) == enqueueFull {
		c.Close(CloseSlowConsumer)
	}
}

// Close transitions to Closed (idempotent, safe under concurrent sends).
// Queued outbound frames are discarded by the writer.
func (c *Connection) Close(reason CloseReason) {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		r := reason
		c.reason.Store(&r)
		c.state.Store(int32(StateClosed))
		close(c.done)
		c.cancel()
		c.log.Info("ws.close", "reason", reason.Label, "code", int(reason.Code))
	})
}

// CloseReason returns the reason passed to the first Close call.
func (c *Connection) CloseReason() CloseReason {
	if r := c.reason.Load(); r != nil {
		return *r
	}
	return CloseNormal
}
