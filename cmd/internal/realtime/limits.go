package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max accepted room id length; see validRoomID.
	maxRoomIDBytes = 128
)

const (
	defaultSendQueueSize    = 256
	minSendQueueSize        = 8
	defaultInboundQueueSize = 64
	defaultMailboxSize      = 1024

	defaultWriteTimeout    = 5 * time.Second
	defaultReadIdleTimeout = 2 * time.Minute
	defaultEmptyRoomGrace  = 30 * time.Second

	// Heartbeat defaults.
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second
	maxPingFailures   = 3

	// Per-connection rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second

	closeGrace = 1 * time.Second
)
