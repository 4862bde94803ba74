package realtime

import "time"

// Config holds the relay's transport and room tuning knobs.
// Zero or invalid fields are replaced with defaults by NewServer.
type Config struct {
	// Origin policy (browser handshakes).
	DevInsecure    bool
	OriginRequired bool
	AllowedOrigins []string

	SendQueueSize    int
	InboundQueueSize int
	MailboxSize      int

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// EmptyRoomGrace is how long an empty room stays loaded to absorb reconnects.
	EmptyRoomGrace time.Duration

	RateEvents int
	RateWindow time.Duration

	// RetryTransientAuth retries a timed-out or unreachable validation once.
	RetryTransientAuth bool
}

// DefaultConfig returns secure defaults.
func DefaultConfig() Config {
	return Config{
		OriginRequired:     false,
		AllowedOrigins:     []string{"http://localhost", "http://127.0.0.1"},
		SendQueueSize:      defaultSendQueueSize,
		InboundQueueSize:   defaultInboundQueueSize,
		MailboxSize:        defaultMailboxSize,
		WriteTimeout:       defaultWriteTimeout,
		ReadIdleTimeout:    defaultReadIdleTimeout,
		HeartbeatInterval:  heartbeatInterval,
		HeartbeatTimeout:   heartbeatTimeout,
		EmptyRoomGrace:     defaultEmptyRoomGrace,
		RateEvents:         rateLimitEvents,
		RateWindow:         rateLimitWindow,
		RetryTransientAuth: true,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.SendQueueSize < minSendQueueSize {
		c.SendQueueSize = minSendQueueSize
	}
	if c.InboundQueueSize <= 0 {
		c.InboundQueueSize = d.InboundQueueSize
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = d.MailboxSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = d.ReadIdleTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.EmptyRoomGrace < 0 {
		c.EmptyRoomGrace = 0
	}
	if c.RateEvents <= 0 {
		c.RateEvents = d.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	return c
}
