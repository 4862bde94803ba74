package app

import (
	"time"

	"chatrelay/cmd/internal/realtime"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr string

	LogLevel  string
	LogFormat string // "json" (default) or "pretty"
	LogColor  bool

	// When set, logs are also written to this file with size-based rotation.
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int

	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	ShutdownTimeout   time.Duration

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32
	DBSchema    string

	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	RedisStreamPrefix string
	RedisStreamMaxLen int

	// If true:
	// - /readyz returns 503 unless a durable sink is configured and reachable.
	ReadinessRequireDB bool

	PersistQueueSize  int
	PersistWorkers    int
	PersistMaxElapsed time.Duration

	Realtime realtime.Config
}

// LoadConfig loads Config from environment variables with defaults.
//
// There is no HTTP read/write timeout: upgraded WebSocket connections are
// long-lived and the relay enforces its own per-frame deadlines.
func LoadConfig() Config {
	return Config{
		HTTPAddr: EnvString("RELAY_HTTP_ADDR", "0.0.0.0:8080"),

		LogLevel:  EnvString("RELAY_LOG_LEVEL", "info"),
		LogFormat: EnvString("RELAY_LOG_FORMAT", "json"),
		LogColor:  EnvBool("RELAY_LOG_COLOR", true),

		LogFile:       EnvString("RELAY_LOG_FILE", ""),
		LogMaxSizeMB:  EnvInt("RELAY_LOG_MAX_SIZE_MB", 100),
		LogMaxBackups: EnvInt("RELAY_LOG_MAX_BACKUPS", 5),
		LogMaxAgeDays: EnvInt("RELAY_LOG_MAX_AGE_DAYS", 14),

		ReadHeaderTimeout: EnvDuration("RELAY_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		IdleTimeout:       EnvDuration("RELAY_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("RELAY_HTTP_MAX_HEADER_BYTES", 1<<20),
		ShutdownTimeout:   EnvDuration("RELAY_SHUTDOWN_TIMEOUT", 10*time.Second),

		DatabaseURL: EnvString("RELAY_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("RELAY_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("RELAY_DB_MIN_CONNS", 0),
		DBSchema:    EnvString("RELAY_DB_SCHEMA", "relay"),

		RedisAddr:         EnvString("RELAY_REDIS_ADDR", ""),
		RedisPassword:     EnvString("RELAY_REDIS_PASSWORD", ""),
		RedisDB:           EnvInt("RELAY_REDIS_DB", 0),
		RedisStreamPrefix: EnvString("RELAY_REDIS_STREAM_PREFIX", "relay:events"),
		RedisStreamMaxLen: EnvInt("RELAY_REDIS_STREAM_MAXLEN", 100_000),

		ReadinessRequireDB: EnvBool("RELAY_READINESS_REQUIRE_DB", false),

		PersistQueueSize:  EnvInt("RELAY_PERSIST_QUEUE", 4096),
		PersistWorkers:    EnvInt("RELAY_PERSIST_WORKERS", 4),
		PersistMaxElapsed: EnvDuration("RELAY_PERSIST_MAX_ELAPSED", time.Minute),

		Realtime: loadRealtimeConfig(),
	}
}

// loadRealtimeConfig overlays RELAY_WS_* and RELAY_ROOM_* variables on the
// relay defaults.
func loadRealtimeConfig() realtime.Config {
	d := realtime.DefaultConfig()
	return realtime.Config{
		DevInsecure:    EnvBool("RELAY_WS_DEV_INSECURE", false),
		OriginRequired: EnvBool("RELAY_WS_ORIGIN_REQUIRED", d.OriginRequired),
		AllowedOrigins: EnvCSV("RELAY_WS_ALLOWED_ORIGINS", d.AllowedOrigins),

		SendQueueSize:    EnvInt("RELAY_WS_SEND_QUEUE", d.SendQueueSize),
		InboundQueueSize: EnvInt("RELAY_WS_INBOUND_QUEUE", d.InboundQueueSize),
		MailboxSize:      EnvInt("RELAY_ROOM_MAILBOX", d.MailboxSize),

		WriteTimeout:    EnvDuration("RELAY_WS_WRITE_TIMEOUT", d.WriteTimeout),
		ReadIdleTimeout: EnvDuration("RELAY_WS_READ_IDLE_TIMEOUT", d.ReadIdleTimeout),

		HeartbeatInterval: EnvDuration("RELAY_WS_HEARTBEAT_INTERVAL", d.HeartbeatInterval),
		HeartbeatTimeout:  EnvDuration("RELAY_WS_HEARTBEAT_TIMEOUT", d.HeartbeatTimeout),

		EmptyRoomGrace: EnvDurationOrZero("RELAY_ROOM_EMPTY_GRACE", d.EmptyRoomGrace),

		RateEvents: EnvInt("RELAY_WS_RATE_EVENTS", d.RateEvents),
		RateWindow: EnvDuration("RELAY_WS_RATE_WINDOW", d.RateWindow),

		RetryTransientAuth: EnvBool("RELAY_AUTH_RETRY_ONCE", d.RetryTransientAuth),
	}
}
