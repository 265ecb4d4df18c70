package app

import (
	"time"

	"github.com/joho/godotenv"

	"livedesk/cmd/internal/pgdb"
	"livedesk/cmd/internal/realtime"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	ShutdownTimeout   time.Duration

	DatabaseURL   string
	DBMaxConns    int32
	DBMinConns    int32
	DBSchema      string
	DBApplySchema bool

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// Redis mirrors presence for other processes. Empty RedisAddr disables it.
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	PresenceKeyPrefix string
	PresenceKeyTTL    time.Duration

	// RabbitMQ receives outcome events. Empty AMQPURL logs them instead.
	AMQPURL      string
	AMQPExchange string

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	WSOriginRequired    bool
	WSAllowedOrigins    []string
	WSDevInsecure       bool
	WSSendQueueSize     int
	WSWriteTimeout      time.Duration
	WSReadIdleTimeout   time.Duration
	WSHeartbeatInterval time.Duration
	WSHeartbeatTimeout  time.Duration
	WSRateEvents        int
	WSRateWindow        time.Duration

	PresenceGrace   time.Duration
	AcceptTimeout   time.Duration
	StartTimeout    time.Duration
	TransferTimeout time.Duration
	TypingIdle      time.Duration

	QueueDefaultServiceTime time.Duration
	QueueMaxWait            time.Duration
	QueueRetention          time.Duration
	DispatchInterval        time.Duration

	// MaintenanceCron schedules queue sweeps, presence mirror refresh and a dispatch pass.
	MaintenanceCron string

	// Operators seeds the directory: "id[:capacity[:cap1|cap2]]" comma-separated.
	Operators         string
	DirectoryCacheTTL time.Duration
}

// LoadConfig loads Config from environment variables with defaults.
// A .env file in the working directory is applied first; real environment variables win.
func LoadConfig() Config {
	_ = godotenv.Load()

	return Config{
		HTTPAddr:  EnvString("LIVEDESK_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("LIVEDESK_LOG_LEVEL", "info"),
		LogFormat: EnvString("LIVEDESK_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("LIVEDESK_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("LIVEDESK_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("LIVEDESK_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("LIVEDESK_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("LIVEDESK_HTTP_MAX_HEADER_BYTES", 1<<20),
		ShutdownTimeout:   EnvDuration("LIVEDESK_SHUTDOWN_TIMEOUT", 10*time.Second),

		DatabaseURL:   EnvString("LIVEDESK_DATABASE_URL", ""),
		DBMaxConns:    EnvInt32("LIVEDESK_DB_MAX_CONNS", 10),
		DBMinConns:    EnvInt32("LIVEDESK_DB_MIN_CONNS", 0),
		DBSchema:      EnvString("LIVEDESK_DB_SCHEMA", pgdb.DefaultSchema),
		DBApplySchema: EnvBool("LIVEDESK_DB_APPLY_SCHEMA", false),

		ReadinessRequireDB: EnvBool("LIVEDESK_READINESS_REQUIRE_DB", false),

		RedisAddr:         EnvString("LIVEDESK_REDIS_ADDR", ""),
		RedisPassword:     EnvString("LIVEDESK_REDIS_PASSWORD", ""),
		RedisDB:           EnvNonNegInt("LIVEDESK_REDIS_DB", 0),
		PresenceKeyPrefix: EnvString("LIVEDESK_PRESENCE_KEY_PREFIX", "livedesk:presence"),
		PresenceKeyTTL:    EnvDuration("LIVEDESK_PRESENCE_KEY_TTL", 10*time.Minute),

		AMQPURL:      EnvString("LIVEDESK_AMQP_URL", ""),
		AMQPExchange: EnvString("LIVEDESK_AMQP_EXCHANGE", "livedesk.events"),

		CORSAllowedOrigins:   EnvCSV("LIVEDESK_CORS_ALLOWED_ORIGINS", nil),
		CORSAllowCredentials: EnvBool("LIVEDESK_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("LIVEDESK_CORS_MAX_AGE_SECONDS", 600),

		WSOriginRequired:    EnvBool("LIVEDESK_WS_ORIGIN_REQUIRED", true),
		WSAllowedOrigins:    EnvCSV("LIVEDESK_WS_ALLOWED_ORIGINS", []string{"http://localhost", "http://127.0.0.1"}),
		WSDevInsecure:       EnvBool("LIVEDESK_WS_DEV_INSECURE", false),
		WSSendQueueSize:     EnvInt("LIVEDESK_WS_SEND_QUEUE", 256),
		WSWriteTimeout:      EnvDuration("LIVEDESK_WS_WRITE_TIMEOUT", 5*time.Second),
		WSReadIdleTimeout:   EnvDuration("LIVEDESK_WS_READ_IDLE_TIMEOUT", 2*time.Minute),
		WSHeartbeatInterval: EnvDuration("LIVEDESK_WS_HEARTBEAT_INTERVAL", 25*time.Second),
		WSHeartbeatTimeout:  EnvDuration("LIVEDESK_WS_HEARTBEAT_TIMEOUT", 5*time.Second),
		WSRateEvents:        EnvInt("LIVEDESK_WS_RATE_EVENTS", 120),
		WSRateWindow:        EnvDuration("LIVEDESK_WS_RATE_WINDOW", 10*time.Second),

		PresenceGrace:   EnvDuration("LIVEDESK_PRESENCE_GRACE", 5*time.Second),
		AcceptTimeout:   EnvDuration("LIVEDESK_ACCEPT_TIMEOUT", 30*time.Second),
		StartTimeout:    EnvDuration("LIVEDESK_START_TIMEOUT", 2*time.Minute),
		TransferTimeout: EnvDuration("LIVEDESK_TRANSFER_TIMEOUT", 60*time.Second),
		TypingIdle:      EnvDuration("LIVEDESK_TYPING_IDLE", 3*time.Second),

		QueueDefaultServiceTime: EnvDuration("LIVEDESK_QUEUE_DEFAULT_SERVICE_TIME", 5*time.Minute),
		QueueMaxWait:            EnvDuration("LIVEDESK_QUEUE_MAX_WAIT", 0),
		QueueRetention:          EnvDuration("LIVEDESK_QUEUE_RETENTION", time.Hour),
		DispatchInterval:        EnvDuration("LIVEDESK_DISPATCH_INTERVAL", time.Second),

		MaintenanceCron: EnvString("LIVEDESK_MAINTENANCE_CRON", "@every 30s"),

		Operators:         EnvString("LIVEDESK_OPERATORS", ""),
		DirectoryCacheTTL: EnvDuration("LIVEDESK_DIRECTORY_CACHE_TTL", 30*time.Second),
	}
}

func (c Config) gatewayConfig() realtime.GatewayConfig {
	return realtime.GatewayConfig{
		OriginRequired:    c.WSOriginRequired,
		AllowedOrigins:    c.WSAllowedOrigins,
		DevInsecure:       c.WSDevInsecure,
		WriteTimeout:      c.WSWriteTimeout,
		ReadIdleTimeout:   c.WSReadIdleTimeout,
		SendQueueSize:     c.WSSendQueueSize,
		HeartbeatInterval: c.WSHeartbeatInterval,
		HeartbeatTimeout:  c.WSHeartbeatTimeout,
		RateEvents:        c.WSRateEvents,
		RateWindow:        c.WSRateWindow,
	}
}
