package app

import (
	"strings"
	"time"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreDynamo   = "dynamodb"
)

// Auth modes.
const (
	AuthHeader = "header"
	AuthPaseto = "paseto"
	AuthJWT    = "jwt"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string
	LogColor  bool

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	MaxHeaderBytes    int
	MaxBodyBytes      int64
	WriteLimit        int
	WriteWindow       time.Duration

	// Store selects the backend: memory, postgres or dynamodb.
	Store string

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	DynamoRegion      string
	DynamoEndpoint    string
	DynamoTablePrefix string

	// If true, /readyz returns 503 while the store is unreachable or in-memory.
	ReadinessRequireStore bool

	AuthMode        string
	AuthHeader      string
	AuthTrustProxy  bool
	AuthQueryToken  bool
	AuthClockSkew   time.Duration
	PasetoPublicKey string
	PasetoIssuer    string
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string

	// ProfilesFile is a YAML fixture of partner profiles. When empty, the postgres
	// backend reads the profiles table; other backends have no nicknames.
	ProfilesFile string

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	WSAllowedOrigins    []string
	WSOriginRequired    bool
	WSDevInsecure       bool
	WSSendQueue         int
	WSWriteTimeout      time.Duration
	WSReadIdleTimeout   time.Duration
	WSHeartbeatInterval time.Duration
	WSHeartbeatTimeout  time.Duration
	WSRateEvents        int
	WSRateWindow        time.Duration

	HubRingSize     int
	// HubPollInterval of 0 picks a default for shared stores and disables polling in memory.
	HubPollInterval time.Duration
	ListFanout      int
}

// LoadConfig loads Config from TANDEM_* environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("TANDEM_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("TANDEM_LOG_LEVEL", "info"),
		LogFormat: strings.ToLower(EnvString("TANDEM_LOG_FORMAT", "json")),
		LogColor:  EnvBool("TANDEM_LOG_COLOR", EnvString("NO_COLOR", "") == ""),

		ReadHeaderTimeout: EnvDuration("TANDEM_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("TANDEM_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("TANDEM_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("TANDEM_HTTP_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout:   EnvDuration("TANDEM_SHUTDOWN_TIMEOUT", 10*time.Second),
		MaxHeaderBytes:    EnvInt("TANDEM_HTTP_MAX_HEADER_BYTES", 1<<20),
		MaxBodyBytes:      EnvInt64("TANDEM_HTTP_MAX_BODY_BYTES", 64<<10),
		WriteLimit:        envIntAllowNegative("TANDEM_HTTP_WRITE_LIMIT", 60),
		WriteWindow:       EnvDuration("TANDEM_HTTP_WRITE_WINDOW", time.Minute),

		Store: strings.ToLower(EnvString("TANDEM_STORE", StoreMemory)),

		DatabaseURL: EnvString("TANDEM_DATABASE_URL", ""),
		DBSchema:    EnvString("TANDEM_DB_SCHEMA", "tandem"),
		DBMaxConns:  EnvInt32("TANDEM_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("TANDEM_DB_MIN_CONNS", 0),

		DynamoRegion:      EnvString("TANDEM_DYNAMODB_REGION", EnvString("AWS_REGION", "us-east-1")),
		DynamoEndpoint:    EnvString("TANDEM_DYNAMODB_ENDPOINT", ""),
		DynamoTablePrefix: EnvString("TANDEM_DYNAMODB_TABLE_PREFIX", "tandem_"),

		ReadinessRequireStore: EnvBool("TANDEM_READINESS_REQUIRE_STORE", false),

		AuthMode:        strings.ToLower(EnvString("TANDEM_AUTH_MODE", AuthHeader)),
		AuthHeader:      EnvString("TANDEM_AUTH_HEADER", "X-User-ID"),
		AuthTrustProxy:  EnvBool("TANDEM_AUTH_TRUST_PROXY", false),
		AuthQueryToken:  EnvBool("TANDEM_AUTH_QUERY_TOKEN", true),
		AuthClockSkew:   EnvDuration("TANDEM_AUTH_CLOCK_SKEW", 30*time.Second),
		PasetoPublicKey: EnvString("TANDEM_PASETO_PUBLIC_KEY", ""),
		PasetoIssuer:    EnvString("TANDEM_PASETO_ISSUER", ""),
		JWTSecret:       EnvString("TANDEM_JWT_SECRET", ""),
		JWTIssuer:       EnvString("TANDEM_JWT_ISSUER", ""),
		JWTAudience:     EnvString("TANDEM_JWT_AUDIENCE", ""),

		ProfilesFile: EnvString("TANDEM_PROFILES_FILE", ""),

		CORSAllowedOrigins:   EnvCSV("TANDEM_CORS_ALLOWED_ORIGINS", ""),
		CORSAllowCredentials: EnvBool("TANDEM_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("TANDEM_CORS_MAX_AGE_SECONDS", 600),

		WSAllowedOrigins:    EnvCSV("TANDEM_WS_ALLOWED_ORIGINS", "http://localhost,http://127.0.0.1"),
		WSOriginRequired:    EnvBool("TANDEM_WS_ORIGIN_REQUIRED", true),
		WSDevInsecure:       EnvBool("TANDEM_WS_DEV_INSECURE", false),
		WSSendQueue:         EnvInt("TANDEM_WS_SEND_QUEUE", 256),
		WSWriteTimeout:      EnvDuration("TANDEM_WS_WRITE_TIMEOUT", 5*time.Second),
		WSReadIdleTimeout:   EnvDuration("TANDEM_WS_READ_IDLE_TIMEOUT", 2*time.Minute),
		WSHeartbeatInterval: EnvDuration("TANDEM_WS_HEARTBEAT_INTERVAL", 25*time.Second),
		WSHeartbeatTimeout:  EnvDuration("TANDEM_WS_HEARTBEAT_TIMEOUT", 5*time.Second),
		WSRateEvents:        EnvInt("TANDEM_WS_RATE_EVENTS", 120),
		WSRateWindow:        EnvDuration("TANDEM_WS_RATE_WINDOW", 10*time.Second),

		HubRingSize:     EnvInt("TANDEM_NOTIFIER_RING_SIZE", 256),
		HubPollInterval: EnvDuration("TANDEM_NOTIFIER_POLL_INTERVAL", 0),
		ListFanout:      EnvInt("TANDEM_CONVERSATIONS_FANOUT", 8),
	}
}
