package app

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"marketchat/cmd/internal/realtime"
)

// Store backends selectable with MARKETCHAT_STORE.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
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

	// Store is one of StoreMemory, StorePostgres, StoreSQLite. Empty means
	// postgres when DatabaseURL is set, memory otherwise.
	Store       string
	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32
	DBSchema    string
	DBEnsure    bool
	SQLitePath  string

	// RedisURL switches presence and dedup to the shared Redis backends.
	RedisURL    string
	RedisPrefix string
	// PresenceTTL is how long a Redis presence entry outlives its last heartbeat.
	PresenceTTL time.Duration

	DedupWindow time.Duration
	DedupSecret string
	// If true, MARKETCHAT_DEDUP_SECRET must be set (32..64 bytes).
	RequireDedupSecret bool

	PersistTimeout time.Duration

	// If true, /readyz returns 503 unless a SQL store is configured and reachable.
	ReadinessRequireDB bool

	// SeedConversations are opened at startup (dev and smoke runs).
	SeedConversations []realtime.OpenConversationInput

	WS   WSConfig
	OTEL OTELConfig
}

// WSConfig is the env-facing shape of realtime.GatewayConfig.
type WSConfig struct {
	DevInsecure       bool
	OriginRequired    bool
	AllowedOrigins    []string
	SendQueueSize     int
	WriteTimeout      time.Duration
	ReadIdleTimeout   time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	RateEvents        int
	RateWindow        time.Duration
}

// OTELConfig controls trace export.
type OTELConfig struct {
	Enabled     bool
	Endpoint    string
	Insecure    bool
	ServiceName string
	SampleRatio float64
}

// LoadConfig loads Config from environment variables with defaults.
// A .env file in the working directory (or MARKETCHAT_ENV_FILE) is applied first;
// variables already set in the process environment win.
func LoadConfig() (Config, error) {
	if err := loadDotEnv(EnvString("MARKETCHAT_ENV_FILE", ".env")); err != nil {
		return Config{}, err
	}

	gw := realtime.DefaultGatewayConfig()

	cfg := Config{
		HTTPAddr:  EnvString("MARKETCHAT_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("MARKETCHAT_LOG_LEVEL", "info"),
		LogFormat: EnvString("MARKETCHAT_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("MARKETCHAT_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("MARKETCHAT_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("MARKETCHAT_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("MARKETCHAT_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("MARKETCHAT_HTTP_MAX_HEADER_BYTES", 1<<20),

		Store:       strings.ToLower(EnvString("MARKETCHAT_STORE", "")),
		DatabaseURL: EnvString("MARKETCHAT_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("MARKETCHAT_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("MARKETCHAT_DB_MIN_CONNS", 0),
		DBSchema:    EnvString("MARKETCHAT_DB_SCHEMA", "marketchat"),
		DBEnsure:    EnvBool("MARKETCHAT_DB_ENSURE_SCHEMA", false),
		SQLitePath:  EnvString("MARKETCHAT_SQLITE_PATH", "marketchat.db"),

		RedisURL:           EnvString("MARKETCHAT_REDIS_URL", ""),
		RedisPrefix:        EnvString("MARKETCHAT_REDIS_PREFIX", "marketchat:"),
		PresenceTTL:        EnvDuration("MARKETCHAT_PRESENCE_TTL", realtime.DefaultPresenceTTL),
		DedupWindow:        EnvDuration("MARKETCHAT_DEDUP_WINDOW", realtime.DefaultDedupWindow),
		DedupSecret:        EnvString("MARKETCHAT_DEDUP_SECRET", ""),
		RequireDedupSecret: EnvBool("MARKETCHAT_REQUIRE_DEDUP_SECRET", false),
		PersistTimeout:     EnvDuration("MARKETCHAT_PERSIST_TIMEOUT", realtime.DefaultPersistTimeout),

		ReadinessRequireDB: EnvBool("MARKETCHAT_READINESS_REQUIRE_DB", false),

		WS: WSConfig{
			DevInsecure:       EnvBool("MARKETCHAT_WS_DEV_INSECURE", false),
			OriginRequired:    EnvBool("MARKETCHAT_WS_ORIGIN_REQUIRED", gw.OriginRequired),
			AllowedOrigins:    EnvList("MARKETCHAT_WS_ALLOWED_ORIGINS", gw.AllowedOrigins),
			SendQueueSize:     EnvInt("MARKETCHAT_WS_SEND_QUEUE", gw.SendQueueSize),
			WriteTimeout:      EnvDuration("MARKETCHAT_WS_WRITE_TIMEOUT", gw.WriteTimeout),
			ReadIdleTimeout:   EnvDuration("MARKETCHAT_WS_READ_IDLE_TIMEOUT", gw.ReadIdleTimeout),
			HeartbeatInterval: EnvDuration("MARKETCHAT_WS_HEARTBEAT_INTERVAL", gw.HeartbeatInterval),
			HeartbeatTimeout:  EnvDuration("MARKETCHAT_WS_HEARTBEAT_TIMEOUT", gw.HeartbeatTimeout),
			RateEvents:        EnvInt("MARKETCHAT_WS_RATE_EVENTS", gw.RateEvents),
			RateWindow:        EnvDuration("MARKETCHAT_WS_RATE_WINDOW", gw.RateWindow),
		},

		OTEL: OTELConfig{
			Enabled:     EnvBool("MARKETCHAT_OTEL_ENABLED", false),
			Endpoint:    EnvString("MARKETCHAT_OTEL_ENDPOINT", "localhost:4317"),
			Insecure:    EnvBool("MARKETCHAT_OTEL_INSECURE", true),
			ServiceName: EnvString("MARKETCHAT_OTEL_SERVICE_NAME", "marketchat"),
			SampleRatio: EnvFloat("MARKETCHAT_OTEL_SAMPLE_RATIO", 1.0),
		},
	}

	seeds, err := ParseSeedConversations(EnvString("MARKETCHAT_SEED_CONVERSATIONS", ""))
	if err != nil {
		return Config{}, err
	}
	cfg.SeedConversations = seeds

	if cfg.Store == "" {
		cfg.Store = StoreMemory
		if cfg.DatabaseURL != "" {
			cfg.Store = StorePostgres
		}
	}

	return cfg, cfg.Validate()
}

// Validate rejects combinations the runtime cannot start with.
func (c Config) Validate() error {
	switch c.Store {
	case StoreMemory, StoreSQLite:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: MARKETCHAT_STORE=postgres requires MARKETCHAT_DATABASE_URL")
		}
	default:
		return errors.New("config: MARKETCHAT_STORE must be memory, postgres or sqlite")
	}
	if c.PresenceTTL > 0 && c.WS.HeartbeatInterval > 0 && c.PresenceTTL <= c.WS.HeartbeatInterval {
		return errors.New("config: MARKETCHAT_PRESENCE_TTL must exceed MARKETCHAT_WS_HEARTBEAT_INTERVAL")
	}
	if c.OTEL.SampleRatio < 0 || c.OTEL.SampleRatio > 1 {
		return errors.New("config: MARKETCHAT_OTEL_SAMPLE_RATIO must be within [0,1]")
	}
	return nil
}

// Gateway converts the env-facing WS settings for the realtime gateway.
func (c Config) Gateway() realtime.GatewayConfig {
	return realtime.GatewayConfig{
		DevInsecure:       c.WS.DevInsecure,
		OriginRequired:    c.WS.OriginRequired,
		AllowedOrigins:    c.WS.AllowedOrigins,
		WriteTimeout:      c.WS.WriteTimeout,
		ReadIdleTimeout:   c.WS.ReadIdleTimeout,
		SendQueueSize:     c.WS.SendQueueSize,
		HeartbeatInterval: c.WS.HeartbeatInterval,
		HeartbeatTimeout:  c.WS.HeartbeatTimeout,
		RateEvents:        c.WS.RateEvents,
		RateWindow:        c.WS.RateWindow,
	}
}

func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
