package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr          string
	DatabaseURL   string
	DBMaxConns    int
	MigrationsDir string

	// Shared state. An empty RedisURL keeps the document in process memory,
	// which only works for a single worker.
	RedisURL        string
	StateKey        string
	StateBroadcast  bool
	StateMaxRetries int

	// NATS fan-out between workers. Events stay local when NATSURL is empty.
	NATSURL       string
	NATSUser      string
	NATSPass      string
	EventsSubject string

	JWTSecret        string
	RequiredScope    string
	HandshakeTimeout time.Duration

	OTLPEndpoint string
	OTelStdout   bool
	LogLevel     slog.Level
}

func Load() Config {
	return Config{
		Addr:          getenv("SWITCHBOARD_ADDR", ":8790"),
		DatabaseURL:   getenv("DATABASE_URL", ""),
		DBMaxConns:    getenvInt("SWITCHBOARD_DB_MAX_CONNS", 10),
		MigrationsDir: getenv("SWITCHBOARD_MIGRATIONS_DIR", "./db/migrations"),

		RedisURL:        getenv("REDIS_URL", ""),
		StateKey:        getenv("SWITCHBOARD_STATE_KEY", "presence"),
		StateBroadcast:  getenvBool("SWITCHBOARD_STATE_BROADCAST", false),
		StateMaxRetries: getenvInt("SWITCHBOARD_STATE_MAX_RETRIES", 100),

		NATSURL:       getenv("NATS_URL", ""),
		NATSUser:      getenv("NATS_USER", ""),
		NATSPass:      getenv("NATS_PASS", ""),
		EventsSubject: getenv("SWITCHBOARD_EVENTS_SUBJECT", "switchboard.events"),

		JWTSecret:        getenv("SWITCHBOARD_JWT_SECRET", "switchboard-dev-secret"),
		RequiredScope:    getenv("SWITCHBOARD_REQUIRED_SCOPE", ""),
		HandshakeTimeout: time.Duration(getenvInt("SWITCHBOARD_HANDSHAKE_TIMEOUT_SECONDS", 10)) * time.Second,

		OTLPEndpoint: getenv("SWITCHBOARD_OTLP_ENDPOINT", ""),
		OTelStdout:   getenvBool("SWITCHBOARD_OTEL_STDOUT", false),
		LogLevel:     getenvLevel("SWITCHBOARD_LOG_LEVEL", slog.LevelInfo),
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvLevel(key string, fallback slog.Level) slog.Level {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(value)); err != nil {
		return fallback
	}
	return level
}
