package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds orchestrator configuration.
type Config struct {
	ListenAddr      string
	LogLevel        string
	EventLogBackend string // "memory" | "sqlite" | "postgres"
	EventLogPath    string
	DatabaseURL     string
	MaxParallel     int
	LivenessTimeout time.Duration
	CancelGrace     time.Duration
	OTLPEndpoint    string
	ProfilesDir     string
}

// Load loads configuration from environment variables.
func Load() *Config {
	addr := os.Getenv("LOOM_LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	backend := os.Getenv("EVENT_LOG_BACKEND")
	if backend == "" {
		backend = "sqlite"
	}

	path := os.Getenv("EVENT_LOG_PATH")
	if path == "" {
		path = "loom-events.db"
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		dbURL = "postgres://loom@localhost:5432/loom?sslmode=disable"
	}

	maxParallel := intEnv("MAX_PARALLEL_STEPS", 4)

	return &Config{
		ListenAddr:      addr,
		LogLevel:        logLevel,
		EventLogBackend: backend,
		EventLogPath:    path,
		DatabaseURL:     dbURL,
		MaxParallel:     maxParallel,
		LivenessTimeout: durationEnv("WORKER_LIVENESS_TIMEOUT", 60*time.Second),
		CancelGrace:     durationEnv("CANCEL_GRACE", 10*time.Second),
		OTLPEndpoint:    os.Getenv("OTLP_ENDPOINT"),
		ProfilesDir:     os.Getenv("PROFILES_DIR"),
	}
}

func intEnv(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
