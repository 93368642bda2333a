package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds service configuration.
type Config struct {
	DatabaseURL      string
	DatabaseMaxConns int32
	ServerAddr       string
	APITokenHash     string
	LogLevel         zerolog.Level

	RobotURL            string
	RobotAPIVersion     string
	RobotRequestTimeout time.Duration
	SensorTimeout       time.Duration

	PollInterval        time.Duration
	RunTimeout          time.Duration
	RetryMaxAttempts    int
	RetryInitialBackoff time.Duration
	RetryMaxBackoff     time.Duration
}

// Load reads configuration from the environment. envFiles are loaded first
// without overriding variables that are already set; a missing default .env
// is not an error.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		if _, err := os.Stat(".env"); err == nil {
			envFiles = []string{".env"}
		}
	}
	if len(envFiles) > 0 {
		if err := godotenv.Load(envFiles...); err != nil {
			return nil, fmt.Errorf("load env file: %w", err)
		}
	}

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		user := getenv("POSTGRES_USER", "otrun")
		pass := getenv("POSTGRES_PASSWORD", "otrun_pass")
		db := getenv("POSTGRES_DB", "otrun")
		host := getenv("POSTGRES_HOST", "localhost")
		port := getenv("POSTGRES_PORT", "5432")
		sslmode := getenv("DATABASE_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, sslmode)
	}

	return &Config{
		DatabaseURL:      dsn,
		DatabaseMaxConns: int32(parseInt(getenv("DATABASE_MAX_CONNS", "10"), 10)),
		ServerAddr:       getenv("SERVER_ADDR", "0.0.0.0:8080"),
		APITokenHash:     os.Getenv("API_TOKEN_HASH"),
		LogLevel:         parseLevel(getenv("LOG_LEVEL", "info"), zerolog.InfoLevel),

		RobotURL:            strings.TrimRight(os.Getenv("ROBOT_URL"), "/"),
		RobotAPIVersion:     getenv("ROBOT_API_VERSION", "3"),
		RobotRequestTimeout: parseDuration(getenv("ROBOT_REQUEST_TIMEOUT", "30s"), 30*time.Second),
		SensorTimeout:       parseDuration(getenv("SENSOR_TIMEOUT", "10s"), 10*time.Second),

		PollInterval:        parseDuration(getenv("POLL_INTERVAL", "2s"), 2*time.Second),
		RunTimeout:          parseDuration(getenv("RUN_TIMEOUT", "2h"), 2*time.Hour),
		RetryMaxAttempts:    parseInt(getenv("RETRY_MAX_ATTEMPTS", "3"), 3),
		RetryInitialBackoff: parseDuration(getenv("RETRY_INITIAL_BACKOFF", "500ms"), 500*time.Millisecond),
		RetryMaxBackoff:     parseDuration(getenv("RETRY_MAX_BACKOFF", "5s"), 5*time.Second),
	}, nil
}

func getenv(key, def string) string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	return val
}

func parseDuration(val string, def time.Duration) time.Duration {
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func parseInt(val string, def int) int {
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func parseLevel(val string, def zerolog.Level) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(val))
	if err != nil || lvl == zerolog.NoLevel {
		return def
	}
	return lvl
}
