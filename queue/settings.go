package queue

import (
	"os"
	"strconv"
	"time"
)

// RedisOptions holds the Redis connection parameters: a host:port address,
// a password and a database number. No other client options are passed
// through to the Redis client.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// Settings configures a Queue. Every field has the default spec §6 lists;
// a caller may build one directly as a struct literal, or load it from the
// environment with LoadSettingsFromEnv, following the teacher's
// config.Load() convention.
type Settings struct {
	// Prefix namespaces all keys for this queue (default "bq").
	Prefix string
	// StallInterval is the stall window length (default 5000ms).
	StallInterval time.Duration
	// Redis holds the connection parameters.
	Redis RedisOptions
	// IsWorker opens the blocking-fetch connection and enables Process
	// (default true).
	IsWorker bool
	// GetEvents opens the subscriber connection and enables local event
	// emission (default true).
	GetEvents bool
	// SendEvents publishes events from this worker (default true).
	SendEvents bool
	// RemoveOnSuccess HDELs and skips SADD to succeeded on success
	// (default false).
	RemoveOnSuccess bool
	// CatchExceptions treats a recovered handler panic as done(err)
	// instead of letting it propagate to the host (default false).
	CatchExceptions bool
}

// DefaultSettings returns the spec §6 defaults.
func DefaultSettings() Settings {
	return Settings{
		Prefix:          "bq",
		StallInterval:   5 * time.Second,
		Redis:           RedisOptions{Addr: "localhost:6379"},
		IsWorker:        true,
		GetEvents:       true,
		SendEvents:      true,
		RemoveOnSuccess: false,
		CatchExceptions: false,
	}
}

// LoadSettingsFromEnv reads Settings from environment variables, applying
// DefaultSettings for anything unset. This mirrors the teacher's
// internal/config/config.go getEnv/getEnvInt/getEnvDuration helpers,
// narrowed to the settings this queue engine recognizes.
func LoadSettingsFromEnv() Settings {
	s := DefaultSettings()
	s.Prefix = getEnv("QUEUE_PREFIX", s.Prefix)
	s.StallInterval = getEnvDuration("QUEUE_STALL_INTERVAL", s.StallInterval)
	s.Redis.Addr = getEnv("REDIS_ADDR", s.Redis.Addr)
	s.Redis.Password = getEnv("REDIS_PASSWORD", s.Redis.Password)
	s.Redis.DB = getEnvInt("REDIS_DB", s.Redis.DB)
	s.IsWorker = getEnvBool("QUEUE_IS_WORKER", s.IsWorker)
	s.GetEvents = getEnvBool("QUEUE_GET_EVENTS", s.GetEvents)
	s.SendEvents = getEnvBool("QUEUE_SEND_EVENTS", s.SendEvents)
	s.RemoveOnSuccess = getEnvBool("QUEUE_REMOVE_ON_SUCCESS", s.RemoveOnSuccess)
	s.CatchExceptions = getEnvBool("QUEUE_CATCH_EXCEPTIONS", s.CatchExceptions)
	return s
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
