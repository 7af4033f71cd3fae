package config

import (
	"os"
	"strconv"
	"time"
)

// Config carries process configuration read from the environment.
type Config struct {
	AppEnv  string
	AppName string

	RedisURL          string
	RedisHost         string
	RedisPort         string
	RedisPassword     string
	RedisDB           int
	RedisPoolSize     int
	RedisMinIdleConns int
	RedisMaxRetries   int

	AppPort     string
	MetricsPort string
	LogLevel    string

	QueuePersistDir string
	DeadLetterDir   string
	RulesFile       string

	DrainTimeout time.Duration
}

// IsProduction reports whether the process runs with the production contract,
// which disables synthetic fallback responses in the router.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:          getEnv("ENVIRONMENT", "development"),
		AppName:         getEnv("APP_NAME", "messagefabric"),
		RedisURL:        os.Getenv("REDIS_URL"),
		RedisHost:       getEnv("REDIS_HOST", "localhost"),
		RedisPort:       getEnv("REDIS_PORT", "6379"),
		RedisPassword:   os.Getenv("REDIS_PASSWORD"),
		AppPort:         getEnv("APP_PORT", "8080"),
		MetricsPort:     getEnv("METRICS_PORT", "9090"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		QueuePersistDir: getEnv("QUEUE_PERSIST_DIR", "data/queues"),
		DeadLetterDir:   getEnv("DEAD_LETTER_DIR", "data/dead_letters"),
		RulesFile:       os.Getenv("RULES_FILE"),
		DrainTimeout:    30 * time.Second,
	}

	cfg.RedisDB = getEnvInt("REDIS_DB", 0)
	cfg.RedisPoolSize = getEnvInt("REDIS_POOL_SIZE", 10)
	cfg.RedisMinIdleConns = getEnvInt("REDIS_MIN_IDLE_CONNS", 2)
	cfg.RedisMaxRetries = getEnvInt("REDIS_MAX_RETRIES", 3)

	if v := os.Getenv("DRAIN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.DrainTimeout = d
		}
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
