package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Infrastructure
	RedisAddr     string
	RedisPassword string
	CacheDBPath   string
	ListenAddr    string
	MetricsAddr   string

	// Auth
	JWTSecret       string
	AdminTOTPSecret string

	// Cache tuning
	CacheTTL      time.Duration
	SweepInterval time.Duration
	MaxDocBytes   int
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		CacheDBPath:   getEnv("CACHE_DB_PATH", "data/statecache.db"),
		ListenAddr:    getEnv("LISTEN_ADDR", ":8000"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),

		JWTSecret:       getEnv("JWT_SECRET", ""),
		AdminTOTPSecret: getEnv("ADMIN_TOTP_SECRET", ""),

		CacheTTL:      getEnvSeconds("CACHE_TTL_SECONDS", 3600),
		SweepInterval: getEnvSeconds("SWEEP_INTERVAL_SECONDS", 60),
		MaxDocBytes:   getEnvInt("MAX_DOC_BYTES", 1<<20),
	}
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Printf("[config] ignoring invalid %s value: %q", key, v)
		return fallback
	}
	return n
}

func getEnvSeconds(key string, fallback int) time.Duration {
	return time.Duration(getEnvInt(key, fallback)) * time.Second
}
