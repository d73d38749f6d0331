package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	Redis          RedisConfig
	Room           RoomConfig
	Replay         ReplayConfig
	E2EE           E2EEConfig
	Transfer       TransferConfig
	RateLimit      RateLimitConfig
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// RoomConfig bounds room membership and presence liveness.
type RoomConfig struct {
	MaxParticipants  int
	PresenceTTL      time.Duration
	HeartbeatTimeout time.Duration
}

// ReplayConfig bounds the per-room reconnection buffer.
type ReplayConfig struct {
	BufferSize  int
	BufferAge   time.Duration
	GraceWindow time.Duration
}

// E2EEConfig controls key lifetime and replay protection.
type E2EEConfig struct {
	KeyMaxAge         time.Duration
	NonceTTL          time.Duration
	SignaturesEnabled bool
}

// TransferConfig bounds chunked file transfers.
type TransferConfig struct {
	MaxFileSize          int64
	ChunkSize            int
	MaxConcurrentPerUser int
	Timeout              time.Duration
}

// RateLimitConfig defines per-action token bucket parameters.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

func Load() *Config {
	// Parse allowed origins (comma-separated)
	originsStr := getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	origins := strings.Split(originsStr, ",")

	return &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: origins,
		JWTSecret:      getEnv("JWT_SECRET", "change-me-in-production"),
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       0,
		},
		Room: RoomConfig{
			MaxParticipants:  getEnvInt("ROOM_MAX_PARTICIPANTS", 8),
			PresenceTTL:      getEnvDuration("ROOM_PRESENCE_TTL", 24*time.Hour),
			HeartbeatTimeout: getEnvDuration("ROOM_HEARTBEAT_TIMEOUT", 90*time.Second),
		},
		Replay: ReplayConfig{
			BufferSize:  getEnvInt("REPLAY_BUFFER_SIZE", 200),
			BufferAge:   getEnvDuration("REPLAY_BUFFER_AGE", 2*time.Minute),
			GraceWindow: getEnvDuration("REPLAY_GRACE_WINDOW", 30*time.Second),
		},
		E2EE: E2EEConfig{
			KeyMaxAge:         getEnvDuration("E2EE_KEY_MAX_AGE", 24*time.Hour),
			NonceTTL:          getEnvDuration("E2EE_NONCE_TTL", time.Hour),
			SignaturesEnabled: getEnvBool("E2EE_SIGNATURES_ENABLED", true),
		},
		Transfer: TransferConfig{
			MaxFileSize:          getEnvInt64("TRANSFER_MAX_FILE_SIZE", 100*1024*1024),
			ChunkSize:            getEnvInt("TRANSFER_CHUNK_SIZE", 64*1024),
			MaxConcurrentPerUser: getEnvInt("TRANSFER_MAX_CONCURRENT", 3),
			Timeout:              getEnvDuration("TRANSFER_TIMEOUT", 10*time.Minute),
		},
		RateLimit: RateLimitConfig{
			Burst:          getEnvInt("RATE_LIMIT_BURST", 10),
			RefillInterval: getEnvDuration("RATE_LIMIT_REFILL_INTERVAL", time.Second),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil && parsed > 0 {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil && parsed > 0 {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
