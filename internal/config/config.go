package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenAddr  string
	DatabaseURL string

	// Cal.com upstream
	CalBaseURL     string
	CalAPIKey      string
	CalAPIVersion  string
	CalEventTypeID int

	// Booking core
	AvailabilityTTL time.Duration
	IdleTimeout     time.Duration

	// Session store: empty RedisAddr keeps sessions in memory.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Outbound replies: empty means log-only.
	TransportCallbackURL string

	// Admin web session cookie keys (base64).
	CookieHashKey  []byte
	CookieBlockKey []byte
}

func FromEnv() (Config, error) {
	cfg := Config{
		ListenAddr:           getenv("LISTEN_ADDR", ":8080"),
		DatabaseURL:          strings.TrimSpace(os.Getenv("DATABASE_URL")),
		CalBaseURL:           getenv("CALCOM_BASE_URL", "https://api.cal.com/v2"),
		CalAPIKey:            strings.TrimSpace(os.Getenv("CALCOM_API_KEY")),
		CalAPIVersion:        getenv("CALCOM_API_VERSION", "2024-06-14"),
		RedisAddr:            strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		RedisPassword:        os.Getenv("REDIS_PASSWORD"),
		TransportCallbackURL: strings.TrimSpace(os.Getenv("TRANSPORT_CALLBACK_URL")),
	}
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.CalAPIKey == "" {
		return Config{}, fmt.Errorf("CALCOM_API_KEY is required")
	}

	eventTypeID, err := strconv.Atoi(strings.TrimSpace(os.Getenv("CALCOM_EVENT_TYPE_ID")))
	if err != nil || eventTypeID <= 0 {
		return Config{}, fmt.Errorf("CALCOM_EVENT_TYPE_ID must be a positive integer")
	}
	cfg.CalEventTypeID = eventTypeID

	ttlSec, err := strconv.Atoi(getenv("AVAILABILITY_CACHE_TTL_SECONDS", "300"))
	if err != nil || ttlSec < 1 {
		return Config{}, fmt.Errorf("invalid AVAILABILITY_CACHE_TTL_SECONDS")
	}
	cfg.AvailabilityTTL = time.Duration(ttlSec) * time.Second

	idleMin, err := strconv.Atoi(getenv("SESSION_IDLE_TIMEOUT_MINUTES", "30"))
	if err != nil || idleMin < 1 {
		return Config{}, fmt.Errorf("invalid SESSION_IDLE_TIMEOUT_MINUTES")
	}
	cfg.IdleTimeout = time.Duration(idleMin) * time.Minute

	redisDB, err := strconv.Atoi(getenv("REDIS_DB", "0"))
	if err != nil || redisDB < 0 {
		return Config{}, fmt.Errorf("invalid REDIS_DB")
	}
	cfg.RedisDB = redisDB

	hashKey := os.Getenv("COOKIE_HASH_KEY")
	blockKey := os.Getenv("COOKIE_BLOCK_KEY")
	if hashKey == "" || blockKey == "" {
		return Config{}, fmt.Errorf("COOKIE_HASH_KEY and COOKIE_BLOCK_KEY are required (base64, 32 bytes)")
	}
	if cfg.CookieHashKey, err = decodeB64(hashKey); err != nil {
		return Config{}, fmt.Errorf("COOKIE_HASH_KEY: %w", err)
	}
	if cfg.CookieBlockKey, err = decodeB64(blockKey); err != nil {
		return Config{}, fmt.Errorf("COOKIE_BLOCK_KEY: %w", err)
	}

	return cfg, nil
}

func getenv(k, def string) string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	return v
}

func decodeB64(s string) ([]byte, error) {
	// allow pointing to a file path for k8s secret mounts
	if b, err := os.ReadFile(s); err == nil {
		s = string(b)
	}
	s = strings.TrimSpace(s)
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}
