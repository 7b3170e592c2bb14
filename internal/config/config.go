package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prudhvinik1/venuelock/internal/models"
)

// MemoryDatabaseURL selects the in-process lock store for single-instance
// development.
const MemoryDatabaseURL = "memory://"

type Config struct {
	ServerPort  string
	InstanceID  string
	DatabaseURL string
	RedisURL    string
	JWTSecret   string
	JWTExpiry   time.Duration

	LeaseDuration     time.Duration
	LeaseOverrides    map[string]time.Duration
	KeepAliveInterval time.Duration
	SweepInterval     time.Duration

	BroadcastTTL    time.Duration
	PrivateQueueTTL time.Duration
	FetchLimit      int

	MaxSubscribers    int
	HeartbeatInterval time.Duration
	StaleAfter        time.Duration
	PollInterval      time.Duration

	LogLevel      string
	LogFormat     string
	TracingStdout bool
}

func LoadConfig() (*Config, error) {
	var errs []error
	durations := func(key, def string) time.Duration {
		d, err := getEnvDuration(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}
	ints := func(key string, def int) int {
		n, err := getEnvInt(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return n
	}

	cfg := &Config{
		ServerPort:  getEnv("SERVER_PORT", "8080"),
		InstanceID:  getEnv("INSTANCE_ID", defaultInstanceID()),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		JWTSecret:   os.Getenv("JWT_SECRET"),
		JWTExpiry:   durations("JWT_EXPIRY", "24h"),

		LeaseDuration:     durations("LOCK_LEASE_DURATION", "30s"),
		KeepAliveInterval: durations("LOCK_KEEPALIVE_INTERVAL", "10s"),
		SweepInterval:     durations("LOCK_SWEEP_INTERVAL", "60s"),

		BroadcastTTL:    durations("BROADCAST_TTL", "300s"),
		PrivateQueueTTL: durations("PRIVATE_QUEUE_TTL", "3600s"),
		FetchLimit:      ints("BROADCAST_FETCH_LIMIT", 100),

		MaxSubscribers:    ints("STREAM_MAX_SUBSCRIBERS", 500),
		HeartbeatInterval: durations("STREAM_HEARTBEAT_INTERVAL", "30s"),
		StaleAfter:        durations("STREAM_STALE_AFTER", "5m"),
		PollInterval:      durations("STREAM_POLL_INTERVAL", "1s"),

		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFormat:     getEnv("LOG_FORMAT", "json"),
		TracingStdout: getEnvBool("TRACING_STDOUT", false),
	}

	overrides, err := ParseLeaseOverrides(os.Getenv("LOCK_LEASE_OVERRIDES"))
	if err != nil {
		errs = append(errs, err)
	}
	cfg.LeaseOverrides = overrides

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	if cfg.LeaseDuration <= 0 {
		return nil, errors.New("LOCK_LEASE_DURATION must be positive")
	}
	if cfg.KeepAliveInterval <= 0 || cfg.KeepAliveInterval >= cfg.LeaseDuration {
		return nil, errors.New("LOCK_KEEPALIVE_INTERVAL must be positive and shorter than LOCK_LEASE_DURATION")
	}
	if cfg.MaxSubscribers <= 0 {
		return nil, errors.New("STREAM_MAX_SUBSCRIBERS must be positive")
	}

	return cfg, nil
}

func (c *Config) UseMemoryStore() bool {
	return c.DatabaseURL == MemoryDatabaseURL
}

// ParseLeaseOverrides parses "booking=45s,email:send_all=2m". Keys are a
// resource type or a resource type and action joined by a colon.
func ParseLeaseOverrides(raw string) (map[string]time.Duration, error) {
	overrides := make(map[string]time.Duration)
	if strings.TrimSpace(raw) == "" {
		return overrides, nil
	}

	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("invalid LOCK_LEASE_OVERRIDES entry %q", entry)
		}
		key = strings.TrimSpace(key)
		resourceType, _, _ := strings.Cut(key, ":")
		if _, err := models.ParseResourceType(resourceType); err != nil {
			return nil, fmt.Errorf("invalid LOCK_LEASE_OVERRIDES entry %q: %w", entry, err)
		}
		d, err := time.ParseDuration(strings.TrimSpace(value))
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid LOCK_LEASE_OVERRIDES duration in %q", entry)
		}
		overrides[key] = d
	}
	return overrides, nil
}

// Helper: get env with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key, defaultValue string) (time.Duration, error) {
	d, err := time.ParseDuration(getEnv(key, defaultValue))
	if err != nil {
		return 0, fmt.Errorf("invalid %s format", key)
	}
	return d, nil
}

func getEnvInt(key string, defaultValue int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s format", key)
	}
	return n, nil
}

// getEnvBool recognizes 1/yes/true and 0/no/false; anything else falls back
// to the default.
func getEnvBool(key string, defaultValue bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "yes", "true":
		return true
	case "0", "no", "false":
		return false
	default:
		return defaultValue
	}
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "instance"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
