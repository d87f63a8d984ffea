// Package config holds tuning constants and the environment-driven server configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pion/webrtc/v4"
)

const (
	envListenAddr     = "LISTEN_ADDR"
	envStoreBackend   = "STORE_BACKEND"
	envRedisAddr      = "REDIS_ADDR"
	envRedisPassword  = "REDIS_PASSWORD"
	envDatabaseDSN    = "DATABASE_DSN"
	envJWTSecret      = "JWT_SECRET"
	envSearchTimeout  = "SEARCH_TIMEOUT"
	envPresenceTTL    = "PRESENCE_TTL"
	envLogLevel       = "LOG_LEVEL"
	envAllowedOrigins = "ALLOWED_ORIGINS"

	DefaultListenAddr = ":8080"
	DefaultRedisAddr  = "localhost:6380"
)

// StoreBackend selects the presence store implementation.
type StoreBackend string

const (
	StoreMemory StoreBackend = "memory"
	StoreRedis  StoreBackend = "redis"
)

// Config is the runtime configuration of the server.
type Config struct {
	ListenAddr     string
	StoreBackend   StoreBackend
	RedisAddr      string
	RedisPassword  string
	DatabaseDSN    string // порожній: архів у Postgres вимкнено
	JWTSecret      string
	SearchTimeout  time.Duration
	PresenceTTL    time.Duration
	LogLevel       string
	AllowedOrigins []string
	ICEServers     []webrtc.ICEServer
}

// Default returns the configuration used when no environment overrides are present.
func Default() Config {
	return Config{
		ListenAddr:    DefaultListenAddr,
		StoreBackend:  StoreMemory,
		RedisAddr:     DefaultRedisAddr,
		SearchTimeout: SearchTimeout,
		PresenceTTL:   PresenceTTL,
		LogLevel:      "info",
		ICEServers:    []webrtc.ICEServer{{URLs: DefaultSTUNURLs}},
	}
}

// Load reads an optional .env file and then the process environment.
func Load() (Config, error) {
	// .env is optional; a missing file is not an error.
	_ = godotenv.Load()
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from an environment lookup function.
func FromLookup(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	get := func(key string) string {
		v, _ := lookup(key)
		return strings.TrimSpace(v)
	}

	if v := get(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := get(envStoreBackend); v != "" {
		switch StoreBackend(strings.ToLower(v)) {
		case StoreMemory:
			cfg.StoreBackend = StoreMemory
		case StoreRedis:
			cfg.StoreBackend = StoreRedis
		default:
			return Config{}, fmt.Errorf("%s: unknown backend %q", envStoreBackend, v)
		}
	}
	if v := get(envRedisAddr); v != "" {
		cfg.RedisAddr = v
	}
	cfg.RedisPassword = get(envRedisPassword)
	cfg.DatabaseDSN = get(envDatabaseDSN)
	cfg.JWTSecret = get(envJWTSecret)
	if v := get(envLogLevel); v != "" {
		cfg.LogLevel = v
	}
	if v := get(envAllowedOrigins); v != "" {
		for _, origin := range strings.Split(v, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, origin)
			}
		}
	}

	var err error
	if cfg.SearchTimeout, err = durationOr(get(envSearchTimeout), cfg.SearchTimeout); err != nil {
		return Config{}, fmt.Errorf("%s: %w", envSearchTimeout, err)
	}
	if cfg.PresenceTTL, err = durationOr(get(envPresenceTTL), cfg.PresenceTTL); err != nil {
		return Config{}, fmt.Errorf("%s: %w", envPresenceTTL, err)
	}

	iceServers, err := parseICEServersFromValues(get(envICEServersJSON), get(envStunURLs), get(envTurnURLs), get(envTurnUsername), get(envTurnCredential))
	if err != nil {
		return Config{}, err
	}
	if len(iceServers) > 0 {
		cfg.ICEServers = iceServers
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if c.SearchTimeout <= 0 {
		return fmt.Errorf("search timeout must be positive, got %s", c.SearchTimeout)
	}
	if c.PresenceTTL <= 0 {
		return fmt.Errorf("presence ttl must be positive, got %s", c.PresenceTTL)
	}
	if c.StoreBackend == StoreRedis && c.RedisAddr == "" {
		return fmt.Errorf("%s is required when %s=redis", envRedisAddr, envStoreBackend)
	}
	return nil
}

func durationOr(raw string, fallback time.Duration) (time.Duration, error) {
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive, got %s", d)
	}
	return d, nil
}
