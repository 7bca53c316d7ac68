package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

type Config struct {
	DBSource    string
	Port        string
	Env         string
	Backend     string
	LockTimeout time.Duration

	FXAPIURL   string
	FXAPIKey   string
	FXTimeout  time.Duration
	FXCacheTTL time.Duration

	RedisAddr     string
	RedisPassword string

	KafkaBrokers []string
	KafkaTopic   string

	ReconcileInterval   time.Duration
	ReconcileStaleAfter time.Duration

	RateLimitRPS   float64
	RateLimitBurst int
}

// Load reads the configuration from the environment. A .env file in the working
// directory is applied first when present; real environment variables win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DBSource:      os.Getenv("DB_SOURCE"),
		Port:          getEnv("SERVER_PORT", "8080"),
		Env:           getEnv("ENVIRONMENT", "development"),
		Backend:       getEnv("STORE_BACKEND", BackendPostgres),
		FXAPIURL:      os.Getenv("FX_API_URL"),
		FXAPIKey:      os.Getenv("FX_API_KEY"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		KafkaBrokers:  splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:    getEnv("KAFKA_TOPIC", "ledger.events"),
	}

	var err error
	if cfg.LockTimeout, err = getDuration("LOCK_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.FXTimeout, err = getDuration("FX_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.FXCacheTTL, err = getDuration("FX_CACHE_TTL", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.ReconcileInterval, err = getDuration("RECONCILE_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.ReconcileStaleAfter, err = getDuration("RECONCILE_STALE_AFTER", 5*time.Minute); err != nil {
		return nil, err
	}

	rps := getEnv("RATE_LIMIT_RPS", "20")
	if cfg.RateLimitRPS, err = strconv.ParseFloat(rps, 64); err != nil {
		return nil, fmt.Errorf("RATE_LIMIT_RPS %q: %w", rps, err)
	}
	burst := getEnv("RATE_LIMIT_BURST", "40")
	if cfg.RateLimitBurst, err = strconv.Atoi(burst); err != nil {
		return nil, fmt.Errorf("RATE_LIMIT_BURST %q: %w", burst, err)
	}

	switch cfg.Backend {
	case BackendPostgres:
		if cfg.DBSource == "" {
			return nil, fmt.Errorf("DB_SOURCE environment variable is required")
		}
	case BackendMemory:
	default:
		return nil, fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", BackendPostgres, BackendMemory, cfg.Backend)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s %q: %w", key, v, err)
	}
	return d, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
