package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv      string
	LogLevel    string
	Port        string
	DatabaseURL string
	StoreDriver string
	AutoMigrate bool
	StoragePath string

	GPUServerURLs       []string
	GPUServerAPIKey     string
	BackendsFile        string
	GPUServerTimeout    time.Duration
	BackendProbeTimeout time.Duration
	BackendHealthTTL    time.Duration
	BackendProbeEvery   time.Duration
	LocalFallback       bool

	WorkerConcurrency  int
	WorkerPollInterval time.Duration
	LeaseTTL           time.Duration
	OrphanSweepEvery   time.Duration
	RunWorker          bool

	EventBuffer         int
	EventResyncInterval time.Duration

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int
	CORSOrigins      []string
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		LogLevel:    os.Getenv("LOG_LEVEL"),
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		StoreDriver: strings.ToLower(getEnv("STORE_DRIVER", StoreDriverPostgres)),
		AutoMigrate: getEnvBool("AUTO_MIGRATE", true),
		StoragePath: getEnv("STORAGE_PATH", "./storage"),

		GPUServerURLs:       getEnvList("GPU_SERVER_URL"),
		GPUServerAPIKey:     strings.TrimSpace(os.Getenv("GPU_SERVER_API_KEY")),
		BackendsFile:        strings.TrimSpace(os.Getenv("BACKENDS_FILE")),
		GPUServerTimeout:    time.Second * time.Duration(getEnvInt("GPU_SERVER_TIMEOUT_SECONDS", 600)),
		BackendProbeTimeout: time.Second * time.Duration(getEnvInt("BACKEND_PROBE_TIMEOUT_SECONDS", 2)),
		BackendHealthTTL:    time.Second * time.Duration(getEnvInt("BACKEND_HEALTH_TTL_SECONDS", 15)),
		BackendProbeEvery:   time.Second * time.Duration(getEnvInt("BACKEND_PROBE_INTERVAL_SECONDS", 30)),
		LocalFallback:       getEnvBool("LOCAL_FALLBACK_ENABLED", true),

		WorkerConcurrency:  getEnvInt("WORKER_CONCURRENCY", 2),
		WorkerPollInterval: time.Millisecond * time.Duration(getEnvInt("WORKER_POLL_INTERVAL_MS", 1000)),
		LeaseTTL:           time.Second * time.Duration(getEnvInt("LEASE_TTL_SECONDS", 30)),
		OrphanSweepEvery:   time.Second * time.Duration(getEnvInt("ORPHAN_SWEEP_INTERVAL_SECONDS", 60)),
		RunWorker:          getEnvBool("RUN_WORKER", false),

		EventBuffer:         getEnvInt("EVENT_BUFFER", 16),
		EventResyncInterval: time.Second * time.Duration(getEnvInt("EVENT_RESYNC_INTERVAL_SECONDS", 10)),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
		CORSOrigins:      getEnvList("CORS_ALLOWED_ORIGINS"),
	}

	switch cfg.StoreDriver {
	case StoreDriverPostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required")
		}
	case StoreDriverMemory:
		// The memory driver cannot be shared between processes.
		cfg.RunWorker = true
	default:
		return nil, fmt.Errorf("STORE_DRIVER %q is not supported", cfg.StoreDriver)
	}

	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = 1
	}
	if cfg.LeaseTTL < 3*time.Second {
		cfg.LeaseTTL = 3 * time.Second
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 16
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		part = strings.TrimRight(strings.TrimSpace(part), "/")
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
