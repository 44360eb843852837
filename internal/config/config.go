// Package config loads orchestrator configuration from environment
// variables (with flag overrides where the binary parses flags), applies
// defaults, and validates the result eagerly so the process can exit
// non-zero at startup rather than fail deep in a request path.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every runtime setting enumerated in the system design.
type Config struct {
	ProviderAPIKey  string // PROVIDER_API_KEY (required)
	ProviderBaseURL string // PROVIDER_BASE_URL

	Port     string // PORT
	LogLevel string // LOG_LEVEL
	Env      string // NODE_ENV

	InstancePollInterval time.Duration // INSTANCE_POLL_INTERVAL
	InstanceStartupTimeout time.Duration // INSTANCE_STARTUP_TIMEOUT

	MaxConcurrentJobs int           // MAX_CONCURRENT_JOBS
	MaxRetryAttempts  int           // MAX_RETRY_ATTEMPTS

	CircuitBreakerThreshold int           // CIRCUIT_BREAKER_THRESHOLD
	CircuitBreakerTimeout   time.Duration // CIRCUIT_BREAKER_TIMEOUT

	CacheTTL     time.Duration // CACHE_TTL
	CacheMaxSize int           // CACHE_MAX_SIZE

	WebhookURL     string        // WEBHOOK_URL (default target)
	WebhookSecret  string        // WEBHOOK_SECRET
	WebhookTimeout time.Duration // WEBHOOK_TIMEOUT
	WebhookRetries int           // WEBHOOK_RETRIES

	MigrationEnabled          bool   // MIGRATION_ENABLED
	MigrationIntervalMinutes  int    // MIGRATION_INTERVAL_MINUTES
	MigrationMaxConcurrent    int    // MIGRATION_MAX_CONCURRENT
	MigrationDryRun           bool   // MIGRATION_DRY_RUN

	DefaultRegion        string   // DEFAULT_REGION
	RegionPriorityList   []string // REGION_PRIORITY_LIST (comma-separated)

	RedisAddr string // REDIS_ADDR (optional cache persistence backend)
	SQLiteCachePath string // SQLITE_CACHE_PATH (optional cache persistence backend)

	AdminAPIKeyHash string // ADMIN_API_KEY_HASH (bcrypt hash; protects admin endpoints)
}

func defaultConfig() Config {
	return Config{
		ProviderBaseURL:          "https://api.provider.example.com",
		Port:                     "8080",
		LogLevel:                 "info",
		Env:                      "development",
		InstancePollInterval:     30 * time.Second,
		InstanceStartupTimeout:   15 * time.Minute,
		MaxConcurrentJobs:        10,
		MaxRetryAttempts:         3,
		CircuitBreakerThreshold:  5,
		CircuitBreakerTimeout:    60 * time.Second,
		CacheTTL:                 60 * time.Second,
		CacheMaxSize:             1000,
		WebhookTimeout:           10 * time.Second,
		WebhookRetries:           3,
		MigrationEnabled:         true,
		MigrationIntervalMinutes: 15,
		MigrationMaxConcurrent:   5,
		MigrationDryRun:          false,
		DefaultRegion:            "",
		RegionPriorityList:       nil,
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func getenvList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Load builds a Config from environment variables layered over defaults,
// then validates it. Callers that also accept CLI flags should mutate the
// returned Config before calling Validate again.
func Load() (Config, error) {
	def := defaultConfig()

	cfg := Config{
		ProviderAPIKey:           getenv("PROVIDER_API_KEY", ""),
		ProviderBaseURL:          getenv("PROVIDER_BASE_URL", def.ProviderBaseURL),
		Port:                     getenv("PORT", def.Port),
		LogLevel:                 getenv("LOG_LEVEL", def.LogLevel),
		Env:                      getenv("NODE_ENV", def.Env),
		InstancePollInterval:     getenvDuration("INSTANCE_POLL_INTERVAL", def.InstancePollInterval),
		InstanceStartupTimeout:   getenvDuration("INSTANCE_STARTUP_TIMEOUT", def.InstanceStartupTimeout),
		MaxConcurrentJobs:        getenvInt("MAX_CONCURRENT_JOBS", def.MaxConcurrentJobs),
		MaxRetryAttempts:         getenvInt("MAX_RETRY_ATTEMPTS", def.MaxRetryAttempts),
		CircuitBreakerThreshold:  getenvInt("CIRCUIT_BREAKER_THRESHOLD", def.CircuitBreakerThreshold),
		CircuitBreakerTimeout:    getenvDuration("CIRCUIT_BREAKER_TIMEOUT", def.CircuitBreakerTimeout),
		CacheTTL:                 getenvDuration("CACHE_TTL", def.CacheTTL),
		CacheMaxSize:             getenvInt("CACHE_MAX_SIZE", def.CacheMaxSize),
		WebhookURL:               getenv("WEBHOOK_URL", ""),
		WebhookSecret:            getenv("WEBHOOK_SECRET", ""),
		WebhookTimeout:           getenvDuration("WEBHOOK_TIMEOUT", def.WebhookTimeout),
		WebhookRetries:           getenvInt("WEBHOOK_RETRIES", def.WebhookRetries),
		MigrationEnabled:         getenvBool("MIGRATION_ENABLED", def.MigrationEnabled),
		MigrationIntervalMinutes: getenvInt("MIGRATION_INTERVAL_MINUTES", def.MigrationIntervalMinutes),
		MigrationMaxConcurrent:   getenvInt("MIGRATION_MAX_CONCURRENT", def.MigrationMaxConcurrent),
		MigrationDryRun:          getenvBool("MIGRATION_DRY_RUN", def.MigrationDryRun),
		DefaultRegion:            getenv("DEFAULT_REGION", def.DefaultRegion),
		RegionPriorityList:       getenvList("REGION_PRIORITY_LIST", def.RegionPriorityList),
		RedisAddr:                getenv("REDIS_ADDR", ""),
		SQLiteCachePath:          getenv("SQLITE_CACHE_PATH", ""),
		AdminAPIKeyHash:          getenv("ADMIN_API_KEY_HASH", ""),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks required fields and obviously-invalid values. Returns a
// non-nil error describing every problem found, not just the first.
func (c Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.ProviderAPIKey) == "" {
		problems = append(problems, "PROVIDER_API_KEY is required")
	}
	if strings.TrimSpace(c.ProviderBaseURL) == "" {
		problems = append(problems, "PROVIDER_BASE_URL must not be empty")
	}
	if c.MaxConcurrentJobs <= 0 {
		problems = append(problems, "MAX_CONCURRENT_JOBS must be positive")
	}
	if c.MaxRetryAttempts < 0 {
		problems = append(problems, "MAX_RETRY_ATTEMPTS must not be negative")
	}
	if c.CircuitBreakerThreshold <= 0 {
		problems = append(problems, "CIRCUIT_BREAKER_THRESHOLD must be positive")
	}
	if c.MigrationIntervalMinutes <= 0 {
		problems = append(problems, "MIGRATION_INTERVAL_MINUTES must be positive")
	}
	if c.MigrationMaxConcurrent <= 0 {
		problems = append(problems, "MIGRATION_MAX_CONCURRENT must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
