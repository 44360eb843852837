package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearConfigEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"PROVIDER_API_KEY", "PROVIDER_BASE_URL", "PORT", "LOG_LEVEL", "NODE_ENV",
		"INSTANCE_POLL_INTERVAL", "INSTANCE_STARTUP_TIMEOUT", "MAX_CONCURRENT_JOBS",
		"MAX_RETRY_ATTEMPTS", "CIRCUIT_BREAKER_THRESHOLD", "CIRCUIT_BREAKER_TIMEOUT",
		"CACHE_TTL", "CACHE_MAX_SIZE", "WEBHOOK_URL", "WEBHOOK_SECRET", "WEBHOOK_TIMEOUT",
		"WEBHOOK_RETRIES", "MIGRATION_ENABLED", "MIGRATION_INTERVAL_MINUTES",
		"MIGRATION_MAX_CONCURRENT", "MIGRATION_DRY_RUN", "DEFAULT_REGION",
		"REGION_PRIORITY_LIST", "REDIS_ADDR", "SQLITE_CACHE_PATH", "ADMIN_API_KEY_HASH",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestLoadFailsValidationWithoutRequiredProviderAPIKey(t *testing.T) {
	clearConfigEnv(t)
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PROVIDER_API_KEY is required")
}

func TestLoadAppliesDefaultsWhenOnlyRequiredFieldsSet(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("PROVIDER_API_KEY", "key-123")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 5, cfg.CircuitBreakerThreshold)
	assert.Equal(t, 30*time.Second, cfg.InstancePollInterval)
	assert.True(t, cfg.MigrationEnabled)
}

func TestLoadOverridesDefaultsFromEnvironment(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("PROVIDER_API_KEY", "key-123")
	t.Setenv("PORT", "9090")
	t.Setenv("MAX_CONCURRENT_JOBS", "25")
	t.Setenv("REGION_PRIORITY_LIST", "us-east, us-west ,eu-central")
	t.Setenv("MIGRATION_DRY_RUN", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 25, cfg.MaxConcurrentJobs)
	assert.Equal(t, []string{"us-east", "us-west", "eu-central"}, cfg.RegionPriorityList)
	assert.True(t, cfg.MigrationDryRun)
}

func TestLoadFallsBackToDefaultOnUnparsableIntValue(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("PROVIDER_API_KEY", "key-123")
	t.Setenv("MAX_CONCURRENT_JOBS", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.MaxConcurrentJobs)
}

func TestValidateAccumulatesAllProblems(t *testing.T) {
	cfg := Config{
		MaxConcurrentJobs:        -1,
		MaxRetryAttempts:         -1,
		CircuitBreakerThreshold:  0,
		MigrationIntervalMinutes: 0,
		MigrationMaxConcurrent:   0,
	}
	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "PROVIDER_API_KEY is required")
	assert.Contains(t, msg, "PROVIDER_BASE_URL")
	assert.Contains(t, msg, "MAX_CONCURRENT_JOBS")
	assert.Contains(t, msg, "MAX_RETRY_ATTEMPTS")
	assert.Contains(t, msg, "CIRCUIT_BREAKER_THRESHOLD")
	assert.Contains(t, msg, "MIGRATION_INTERVAL_MINUTES")
	assert.Contains(t, msg, "MIGRATION_MAX_CONCURRENT")
}

func TestValidatePassesOnDefaultConfigWithAPIKeySet(t *testing.T) {
	cfg := defaultConfig()
	cfg.ProviderAPIKey = "key-123"
	assert.NoError(t, cfg.Validate())
}
