package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	for _, key := range []string{
		"SERVER_PORT", "SERVER_HOST", "STORE_DRIVER", "STORE_WORKERS", "STORE_QUEUE_SIZE",
		"PURGE_INTERVAL", "STORE_BATCH_SIZE", "UPDATE_COMMIT_LAG", "CLIENT_RETENTION",
		"JAEGER_ENDPOINT", "TRACE_SAMPLE_RATIO", "METRICS_ENABLED",
	} {
		t.Setenv(key, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, StoreMemory, cfg.StoreDriver)
	assert.Equal(t, "localhost:8080", cfg.Addr())
	assert.Equal(t, 50, cfg.StoreBatchSize)
	assert.Equal(t, time.Second, cfg.UpdateCommitLag)
	assert.Equal(t, time.Minute, cfg.ClientRetention)
	assert.Equal(t, 8, cfg.StoreWorkers)
	assert.True(t, cfg.MetricsEnabled)
	assert.Empty(t, cfg.JaegerEndpoint)

	ec := cfg.EngineConfig()
	assert.Equal(t, cfg.StoreBatchSize, ec.BatchSize)
	assert.Equal(t, cfg.UpdateCommitLag, ec.UpdateCommitLag)
	assert.Equal(t, cfg.ClientRetention, ec.ClientRetention)
}

func TestLoad_ReadsEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("STORE_DRIVER", StoreSQLite)
	t.Setenv("SERVER_PORT", "9000")
	t.Setenv("STORE_BATCH_SIZE", "20")
	t.Setenv("UPDATE_COMMIT_LAG", "250ms")
	t.Setenv("CLIENT_RETENTION", "30")
	t.Setenv("TRACE_SAMPLE_RATIO", "0.25")
	t.Setenv("METRICS_ENABLED", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, StoreSQLite, cfg.StoreDriver)
	assert.Equal(t, "localhost:9000", cfg.Addr())
	assert.Equal(t, 20, cfg.StoreBatchSize)
	assert.Equal(t, 250*time.Millisecond, cfg.UpdateCommitLag)
	assert.Equal(t, 30*time.Second, cfg.ClientRetention, "bare numbers are seconds")
	assert.Equal(t, 0.25, cfg.TraceSampleRatio)
	assert.False(t, cfg.MetricsEnabled)
}

func TestLoad_IgnoresUnparsableValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("STORE_WORKERS", "many")
	t.Setenv("UPDATE_COMMIT_LAG", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.StoreWorkers)
	assert.Equal(t, time.Second, cfg.UpdateCommitLag)
}

func TestValidate_RejectsBadSettings(t *testing.T) {
	cases := map[string]func(c *Config){
		"unknown driver":   func(c *Config) { c.StoreDriver = "mysql" },
		"no workers":       func(c *Config) { c.StoreWorkers = 0 },
		"batch too large":  func(c *Config) { c.StoreBatchSize = 51 },
		"negative lag":     func(c *Config) { c.UpdateCommitLag = -time.Second },
		"no retention":     func(c *Config) { c.ClientRetention = 0 },
		"ratio above one":  func(c *Config) { c.TraceSampleRatio = 1.5 },
		"ratio below zero": func(c *Config) { c.TraceSampleRatio = -0.1 },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			cfg, err := Load()
			require.NoError(t, err)

			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDatabaseURL(t *testing.T) {
	cfg := &Config{DBHost: "db", DBPort: "5433", DBUser: "u", DBPassword: "p", DBName: "n", DBSSLMode: "require"}
	assert.Equal(t, "host=db port=5433 user=u password=p dbname=n sslmode=require", cfg.DatabaseURL())
}
