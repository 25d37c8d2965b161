package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"livesync/internal/engine"

	"github.com/joho/godotenv"
)

// Store drivers
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

type Config struct {
	ServerPort string
	ServerHost string

	// Durable store
	StoreDriver string
	DBHost      string
	DBPort      string
	DBUser      string
	DBPassword  string
	DBName      string
	DBSSLMode   string
	DBLogLevel  string
	SQLitePath  string

	// Store worker pool
	StoreWorkers   int
	StoreQueueSize int
	PurgeInterval  time.Duration

	// Engine tuning
	StoreBatchSize  int
	UpdateCommitLag time.Duration
	ClientRetention time.Duration

	// Observability
	JaegerEndpoint   string
	TraceSampleRatio float64
	MetricsEnabled   bool
}

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		ServerPort: getEnv("SERVER_PORT", "8080"),
		ServerHost: getEnv("SERVER_HOST", "localhost"),

		StoreDriver: getEnv("STORE_DRIVER", StoreMemory),
		DBHost:      getEnv("DB_HOST", "localhost"),
		DBPort:      getEnv("DB_PORT", "5432"),
		DBUser:      getEnv("DB_USER", "postgres"),
		DBPassword:  getEnv("DB_PASSWORD", "postgres"),
		DBName:      getEnv("DB_NAME", "livesync"),
		DBSSLMode:   getEnv("DB_SSLMODE", "disable"),
		DBLogLevel:  getEnv("DB_LOG_LEVEL", "warn"),
		SQLitePath:  getEnv("SQLITE_PATH", "livesync.db"),

		StoreWorkers:   getEnvInt("STORE_WORKERS", 8),
		StoreQueueSize: getEnvInt("STORE_QUEUE_SIZE", 100),
		PurgeInterval:  getEnvDuration("PURGE_INTERVAL", time.Hour),

		StoreBatchSize:  getEnvInt("STORE_BATCH_SIZE", engine.DefaultBatchSize),
		UpdateCommitLag: getEnvDuration("UPDATE_COMMIT_LAG", time.Second),
		ClientRetention: getEnvDuration("CLIENT_RETENTION", 60*time.Second),

		JaegerEndpoint:   getEnv("JAEGER_ENDPOINT", ""),
		TraceSampleRatio: getEnvFloat("TRACE_SAMPLE_RATIO", 1),
		MetricsEnabled:   getEnvBool("METRICS_ENABLED", true),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreMemory, StorePostgres, StoreSQLite:
	default:
		return fmt.Errorf("STORE_DRIVER must be one of memory, postgres, sqlite (got %q)", c.StoreDriver)
	}
	if c.StoreWorkers <= 0 {
		return fmt.Errorf("STORE_WORKERS must be positive")
	}
	if c.StoreBatchSize <= 0 || c.StoreBatchSize > engine.DefaultBatchSize {
		return fmt.Errorf("STORE_BATCH_SIZE must be between 1 and %d", engine.DefaultBatchSize)
	}
	if c.UpdateCommitLag < 0 {
		return fmt.Errorf("UPDATE_COMMIT_LAG must not be negative")
	}
	if c.ClientRetention <= 0 {
		return fmt.Errorf("CLIENT_RETENTION must be positive")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATIO must be between 0 and 1")
	}
	return nil
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

// EngineConfig is the part of the configuration the sync engine reads.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		BatchSize:       c.StoreBatchSize,
		UpdateCommitLag: c.UpdateCommitLag,
		ClientRetention: c.ClientRetention,
	}
}

// Addr is the listen address of the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%s", c.ServerHost, c.ServerPort)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("1s", "250ms") or whole seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
