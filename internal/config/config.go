package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/maltedev/catalog-dedup/internal/dedup"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Identity IdentityConfig
	Loader   LoaderConfig
	Relay    RelayConfig
	Logging  LoggingConfig
}

type ServerConfig struct {
	Port            string
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	IngestRate      float64
	IngestBurst     int
	QueueSize       int
}

type DatabaseConfig struct {
	Driver     string
	Host       string
	Port       int
	User       string
	Password   string
	DBName     string
	SSLMode    string
	MaxConns   int
	SQLitePath string
	// MemoryFile persists the memory driver between runs when set.
	MemoryFile string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type IdentityConfig struct {
	Backend        string
	Country        string
	VocabularyFile string
}

type LoaderConfig struct {
	InputDir      string
	BatchSize     int
	Workers       int
	MaxRetries    int
	RetryDelay    time.Duration
	SameDayPolicy string
	Timezone      string
	Events        bool
}

type RelayConfig struct {
	Enabled      bool
	PollInterval time.Duration
	BatchSize    int
	StreamMaxLen int
	Retention    time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
	File   string
}

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"

	IdentityMemory = "memory"
	IdentityRedis  = "redis"
)

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnvOrDefault("PORT", "8080"),
			Host:            getEnvOrDefault("SERVER_HOST", "0.0.0.0"),
			ReadTimeout:     getDurationOrDefault("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getDurationOrDefault("SERVER_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getDurationOrDefault("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			IngestRate:      getFloatOrDefault("INGEST_RATE", 10),
			IngestBurst:     getIntOrDefault("INGEST_BURST", 20),
			QueueSize:       getIntOrDefault("INGEST_QUEUE_SIZE", 10000),
		},
		Database: DatabaseConfig{
			Driver:     strings.ToLower(getEnvOrDefault("DB_DRIVER", DriverPostgres)),
			Host:       getEnvOrDefault("DB_HOST", "localhost"),
			Port:       getIntOrDefault("DB_PORT", 5432),
			User:       getEnvOrDefault("DB_USER", "postgres"),
			Password:   getEnvOrDefault("DB_PASSWORD", ""),
			DBName:     getEnvOrDefault("DB_NAME", "catalog_dedup"),
			SSLMode:    getEnvOrDefault("DB_SSL_MODE", "disable"),
			MaxConns:   getIntOrDefault("DB_MAX_CONNS", 10),
			SQLitePath: getEnvOrDefault("SQLITE_PATH", "catalog.db"),
			MemoryFile: getEnvOrDefault("MEMORY_STORE_FILE", ""),
		},
		Redis: RedisConfig{
			Addr:     getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
			Password: getEnvOrDefault("REDIS_PASSWORD", ""),
			DB:       getIntOrDefault("REDIS_DB", 0),
		},
		Identity: IdentityConfig{
			Backend:        strings.ToLower(getEnvOrDefault("IDENTITY_BACKEND", IdentityMemory)),
			Country:        getEnvOrDefault("COUNTRY_PREFIX", ""),
			VocabularyFile: getEnvOrDefault("VOCABULARY_FILE", ""),
		},
		Loader: LoaderConfig{
			InputDir:      getEnvOrDefault("LOADER_INPUT_DIR", "./data"),
			BatchSize:     getIntOrDefault("LOADER_BATCH_SIZE", 500),
			Workers:       getIntOrDefault("LOADER_WORKERS", 1),
			MaxRetries:    getIntOrDefault("LOADER_MAX_RETRIES", 3),
			RetryDelay:    getDurationOrDefault("LOADER_RETRY_DELAY", time.Second),
			SameDayPolicy: getEnvOrDefault("SAME_DAY_POLICY", string(dedup.PolicyLatest)),
			Timezone:      getEnvOrDefault("TIMEZONE", "America/Santiago"),
			Events:        getBoolOrDefault("EVENTS_ENABLED", true),
		},
		Relay: RelayConfig{
			Enabled:      getBoolOrDefault("RELAY_ENABLED", false),
			PollInterval: getDurationOrDefault("RELAY_POLL_INTERVAL", time.Second),
			BatchSize:    getIntOrDefault("RELAY_BATCH_SIZE", 100),
			StreamMaxLen: getIntOrDefault("RELAY_STREAM_MAX_LEN", 100000),
			Retention:    getDurationOrDefault("OUTBOX_RETENTION", 7*24*time.Hour),
		},
		Logging: LoggingConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "json"),
			File:   getEnvOrDefault("LOG_FILE", ""),
		},
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverPostgres, DriverSQLite, DriverMemory:
	default:
		return fmt.Errorf("DB_DRIVER must be one of postgres, sqlite, memory (got %q)", c.Database.Driver)
	}

	switch c.Identity.Backend {
	case IdentityMemory, IdentityRedis:
	default:
		return fmt.Errorf("IDENTITY_BACKEND must be memory or redis (got %q)", c.Identity.Backend)
	}

	if c.Loader.BatchSize < 1 {
		return fmt.Errorf("LOADER_BATCH_SIZE must be at least 1")
	}

	if c.Loader.Workers < 1 {
		return fmt.Errorf("LOADER_WORKERS must be at least 1")
	}

	if c.Loader.MaxRetries < 0 {
		return fmt.Errorf("LOADER_MAX_RETRIES cannot be negative")
	}

	if _, err := dedup.ParsePolicy(c.Loader.SameDayPolicy); err != nil {
		return fmt.Errorf("SAME_DAY_POLICY: %w", err)
	}

	if _, err := c.Location(); err != nil {
		return err
	}

	if c.Server.IngestBurst < 1 {
		return fmt.Errorf("INGEST_BURST must be at least 1")
	}

	if c.Relay.Enabled && c.Database.Driver != DriverPostgres {
		return fmt.Errorf("RELAY_ENABLED requires DB_DRIVER=postgres")
	}

	return nil
}

// Location resolves TIMEZONE, the zone scraper file stamps are written in.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Loader.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE %q: %w", c.Loader.Timezone, err)
	}
	return loc, nil
}

// DSN returns the PostgreSQL connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
